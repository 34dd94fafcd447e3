package protocol

import (
	"errors"
	"fmt"
	"time"

	"github.com/klauspost/compress/zstd"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// Первый байт кадра описывает формат тела
const (
	frameRaw  byte = 0x01
	frameZstd byte = 0x02
)

// DefaultCompressThreshold — размер тела, начиная с которого включается zstd
const DefaultCompressThreshold = 512

// ErrBadFrame возвращается для поврежденных или чужих кадров
var ErrBadFrame = errors.New("protocol: bad frame")

// Codec кодирует Message в байты для транспорта.
//
// Тело — protobuf Struct со служебными полями и payload; при включенном
// сжатии тела больше порога сжимаются zstd. Encode/Decode безопасны для
// конкурентного использования.
type Codec struct {
	compress  bool
	threshold int
	encoder   *zstd.Encoder
	decoder   *zstd.Decoder
}

// NewCodec создает кодек. threshold <= 0 означает DefaultCompressThreshold.
func NewCodec(compress bool, threshold int) (*Codec, error) {
	if threshold <= 0 {
		threshold = DefaultCompressThreshold
	}
	c := &Codec{compress: compress, threshold: threshold}

	var err error
	// декодер нужен всегда: собеседник может сжимать, даже если мы нет
	c.decoder, err = zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("zstd reader: %w", err)
	}
	if compress {
		c.encoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			c.decoder.Close()
			return nil, fmt.Errorf("zstd writer: %w", err)
		}
	}
	return c, nil
}

// Close освобождает ресурсы zstd
func (c *Codec) Close() {
	if c.encoder != nil {
		_ = c.encoder.Close()
	}
	c.decoder.Close()
}

// Encode сериализует сообщение в кадр
func (c *Codec) Encode(m *Message) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}

	fields := map[string]*structpb.Value{
		"id":     structpb.NewStringValue(m.ID),
		"ns":     structpb.NewStringValue(m.Namespace),
		"target": structpb.NewStringValue(m.Target),
		"object": structpb.NewStringValue(m.ObjectID),
		"kind":   structpb.NewNumberValue(float64(m.Kind)),
		"ts":     structpb.NewNumberValue(float64(m.Timestamp.UnixMilli())),
	}
	if m.Payload != nil {
		fields["payload"] = m.Payload
	}

	body, err := proto.MarshalOptions{Deterministic: true}.Marshal(&structpb.Struct{Fields: fields})
	if err != nil {
		return nil, fmt.Errorf("ошибка сериализации сообщения: %w", err)
	}

	if c.compress && len(body) >= c.threshold {
		out := make([]byte, 1, len(body)/2+1)
		out[0] = frameZstd
		return c.encoder.EncodeAll(body, out), nil
	}

	out := make([]byte, 0, len(body)+1)
	out = append(out, frameRaw)
	return append(out, body...), nil
}

// Decode разбирает кадр, созданный Encode
func (c *Codec) Decode(frame []byte) (*Message, error) {
	if len(frame) < 1 {
		return nil, fmt.Errorf("%w: пустой кадр", ErrBadFrame)
	}

	body := frame[1:]
	switch frame[0] {
	case frameRaw:
	case frameZstd:
		var err error
		body, err = c.decoder.DecodeAll(body, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: zstd: %v", ErrBadFrame, err)
		}
	default:
		return nil, fmt.Errorf("%w: неизвестный формат 0x%02x", ErrBadFrame, frame[0])
	}

	var st structpb.Struct
	if err := proto.Unmarshal(body, &st); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadFrame, err)
	}

	f := st.GetFields()
	m := &Message{
		ID:        f["id"].GetStringValue(),
		Namespace: f["ns"].GetStringValue(),
		Target:    f["target"].GetStringValue(),
		ObjectID:  f["object"].GetStringValue(),
		Kind:      Kind(int32(f["kind"].GetNumberValue())),
		Payload:   f["payload"],
		Timestamp: time.UnixMilli(int64(f["ts"].GetNumberValue())).UTC(),
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}
