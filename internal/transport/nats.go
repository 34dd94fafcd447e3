package transport

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/annel0/sharedobjects/internal/logging"
	"github.com/annel0/sharedobjects/internal/protocol"
	"github.com/nats-io/nats.go"
)

// broadcastToken — последний токен subject для широковещательных сообщений.
// Идентификаторы пиров кодируются base64url и не могут с ним совпасть.
const broadcastToken = "_all"

// NATSConfig содержит конфигурацию NATS транспорта.
type NATSConfig struct {
	URL           string        `yaml:"url"`
	SubjectPrefix string        `yaml:"subject_prefix"`
	MaxReconnects int           `yaml:"max_reconnects"`
	ReconnectWait time.Duration `yaml:"reconnect_wait"`
	// QueueSize — буфер входящих кадров одной подписки (по умолчанию 1024).
	// При переполнении NATS отбрасывает кадры (slow consumer); они
	// учитываются в Stats.Dropped, а у наблюдателя теряется New или Update.
	QueueSize int `yaml:"queue_size"`
}

// NATSTransport реализует Transport поверх NATS core.
//
// Subject: <prefix>.<namespace>.<peer>, где namespace и peer закодированы
// base64url. Одно соединение публикует в порядке вызовов Publish, а обе
// подписки наблюдателя (адресная и широковещательная) читаются одной
// горутиной, поэтому порядок для пары (namespace, peer) сохраняется.
//
// NATS core не дает подтверждений: если обработчик не успевает и буфер
// подписки (QueueSize) заполнен, клиент NATS отбрасывает кадры. Такие
// потери видны в Stats.Dropped и Stats.SlowConsumers и в логе.
type NATSTransport struct {
	conn   *nats.Conn
	codec  *protocol.Codec
	config NATSConfig

	mu     sync.Mutex
	subs   map[*natsSub]struct{}
	closed bool

	published uint64
	delivered uint64
	dropped   uint64
	slow      uint64
}

// NewNATSTransport подключается к NATS.
func NewNATSTransport(config NATSConfig, codec *protocol.Codec) (*NATSTransport, error) {
	if config.URL == "" {
		config.URL = nats.DefaultURL
	}
	if config.SubjectPrefix == "" {
		config.SubjectPrefix = "sharedobj"
	}
	if config.MaxReconnects == 0 {
		config.MaxReconnects = 10
	}
	if config.ReconnectWait == 0 {
		config.ReconnectWait = 2 * time.Second
	}
	if config.QueueSize <= 0 {
		config.QueueSize = 1024
	}
	if codec == nil {
		var err error
		codec, err = protocol.NewCodec(false, 0)
		if err != nil {
			return nil, err
		}
	}

	nt := &NATSTransport{
		codec:  codec,
		config: config,
		subs:   make(map[*natsSub]struct{}),
	}

	log := logging.GetTransportLogger()
	opts := []nats.Option{
		nats.Name("sharedobjects"),
		nats.MaxReconnects(config.MaxReconnects),
		nats.ReconnectWait(config.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Warn("NATS disconnected: %v", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("NATS reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			log.Info("NATS connection closed")
		}),
		nats.ErrorHandler(nt.handleAsyncError),
	}

	conn, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	nt.conn = conn

	log.Info("📡 NATS транспорт подключен: %s (prefix=%s)", config.URL, config.SubjectPrefix)
	return nt, nil
}

// handleAsyncError получает асинхронные ошибки соединения, в том числе slow consumer
func (nt *NATSTransport) handleAsyncError(_ *nats.Conn, sub *nats.Subscription, err error) {
	log := logging.GetTransportLogger()
	if !errors.Is(err, nats.ErrSlowConsumer) {
		log.Error("❌ NATS: асинхронная ошибка: %v", err)
		return
	}
	atomic.AddUint64(&nt.slow, 1)
	if sub == nil {
		log.Warn("🐢 NATS: slow consumer, кадры отбрасываются (queue_size=%d)", nt.config.QueueSize)
		return
	}
	dropped, _ := sub.Dropped()
	log.Warn("🐢 NATS: slow consumer на %s, отброшено %d (queue_size=%d)", sub.Subject, dropped, nt.config.QueueSize)
}

func encodeToken(s string) string {
	if s == "" {
		return "_"
	}
	return base64.RawURLEncoding.EncodeToString([]byte(s))
}

func (nt *NATSTransport) subject(namespace, peer string) string {
	token := broadcastToken
	if peer != "" && peer != protocol.Broadcast {
		token = encodeToken(peer)
	}
	return nt.config.SubjectPrefix + "." + encodeToken(namespace) + "." + token
}

// Send публикует кадр в subject адресата
func (nt *NATSTransport) Send(ctx context.Context, msg *protocol.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	frame, err := nt.codec.Encode(msg)
	if err != nil {
		return fmt.Errorf("nats transport: %w", err)
	}
	if err := nt.conn.Publish(nt.subject(msg.Namespace, msg.Target), frame); err != nil {
		if err == nats.ErrConnectionClosed {
			return ErrClosed
		}
		return fmt.Errorf("nats publish: %w", err)
	}
	atomic.AddUint64(&nt.published, 1)
	return nil
}

// Subscribe подписывается на адресные и широковещательные сообщения peerID
func (nt *NATSTransport) Subscribe(ctx context.Context, namespace, peerID string, h Handler) (Subscription, error) {
	nt.mu.Lock()
	defer nt.mu.Unlock()
	if nt.closed {
		return nil, ErrClosed
	}

	cctx, cancel := context.WithCancel(ctx)
	sub := &natsSub{
		transport: nt,
		ch:        make(chan *nats.Msg, nt.config.QueueSize),
		handler:   h,
		ctx:       cctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}

	for _, subj := range []string{nt.subject(namespace, peerID), nt.subject(namespace, protocol.Broadcast)} {
		ns, err := nt.conn.ChanSubscribe(subj, sub.ch)
		if err != nil {
			for _, s := range sub.natsSubs {
				_ = s.Unsubscribe()
			}
			cancel()
			return nil, fmt.Errorf("nats subscribe %s: %w", subj, err)
		}
		sub.natsSubs = append(sub.natsSubs, ns)
	}
	// подписка должна дойти до сервера раньше первых сообщений владельца
	if err := nt.conn.Flush(); err != nil {
		logging.GetTransportLogger().Warn("NATS flush после подписки: %v", err)
	}

	nt.subs[sub] = struct{}{}
	go sub.loop()
	return sub, nil
}

// Metrics возвращает текущие метрики.
func (nt *NATSTransport) Metrics() Stats {
	s := Stats{
		Published:     atomic.LoadUint64(&nt.published),
		Delivered:     atomic.LoadUint64(&nt.delivered),
		Dropped:       atomic.LoadUint64(&nt.dropped),
		SlowConsumers: atomic.LoadUint64(&nt.slow),
	}
	nt.mu.Lock()
	for sub := range nt.subs {
		s.InFlight += len(sub.ch)
		s.Dropped += sub.natsDropped()
	}
	nt.mu.Unlock()
	return s
}

// Close сбрасывает исходящие сообщения и закрывает соединение
func (nt *NATSTransport) Close() error {
	nt.mu.Lock()
	if nt.closed {
		nt.mu.Unlock()
		return nil
	}
	nt.closed = true
	subs := make([]*natsSub, 0, len(nt.subs))
	for sub := range nt.subs {
		subs = append(subs, sub)
	}
	nt.mu.Unlock()

	for _, sub := range subs {
		sub.Unsubscribe()
	}
	err := nt.conn.Drain()
	if err != nil {
		nt.conn.Close()
	}
	return err
}

type natsSub struct {
	transport *NATSTransport
	natsSubs  []*nats.Subscription
	ch        chan *nats.Msg
	handler   Handler
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	once      sync.Once
}

func (s *natsSub) loop() {
	defer close(s.done)
	for {
		select {
		case <-s.ctx.Done():
			return
		case raw := <-s.ch:
			msg, err := s.transport.codec.Decode(raw.Data)
			if err != nil {
				atomic.AddUint64(&s.transport.dropped, 1)
				logging.GetTransportLogger().Warn("NATS: не удалось декодировать кадр %s: %v", raw.Subject, err)
				continue
			}
			s.handler(s.ctx, msg)
			atomic.AddUint64(&s.transport.delivered, 1)
		}
	}
}

// Unsubscribe прекращает доставку. Нельзя вызывать из обработчика этой же подписки.
func (s *natsSub) Unsubscribe() {
	s.once.Do(func() {
		nt := s.transport
		nt.mu.Lock()
		// после отписки счетчик NATS недоступен, переносим его в транспорт
		atomic.AddUint64(&nt.dropped, s.natsDropped())
		delete(nt.subs, s)
		nt.mu.Unlock()

		for _, ns := range s.natsSubs {
			_ = ns.Unsubscribe()
		}
		s.cancel()
		<-s.done
	})
}

// natsDropped — кадры, отброшенные клиентом NATS из-за переполнения буфера
func (s *natsSub) natsDropped() uint64 {
	var total uint64
	for _, ns := range s.natsSubs {
		if n, err := ns.Dropped(); err == nil && n > 0 {
			total += uint64(n)
		}
	}
	return total
}
