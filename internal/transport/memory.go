package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/annel0/sharedobjects/internal/logging"
	"github.com/annel0/sharedobjects/internal/protocol"
)

//================ In-Memory implementation =================//

// MemoryTransport доставляет сообщения внутри процесса.
// Каждая подписка имеет собственную неограниченную очередь и горутину
// доставки, поэтому медленный наблюдатель не блокирует владельца.
// Сообщения проходят через Codec: получатель работает с копией.
type MemoryTransport struct {
	codec *protocol.Codec

	mu     sync.RWMutex
	subs   map[int]*memSub
	nextID int
	closed bool
	stats  Stats
}

// NewMemoryTransport создает транспорт. codec == nil — кодек без сжатия.
func NewMemoryTransport(codec *protocol.Codec) (*MemoryTransport, error) {
	if codec == nil {
		var err error
		codec, err = protocol.NewCodec(false, 0)
		if err != nil {
			return nil, err
		}
	}
	return &MemoryTransport{
		codec: codec,
		subs:  make(map[int]*memSub),
	}, nil
}

// Send кодирует сообщение и ставит кадр в очереди подходящих подписок
func (mt *MemoryTransport) Send(ctx context.Context, msg *protocol.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	frame, err := mt.codec.Encode(msg)
	if err != nil {
		return fmt.Errorf("memory transport: %w", err)
	}

	mt.mu.Lock()
	defer mt.mu.Unlock()
	if mt.closed {
		return ErrClosed
	}
	mt.stats.Published++
	for _, sub := range mt.subs {
		if sub.namespace != msg.Namespace {
			continue
		}
		if !msg.IsBroadcast() && sub.peerID != msg.Target {
			continue
		}
		sub.enqueue(frame)
	}
	return nil
}

// Subscribe регистрирует получателя namespace/peerID
func (mt *MemoryTransport) Subscribe(ctx context.Context, namespace, peerID string, h Handler) (Subscription, error) {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	if mt.closed {
		return nil, ErrClosed
	}

	cctx, cancel := context.WithCancel(ctx)
	sub := &memSub{
		transport: mt,
		id:        mt.nextID,
		namespace: namespace,
		peerID:    peerID,
		handler:   h,
		ctx:       cctx,
		cancel:    cancel,
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	mt.nextID++
	mt.subs[sub.id] = sub
	go sub.loop()

	logging.GetTransportLogger().Debug("memory: подписка ns=%s peer=%s", namespace, peerID)
	return sub, nil
}

// Metrics возвращает текущие метрики.
func (mt *MemoryTransport) Metrics() Stats {
	mt.mu.RLock()
	defer mt.mu.RUnlock()
	s := mt.stats
	for _, sub := range mt.subs {
		s.InFlight += sub.pending()
	}
	return s
}

// Close отписывает всех получателей и дожидается остановки их горутин
func (mt *MemoryTransport) Close() error {
	mt.mu.Lock()
	if mt.closed {
		mt.mu.Unlock()
		return nil
	}
	mt.closed = true
	subs := make([]*memSub, 0, len(mt.subs))
	for _, sub := range mt.subs {
		subs = append(subs, sub)
	}
	mt.subs = make(map[int]*memSub)
	mt.mu.Unlock()

	for _, sub := range subs {
		sub.stop()
	}
	return nil
}

func (mt *MemoryTransport) countDelivered(ok bool) {
	mt.mu.Lock()
	if ok {
		mt.stats.Delivered++
	} else {
		mt.stats.Dropped++
	}
	mt.mu.Unlock()
}

type memSub struct {
	transport *MemoryTransport
	id        int
	namespace string
	peerID    string
	handler   Handler
	ctx       context.Context
	cancel    context.CancelFunc

	qmu   sync.Mutex
	queue [][]byte
	wake  chan struct{}
	done  chan struct{}
	once  sync.Once
}

func (s *memSub) enqueue(frame []byte) {
	s.qmu.Lock()
	s.queue = append(s.queue, frame)
	s.qmu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *memSub) pending() int {
	s.qmu.Lock()
	defer s.qmu.Unlock()
	return len(s.queue)
}

// loop доставляет кадры строго по одному в порядке постановки
func (s *memSub) loop() {
	defer close(s.done)
	for {
		s.qmu.Lock()
		batch := s.queue
		s.queue = nil
		s.qmu.Unlock()

		for _, frame := range batch {
			if s.ctx.Err() != nil {
				return
			}
			msg, err := s.transport.codec.Decode(frame)
			if err != nil {
				logging.GetTransportLogger().Warn("memory: не удалось декодировать кадр: %v", err)
				s.transport.countDelivered(false)
				continue
			}
			s.handler(s.ctx, msg)
			s.transport.countDelivered(true)
		}

		select {
		case <-s.wake:
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *memSub) stop() {
	s.once.Do(func() {
		s.cancel()
		<-s.done
	})
}

// Unsubscribe прекращает доставку. Нельзя вызывать из обработчика этой же подписки.
func (s *memSub) Unsubscribe() {
	mt := s.transport
	mt.mu.Lock()
	delete(mt.subs, s.id)
	mt.mu.Unlock()
	s.stop()
}
