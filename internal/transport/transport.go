package transport

import (
	"context"
	"errors"

	"github.com/annel0/sharedobjects/internal/protocol"
)

// ErrClosed возвращается при работе с закрытым транспортом
var ErrClosed = errors.New("transport: closed")

// Handler потребляет входящие сообщения. Для одной подписки вызовы
// последовательны и идут в порядке отправки.
type Handler func(ctx context.Context, msg *protocol.Message)

// Subscription возвращается при подписке; позволяет отписаться.
type Subscription interface {
	Unsubscribe()
}

// Stats агрегированные метрики транспорта.
type Stats struct {
	Published uint64
	Delivered uint64
	Dropped   uint64
	InFlight  int
	// SlowConsumers — эпизоды переполнения буфера подписки (только NATS)
	SlowConsumers uint64
}

// Transport — надежная упорядоченная доставка сообщений внутри пространства
// имен: адресно одному наблюдателю или широковещательно (protocol.Broadcast).
//
// Гарантия порядка действует для пары (namespace, peer): сообщения,
// отправленные одним отправителем, обработчик получает в порядке Send.
// Получатель всегда видит собственную копию сообщения.
type Transport interface {
	Send(ctx context.Context, msg *protocol.Message) error
	Subscribe(ctx context.Context, namespace, peerID string, h Handler) (Subscription, error)
	Metrics() Stats
	Close() error
}
