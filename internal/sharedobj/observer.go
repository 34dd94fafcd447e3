package sharedobj

import (
	"context"
	"fmt"
	"sync"

	"github.com/annel0/sharedobjects/internal/protocol"
	"github.com/annel0/sharedobjects/internal/state"
	"github.com/annel0/sharedobjects/internal/transport"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// ObserverNamespace — сторона наблюдателя: получает New/Update/Delete,
// адресованные пиру peerID, и поддерживает зеркала.
//
// Сообщения одного пространства обрабатываются по порядку в горутине
// подписки транспорта. Обработчик New запускается отдельно и не задерживает
// поток сообщений.
type ObserverNamespace struct {
	reg    *Registry
	name   string
	peerID string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	onNew   NewObjectFunc
	sub     transport.Subscription
	mirrors map[string]*Mirror
	pending map[string]*teardownFuture
	closed  bool
}

func newObserverNamespace(reg *Registry, name, peerID string) *ObserverNamespace {
	ctx, cancel := context.WithCancel(context.Background())
	return &ObserverNamespace{
		reg:     reg,
		name:    name,
		peerID:  peerID,
		ctx:     ctx,
		cancel:  cancel,
		mirrors: make(map[string]*Mirror),
		pending: make(map[string]*teardownFuture),
	}
}

// Name возвращает имя пространства
func (ns *ObserverNamespace) Name() string { return ns.name }

// PeerID возвращает идентификатор пира наблюдателя
func (ns *ObserverNamespace) PeerID() string { return ns.peerID }

// Listen подписывается на сообщения и регистрирует обработчик New.
// Повторный вызов возвращает ErrAlreadyListening.
//
// ctx относится только к самому вызову (отмена до подписки, трассировка).
// Подписка живет до Close пространства имен.
func (ns *ObserverNamespace) Listen(ctx context.Context, onNew NewObjectFunc) error {
	if onNew == nil {
		return fmt.Errorf("sharedobj: nil onNew handler")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	_, span := tracer.Start(ctx, "sharedobj.Listen", trace.WithAttributes(
		attribute.String("sharedobj.namespace", ns.name),
		attribute.String("sharedobj.peer_id", ns.peerID),
	))
	defer span.End()

	ns.mu.Lock()
	defer ns.mu.Unlock()
	if ns.closed {
		return ErrNamespaceClosed
	}
	if ns.onNew != nil {
		return ErrAlreadyListening
	}

	sub, err := ns.reg.transport.Subscribe(ns.ctx, ns.name, ns.peerID, ns.handle)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("sharedobj: подписка на %s: %w", ns.name, err)
	}
	ns.onNew = onNew
	ns.sub = sub
	ns.reg.opts.logger.Info("👂 Пир %s слушает пространство %q", ns.peerID, ns.name)
	return nil
}

// GetObject возвращает зеркало по идентификатору
func (ns *ObserverNamespace) GetObject(objectID string) (*Mirror, bool) {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	m, ok := ns.mirrors[objectID]
	return m, ok
}

// Len возвращает число текущих зеркал
func (ns *ObserverNamespace) Len() int {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	return len(ns.mirrors)
}

// handle обрабатывает одно входящее сообщение
func (ns *ObserverNamespace) handle(_ context.Context, msg *protocol.Message) {
	opts := ns.reg.opts
	if msg.Namespace != ns.name {
		return
	}
	opts.metrics.MessageReceived(ns.name, msg.Kind.String())
	opts.logger.Debug("📨 %s получил %s", ns.peerID, msg)

	switch msg.Kind {
	case protocol.KindNew:
		ns.handleNew(msg)
	case protocol.KindUpdate:
		ns.handleUpdate(msg)
	case protocol.KindDelete:
		ns.handleDelete(msg.ObjectID)
	default:
		opts.logger.Warn("⚠️ %s: неизвестный тип сообщения %d", ns.name, int32(msg.Kind))
	}
}

func (ns *ObserverNamespace) handleNew(msg *protocol.Message) {
	if err := state.Validate(msg.Payload); err != nil {
		ns.reg.opts.logger.Warn("⚠️ %s/%s: некорректное состояние в New: %v", ns.name, msg.ObjectID, err)
		return
	}

	// Повторный New без Delete заменяет зеркало: старое разбирается как при Delete
	if _, exists := ns.GetObject(msg.ObjectID); exists {
		ns.handleDelete(msg.ObjectID)
	}

	mirror := newMirror(ns.name, msg.ObjectID, msg.Payload, ns.reg.opts.logger)
	future := newTeardownFuture()

	ns.mu.Lock()
	if ns.closed {
		ns.mu.Unlock()
		return
	}
	onNew := ns.onNew
	ns.mirrors[msg.ObjectID] = mirror
	ns.pending[msg.ObjectID] = future
	ns.wg.Add(1)
	ns.mu.Unlock()
	ns.reg.opts.metrics.MirrorAdded(ns.name)

	go func() {
		defer ns.wg.Done()
		td, err := ns.runOnNew(ns.ctx, onNew, mirror)
		future.resolve(td, err)
	}()
}

func (ns *ObserverNamespace) runOnNew(ctx context.Context, onNew NewObjectFunc, mirror *Mirror) (td Teardown, err error) {
	ctx, span := tracer.Start(ctx, "sharedobj.OnNew", trace.WithAttributes(
		attribute.String("sharedobj.namespace", ns.name),
		attribute.String("sharedobj.object_id", mirror.id),
	))
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			td, err = nil, fmt.Errorf("sharedobj: паника в обработчике New: %v", r)
		}
		if err != nil {
			span.RecordError(err)
			ns.reg.opts.logger.Error("❌ %s/%s: обработчик New завершился ошибкой: %v", ns.name, mirror.id, err)
		}
	}()
	return onNew(ctx, mirror.id, mirror)
}

func (ns *ObserverNamespace) handleUpdate(msg *protocol.Message) {
	opts := ns.reg.opts
	mirror, ok := ns.GetObject(msg.ObjectID)
	if !ok {
		opts.logger.Debug("🕳️ %s/%s: Update без зеркала отброшен", ns.name, msg.ObjectID)
		opts.metrics.UpdateDropped(ns.name)
		return
	}

	diff, err := state.DecodeDiff(msg.Payload)
	if err != nil {
		opts.logger.Warn("⚠️ %s/%s: некорректный diff: %v", ns.name, msg.ObjectID, err)
		return
	}
	if err := mirror.apply(diff); err != nil {
		opts.logger.Warn("⚠️ %s/%s: diff не применяется: %v", ns.name, msg.ObjectID, err)
		return
	}
	opts.logger.Debug("🔀 %s/%s применен diff: %s", ns.name, msg.ObjectID, diff)
}

// handleDelete сразу удаляет зеркало, а teardown выполняет после
// завершения обработчика New
func (ns *ObserverNamespace) handleDelete(objectID string) {
	ns.mu.Lock()
	_, had := ns.mirrors[objectID]
	delete(ns.mirrors, objectID)
	future := ns.pending[objectID]
	delete(ns.pending, objectID)
	if future != nil {
		ns.wg.Add(1)
	}
	ns.mu.Unlock()

	if had {
		ns.reg.opts.metrics.MirrorRemoved(ns.name)
	}
	if future == nil {
		return
	}
	go func() {
		defer ns.wg.Done()
		ns.runTeardown(objectID, future)
	}()
}

func (ns *ObserverNamespace) runTeardown(objectID string, future *teardownFuture) {
	td, err := future.wait(context.Background())
	if err != nil || td == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			ns.reg.opts.logger.Error("💥 %s/%s: паника в teardown: %v", ns.name, objectID, r)
		}
	}()
	td(context.Background())
	ns.reg.opts.logger.Debug("🧹 %s/%s: teardown выполнен", ns.name, objectID)
}

// Close отписывается от транспорта, разбирает все зеркала и дожидается
// выполнения всех teardown. ctx ограничивает ожидание.
func (ns *ObserverNamespace) Close(ctx context.Context) error {
	ns.mu.Lock()
	if ns.closed {
		ns.mu.Unlock()
		return nil
	}
	ns.closed = true
	sub := ns.sub
	ns.mu.Unlock()

	if sub != nil {
		sub.Unsubscribe()
	}

	ns.mu.Lock()
	ids := make([]string, 0, len(ns.mirrors)+len(ns.pending))
	for id := range ns.mirrors {
		ids = append(ids, id)
	}
	for id := range ns.pending {
		if _, ok := ns.mirrors[id]; !ok {
			ids = append(ids, id)
		}
	}
	ns.mu.Unlock()
	for _, id := range ids {
		ns.handleDelete(id)
	}
	// Обработчики New получают отмену контекста
	ns.cancel()

	done := make(chan struct{})
	go func() {
		ns.wg.Wait()
		close(done)
	}()

	ns.reg.forgetObserver(ns.name, ns.peerID)
	select {
	case <-done:
		ns.reg.opts.logger.Info("🛑 Наблюдатель %q пира %s закрыт", ns.name, ns.peerID)
		return nil
	case <-ctx.Done():
		return fmt.Errorf("sharedobj: ожидание teardown %s: %w", ns.name, ctx.Err())
	}
}
