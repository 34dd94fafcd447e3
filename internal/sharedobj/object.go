package sharedobj

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/annel0/sharedobjects/internal/interest"
	"github.com/annel0/sharedobjects/internal/protocol"
	"github.com/annel0/sharedobjects/internal/state"
	"github.com/annel0/sharedobjects/internal/vec"
	"github.com/benbjohnson/clock"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/multierr"
	"google.golang.org/protobuf/types/known/structpb"
)

// Object — общий объект на стороне владельца.
//
// Состояние изменяется только через Set, Delete и Mutate. Каждый вызов
// синхронно сравнивается с последним разосланным снимком, и непустой diff
// уходит как Update всем отслеживаемым пирам. Тик трекера и рассылка
// diff сериализованы одним мьютексом, поэтому пир никогда не получает
// Update раньше New.
type Object struct {
	ns       *OwnerNamespace
	id       string
	location vec.Vec3
	radiusSq float64

	mu        sync.Mutex
	doc       *state.Document
	last      *structpb.Value
	tracked   interest.Set
	err       error
	destroyed bool

	ctx    context.Context
	cancel context.CancelFunc
	ticker *clock.Ticker
	stop   chan struct{}
	done   chan struct{}
}

func newObject(ns *OwnerNamespace, id string, location vec.Vec3, radiusSq float64, doc *state.Document) *Object {
	ctx, cancel := context.WithCancel(context.Background())
	return &Object{
		ns:       ns,
		id:       id,
		location: location,
		radiusSq: radiusSq,
		doc:      doc,
		last:     doc.Snapshot(),
		tracked:  interest.NewSet(),
		ctx:      ctx,
		cancel:   cancel,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// start создает тикер синхронно, чтобы мок-часы в тестах не опережали его
func (o *Object) start() {
	o.ticker = o.ns.reg.opts.clock.Ticker(o.ns.reg.opts.tickInterval)
	go o.run()
}

func (o *Object) run() {
	defer close(o.done)
	defer o.ticker.Stop()
	for {
		select {
		case <-o.ticker.C:
			o.tick(o.ctx)
		case <-o.stop:
			return
		}
	}
}

// ID возвращает идентификатор объекта
func (o *Object) ID() string { return o.id }

// Namespace возвращает имя пространства владельца
func (o *Object) Namespace() string { return o.ns.name }

// Location возвращает позицию объекта
func (o *Object) Location() vec.Vec3 { return o.location }

// Radius возвращает радиус интереса
func (o *Object) Radius() float64 { return math.Sqrt(o.radiusSq) }

// RadiusSquared возвращает квадрат радиуса интереса
func (o *Object) RadiusSquared() float64 { return o.radiusSq }

// Err возвращает ошибку, прервавшую синхронизацию (nil, если все в порядке)
func (o *Object) Err() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.err
}

// Destroyed сообщает, что объект уничтожен
func (o *Object) Destroyed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.destroyed
}

// Get возвращает копию значения по пути ("" — все состояние)
func (o *Object) Get(path string) (*structpb.Value, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.doc.Get(path)
}

// Snapshot возвращает глубокую копию текущего состояния
func (o *Object) Snapshot() *structpb.Value {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.doc.Snapshot()
}

// TrackedPeers возвращает отслеживаемых пиров по возрастанию
func (o *Object) TrackedPeers() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.tracked.Sorted()
}

// Set присваивает значение по пути и рассылает получившийся diff
func (o *Object) Set(ctx context.Context, path string, value interface{}) error {
	return o.Mutate(ctx, func(doc *state.Document) error {
		return doc.Set(path, value)
	})
}

// Delete удаляет значение по пути и рассылает получившийся diff
func (o *Object) Delete(ctx context.Context, path string) error {
	return o.Mutate(ctx, func(doc *state.Document) error {
		return doc.Delete(path)
	})
}

// Mutate выполняет fn над рабочей копией состояния. Все изменения внутри fn
// образуют ровно один diff. Если fn вернула ошибку, состояние не меняется.
// fn выполняется под блокировкой объекта и не должна обращаться к нему.
func (o *Object) Mutate(ctx context.Context, fn func(doc *state.Document) error) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.destroyed {
		return ErrObjectDestroyed
	}
	if o.err != nil {
		return o.err
	}

	work := state.NewDocument(o.doc.Root())
	if err := fn(work); err != nil {
		return err
	}
	if err := state.Validate(work.Root()); err != nil {
		return err
	}
	o.doc = work
	return o.emitLocked(ctx)
}

// emitLocked сравнивает состояние с последним снимком и рассылает Update
func (o *Object) emitLocked(ctx context.Context) error {
	opts := o.ns.reg.opts

	diff, err := state.Compute(o.last, o.doc.Root())
	if err != nil {
		return o.breakLocked(fmt.Errorf("diff: %w", err))
	}
	if len(diff) == 0 {
		return nil
	}
	o.last = o.doc.Snapshot()

	opts.logger.Debug("🔀 %s/%s diff: %s", o.ns.name, o.id, diff)
	opts.metrics.ObserveDiff(o.ns.name, len(diff))

	if len(o.tracked) == 0 {
		return nil
	}
	payload := state.EncodeDiff(diff)
	for _, peer := range o.tracked.Sorted() {
		if err := o.sendLocked(ctx, peer, protocol.KindUpdate, payload); err != nil {
			return o.breakLocked(err)
		}
	}
	return nil
}

// tick — один проход interest-трекера
func (o *Object) tick(ctx context.Context) {
	opts := o.ns.reg.opts
	start := opts.clock.Now()

	defer func() {
		if r := recover(); r != nil {
			opts.logger.Error("💥 Паника в тике %s/%s: %v", o.ns.name, o.id, r)
			opts.metrics.TickSkipped(o.ns.name)
		}
	}()

	peers, err := o.ns.reg.positions.Snapshot(ctx)
	if err != nil {
		// Членство не меняется, повтор на следующем тике
		opts.logger.Warn("⚠️ %s/%s: снимок позиций недоступен, тик пропущен: %v", o.ns.name, o.id, err)
		opts.metrics.TickSkipped(o.ns.name)
		return
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.destroyed || o.err != nil {
		return
	}

	res := interest.Evaluate(o.location, o.radiusSq, o.tracked, peers)
	prev := len(o.tracked)
	o.tracked = res.Nearby
	opts.metrics.ObserveTick(o.ns.name, opts.clock.Since(start).Seconds())
	if !res.Changed() {
		return
	}
	defer func() { opts.metrics.TrackedDelta(o.ns.name, len(o.tracked)-prev) }()
	opts.logger.Debug("📍 %s/%s: +%v -%v", o.ns.name, o.id, res.Entered, res.Left)

	var snapshot *structpb.Value
	if len(res.Entered) > 0 {
		snapshot = o.doc.Snapshot()
	}
	for i, peer := range res.Entered {
		if err := o.sendLocked(ctx, peer, protocol.KindNew, snapshot); err != nil {
			// Пиры без New не отслеживаются: Delete им не полагается
			for _, p := range res.Entered[i:] {
				delete(o.tracked, p)
			}
			// Ушедшие пиры еще держат зеркало, Destroy отправит им Delete
			for _, p := range res.Left {
				o.tracked[p] = struct{}{}
			}
			o.breakLocked(err)
			return
		}
	}
	for i, peer := range res.Left {
		if err := o.sendLocked(ctx, peer, protocol.KindDelete, nil); err != nil {
			for _, p := range res.Left[i:] {
				o.tracked[p] = struct{}{}
			}
			o.breakLocked(err)
			return
		}
	}
}

func (o *Object) sendLocked(ctx context.Context, peer string, kind protocol.Kind, payload *structpb.Value) error {
	msg := protocol.NewMessage(o.ns.name, peer, o.id, kind, payload)
	if err := o.ns.reg.transport.Send(ctx, msg); err != nil {
		return fmt.Errorf("send %s to %s: %w", kind, peer, err)
	}
	o.ns.reg.opts.metrics.MessageSent(o.ns.name, kind.String())
	return nil
}

// breakLocked переводит объект в состояние прерванной синхронизации
func (o *Object) breakLocked(cause error) error {
	opts := o.ns.reg.opts
	o.err = fmt.Errorf("%w: %s/%s: %w", ErrSyncBroken, o.ns.name, o.id, cause)

	opts.logger.Error("❌ Синхронизация %s/%s прервана: %v", o.ns.name, o.id, cause)
	opts.metrics.SyncError(o.ns.name)
	if opts.onError != nil {
		opts.onError(o.ns.name, o.id, o.err)
	}
	return o.err
}

// Destroy останавливает трекер, удаляет объект из пространства имен и
// отправляет Delete текущим отслеживаемым пирам. Повторный вызов ничего
// не делает. После возврата объект не отправляет сообщений.
//
// Delete отправляется и объектом с прерванной синхронизацией, чтобы
// наблюдатели не держали устаревшие зеркала.
func (o *Object) Destroy(ctx context.Context) error {
	o.mu.Lock()
	if o.destroyed {
		o.mu.Unlock()
		return nil
	}
	o.destroyed = true
	o.mu.Unlock()

	_, span := tracer.Start(ctx, "sharedobj.Destroy", trace.WithAttributes(
		attribute.String("sharedobj.namespace", o.ns.name),
		attribute.String("sharedobj.object_id", o.id),
	))
	defer span.End()

	// Ждем выхода горутины тикера; тик в процессе увидит destroyed
	close(o.stop)
	o.cancel()
	<-o.done

	o.mu.Lock()
	peers := o.tracked.Sorted()
	o.tracked = interest.NewSet()
	var errs error
	for _, peer := range peers {
		errs = multierr.Append(errs, o.sendLocked(ctx, peer, protocol.KindDelete, nil))
	}
	o.mu.Unlock()

	o.ns.remove(o.id)
	opts := o.ns.reg.opts
	opts.metrics.TrackedDelta(o.ns.name, -len(peers))
	opts.metrics.ObjectDestroyed(o.ns.name)
	opts.logger.Info("🗑️ Объект %s/%s уничтожен (Delete → %d пиров)", o.ns.name, o.id, len(peers))

	if errs != nil {
		span.RecordError(errs)
	}
	return errs
}
