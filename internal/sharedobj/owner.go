package sharedobj

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/annel0/sharedobjects/internal/interest"
	"github.com/annel0/sharedobjects/internal/state"
	"github.com/annel0/sharedobjects/internal/vec"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/multierr"
	"google.golang.org/protobuf/types/known/structpb"
)

// OwnerNamespace — сторона владельца: создает объекты и рассылает их
// наблюдателям, находящимся в радиусе.
type OwnerNamespace struct {
	reg  *Registry
	name string

	mu      sync.RWMutex
	objects map[string]*Object
	closed  bool
}

func newOwnerNamespace(reg *Registry, name string) *OwnerNamespace {
	return &OwnerNamespace{
		reg:     reg,
		name:    name,
		objects: make(map[string]*Object),
	}
}

// Name возвращает имя пространства
func (ns *OwnerNamespace) Name() string { return ns.name }

// CreateObject создает объект и запускает для него interest-трекер.
//
// initialState — любое значение, принимаемое state.FromGo (map, структура
// с json-тегами, *structpb.Value); nil означает пустой объект. Объект
// сразу никому не отправляется: первые New уходят на ближайшем тике.
func (ns *OwnerNamespace) CreateObject(ctx context.Context, objectID string, location vec.Vec3, radius float64, initialState interface{}) (*Object, error) {
	_, span := tracer.Start(ctx, "sharedobj.CreateObject", trace.WithAttributes(
		attribute.String("sharedobj.namespace", ns.name),
		attribute.String("sharedobj.object_id", objectID),
		attribute.Float64("sharedobj.radius", radius),
	))
	defer span.End()

	obj, err := ns.createObject(objectID, location, radius, initialState)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return obj, nil
}

func (ns *OwnerNamespace) createObject(objectID string, location vec.Vec3, radius float64, initialState interface{}) (*Object, error) {
	if objectID == "" {
		return nil, ErrInvalidObjectID
	}
	if !location.IsFinite() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidLocation, location)
	}
	radiusSq, ok := interest.RadiusSquared(radius)
	if !ok {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRadius, radius)
	}

	var initial *structpb.Value
	if initialState != nil {
		v, err := state.FromGo(initialState)
		if err != nil {
			return nil, fmt.Errorf("sharedobj: начальное состояние %s: %w", objectID, err)
		}
		initial = v
	}

	ns.mu.Lock()
	defer ns.mu.Unlock()
	if ns.closed {
		return nil, ErrNamespaceClosed
	}
	if _, exists := ns.objects[objectID]; exists {
		return nil, fmt.Errorf("%w: %s/%s", ErrObjectExists, ns.name, objectID)
	}

	obj := newObject(ns, objectID, location, radiusSq, state.NewDocument(initial))
	ns.objects[objectID] = obj
	obj.start()

	ns.reg.opts.metrics.ObjectCreated(ns.name)
	ns.reg.opts.logger.Info("✨ Объект %s/%s создан в %s, радиус %.2f", ns.name, objectID, location, radius)
	return obj, nil
}

// GetObject возвращает живой объект по идентификатору
func (ns *OwnerNamespace) GetObject(objectID string) (*Object, bool) {
	ns.mu.RLock()
	defer ns.mu.RUnlock()
	obj, ok := ns.objects[objectID]
	return obj, ok
}

// Objects возвращает живые объекты, отсортированные по идентификатору
func (ns *OwnerNamespace) Objects() []*Object {
	ns.mu.RLock()
	list := make([]*Object, 0, len(ns.objects))
	for _, obj := range ns.objects {
		list = append(list, obj)
	}
	ns.mu.RUnlock()

	sort.Slice(list, func(i, j int) bool { return list[i].id < list[j].id })
	return list
}

// Close уничтожает все объекты пространства. После Close CreateObject
// возвращает ErrNamespaceClosed.
func (ns *OwnerNamespace) Close(ctx context.Context) error {
	ns.mu.Lock()
	if ns.closed {
		ns.mu.Unlock()
		return nil
	}
	ns.closed = true
	ns.mu.Unlock()

	var errs error
	for _, obj := range ns.Objects() {
		errs = multierr.Append(errs, obj.Destroy(ctx))
	}
	ns.reg.forgetOwner(ns.name)
	ns.reg.opts.logger.Info("🛑 Пространство имен владельца %q закрыто", ns.name)
	return errs
}

func (ns *OwnerNamespace) remove(objectID string) {
	ns.mu.Lock()
	delete(ns.objects, objectID)
	ns.mu.Unlock()
}
