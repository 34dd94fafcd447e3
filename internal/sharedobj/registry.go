// Package sharedobj реализует общие объекты с управлением интересом.
//
// Владелец (OwnerNamespace) создает объекты с позицией и радиусом. Раз в тик
// каждый объект сверяет позиции подключенных пиров: вошедшим в радиус
// отправляется New с полным состоянием, покинувшим — Delete. Каждое
// изменение состояния превращается в минимальный diff и рассылается как
// Update отслеживаемым пирам.
//
// Наблюдатель (ObserverNamespace) поддерживает локальные зеркала (Mirror):
// создает их по New, применяет Update и разбирает по Delete, вызывая
// пользовательский teardown.
package sharedobj

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/annel0/sharedobjects/internal/storage"
	"github.com/annel0/sharedobjects/internal/transport"
	"go.opentelemetry.io/otel"
	"go.uber.org/multierr"
)

var tracer = otel.Tracer("github.com/annel0/sharedobjects/internal/sharedobj")

type observerKey struct {
	namespace string
	peerID    string
}

// Registry хранит пространства имен процесса. Создается приложением
// и передается явно; глобального экземпляра нет.
type Registry struct {
	transport transport.Transport
	positions storage.PositionSource
	opts      options

	mu        sync.Mutex
	owners    map[string]*OwnerNamespace
	observers map[observerKey]*ObserverNamespace
	closed    bool
}

// NewRegistry создает реестр. positions может быть nil, если процесс
// только наблюдает; тогда Owner вернет ErrNoPositionSource.
func NewRegistry(tr transport.Transport, positions storage.PositionSource, opts ...Option) (*Registry, error) {
	if tr == nil {
		return nil, errors.New("sharedobj: transport is required")
	}
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &Registry{
		transport: tr,
		positions: positions,
		opts:      o,
		owners:    make(map[string]*OwnerNamespace),
		observers: make(map[observerKey]*ObserverNamespace),
	}, nil
}

// Owner возвращает пространство имен владельца, создавая его при первом обращении.
func (r *Registry) Owner(name string) (*OwnerNamespace, error) {
	if name == "" {
		return nil, errors.New("sharedobj: empty namespace")
	}
	if r.positions == nil {
		return nil, ErrNoPositionSource
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrNamespaceClosed
	}
	if ns, ok := r.owners[name]; ok {
		return ns, nil
	}
	ns := newOwnerNamespace(r, name)
	r.owners[name] = ns
	r.opts.logger.Info("🧭 Пространство имен владельца %q создано", name)
	return ns, nil
}

// Observer возвращает пространство имен наблюдателя для пира peerID.
func (r *Registry) Observer(name, peerID string) (*ObserverNamespace, error) {
	if name == "" || peerID == "" {
		return nil, errors.New("sharedobj: empty namespace or peer id")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrNamespaceClosed
	}
	key := observerKey{namespace: name, peerID: peerID}
	if ns, ok := r.observers[key]; ok {
		return ns, nil
	}
	ns := newObserverNamespace(r, name, peerID)
	r.observers[key] = ns
	r.opts.logger.Info("👀 Наблюдатель %q для пира %s создан", name, peerID)
	return ns, nil
}

// LookupOwner возвращает существующее пространство имен без создания
func (r *Registry) LookupOwner(name string) (*OwnerNamespace, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ns, ok := r.owners[name]
	return ns, ok
}

// OwnerNamespaces возвращает имена пространств владельца по алфавиту
func (r *Registry) OwnerNamespaces() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.owners))
	for name := range r.owners {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close уничтожает все объекты владельцев и закрывает наблюдателей.
// Транспорт не закрывается: им управляет вызывающая сторона.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	owners := make([]*OwnerNamespace, 0, len(r.owners))
	for _, ns := range r.owners {
		owners = append(owners, ns)
	}
	observers := make([]*ObserverNamespace, 0, len(r.observers))
	for _, ns := range r.observers {
		observers = append(observers, ns)
	}
	r.mu.Unlock()

	var errs error
	for _, ns := range owners {
		errs = multierr.Append(errs, ns.Close(ctx))
	}
	for _, ns := range observers {
		errs = multierr.Append(errs, ns.Close(ctx))
	}
	r.opts.logger.Info("🛑 Реестр общих объектов закрыт")
	return errs
}

func (r *Registry) forgetObserver(name, peerID string) {
	r.mu.Lock()
	delete(r.observers, observerKey{namespace: name, peerID: peerID})
	r.mu.Unlock()
}

func (r *Registry) forgetOwner(name string) {
	r.mu.Lock()
	delete(r.owners, name)
	r.mu.Unlock()
}
