package sharedobj

import (
	"sort"
	"sync"

	"github.com/annel0/sharedobjects/internal/logging"
	"github.com/annel0/sharedobjects/internal/state"
	"google.golang.org/protobuf/types/known/structpb"
)

// Mirror — локальная копия общего объекта у наблюдателя. Создается по New
// и изменяется только применением Update.
type Mirror struct {
	namespace string
	id        string
	logger    *logging.Logger

	mu      sync.RWMutex
	doc     *state.Document
	version uint64

	wmu       sync.Mutex
	watchers  map[int]func(*Mirror)
	nextWatch int
}

func newMirror(namespace, id string, initial *structpb.Value, logger *logging.Logger) *Mirror {
	return &Mirror{
		namespace: namespace,
		id:        id,
		logger:    logger,
		doc:       state.NewDocument(initial),
		watchers:  make(map[int]func(*Mirror)),
	}
}

// ID возвращает идентификатор объекта
func (m *Mirror) ID() string { return m.id }

// Namespace возвращает имя пространства имен
func (m *Mirror) Namespace() string { return m.namespace }

// Version — число примененных Update
func (m *Mirror) Version() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.version
}

// Get возвращает копию значения по пути ("" — все состояние)
func (m *Mirror) Get(path string) (*structpb.Value, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.doc.Get(path)
}

// Snapshot возвращает глубокую копию состояния
func (m *Mirror) Snapshot() *structpb.Value {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.doc.Snapshot()
}

// Decode раскладывает состояние в out (структура с json-тегами, map и т.п.)
func (m *Mirror) Decode(out interface{}) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return state.ToGo(m.doc.Root(), out)
}

// Watch регистрирует fn, вызываемую после каждого примененного Update.
// Вызовы идут из горутины сообщений наблюдателя, поэтому fn должна быть
// быстрой. Возвращает функцию отмены.
func (m *Mirror) Watch(fn func(*Mirror)) (cancel func()) {
	m.wmu.Lock()
	id := m.nextWatch
	m.nextWatch++
	m.watchers[id] = fn
	m.wmu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.wmu.Lock()
			delete(m.watchers, id)
			m.wmu.Unlock()
		})
	}
}

// apply применяет diff к копии и при успехе подменяет состояние
func (m *Mirror) apply(diff state.Diff) error {
	m.mu.Lock()
	root, err := state.Apply(m.doc.Snapshot(), diff)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	m.doc = state.NewDocument(root)
	m.version++
	m.mu.Unlock()

	m.notify()
	return nil
}

func (m *Mirror) notify() {
	m.wmu.Lock()
	ids := make([]int, 0, len(m.watchers))
	for id := range m.watchers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(*Mirror), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, m.watchers[id])
	}
	m.wmu.Unlock()

	for _, fn := range fns {
		m.runWatcher(fn)
	}
}

// runWatcher вызывает fn; паника наблюдателя не выходит за пределы зеркала
func (m *Mirror) runWatcher(fn func(*Mirror)) {
	defer func() {
		if r := recover(); r != nil && m.logger != nil {
			m.logger.Error("💥 %s/%s: паника в Watch: %v", m.namespace, m.id, r)
		}
	}()
	fn(m)
}
