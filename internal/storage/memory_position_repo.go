package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/annel0/sharedobjects/internal/vec"
	"github.com/benbjohnson/clock"
)

// MemoryPositionRepo реализует PositionRepo в памяти.
// Используется хостом, который сам ведет список подключенных пиров,
// а также в тестах и локальной разработке без Redis/MariaDB.
type MemoryPositionRepo struct {
	mu     sync.RWMutex
	data   map[string]memoryEntry
	clock  clock.Clock
	maxAge time.Duration
}

type memoryEntry struct {
	pos       vec.Vec3
	known     bool
	updatedAt time.Time
}

// MemoryOption настраивает MemoryPositionRepo
type MemoryOption func(*MemoryPositionRepo)

// WithClock задает источник времени (в тестах — clock.NewMock())
func WithClock(c clock.Clock) MemoryOption {
	return func(r *MemoryPositionRepo) { r.clock = c }
}

// WithMaxAge задает возраст, после которого позиция считается устаревшей
func WithMaxAge(d time.Duration) MemoryOption {
	return func(r *MemoryPositionRepo) { r.maxAge = d }
}

// NewMemoryPositionRepo создает новый репозиторий позиций в памяти.
func NewMemoryPositionRepo(opts ...MemoryOption) *MemoryPositionRepo {
	r := &MemoryPositionRepo{
		data:  make(map[string]memoryEntry),
		clock: clock.New(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Save сохраняет позицию пира в памяти.
func (r *MemoryPositionRepo) Save(ctx context.Context, peerID string, pos vec.Vec3) error {
	if err := validatePosition(peerID, pos); err != nil {
		return err
	}

	// Проверяем контекст на отмену
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.data[peerID] = memoryEntry{pos: pos, known: true, updatedAt: r.clock.Now()}
	return nil
}

// Connect регистрирует пира без известной позиции
func (r *MemoryPositionRepo) Connect(peerID string) error {
	if peerID == "" {
		return ErrInvalidPeerID
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.data[peerID]; !exists {
		r.data[peerID] = memoryEntry{updatedAt: r.clock.Now()}
	}
	return nil
}

// Load загружает позицию пира из памяти.
func (r *MemoryPositionRepo) Load(ctx context.Context, peerID string) (vec.Vec3, bool, error) {
	if peerID == "" {
		return vec.Vec3{}, false, ErrInvalidPeerID
	}

	select {
	case <-ctx.Done():
		return vec.Vec3{}, false, ctx.Err()
	default:
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	e, exists := r.data[peerID]
	if !exists || !e.known || isStale(e.updatedAt, r.clock.Now(), r.maxAge) {
		return vec.Vec3{}, false, nil
	}
	return e.pos, true, nil
}

// Delete удаляет пира из памяти.
func (r *MemoryPositionRepo) Delete(ctx context.Context, peerID string) error {
	if peerID == "" {
		return ErrInvalidPeerID
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.data, peerID)
	return nil
}

// BatchSave сохраняет позиции нескольких пиров в памяти.
func (r *MemoryPositionRepo) BatchSave(ctx context.Context, positions map[string]vec.Vec3) error {
	if len(positions) == 0 {
		return nil // Нечего сохранять
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	// Валидация всех записей перед сохранением
	for peerID, pos := range positions {
		if err := validatePosition(peerID, pos); err != nil {
			return fmt.Errorf("batch %q: %w", peerID, err)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	for peerID, pos := range positions {
		r.data[peerID] = memoryEntry{pos: pos, known: true, updatedAt: now}
	}
	return nil
}

// Snapshot возвращает всех пиров, отсортированных по идентификатору
func (r *MemoryPositionRepo) Snapshot(ctx context.Context) ([]PeerPosition, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	now := r.clock.Now()
	result := make([]PeerPosition, 0, len(r.data))
	for peerID, e := range r.data {
		result = append(result, PeerPosition{
			PeerID:    peerID,
			Position:  e.pos,
			Known:     e.known && !isStale(e.updatedAt, now, r.maxAge),
			UpdatedAt: e.updatedAt,
		})
	}
	sort.Slice(result, func(i, j int) bool { return result[i].PeerID < result[j].PeerID })
	return result, nil
}

// Count возвращает количество пиров (для отладки).
func (r *MemoryPositionRepo) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.data)
}

// Clear очищает все сохраненные позиции (для тестов).
func (r *MemoryPositionRepo) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.data = make(map[string]memoryEntry)
}

// Close ничего не делает: ресурсов нет
func (r *MemoryPositionRepo) Close() error { return nil }
