package storage

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
)

// CacheStats — статистика обращений к CachedSource
type CacheStats struct {
	Hits   int64 `json:"cache_hits"`
	Misses int64 `json:"cache_misses"`
}

// CachedSource кеширует снимок позиций на короткое время.
// Каждый объект владельца запрашивает снимок на своем тике; при сотнях
// объектов и Redis/MariaDB за PositionSource это сотни одинаковых запросов
// в секунду. Одновременные промахи схлопываются в один запрос.
// Ошибки не кешируются.
type CachedSource struct {
	src   PositionSource
	ttl   time.Duration
	clock clock.Clock

	mu      sync.Mutex
	snap    []PeerPosition
	fetched time.Time
	valid   bool

	hits   int64
	misses int64
}

// NewCachedSource оборачивает src. ttl <= 0 отключает кеширование.
func NewCachedSource(src PositionSource, ttl time.Duration, clk clock.Clock) *CachedSource {
	if clk == nil {
		clk = clock.New()
	}
	return &CachedSource{src: src, ttl: ttl, clock: clk}
}

// Snapshot возвращает кешированный снимок или запрашивает новый
func (c *CachedSource) Snapshot(ctx context.Context) ([]PeerPosition, error) {
	if c.ttl <= 0 {
		atomic.AddInt64(&c.misses, 1)
		return c.src.Snapshot(ctx)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.valid && c.clock.Since(c.fetched) < c.ttl {
		atomic.AddInt64(&c.hits, 1)
		return append([]PeerPosition(nil), c.snap...), nil
	}

	atomic.AddInt64(&c.misses, 1)
	snap, err := c.src.Snapshot(ctx)
	if err != nil {
		c.valid = false
		return nil, err
	}
	c.snap = snap
	c.fetched = c.clock.Now()
	c.valid = true
	return append([]PeerPosition(nil), snap...), nil
}

// Invalidate сбрасывает кеш (например, после отключения пира)
func (c *CachedSource) Invalidate() {
	c.mu.Lock()
	c.valid = false
	c.snap = nil
	c.mu.Unlock()
}

// Stats возвращает статистику попаданий
func (c *CachedSource) Stats() CacheStats {
	return CacheStats{
		Hits:   atomic.LoadInt64(&c.hits),
		Misses: atomic.LoadInt64(&c.misses),
	}
}
