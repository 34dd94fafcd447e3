package storage

import (
	"context"
	"math"
	"os"
	"testing"
	"time"

	"github.com/annel0/sharedobjects/internal/vec"
	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestMemoryPositionRepo тестирует in-memory репозиторий позиций
func TestMemoryPositionRepo(t *testing.T) {
	ctx := context.Background()

	t.Run("Save and Load", func(t *testing.T) {
		repo := NewMemoryPositionRepo()
		expected := vec.New(10, 20, 1)

		require.NoError(t, repo.Save(ctx, "peer-1", expected), "Ошибка сохранения позиции")

		actual, found, err := repo.Load(ctx, "peer-1")
		require.NoError(t, err)
		assert.True(t, found, "Позиция не найдена")
		assert.Equal(t, expected, actual)
	})

	t.Run("Load Non-Existent Peer", func(t *testing.T) {
		repo := NewMemoryPositionRepo()

		_, found, err := repo.Load(ctx, "ghost")
		require.NoError(t, err)
		assert.False(t, found, "Позиция найдена для несуществующего пира")
	})

	t.Run("Invalid Input", func(t *testing.T) {
		repo := NewMemoryPositionRepo()

		assert.ErrorIs(t, repo.Save(ctx, "", vec.Vec3{}), ErrInvalidPeerID)
		assert.Error(t, repo.Save(ctx, "p", vec.New(0, 0, math.NaN())), "NaN должен отклоняться")
		_, _, err := repo.Load(ctx, "")
		assert.ErrorIs(t, err, ErrInvalidPeerID)
	})

	t.Run("Delete", func(t *testing.T) {
		repo := NewMemoryPositionRepo()
		require.NoError(t, repo.Save(ctx, "peer-1", vec.New(1, 2, 3)))

		require.NoError(t, repo.Delete(ctx, "peer-1"))
		require.NoError(t, repo.Delete(ctx, "peer-1"), "Повторное удаление не должно быть ошибкой")

		_, found, err := repo.Load(ctx, "peer-1")
		require.NoError(t, err)
		assert.False(t, found)
		assert.Equal(t, 0, repo.Count())
	})

	t.Run("Batch Save", func(t *testing.T) {
		repo := NewMemoryPositionRepo()
		positions := map[string]vec.Vec3{
			"a": vec.New(1, 0, 0),
			"b": vec.New(0, 2, 0),
			"c": vec.New(0, 0, 3),
		}
		require.NoError(t, repo.BatchSave(ctx, positions))
		assert.Equal(t, 3, repo.Count())

		err := repo.BatchSave(ctx, map[string]vec.Vec3{"ok": {}, "": {}})
		assert.ErrorIs(t, err, ErrInvalidPeerID)
		assert.Equal(t, 3, repo.Count(), "Невалидный batch не должен частично применяться")
	})

	t.Run("Canceled Context", func(t *testing.T) {
		repo := NewMemoryPositionRepo()
		cctx, cancel := context.WithCancel(ctx)
		cancel()

		assert.ErrorIs(t, repo.Save(cctx, "p", vec.Vec3{}), context.Canceled)
		_, err := repo.Snapshot(cctx)
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestMemoryPositionRepoSnapshot(t *testing.T) {
	ctx := context.Background()
	mock := clock.NewMock()
	repo := NewMemoryPositionRepo(WithClock(mock), WithMaxAge(5*time.Second))

	require.NoError(t, repo.Save(ctx, "b", vec.New(1, 1, 1)))
	require.NoError(t, repo.Connect("c"))
	require.NoError(t, repo.Save(ctx, "a", vec.New(2, 2, 2)))

	snap, err := repo.Snapshot(ctx)
	require.NoError(t, err)
	require.Len(t, snap, 3)
	assert.Equal(t, "a", snap[0].PeerID, "Снимок должен быть отсортирован")
	assert.Equal(t, "b", snap[1].PeerID)
	assert.True(t, snap[0].Known)
	assert.False(t, snap[2].Known, "Пир без позиции не должен считаться известным")

	// Позиция b устаревает, a обновляется
	mock.Add(6 * time.Second)
	require.NoError(t, repo.Save(ctx, "a", vec.New(3, 3, 3)))

	snap, err = repo.Snapshot(ctx)
	require.NoError(t, err)
	assert.True(t, snap[0].Known)
	assert.Equal(t, vec.New(3, 3, 3), snap[0].Position)
	assert.False(t, snap[1].Known, "Устаревшая позиция должна быть неизвестной")

	_, found, err := repo.Load(ctx, "b")
	require.NoError(t, err)
	assert.False(t, found)

	// Connect не затирает существующую позицию
	require.NoError(t, repo.Connect("a"))
	_, found, _ = repo.Load(ctx, "a")
	assert.True(t, found)

	repo.Clear()
	assert.Equal(t, 0, repo.Count())
}

func TestIsStale(t *testing.T) {
	now := time.Unix(1000, 0)
	assert.False(t, isStale(now.Add(-time.Hour), now, 0), "maxAge 0 отключает проверку")
	assert.False(t, isStale(now.Add(-time.Second), now, 2*time.Second))
	assert.True(t, isStale(now.Add(-3*time.Second), now, 2*time.Second))
}

// TestRedisPositionRepo требует запущенный Redis (SHAREDOBJ_TEST_REDIS=host:port)
func TestRedisPositionRepo(t *testing.T) {
	addr := os.Getenv("SHAREDOBJ_TEST_REDIS")
	if addr == "" {
		t.Skip("SHAREDOBJ_TEST_REDIS не задан")
	}

	ctx := context.Background()
	cfg := DefaultRedisConfig()
	cfg.Addr = addr
	cfg.KeyPrefix = "sharedobj:test:" + time.Now().Format("150405.000") + ":"

	repo, err := NewRedisPositionRepo(ctx, cfg)
	require.NoError(t, err)
	defer repo.Close()
	defer repo.client.Del(ctx, repo.key)

	testRepoContract(t, repo)
}

// TestMariaPositionRepo требует MariaDB (SHAREDOBJ_TEST_MARIA_DSN)
func TestMariaPositionRepo(t *testing.T) {
	dsn := os.Getenv("SHAREDOBJ_TEST_MARIA_DSN")
	if dsn == "" {
		t.Skip("SHAREDOBJ_TEST_MARIA_DSN не задан")
	}

	ctx := context.Background()
	repo, err := NewMariaPositionRepo(ctx, dsn, time.Minute)
	require.NoError(t, err)
	defer repo.Close()
	_, err = repo.db.ExecContext(ctx, `DELETE FROM peer_positions`)
	require.NoError(t, err)

	testRepoContract(t, repo)
}

// TestMongoPositionRepo требует MongoDB (SHAREDOBJ_TEST_MONGO=mongodb://...)
func TestMongoPositionRepo(t *testing.T) {
	uri := os.Getenv("SHAREDOBJ_TEST_MONGO")
	if uri == "" {
		t.Skip("SHAREDOBJ_TEST_MONGO не задан")
	}

	ctx := context.Background()
	repo, err := NewMongoPositionRepo(ctx, MongoConfig{
		URI:        uri,
		Database:   "sharedobj_test",
		Collection: "peer_positions_" + time.Now().Format("150405"),
		MaxAge:     time.Minute,
	})
	require.NoError(t, err)
	defer repo.Close()
	defer repo.collection.Drop(ctx)

	testRepoContract(t, repo)
}

// testRepoContract проверяет общее поведение внешних хранилищ
func testRepoContract(t *testing.T, repo PositionRepo) {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, repo.Save(ctx, "p1", vec.New(1, 2, 3)))
	require.NoError(t, repo.BatchSave(ctx, map[string]vec.Vec3{
		"p2": vec.New(4, 5, 6),
		"p3": vec.New(-1, -1, -1),
	}))

	pos, found, err := repo.Load(ctx, "p1")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, vec.New(1, 2, 3), pos)

	require.NoError(t, repo.Delete(ctx, "p3"))

	snap, err := repo.Snapshot(ctx)
	require.NoError(t, err)
	require.Len(t, snap, 2)
	assert.Equal(t, "p1", snap[0].PeerID)
	assert.Equal(t, "p2", snap[1].PeerID)
	assert.True(t, snap[1].Known)
}
