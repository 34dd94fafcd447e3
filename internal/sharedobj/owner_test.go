package sharedobj

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/annel0/sharedobjects/internal/protocol"
	"github.com/annel0/sharedobjects/internal/state"
	"github.com/annel0/sharedobjects/internal/storage"
	"github.com/annel0/sharedobjects/internal/vec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateObjectValidation(t *testing.T) {
	f := newFixture(t, &recordingTransport{})
	ctx := context.Background()
	ns, err := f.reg.Owner("world")
	require.NoError(t, err)

	_, err = ns.CreateObject(ctx, "prop", vec.New(0, 0, 0), 10, nil)
	require.NoError(t, err)

	_, err = ns.CreateObject(ctx, "prop", vec.New(1, 1, 1), 10, nil)
	assert.ErrorIs(t, err, ErrObjectExists, "Дубликат id должен отклоняться")

	for _, r := range []float64{0, -5, math.NaN(), math.Inf(1)} {
		_, err = ns.CreateObject(ctx, "bad", vec.New(0, 0, 0), r, nil)
		assert.ErrorIs(t, err, ErrInvalidRadius, "радиус %v", r)
	}
	_, err = ns.CreateObject(ctx, "", vec.New(0, 0, 0), 1, nil)
	assert.ErrorIs(t, err, ErrInvalidObjectID)
	_, err = ns.CreateObject(ctx, "nan", vec.New(math.NaN(), 0, 0), 1, nil)
	assert.ErrorIs(t, err, ErrInvalidLocation)
	_, err = ns.CreateObject(ctx, "chan", vec.New(0, 0, 0), 1, make(chan int))
	assert.Error(t, err, "Несериализуемое состояние должно отклоняться")

	obj, ok := ns.GetObject("prop")
	require.True(t, ok)
	assert.Equal(t, "prop", obj.ID())
	assert.Len(t, ns.Objects(), 1)

	require.NoError(t, ns.Close(ctx))
	_, err = ns.CreateObject(ctx, "late", vec.New(0, 0, 0), 1, nil)
	assert.ErrorIs(t, err, ErrNamespaceClosed)
}

func TestOwnerRequiresPositionSource(t *testing.T) {
	reg, err := NewRegistry(&recordingTransport{}, nil)
	require.NoError(t, err)
	_, err = reg.Owner("world")
	assert.ErrorIs(t, err, ErrNoPositionSource)

	_, err = NewRegistry(nil, nil)
	assert.Error(t, err)
}

func TestTickSendsNewAndDeleteOnEdges(t *testing.T) {
	tr := &recordingTransport{}
	f := newFixture(t, tr)
	ctx := context.Background()
	ns, _ := f.reg.Owner("world")

	obj, err := ns.CreateObject(ctx, "prop", vec.New(0, 0, 0), 10, map[string]interface{}{"count": 0})
	require.NoError(t, err)

	require.NoError(t, f.positions.Save(ctx, "near", vec.New(3, 4, 0)))
	require.NoError(t, f.positions.Save(ctx, "edge", vec.New(10, 0, 0)))
	require.NoError(t, f.positions.Save(ctx, "far", vec.New(100, 0, 0)))

	obj.tick(ctx)
	msgs := tr.take()
	require.Len(t, msgs, 1)
	assert.Equal(t, protocol.KindNew, msgs[0].Kind)
	assert.Equal(t, "near", msgs[0].Target)
	assert.Equal(t, "world", msgs[0].Namespace)
	assert.Equal(t, 0.0, msgs[0].Payload.GetStructValue().Fields["count"].GetNumberValue())
	assert.Equal(t, []string{"near"}, obj.TrackedPeers())

	// Без перемещений — никаких сообщений
	obj.tick(ctx)
	assert.Empty(t, tr.take())

	// near уходит, far приходит
	require.NoError(t, f.positions.Save(ctx, "near", vec.New(50, 0, 0)))
	require.NoError(t, f.positions.Save(ctx, "far", vec.New(0, 0, 9)))
	obj.tick(ctx)
	msgs = tr.take()
	require.Len(t, msgs, 2)
	assert.Equal(t, []protocol.Kind{protocol.KindNew, protocol.KindDelete}, kinds(msgs))
	assert.Equal(t, []string{"far", "near"}, targets(msgs))

	// near возвращается и снова получает New с актуальным состоянием
	require.NoError(t, obj.Set(ctx, "count", 7))
	tr.take()
	require.NoError(t, f.positions.Save(ctx, "near", vec.New(1, 0, 0)))
	obj.tick(ctx)
	msgs = tr.take()
	require.Len(t, msgs, 1)
	assert.Equal(t, "near", msgs[0].Target)
	assert.Equal(t, 7.0, msgs[0].Payload.GetStructValue().Fields["count"].GetNumberValue())
}

func TestDisconnectedPeerGetsDelete(t *testing.T) {
	tr := &recordingTransport{}
	f := newFixture(t, tr)
	ctx := context.Background()
	ns, _ := f.reg.Owner("world")
	obj, _ := ns.CreateObject(ctx, "prop", vec.New(0, 0, 0), 10, nil)

	require.NoError(t, f.positions.Save(ctx, "p", vec.New(1, 0, 0)))
	obj.tick(ctx)
	tr.take()

	require.NoError(t, f.positions.Delete(ctx, "p"))
	obj.tick(ctx)
	msgs := tr.take()
	require.Len(t, msgs, 1)
	assert.Equal(t, protocol.KindDelete, msgs[0].Kind)
	assert.Empty(t, obj.TrackedPeers())
}

func TestUpdatesGoOnlyToTrackedPeers(t *testing.T) {
	tr := &recordingTransport{}
	f := newFixture(t, tr)
	ctx := context.Background()
	ns, _ := f.reg.Owner("world")
	obj, _ := ns.CreateObject(ctx, "prop", vec.New(0, 0, 0), 10, map[string]interface{}{
		"rotation": map[string]interface{}{"x": 0, "y": 0, "z": 0},
	})

	// Изменение без отслеживаемых пиров ничего не отправляет
	require.NoError(t, obj.Set(ctx, "rotation.y", 0.5))
	assert.Empty(t, tr.take())

	require.NoError(t, f.positions.Save(ctx, "a", vec.New(1, 0, 0)))
	require.NoError(t, f.positions.Save(ctx, "b", vec.New(0, 1, 0)))
	require.NoError(t, f.positions.Save(ctx, "c", vec.New(0, 50, 0)))
	obj.tick(ctx)
	tr.take()

	require.NoError(t, obj.Set(ctx, "rotation.y", 1.0))
	msgs := tr.take()
	require.Len(t, msgs, 2)
	assert.Equal(t, []string{"a", "b"}, targets(msgs))

	diff, err := state.DecodeDiff(msgs[0].Payload)
	require.NoError(t, err)
	require.Len(t, diff, 1, "diff должен быть минимальным")
	assert.Equal(t, state.EditReplace, diff[0].Kind)
	assert.Equal(t, "rotation.y", diff[0].Path.String())
	assert.Equal(t, 1.0, diff[0].Value.GetNumberValue())
}

func TestChangeDetectorPolicy(t *testing.T) {
	tr := &recordingTransport{}
	f := newFixture(t, tr)
	ctx := context.Background()
	ns, _ := f.reg.Owner("world")
	obj, _ := ns.CreateObject(ctx, "prop", vec.New(0, 0, 0), 10, map[string]interface{}{"count": 0})
	require.NoError(t, f.positions.Save(ctx, "p", vec.New(1, 0, 0)))
	obj.tick(ctx)
	tr.take()

	t.Run("no-op set emits nothing", func(t *testing.T) {
		require.NoError(t, obj.Set(ctx, "count", 0))
		assert.Empty(t, tr.take())
	})

	t.Run("each accessor call is one diff", func(t *testing.T) {
		require.NoError(t, obj.Set(ctx, "count", 1))
		require.NoError(t, obj.Set(ctx, "count", 2))
		msgs := tr.take()
		require.Len(t, msgs, 2)
		for i, want := range []float64{1, 2} {
			diff, err := state.DecodeDiff(msgs[i].Payload)
			require.NoError(t, err)
			require.Len(t, diff, 1)
			assert.Equal(t, want, diff[0].Value.GetNumberValue())
		}
	})

	t.Run("mutate batches into one diff", func(t *testing.T) {
		err := obj.Mutate(ctx, func(doc *state.Document) error {
			if err := doc.Set("count", 3); err != nil {
				return err
			}
			return doc.Set("label", "crate")
		})
		require.NoError(t, err)
		msgs := tr.take()
		require.Len(t, msgs, 1)
		diff, err := state.DecodeDiff(msgs[0].Payload)
		require.NoError(t, err)
		assert.Len(t, diff, 2)
	})

	t.Run("failed mutate leaves state untouched", func(t *testing.T) {
		boom := errors.New("boom")
		err := obj.Mutate(ctx, func(doc *state.Document) error {
			_ = doc.Set("count", 100)
			return boom
		})
		assert.ErrorIs(t, err, boom)
		assert.Empty(t, tr.take())
		v, err := obj.Get("count")
		require.NoError(t, err)
		assert.Equal(t, 3.0, v.GetNumberValue())
	})

	t.Run("delete emits remove", func(t *testing.T) {
		require.NoError(t, obj.Delete(ctx, "label"))
		msgs := tr.take()
		require.Len(t, msgs, 1)
		diff, err := state.DecodeDiff(msgs[0].Payload)
		require.NoError(t, err)
		require.Len(t, diff, 1)
		assert.Equal(t, state.EditRemove, diff[0].Kind)

		assert.ErrorIs(t, obj.Delete(ctx, "label"), state.ErrInvalidPath)
	})

	t.Run("cyclic value is rejected", func(t *testing.T) {
		self := map[string]interface{}{}
		self["self"] = self
		assert.ErrorIs(t, obj.Set(ctx, "x", self), state.ErrMalformed)
		assert.Empty(t, tr.take())

		_, err := ns.CreateObject(ctx, "cyclic", vec.New(0, 0, 0), 10, self)
		assert.ErrorIs(t, err, state.ErrMalformed)
	})

	assert.NoError(t, obj.Err())
}

func TestDestroy(t *testing.T) {
	tr := &recordingTransport{}
	f := newFixture(t, tr)
	ctx := context.Background()
	ns, _ := f.reg.Owner("world")
	obj, _ := ns.CreateObject(ctx, "prop", vec.New(0, 0, 0), 10, nil)

	require.NoError(t, f.positions.Save(ctx, "a", vec.New(1, 0, 0)))
	require.NoError(t, f.positions.Save(ctx, "b", vec.New(2, 0, 0)))
	obj.tick(ctx)
	tr.take()

	require.NoError(t, obj.Destroy(ctx))
	msgs := tr.take()
	assert.Equal(t, []protocol.Kind{protocol.KindDelete, protocol.KindDelete}, kinds(msgs))
	assert.Equal(t, []string{"a", "b"}, targets(msgs))

	// Повторный вызов — no-op
	require.NoError(t, obj.Destroy(ctx))
	assert.Empty(t, tr.take())

	_, ok := ns.GetObject("prop")
	assert.False(t, ok)
	assert.True(t, obj.Destroyed())

	// После Destroy ничего не отправляется
	assert.ErrorIs(t, obj.Set(ctx, "x", 1), ErrObjectDestroyed)
	obj.tick(ctx)
	f.clock.Add(3 * time.Second)
	assert.Empty(t, tr.take())

	// id освобождается для повторного создания
	_, err := ns.CreateObject(ctx, "prop", vec.New(0, 0, 0), 10, nil)
	assert.NoError(t, err)
}

func TestDestroyConcurrentCallsSendDeleteOnce(t *testing.T) {
	tr := &recordingTransport{}
	f := newFixture(t, tr)
	ctx := context.Background()
	ns, _ := f.reg.Owner("world")
	obj, _ := ns.CreateObject(ctx, "prop", vec.New(0, 0, 0), 10, nil)
	require.NoError(t, f.positions.Save(ctx, "a", vec.New(1, 0, 0)))
	obj.tick(ctx)
	tr.take()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = obj.Destroy(ctx)
		}()
	}
	wg.Wait()
	assert.Len(t, tr.take(), 1)
}

func TestTickerDrivesTracker(t *testing.T) {
	tr := &recordingTransport{}
	f := newFixture(t, tr)
	ctx := context.Background()
	ns, _ := f.reg.Owner("world")
	_, err := ns.CreateObject(ctx, "prop", vec.New(0, 0, 0), 10, nil)
	require.NoError(t, err)
	require.NoError(t, f.positions.Save(ctx, "p", vec.New(1, 0, 0)))

	// До истечения интервала трекер не срабатывает
	f.clock.Add(500 * time.Millisecond)
	assert.Empty(t, tr.take())

	f.clock.Add(500 * time.Millisecond)
	var got []*protocol.Message
	require.Eventually(t, func() bool {
		got = append(got, tr.take()...)
		return len(got) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, protocol.KindNew, got[0].Kind)
}

func TestSnapshotErrorSkipsTick(t *testing.T) {
	tr := &recordingTransport{}
	var (
		mu   sync.Mutex
		fail bool
	)
	peers := []storage.PeerPosition{{PeerID: "p", Position: vec.New(1, 0, 0), Known: true}}
	src := positionsFunc(func(context.Context) ([]storage.PeerPosition, error) {
		mu.Lock()
		defer mu.Unlock()
		if fail {
			return nil, errors.New("redis down")
		}
		return peers, nil
	})
	reg, err := NewRegistry(tr, src)
	require.NoError(t, err)
	defer reg.Close(context.Background())

	ctx := context.Background()
	ns, _ := reg.Owner("world")
	obj, _ := ns.CreateObject(ctx, "prop", vec.New(0, 0, 0), 10, nil)
	obj.tick(ctx)
	require.Len(t, tr.take(), 1)

	mu.Lock()
	fail = true
	mu.Unlock()
	obj.tick(ctx)
	assert.Empty(t, tr.take(), "Ошибка снимка не должна порождать Delete")
	assert.Equal(t, []string{"p"}, obj.TrackedPeers())
	assert.NoError(t, obj.Err())
}

func TestPanicInTickIsRecovered(t *testing.T) {
	tr := &recordingTransport{}
	calls := 0
	src := positionsFunc(func(context.Context) ([]storage.PeerPosition, error) {
		calls++
		if calls == 1 {
			panic("broken world state")
		}
		return []storage.PeerPosition{{PeerID: "p", Position: vec.New(1, 0, 0), Known: true}}, nil
	})
	reg, err := NewRegistry(tr, src)
	require.NoError(t, err)
	defer reg.Close(context.Background())

	ctx := context.Background()
	ns, _ := reg.Owner("world")
	obj, _ := ns.CreateObject(ctx, "prop", vec.New(0, 0, 0), 10, nil)

	assert.NotPanics(t, func() { obj.tick(ctx) })
	obj.tick(ctx)
	assert.Len(t, tr.take(), 1, "Следующий тик должен работать")
}

func TestSendFailureBreaksOnlyThatObject(t *testing.T) {
	tr := &recordingTransport{}
	var handled []string
	f := newFixture(t, tr, WithErrorHandler(func(ns, id string, err error) {
		handled = append(handled, id)
		assert.ErrorIs(t, err, ErrSyncBroken)
	}))
	ctx := context.Background()
	ns, _ := f.reg.Owner("world")
	bad, _ := ns.CreateObject(ctx, "bad", vec.New(0, 0, 0), 10, nil)
	good, _ := ns.CreateObject(ctx, "good", vec.New(0, 0, 0), 10, nil)
	require.NoError(t, f.positions.Save(ctx, "p", vec.New(1, 0, 0)))
	bad.tick(ctx)
	good.tick(ctx)
	tr.take()

	tr.setFail(func(m *protocol.Message) error {
		if m.ObjectID == "bad" {
			return errors.New("link down")
		}
		return nil
	})

	err := bad.Set(ctx, "x", 1)
	assert.ErrorIs(t, err, ErrSyncBroken)
	assert.ErrorIs(t, bad.Err(), ErrSyncBroken)
	assert.Equal(t, []string{"bad"}, handled)
	assert.Equal(t, 1.0, metricValue(t, f.promReg, "sharedobj_sync_errors_total"))

	// Сломанный объект больше ничего не меняет и не отправляет
	assert.ErrorIs(t, bad.Set(ctx, "x", 2), ErrSyncBroken)
	tr.setFail(nil)
	bad.tick(ctx)

	require.NoError(t, good.Set(ctx, "x", 1))
	msgs := tr.take()
	require.Len(t, msgs, 1)
	assert.Equal(t, "good", msgs[0].ObjectID)
	assert.NoError(t, good.Err())

	// New не дошел ни до кого: Destroy никому не шлет Delete
	require.NoError(t, f.positions.Save(ctx, "a", vec.New(1001, 0, 0)))
	require.NoError(t, f.positions.Save(ctx, "b", vec.New(1002, 0, 0)))
	first, _ := ns.CreateObject(ctx, "first", vec.New(1000, 0, 0), 10, nil)
	tr.setFail(func(m *protocol.Message) error {
		if m.ObjectID == "first" && m.Target == "a" {
			return errors.New("link down")
		}
		return nil
	})
	first.tick(ctx)
	assert.ErrorIs(t, first.Err(), ErrSyncBroken)
	assert.Empty(t, first.TrackedPeers())
	assert.Empty(t, tr.take())
	tr.setFail(nil)
	require.NoError(t, first.Destroy(ctx))
	assert.Empty(t, tr.take())

	// New дошел до a, но не до b: Delete получает только a
	second, _ := ns.CreateObject(ctx, "second", vec.New(1000, 0, 0), 10, nil)
	tr.setFail(func(m *protocol.Message) error {
		if m.ObjectID == "second" && m.Target == "b" {
			return errors.New("link down")
		}
		return nil
	})
	second.tick(ctx)
	assert.Equal(t, []string{"a"}, second.TrackedPeers())
	msgs = tr.take()
	assert.Equal(t, []protocol.Kind{protocol.KindNew}, kinds(msgs))
	assert.Equal(t, []string{"a"}, targets(msgs))
	tr.setFail(nil)
	require.NoError(t, second.Destroy(ctx))
	msgs = tr.take()
	assert.Equal(t, []protocol.Kind{protocol.KindDelete}, kinds(msgs))
	assert.Equal(t, []string{"a"}, targets(msgs))
}

func TestRegistryCloseDestroysObjects(t *testing.T) {
	tr := &recordingTransport{}
	f := newFixture(t, tr)
	ctx := context.Background()
	ns, _ := f.reg.Owner("world")
	a, _ := ns.CreateObject(ctx, "a", vec.New(0, 0, 0), 10, nil)
	b, _ := ns.CreateObject(ctx, "b", vec.New(0, 0, 0), 10, nil)
	require.NoError(t, f.positions.Save(ctx, "p", vec.New(1, 0, 0)))
	a.tick(ctx)
	b.tick(ctx)
	tr.take()
	assert.Equal(t, 2.0, metricValue(t, f.promReg, "sharedobj_objects_active"))

	require.NoError(t, f.reg.Close(ctx))
	assert.True(t, a.Destroyed())
	assert.True(t, b.Destroyed())
	assert.Len(t, tr.take(), 2)
	assert.Equal(t, 0.0, metricValue(t, f.promReg, "sharedobj_objects_active"))

	_, err := f.reg.Owner("world")
	assert.ErrorIs(t, err, ErrNamespaceClosed)
}
