package interest

import (
	"math"
	"testing"

	"github.com/annel0/sharedobjects/internal/storage"
	"github.com/annel0/sharedobjects/internal/vec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func peer(id string, x, y, z float64) storage.PeerPosition {
	return storage.PeerPosition{PeerID: id, Position: vec.New(x, y, z), Known: true}
}

func TestRadiusSquared(t *testing.T) {
	r2, ok := RadiusSquared(10)
	require.True(t, ok)
	assert.Equal(t, 100.0, r2)

	for _, bad := range []float64{0, -1, math.NaN(), math.Inf(1)} {
		_, ok := RadiusSquared(bad)
		assert.False(t, ok, "радиус %v должен отклоняться", bad)
	}
}

func TestEvaluateBoundaryIsExclusive(t *testing.T) {
	origin := vec.New(0, 0, 0)
	peers := []storage.PeerPosition{
		peer("edge", 10, 0, 0),     // d² == r²
		peer("inside", 9.99, 0, 0), // d² < r²
	}

	res := Evaluate(origin, 100, NewSet(), peers)
	assert.Equal(t, []string{"inside"}, res.Entered)
	assert.False(t, res.Nearby.Has("edge"), "Пир на границе не должен попадать в радиус")
}

func TestEvaluateEdgeTriggered(t *testing.T) {
	origin := vec.New(0, 0, 0)
	peers := []storage.PeerPosition{peer("a", 1, 1, 1), peer("b", 50, 0, 0)}

	first := Evaluate(origin, 100, NewSet(), peers)
	assert.Equal(t, []string{"a"}, first.Entered)
	assert.Empty(t, first.Left)
	assert.True(t, first.Changed())

	// Повторный проход без перемещений не порождает событий
	second := Evaluate(origin, 100, first.Nearby, peers)
	assert.Empty(t, second.Entered)
	assert.Empty(t, second.Left)
	assert.False(t, second.Changed())
}

func TestEvaluateLeaveAndReturn(t *testing.T) {
	origin := vec.New(0, 0, 0)
	tracked := NewSet()

	res := Evaluate(origin, 25, tracked, []storage.PeerPosition{peer("p", 1, 0, 0)})
	assert.Equal(t, []string{"p"}, res.Entered)
	tracked = res.Nearby

	res = Evaluate(origin, 25, tracked, []storage.PeerPosition{peer("p", 100, 0, 0)})
	assert.Equal(t, []string{"p"}, res.Left)
	assert.Empty(t, res.Entered)
	tracked = res.Nearby

	res = Evaluate(origin, 25, tracked, []storage.PeerPosition{peer("p", 0, 2, 0)})
	assert.Equal(t, []string{"p"}, res.Entered, "Вернувшийся пир должен снова получить New")
}

func TestEvaluateUnknownPositionIsNotNearby(t *testing.T) {
	origin := vec.New(0, 0, 0)
	tracked := NewSet("gone", "stale")
	peers := []storage.PeerPosition{
		{PeerID: "stale", Position: vec.New(0, 0, 0), Known: false},
		peer("nan", math.NaN(), 0, 0),
		peer("new", 0, 0, 1),
	}

	res := Evaluate(origin, 100, tracked, peers)
	assert.Equal(t, []string{"new"}, res.Entered)
	assert.Equal(t, []string{"gone", "stale"}, res.Left)
	assert.Equal(t, []string{"new"}, res.Nearby.Sorted())
	assert.Len(t, tracked, 2, "Evaluate не должен изменять tracked")
}

func TestEvaluateUses3DDistance(t *testing.T) {
	origin := vec.New(0, 0, 0)
	// по XY внутри, по Z снаружи
	res := Evaluate(origin, 100, NewSet(), []storage.PeerPosition{peer("p", 3, 4, 10)})
	assert.Empty(t, res.Entered)
}
