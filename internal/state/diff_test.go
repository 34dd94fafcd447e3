package state

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/structpb"
)

func mustValue(t *testing.T, v interface{}) *structpb.Value {
	t.Helper()
	out, err := FromGo(v)
	require.NoError(t, err)
	return out
}

// roundTrip применяет diff к копии old и проверяет совпадение с new
func roundTrip(t *testing.T, old, new *structpb.Value) Diff {
	t.Helper()
	d, err := Compute(old, new)
	require.NoError(t, err)

	// diff проходит через кодек, как по сети
	decoded, err := DecodeDiff(EncodeDiff(d))
	require.NoError(t, err)

	mirror, err := Apply(Clone(old), decoded)
	require.NoError(t, err)
	assert.True(t, Equal(mirror, new), "ожидалось %s, получено %s", JSON(new), JSON(mirror))
	return d
}

func TestComputeSingleFieldIsMinimal(t *testing.T) {
	old := mustValue(t, map[string]interface{}{
		"propName": "prop_bench_01a",
		"rotation": 0,
		"count":    3,
		"visible":  true,
		"tags":     []interface{}{"a", "b"},
	})
	new := Clone(old)
	require.NoError(t, Set(new, Path{Key("rotation")}, structpb.NewNumberValue(1)))

	d := roundTrip(t, old, new)
	require.Len(t, d, 1)
	assert.Equal(t, EditReplace, d[0].Kind)
	assert.Equal(t, "rotation", d[0].Path.String())
	assert.Equal(t, float64(1), d[0].Value.GetNumberValue())
}

func TestComputeNoChange(t *testing.T) {
	v := mustValue(t, map[string]interface{}{"a": map[string]interface{}{"b": []interface{}{1, 2}}})
	d, err := Compute(v, Clone(v))
	require.NoError(t, err)
	assert.Empty(t, d)
}

func TestComputeAddRemoveNested(t *testing.T) {
	old := mustValue(t, map[string]interface{}{
		"a": map[string]interface{}{"x": 1, "y": 2},
		"b": "keep",
	})
	new := mustValue(t, map[string]interface{}{
		"a": map[string]interface{}{"x": 1, "z": 3},
		"b": "keep",
		"c": nil,
	})

	d := roundTrip(t, old, new)
	require.Len(t, d, 3)
	assert.Equal(t, Edit{Kind: EditRemove, Path: Path{Key("a"), Key("y")}}, Edit{Kind: d[0].Kind, Path: d[0].Path})
	assert.Equal(t, EditAdd, d[1].Kind)
	assert.Equal(t, "a.z", d[1].Path.String())
	assert.Equal(t, EditAdd, d[2].Kind)
	assert.Equal(t, "c", d[2].Path.String())
}

func TestComputeLists(t *testing.T) {
	t.Run("Grow", func(t *testing.T) {
		old := mustValue(t, map[string]interface{}{"l": []interface{}{1, 2}})
		new := mustValue(t, map[string]interface{}{"l": []interface{}{1, 5, 3, 4}})
		d := roundTrip(t, old, new)
		assert.Len(t, d, 3)
	})

	t.Run("Shrink", func(t *testing.T) {
		old := mustValue(t, map[string]interface{}{"l": []interface{}{1, 2, 3, 4}})
		new := mustValue(t, map[string]interface{}{"l": []interface{}{1}})
		d := roundTrip(t, old, new)
		require.Len(t, d, 3)
		// удаление идет с конца
		assert.Equal(t, "l[3]", d[0].Path.String())
		assert.Equal(t, "l[1]", d[2].Path.String())
	})

	t.Run("NestedObjects", func(t *testing.T) {
		old := mustValue(t, []interface{}{map[string]interface{}{"hp": 10}, map[string]interface{}{"hp": 5}})
		new := mustValue(t, []interface{}{map[string]interface{}{"hp": 10}, map[string]interface{}{"hp": 4}})
		d := roundTrip(t, old, new)
		require.Len(t, d, 1)
		assert.Equal(t, "[1].hp", d[0].Path.String())
	})
}

func TestComputeKindChange(t *testing.T) {
	old := mustValue(t, map[string]interface{}{"v": []interface{}{1}})
	new := mustValue(t, map[string]interface{}{"v": map[string]interface{}{"k": 1}})
	d := roundTrip(t, old, new)
	require.Len(t, d, 1)
	assert.Equal(t, EditReplace, d[0].Kind)

	// замена корня
	roundTrip(t, mustValue(t, 1), mustValue(t, "x"))
}

func TestComputeMalformed(t *testing.T) {
	old := mustValue(t, map[string]interface{}{"a": 1})
	broken := mustValue(t, map[string]interface{}{"a": 1})
	broken.GetStructValue().Fields["b"] = &structpb.Value{}

	_, err := Compute(old, broken)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestFromGo(t *testing.T) {
	type location struct {
		X float64 `json:"x"`
		Y float64 `json:"y"`
	}
	type props struct {
		PropName string   `json:"propName"`
		Location location `json:"location"`
		Rotation int      `json:"rotation"`
	}

	v, err := FromGo(props{PropName: "prop", Location: location{X: 1, Y: 2}, Rotation: 7})
	require.NoError(t, err)
	got, err := Get(v, MustParsePath("location.y"))
	require.NoError(t, err)
	assert.Equal(t, float64(2), got.GetNumberValue())

	var back props
	require.NoError(t, ToGo(v, &back))
	assert.Equal(t, 7, back.Rotation)
	assert.Equal(t, "prop", back.PropName)

	_, err = FromGo(map[string]interface{}{"ch": make(chan int)})
	assert.Error(t, err)

	_, err = FromGo(map[string]interface{}{"n": math.NaN()})
	assert.ErrorIs(t, err, ErrMalformed)

	self := map[string]interface{}{}
	self["self"] = self
	_, err = FromGo(self)
	assert.ErrorIs(t, err, ErrMalformed)

	loop := []interface{}{nil}
	loop[0] = loop
	_, err = FromGo(map[string]interface{}{"list": loop})
	assert.ErrorIs(t, err, ErrMalformed)

	type node struct {
		Name string `json:"name"`
		Next *node  `json:"next"`
	}
	ring := &node{Name: "a"}
	ring.Next = ring
	_, err = FromGo(ring)
	assert.ErrorIs(t, err, ErrMalformed)

	// Общая, но не циклическая ссылка допустима
	shared := map[string]interface{}{"k": 1.0}
	v, err = FromGo(map[string]interface{}{"a": shared, "b": shared})
	require.NoError(t, err)
	got, err = Get(v, MustParsePath("b.k"))
	require.NoError(t, err)
	assert.Equal(t, 1.0, got.GetNumberValue())
}

func TestDecodeDiffRejectsGarbage(t *testing.T) {
	_, err := DecodeDiff(structpb.NewStringValue("nope"))
	assert.ErrorIs(t, err, ErrMalformed)

	bad := mustValue(t, []interface{}{map[string]interface{}{"op": "move", "path": []interface{}{"a"}}})
	_, err = DecodeDiff(bad)
	assert.ErrorIs(t, err, ErrMalformed)

	noValue := mustValue(t, []interface{}{map[string]interface{}{"op": "add", "path": []interface{}{"a"}}})
	_, err = DecodeDiff(noValue)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestApplyErrors(t *testing.T) {
	root := mustValue(t, map[string]interface{}{"a": 1})
	_, err := Apply(root, Diff{{Kind: EditReplace, Path: Path{Key("missing")}, Value: structpb.NewNumberValue(1)}})
	assert.ErrorIs(t, err, ErrInvalidPath)

	_, err = Apply(root, Diff{{Kind: EditRemove, Path: Path{Key("a"), Index(0)}}})
	assert.ErrorIs(t, err, ErrInvalidPath)
}
