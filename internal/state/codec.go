package state

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/types/known/structpb"
)

// EncodeDiff переводит diff в самоописывающее дерево:
//
//	[{"op": "replace", "path": ["rotation"], "value": 12}, ...]
//
// Ключи объектов в пути — строки, индексы списков — числа.
func EncodeDiff(d Diff) *structpb.Value {
	items := make([]*structpb.Value, 0, len(d))
	for _, e := range d {
		path := make([]*structpb.Value, len(e.Path))
		for i, p := range e.Path {
			if p.IsIndex {
				path[i] = structpb.NewNumberValue(float64(p.Index))
			} else {
				path[i] = structpb.NewStringValue(p.Key)
			}
		}
		fields := map[string]*structpb.Value{
			"op":   structpb.NewStringValue(e.Kind.String()),
			"path": structpb.NewListValue(&structpb.ListValue{Values: path}),
		}
		if e.Kind != EditRemove && e.Value != nil {
			fields["value"] = e.Value
		}
		items = append(items, structpb.NewStructValue(&structpb.Struct{Fields: fields}))
	}
	return structpb.NewListValue(&structpb.ListValue{Values: items})
}

// DecodeDiff разбирает дерево, созданное EncodeDiff
func DecodeDiff(v *structpb.Value) (Diff, error) {
	list := v.GetListValue()
	if list == nil {
		return nil, fmt.Errorf("%w: diff должен быть списком, получено %s", ErrMalformed, KindName(v))
	}

	d := make(Diff, 0, len(list.Values))
	for i, item := range list.Values {
		obj := item.GetStructValue()
		if obj == nil {
			return nil, fmt.Errorf("%w: правка %d не объект", ErrMalformed, i)
		}
		kind, err := ParseEditKind(obj.Fields["op"].GetStringValue())
		if err != nil {
			return nil, fmt.Errorf("правка %d: %w", i, err)
		}
		rawPath := obj.Fields["path"].GetListValue()
		if rawPath == nil {
			return nil, fmt.Errorf("%w: правка %d без пути", ErrMalformed, i)
		}
		path := make(Path, 0, len(rawPath.Values))
		for _, p := range rawPath.Values {
			switch k := p.GetKind().(type) {
			case *structpb.Value_StringValue:
				path = append(path, Key(k.StringValue))
			case *structpb.Value_NumberValue:
				if k.NumberValue < 0 || k.NumberValue != math.Trunc(k.NumberValue) {
					return nil, fmt.Errorf("%w: правка %d: некорректный индекс %v", ErrMalformed, i, k.NumberValue)
				}
				path = append(path, Index(int(k.NumberValue)))
			default:
				return nil, fmt.Errorf("%w: правка %d: элемент пути %s", ErrMalformed, i, KindName(p))
			}
		}

		e := Edit{Kind: kind, Path: path}
		if kind != EditRemove {
			val, ok := obj.Fields["value"]
			if !ok || val.GetKind() == nil {
				return nil, fmt.Errorf("%w: правка %d без значения", ErrMalformed, i)
			}
			e.Value = val
		}
		d = append(d, e)
	}
	return d, nil
}
