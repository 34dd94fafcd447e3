package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"reflect"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// FromGo преобразует произвольное сериализуемое Go-значение в дерево structpb.
//
// Простые значения (nil, bool, числа, строки, map[string]any, []any)
// конвертируются напрямую; структуры и типизированные коллекции проходят
// через JSON, поэтому учитываются json-теги. Циклические и
// несериализуемые значения (каналы, функции) дают ошибку.
func FromGo(v interface{}) (*structpb.Value, error) {
	var out *structpb.Value
	switch tv := v.(type) {
	case *structpb.Value:
		out = Clone(tv)
	case *structpb.Struct:
		out = structpb.NewStructValue(proto.Clone(tv).(*structpb.Struct))
	default:
		if err := checkAcyclic(reflect.ValueOf(v), map[cycleKey]struct{}{}); err != nil {
			return nil, err
		}
		direct, err := structpb.NewValue(v)
		if err != nil {
			direct, err = fromJSON(v)
			if err != nil {
				return nil, err
			}
		}
		out = direct
	}
	if err := Validate(out); err != nil {
		return nil, err
	}
	return out, nil
}

type cycleKey struct {
	typ reflect.Type
	ptr uintptr
	len int
}

// checkAcyclic обходит map, срезы и указатели, запоминая только текущую
// цепочку предков: общие (не циклические) ссылки допустимы.
func checkAcyclic(v reflect.Value, stack map[cycleKey]struct{}) error {
	switch v.Kind() {
	case reflect.Interface:
		if v.IsNil() {
			return nil
		}
		return checkAcyclic(v.Elem(), stack)
	case reflect.Ptr, reflect.Map, reflect.Slice:
		if v.IsNil() {
			return nil
		}
		key := cycleKey{typ: v.Type(), ptr: v.Pointer()}
		if v.Kind() == reflect.Slice {
			if v.Len() == 0 {
				return nil
			}
			key.len = v.Len()
		}
		if _, seen := stack[key]; seen {
			return fmt.Errorf("%w: циклическая ссылка (%s)", ErrMalformed, v.Type())
		}
		stack[key] = struct{}{}
		defer delete(stack, key)

		switch v.Kind() {
		case reflect.Ptr:
			return checkAcyclic(v.Elem(), stack)
		case reflect.Map:
			iter := v.MapRange()
			for iter.Next() {
				if err := checkAcyclic(iter.Value(), stack); err != nil {
					return err
				}
			}
		default:
			for i := 0; i < v.Len(); i++ {
				if err := checkAcyclic(v.Index(i), stack); err != nil {
					return err
				}
			}
		}
	case reflect.Array:
		for i := 0; i < v.Len(); i++ {
			if err := checkAcyclic(v.Index(i), stack); err != nil {
				return err
			}
		}
	case reflect.Struct:
		t := v.Type()
		for i := 0; i < v.NumField(); i++ {
			if t.Field(i).PkgPath != "" {
				continue // неэкспортируемые поля JSON не видит
			}
			if err := checkAcyclic(v.Field(i), stack); err != nil {
				return err
			}
		}
	}
	return nil
}

func fromJSON(v interface{}) (*structpb.Value, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("state: значение не сериализуется: %w", err)
	}
	out := &structpb.Value{}
	if err := protojson.Unmarshal(raw, out); err != nil {
		return nil, fmt.Errorf("state: ошибка разбора JSON: %w", err)
	}
	return out, nil
}

// ToGo декодирует дерево значений в out (указатель на структуру, map и т.п.)
func ToGo(v *structpb.Value, out interface{}) error {
	raw, err := protojson.Marshal(v)
	if err != nil {
		return fmt.Errorf("state: ошибка сериализации в JSON: %w", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("state: ошибка декодирования: %w", err)
	}
	return nil
}

// Clone возвращает глубокую копию значения
func Clone(v *structpb.Value) *structpb.Value {
	if v == nil {
		return nil
	}
	return proto.Clone(v).(*structpb.Value)
}

// Equal сравнивает два дерева значений структурно
func Equal(a, b *structpb.Value) bool {
	return proto.Equal(a, b)
}

// KindName возвращает имя вида значения для логов и ошибок
func KindName(v *structpb.Value) string {
	switch v.GetKind().(type) {
	case *structpb.Value_NullValue:
		return "null"
	case *structpb.Value_BoolValue:
		return "bool"
	case *structpb.Value_NumberValue:
		return "number"
	case *structpb.Value_StringValue:
		return "string"
	case *structpb.Value_ListValue:
		return "list"
	case *structpb.Value_StructValue:
		return "object"
	default:
		return "unset"
	}
}

// JSON возвращает компактное JSON-представление значения (для логов и API)
func JSON(v *structpb.Value) string {
	raw, err := protojson.MarshalOptions{}.Marshal(v)
	if err != nil {
		return fmt.Sprintf("<%v>", err)
	}
	return string(raw)
}

// ErrMalformed возвращается для деревьев, которые нельзя сравнивать и передавать:
// пустой oneof, неконечные числа или циклические исходные значения.
var ErrMalformed = errors.New("state: malformed value")

// Validate проверяет дерево значений целиком
func Validate(v *structpb.Value) error {
	return validate(v, nil)
}

func validate(v *structpb.Value, path Path) error {
	switch k := v.GetKind().(type) {
	case nil:
		return fmt.Errorf("%w: пустое значение в %q", ErrMalformed, path.String())
	case *structpb.Value_NumberValue:
		if math.IsNaN(k.NumberValue) || math.IsInf(k.NumberValue, 0) {
			return fmt.Errorf("%w: неконечное число в %q", ErrMalformed, path.String())
		}
	case *structpb.Value_ListValue:
		for i, item := range k.ListValue.GetValues() {
			if err := validate(item, path.Append(Index(i))); err != nil {
				return err
			}
		}
	case *structpb.Value_StructValue:
		for key, item := range k.StructValue.GetFields() {
			if err := validate(item, path.Append(Key(key))); err != nil {
				return err
			}
		}
	}
	return nil
}
