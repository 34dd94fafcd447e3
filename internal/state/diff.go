package state

import (
	"fmt"
	"sort"
	"strings"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// EditKind — вид элементарной правки
type EditKind int

const (
	EditAdd EditKind = iota + 1
	EditRemove
	EditReplace
)

func (k EditKind) String() string {
	switch k {
	case EditAdd:
		return "add"
	case EditRemove:
		return "remove"
	case EditReplace:
		return "replace"
	default:
		return fmt.Sprintf("EditKind(%d)", int(k))
	}
}

// ParseEditKind разбирает имя правки из сообщения
func ParseEditKind(s string) (EditKind, error) {
	switch s {
	case "add":
		return EditAdd, nil
	case "remove":
		return EditRemove, nil
	case "replace":
		return EditReplace, nil
	}
	return 0, fmt.Errorf("%w: неизвестная операция %q", ErrMalformed, s)
}

// Edit — элементарная правка: путь, операция и новое значение.
// Для EditRemove значение отсутствует.
type Edit struct {
	Kind  EditKind
	Path  Path
	Value *structpb.Value
}

func (e Edit) String() string {
	if e.Kind == EditRemove {
		return fmt.Sprintf("%s %s", e.Kind, e.Path)
	}
	return fmt.Sprintf("%s %s = %s", e.Kind, e.Path, JSON(e.Value))
}

// Diff — упорядоченный список правок
type Diff []Edit

func (d Diff) String() string {
	parts := make([]string, len(d))
	for i, e := range d {
		parts[i] = e.String()
	}
	return "[" + strings.Join(parts, "; ") + "]"
}

// Compute вычисляет минимальный структурный diff от old к new.
//
// Ключи объектов обходятся в отсортированном порядке, поэтому результат
// детерминирован. Для списков общий префикс сравнивается поэлементно,
// лишние элементы удаляются с конца, новые добавляются по возрастанию
// индекса: такой порядок позволяет применять правки последовательно.
// Значения в правках — копии, не разделяющие память с new.
func Compute(old, new *structpb.Value) (Diff, error) {
	var d Diff
	if err := diffValue(&d, nil, old, new); err != nil {
		return nil, err
	}
	return d, nil
}

func diffValue(d *Diff, path Path, old, new *structpb.Value) error {
	if old.GetKind() == nil || new.GetKind() == nil {
		return fmt.Errorf("%w: пустое значение в %q", ErrMalformed, path.String())
	}

	oldObj, newObj := old.GetStructValue(), new.GetStructValue()
	if oldObj != nil && newObj != nil {
		return diffStruct(d, path, oldObj, newObj)
	}

	oldList, newList := old.GetListValue(), new.GetListValue()
	if oldList != nil && newList != nil {
		return diffList(d, path, oldList, newList)
	}

	if !proto.Equal(old, new) {
		*d = append(*d, Edit{Kind: EditReplace, Path: path, Value: Clone(new)})
	}
	return nil
}

func diffStruct(d *Diff, path Path, old, new *structpb.Struct) error {
	keys := make([]string, 0, len(old.GetFields())+len(new.GetFields()))
	seen := make(map[string]struct{}, cap(keys))
	for k := range old.GetFields() {
		seen[k] = struct{}{}
		keys = append(keys, k)
	}
	for k := range new.GetFields() {
		if _, ok := seen[k]; !ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	for _, k := range keys {
		ov, inOld := old.GetFields()[k]
		nv, inNew := new.GetFields()[k]
		p := path.Append(Key(k))
		switch {
		case inOld && !inNew:
			*d = append(*d, Edit{Kind: EditRemove, Path: p})
		case !inOld && inNew:
			if nv.GetKind() == nil {
				return fmt.Errorf("%w: пустое значение в %q", ErrMalformed, p.String())
			}
			*d = append(*d, Edit{Kind: EditAdd, Path: p, Value: Clone(nv)})
		default:
			if err := diffValue(d, p, ov, nv); err != nil {
				return err
			}
		}
	}
	return nil
}

func diffList(d *Diff, path Path, old, new *structpb.ListValue) error {
	ov, nv := old.GetValues(), new.GetValues()
	common := len(ov)
	if len(nv) < common {
		common = len(nv)
	}
	for i := 0; i < common; i++ {
		if err := diffValue(d, path.Append(Index(i)), ov[i], nv[i]); err != nil {
			return err
		}
	}
	for i := len(ov) - 1; i >= common; i-- {
		*d = append(*d, Edit{Kind: EditRemove, Path: path.Append(Index(i))})
	}
	for i := common; i < len(nv); i++ {
		if nv[i].GetKind() == nil {
			return fmt.Errorf("%w: пустое значение в %q", ErrMalformed, path.Append(Index(i)).String())
		}
		*d = append(*d, Edit{Kind: EditAdd, Path: path.Append(Index(i)), Value: Clone(nv[i])})
	}
	return nil
}

// Apply применяет правки к root и возвращает новый корень.
// Дерево изменяется на месте; новый корень отличается от root только при
// правке с пустым путем. При ошибке дерево может быть изменено частично.
func Apply(root *structpb.Value, diff Diff) (*structpb.Value, error) {
	for i, e := range diff {
		if len(e.Path) == 0 {
			if e.Kind != EditReplace && e.Kind != EditAdd {
				return root, fmt.Errorf("%w: правка %d: %s корня", ErrInvalidPath, i, e.Kind)
			}
			root = Clone(e.Value)
			continue
		}

		var err error
		switch e.Kind {
		case EditAdd:
			err = applyAdd(root, e)
		case EditReplace:
			_, err = Get(root, e.Path)
			if err == nil {
				err = Set(root, e.Path, Clone(e.Value))
			}
		case EditRemove:
			err = Delete(root, e.Path)
		default:
			err = fmt.Errorf("%w: неизвестная операция %d", ErrMalformed, int(e.Kind))
		}
		if err != nil {
			return root, fmt.Errorf("правка %d (%s): %w", i, e.Path, err)
		}
	}
	return root, nil
}

// applyAdd вставляет элемент списка со сдвигом хвоста или добавляет ключ объекта
func applyAdd(root *structpb.Value, e Edit) error {
	last := e.Path[len(e.Path)-1]
	if !last.IsIndex {
		return Set(root, e.Path, Clone(e.Value))
	}
	parent, err := Get(root, e.Path[:len(e.Path)-1])
	if err != nil {
		return err
	}
	list := parent.GetListValue()
	if list == nil {
		return fmt.Errorf("%w: ожидался список", ErrInvalidPath)
	}
	if last.Index < 0 || last.Index > len(list.Values) {
		return fmt.Errorf("%w: индекс %d вне диапазона", ErrInvalidPath, last.Index)
	}
	list.Values = append(list.Values, nil)
	copy(list.Values[last.Index+1:], list.Values[last.Index:])
	list.Values[last.Index] = Clone(e.Value)
	return nil
}
