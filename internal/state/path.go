package state

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"google.golang.org/protobuf/types/known/structpb"
)

// ErrInvalidPath возвращается, когда путь не может быть разрешен в дереве значений
var ErrInvalidPath = errors.New("state: invalid path")

// PathElem — один шаг пути: ключ объекта или индекс списка
type PathElem struct {
	Key     string
	Index   int
	IsIndex bool
}

// Key создает элемент пути по ключу объекта
func Key(k string) PathElem { return PathElem{Key: k} }

// Index создает элемент пути по индексу списка
func Index(i int) PathElem { return PathElem{Index: i, IsIndex: true} }

func (e PathElem) String() string {
	if e.IsIndex {
		return "[" + strconv.Itoa(e.Index) + "]"
	}
	return e.Key
}

// Path — адрес значения внутри дерева. Пустой путь указывает на корень.
type Path []PathElem

// String возвращает путь в виде a.b[2].c
func (p Path) String() string {
	var sb strings.Builder
	for i, e := range p {
		if !e.IsIndex && i > 0 {
			sb.WriteByte('.')
		}
		sb.WriteString(e.String())
	}
	return sb.String()
}

// Append возвращает новый путь с добавленным элементом, не разделяя память с p
func (p Path) Append(e PathElem) Path {
	out := make(Path, len(p), len(p)+1)
	copy(out, p)
	return append(out, e)
}

// Equal сравнивает пути поэлементно
func (p Path) Equal(other Path) bool {
	if len(p) != len(other) {
		return false
	}
	for i := range p {
		if p[i] != other[i] {
			return false
		}
	}
	return true
}

// ParsePath разбирает строку вида "a.b[2].c". Пустая строка — корень.
func ParsePath(s string) (Path, error) {
	var path Path
	if s == "" {
		return path, nil
	}
	for _, part := range strings.Split(s, ".") {
		key := part
		rest := ""
		if i := strings.IndexByte(part, '['); i >= 0 {
			key, rest = part[:i], part[i:]
		}
		if key == "" && rest == "" {
			return nil, fmt.Errorf("%w: пустой сегмент в %q", ErrInvalidPath, s)
		}
		if key != "" {
			path = append(path, Key(key))
		}
		for rest != "" {
			end := strings.IndexByte(rest, ']')
			if rest[0] != '[' || end < 0 {
				return nil, fmt.Errorf("%w: некорректный индекс в %q", ErrInvalidPath, s)
			}
			idx, err := strconv.Atoi(rest[1:end])
			if err != nil || idx < 0 {
				return nil, fmt.Errorf("%w: некорректный индекс в %q", ErrInvalidPath, s)
			}
			path = append(path, Index(idx))
			rest = rest[end+1:]
		}
	}
	return path, nil
}

// MustParsePath — ParsePath, паникующий при ошибке. Для констант в коде.
func MustParsePath(s string) Path {
	p, err := ParsePath(s)
	if err != nil {
		panic(err)
	}
	return p
}

// Get возвращает значение по пути
func Get(root *structpb.Value, path Path) (*structpb.Value, error) {
	cur := root
	for i, e := range path {
		next, err := child(cur, e)
		if err != nil {
			return nil, fmt.Errorf("%w: %s (шаг %d)", err, path, i)
		}
		cur = next
	}
	return cur, nil
}

func child(v *structpb.Value, e PathElem) (*structpb.Value, error) {
	if e.IsIndex {
		list := v.GetListValue()
		if list == nil {
			return nil, fmt.Errorf("%w: ожидался список", ErrInvalidPath)
		}
		if e.Index < 0 || e.Index >= len(list.Values) {
			return nil, fmt.Errorf("%w: индекс %d вне диапазона", ErrInvalidPath, e.Index)
		}
		return list.Values[e.Index], nil
	}
	obj := v.GetStructValue()
	if obj == nil {
		return nil, fmt.Errorf("%w: ожидался объект", ErrInvalidPath)
	}
	next, ok := obj.Fields[e.Key]
	if !ok {
		return nil, fmt.Errorf("%w: нет ключа %q", ErrInvalidPath, e.Key)
	}
	return next, nil
}

// Set записывает значение по пути. Недостающие промежуточные объекты
// создаются; индекс, равный длине списка, добавляет элемент в конец.
// Путь не может быть пустым: корень заменяется целиком вызывающим кодом.
func Set(root *structpb.Value, path Path, value *structpb.Value) error {
	if len(path) == 0 {
		return fmt.Errorf("%w: нельзя присвоить корень", ErrInvalidPath)
	}
	parent := root
	for i, e := range path[:len(path)-1] {
		next, err := child(parent, e)
		if err != nil {
			obj := parent.GetStructValue()
			if e.IsIndex || obj == nil {
				return fmt.Errorf("%w: %s (шаг %d)", err, path, i)
			}
			next = structpb.NewStructValue(&structpb.Struct{Fields: map[string]*structpb.Value{}})
			if obj.Fields == nil {
				obj.Fields = map[string]*structpb.Value{}
			}
			obj.Fields[e.Key] = next
		}
		parent = next
	}
	return setChild(parent, path[len(path)-1], value)
}

func setChild(parent *structpb.Value, e PathElem, value *structpb.Value) error {
	if e.IsIndex {
		list := parent.GetListValue()
		if list == nil {
			return fmt.Errorf("%w: ожидался список", ErrInvalidPath)
		}
		switch {
		case e.Index >= 0 && e.Index < len(list.Values):
			list.Values[e.Index] = value
		case e.Index == len(list.Values):
			list.Values = append(list.Values, value)
		default:
			return fmt.Errorf("%w: индекс %d вне диапазона", ErrInvalidPath, e.Index)
		}
		return nil
	}
	obj := parent.GetStructValue()
	if obj == nil {
		return fmt.Errorf("%w: ожидался объект", ErrInvalidPath)
	}
	if obj.Fields == nil {
		obj.Fields = map[string]*structpb.Value{}
	}
	obj.Fields[e.Key] = value
	return nil
}

// Delete удаляет ключ объекта или элемент списка (со сдвигом хвоста)
func Delete(root *structpb.Value, path Path) error {
	if len(path) == 0 {
		return fmt.Errorf("%w: нельзя удалить корень", ErrInvalidPath)
	}
	parent, err := Get(root, path[:len(path)-1])
	if err != nil {
		return err
	}
	return deleteChild(parent, path[len(path)-1])
}

func deleteChild(parent *structpb.Value, e PathElem) error {
	if e.IsIndex {
		list := parent.GetListValue()
		if list == nil {
			return fmt.Errorf("%w: ожидался список", ErrInvalidPath)
		}
		if e.Index < 0 || e.Index >= len(list.Values) {
			return fmt.Errorf("%w: индекс %d вне диапазона", ErrInvalidPath, e.Index)
		}
		list.Values = append(list.Values[:e.Index], list.Values[e.Index+1:]...)
		return nil
	}
	obj := parent.GetStructValue()
	if obj == nil {
		return fmt.Errorf("%w: ожидался объект", ErrInvalidPath)
	}
	if _, ok := obj.Fields[e.Key]; !ok {
		return fmt.Errorf("%w: нет ключа %q", ErrInvalidPath, e.Key)
	}
	delete(obj.Fields, e.Key)
	return nil
}
