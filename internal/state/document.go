package state

import (
	"google.golang.org/protobuf/types/known/structpb"
)

// Document — изменяемое дерево состояния с доступом по строковым путям
// ("a.b[2].c"). Не потокобезопасен: синхронизацию обеспечивает владелец.
type Document struct {
	root *structpb.Value
}

// NewDocument создает документ из копии root. nil — пустой объект.
func NewDocument(root *structpb.Value) *Document {
	if root == nil {
		return &Document{root: structpb.NewStructValue(&structpb.Struct{Fields: map[string]*structpb.Value{}})}
	}
	return &Document{root: Clone(root)}
}

// Root возвращает корень без копирования
func (d *Document) Root() *structpb.Value { return d.root }

// Snapshot возвращает глубокую копию корня
func (d *Document) Snapshot() *structpb.Value { return Clone(d.root) }

// Get возвращает копию значения по пути. Пустой путь — весь документ.
func (d *Document) Get(path string) (*structpb.Value, error) {
	p, err := ParsePath(path)
	if err != nil {
		return nil, err
	}
	v, err := Get(d.root, p)
	if err != nil {
		return nil, err
	}
	return Clone(v), nil
}

// Set присваивает значение по пути. value — любое значение, принимаемое FromGo.
// Пустой путь заменяет корень.
func (d *Document) Set(path string, value interface{}) error {
	p, err := ParsePath(path)
	if err != nil {
		return err
	}
	v, err := FromGo(value)
	if err != nil {
		return err
	}
	if len(p) == 0 {
		d.root = v
		return nil
	}
	return Set(d.root, p, v)
}

// Delete удаляет значение по пути
func (d *Document) Delete(path string) error {
	p, err := ParsePath(path)
	if err != nil {
		return err
	}
	return Delete(d.root, p)
}
