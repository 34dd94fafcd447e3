package protocol

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"google.golang.org/protobuf/types/known/structpb"
)

// Kind определяет тип сообщения разделяемого объекта
type Kind int32

// Значения совпадают с порядком New/Update/Delete на проводе
const (
	KindNew Kind = iota
	KindUpdate
	KindDelete
)

// ErrUnknownKind возвращается при разборе сообщения с неизвестным типом
var ErrUnknownKind = errors.New("protocol: unknown message kind")

func (k Kind) String() string {
	switch k {
	case KindNew:
		return "New"
	case KindUpdate:
		return "Update"
	case KindDelete:
		return "Delete"
	default:
		return fmt.Sprintf("Kind(%d)", int32(k))
	}
}

// Valid сообщает, что тип входит в протокол
func (k Kind) Valid() bool {
	return k >= KindNew && k <= KindDelete
}

// Broadcast — адресат "все наблюдатели пространства имен"
const Broadcast = "*"

// Message — единица передачи между владельцем и наблюдателями.
//
// Payload для New — полное состояние объекта, для Update — закодированный
// diff (state.EncodeDiff), для Delete — nil.
type Message struct {
	ID        string
	Namespace string
	Target    string
	ObjectID  string
	Kind      Kind
	Payload   *structpb.Value
	Timestamp time.Time
}

// NewMessage создает сообщение с новым ID и текущим временем (UTC)
func NewMessage(namespace, target, objectID string, kind Kind, payload *structpb.Value) *Message {
	return &Message{
		ID:        uuid.NewString(),
		Namespace: namespace,
		Target:    target,
		ObjectID:  objectID,
		Kind:      kind,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
}

// IsBroadcast сообщает, что сообщение адресовано всем наблюдателям
func (m *Message) IsBroadcast() bool {
	return m.Target == "" || m.Target == Broadcast
}

// Validate проверяет обязательные поля
func (m *Message) Validate() error {
	if m.Namespace == "" {
		return errors.New("protocol: пустое пространство имен")
	}
	if m.ObjectID == "" {
		return errors.New("protocol: пустой objectId")
	}
	if !m.Kind.Valid() {
		return fmt.Errorf("%w: %d", ErrUnknownKind, int32(m.Kind))
	}
	if m.Kind != KindDelete && m.Payload == nil {
		return fmt.Errorf("protocol: сообщение %s без полезной нагрузки", m.Kind)
	}
	return nil
}

func (m *Message) String() string {
	return fmt.Sprintf("%s[%s] ns=%s obj=%s → %s", m.Kind, m.ID, m.Namespace, m.ObjectID, m.Target)
}
