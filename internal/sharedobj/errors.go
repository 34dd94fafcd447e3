package sharedobj

import "errors"

var (
	// ErrObjectExists — объект с таким id уже есть в пространстве имен владельца
	ErrObjectExists = errors.New("sharedobj: object already exists")
	// ErrObjectNotFound — объект не найден
	ErrObjectNotFound = errors.New("sharedobj: object not found")
	// ErrObjectDestroyed — операция над уничтоженным объектом
	ErrObjectDestroyed = errors.New("sharedobj: object destroyed")
	// ErrInvalidObjectID — пустой идентификатор объекта
	ErrInvalidObjectID = errors.New("sharedobj: invalid object id")
	// ErrInvalidRadius — радиус не положительный или не конечный
	ErrInvalidRadius = errors.New("sharedobj: invalid radius")
	// ErrInvalidLocation — координаты содержат NaN или Inf
	ErrInvalidLocation = errors.New("sharedobj: invalid location")
	// ErrNamespaceClosed — пространство имен или реестр закрыты
	ErrNamespaceClosed = errors.New("sharedobj: namespace closed")
	// ErrAlreadyListening — Listen уже вызывался для этого наблюдателя
	ErrAlreadyListening = errors.New("sharedobj: already listening")
	// ErrSyncBroken — синхронизация объекта прервана ошибкой, объект больше ничего не отправляет
	ErrSyncBroken = errors.New("sharedobj: sync broken")
	// ErrNoPositionSource — реестр создан без источника позиций, владелец невозможен
	ErrNoPositionSource = errors.New("sharedobj: no position source")
)

// ErrorHandler получает ошибки синхронизации конкретного объекта.
// Вызывается под блокировкой объекта: обработчик не должен обращаться к нему.
type ErrorHandler func(namespace, objectID string, err error)
