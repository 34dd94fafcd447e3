package storage

import (
	"context"
	"errors"
	"time"

	"github.com/annel0/sharedobjects/internal/vec"
)

// ErrInvalidPeerID возвращается для пустого идентификатора пира
var ErrInvalidPeerID = errors.New("storage: invalid peer id")

// PeerPosition — позиция подключенного пира на момент снимка.
// Known == false означает, что позиция сейчас недоступна (нет данных
// или они устарели); такой пир считается находящимся вне радиуса.
type PeerPosition struct {
	PeerID    string
	Position  vec.Vec3
	Known     bool
	UpdatedAt time.Time
}

// PositionSource — источник состояния мира для interest-трекера.
type PositionSource interface {
	// Snapshot возвращает всех подключенных пиров с позициями на момент вызова.
	// Ошибка означает, что снимок целиком недоступен.
	Snapshot(ctx context.Context) ([]PeerPosition, error)
}

// PositionRepo определяет интерфейс для сохранения позиций пиров.
// Позиции привязаны к идентификатору соединения и живут, пока пир подключен.
type PositionRepo interface {
	PositionSource

	// Save сохраняет позицию пира.
	Save(ctx context.Context, peerID string, pos vec.Vec3) error

	// Load загружает позицию пира.
	// Возвращает:
	//   vec.Vec3 - позиция пира
	//   bool - true если позиция найдена и не устарела
	//   error - ошибка при загрузке
	Load(ctx context.Context, peerID string) (vec.Vec3, bool, error)

	// Delete удаляет пира (отключение). Отсутствующий пир не ошибка.
	Delete(ctx context.Context, peerID string) error

	// BatchSave сохраняет позиции нескольких пиров одновременно.
	BatchSave(ctx context.Context, positions map[string]vec.Vec3) error

	// Close освобождает соединения хранилища.
	Close() error
}

// validatePosition проверяет входные данные перед сохранением
func validatePosition(peerID string, pos vec.Vec3) error {
	if peerID == "" {
		return ErrInvalidPeerID
	}
	if !pos.IsFinite() {
		return errors.New("storage: позиция содержит NaN или Inf")
	}
	return nil
}

// isStale сообщает, что отметка времени старше maxAge. maxAge <= 0 отключает проверку.
func isStale(updatedAt, now time.Time, maxAge time.Duration) bool {
	return maxAge > 0 && now.Sub(updatedAt) > maxAge
}
