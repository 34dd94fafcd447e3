package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/annel0/sharedobjects/internal/vec"
	_ "github.com/go-sql-driver/mysql"
)

// MariaPositionRepo реализует PositionRepo для базы данных MariaDB/MySQL.
// Использует таблицу peer_positions; подходит, когда позиции пишет
// внешний игровой сервер, а владелец объектов только читает снимки.
type MariaPositionRepo struct {
	db     *sql.DB
	maxAge time.Duration
}

// NewMariaPositionRepo создает новый репозиторий позиций для MariaDB.
// Автоматически создает таблицу, если она не существует.
//
// Параметры:
//
//	dsn - строка подключения к базе данных (user:pass@tcp(host:port)/dbname?parseTime=true)
//	maxAge - возраст, после которого позиция считается устаревшей (0 — без проверки)
func NewMariaPositionRepo(ctx context.Context, dsn string, maxAge time.Duration) (*MariaPositionRepo, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("не удалось подключиться к MariaDB: %w", err)
	}

	// Проверяем соединение
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("не удалось проверить соединение с MariaDB: %w", err)
	}

	repo := &MariaPositionRepo{db: db, maxAge: maxAge}

	if err := repo.createTable(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("не удалось создать таблицу: %w", err)
	}

	return repo, nil
}

// createTable создает таблицу peer_positions, если она не существует.
func (r *MariaPositionRepo) createTable(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS peer_positions (
			peer_id    VARCHAR(191) PRIMARY KEY,
			x          DOUBLE       NOT NULL,
			y          DOUBLE       NOT NULL,
			z          DOUBLE       NOT NULL,
			updated_at TIMESTAMP(3) NOT NULL DEFAULT CURRENT_TIMESTAMP(3)
			           ON UPDATE    CURRENT_TIMESTAMP(3)
		) ENGINE=InnoDB
	`

	if _, err := r.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("ошибка создания таблицы peer_positions: %w", err)
	}
	return nil
}

const upsertPositionQuery = `
	INSERT INTO peer_positions (peer_id, x, y, z, updated_at)
	VALUES (?, ?, ?, ?, ?)
	ON DUPLICATE KEY UPDATE
		x = VALUES(x),
		y = VALUES(y),
		z = VALUES(z),
		updated_at = VALUES(updated_at)
`

// Save сохраняет позицию пира.
func (r *MariaPositionRepo) Save(ctx context.Context, peerID string, pos vec.Vec3) error {
	if err := validatePosition(peerID, pos); err != nil {
		return err
	}

	_, err := r.db.ExecContext(ctx, upsertPositionQuery, peerID, pos.X, pos.Y, pos.Z, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("ошибка сохранения позиции для пира %s: %w", peerID, err)
	}
	return nil
}

// Load загружает позицию пира.
func (r *MariaPositionRepo) Load(ctx context.Context, peerID string) (vec.Vec3, bool, error) {
	if peerID == "" {
		return vec.Vec3{}, false, ErrInvalidPeerID
	}

	var (
		pos       vec.Vec3
		updatedAt time.Time
	)
	err := r.db.QueryRowContext(ctx,
		`SELECT x, y, z, updated_at FROM peer_positions WHERE peer_id = ?`, peerID,
	).Scan(&pos.X, &pos.Y, &pos.Z, &updatedAt)

	if err == sql.ErrNoRows {
		return vec.Vec3{}, false, nil
	}
	if err != nil {
		return vec.Vec3{}, false, fmt.Errorf("ошибка загрузки позиции для пира %s: %w", peerID, err)
	}
	if isStale(updatedAt, time.Now(), r.maxAge) {
		return vec.Vec3{}, false, nil
	}
	return pos, true, nil
}

// Delete удаляет пира.
func (r *MariaPositionRepo) Delete(ctx context.Context, peerID string) error {
	if peerID == "" {
		return ErrInvalidPeerID
	}
	if _, err := r.db.ExecContext(ctx, `DELETE FROM peer_positions WHERE peer_id = ?`, peerID); err != nil {
		return fmt.Errorf("ошибка удаления позиции для пира %s: %w", peerID, err)
	}
	return nil
}

// BatchSave сохраняет позиции нескольких пиров в одной транзакции.
func (r *MariaPositionRepo) BatchSave(ctx context.Context, positions map[string]vec.Vec3) error {
	if len(positions) == 0 {
		return nil // Нечего сохранять
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("ошибка начала транзакции: %w", err)
	}
	defer tx.Rollback() // Откат в случае ошибки

	stmt, err := tx.PrepareContext(ctx, upsertPositionQuery)
	if err != nil {
		return fmt.Errorf("ошибка подготовки запроса: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for peerID, pos := range positions {
		if err := validatePosition(peerID, pos); err != nil {
			return fmt.Errorf("batch %q: %w", peerID, err)
		}
		if _, err := stmt.ExecContext(ctx, peerID, pos.X, pos.Y, pos.Z, now); err != nil {
			return fmt.Errorf("ошибка сохранения позиции для пира %s в batch: %w", peerID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("ошибка фиксации транзакции: %w", err)
	}
	return nil
}

// Snapshot читает всех пиров из таблицы
func (r *MariaPositionRepo) Snapshot(ctx context.Context) ([]PeerPosition, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT peer_id, x, y, z, updated_at FROM peer_positions ORDER BY peer_id`)
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения позиций: %w", err)
	}
	defer rows.Close()

	now := time.Now()
	var result []PeerPosition
	for rows.Next() {
		var p PeerPosition
		if err := rows.Scan(&p.PeerID, &p.Position.X, &p.Position.Y, &p.Position.Z, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("ошибка чтения строки позиции: %w", err)
		}
		p.Known = !isStale(p.UpdatedAt, now, r.maxAge)
		result = append(result, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ошибка чтения позиций: %w", err)
	}
	return result, nil
}

// Close закрывает соединение с базой данных.
func (r *MariaPositionRepo) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}
