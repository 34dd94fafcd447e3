package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/annel0/sharedobjects/internal/logging"
	"github.com/annel0/sharedobjects/internal/vec"
	"github.com/go-redis/redis/v8"
)

// RedisPositionRepo хранит позиции пиров в хеше Redis.
// Позволяет нескольким процессам (шлюзам соединений) публиковать позиции,
// а владельцу пространства имен читать общий снимок одним HGETALL.
type RedisPositionRepo struct {
	client *redis.Client
	key    string
	maxAge time.Duration
	now    func() time.Time
}

// redisPosition — запись в хеше
type redisPosition struct {
	Position  vec.Vec3  `json:"position"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RedisConfig содержит настройки подключения к Redis
type RedisConfig struct {
	Addr      string        `yaml:"addr"`       // Адрес Redis сервера
	Password  string        `yaml:"password"`   // Пароль (пустой если не требуется)
	DB        int           `yaml:"db"`         // Номер базы данных
	KeyPrefix string        `yaml:"key_prefix"` // Префикс для ключей
	MaxAge    time.Duration `yaml:"max_age"`    // Возраст, после которого позиция устарела
}

// DefaultRedisConfig возвращает конфигурацию по умолчанию
func DefaultRedisConfig() *RedisConfig {
	return &RedisConfig{
		Addr:      "localhost:6379",
		KeyPrefix: "sharedobj:pos:",
		MaxAge:    5 * time.Second,
	}
}

// NewRedisPositionRepo создаёт новый Redis репозиторий для позиций
func NewRedisPositionRepo(ctx context.Context, config *RedisConfig) (*RedisPositionRepo, error) {
	if config == nil {
		config = DefaultRedisConfig()
	}

	client := redis.NewClient(&redis.Options{
		Addr:     config.Addr,
		Password: config.Password,
		DB:       config.DB,
	})

	// Проверяем подключение
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logging.GetStorageLogger().Info("🔴 Connected to Redis at %s", config.Addr)
	return newRedisPositionRepo(client, config), nil
}

func newRedisPositionRepo(client *redis.Client, config *RedisConfig) *RedisPositionRepo {
	return &RedisPositionRepo{
		client: client,
		key:    config.KeyPrefix + "peers",
		maxAge: config.MaxAge,
		now:    time.Now,
	}
}

// Save сохраняет позицию пира
func (r *RedisPositionRepo) Save(ctx context.Context, peerID string, pos vec.Vec3) error {
	if err := validatePosition(peerID, pos); err != nil {
		return err
	}
	data, err := json.Marshal(redisPosition{Position: pos, UpdatedAt: r.now().UTC()})
	if err != nil {
		return fmt.Errorf("failed to marshal position: %w", err)
	}
	if err := r.client.HSet(ctx, r.key, peerID, data).Err(); err != nil {
		return fmt.Errorf("failed to save position: %w", err)
	}
	return nil
}

// Load получает позицию пира
func (r *RedisPositionRepo) Load(ctx context.Context, peerID string) (vec.Vec3, bool, error) {
	if peerID == "" {
		return vec.Vec3{}, false, ErrInvalidPeerID
	}
	data, err := r.client.HGet(ctx, r.key, peerID).Result()
	if err == redis.Nil {
		return vec.Vec3{}, false, nil // Позиция не найдена
	} else if err != nil {
		return vec.Vec3{}, false, fmt.Errorf("failed to get position: %w", err)
	}

	p, ok := r.decode(peerID, data)
	if !ok || !p.Known {
		return vec.Vec3{}, false, nil
	}
	return p.Position, true, nil
}

// Delete удаляет пира
func (r *RedisPositionRepo) Delete(ctx context.Context, peerID string) error {
	if peerID == "" {
		return ErrInvalidPeerID
	}
	if err := r.client.HDel(ctx, r.key, peerID).Err(); err != nil {
		return fmt.Errorf("failed to delete position: %w", err)
	}
	return nil
}

// BatchSave записывает позиции одним HSET
func (r *RedisPositionRepo) BatchSave(ctx context.Context, positions map[string]vec.Vec3) error {
	if len(positions) == 0 {
		return nil
	}
	now := r.now().UTC()
	values := make(map[string]interface{}, len(positions))
	for peerID, pos := range positions {
		if err := validatePosition(peerID, pos); err != nil {
			return fmt.Errorf("batch %q: %w", peerID, err)
		}
		data, err := json.Marshal(redisPosition{Position: pos, UpdatedAt: now})
		if err != nil {
			return fmt.Errorf("failed to marshal position for %s: %w", peerID, err)
		}
		values[peerID] = data
	}
	if err := r.client.HSet(ctx, r.key, values).Err(); err != nil {
		return fmt.Errorf("failed to execute batch: %w", err)
	}
	return nil
}

// Snapshot читает весь хеш. Нечитаемые и устаревшие записи возвращаются
// с Known == false, а не ошибкой.
func (r *RedisPositionRepo) Snapshot(ctx context.Context) ([]PeerPosition, error) {
	all, err := r.client.HGetAll(ctx, r.key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get positions: %w", err)
	}

	result := make([]PeerPosition, 0, len(all))
	for peerID, data := range all {
		p, _ := r.decode(peerID, data)
		result = append(result, p)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].PeerID < result[j].PeerID })
	return result, nil
}

// decode разбирает запись; при ошибке возвращает пира с неизвестной позицией
func (r *RedisPositionRepo) decode(peerID, data string) (PeerPosition, bool) {
	var rp redisPosition
	if err := json.Unmarshal([]byte(data), &rp); err != nil {
		logging.GetStorageLogger().Warn("⚠️ Failed to unmarshal position for %s: %v", peerID, err)
		return PeerPosition{PeerID: peerID}, false
	}
	return PeerPosition{
		PeerID:    peerID,
		Position:  rp.Position,
		Known:     rp.Position.IsFinite() && !isStale(rp.UpdatedAt, r.now(), r.maxAge),
		UpdatedAt: rp.UpdatedAt,
	}, true
}

// Count возвращает количество пиров в хеше
func (r *RedisPositionRepo) Count(ctx context.Context) (int64, error) {
	return r.client.HLen(ctx, r.key).Result()
}

// Close закрывает соединение с Redis
func (r *RedisPositionRepo) Close() error {
	return r.client.Close()
}
