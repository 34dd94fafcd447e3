// Package app собирает компоненты процесса из конфигурации.
package app

import (
	"context"
	"fmt"

	"github.com/annel0/sharedobjects/internal/config"
	"github.com/annel0/sharedobjects/internal/logging"
	"github.com/annel0/sharedobjects/internal/protocol"
	"github.com/annel0/sharedobjects/internal/storage"
	"github.com/annel0/sharedobjects/internal/transport"
)

// NewCodec создает кодек кадров согласно sync.compression
func NewCodec(cfg *config.Config) (*protocol.Codec, error) {
	return protocol.NewCodec(cfg.Sync.Compression, cfg.Sync.GetCompressThreshold())
}

// NewTransport создает транспорт согласно transport.kind
func NewTransport(cfg *config.Config, codec *protocol.Codec) (transport.Transport, error) {
	switch kind := cfg.Transport.GetKind(); kind {
	case "memory":
		logging.Info("📦 Транспорт: in-memory")
		return transport.NewMemoryTransport(codec)
	case "nats":
		return transport.NewNATSTransport(transport.NATSConfig{
			URL:           cfg.Transport.GetNATSURL(),
			SubjectPrefix: cfg.Transport.GetSubjectPrefix(),
			QueueSize:     cfg.Transport.QueueSize,
		}, codec)
	default:
		return nil, fmt.Errorf("app: неизвестный транспорт %q", kind)
	}
}

// NewPositionRepo создает хранилище позиций согласно positions.kind
func NewPositionRepo(ctx context.Context, cfg *config.Config) (storage.PositionRepo, error) {
	pc := cfg.Positions
	switch kind := pc.GetKind(); kind {
	case "memory":
		logging.Info("📦 Позиции: in-memory")
		return storage.NewMemoryPositionRepo(storage.WithMaxAge(pc.GetMaxAge())), nil
	case "redis":
		return storage.NewRedisPositionRepo(ctx, &storage.RedisConfig{
			Addr:      pc.GetRedisAddr(),
			Password:  pc.RedisPassword,
			DB:        pc.RedisDB,
			KeyPrefix: pc.GetRedisPrefix(),
			MaxAge:    pc.GetMaxAge(),
		})
	case "maria":
		logging.Info("📦 Позиции: MariaDB")
		return storage.NewMariaPositionRepo(ctx, pc.GetMariaDSN(), pc.GetMaxAge())
	case "mongo":
		logging.Info("📦 Позиции: MongoDB")
		return storage.NewMongoPositionRepo(ctx, storage.MongoConfig{
			URI:         pc.GetMongoURI(),
			Database:    pc.MongoDatabase,
			MaxAge:      pc.GetMaxAge(),
			ExpireAfter: 10 * pc.GetMaxAge(),
		})
	default:
		return nil, fmt.Errorf("app: неизвестное хранилище позиций %q", kind)
	}
}

// ConfigureLogging применяет секцию logging
func ConfigureLogging(cfg *config.Config) error {
	level, err := logging.ParseLevel(cfg.Logging.GetLevel())
	if err != nil {
		return err
	}
	logging.Configure(logging.Options{Level: level, Dir: cfg.Logging.GetDir()})
	return nil
}
