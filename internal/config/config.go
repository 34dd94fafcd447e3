package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config корневая структура конфигурации приложения.
// Нулевые значения полей означают «взять из окружения или по умолчанию»:
// используйте геттеры GetXxx, а не поля напрямую.
type Config struct {
	Sync      SyncConfig      `yaml:"sync"`
	Transport TransportConfig `yaml:"transport"`
	Positions PositionsConfig `yaml:"positions"`
	Server    ServerConfig    `yaml:"server"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type SyncConfig struct {
	Namespace         string `yaml:"namespace"`
	TickIntervalMs    int    `yaml:"tick_interval_ms"`
	Compression       bool   `yaml:"compression"`
	CompressThreshold int    `yaml:"compress_threshold"`
}

type TransportConfig struct {
	Kind          string `yaml:"kind"` // memory | nats
	NATSURL       string `yaml:"nats_url"`
	SubjectPrefix string `yaml:"subject_prefix"`
	QueueSize     int    `yaml:"queue_size"` // буфер подписки NATS, 0 — 1024
}

type PositionsConfig struct {
	Kind          string `yaml:"kind"` // memory | redis | maria | mongo
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	RedisPrefix   string `yaml:"redis_prefix"`
	MaxAgeMs      int    `yaml:"max_age_ms"`
	CacheMs       int    `yaml:"snapshot_cache_ms"`
	MariaDSN      string `yaml:"maria_dsn"`
	MongoURI      string `yaml:"mongo_uri"`
	MongoDatabase string `yaml:"mongo_database"`
}

type ServerConfig struct {
	APIPort        int  `yaml:"api_port"`
	MetricsEnabled bool `yaml:"metrics_enabled"`
}

type TelemetryConfig struct {
	Enabled     bool   `yaml:"enabled"`
	ServiceName string `yaml:"service_name"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	Dir   string `yaml:"dir"`
}

// Default возвращает конфигурацию без файла: всё из окружения и значений по умолчанию.
func Default() *Config {
	return &Config{Server: ServerConfig{MetricsEnabled: true}}
}

// GetNamespace возвращает имя пространства имен
func (s *SyncConfig) GetNamespace() string {
	return getStringWithEnvFallback(s.Namespace, "SHAREDOBJ_NAMESPACE", "world")
}

// GetTickInterval возвращает период interest-трекера
func (s *SyncConfig) GetTickInterval() time.Duration {
	return time.Duration(getIntWithEnvFallback(s.TickIntervalMs, "SHAREDOBJ_TICK_MS", 1000)) * time.Millisecond
}

// GetCompressThreshold возвращает порог сжатия кадров
func (s *SyncConfig) GetCompressThreshold() int {
	return getIntWithEnvFallback(s.CompressThreshold, "SHAREDOBJ_COMPRESS_THRESHOLD", 512)
}

// GetKind возвращает тип транспорта
func (t *TransportConfig) GetKind() string {
	return getStringWithEnvFallback(t.Kind, "SHAREDOBJ_TRANSPORT", "memory")
}

// GetNATSURL возвращает адрес NATS
func (t *TransportConfig) GetNATSURL() string {
	return getStringWithEnvFallback(t.NATSURL, "NATS_URL", "nats://127.0.0.1:4222")
}

// GetSubjectPrefix возвращает префикс subject NATS
func (t *TransportConfig) GetSubjectPrefix() string {
	return getStringWithEnvFallback(t.SubjectPrefix, "SHAREDOBJ_SUBJECT_PREFIX", "sharedobj")
}

// GetKind возвращает тип хранилища позиций
func (p *PositionsConfig) GetKind() string {
	return getStringWithEnvFallback(p.Kind, "SHAREDOBJ_POSITIONS", "memory")
}

// GetRedisAddr возвращает адрес Redis
func (p *PositionsConfig) GetRedisAddr() string {
	return getStringWithEnvFallback(p.RedisAddr, "REDIS_ADDR", "localhost:6379")
}

// GetRedisPrefix возвращает префикс ключей Redis
func (p *PositionsConfig) GetRedisPrefix() string {
	return getStringWithEnvFallback(p.RedisPrefix, "SHAREDOBJ_REDIS_PREFIX", "sharedobj:pos:")
}

// GetMaxAge возвращает возраст, после которого позиция считается устаревшей
func (p *PositionsConfig) GetMaxAge() time.Duration {
	return time.Duration(getIntWithEnvFallback(p.MaxAgeMs, "SHAREDOBJ_POSITION_MAX_AGE_MS", 5000)) * time.Millisecond
}

// GetSnapshotCacheTTL возвращает время жизни общего снимка позиций
func (p *PositionsConfig) GetSnapshotCacheTTL() time.Duration {
	return time.Duration(getIntWithEnvFallback(p.CacheMs, "SHAREDOBJ_SNAPSHOT_CACHE_MS", 100)) * time.Millisecond
}

// GetMariaDSN возвращает строку подключения к MariaDB
func (p *PositionsConfig) GetMariaDSN() string {
	return getStringWithEnvFallback(p.MariaDSN, "MARIA_DSN", "sharedobj:sharedobj@tcp(127.0.0.1:3306)/sharedobj?parseTime=true")
}

// GetMongoURI возвращает адрес MongoDB
func (p *PositionsConfig) GetMongoURI() string {
	return getStringWithEnvFallback(p.MongoURI, "MONGO_URI", "mongodb://localhost:27017")
}

// GetAPIPort возвращает порт HTTP API с поддержкой fallback значений
func (s *ServerConfig) GetAPIPort() int {
	return getIntWithEnvFallback(s.APIPort, "SHAREDOBJ_API_PORT", 8088)
}

// GetServiceName возвращает имя сервиса для трассировки
func (t *TelemetryConfig) GetServiceName() string {
	return getStringWithEnvFallback(t.ServiceName, "OTEL_SERVICE_NAME", "sharedobjects")
}

// GetLevel возвращает уровень логирования
func (l *LoggingConfig) GetLevel() string {
	return getStringWithEnvFallback(l.Level, "SHAREDOBJ_LOG_LEVEL", "INFO")
}

// GetDir возвращает каталог файловых логов ("" — только консоль)
func (l *LoggingConfig) GetDir() string {
	return getStringWithEnvFallback(l.Dir, "SHAREDOBJ_LOG_DIR", "")
}

// getIntWithEnvFallback возвращает значение с приоритетом: config -> env -> default
func getIntWithEnvFallback(configValue int, envVar string, defaultValue int) int {
	// Если значение задано в конфиге и больше 0, используем его
	if configValue > 0 {
		return configValue
	}

	// Пробуем прочитать из environment variable
	if envVal := os.Getenv(envVar); envVal != "" {
		if v, err := strconv.Atoi(envVal); err == nil && v > 0 {
			return v
		}
	}

	// Используем дефолтное значение
	return defaultValue
}

// getStringWithEnvFallback — строковый вариант getIntWithEnvFallback
func getStringWithEnvFallback(configValue, envVar, defaultValue string) string {
	if configValue != "" {
		return configValue
	}
	if envVal := os.Getenv(envVar); envVal != "" {
		return envVal
	}
	return defaultValue
}

// Load читает YAML файл конфигурации.
// Если path == "", пытается прочитать из ENV SHAREDOBJ_CONFIG, а при его
// отсутствии возвращает Default().
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("SHAREDOBJ_CONFIG")
		if path == "" {
			return Default(), nil // конфиг не задан — использовать дефолты
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}

	return cfg, nil
}
