package sharedobj

import (
	"time"

	"github.com/annel0/sharedobjects/internal/logging"
	"github.com/annel0/sharedobjects/internal/metrics"
	"github.com/benbjohnson/clock"
)

// DefaultTickInterval — период interest-трекера по умолчанию
const DefaultTickInterval = 1000 * time.Millisecond

type options struct {
	tickInterval time.Duration
	clock        clock.Clock
	metrics      *metrics.Collector
	onError      ErrorHandler
	logger       *logging.Logger
}

func defaultOptions() options {
	return options{
		tickInterval: DefaultTickInterval,
		clock:        clock.New(),
		logger:       logging.GetSyncLogger(),
	}
}

// Option настраивает Registry
type Option func(*options)

// WithTickInterval задает период interest-трекера. Значения <= 0 игнорируются.
func WithTickInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.tickInterval = d
		}
	}
}

// WithClock подменяет источник времени (в тестах — clock.NewMock())
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		if c != nil {
			o.clock = c
		}
	}
}

// WithMetrics подключает Prometheus-метрики
func WithMetrics(c *metrics.Collector) Option {
	return func(o *options) { o.metrics = c }
}

// WithErrorHandler задает получателя ошибок синхронизации
func WithErrorHandler(h ErrorHandler) Option {
	return func(o *options) { o.onError = h }
}

// WithLogger задает логгер компонента
func WithLogger(l *logging.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}
