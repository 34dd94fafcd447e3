package metrics

import (
	"time"

	"github.com/annel0/sharedobjects/internal/logging"
	"github.com/annel0/sharedobjects/internal/transport"
	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
)

// StatsProvider — источник агрегированных метрик транспорта
type StatsProvider interface {
	Metrics() transport.Stats
}

// TransportExporter периодически переносит transport.Stats в Prometheus.
// Транспорт считает сам, экспортер только прибавляет дельты к Counter.
type TransportExporter struct {
	src   StatsProvider
	clock clock.Clock
	every time.Duration
	quit  chan struct{}
	done  chan struct{}

	published prometheus.Counter
	delivered prometheus.Counter
	dropped   prometheus.Counter
	slow      prometheus.Counter
	inflight  prometheus.Gauge

	prev transport.Stats
}

// NewTransportExporter создаёт экспортер и регистрирует метрики в reg
// (nil — глобальный регистр). Обновление запускается методом Start.
func NewTransportExporter(src StatsProvider, reg prometheus.Registerer, clk clock.Clock) *TransportExporter {
	if clk == nil {
		clk = clock.New()
	}
	te := &TransportExporter{
		src:   src,
		clock: clk,
		every: time.Second,
		quit:  make(chan struct{}),
		done:  make(chan struct{}),
		published: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sharedobj",
			Subsystem: "transport",
			Name:      "messages_published_total",
			Help:      "Общее число опубликованных сообщений.",
		}),
		delivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sharedobj",
			Subsystem: "transport",
			Name:      "messages_delivered_total",
			Help:      "Общее число доставленных сообщений подписчикам.",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sharedobj",
			Subsystem: "transport",
			Name:      "messages_dropped_total",
			Help:      "Сообщений, отброшенных из-за ошибок декодирования или переполнения.",
		}),
		slow: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sharedobj",
			Subsystem: "transport",
			Name:      "slow_consumers_total",
			Help:      "Эпизоды переполнения буфера подписки.",
		}),
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sharedobj",
			Subsystem: "transport",
			Name:      "messages_inflight",
			Help:      "Количество сообщений, находящихся в очереди (не доставленных).",
		}),
	}

	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(te.published, te.delivered, te.dropped, te.slow, te.inflight)
	return te
}

// Start запускает периодическое обновление. Метод неблокирующий.
func (te *TransportExporter) Start(every time.Duration) {
	if every > 0 {
		te.every = every
	}
	logging.Info("📈 Экспорт метрик транспорта каждые %v", te.every)
	go te.loop()
}

// Stop останавливает обновление и дожидается выхода горутины.
func (te *TransportExporter) Stop() {
	close(te.quit)
	<-te.done
}

func (te *TransportExporter) loop() {
	ticker := te.clock.Ticker(te.every)
	defer ticker.Stop()
	defer close(te.done)

	for {
		select {
		case <-ticker.C:
			te.Collect()
		case <-te.quit:
			return
		}
	}
}

// Collect выполняет одно обновление: для Counter прибавляется
// приращение с прошлого вызова.
func (te *TransportExporter) Collect() {
	stats := te.src.Metrics()

	if d := stats.Published - te.prev.Published; stats.Published > te.prev.Published {
		te.published.Add(float64(d))
	}
	if d := stats.Delivered - te.prev.Delivered; stats.Delivered > te.prev.Delivered {
		te.delivered.Add(float64(d))
	}
	if d := stats.Dropped - te.prev.Dropped; stats.Dropped > te.prev.Dropped {
		te.dropped.Add(float64(d))
	}
	if d := stats.SlowConsumers - te.prev.SlowConsumers; stats.SlowConsumers > te.prev.SlowConsumers {
		te.slow.Add(float64(d))
	}
	te.inflight.Set(float64(stats.InFlight))

	te.prev = stats
}
