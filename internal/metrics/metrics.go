// Package metrics содержит Prometheus-метрики синхронизации общих объектов.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collector инкапсулирует счетчики владельца и наблюдателя.
// Методы безопасны для nil-получателя: компоненты без метрик
// просто передают nil.
type Collector struct {
	objectsActive  *prometheus.GaugeVec
	mirrorsActive  *prometheus.GaugeVec
	trackedPeers   *prometheus.GaugeVec
	messagesSent   *prometheus.CounterVec
	messagesRecv   *prometheus.CounterVec
	updatesDropped *prometheus.CounterVec
	syncErrors     *prometheus.CounterVec
	ticksSkipped   *prometheus.CounterVec
	tickDuration   *prometheus.HistogramVec
	diffEdits      *prometheus.HistogramVec
}

// NewCollector создает метрики и регистрирует их в reg.
// reg == nil — регистрация в глобальном регистре Prometheus.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		objectsActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "sharedobj",
			Name:      "objects_active",
			Help:      "Количество живых объектов владельца.",
		}, []string{"namespace"}),
		mirrorsActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "sharedobj",
			Name:      "mirrors_active",
			Help:      "Количество зеркал у наблюдателя.",
		}, []string{"namespace"}),
		trackedPeers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "sharedobj",
			Name:      "tracked_peers",
			Help:      "Суммарное число отслеживаемых пиров по всем объектам.",
		}, []string{"namespace"}),
		messagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sharedobj",
			Name:      "messages_sent_total",
			Help:      "Сообщений, отправленных владельцем.",
		}, []string{"namespace", "kind"}),
		messagesRecv: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sharedobj",
			Name:      "messages_received_total",
			Help:      "Сообщений, обработанных наблюдателем.",
		}, []string{"namespace", "kind"}),
		updatesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sharedobj",
			Name:      "updates_dropped_total",
			Help:      "Update без предшествующего New, отброшенные наблюдателем.",
		}, []string{"namespace"}),
		syncErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sharedobj",
			Name:      "sync_errors_total",
			Help:      "Объекты, синхронизация которых прервана ошибкой.",
		}, []string{"namespace"}),
		ticksSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sharedobj",
			Name:      "ticks_skipped_total",
			Help:      "Тики, пропущенные из-за недоступного снимка позиций или паники.",
		}, []string{"namespace"}),
		tickDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "sharedobj",
			Name:      "tick_duration_seconds",
			Help:      "Длительность одного прохода interest-трекера.",
			Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"namespace"}),
		diffEdits: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "sharedobj",
			Name:      "diff_edits",
			Help:      "Количество правок в одном Update.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 8),
		}, []string{"namespace"}),
	}

	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(
		c.objectsActive, c.mirrorsActive, c.trackedPeers,
		c.messagesSent, c.messagesRecv, c.updatesDropped,
		c.syncErrors, c.ticksSkipped, c.tickDuration, c.diffEdits,
	)
	return c
}

// ObjectCreated увеличивает число живых объектов
func (c *Collector) ObjectCreated(ns string) {
	if c == nil {
		return
	}
	c.objectsActive.WithLabelValues(ns).Inc()
}

// ObjectDestroyed уменьшает число живых объектов
func (c *Collector) ObjectDestroyed(ns string) {
	if c == nil {
		return
	}
	c.objectsActive.WithLabelValues(ns).Dec()
}

// MirrorAdded / MirrorRemoved ведут число зеркал наблюдателя
func (c *Collector) MirrorAdded(ns string) {
	if c == nil {
		return
	}
	c.mirrorsActive.WithLabelValues(ns).Inc()
}

func (c *Collector) MirrorRemoved(ns string) {
	if c == nil {
		return
	}
	c.mirrorsActive.WithLabelValues(ns).Dec()
}

// TrackedDelta изменяет суммарное число отслеживаемых пиров
func (c *Collector) TrackedDelta(ns string, delta int) {
	if c == nil || delta == 0 {
		return
	}
	c.trackedPeers.WithLabelValues(ns).Add(float64(delta))
}

func (c *Collector) MessageSent(ns, kind string) {
	if c == nil {
		return
	}
	c.messagesSent.WithLabelValues(ns, kind).Inc()
}

func (c *Collector) MessageReceived(ns, kind string) {
	if c == nil {
		return
	}
	c.messagesRecv.WithLabelValues(ns, kind).Inc()
}

func (c *Collector) UpdateDropped(ns string) {
	if c == nil {
		return
	}
	c.updatesDropped.WithLabelValues(ns).Inc()
}

func (c *Collector) SyncError(ns string) {
	if c == nil {
		return
	}
	c.syncErrors.WithLabelValues(ns).Inc()
}

func (c *Collector) TickSkipped(ns string) {
	if c == nil {
		return
	}
	c.ticksSkipped.WithLabelValues(ns).Inc()
}

// ObserveTick записывает длительность прохода в секундах
func (c *Collector) ObserveTick(ns string, seconds float64) {
	if c == nil {
		return
	}
	c.tickDuration.WithLabelValues(ns).Observe(seconds)
}

// ObserveDiff записывает размер диффа
func (c *Collector) ObserveDiff(ns string, edits int) {
	if c == nil {
		return
	}
	c.diffEdits.WithLabelValues(ns).Observe(float64(edits))
}
