package sharedobj

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/annel0/sharedobjects/internal/metrics"
	"github.com/annel0/sharedobjects/internal/protocol"
	"github.com/annel0/sharedobjects/internal/storage"
	"github.com/annel0/sharedobjects/internal/transport"
	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

// recordingTransport синхронно запоминает отправленные сообщения
type recordingTransport struct {
	mu   sync.Mutex
	sent []*protocol.Message
	fail func(*protocol.Message) error
}

func (rt *recordingTransport) Send(_ context.Context, msg *protocol.Message) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.fail != nil {
		if err := rt.fail(msg); err != nil {
			return err
		}
	}
	rt.sent = append(rt.sent, msg)
	return nil
}

func (rt *recordingTransport) Subscribe(context.Context, string, string, transport.Handler) (transport.Subscription, error) {
	return nil, errors.New("recording transport: subscribe not supported")
}

func (rt *recordingTransport) Metrics() transport.Stats { return transport.Stats{} }
func (rt *recordingTransport) Close() error { return nil }

// take возвращает и очищает накопленные сообщения
func (rt *recordingTransport) take() []*protocol.Message {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	out := rt.sent
	rt.sent = nil
	return out
}

func (rt *recordingTransport) setFail(f func(*protocol.Message) error) {
	rt.mu.Lock()
	rt.fail = f
	rt.mu.Unlock()
}

type positionsFunc func(ctx context.Context) ([]storage.PeerPosition, error)

func (f positionsFunc) Snapshot(ctx context.Context) ([]storage.PeerPosition, error) { return f(ctx) }

type fixture struct {
	reg       *Registry
	clock     *clock.Mock
	positions *storage.MemoryPositionRepo
	promReg   *prometheus.Registry
}

func newFixture(t *testing.T, tr transport.Transport, opts ...Option) *fixture {
	t.Helper()
	mock := clock.NewMock()
	promReg := prometheus.NewRegistry()
	positions := storage.NewMemoryPositionRepo(storage.WithClock(mock))

	all := append([]Option{
		WithClock(mock),
		WithTickInterval(time.Second),
		WithMetrics(metrics.NewCollector(promReg)),
	}, opts...)
	reg, err := NewRegistry(tr, positions, all...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Close(context.Background()) })

	return &fixture{reg: reg, clock: mock, positions: positions, promReg: promReg}
}

// metricValue суммирует значения метрики по всем меткам
func metricValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	var total float64
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, m := range f.GetMetric() {
			switch {
			case m.GetCounter() != nil:
				total += m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				total += m.GetGauge().GetValue()
			}
		}
	}
	return total
}

func kinds(msgs []*protocol.Message) []protocol.Kind {
	out := make([]protocol.Kind, len(msgs))
	for i, m := range msgs {
		out[i] = m.Kind
	}
	return out
}

func targets(msgs []*protocol.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Target
	}
	return out
}
