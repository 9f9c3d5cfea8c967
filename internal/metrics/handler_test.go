package metrics

import (
	"testing"
	"time"

	"pricewatch/logger"
)

func resetHandlers() {
	handlersMu.Lock()
	handlers = make(map[MetricHandlerID]MetricHandler)
	nextHandlerID = 0
	handlersMu.Unlock()
}

func TestRegisterMetricHandlerReturnsUniqueIDs(t *testing.T) {
	resetHandlers()

	id := RegisterMetricHandler(func(Metric) {})
	second := RegisterMetricHandler(func(Metric) {})
	if id == 0 || second == 0 || id == second {
		t.Fatalf("ids not unique: %d %d", id, second)
	}
	if RegisterMetricHandler(nil) != 0 {
		t.Fatalf("nil handler should get id 0")
	}
}

func TestEmitMetricDispatchesToHandlers(t *testing.T) {
	resetHandlers()

	events := make(chan Metric, 1)
	id := RegisterMetricHandler(func(m Metric) { events <- m })
	t.Cleanup(func() { UnregisterMetricHandler(id) })

	fields := logger.Fields{"group": "rtx5080"}
	EmitMetric(logger.Logger(), "pipeline", "products_failed", 2, "", fields)

	select {
	case m := <-events:
		if m.Component != "pipeline" || m.Name != "products_failed" || m.Type != "counter" {
			t.Fatalf("unexpected metric: %+v", m)
		}
		if _, ok := m.Fields["metric"]; ok {
			t.Fatalf("metric fields should not carry log keys: %v", m.Fields)
		}
		m.Fields["mutated"] = true
		if _, ok := fields["mutated"]; ok {
			t.Fatalf("handler shares caller's field map")
		}
	case <-time.After(50 * time.Millisecond):
		t.Fatal("metric handler not invoked")
	}
}

func TestEmitMetricWithoutName(t *testing.T) {
	resetHandlers()

	called := false
	id := RegisterMetricHandler(func(Metric) { called = true })
	t.Cleanup(func() { UnregisterMetricHandler(id) })

	EmitMetric(nil, "pipeline", "", 1, "counter", nil)
	if called {
		t.Fatal("handler should not receive metrics without a name")
	}
}

func TestUnregisterMetricHandler(t *testing.T) {
	resetHandlers()

	calls := 0
	id := RegisterMetricHandler(func(Metric) { calls++ })
	UnregisterMetricHandler(id)
	EmitMetric(nil, "pipeline", "x", 1, "", nil)
	if calls != 0 {
		t.Fatalf("unregistered handler called %d times", calls)
	}
}
