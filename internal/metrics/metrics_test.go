package metrics

import (
	"io"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCollector(t *testing.T) {
	collector := NewCollector(prometheus.NewRegistry())

	assert.NotNil(t, collector, "NewCollector should return a non-nil collector")
	assert.NotNil(t, collector.commands, "commands counter should be initialized")
	assert.NotNil(t, collector.latency, "latency histogram should be initialized")
	assert.NotNil(t, collector.modules, "modules gauge should be initialized")
}

func TestObserveCommand(t *testing.T) {
	collector := NewCollector(prometheus.NewRegistry())

	collector.ObserveCommand("sent", 0)
	collector.ObserveCommand("success", 20*time.Millisecond)
	collector.ObserveCommand("success", 30*time.Millisecond)
	collector.ObserveCommand("timeout", 0)

	assert.Equal(t, 1.0, testutil.ToFloat64(collector.commands.WithLabelValues("sent")))
	assert.Equal(t, 2.0, testutil.ToFloat64(collector.commands.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.commands.WithLabelValues("timeout")))
	assert.Equal(t, 1, testutil.CollectAndCount(collector.latency))
}

func TestSetModules(t *testing.T) {
	collector := NewCollector(prometheus.NewRegistry())

	collector.SetModules(map[string]int{"started": 3, "stopped": 1}, 2)
	assert.Equal(t, 3.0, testutil.ToFloat64(collector.modules.WithLabelValues("started")))
	assert.Equal(t, 2.0, testutil.ToFloat64(collector.connected))

	// states that disappear are removed
	collector.SetModules(map[string]int{"started": 4}, 4)
	assert.Equal(t, 1, testutil.CollectAndCount(collector.modules))
}

func TestEscalationsAndErrors(t *testing.T) {
	collector := NewCollector(prometheus.NewRegistry())

	collector.RecordEscalation("trace")
	collector.RecordEscalation("trace")
	collector.RecordEscalation("interrupt")
	collector.RecordError()

	assert.Equal(t, 2.0, testutil.ToFloat64(collector.escalations.WithLabelValues("trace")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.escalations.WithLabelValues("interrupt")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.errors))
}

func TestMetricMethodsWithNilCollector(t *testing.T) {
	var collector *Collector
	assert.NotPanics(t, func() {
		collector.ObserveCommand("success", time.Second)
		collector.RecordEscalation("fatal")
		collector.RecordError()
		collector.SetModules(map[string]int{"started": 1}, 1)
		collector.SetReactorPending("reactor-0", 4)
		collector.SetBootTime(time.Second)
	})
}

func TestCollectorIsolation(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.NotNil(t, NewCollector(reg))

	// a second collector on the same registry is a duplicate registration
	assert.Panics(t, func() { NewCollector(reg) })
	assert.NotPanics(t, func() { NewCollector(prometheus.NewRegistry()) })
}

func TestConcurrentMetricUpdates(t *testing.T) {
	collector := NewCollector(nil)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			collector.ObserveCommand("sent", 0)
			collector.ObserveCommand("success", time.Millisecond)
			collector.SetReactorPending("reactor-0", 1)
		}()
	}
	wg.Wait()

	assert.Equal(t, 50.0, testutil.ToFloat64(collector.commands.WithLabelValues("sent")))
}

func TestHandlerExposesMetrics(t *testing.T) {
	collector := NewCollector(nil)
	collector.SetBootTime(1500 * time.Millisecond)

	rec := httptest.NewRecorder()
	collector.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "engine_boot_seconds 1.5")
}
