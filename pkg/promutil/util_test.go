package promutil

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestNewFactory(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	f := NewFactory(r, "worker-w1", MetricPrefix, prometheus.Labels{ConstLabelWorkerKey: "w1"})
	require.Equal(t, &wrappingFactory{
		r:      r,
		owner:  "worker-w1",
		prefix: MetricPrefix,
		constLabels: prometheus.Labels{
			ConstLabelWorkerKey: "w1",
		},
	}, f)

	counter := f.NewCounter(prometheus.CounterOpts{
		Subsystem: "worker",
		Name:      "frames_total",
	})
	counter.Add(3)
	require.Equal(t, float64(3), testutil.ToFloat64(counter))

	value := 7.0
	f.NewGaugeFunc(prometheus.GaugeOpts{Subsystem: "worker", Name: "queue"}, func() float64 { return value })

	srv := httptest.NewServer(HTTPHandlerForMetric(r))
	defer srv.Close()
	rsp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer rsp.Body.Close()
	body, err := io.ReadAll(rsp.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), `renderfarm_worker_frames_total{worker_id="w1"} 3`)
	require.Contains(t, string(body), `renderfarm_worker_queue{worker_id="w1"} 7`)
	require.Contains(t, string(body), "go_goroutines")
}

func TestRegistryUnregister(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	f := NewFactory(r, "master", MetricPrefix, nil)
	f.NewCounter(prometheus.CounterOpts{Name: "jobs_total"})
	// registering the same name twice panics
	require.Panics(t, func() {
		f.NewCounter(prometheus.CounterOpts{Name: "jobs_total"})
	})

	r.Unregister("master")
	require.NotPanics(t, func() {
		f.NewCounter(prometheus.CounterOpts{Name: "jobs_total"})
	})
}
