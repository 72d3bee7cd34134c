package executor

import (
	"context"
	"net/http"

	"github.com/pingcap/log"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	cerrors "github.com/hanfei1991/renderfarm/pkg/errors"
	"github.com/hanfei1991/renderfarm/pkg/promutil"
)

const agentMetricOwner = "agent"

// Results of one job as seen by the worker.
const (
	renderResultSucceeded = "succeeded"
	renderResultFailed    = "failed"
	renderResultAborted   = "aborted"
	renderResultRequeued  = "requeued"
)

type agentMetrics struct {
	rendering      prometheus.Gauge
	renderDuration prometheus.Histogram
	jobs           *prometheus.CounterVec
}

func newAgentMetrics(factory promutil.Factory) *agentMetrics {
	return &agentMetrics{
		rendering: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "worker",
			Subsystem: "render",
			Name:      "active",
			Help:      "1 while the render engine is running a job",
		}),
		renderDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "worker",
			Subsystem: "render",
			Name:      "duration_seconds",
			Help:      "Wall time of render engine runs",
			// 10s .. ~11h
			Buckets: prometheus.ExponentialBuckets(10, 2, 13),
		}),
		jobs: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "worker",
			Subsystem: "render",
			Name:      "jobs_total",
			Help:      "Render jobs handled by the worker by result",
		}, []string{"result"}),
	}
}

// serveMetrics exposes the agent registry on addr until ctx is done.
func serveMetrics(ctx context.Context, addr string, registry *promutil.Registry) error {
	srv := &http.Server{
		Addr:    addr,
		Handler: promutil.HTTPHandlerForMetric(registry),
	}
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()
	log.L().Info("serving worker metrics", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return cerrors.Trace(err)
	}
	return nil
}
