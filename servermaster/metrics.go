package servermaster

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hanfei1991/renderfarm/model"
	"github.com/hanfei1991/renderfarm/pkg/promutil"
)

type jobMetrics struct {
	submitted   prometheus.Counter
	transitions *prometheus.CounterVec
	rejections  *prometheus.CounterVec
	assignRuns  prometheus.Counter
	requeued    prometheus.Counter
}

// newJobMetrics registers the master metrics. Gauges are computed on scrape
// from the store and the worker registry.
func newJobMetrics(factory promutil.Factory, counts func() map[model.JobStatus]int, workers *WorkerRegistry) *jobMetrics {
	m := &jobMetrics{
		submitted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "master",
			Subsystem: "job",
			Name:      "submitted_total",
			Help:      "Number of render jobs submitted",
		}),
		transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "master",
			Subsystem: "job",
			Name:      "transitions_total",
			Help:      "Number of applied job state transitions",
		}, []string{"event"}),
		rejections: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "master",
			Subsystem: "job",
			Name:      "rejections_total",
			Help:      "Number of rejected job state transitions",
		}, []string{"event", "reason"}),
		assignRuns: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "master",
			Subsystem: "assigner",
			Name:      "runs_total",
			Help:      "Number of assignment passes",
		}),
		requeued: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "master",
			Subsystem: "watchdog",
			Name:      "requeued_total",
			Help:      "Number of jobs requeued because their worker went offline",
		}),
	}

	for _, status := range model.AllJobStatuses {
		status := status
		factory.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   "master",
			Subsystem:   "job",
			Name:        "count",
			Help:        "Number of render jobs by status",
			ConstLabels: prometheus.Labels{"status": string(status)},
		}, func() float64 {
			return float64(counts()[status])
		})
	}
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "master",
		Subsystem: "worker",
		Name:      "online",
		Help:      "Number of online render workers",
	}, func() float64 {
		return float64(workers.OnlineCount())
	})
	return m
}

func (m *jobMetrics) observeRejection(ev EventType, err error) {
	m.rejections.WithLabelValues(string(ev), rejectionReason(err)).Inc()
}
