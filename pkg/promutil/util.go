package promutil

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	// MetricPrefix is the namespace prefix of every renderfarm metric.
	MetricPrefix = "renderfarm"

	// ConstLabelWorkerKey is used to recognize metrics of one render worker
	ConstLabelWorkerKey = "worker_id"
)

// HTTPHandlerForMetric return http.Handler for prometheus metric
func HTTPHandlerForMetric(r *Registry) http.Handler {
	return promhttp.HandlerFor(r, promhttp.HandlerOpts{})
}

// NewFactory returns a Factory registering into r on behalf of owner.
func NewFactory(r *Registry, owner, prefix string, constLabels prometheus.Labels) Factory {
	return &wrappingFactory{
		r:           r,
		owner:       owner,
		prefix:      prefix,
		constLabels: constLabels,
	}
}
