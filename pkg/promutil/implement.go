package promutil

import (
	"github.com/prometheus/client_golang/prometheus"
)

type wrappingFactory struct {
	r *Registry
	// owner identifies the component the factory belongs to, it's used to
	// unregister all collectors of the component when it stops
	owner string
	// prefix is added to the metric name to avoid cross component metric conflict
	// e.g. $prefix_$namespace_$subsystem_$name
	prefix string
	// constLabels is added to every metric by default
	constLabels prometheus.Labels
}

// NewCounter works like the function of the same name in the prometheus
// package, but it automatically registers the Counter with the Factory's
// Registerer. Panic if it can't register successfully. Thread-safe.
func (f *wrappingFactory) NewCounter(opts prometheus.CounterOpts) prometheus.Counter {
	c := prometheus.NewCounter(*wrapCounterOpts(f.prefix, f.constLabels, &opts))
	f.r.MustRegister(f.owner, c)
	return c
}

// NewCounterVec works like the function of the same name in the
// prometheus, package but it automatically registers the CounterVec with
// the Factory's Registerer. Panic if it can't register successfully.Thread-safe.
func (f *wrappingFactory) NewCounterVec(opts prometheus.CounterOpts, labelNames []string) *prometheus.CounterVec {
	c := prometheus.NewCounterVec(*wrapCounterOpts(f.prefix, f.constLabels, &opts), labelNames)
	f.r.MustRegister(f.owner, c)
	return c
}

// NewGauge works like the function of the same name in the prometheus
// package, but it automatically registers the Gauge with the Factory's
// Registerer. Panic if it can't register successfully.Thread-safe.
func (f *wrappingFactory) NewGauge(opts prometheus.GaugeOpts) prometheus.Gauge {
	c := prometheus.NewGauge(*wrapGaugeOpts(f.prefix, f.constLabels, &opts))
	f.r.MustRegister(f.owner, c)
	return c
}

// NewGaugeVec works like the function of the same name in the prometheus
// package but it automatically registers the GaugeVec with the Factory's
// Registerer. Panic if it can't register successfully.Thread-safe.
func (f *wrappingFactory) NewGaugeVec(opts prometheus.GaugeOpts, labelNames []string) *prometheus.GaugeVec {
	c := prometheus.NewGaugeVec(*wrapGaugeOpts(f.prefix, f.constLabels, &opts), labelNames)
	f.r.MustRegister(f.owner, c)
	return c
}

// NewGaugeFunc works like the function of the same name in the prometheus
// package but it automatically registers the GaugeFunc with the Factory's
// Registerer. Panic if it can't register successfully.Thread-safe.
func (f *wrappingFactory) NewGaugeFunc(opts prometheus.GaugeOpts, function func() float64) prometheus.GaugeFunc {
	c := prometheus.NewGaugeFunc(*wrapGaugeOpts(f.prefix, f.constLabels, &opts), function)
	f.r.MustRegister(f.owner, c)
	return c
}

// NewHistogram works like the function of the same name in the prometheus
// package but it automatically registers the Histogram with the Factory's
// Registerer. Panic if it can't register successfully.Thread-safe.
func (f *wrappingFactory) NewHistogram(opts prometheus.HistogramOpts) prometheus.Histogram {
	c := prometheus.NewHistogram(*wrapHistogramOpts(f.prefix, f.constLabels, &opts))
	f.r.MustRegister(f.owner, c)
	return c
}

func wrapNamespace(prefix, namespace string) string {
	if prefix == "" {
		return namespace
	}
	if namespace == "" {
		return prefix
	}
	return prefix + "_" + namespace
}

func mergeLabels(constLabels, cls prometheus.Labels) prometheus.Labels {
	if len(constLabels) == 0 {
		return cls
	}
	if cls == nil {
		cls = make(prometheus.Labels, len(constLabels))
	}
	for name, value := range constLabels {
		if _, exists := cls[name]; exists {
			panic("duplicate label name")
		}
		cls[name] = value
	}
	return cls
}

func wrapCounterOpts(prefix string, constLabels prometheus.Labels, opts *prometheus.CounterOpts) *prometheus.CounterOpts {
	opts.Namespace = wrapNamespace(prefix, opts.Namespace)
	opts.ConstLabels = mergeLabels(constLabels, opts.ConstLabels)
	return opts
}

func wrapGaugeOpts(prefix string, constLabels prometheus.Labels, opts *prometheus.GaugeOpts) *prometheus.GaugeOpts {
	opts.Namespace = wrapNamespace(prefix, opts.Namespace)
	opts.ConstLabels = mergeLabels(constLabels, opts.ConstLabels)
	return opts
}

func wrapHistogramOpts(prefix string, constLabels prometheus.Labels, opts *prometheus.HistogramOpts) *prometheus.HistogramOpts {
	opts.Namespace = wrapNamespace(prefix, opts.Namespace)
	opts.ConstLabels = mergeLabels(constLabels, opts.ConstLabels)
	return opts
}
