package promutil

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const systemOwner = "system"

// Registry is used for registering metric
type Registry struct {
	sync.Mutex
	*prometheus.Registry

	// collectorsByOwner is for cleaning all collectors of a component when
	// it stops
	collectorsByOwner map[string][]prometheus.Collector
}

// NewRegistry new a Registry with the process and go runtime collectors.
// NOTICE: we don't use prometheus.DefaultRegistry, a test process creates
// many masters and each of them registers the same metric names.
func NewRegistry() *Registry {
	r := &Registry{
		Registry:          prometheus.NewRegistry(),
		collectorsByOwner: make(map[string][]prometheus.Collector),
	}
	r.MustRegister(systemOwner, collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	r.MustRegister(systemOwner, collectors.NewGoCollector())
	return r
}

// MustRegister registers the provided Collector of the specified owner
func (r *Registry) MustRegister(owner string, c prometheus.Collector) {
	if c == nil {
		return
	}
	r.Lock()
	defer r.Unlock()

	r.Registry.MustRegister(c)
	r.collectorsByOwner[owner] = append(r.collectorsByOwner[owner], c)
}

// Unregister unregisters all Collectors of the specified owner
func (r *Registry) Unregister(owner string) {
	r.Lock()
	defer r.Unlock()

	cls, exists := r.collectorsByOwner[owner]
	if exists {
		for _, collector := range cls {
			r.Registry.Unregister(collector)
		}
		delete(r.collectorsByOwner, owner)
	}
}
