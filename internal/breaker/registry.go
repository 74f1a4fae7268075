package breaker

import (
	"sync"

	"github.com/charmbracelet/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var metricBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "soundleaf_breaker_state",
	Help: "Circuit breaker state per dependency (0 closed, 1 open, 2 half-open)",
}, []string{"dependency"})

// Registry hands out one [Breaker] per dependency name, all sharing the
// same default [Config]. Used by the status endpoint to report every
// breaker's state.
type Registry struct {
	mu       sync.Mutex
	cfg      Config
	logger   *log.Logger
	breakers map[string]*Breaker
}

// NewRegistry creates a registry applying cfg to every breaker it creates.
func NewRegistry(cfg Config, logger *log.Logger) *Registry {
	return &Registry{
		cfg:      cfg,
		logger:   logger,
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the breaker for the named dependency, creating it on first
// use.
func (r *Registry) Get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[name]; ok {
		return b
	}
	b := New(name, r.cfg, r.logger)
	r.breakers[name] = b
	return b
}

// States returns the current state of every breaker, keyed by dependency
// name.
func (r *Registry) States() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]string, len(r.breakers))
	for name, b := range r.breakers {
		out[name] = b.State().String()
	}
	return out
}
