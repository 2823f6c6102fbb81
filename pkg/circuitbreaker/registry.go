package circuitbreaker

import (
	"sort"
	"sync"
)

// Registry keeps one breaker per backend key, created lazily.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	config   Config
}

// NewRegistry creates a new registry with the given default config.
func NewRegistry(cfg Config) *Registry {
	return &Registry{
		breakers: make(map[string]*Breaker),
		config:   cfg,
	}
}

// Get returns the circuit breaker for a key, creating one if needed.
func (r *Registry) Get(key string) *Breaker {
	r.mu.RLock()
	b, exists := r.breakers[key]
	r.mu.RUnlock()

	if exists {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Double-check after acquiring write lock
	if b, exists = r.breakers[key]; exists {
		return b
	}

	b = New(r.config)
	r.breakers[key] = b
	return b
}

// Execute runs fn through the breaker for key.
func (r *Registry) Execute(key string, fn func() error) error {
	return r.Get(key).Execute(fn)
}

// Stats holds registry statistics.
type Stats struct {
	Total    int      // Total breakers
	Open     int      // Breakers in open state
	HalfOpen int      // Breakers in half-open state
	OpenKeys []string // Keys of open breakers, sorted
}

// Stats returns statistics about the registry.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := Stats{Total: len(r.breakers)}
	for key, b := range r.breakers {
		switch b.State() {
		case Open:
			stats.Open++
			stats.OpenKeys = append(stats.OpenKeys, key)
		case HalfOpen:
			stats.HalfOpen++
		}
	}
	sort.Strings(stats.OpenKeys)
	return stats
}
