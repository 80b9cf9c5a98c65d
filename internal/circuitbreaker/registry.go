package circuitbreaker

import (
	"sort"
	"sync"

	"github.com/vyrodovalexey/avaguard/internal/observability"
)

// Registry holds one circuit breaker per store node.
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
	config   *Config
	opts     []Option
	logger   observability.Logger
}

// NewRegistry creates a new circuit breaker registry. Every breaker it
// creates shares config and opts.
func NewRegistry(config *Config, logger observability.Logger, opts ...Option) *Registry {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Registry{
		breakers: make(map[string]*CircuitBreaker),
		config:   config,
		opts:     append([]Option{WithLogger(logger)}, opts...),
		logger:   logger,
	}
}

// Get returns the breaker for name, or nil.
func (r *Registry) Get(name string) *CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.breakers[name]
}

// GetOrCreate returns the breaker for name, creating it on first use.
func (r *Registry) GetOrCreate(name string) *CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[name]; ok {
		return cb
	}

	cb := NewCircuitBreaker(name, r.config, r.opts...)
	r.breakers[name] = cb

	r.logger.Debug("created circuit breaker",
		observability.String("name", name),
	)

	return cb
}

// Remove drops the breaker for name. Removing an unknown name is a no-op.
func (r *Registry) Remove(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.breakers, name)
}

// States returns the state of every breaker.
func (r *Registry) States() map[string]State {
	r.mu.Lock()
	defer r.mu.Unlock()

	states := make(map[string]State, len(r.breakers))
	for name, cb := range r.breakers {
		states[name] = cb.State()
	}
	return states
}

// Names returns the registered breaker names in sorted order.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, 0, len(r.breakers))
	for name := range r.breakers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
