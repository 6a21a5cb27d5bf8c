package payme

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"habit-marathon/internal/repository"
)

// call is the state of one method invocation inside its unit of work.
type call struct {
	tx     *repository.Tx
	params *Params
	// activated is set when the call flipped an account to paid.
	activated bool
}

// method runs one merchant API method. A returned *Error is answered to
// Payme; any other error is internal.
type method func(ctx context.Context, c *call) (any, error)

// registry maps method names to their implementations.
type registry struct {
	methods map[string]method
	mu      sync.RWMutex
}

func newRegistry() *registry {
	return &registry{methods: make(map[string]method)}
}

// register adds m under name, replacing any previous entry.
func (r *registry) register(name string, m method) error {
	if name == "" {
		return fmt.Errorf("method name cannot be empty")
	}
	if m == nil {
		return fmt.Errorf("cannot register nil method %s", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.methods[name] = m
	return nil
}

func (r *registry) get(name string) (method, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.methods[name]
	return m, ok
}

// names returns the registered method names in sorted order.
func (r *registry) names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.methods))
	for name := range r.methods {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
