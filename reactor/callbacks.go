package reactor

import (
	"fmt"
	"sync"
)

// CallbackFunc handles a resolved completion or error envelope. The
// Continuation Middleware resolves CallbackName/ErrorCallbackName strings
// to a CallbackFunc at dispatch time, not at submission time (spec §9:
// callback identity as string).
type CallbackFunc func(env any) error

// CallbackRegistry maps a callback identity string to its handler. A name
// with no registered handler is a hard error at dispatch time.
type CallbackRegistry struct {
	mu        sync.RWMutex
	callbacks map[string]CallbackFunc
}

// NewCallbackRegistry returns an empty registry.
func NewCallbackRegistry() *CallbackRegistry {
	return &CallbackRegistry{callbacks: make(map[string]CallbackFunc)}
}

// Register associates name with fn, overwriting any existing registration.
func (r *CallbackRegistry) Register(name string, fn CallbackFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.callbacks[name] = fn
}

// Resolve looks up the handler for name.
func (r *CallbackRegistry) Resolve(name string) (CallbackFunc, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.callbacks[name]
	if !ok {
		return nil, fmt.Errorf("no callback registered for %q", name)
	}
	return fn, nil
}
