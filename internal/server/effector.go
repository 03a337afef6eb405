package server

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// Effector performs an approved action on the device. The returned bytes, if
// any, are a JSON document describing the outcome.
type Effector func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)

var ErrNoEffector = fmt.Errorf("no effector registered")

// EffectorRegistry maps dotted action types to effectors. Registration is
// expected at startup but is safe at any time; later registrations for the
// same type replace earlier ones.
type EffectorRegistry struct {
	mu        sync.RWMutex
	effectors map[string]Effector
}

func NewEffectorRegistry() *EffectorRegistry {
	return &EffectorRegistry{effectors: make(map[string]Effector)}
}

func (r *EffectorRegistry) Register(actionType string, fn Effector) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.effectors[actionType] = fn
}

// Execute runs the effector registered for actionType. An unregistered type
// returns ErrNoEffector wrapped with the type name.
func (r *EffectorRegistry) Execute(ctx context.Context, actionType string, payload json.RawMessage) (json.RawMessage, error) {
	r.mu.RLock()
	fn, ok := r.effectors[actionType]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w for %s", ErrNoEffector, actionType)
	}
	return fn(ctx, payload)
}

func (r *EffectorRegistry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.effectors))
	for t := range r.effectors {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
