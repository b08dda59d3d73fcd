package channel

import (
	"fmt"
	"sort"
	"sync"
)

// Registry maps a Kind to its Dispatcher. It is filled at startup; lookups
// are safe for concurrent use.
type Registry struct {
	mu sync.RWMutex
	m  map[Kind]Dispatcher
}

func NewRegistry() *Registry {
	return &Registry{m: map[Kind]Dispatcher{}}
}

// Register replaces any dispatcher already bound to kind.
func (r *Registry) Register(kind Kind, d Dispatcher) {
	if d == nil {
		return
	}
	r.mu.Lock()
	r.m[kind] = d
	r.mu.Unlock()
}

// Lookup returns ErrUnknownKind when kind has no dispatcher.
func (r *Registry) Lookup(kind Kind) (Dispatcher, error) {
	if r == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	r.mu.RLock()
	d, ok := r.m[kind]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	return d, nil
}

func (r *Registry) Kinds() []Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Kind, 0, len(r.m))
	for k := range r.m {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (r *Registry) Has(kind Kind) bool {
	_, err := r.Lookup(kind)
	return err == nil
}
