package datatype

import (
	"sort"
	"sync"

	"github.com/hyperengineering/factstore/internal/types"
)

// Registry maps data item types to encoders.
type Registry struct {
	mu       sync.RWMutex
	encoders map[types.DIType]Encoder
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{encoders: make(map[types.DIType]Encoder)}
}

// DefaultRegistry returns a registry holding the built-in encoders.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(PageEncoder{})
	r.Register(BlobEncoder{})
	r.Register(URIEncoder{})
	r.Register(NumberEncoder{})
	r.Register(BooleanEncoder{})
	r.Register(TimeEncoder{})
	r.Register(ConceptEncoder{})
	return r
}

// Register adds an encoder to the registry.
// Panics if an encoder for the same type is already registered.
func (r *Registry) Register(e Encoder) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t := e.Type()
	if _, exists := r.encoders[t]; exists {
		panic("encoder already registered: " + string(t))
	}
	r.encoders[t] = e
}

// Lookup returns the encoder for t.
func (r *Registry) Lookup(t types.DIType) (Encoder, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.encoders[t]
	return e, ok
}

// Types returns the registered types in sorted order.
func (r *Registry) Types() []types.DIType {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]types.DIType, 0, len(r.encoders))
	for t := range r.encoders {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
