package engine

import (
	"fmt"
	"sync"

	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/born-ml/encoder/internal/nn"
)

// Handle is the caller-chosen identifier of a layer.
type Handle int

// Registry maps handles to layers. Creating a layer under a handle that is
// already taken replaces the old layer. Listing follows creation order.
type Registry struct {
	mu     sync.RWMutex
	layers *orderedmap.OrderedMap[Handle, nn.Layer]
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{layers: orderedmap.New[Handle, nn.Layer]()}
}

// Register stores l under h and reports whether it replaced a layer.
func (r *Registry) Register(h Handle, l nn.Layer) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, replaced := r.layers.Delete(h)
	r.layers.Set(h, l)
	return replaced
}

// Get returns the layer stored under h.
func (r *Registry) Get(h Handle) (nn.Layer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	l, ok := r.layers.Get(h)
	if !ok {
		return nil, fmt.Errorf("layer %d: %w", h, nn.ErrUnknownHandle)
	}
	return l, nil
}

// Remove drops the layer stored under h and reports whether there was one.
func (r *Registry) Remove(h Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.layers.Delete(h)
	return ok
}

// Len returns the number of registered layers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.layers.Len()
}

// Handles lists the registered handles in creation order.
func (r *Registry) Handles() []Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Handle, 0, r.layers.Len())
	for p := r.layers.Oldest(); p != nil; p = p.Next() {
		out = append(out, p.Key)
	}
	return out
}

// Lookup returns the layer stored under h as an L. A layer of another kind
// or precision is a precondition error, never a silent reinterpretation.
func Lookup[L nn.Layer](r *Registry, h Handle) (L, error) {
	var zero L
	l, err := r.Get(h)
	if err != nil {
		return zero, err
	}
	typed, ok := l.(L)
	if !ok {
		return zero, &nn.PreconditionError{
			Op:     "lookup",
			Arg:    "handle",
			Reason: fmt.Sprintf("layer %d is a %s %s layer, not %T", h, l.DataType().Precision(), l.Kind(), zero),
		}
	}
	return typed, nil
}
