package nn

import (
	"github.com/born-ml/encoder/internal/tensor"
)

// Parameter pairs a named weight tensor with the tensor its gradient is
// written to.
//
// Layers take weights and gradients as separate structs, because the caller
// owns both. Parameter is the flat view of those structs that weight
// initialization, archives and gradient checks iterate over.
//
// Example:
//
//	for _, p := range weights.Parameters(grads) {
//	    fmt.Println(p.Name(), p.Tensor().Shape(), p.Grad().Shape())
//	}
type Parameter[T tensor.Float] struct {
	name   string            // e.g. "attn_qkvw"
	tensor *tensor.Tensor[T] // the weight
	grad   *tensor.Tensor[T] // its gradient, nil when not requested
}

// NewParameter creates a parameter. grad may be nil.
func NewParameter[T tensor.Float](name string, t, grad *tensor.Tensor[T]) *Parameter[T] {
	return &Parameter[T]{name: name, tensor: t, grad: grad}
}

// Name returns the parameter name.
func (p *Parameter[T]) Name() string {
	return p.name
}

// Tensor returns the weight tensor.
func (p *Parameter[T]) Tensor() *tensor.Tensor[T] {
	return p.tensor
}

// Grad returns the gradient tensor.
//
// Returns nil if the parameter was listed without gradients.
func (p *Parameter[T]) Grad() *tensor.Tensor[T] {
	return p.grad
}

// SetGrad replaces the gradient tensor.
func (p *Parameter[T]) SetGrad(grad *tensor.Tensor[T]) {
	p.grad = grad
}

// pick returns the gradient tensor for index i of a parameter list, or nil
// when no gradient list was given.
func pick[T tensor.Float](grads []*tensor.Tensor[T], i int) *tensor.Tensor[T] {
	if grads == nil {
		return nil
	}
	return grads[i]
}

// parameters zips names, weights and (optional) gradients.
func parameters[T tensor.Float](names []string, weights, grads []*tensor.Tensor[T]) []*Parameter[T] {
	out := make([]*Parameter[T], len(names))
	for i, name := range names {
		out[i] = NewParameter(name, weights[i], pick(grads, i))
	}
	return out
}
