// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package encoder

import (
	"context"

	"github.com/born-ml/encoder/internal/backend"
	"github.com/born-ml/encoder/internal/engine"
	"github.com/born-ml/encoder/internal/nn"
	"github.com/born-ml/encoder/internal/parallel"
	"github.com/born-ml/encoder/internal/tensor"
	"github.com/born-ml/encoder/internal/workspace"
)

// Engine is a device context plus the layers created on it. Every layer of
// an engine shares one workspace arena; passes of different layers on the
// same engine are serialized by it.
type Engine = engine.Engine

// Handle identifies a layer of an Engine.
type Handle = engine.Handle

// Option configures an Engine.
type Option = engine.Option

// RandState is a snapshot of the dropout-mask generator.
type RandState = backend.RandState

// Sentinel errors. Use errors.Is to test for them.
var (
	// ErrPrecondition reports a bad argument detected before any work ran.
	ErrPrecondition = nn.ErrPrecondition
	// ErrInvalidConfig reports a configuration a layer cannot be built for.
	ErrInvalidConfig = nn.ErrInvalidConfig
	// ErrUnknownHandle reports a handle no layer was created under.
	ErrUnknownHandle = nn.ErrUnknownHandle
	// ErrDevice reports a failure inside a primitive.
	ErrDevice = nn.ErrDevice
)

// PreconditionError describes which argument of which operation was rejected.
type PreconditionError = nn.PreconditionError

// ConfigError describes an invalid configuration field.
type ConfigError = nn.ConfigError

// MaxSeqLength is the longest sequence a layer accepts.
const MaxSeqLength = workspace.MaxSeqLength

// WithSeed seeds the dropout-mask generator.
func WithSeed(seed uint64) Option {
	return engine.WithSeed(seed)
}

// WithWorkers caps the worker goroutines of each primitive.
func WithWorkers(n int) Option {
	return engine.WithParallel(parallel.DefaultConfig().WithWorkers(n))
}

// New creates an engine with an empty arena.
func New(opts ...Option) *Engine {
	return engine.New(opts...)
}

// WorkspaceBytes returns the arena size a layer built for cfg needs with
// element kind T.
func WorkspaceBytes[T tensor.Float](cfg nn.LayerConfig) int {
	return workspace.WorkspaceElements(cfg.MaxDims(), cfg.Flags()) * tensor.SizeOf[T]()
}

// CreateTransformerLayer builds an encoder layer under h, replacing any
// layer already there. It grows the arena to fit the layer.
func CreateTransformerLayer[T tensor.Float](ctx context.Context, e *Engine, h Handle, cfg nn.LayerConfig) (*nn.TransformerLayer[T], error) {
	return engine.CreateTransformerLayer[T](ctx, e, h, cfg)
}

// CreateSelfAttention builds a self-attention layer under h.
func CreateSelfAttention[T tensor.Float](ctx context.Context, e *Engine, h Handle, cfg nn.LayerConfig) (*nn.SelfAttention[T], error) {
	return engine.CreateSelfAttention[T](ctx, e, h, cfg)
}

// CreateMLP builds a feed-forward layer under h.
func CreateMLP[T tensor.Float](ctx context.Context, e *Engine, h Handle, cfg nn.LayerConfig) (*nn.MLP[T], error) {
	return engine.CreateMLP[T](ctx, e, h, cfg)
}

// CreateBiasResidualDropout builds a bias+residual+dropout layer under h.
func CreateBiasResidualDropout[T tensor.Float](e *Engine, h Handle, cfg nn.LayerConfig) (*nn.BiasResidualDropout[T], error) {
	return engine.CreateBiasResidualDropout[T](e, h, cfg)
}

// CreateNormalize builds a normalization layer under h.
func CreateNormalize[T tensor.Float](e *Engine, h Handle, cfg nn.LayerConfig) (*nn.Normalize[T], error) {
	return engine.CreateNormalize[T](e, h, cfg)
}

// TransformerForward runs the encoder layer under h on input [B, L, H] with
// an optional additive attention mask [B, L], filling act.
func TransformerForward[T tensor.Float](ctx context.Context, e *Engine, h Handle,
	input, mask *tensor.Tensor[T], w *nn.TransformerWeights[T], act *nn.TransformerActivations[T],
) error {
	return engine.TransformerForward(ctx, e, h, input, mask, w, act)
}

// TransformerBackward computes every gradient of the encoder layer under h
// from the activations of the matching forward. grads are overwritten.
func TransformerBackward[T tensor.Float](ctx context.Context, e *Engine, h Handle,
	gradOutput, input *tensor.Tensor[T], w *nn.TransformerWeights[T], act *nn.TransformerActivations[T], grads *nn.TransformerGrads[T],
) error {
	return engine.TransformerBackward(ctx, e, h, gradOutput, input, w, act, grads)
}

// SelfAttentionForward runs the self-attention layer under h.
func SelfAttentionForward[T tensor.Float](ctx context.Context, e *Engine, h Handle,
	input, mask *tensor.Tensor[T], w *nn.AttentionWeights[T], act *nn.AttentionActivations[T],
) error {
	return engine.SelfAttentionForward(ctx, e, h, input, mask, w, act)
}

// SelfAttentionBackward computes the gradients of the self-attention layer
// under h.
func SelfAttentionBackward[T tensor.Float](ctx context.Context, e *Engine, h Handle,
	gradOutput, input *tensor.Tensor[T], w *nn.AttentionWeights[T], act *nn.AttentionActivations[T], grads *nn.AttentionGrads[T],
) error {
	return engine.SelfAttentionBackward(ctx, e, h, gradOutput, input, w, act, grads)
}

// MLPForward runs the feed-forward layer under h.
func MLPForward[T tensor.Float](ctx context.Context, e *Engine, h Handle,
	input *tensor.Tensor[T], w *nn.MLPWeights[T], act *nn.MLPActivations[T],
) error {
	return engine.MLPForward(ctx, e, h, input, w, act)
}

// MLPBackward computes the gradients of the feed-forward layer under h.
func MLPBackward[T tensor.Float](ctx context.Context, e *Engine, h Handle,
	gradOutput, input *tensor.Tensor[T], w *nn.MLPWeights[T], act *nn.MLPActivations[T], grads *nn.MLPGrads[T],
) error {
	return engine.MLPBackward(ctx, e, h, gradOutput, input, w, act, grads)
}

// BiasResidualDropoutForward writes dropout(input + bias) + residual into
// output. output may alias input but not residual.
func BiasResidualDropoutForward[T tensor.Float](ctx context.Context, e *Engine, h Handle,
	input, bias, residual, output *tensor.Tensor[T],
) error {
	return engine.BiasResidualDropoutForward(ctx, e, h, input, bias, residual, output)
}

// BiasResidualDropoutBackward computes the input, residual and bias
// gradients of the layer under h.
func BiasResidualDropoutBackward[T tensor.Float](ctx context.Context, e *Engine, h Handle,
	gradOutput *tensor.Tensor[T], grads *nn.ResidualGrads[T],
) error {
	return engine.BiasResidualDropoutBackward(ctx, e, h, gradOutput, grads)
}

// NormalizeForward normalizes input into output under h and fills stats.
func NormalizeForward[T tensor.Float](ctx context.Context, e *Engine, h Handle,
	input, gamma, beta, output *tensor.Tensor[T], stats backend.NormStats,
) error {
	return engine.NormalizeForward(ctx, e, h, input, gamma, beta, output, stats)
}

// NormalizeBackward computes the gradients of the normalization under h.
// The invertible variant reads output, the other reads input.
func NormalizeBackward[T tensor.Float](ctx context.Context, e *Engine, h Handle,
	gradOutput, input, output, gamma, beta *tensor.Tensor[T], stats backend.NormStats, grads *nn.NormGrads[T],
) error {
	return engine.NormalizeBackward(ctx, e, h, gradOutput, input, output, gamma, beta, stats, grads)
}
