// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package nn

import (
	"math/rand/v2"

	"github.com/born-ml/encoder/internal/backend"
	"github.com/born-ml/encoder/internal/nn"
	"github.com/born-ml/encoder/internal/tensor"
)

// LayerConfig configures an encoder layer or one of its variants.
type LayerConfig = nn.LayerConfig

// DefaultLayerNormEps is the normalization epsilon used when none is set.
const DefaultLayerNormEps = nn.DefaultLayerNormEps

// Kind identifies a layer variant.
type Kind = nn.Kind

// Layer variants.
const (
	KindTransformer         = nn.KindTransformer
	KindSelfAttention       = nn.KindSelfAttention
	KindMLP                 = nn.KindMLP
	KindBiasResidualDropout = nn.KindBiasResidualDropout
	KindNormalize           = nn.KindNormalize
)

// Layer is the behavior shared by every layer variant.
type Layer = nn.Layer

// Parameter is a named weight tensor with its gradient.
type Parameter[T tensor.Float] = nn.Parameter[T]

// NormStats holds the per-row statistics of a normalization.
type NormStats = backend.NormStats

// Encoder layer

// TransformerWeights are the twelve parameters of an encoder layer.
type TransformerWeights[T tensor.Float] = nn.TransformerWeights[T]

// TransformerGrads receive the gradients of an encoder layer backward.
type TransformerGrads[T tensor.Float] = nn.TransformerGrads[T]

// TransformerActivations are the tensors an encoder layer forward saves.
type TransformerActivations[T tensor.Float] = nn.TransformerActivations[T]

// NewTransformerWeights allocates zeroed encoder layer weights.
func NewTransformerWeights[T tensor.Float](cfg LayerConfig) *TransformerWeights[T] {
	return nn.NewTransformerWeights[T](cfg)
}

// NewTransformerGrads allocates gradients for a call of batch x seq tokens.
func NewTransformerGrads[T tensor.Float](cfg LayerConfig, batch, seq int) *TransformerGrads[T] {
	return nn.NewTransformerGrads[T](cfg, batch, seq)
}

// NewTransformerActivations allocates the saved activations of a call. Tensors
// made redundant by the checkpointing flags are left nil.
func NewTransformerActivations[T tensor.Float](cfg LayerConfig, batch, seq int) *TransformerActivations[T] {
	return nn.NewTransformerActivations[T](cfg, batch, seq)
}

// Self-attention

// AttentionWeights are the parameters of a self-attention layer.
type AttentionWeights[T tensor.Float] = nn.AttentionWeights[T]

// AttentionGrads receive the gradients of a self-attention backward.
type AttentionGrads[T tensor.Float] = nn.AttentionGrads[T]

// AttentionActivations are the tensors a self-attention forward saves.
type AttentionActivations[T tensor.Float] = nn.AttentionActivations[T]

// NewAttentionWeights allocates zeroed self-attention weights.
func NewAttentionWeights[T tensor.Float](cfg LayerConfig) *AttentionWeights[T] {
	return nn.NewAttentionWeights[T](cfg)
}

// NewAttentionGrads allocates self-attention gradients.
func NewAttentionGrads[T tensor.Float](cfg LayerConfig, batch, seq int) *AttentionGrads[T] {
	return nn.NewAttentionGrads[T](cfg, batch, seq)
}

// NewAttentionActivations allocates self-attention activations.
func NewAttentionActivations[T tensor.Float](cfg LayerConfig, batch, seq int) *AttentionActivations[T] {
	return nn.NewAttentionActivations[T](cfg, batch, seq)
}

// Feed-forward

// MLPWeights are the parameters of a feed-forward layer.
type MLPWeights[T tensor.Float] = nn.MLPWeights[T]

// MLPGrads receive the gradients of a feed-forward backward.
type MLPGrads[T tensor.Float] = nn.MLPGrads[T]

// MLPActivations are the tensors a feed-forward forward saves.
type MLPActivations[T tensor.Float] = nn.MLPActivations[T]

// NewMLPWeights allocates zeroed feed-forward weights.
func NewMLPWeights[T tensor.Float](cfg LayerConfig) *MLPWeights[T] {
	return nn.NewMLPWeights[T](cfg)
}

// NewMLPGrads allocates feed-forward gradients.
func NewMLPGrads[T tensor.Float](cfg LayerConfig, batch, seq int) *MLPGrads[T] {
	return nn.NewMLPGrads[T](cfg, batch, seq)
}

// NewMLPActivations allocates feed-forward activations.
func NewMLPActivations[T tensor.Float](cfg LayerConfig, batch, seq int) *MLPActivations[T] {
	return nn.NewMLPActivations[T](cfg, batch, seq)
}

// Residual and normalization

// ResidualGrads receive the gradients of a bias+residual+dropout backward.
type ResidualGrads[T tensor.Float] = nn.ResidualGrads[T]

// NormGrads receive the gradients of a normalization backward.
type NormGrads[T tensor.Float] = nn.NormGrads[T]

// NewResidualGrads allocates bias+residual+dropout gradients.
func NewResidualGrads[T tensor.Float](cfg LayerConfig, batch, seq int) *ResidualGrads[T] {
	return nn.NewResidualGrads[T](cfg, batch, seq)
}

// NewNormGrads allocates normalization gradients.
func NewNormGrads[T tensor.Float](cfg LayerConfig, batch, seq int) *NormGrads[T] {
	return nn.NewNormGrads[T](cfg, batch, seq)
}

// NewNormStats allocates normalization statistics for batch x seq rows in
// the variant cfg selects.
func NewNormStats(cfg LayerConfig, batch, seq int) NormStats {
	return backend.NewNormStats(batch*seq, cfg.NormalizeInvertible)
}

// Initialization

// InitConfig controls InitTransformerWeights.
type InitConfig = nn.InitConfig

// DefaultInitializerRange is the weight standard deviation used when none
// is set.
const DefaultInitializerRange = nn.DefaultInitializerRange

// InitTransformerWeights fills w for training from scratch.
func InitTransformerWeights[T tensor.Float](w *TransformerWeights[T], cfg InitConfig) {
	nn.InitTransformerWeights(w, cfg)
}

// Normal fills t with values drawn from N(0, std^2).
func Normal[T tensor.Float](t *tensor.Tensor[T], r *rand.Rand, std float64) {
	nn.Normal(t, r, std)
}

// Uniform fills t with values drawn from U(lo, hi).
func Uniform[T tensor.Float](t *tensor.Tensor[T], r *rand.Rand, lo, hi float64) {
	nn.Uniform(t, r, lo, hi)
}

// Fill sets every element of t to v.
func Fill[T tensor.Float](t *tensor.Tensor[T], v float32) {
	nn.Fill(t, v)
}
