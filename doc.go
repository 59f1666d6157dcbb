// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package encoder provides a fused Transformer encoder layer: multi-head
// self-attention followed by a position-wise feed-forward network, with
// forward and backward passes that run over one shared scratch arena.
//
// # Overview
//
// An Engine owns a device context (the arena, the dropout-mask generator
// and the primitive implementations) and a registry of layers addressed by
// caller-chosen handles. Besides the full encoder layer, its building
// blocks can be created on their own:
//   - CreateTransformerLayer: the complete encoder layer
//   - CreateSelfAttention: QKV projection, scaled dot-product attention and
//     output projection
//   - CreateMLP: intermediate projection, GELU and output projection
//   - CreateBiasResidualDropout: dropout(x + bias) + residual
//   - CreateNormalize: layer normalization
//
// # Memory/compute trade-offs
//
// LayerConfig carries four flags that decide what forward keeps for
// backward: PreLayerNorm, NormalizeInvertible, AttnDropoutCheckpoint and
// GeluCheckpoint. Checkpointed tensors are recomputed during backward and
// give the same results as when they are kept.
//
// # Basic Usage
//
//	e := encoder.New(encoder.WithSeed(42))
//	cfg := nn.LayerConfig{BatchSize: 8, SeqLength: 128, HiddenSize: 768, Heads: 12, IntermediateSize: 3072}
//	if _, err := encoder.CreateTransformerLayer[float32](ctx, e, 0, cfg); err != nil {
//	    return err
//	}
//	w := nn.NewTransformerWeights[float32](cfg)
//	act := nn.NewTransformerActivations[float32](cfg, 8, 128)
//	if err := encoder.TransformerForward(ctx, e, 0, input, mask, w, act); err != nil {
//	    return err
//	}
package encoder
