// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package nn provides the encoder layer configuration and the caller-owned
// buffers every pass reads and writes.
//
// # Overview
//
// This package contains:
//   - LayerConfig: shape limits, dropout ratios and checkpointing flags
//   - Weights: TransformerWeights, AttentionWeights, MLPWeights
//   - Activations: tensors saved by forward for backward
//   - Grads: tensors backward overwrites
//   - Initialization: InitTransformerWeights, Normal, Uniform, Fill
//
// Layers themselves are created and driven through the root encoder
// package.
//
// # Basic Usage
//
//	import (
//	    "github.com/born-ml/encoder/nn"
//	)
//
//	cfg := nn.LayerConfig{
//	    BatchSize: 8, SeqLength: 128, HiddenSize: 768, Heads: 12, IntermediateSize: 3072,
//	    AttnDropoutRatio: 0.1, HiddenDropoutRatio: 0.1, PreLayerNorm: true,
//	}
//	w := nn.NewTransformerWeights[float32](cfg)
//	nn.InitTransformerWeights(w, nn.InitConfig{InitializerRange: 0.02, NumLayers: 12, AdjustInitRange: true})
//	act := nn.NewTransformerActivations[float32](cfg, 8, 128)
package nn
