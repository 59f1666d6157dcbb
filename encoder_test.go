// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package encoder_test

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/encoder"
	"github.com/born-ml/encoder/nn"
	"github.com/born-ml/encoder/tensor"
)

func config() nn.LayerConfig {
	return nn.LayerConfig{
		BatchSize:          2,
		SeqLength:          8,
		HiddenSize:         16,
		Heads:              4,
		IntermediateSize:   64,
		AttnDropoutRatio:   0.1,
		HiddenDropoutRatio: 0.1,
		PreLayerNorm:       true,
		GeluCheckpoint:     true,
	}
}

func runLayer[T tensor.Float](t *testing.T, e *encoder.Engine, h encoder.Handle, cfg nn.LayerConfig) *nn.TransformerGrads[T] {
	t.Helper()
	ctx := context.Background()
	_, err := encoder.CreateTransformerLayer[T](ctx, e, h, cfg)
	require.NoError(t, err)
	_, err = e.NewDropoutMasks(h, 2, 8)
	require.NoError(t, err)

	r := rand.New(rand.NewPCG(1, 2))
	input := tensor.Zeros[T](tensor.Shape{2, 8, 16})
	nn.Uniform(input, r, -1, 1)
	dy := tensor.Zeros[T](tensor.Shape{2, 8, 16})
	nn.Uniform(dy, r, -1, 1)
	w := nn.NewTransformerWeights[T](cfg)
	nn.InitTransformerWeights(w, nn.InitConfig{InitializerRange: 0.1, NumLayers: 4, AdjustInitRange: true, Seed: 3})
	act := nn.NewTransformerActivations[T](cfg, 2, 8)
	grads := nn.NewTransformerGrads[T](cfg, 2, 8)

	require.NoError(t, encoder.TransformerForward(ctx, e, h, input, nil, w, act))
	require.NoError(t, encoder.TransformerBackward(ctx, e, h, dy, input, w, act, grads))
	return grads
}

func TestEngine_BothPrecisions(t *testing.T) {
	cfg := config()
	single := runLayer[float32](t, encoder.New(encoder.WithSeed(7), encoder.WithWorkers(2)), 0, cfg)
	half := runLayer[tensor.Half](t, encoder.New(encoder.WithSeed(7), encoder.WithWorkers(2)), 0, cfg)

	want := single.Input.Data()
	got := tensor.ToFloat32(half.Input)
	var num, den float64
	for i := range want {
		d := float64(got[i] - want[i])
		num += d * d
		den += float64(want[i]) * float64(want[i])
	}
	assert.Less(t, num/den, 1e-3, "half precision tracks single precision")
}

func TestEngine_Errors(t *testing.T) {
	ctx := context.Background()
	e := encoder.New()

	cfg := config()
	cfg.SeqLength = encoder.MaxSeqLength + 1
	_, err := encoder.CreateTransformerLayer[float32](ctx, e, 0, cfg)
	require.ErrorIs(t, err, encoder.ErrInvalidConfig)
	var ce *encoder.ConfigError
	require.True(t, errors.As(err, &ce))

	err = encoder.MLPForward(ctx, e, 0, tensor.Zeros[float32](tensor.Shape{1, 1, 16}), nil, nil)
	require.ErrorIs(t, err, encoder.ErrUnknownHandle)

	_, err = encoder.CreateMLP[float32](ctx, e, 0, config())
	require.NoError(t, err)
	err = encoder.MLPForward(ctx, e, 0, tensor.Zeros[float32](tensor.Shape{3, 1, 16}),
		nn.NewMLPWeights[float32](config()), nn.NewMLPActivations[float32](config(), 3, 1))
	var pe *encoder.PreconditionError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "input", pe.Arg)
}

func TestWorkspaceBytes(t *testing.T) {
	cfg := config()
	assert.Equal(t, 2*encoder.WorkspaceBytes[tensor.Half](cfg), encoder.WorkspaceBytes[float32](cfg))

	e := encoder.New()
	_, err := encoder.CreateTransformerLayer[float32](context.Background(), e, 1, cfg)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, e.Context().Arena().Capacity(), encoder.WorkspaceBytes[float32](cfg))
}

func ExampleCreateTransformerLayer() {
	ctx := context.Background()
	e := encoder.New(encoder.WithSeed(42))
	cfg := nn.LayerConfig{BatchSize: 1, SeqLength: 4, HiddenSize: 8, Heads: 2, IntermediateSize: 32}

	layer, err := encoder.CreateTransformerLayer[float32](ctx, e, 0, cfg)
	if err != nil {
		fmt.Println(err)
		return
	}
	w := nn.NewTransformerWeights[float32](cfg)
	nn.InitTransformerWeights(w, nn.InitConfig{Seed: 1})
	act := nn.NewTransformerActivations[float32](cfg, 1, 4)
	input := tensor.Zeros[float32](tensor.Shape{1, 4, 8})

	if err := encoder.TransformerForward(ctx, e, 0, input, nil, w, act); err != nil {
		fmt.Println(err)
		return
	}
	fmt.Println(layer.Kind(), act.Output.Shape(), e.Handles())
	// Output: transformer [1 4 8] [0]
}
