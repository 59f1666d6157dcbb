package main

import (
	"context"
	"math/rand/v2"

	"github.com/born-ml/encoder"
	"github.com/born-ml/encoder/internal/config"
	"github.com/born-ml/encoder/internal/nn"
	"github.com/born-ml/encoder/internal/serialization"
	"github.com/born-ml/encoder/internal/tensor"
)

const layerHandle encoder.Handle = 0

// session is one encoder layer with everything a forward and backward at
// the configured maximum size needs.
type session[T tensor.Float] struct {
	engine *encoder.Engine
	cfg    nn.LayerConfig

	input *tensor.Tensor[T]
	dy    *tensor.Tensor[T]
	w     *nn.TransformerWeights[T]
	act   *nn.TransformerActivations[T]
	grads *nn.TransformerGrads[T]
}

// newSession builds the layer for layerCfg. Weights are read from
// weightsPath when set and drawn from cfg's initializer otherwise.
func newSession[T tensor.Float](ctx context.Context, cfg config.TransformerConfig, layerCfg nn.LayerConfig, weightsPath string) (*session[T], error) {
	e := newEngine(cfg)
	if _, err := encoder.CreateTransformerLayer[T](ctx, e, layerHandle, layerCfg); err != nil {
		return nil, err
	}

	var w *nn.TransformerWeights[T]
	if weightsPath != "" {
		var err error
		if w, _, err = serialization.LoadTransformerWeights[T](weightsPath, layerCfg); err != nil {
			return nil, err
		}
	} else {
		w = nn.NewTransformerWeights[T](layerCfg)
		nn.InitTransformerWeights(w, cfg.InitConfig())
	}

	batch, seq := layerCfg.BatchSize, layerCfg.SeqLength
	shape := tensor.Shape{batch, seq, layerCfg.HiddenSize}
	r := rand.New(rand.NewPCG(cfg.GeneratorSeed(), 0x5eed))
	s := &session[T]{
		engine: e,
		cfg:    layerCfg,
		input:  tensor.Zeros[T](shape),
		dy:     tensor.Zeros[T](shape),
		w:      w,
		act:    nn.NewTransformerActivations[T](layerCfg, batch, seq),
	}
	nn.Uniform(s.input, r, -1, 1)
	nn.Uniform(s.dy, r, -1, 1)
	if !layerCfg.InferenceOnly {
		s.grads = nn.NewTransformerGrads[T](layerCfg, batch, seq)
	}
	if _, err := e.NewDropoutMasks(layerHandle, batch, seq); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *session[T]) forward(ctx context.Context) error {
	return encoder.TransformerForward(ctx, s.engine, layerHandle, s.input, nil, s.w, s.act)
}

func (s *session[T]) backward(ctx context.Context) error {
	return encoder.TransformerBackward(ctx, s.engine, layerHandle, s.dy, s.input, s.w, s.act, s.grads)
}

// loss is sum(output * dy), whose gradient with respect to the output is dy.
func (s *session[T]) loss() float64 {
	out := tensor.ToFloat32(s.act.Output)
	dy := tensor.ToFloat32(s.dy)
	var sum float64
	for i, v := range out {
		sum += float64(v) * float64(dy[i])
	}
	return sum
}
