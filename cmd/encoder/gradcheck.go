package main

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/born-ml/encoder/internal/config"
	"github.com/born-ml/encoder/internal/tensor"
)

func newGradcheckCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gradcheck",
		Short: "Compare backward gradients with central differences",
		Long: `Compare backward gradients with central differences.

The check always runs in single precision with dropout disabled, so the
forward is deterministic.`,
		Args: cobra.NoArgs,
		RunE: GradcheckHandler,
	}
	addConfigFlag(cmd)
	cmd.Flags().StringP("weights", "w", "", "Weights archive to load instead of initializing")
	cmd.Flags().Int("samples", 4, "Elements checked per tensor")
	cmd.Flags().Float64("eps", 1e-3, "Perturbation step")
	cmd.Flags().Float64("tolerance", 2e-2, "Largest accepted relative error")
	return cmd
}

// gradTarget is a tensor whose gradient is checked.
type gradTarget struct {
	name  string
	value *tensor.Tensor[float32]
	grad  *tensor.Tensor[float32]
}

type gradSample struct {
	target   string
	index    int
	analytic float64
	numeric  float64
}

func (g gradSample) relErr() float64 {
	return math.Abs(g.analytic-g.numeric) / max(math.Abs(g.analytic)+math.Abs(g.numeric), 1e-3)
}

var errGradcheck = errors.New("gradient check failed")

// GradcheckHandler perturbs sampled elements of the input and of every
// parameter and compares the change in loss with the backward gradients.
func GradcheckHandler(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	weights, _ := cmd.Flags().GetString("weights")
	samples, _ := cmd.Flags().GetInt("samples")
	eps, _ := cmd.Flags().GetFloat64("eps")
	tol, _ := cmd.Flags().GetFloat64("tolerance")

	results, err := gradcheck(cmd.Context(), cfg, weights, samples, float32(eps))
	if err != nil {
		return err
	}

	var worst float64
	data := make([][]string, 0, len(results))
	for _, r := range results {
		rel := r.relErr()
		worst = max(worst, rel)
		data = append(data, []string{
			r.target,
			strconv.Itoa(r.index),
			strconv.FormatFloat(r.analytic, 'g', 6, 64),
			strconv.FormatFloat(r.numeric, 'g', 6, 64),
			strconv.FormatFloat(rel, 'e', 2, 64),
		})
	}
	renderTable(cmd, []string{"TENSOR", "INDEX", "ANALYTIC", "NUMERIC", "REL ERROR"}, data)

	if worst > tol {
		return fmt.Errorf("%w: relative error %.3g exceeds %.3g", errGradcheck, worst, tol)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "\nmax relative error %.3g\n", worst)
	return nil
}

func gradcheck(ctx context.Context, cfg config.TransformerConfig, weights string, samples int, eps float32) ([]gradSample, error) {
	layerCfg := cfg.LayerConfig()
	layerCfg.AttnDropoutRatio = 0
	layerCfg.HiddenDropoutRatio = 0
	layerCfg.InferenceOnly = false

	s, err := newSession[float32](ctx, cfg, layerCfg, weights)
	if err != nil {
		return nil, err
	}
	if err := s.forward(ctx); err != nil {
		return nil, err
	}
	if err := s.backward(ctx); err != nil {
		return nil, err
	}

	targets := []gradTarget{{"input", s.input, s.grads.Input}}
	for _, p := range s.w.Parameters(s.grads) {
		targets = append(targets, gradTarget{p.Name(), p.Tensor(), p.Grad()})
	}

	r := rand.New(rand.NewPCG(cfg.GeneratorSeed(), 0x9c))
	var out []gradSample
	for _, t := range targets {
		data := t.value.Data()
		grad := t.grad.Data()
		for range min(samples, len(data)) {
			i := r.IntN(len(data))
			numeric, err := centralDifference(ctx, s, data, i, eps)
			if err != nil {
				return nil, err
			}
			out = append(out, gradSample{t.name, i, float64(grad[i]), numeric})
		}
	}
	return out, nil
}

// centralDifference estimates dloss/dx[i] as (loss(x+eps) - loss(x-eps)) / 2eps.
func centralDifference(ctx context.Context, s *session[float32], x []float32, i int, eps float32) (float64, error) {
	orig := x[i]
	defer func() { x[i] = orig }()

	var loss [2]float64
	for k, step := range []float32{eps, -eps} {
		x[i] = orig + step
		if err := s.forward(ctx); err != nil {
			return 0, err
		}
		loss[k] = s.loss()
	}
	return (loss[0] - loss[1]) / (2 * float64(eps)), nil
}
