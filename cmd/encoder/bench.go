package main

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"github.com/x448/float16"

	"github.com/born-ml/encoder/internal/config"
	"github.com/born-ml/encoder/internal/tensor"
)

func newBenchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Time forward and backward passes of an encoder layer",
		Args:  cobra.NoArgs,
		RunE:  BenchHandler,
	}
	addConfigFlag(cmd)
	cmd.Flags().StringP("weights", "w", "", "Weights archive to load instead of initializing")
	cmd.Flags().IntP("iterations", "n", 10, "Timed iterations per pass")
	cmd.Flags().Int("warmup", 1, "Untimed iterations before timing")
	return cmd
}

type benchPass struct {
	name string
	fn   func(context.Context) error
}

type benchResult struct {
	pass  string
	iters int
	total time.Duration
}

// BenchHandler runs the configured layer at its maximum batch and sequence
// length and prints the mean duration of each pass.
func BenchHandler(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	weights, _ := cmd.Flags().GetString("weights")
	iters, _ := cmd.Flags().GetInt("iterations")
	warmup, _ := cmd.Flags().GetInt("warmup")
	if iters <= 0 {
		return fmt.Errorf("iterations must be positive, got %d", iters)
	}

	var results []benchResult
	if cfg.FP16 {
		results, err = bench[float16.Float16](cmd.Context(), cfg, weights, warmup, iters)
	} else {
		results, err = bench[float32](cmd.Context(), cfg, weights, warmup, iters)
	}
	if err != nil {
		return err
	}

	var data [][]string
	for _, r := range results {
		data = append(data, []string{
			r.pass,
			cfg.DataType().Precision(),
			strconv.Itoa(r.iters),
			(r.total / time.Duration(r.iters)).String(),
			r.total.String(),
		})
	}
	renderTable(cmd, []string{"PASS", "DTYPE", "ITERATIONS", "MEAN", "TOTAL"}, data)
	return nil
}

func bench[T tensor.Float](ctx context.Context, cfg config.TransformerConfig, weights string, warmup, iters int) ([]benchResult, error) {
	layerCfg := cfg.LayerConfig()
	s, err := newSession[T](ctx, cfg, layerCfg, weights)
	if err != nil {
		return nil, err
	}

	passes := []benchPass{{"forward", s.forward}}
	if !layerCfg.InferenceOnly {
		// Each backward needs the activations of a forward.
		passes = append(passes, benchPass{"forward+backward", func(ctx context.Context) error {
			if err := s.forward(ctx); err != nil {
				return err
			}
			return s.backward(ctx)
		}})
	}

	results := make([]benchResult, 0, len(passes))
	for _, p := range passes {
		for range warmup {
			if err := p.fn(ctx); err != nil {
				return nil, err
			}
		}
		start := time.Now()
		for range iters {
			if err := p.fn(ctx); err != nil {
				return nil, err
			}
		}
		results = append(results, benchResult{pass: p.name, iters: iters, total: time.Since(start)})
	}
	return results, nil
}
