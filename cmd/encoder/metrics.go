package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/x448/float16"

	"github.com/born-ml/encoder/internal/config"
	"github.com/born-ml/encoder/internal/envconfig"
	"github.com/born-ml/encoder/internal/tensor"
)

const defaultMetricsAddr = "127.0.0.1:9464"

func newServeMetricsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve-metrics",
		Short: "Run a layer benchmark loop and expose its Prometheus metrics",
		Args:  cobra.NoArgs,
		RunE:  ServeMetricsHandler,
	}
	addConfigFlag(cmd)
	cmd.Flags().String("addr", "", "Listen address (defaults to ENCODER_METRICS_ADDR or "+defaultMetricsAddr+")")
	cmd.Flags().Duration("interval", time.Second, "Pause between benchmark rounds")
	return cmd
}

func metricsAddr(cmd *cobra.Command) string {
	if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
		return addr
	}
	if addr := envconfig.MetricsAddr(); addr != "" {
		return addr
	}
	return defaultMetricsAddr
}

// ServeMetricsHandler serves /metrics while running the configured layer in
// a loop, until the command context is canceled.
func ServeMetricsHandler(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	interval, _ := cmd.Flags().GetDuration("interval")

	ln, err := net.Listen("tcp", metricsAddr(cmd))
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	ctx := cmd.Context()
	go func() {
		<-ctx.Done()
		srv.Close() //nolint:errcheck
	}()
	if cfg.FP16 {
		err = startLoop[float16.Float16](ctx, cfg, interval)
	} else {
		err = startLoop[float32](ctx, cfg, interval)
	}
	if err != nil {
		ln.Close() //nolint:errcheck
		return err
	}

	slog.Info("serving metrics", "addr", ln.Addr().String())
	err = srv.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// startLoop builds the configured layer and runs a forward, plus a backward
// when the layer trains, every interval until ctx is canceled.
func startLoop[T tensor.Float](ctx context.Context, cfg config.TransformerConfig, interval time.Duration) error {
	layerCfg := cfg.LayerConfig()
	s, err := newSession[T](ctx, cfg, layerCfg, "")
	if err != nil {
		return err
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			err := s.forward(ctx)
			if err == nil && !layerCfg.InferenceOnly {
				err = s.backward(ctx)
			}
			if err != nil && ctx.Err() == nil {
				slog.Error("layer pass failed", "error", err)
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return nil
}
