package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/x448/float16"

	"github.com/born-ml/encoder/internal/config"
	"github.com/born-ml/encoder/internal/nn"
	"github.com/born-ml/encoder/internal/serialization"
	"github.com/born-ml/encoder/internal/tensor"
)

func newInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize encoder layer weights and write them to an archive",
		Args:  cobra.NoArgs,
		RunE:  InitHandler,
	}
	addConfigFlag(cmd)
	cmd.Flags().StringP("out", "o", "", "Archive to write")
	_ = cmd.MarkFlagRequired("out")
	return cmd
}

// InitHandler draws fresh weights for the configured layer and saves them
// together with the configuration.
func InitHandler(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	out, _ := cmd.Flags().GetString("out")

	if cfg.FP16 {
		err = initWeights[float16.Float16](cfg, out)
	} else {
		err = initWeights[float32](cfg, out)
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "wrote %s weights to %s\n", cfg.DataType().Precision(), out)
	return nil
}

func initWeights[T tensor.Float](cfg config.TransformerConfig, path string) error {
	w := nn.NewTransformerWeights[T](cfg.LayerConfig())
	nn.InitTransformerWeights(w, cfg.InitConfig())
	return serialization.SaveTransformerWeights(path, w, cfg, map[string]string{"created_by": "encoder init"})
}
