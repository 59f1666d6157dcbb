package main

import (
	"fmt"
	"log/slog"
	"slices"

	"github.com/spf13/cobra"

	"github.com/born-ml/encoder"
	"github.com/born-ml/encoder/internal/config"
	"github.com/born-ml/encoder/internal/envconfig"
	"github.com/born-ml/encoder/internal/serialization"
)

func appendEnvDocs(cmd *cobra.Command, envs []envconfig.EnvVar) {
	if len(envs) == 0 {
		return
	}

	envUsage := `
Environment Variables:
`
	for _, e := range envs {
		envUsage += fmt.Sprintf("      %-24s   %s\n", e.Name, e.Description)
	}

	cmd.SetUsageTemplate(cmd.UsageTemplate() + envUsage)
}

// NewCLI builds the root command with every subcommand attached.
func NewCLI() *cobra.Command {
	cobra.EnableCommandSorting = false

	rootCmd := &cobra.Command{
		Use:           "encoder",
		Short:         "Fused Transformer encoder layers",
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			slog.SetDefault(slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{
				Level: envconfig.LogLevel(),
			})))
		},
		Run: func(cmd *cobra.Command, args []string) {
			if version, _ := cmd.Flags().GetBool("version"); version {
				versionHandler(cmd, args)
				return
			}

			cmd.Print(cmd.UsageString())
		},
	}

	rootCmd.Flags().BoolP("version", "v", false, "Show version information")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		Run:   versionHandler,
	}

	workspaceCmd := newWorkspaceCmd()
	initCmd := newInitCmd()
	benchCmd := newBenchCmd()
	gradcheckCmd := newGradcheckCmd()
	metricsCmd := newServeMetricsCmd()

	envVars := envconfig.AsMap()
	layerEnvs := []envconfig.EnvVar{envVars["ENCODER_DEBUG"], envVars["ENCODER_SEED"], envVars["ENCODER_STOCHASTIC"]}
	runEnvs := append(slices.Clone(layerEnvs), envVars["ENCODER_NUM_THREADS"])

	appendEnvDocs(workspaceCmd, []envconfig.EnvVar{envVars["ENCODER_DEBUG"]})
	appendEnvDocs(initCmd, layerEnvs)
	for _, cmd := range []*cobra.Command{benchCmd, gradcheckCmd} {
		appendEnvDocs(cmd, runEnvs)
	}
	appendEnvDocs(metricsCmd, []envconfig.EnvVar{envVars["ENCODER_DEBUG"], envVars["ENCODER_METRICS_ADDR"]})

	rootCmd.AddCommand(
		versionCmd,
		workspaceCmd,
		initCmd,
		benchCmd,
		gradcheckCmd,
		metricsCmd,
	)

	return rootCmd
}

func versionHandler(cmd *cobra.Command, _ []string) {
	fmt.Fprintf(cmd.OutOrStdout(), "encoder version %s\n", serialization.Version)
}

// addConfigFlag registers the --config flag shared by the layer commands.
func addConfigFlag(cmd *cobra.Command) {
	cmd.Flags().StringP("config", "c", "", "Layer configuration file (.json, .yaml or .yml)")
	_ = cmd.MarkFlagRequired("config")
}

// loadConfig reads and validates the file named by --config.
func loadConfig(cmd *cobra.Command) (config.TransformerConfig, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return config.TransformerConfig{}, err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return config.TransformerConfig{}, err
	}
	if err := cfg.Validate(); err != nil {
		return config.TransformerConfig{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// newEngine creates an engine seeded and sized from cfg and the environment.
func newEngine(cfg config.TransformerConfig) *encoder.Engine {
	return encoder.New(
		encoder.WithSeed(cfg.GeneratorSeed()),
		encoder.WithWorkers(int(envconfig.NumThreads())),
	)
}
