package main

import (
	"context"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/StricklySoft/stricklysoft-pipelines/pkg/telemetry"
)

var (
	cfgFile   string
	logLevel  string
	logFormat string

	appConfig AppConfig
	logger    *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "pipelinectl",
	Short: "Run capability-routed pipelines",
	Long: `pipelinectl runs pipelines whose steps name capabilities instead of
providers. Each step is routed to the best registered provider and falls
back to the next one when it fails, within the tenant's budget.

Examples:
  pipelinectl run --input "Alice: we ship friday. Mail bob@example.com."
  pipelinectl run --file meeting.yaml --input-file call.txt --watch
  pipelinectl validate meeting.yaml
  pipelinectl providers --capability summarization`,
	SilenceUsage:      true,
	PersistentPreRunE: initConfig,
}

// Execute runs the CLI.
func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "YAML or JSON config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn or error")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "log format: json or text")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(providersCmd)
	rootCmd.AddCommand(versionCmd)
}

// initConfig loads the configuration and installs the logger. Flags win
// over file and environment values.
func initConfig(cmd *cobra.Command, _ []string) error {
	cfg, err := LoadConfig(cfgFile)
	if err != nil {
		return err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if logFormat != "" {
		cfg.Log.Format = logFormat
	}
	appConfig = cfg
	logger = telemetry.NewLogger(cmd.ErrOrStderr(), cfg.Log)
	slog.SetDefault(logger)
	return nil
}
