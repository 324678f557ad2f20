package cmd

import (
	"io"
	"os"

	"specbot/config"
	"specbot/logging"

	"github.com/spf13/cobra"
)

var (
	envFile   string
	cfg       *config.Config
	logCloser io.Closer
)

var rootCmd = &cobra.Command{
	Use:   "specbot",
	Short: "specbot - product photos to marketplace listing specifications",
	Long: `specbot turns product photos into marketplace listing specifications
through a vision analysis stage and a validated text generation stage.

Commands:
  serve       Run the HTTP API
  providers   Health-check every configured AI provider
  validate    Score a specification file
  generate    Run one generation locally (no credits)`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		config.LoadEnvFile(envFile)
		cfg = config.Load()
		logCloser = logging.Setup(logging.Options{
			Level:  cfg.LogLevel,
			Format: cfg.LogFormat,
			File:   cfg.LogFile,
		})
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logCloser != nil {
			logCloser.Close()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Environment file loaded before reading configuration")
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
