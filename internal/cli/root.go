// Package cli implements the collabtext command line.
package cli

import (
	"github.com/spf13/cobra"

	"collabtext/internal/config"
	"collabtext/internal/logger"
)

// version is set at build time with -ldflags "-X collabtext/internal/cli.version=...".
var version = "dev"

var (
	configPath string
	cfg        *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "collabtext",
	Short: "Real-time collaborative text sync server",
	Long: `collabtext keeps plain-text documents in sync between connected editors.
Edits travel as CRDT updates over websockets and are saved to Redis, with
files on disk as the fallback store.`,
	SilenceUsage:      true,
	PersistentPreRunE: loadConfig,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to a TOML config file")
}

// loadConfig reads the config file and environment and configures logging
// before any command runs.
func loadConfig(cmd *cobra.Command, _ []string) error {
	c, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := logger.Init(cmd.ErrOrStderr(), c.LogFormat, c.LogLevel); err != nil {
		return err
	}
	cfg = c
	return nil
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
