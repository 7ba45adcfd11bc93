// Package cli implements the Cobra-based command-line interface for MidKnight.
package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/MidknightMantra/MidKnight/internal/config"
	"github.com/MidknightMantra/MidKnight/internal/core/ports"
	"github.com/MidknightMantra/MidKnight/internal/core/services"
)

var cfgFile string

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "midknight",
	Short: "MidKnight - plugin-driven chat bot runtime",
	Long: `MidKnight is a chat bot runtime that routes incoming messages to plugins.

Plugins are compiled in, written as JavaScript or Lua scripts, or shipped as
WebAssembly bundles, and can be reloaded while the bot is running.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")
	flags.String("log-level", "", "log level: debug, info, warn or error")
	flags.String("prefix", "", "command prefix")
	flags.String("mode", "", "bot mode: public, private or groups")
	flags.String("plugins-dir", "", "directory holding script and Wasm plugins")
	flags.String("data-dir", "", "directory of the file store")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(consoleCmd)
	rootCmd.AddCommand(pluginsCmd)
	rootCmd.AddCommand(storeCmd)
	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(rateLimitCmd)
}

// loadConfig reads the configuration with the persistent flags applied.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(cfgFile, cmd.Flags())
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// newLogger builds the process logger. Debug mode forces the debug level.
func newLogger(cfg *config.Config, w io.Writer) ports.Logger {
	level := cfg.Log.Level
	if cfg.Bot.Debug {
		level = "debug"
	}
	return services.NewSlogLoggerTo(w, level, cfg.Log.Format == "json")
}
