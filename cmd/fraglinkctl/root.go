package main

import (
	"fmt"
	"strings"

	"github.com/danmuck/fraglink/internal/config"
	"github.com/danmuck/fraglink/internal/logging"
	"github.com/spf13/cobra"
)

// rootOptions are the persistent flags shared by every subcommand.
type rootOptions struct {
	configPath string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "fraglinkctl",
		Short: "Reliable fragmented messaging over a byte-stream link",
		Long: `fraglinkctl runs the fragmenting, acknowledging link over a serial
device or TCP stream, self-tests it over a simulated faulty wire, and prints
the effective configuration.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logging.ConfigureRuntime()
		},
	}
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "path to a fraglink TOML config")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override log_level (trace, debug, info, warn, error, off)")

	cmd.AddCommand(newServeCmd(opts))
	cmd.AddCommand(newLoopbackCmd(opts))
	cmd.AddCommand(newConfigCmd(opts))
	return cmd
}

// load resolves the effective config: file (or defaults), then flags.
func (o *rootOptions) load() (config.Config, error) {
	cfg := config.Default()
	if strings.TrimSpace(o.configPath) != "" {
		loaded, err := config.Load(o.configPath)
		if err != nil {
			return config.Config{}, err
		}
		cfg = loaded
	}
	if o.logLevel != "" {
		cfg.LogLevel = strings.ToLower(strings.TrimSpace(o.logLevel))
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	if !logging.SetLevel(cfg.LogLevel) {
		return config.Config{}, fmt.Errorf("%w: log_level=%q", config.ErrInvalid, cfg.LogLevel)
	}
	return cfg, nil
}
