package main

import (
	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"

	"github.com/zhiqiangxu/blockstm"
)

type rootOptions struct {
	configPath string
	logLevel   string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:          "stmbench",
		Short:        "Benchmark parallel block execution against sequential execution",
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "executor config file (.toml or .yaml)")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override the configured log level")

	cmd.AddCommand(newRunCommand(opts))
	cmd.AddCommand(newConfigCommand())
	return cmd
}

// loadConfig returns the executor config with command line overrides applied.
func (o *rootOptions) loadConfig() (blockstm.Config, error) {
	cfg := blockstm.DefaultConfig()
	if o.configPath != "" {
		var err error
		if cfg, err = blockstm.LoadConfig(o.configPath); err != nil {
			return cfg, err
		}
	}
	if o.logLevel != "" {
		cfg.LogLevel = o.logLevel
	}
	return cfg, nil
}

func newConfigCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the default executor config as toml",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return toml.NewEncoder(cmd.OutOrStdout()).Encode(blockstm.DefaultConfig())
		},
	}
}
