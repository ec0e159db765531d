package main

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/tinyrange/xtpc/internal/machine"
)

type globalOptions struct {
	debug   bool
	envFile string
	config  string
}

func newRootCommand() *cobra.Command {
	opts := &globalOptions{}
	root := &cobra.Command{
		Use:           "xtpc",
		Short:         "PC/XT chipset emulation tools.",
		Long:          "xtpc creates disk images and drives the emulated PC/XT device bus without a CPU engine.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return opts.setup()
		},
	}
	root.PersistentFlags().BoolVar(&opts.debug, "debug", false, "enable debug logging")
	root.PersistentFlags().StringVar(&opts.envFile, "env", ".env", "environment file to load before reading the config")
	root.PersistentFlags().StringVarP(&opts.config, "config", "c", "", "machine config file (YAML)")

	root.AddCommand(
		newMkdiskCommand(),
		newIdentifyCommand(opts),
		newProbeCommand(opts),
		newConfigCommand(opts),
	)
	return root
}

func (o *globalOptions) setup() error {
	level := slog.LevelInfo
	if o.debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	if o.envFile == "" {
		return nil
	}
	if err := godotenv.Load(o.envFile); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("loading %s: %w", o.envFile, err)
	}
	slog.Debug("xtpc: loaded environment", "file", o.envFile)
	return nil
}

// machineConfig returns the config named by --config, or the defaults.
func (o *globalOptions) machineConfig() (*machine.Config, error) {
	if o.config == "" {
		cfg := machine.DefaultConfig()
		return &cfg, nil
	}
	return machine.LoadConfig(o.config)
}
