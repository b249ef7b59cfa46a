package main

import (
	"errors"
	"io/fs"
	"os"
	"strings"

	"github.com/danmuck/flowlink/internal/config"
	"github.com/danmuck/flowlink/internal/logging"
	"github.com/danmuck/flowlink/internal/observability"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

type rootOptions struct {
	configPath string
	envFile    string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "flowctl",
		Short: "Stream sampled NodeFlows from samplers to trainers.",
		Long: `flowctl runs either end of a NodeFlow transport. "send" plays a ` +
			`sampler pushing synthetic layered subgraphs, "recv" plays a trainer ` +
			`fanning in every sampler's stream.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.setup()
		},
	}
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "TOML config file")
	cmd.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "dotenv file loaded before logging is configured")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level override (trace|debug|info|warn|error|off)")

	cmd.AddCommand(newSendCmd(opts), newRecvCmd(opts), newConfigCmd())
	return cmd
}

func (o *rootOptions) setup() error {
	if o.envFile != "" {
		if err := godotenv.Load(o.envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	if lvl := strings.TrimSpace(o.logLevel); lvl != "" {
		_ = os.Setenv(logging.EnvLogLevel, lvl)
	}
	logging.ConfigureRuntime()
	observability.InitLogger("flowctl")
	return nil
}

func (o *rootOptions) load() (config.Config, error) {
	if o.configPath == "" {
		return config.Default(), nil
	}
	return config.Load(o.configPath)
}
