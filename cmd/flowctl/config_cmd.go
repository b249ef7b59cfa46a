package main

import (
	"fmt"

	"github.com/danmuck/flowlink/internal/config"
	"github.com/spf13/cobra"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Write or check flowctl TOML files.",
	}

	var (
		kind   string
		output string
		force  bool
	)
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a commented config template.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if output == "" {
				output = "flowctl." + kind + ".toml"
			}
			if err := config.WriteTemplate(output, kind, force); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s config to %s\n", kind, output)
			return nil
		},
	}
	initCmd.Flags().StringVarP(&kind, "kind", "k", "receiver", "template kind: sender|receiver")
	initCmd.Flags().StringVarP(&output, "output", "o", "", "output path")
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")

	validateCmd := &cobra.Command{
		Use:   "validate <path>",
		Short: "Load a config file and report problems.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s ok: kind=%s max_frame_bytes=%d queue_capacity_bytes=%d\n",
				args[0], cfg.Kind, cfg.Transport.MaxFrameBytes, cfg.Transport.QueueCapacityBytes)
			return nil
		},
	}

	cmd.AddCommand(initCmd, validateCmd)
	return cmd
}
