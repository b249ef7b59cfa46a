package main

import (
	"context"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/danmuck/flowlink/internal/config"
	"github.com/danmuck/flowlink/internal/nodeflow"
	"github.com/danmuck/flowlink/internal/sampling"
	"github.com/rs/xid"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/tebeka/atexit"
)

func newSendCmd(root *rootOptions) *cobra.Command {
	var (
		addr  string
		port  int
		flows int
		batch int
	)
	cmd := &cobra.Command{
		Use:   "send",
		Short: "Connect to a receiver and stream synthetic NodeFlows.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.load()
			if err != nil {
				return err
			}
			flags := cmd.Flags()
			if flags.Changed("addr") {
				cfg.Sender.Address = addr
			}
			if flags.Changed("port") {
				cfg.Sender.Port = port
			}
			if flags.Changed("flows") {
				cfg.Sender.Flows = flows
			}
			if flags.Changed("batch") {
				cfg.Sender.Batch = batch
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runSend(ctx, cfg.Sender, cfg)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "receiver host")
	cmd.Flags().IntVarP(&port, "port", "p", 0, "receiver port")
	cmd.Flags().IntVar(&flows, "flows", 0, "number of NodeFlows to send")
	cmd.Flags().IntVar(&batch, "batch", 0, "NodeFlows packed per transfer")
	return cmd
}

func runSend(ctx context.Context, sc config.SenderConfig, cfg config.Config) error {
	runID := xid.New().String()
	logger := log.With().Str("run", runID).Str("role", "sender").Logger()

	snd, err := sampling.CreateSender(ctx, sc.Address, sc.Port, cfg.Transport, sampling.WithKind(cfg.Kind))
	if err != nil {
		return err
	}
	atexit.Register(func() { _ = snd.Finalize() })
	defer snd.Finalize()

	rng := rand.New(rand.NewSource(sc.Seed))
	shape := sampling.Shape{Layers: sc.Layers, Seeds: sc.Seeds, Fanout: sc.Fanout}
	start := time.Now()
	sent := 0
	for sent < sc.Flows {
		n := min(sc.Batch, sc.Flows-sent)
		batch := make([]*nodeflow.NodeFlow, 0, n)
		for i := 0; i < n; i++ {
			nf, err := sampling.Synthesize(rng, shape)
			if err != nil {
				return err
			}
			batch = append(batch, nf)
		}
		if err := snd.BatchSend(ctx, batch); err != nil {
			if ctx.Err() != nil {
				logger.Warn().Int("sent", sent).Msg("flowctl.send interrupted")
				return nil
			}
			return err
		}
		sent += n
		logger.Debug().Int("flows", n).Int("sent", sent).Msg("flowctl.send batch")
	}
	logger.Info().
		Int("flows", sent).
		Dur("elapsed", time.Since(start)).
		Msg("flowctl.send complete")
	return snd.Finalize()
}
