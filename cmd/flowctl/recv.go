package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/danmuck/flowlink/internal/comm"
	"github.com/danmuck/flowlink/internal/config"
	"github.com/danmuck/flowlink/internal/observability"
	"github.com/danmuck/flowlink/internal/sampling"
	"github.com/rs/xid"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/tebeka/atexit"
)

func newRecvCmd(root *rootOptions) *cobra.Command {
	var (
		addr       string
		port       int
		senders    int
		queueBytes uint64
		statusAddr string
	)
	cmd := &cobra.Command{
		Use:   "recv",
		Short: "Listen for samplers and consume their NodeFlows until every stream ends.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.load()
			if err != nil {
				return err
			}
			flags := cmd.Flags()
			if flags.Changed("addr") {
				cfg.Receiver.Address = addr
			}
			if flags.Changed("port") {
				cfg.Receiver.Port = port
			}
			if flags.Changed("senders") {
				cfg.Receiver.ExpectedSenders = senders
			}
			if flags.Changed("queue-bytes") {
				cfg.Receiver.QueueCapacityBytes = queueBytes
			}
			if flags.Changed("status-addr") {
				cfg.Status.Addr = statusAddr
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runRecv(ctx, cfg)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen host")
	cmd.Flags().IntVarP(&port, "port", "p", 0, "listen port")
	cmd.Flags().IntVarP(&senders, "senders", "n", 0, "number of samplers to expect")
	cmd.Flags().Uint64Var(&queueBytes, "queue-bytes", 0, "receive queue capacity in bytes")
	cmd.Flags().StringVar(&statusAddr, "status-addr", "", "serve /health, /ready, /metrics and /stats on this address")
	return cmd
}

func runRecv(ctx context.Context, cfg config.Config) error {
	runID := xid.New().String()
	logger := log.With().Str("run", runID).Str("role", "receiver").Logger()

	rc := cfg.Receiver
	rcv, err := sampling.CreateReceiver(ctx, rc.Address, rc.Port, rc.ExpectedSenders, rc.QueueCapacityBytes, cfg.Transport,
		sampling.WithKind(cfg.Kind))
	if err != nil {
		return err
	}
	atexit.Register(func() { _ = rcv.Finalize() })
	defer rcv.Finalize()
	logger.Info().Str("addr", rcv.Addr()).Int("senders", rc.ExpectedSenders).Msg("flowctl.recv listening")

	if cfg.Status.Addr != "" {
		status := observability.NewStatusServer(statusConfig(runID, cfg.Status, rcv))
		go func() {
			if err := status.Serve(ctx); err != nil {
				logger.Error().Err(err).Msg("flowctl.recv status server")
			}
		}()
	}

	start := time.Now()
	var batches, flows, nodes int
	for {
		batch, err := rcv.ReceiveSubgraph(ctx)
		if err != nil {
			if errors.Is(err, comm.ErrClosed) {
				break
			}
			if ctx.Err() != nil {
				logger.Warn().Int("flows", flows).Msg("flowctl.recv interrupted")
				return nil
			}
			return err
		}
		batches++
		for _, nf := range batch {
			flows++
			nodes += nf.NumNodes()
		}
		logger.Debug().Int("batch_flows", len(batch)).Int("flows", flows).Msg("flowctl.recv batch")
	}
	logger.Info().
		Int("batches", batches).
		Int("flows", flows).
		Int("nodes", nodes).
		Dur("elapsed", time.Since(start)).
		Msg("flowctl.recv all senders finished")
	return rcv.Finalize()
}

func statusConfig(id string, sc config.StatusConfig, rcv *sampling.Receiver) observability.StatusConfig {
	out := observability.StatusConfig{
		ID:          id,
		Addr:        sc.Addr,
		CORSOrigins: sc.CORSOrigins,
	}
	sock, ok := rcv.Communicator().(*comm.Socket)
	if !ok {
		return out
	}
	out.Ready = func() bool {
		select {
		case <-sock.Ready():
			return true
		default:
			return false
		}
	}
	out.Stats = func() any { return sock.Stats() }
	return out
}
