package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/flowlink/internal/protocol/session"
)

type fileConfig struct {
	Kind      string        `toml:"kind"`
	Transport transportFile `toml:"transport"`
	Sender    senderFile    `toml:"sender"`
	Receiver  receiverFile  `toml:"receiver"`
	Status    statusFile    `toml:"status"`
}

type transportFile struct {
	ConnectTimeout     string  `toml:"connect_timeout"`
	WriteTimeout       string  `toml:"write_timeout"`
	MaxConnectAttempts int     `toml:"max_connect_attempts"`
	MaxSendAttempts    int     `toml:"max_send_attempts"`
	MaxFrameBytes      uint64  `toml:"max_frame_bytes"`
	QueueCapacityBytes uint64  `toml:"queue_capacity_bytes"`
	SocketBufferBytes  int     `toml:"socket_buffer_bytes"`
	BackoffInitial     string  `toml:"backoff_initial"`
	BackoffMultiplier  float64 `toml:"backoff_multiplier"`
	BackoffMax         string  `toml:"backoff_max"`
	BackoffJitter      bool    `toml:"backoff_jitter"`
}

type senderFile struct {
	Address string `toml:"address"`
	Port    int    `toml:"port"`
	Flows   int    `toml:"flows"`
	Batch   int    `toml:"batch"`
	Layers  int    `toml:"layers"`
	Seeds   int    `toml:"seeds"`
	Fanout  int    `toml:"fanout"`
	Seed    int64  `toml:"seed"`
}

type receiverFile struct {
	Address            string `toml:"address"`
	Port               int    `toml:"port"`
	ExpectedSenders    int    `toml:"expected_senders"`
	QueueCapacityBytes uint64 `toml:"queue_capacity_bytes"`
}

type statusFile struct {
	Addr        string   `toml:"addr"`
	CORSOrigins []string `toml:"cors_origins"`
}

func (f transportFile) apply(meta toml.MetaData, cfg *session.Config) error {
	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"connect_timeout", f.ConnectTimeout, &cfg.ConnectTimeout},
		{"write_timeout", f.WriteTimeout, &cfg.WriteTimeout},
		{"backoff_initial", f.BackoffInitial, &cfg.Backoff.InitialDelay},
		{"backoff_max", f.BackoffMax, &cfg.Backoff.MaxDelay},
	}
	for _, d := range durations {
		if !meta.IsDefined("transport", d.key) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return fmt.Errorf("parse transport.%s: %w", d.key, err)
		}
		*d.dst = v
	}

	if meta.IsDefined("transport", "max_connect_attempts") {
		cfg.MaxConnectAttempts = f.MaxConnectAttempts
	}
	if meta.IsDefined("transport", "max_send_attempts") {
		cfg.MaxSendAttempts = f.MaxSendAttempts
	}
	if meta.IsDefined("transport", "max_frame_bytes") {
		cfg.MaxFrameBytes = f.MaxFrameBytes
	}
	if meta.IsDefined("transport", "queue_capacity_bytes") {
		cfg.QueueCapacityBytes = f.QueueCapacityBytes
	}
	if meta.IsDefined("transport", "socket_buffer_bytes") {
		cfg.SocketBufferBytes = f.SocketBufferBytes
	}
	if meta.IsDefined("transport", "backoff_multiplier") {
		cfg.Backoff.Multiplier = f.BackoffMultiplier
	}
	if meta.IsDefined("transport", "backoff_jitter") {
		cfg.Backoff.Jitter = f.BackoffJitter
	}
	return nil
}

func (f senderFile) apply(meta toml.MetaData, cfg *SenderConfig) {
	if meta.IsDefined("sender", "address") {
		cfg.Address = strings.TrimSpace(f.Address)
	}
	if meta.IsDefined("sender", "port") {
		cfg.Port = f.Port
	}
	if meta.IsDefined("sender", "flows") {
		cfg.Flows = f.Flows
	}
	if meta.IsDefined("sender", "batch") {
		cfg.Batch = f.Batch
	}
	if meta.IsDefined("sender", "layers") {
		cfg.Layers = f.Layers
	}
	if meta.IsDefined("sender", "seeds") {
		cfg.Seeds = f.Seeds
	}
	if meta.IsDefined("sender", "fanout") {
		cfg.Fanout = f.Fanout
	}
	if meta.IsDefined("sender", "seed") {
		cfg.Seed = f.Seed
	}
}

func (f receiverFile) apply(meta toml.MetaData, cfg *ReceiverConfig) {
	if meta.IsDefined("receiver", "address") {
		cfg.Address = strings.TrimSpace(f.Address)
	}
	if meta.IsDefined("receiver", "port") {
		cfg.Port = f.Port
	}
	if meta.IsDefined("receiver", "expected_senders") {
		cfg.ExpectedSenders = f.ExpectedSenders
	}
	if meta.IsDefined("receiver", "queue_capacity_bytes") {
		cfg.QueueCapacityBytes = f.QueueCapacityBytes
	}
}
