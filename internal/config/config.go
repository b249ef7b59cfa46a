package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/flowlink/internal/comm"
	"github.com/danmuck/flowlink/internal/protocol/session"
)

var ErrInvalid = errors.New("config: invalid")

const DefaultPort = 7700

// Config is the resolved flowctl configuration.
type Config struct {
	Kind      comm.Kind
	Transport session.Config
	Sender    SenderConfig
	Receiver  ReceiverConfig
	Status    StatusConfig
}

// SenderConfig points a sampler at its trainer and shapes the synthetic
// flows it generates.
type SenderConfig struct {
	Address string
	Port    int
	Flows   int
	Batch   int
	Layers  int
	Seeds   int
	Fanout  int
	Seed    int64
}

type ReceiverConfig struct {
	Address            string
	Port               int
	ExpectedSenders    int
	QueueCapacityBytes uint64
}

// StatusConfig enables the HTTP status server when Addr is set.
type StatusConfig struct {
	Addr        string
	CORSOrigins []string
}

func Default() Config {
	return Config{
		Kind:      comm.KindSocket,
		Transport: session.DefaultConfig(),
		Sender: SenderConfig{
			Address: "127.0.0.1",
			Port:    DefaultPort,
			Flows:   16,
			Batch:   1,
			Layers:  3,
			Seeds:   8,
			Fanout:  4,
			Seed:    1,
		},
		Receiver: ReceiverConfig{
			Address:         "0.0.0.0",
			Port:            DefaultPort,
			ExpectedSenders: 1,
		},
	}
}

// Load reads path on top of Default. Keys absent from the file keep their
// defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("%w: unknown key %q in %s", ErrInvalid, undecoded[0].String(), path)
	}

	if meta.IsDefined("kind") {
		kind, err := comm.ParseKind(raw.Kind)
		if err != nil {
			return Config{}, err
		}
		cfg.Kind = kind
	}
	if err := raw.Transport.apply(meta, &cfg.Transport); err != nil {
		return Config{}, err
	}
	raw.Sender.apply(meta, &cfg.Sender)
	raw.Receiver.apply(meta, &cfg.Receiver)
	if meta.IsDefined("status", "addr") {
		cfg.Status.Addr = strings.TrimSpace(raw.Status.Addr)
	}
	if meta.IsDefined("status", "cors_origins") {
		cfg.Status.CORSOrigins = raw.Status.CORSOrigins
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if err := c.Transport.Validate(); err != nil {
		return err
	}
	if c.Receiver.QueueCapacityBytes != 0 && c.Receiver.QueueCapacityBytes < c.Transport.MaxFrameBytes {
		return fmt.Errorf("%w: receiver queue_capacity_bytes %d below max_frame_bytes %d",
			ErrInvalid, c.Receiver.QueueCapacityBytes, c.Transport.MaxFrameBytes)
	}
	if c.Receiver.ExpectedSenders < 1 {
		return fmt.Errorf("%w: receiver expected_senders must be at least 1", ErrInvalid)
	}
	for name, port := range map[string]int{"sender": c.Sender.Port, "receiver": c.Receiver.Port} {
		if port < 0 || port > 65535 {
			return fmt.Errorf("%w: %s port %d", ErrInvalid, name, port)
		}
	}
	if c.Sender.Layers < 1 || c.Sender.Seeds < 1 || c.Sender.Batch < 1 || c.Sender.Flows < 0 || c.Sender.Fanout < 0 {
		return fmt.Errorf("%w: sender flow shape layers=%d seeds=%d batch=%d flows=%d fanout=%d",
			ErrInvalid, c.Sender.Layers, c.Sender.Seeds, c.Sender.Batch, c.Sender.Flows, c.Sender.Fanout)
	}
	return nil
}
