package session

import (
	"errors"
	"fmt"
	"time"
)

var ErrInvalidConfig = errors.New("session: invalid config")

const (
	DefaultMaxFrameBytes      uint64 = 100 * 1024 * 1024
	DefaultQueueCapacityBytes uint64 = 200 * 1024 * 1024
)

// BackoffConfig defines retry backoff behavior.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

// Config defines transport reliability and sizing defaults.
type Config struct {
	ConnectTimeout     time.Duration
	WriteTimeout       time.Duration
	MaxConnectAttempts int
	MaxSendAttempts    int
	MaxFrameBytes      uint64
	QueueCapacityBytes uint64
	// SocketBufferBytes sets SO_SNDBUF/SO_RCVBUF when positive.
	SocketBufferBytes int
	Backoff           BackoffConfig
}

func DefaultConfig() Config {
	return Config{
		ConnectTimeout:     5 * time.Second,
		WriteTimeout:       0,
		MaxConnectAttempts: 5,
		MaxSendAttempts:    3,
		MaxFrameBytes:      DefaultMaxFrameBytes,
		QueueCapacityBytes: DefaultQueueCapacityBytes,
		Backoff: BackoffConfig{
			InitialDelay: 250 * time.Millisecond,
			Multiplier:   2.0,
			MaxDelay:     5 * time.Second,
			Jitter:       true,
		},
	}
}

// WithDefaults fills zero-valued fields from DefaultConfig.
func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = def.ConnectTimeout
	}
	if c.MaxConnectAttempts <= 0 {
		c.MaxConnectAttempts = def.MaxConnectAttempts
	}
	if c.MaxSendAttempts <= 0 {
		c.MaxSendAttempts = def.MaxSendAttempts
	}
	if c.MaxFrameBytes == 0 {
		c.MaxFrameBytes = def.MaxFrameBytes
	}
	if c.QueueCapacityBytes == 0 {
		c.QueueCapacityBytes = def.QueueCapacityBytes
	}
	if c.Backoff == (BackoffConfig{}) {
		c.Backoff = def.Backoff
	}
	return c
}

// Validate rejects configurations that cannot carry their own largest frame.
func (c Config) Validate() error {
	if c.MaxFrameBytes == 0 {
		return fmt.Errorf("%w: max frame bytes must be positive", ErrInvalidConfig)
	}
	if c.QueueCapacityBytes < c.MaxFrameBytes {
		return fmt.Errorf("%w: queue capacity %d smaller than max frame %d",
			ErrInvalidConfig, c.QueueCapacityBytes, c.MaxFrameBytes)
	}
	if c.MaxConnectAttempts <= 0 || c.MaxSendAttempts <= 0 {
		return fmt.Errorf("%w: retry budgets must be positive", ErrInvalidConfig)
	}
	if c.ConnectTimeout < 0 || c.WriteTimeout < 0 {
		return fmt.Errorf("%w: negative timeout", ErrInvalidConfig)
	}
	return nil
}
