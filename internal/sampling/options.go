package sampling

import (
	"github.com/danmuck/flowlink/internal/comm"
	"github.com/danmuck/flowlink/internal/protocol/session"
)

// Option adjusts how CreateSender and CreateReceiver build their
// communicator.
type Option func(*options)

type options struct {
	kind comm.Kind
}

// WithKind selects the communicator variant. An empty kind keeps the socket.
func WithKind(kind comm.Kind) Option {
	return func(o *options) {
		if kind != "" {
			o.kind = kind
		}
	}
}

func newCommunicator(cfg session.Config, opts []Option) (comm.Communicator, error) {
	o := options{kind: comm.KindSocket}
	for _, opt := range opts {
		opt(&o)
	}
	return comm.New(o.kind, cfg)
}
