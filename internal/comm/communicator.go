package comm

import (
	"context"
	"fmt"
	"strings"

	"github.com/danmuck/flowlink/internal/protocol/session"
)

// Communicator is the transport contract shared by every Kind.
type Communicator interface {
	// Initialize binds the instance to one role. Receivers begin listening;
	// senders connect to the receiver.
	Initialize(ctx context.Context, opts InitOptions) error
	// Send transmits one complete frame and reports its length. It fails
	// without partial success.
	Send(ctx context.Context, buf []byte) (int, error)
	// Receive blocks for the next frame from any sender and copies it into
	// out.
	Receive(ctx context.Context, out []byte) (int, error)
	// Finalize releases every resource. It is idempotent and unblocks
	// pending Send and Receive calls.
	Finalize() error
}

type InitOptions struct {
	Role    Role
	Address string
	Port    int

	// Receiver only.
	ExpectedSenders int
	// QueueCapacityBytes overrides session.Config.QueueCapacityBytes when
	// positive.
	QueueCapacityBytes uint64
}

// Kind selects a Communicator implementation.
type Kind string

const KindSocket Kind = "socket"

func ParseKind(raw string) (Kind, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(raw))) {
	case KindSocket, "":
		return KindSocket, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, raw)
	}
}

// New returns an uninitialized communicator of the given kind.
func New(kind Kind, cfg session.Config) (Communicator, error) {
	switch kind {
	case KindSocket:
		return NewSocket(cfg), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
}
