package sampling

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/danmuck/flowlink/internal/comm"
	"github.com/danmuck/flowlink/internal/nodeflow"
	"github.com/danmuck/flowlink/internal/protocol"
	"github.com/danmuck/flowlink/internal/protocol/session"
)

const initialReceiveBuffer = 64 << 10

// Receiver pulls frames from one communicator and decodes them into
// NodeFlows. Its receive buffer is owned by the instance and grows to the
// largest frame seen.
type Receiver struct {
	comm     comm.Communicator
	maxFrame uint64

	mu      sync.Mutex
	buf     []byte
	pending []*nodeflow.NodeFlow
}

// CreateReceiver listens on address:port for expectedSenders samplers.
// A zero queueCapacityBytes keeps cfg's queue capacity.
func CreateReceiver(
	ctx context.Context,
	address string,
	port int,
	expectedSenders int,
	queueCapacityBytes uint64,
	cfg session.Config,
	opts ...Option,
) (*Receiver, error) {
	c, err := newCommunicator(cfg, opts)
	if err != nil {
		return nil, err
	}
	err = c.Initialize(ctx, comm.InitOptions{
		Role:               comm.RoleReceiver,
		Address:            address,
		Port:               port,
		ExpectedSenders:    expectedSenders,
		QueueCapacityBytes: queueCapacityBytes,
	})
	if err != nil {
		_ = c.Finalize()
		return nil, err
	}
	return NewReceiver(c, cfg), nil
}

// NewReceiver wraps an already initialized communicator.
func NewReceiver(c comm.Communicator, cfg session.Config) *Receiver {
	cfg = cfg.WithDefaults()
	return &Receiver{
		comm:     c,
		maxFrame: cfg.MaxFrameBytes,
		buf:      make([]byte, min(uint64(initialReceiveBuffer), cfg.MaxFrameBytes)),
	}
}

// ReceiveSubgraph returns every NodeFlow of the next transfer. Flows left
// over from Receive are returned first.
func (r *Receiver) ReceiveSubgraph(ctx context.Context) ([]*nodeflow.NodeFlow, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.pending) > 0 {
		flows := r.pending
		r.pending = nil
		return flows, nil
	}
	return r.receiveLocked(ctx)
}

// Receive returns the next single NodeFlow, splitting batched transfers
// across calls.
func (r *Receiver) Receive(ctx context.Context) (*nodeflow.NodeFlow, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for len(r.pending) == 0 {
		flows, err := r.receiveLocked(ctx)
		if err != nil {
			return nil, err
		}
		r.pending = flows
	}
	nf := r.pending[0]
	r.pending[0] = nil
	r.pending = r.pending[1:]
	return nf, nil
}

func (r *Receiver) receiveLocked(ctx context.Context) ([]*nodeflow.NodeFlow, error) {
	payload, err := r.receiveFrame(ctx)
	if err != nil {
		return nil, err
	}
	sg, err := protocol.Deserialize(payload)
	if err != nil {
		return nil, err
	}
	return nodeflow.FromSubgraph(sg)
}

func (r *Receiver) receiveFrame(ctx context.Context) ([]byte, error) {
	for {
		n, err := r.comm.Receive(ctx, r.buf)
		if err == nil {
			return r.buf[:n], nil
		}
		var small *comm.BufferTooSmallError
		if !errors.As(err, &small) {
			return nil, err
		}
		if small.Need <= len(r.buf) || uint64(small.Need) > r.maxFrame {
			return nil, fmt.Errorf("%w: frame of %d bytes, limit %d", comm.ErrMessageTooLarge, small.Need, r.maxFrame)
		}
		r.buf = make([]byte, small.Need)
	}
}

func (r *Receiver) Finalize() error {
	return r.comm.Finalize()
}

func (r *Receiver) Communicator() comm.Communicator {
	return r.comm
}

// Addr reports the listening address when the communicator exposes one.
func (r *Receiver) Addr() string {
	if a, ok := r.comm.(interface{ Addr() string }); ok {
		return a.Addr()
	}
	return ""
}
