package sampling

import (
	"context"
	"fmt"
	"time"

	"github.com/danmuck/flowlink/internal/comm"
	"github.com/danmuck/flowlink/internal/nodeflow"
	"github.com/danmuck/flowlink/internal/observability"
	"github.com/danmuck/flowlink/internal/protocol"
	"github.com/danmuck/flowlink/internal/protocol/session"
)

// Sender serializes subgraphs and pushes them through one communicator.
type Sender struct {
	comm comm.Communicator
}

// CreateSender connects a communicator, a socket unless WithKind says
// otherwise, to the receiver at address:port.
func CreateSender(ctx context.Context, address string, port int, cfg session.Config, opts ...Option) (*Sender, error) {
	c, err := newCommunicator(cfg, opts)
	if err != nil {
		return nil, err
	}
	err = c.Initialize(ctx, comm.InitOptions{
		Role:    comm.RoleSender,
		Address: address,
		Port:    port,
	})
	if err != nil {
		_ = c.Finalize()
		return nil, err
	}
	return NewSender(c), nil
}

// NewSender wraps an already initialized communicator.
func NewSender(c comm.Communicator) *Sender {
	return &Sender{comm: c}
}

// SendSubgraph encodes sg and sends it as one frame. The encoded buffer is
// released when the call returns.
func (s *Sender) SendSubgraph(ctx context.Context, sg protocol.Subgraph) error {
	start := time.Now()
	buf, err := protocol.Serialize(sg)
	if err != nil {
		return fmt.Errorf("sampling: serialize: %w", err)
	}
	n, err := s.comm.Send(ctx, buf)
	if err != nil {
		return err
	}
	if n != len(buf) {
		return fmt.Errorf("%w: sent %d of %d bytes", comm.ErrTransferFailed, n, len(buf))
	}
	observability.ObserveSendDuration(time.Since(start))
	return nil
}

func (s *Sender) Send(ctx context.Context, nf *nodeflow.NodeFlow) error {
	if nf == nil {
		return fmt.Errorf("%w: nil flow", nodeflow.ErrInvalidNodeFlow)
	}
	return s.SendSubgraph(ctx, nf.Subgraph())
}

// BatchSend packs flows into a single transfer.
func (s *Sender) BatchSend(ctx context.Context, flows []*nodeflow.NodeFlow) error {
	sg, err := nodeflow.Pack(flows...)
	if err != nil {
		return err
	}
	return s.SendSubgraph(ctx, sg)
}

func (s *Sender) Finalize() error {
	return s.comm.Finalize()
}

func (s *Sender) Communicator() comm.Communicator {
	return s.comm
}
