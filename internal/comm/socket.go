package comm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"

	"github.com/danmuck/flowlink/internal/protocol/session"
	"github.com/rs/zerolog/log"
)

// Socket is the TCP Communicator. One instance serves exactly one role.
type Socket struct {
	cfg session.Config

	// life ends on Finalize and cancels an Initialize still dialing.
	life   context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	state        State
	role         Role
	initializing bool
	sender       *socketSender
	receiver     *socketReceiver

	ready     chan struct{}
	readyOnce sync.Once
}

var _ Communicator = (*Socket)(nil)

func NewSocket(cfg session.Config) *Socket {
	life, cancel := context.WithCancel(context.Background())
	return &Socket{
		cfg:    cfg.WithDefaults(),
		life:   life,
		cancel: cancel,
		state:  StateCreated,
		ready:  make(chan struct{}),
	}
}

// Initialize binds or dials without holding the lock, so State, Stats and
// Finalize stay responsive while a sender retries its connect.
func (s *Socket) Initialize(ctx context.Context, opts InitOptions) error {
	s.mu.Lock()
	if s.state != StateCreated || s.initializing {
		state := s.state
		s.mu.Unlock()
		return transitionError(state, StateInitialized)
	}
	if !opts.Role.valid() {
		s.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrRole, opts.Role)
	}
	if opts.Port < 0 || opts.Port > 65535 {
		s.mu.Unlock()
		return fmt.Errorf("%w: port %d", ErrInvalidConfig, opts.Port)
	}
	if err := s.cfg.Validate(); err != nil {
		s.mu.Unlock()
		return err
	}
	s.initializing = true
	s.mu.Unlock()

	addr := net.JoinHostPort(opts.Address, strconv.Itoa(opts.Port))
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.life, cancel)
	defer stop()

	var (
		snd *socketSender
		rcv *socketReceiver
		err error
	)
	switch opts.Role {
	case RoleSender:
		snd, err = dialSender(ctx, s.cfg, addr)
	case RoleReceiver:
		rcv, err = listenReceiver(s.cfg, addr, opts.ExpectedSenders, opts.QueueCapacityBytes, s.activate)
	}

	s.mu.Lock()
	s.initializing = false
	if s.state == StateFinalized {
		s.mu.Unlock()
		if snd != nil {
			_ = snd.Close()
		}
		if rcv != nil {
			_ = rcv.Close()
		}
		return fmt.Errorf("%w: finalized during initialize", ErrCancelled)
	}
	defer s.mu.Unlock()
	if err != nil {
		return err
	}
	switch opts.Role {
	case RoleSender:
		s.sender = snd
		s.role = RoleSender
		s.state = StateActive
		s.markReady()
	case RoleReceiver:
		s.receiver = rcv
		s.role = RoleReceiver
		s.state = StateInitialized
		rcv.start()
	}
	log.Debug().Str("role", string(s.role)).Str("addr", s.addrLocked()).Msg("comm.Socket initialized")
	return nil
}

func (s *Socket) Send(ctx context.Context, buf []byte) (int, error) {
	s.mu.Lock()
	state, role, snd := s.state, s.role, s.sender
	s.mu.Unlock()

	switch {
	case state == StateFinalized:
		return 0, ErrClosed
	case state == StateCreated:
		return 0, ErrNotConnected
	case role != RoleSender:
		return 0, fmt.Errorf("%w: send on %s", ErrRole, role)
	}
	return snd.Send(ctx, buf)
}

func (s *Socket) Receive(ctx context.Context, out []byte) (int, error) {
	s.mu.Lock()
	state, role, rcv := s.state, s.role, s.receiver
	s.mu.Unlock()

	switch {
	case state == StateFinalized:
		return 0, ErrClosed
	case state == StateCreated:
		return 0, ErrNotConnected
	case role != RoleReceiver:
		return 0, fmt.Errorf("%w: receive on %s", ErrRole, role)
	}
	return rcv.Receive(ctx, out)
}

// Finalize is safe to call any number of times from any goroutine.
func (s *Socket) Finalize() error {
	s.mu.Lock()
	if s.state == StateFinalized {
		s.mu.Unlock()
		return nil
	}
	s.state = StateFinalized
	role, snd, rcv := s.role, s.sender, s.receiver
	s.mu.Unlock()
	s.cancel()

	var errs []error
	if snd != nil {
		if err := snd.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close sender: %w", err))
		}
	}
	if rcv != nil {
		if err := rcv.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close receiver: %w", err))
		}
	}
	err := errors.Join(errs...)
	log.Debug().Str("role", string(role)).Err(err).Msg("comm.Socket finalized")
	return err
}

func (s *Socket) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Socket) Role() Role {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.role
}

// Ready is closed once a sender is connected, or once every expected sender
// has connected to a receiver.
func (s *Socket) Ready() <-chan struct{} {
	return s.ready
}

// Addr returns the bound listener address for receivers and the dialed
// address for senders.
func (s *Socket) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addrLocked()
}

func (s *Socket) addrLocked() string {
	switch {
	case s.receiver != nil:
		return s.receiver.ln.Addr().String()
	case s.sender != nil:
		return s.sender.addr
	default:
		return ""
	}
}

// Stats is a point-in-time view for status endpoints.
type Stats struct {
	Role             Role   `json:"role"`
	State            State  `json:"state"`
	Addr             string `json:"addr"`
	SenderID         string `json:"sender_id,omitempty"`
	ExpectedSenders  int    `json:"expected_senders,omitempty"`
	SeenSenders      int    `json:"seen_senders,omitempty"`
	LiveConnections  int    `json:"live_connections,omitempty"`
	QueuedFrames     int    `json:"queued_frames,omitempty"`
	QueuedBytes      uint64 `json:"queued_bytes,omitempty"`
	QueueCapacity    uint64 `json:"queue_capacity,omitempty"`
	FramesDelivered  uint64 `json:"frames_delivered"`
	BytesTransferred uint64 `json:"bytes_transferred"`
}

func (s *Socket) Stats() Stats {
	s.mu.Lock()
	st := Stats{Role: s.role, State: s.state, Addr: s.addrLocked()}
	snd, rcv := s.sender, s.receiver
	s.mu.Unlock()

	if snd != nil {
		snd.fillStats(&st)
	}
	if rcv != nil {
		rcv.fillStats(&st)
	}
	return st
}

// activate runs once every expected sender has said hello.
func (s *Socket) activate() {
	s.mu.Lock()
	if s.state == StateInitialized {
		s.state = StateActive
	}
	s.mu.Unlock()
	s.markReady()
}

func (s *Socket) markReady() {
	s.readyOnce.Do(func() { close(s.ready) })
}
