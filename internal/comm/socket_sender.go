package comm

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/flowlink/internal/observability"
	"github.com/danmuck/flowlink/internal/protocol/frame"
	"github.com/danmuck/flowlink/internal/protocol/session"
	"github.com/rs/xid"
	"github.com/rs/zerolog/log"
)

const (
	endOfStreamTimeout = time.Second
	// maxReplyBytes bounds the receiver's answer to a hello.
	maxReplyBytes = 4096
)

// socketSender owns one outbound connection. sendMu serializes whole
// frames; connMu guards the conn pointer so Close can reach it while a Send
// is blocked in a write.
type socketSender struct {
	cfg    session.Config
	addr   string
	id     string
	limits frame.Limits
	rng    *rand.Rand

	life   context.Context
	cancel context.CancelFunc
	closed atomic.Bool

	sendMu sync.Mutex
	connMu sync.Mutex
	conn   net.Conn

	// peerMax is the receiver's frame limit from the last accept.
	peerMax atomic.Uint64

	frames atomic.Uint64
	bytes  atomic.Uint64
}

func dialSender(ctx context.Context, cfg session.Config, addr string) (*socketSender, error) {
	life, cancel := context.WithCancel(context.Background())
	s := &socketSender{
		cfg:    cfg,
		addr:   addr,
		id:     xid.New().String(),
		limits: frame.Limits{MaxPayloadBytes: cfg.MaxFrameBytes},
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		life:   life,
		cancel: cancel,
	}
	if err := s.connect(ctx); err != nil {
		cancel()
		return nil, err
	}
	return s, nil
}

// connect dials until a hello is accepted or the attempt budget is spent. A
// rejection is final.
func (s *socketSender) connect(ctx context.Context) error {
	var lastErr error
	for attempt := 1; attempt <= s.cfg.MaxConnectAttempts; attempt++ {
		if s.closed.Load() {
			return ErrCancelled
		}
		conn, err := s.dialOnce(ctx)
		observability.RecordConnectAttempt(err == nil)
		if err == nil {
			return s.setConn(conn)
		}
		if errors.Is(err, errRejected) {
			log.Error().Str("addr", s.addr).Str("sender_id", s.id).Err(err).Msg("comm.sender rejected")
			return fmt.Errorf("%w: %s: %w", ErrConnect, s.addr, err)
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("%w: %w", ErrCancelled, ctxErr)
		}
		lastErr = err
		log.Warn().
			Str("addr", s.addr).
			Str("sender_id", s.id).
			Int("attempt", attempt).
			Err(err).
			Msg("comm.sender dial failed")
		if attempt == s.cfg.MaxConnectAttempts {
			break
		}
		if err := session.SleepBackoff(ctx, s.cfg.Backoff, attempt, s.rng); err != nil {
			return fmt.Errorf("%w: %w", ErrCancelled, err)
		}
	}
	return fmt.Errorf("%w: %s after %d attempts: %w", ErrConnect, s.addr, s.cfg.MaxConnectAttempts, lastErr)
}

func (s *socketSender) dialOnce(ctx context.Context) (net.Conn, error) {
	dialer := net.Dialer{Timeout: s.cfg.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", s.addr)
	if err != nil {
		return nil, err
	}
	applySocketBuffers(conn, s.cfg.SocketBufferBytes)

	hello := frame.Frame{
		Header:  frame.Header{Flags: frame.FlagHello},
		Payload: []byte(s.id),
	}
	// The handshake is bounded by the connect timeout and by ctx.
	_ = conn.SetDeadline(time.Now().Add(s.cfg.ConnectTimeout))
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	peerMax, err := s.handshake(conn, hello)
	if !stop() && err == nil {
		err = fmt.Errorf("handshake interrupted: %w", context.Cause(ctx))
	}
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	_ = conn.SetDeadline(time.Time{})
	s.peerMax.Store(peerMax)
	log.Debug().
		Str("addr", s.addr).
		Str("sender_id", s.id).
		Uint64("peer_max_frame", peerMax).
		Msg("comm.sender connected")
	return conn, nil
}

// handshake writes hello and waits for the receiver's accept or reject.
func (s *socketSender) handshake(conn net.Conn, hello frame.Frame) (uint64, error) {
	if err := frame.WriteFrame(conn, hello, s.limits); err != nil {
		return 0, fmt.Errorf("write hello: %w", err)
	}
	reply, err := frame.ReadFrame(conn, frame.Limits{MaxPayloadBytes: maxReplyBytes})
	if err != nil {
		return 0, fmt.Errorf("read hello reply: %w", err)
	}
	if reply.Header.Flags&frame.FlagReject != 0 {
		return 0, fmt.Errorf("%w: %s", errRejected, reply.Payload)
	}
	return frame.ParseAccept(reply)
}

// frameLimit is the smaller of our own limit and the receiver's.
func (s *socketSender) frameLimit() uint64 {
	limit := s.cfg.MaxFrameBytes
	if peer := s.peerMax.Load(); peer > 0 && peer < limit {
		limit = peer
	}
	return limit
}

// Send writes buf as one data frame. A failed write drops the connection and
// the whole frame is resent on a fresh one.
func (s *socketSender) Send(ctx context.Context, buf []byte) (int, error) {
	if limit := s.frameLimit(); uint64(len(buf)) > limit {
		return 0, fmt.Errorf("%w: %d > %d", ErrMessageTooLarge, len(buf), limit)
	}

	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if s.closed.Load() {
		return 0, ErrClosed
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.life, cancel)
	defer stop()

	var lastErr error
	for attempt := 1; attempt <= s.cfg.MaxSendAttempts; attempt++ {
		conn := s.currentConn()
		if conn == nil {
			if err := s.connect(ctx); err != nil {
				if s.closed.Load() {
					return 0, fmt.Errorf("%w: finalized during reconnect", ErrCancelled)
				}
				return 0, err
			}
			conn = s.currentConn()
			// The receiver may have restarted with a smaller limit.
			if limit := s.frameLimit(); uint64(len(buf)) > limit {
				return 0, fmt.Errorf("%w: %d > %d", ErrMessageTooLarge, len(buf), limit)
			}
		}

		err := s.write(ctx, conn, frame.Frame{Payload: buf})
		if err == nil {
			s.frames.Add(1)
			s.bytes.Add(uint64(len(buf)))
			observability.RecordFrameSent(len(buf))
			return len(buf), nil
		}
		if s.closed.Load() {
			return 0, fmt.Errorf("%w: finalized during send", ErrCancelled)
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			s.dropConn(conn)
			return 0, fmt.Errorf("%w: %w", ErrCancelled, ctxErr)
		}
		lastErr = err
		s.dropConn(conn)
		log.Warn().
			Str("addr", s.addr).
			Str("sender_id", s.id).
			Int("attempt", attempt).
			Int("bytes", len(buf)).
			Err(err).
			Msg("comm.sender write failed")
		if attempt < s.cfg.MaxSendAttempts {
			observability.RecordSendRetry()
		}
	}
	return 0, fmt.Errorf("%w: %d attempts: %w", ErrTransferFailed, s.cfg.MaxSendAttempts, lastErr)
}

// write interrupts a blocked write when ctx ends by expiring the deadline.
func (s *socketSender) write(ctx context.Context, conn net.Conn, f frame.Frame) error {
	if s.cfg.WriteTimeout > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	} else {
		_ = conn.SetWriteDeadline(time.Time{})
	}
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetWriteDeadline(time.Now())
	})
	defer stop()
	return frame.WriteFrame(conn, f, s.limits)
}

// Close sends end-of-stream when no Send is in flight, then closes the
// connection. An in-flight Send fails with ErrCancelled.
func (s *socketSender) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	var eosErr error
	if s.sendMu.TryLock() {
		if conn := s.currentConn(); conn != nil {
			_ = conn.SetWriteDeadline(time.Now().Add(s.eosTimeout()))
			eos := frame.Frame{Header: frame.Header{Flags: frame.FlagEndOfStream}}
			eosErr = frame.WriteFrame(conn, eos, s.limits)
		}
		s.sendMu.Unlock()
	}
	s.cancel()

	s.connMu.Lock()
	conn := s.conn
	s.conn = nil
	s.connMu.Unlock()

	var closeErr error
	if conn != nil {
		closeErr = conn.Close()
	}
	log.Debug().
		Str("sender_id", s.id).
		Uint64("frames", s.frames.Load()).
		Bool("eos", eosErr == nil).
		Msg("comm.sender closed")
	if closeErr != nil && !errors.Is(closeErr, net.ErrClosed) {
		return closeErr
	}
	return nil
}

func (s *socketSender) eosTimeout() time.Duration {
	if s.cfg.WriteTimeout > 0 {
		return s.cfg.WriteTimeout
	}
	return endOfStreamTimeout
}

func (s *socketSender) currentConn() net.Conn {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	return s.conn
}

func (s *socketSender) setConn(conn net.Conn) error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.closed.Load() {
		_ = conn.Close()
		return ErrCancelled
	}
	s.conn = conn
	return nil
}

func (s *socketSender) dropConn(conn net.Conn) {
	s.connMu.Lock()
	if s.conn == conn {
		s.conn = nil
	}
	s.connMu.Unlock()
	_ = conn.Close()
}

func (s *socketSender) fillStats(st *Stats) {
	st.SenderID = s.id
	st.FramesDelivered = s.frames.Load()
	st.BytesTransferred = s.bytes.Load()
}

func applySocketBuffers(conn net.Conn, size int) {
	if size <= 0 {
		return
	}
	tcp, ok := conn.(*net.TCPConn)
	if !ok {
		return
	}
	_ = tcp.SetReadBuffer(size)
	_ = tcp.SetWriteBuffer(size)
}
