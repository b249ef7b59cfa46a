package comm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/flowlink/internal/observability"
	"github.com/danmuck/flowlink/internal/protocol/frame"
	"github.com/danmuck/flowlink/internal/protocol/session"
	"github.com/rs/zerolog/log"
)

// senderConn is one accepted connection bound to a sender id. done closes
// when its reader stops touching the queue.
type senderConn struct {
	id   string
	conn net.Conn
	prev *senderConn
	done chan struct{}
	eos  bool
}

type socketReceiver struct {
	cfg      session.Config
	expected int
	limits   frame.Limits
	ln       net.Listener
	queue    *ByteQueue
	onReady  func()
	life     context.Context
	cancel   context.CancelFunc

	mu      sync.Mutex
	closed  bool
	conns   map[net.Conn]struct{}
	senders map[string]*senderConn
	live    int
	grace   *time.Timer
	wg      sync.WaitGroup

	frames atomic.Uint64
	bytes  atomic.Uint64
}

func listenReceiver(cfg session.Config, addr string, expected int, capacity uint64, onReady func()) (*socketReceiver, error) {
	if expected < 1 {
		return nil, fmt.Errorf("%w: expected senders %d", ErrInvalidConfig, expected)
	}
	if capacity == 0 {
		capacity = cfg.QueueCapacityBytes
	}
	if capacity < cfg.MaxFrameBytes {
		return nil, fmt.Errorf("%w: queue capacity %d smaller than max frame %d",
			ErrInvalidConfig, capacity, cfg.MaxFrameBytes)
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrBind, addr, err)
	}
	life, cancel := context.WithCancel(context.Background())
	return &socketReceiver{
		cfg:      cfg,
		life:     life,
		cancel:   cancel,
		expected: expected,
		limits:   frame.Limits{MaxPayloadBytes: cfg.MaxFrameBytes},
		ln:       ln,
		queue:    NewByteQueue(capacity),
		onReady:  onReady,
		conns:    make(map[net.Conn]struct{}),
		senders:  make(map[string]*senderConn),
	}, nil
}

func (r *socketReceiver) start() {
	r.wg.Add(1)
	go r.acceptLoop()
	log.Info().
		Str("addr", r.ln.Addr().String()).
		Int("expected_senders", r.expected).
		Uint64("queue_capacity", r.queue.Capacity()).
		Msg("comm.receiver listening")
}

// acceptLoop runs until Close. Accept failures back off and retry so a
// transient error cannot lock out senders that have yet to connect.
func (r *socketReceiver) acceptLoop() {
	defer r.wg.Done()
	failures := 0
	for {
		conn, err := r.ln.Accept()
		if err != nil {
			if r.isClosed() || errors.Is(err, net.ErrClosed) {
				return
			}
			failures++
			log.Warn().Err(err).Int("failures", failures).Msg("comm.receiver accept failed")
			if err := session.SleepBackoff(r.life, r.cfg.Backoff, failures, nil); err != nil {
				return
			}
			continue
		}
		failures = 0
		if !r.track(conn) {
			_ = conn.Close()
			return
		}
		applySocketBuffers(conn, r.cfg.SocketBufferBytes)
		go r.serve(conn)
	}
}

// serve owns conn until it ends. The first frame must be a hello naming the
// sender; everything after is queued until end-of-stream.
func (r *socketReceiver) serve(conn net.Conn) {
	defer r.wg.Done()
	defer r.untrack(conn)
	defer conn.Close()
	remote := conn.RemoteAddr().String()

	id, err := r.readHello(conn)
	if err != nil {
		if !r.isClosed() {
			log.Warn().Str("remote", remote).Err(err).Msg("comm.receiver hello failed")
			_ = r.reply(conn, frame.RejectFrame(err.Error()))
		}
		return
	}
	sc, err := r.register(id, conn)
	if err != nil {
		log.Warn().Str("remote", remote).Str("sender_id", id).Err(err).Msg("comm.receiver rejected sender")
		_ = r.reply(conn, frame.RejectFrame(err.Error()))
		return
	}
	defer r.release(sc)
	if err := r.reply(conn, frame.AcceptFrame(r.cfg.MaxFrameBytes)); err != nil {
		log.Warn().Str("remote", remote).Str("sender_id", id).Err(err).Msg("comm.receiver accept reply failed")
		if sc.prev != nil {
			<-sc.prev.done
		}
		return
	}

	// A reconnecting sender may still have frames buffered on its previous
	// connection; they go first.
	if sc.prev != nil {
		<-sc.prev.done
		sc.prev = nil
	}
	log.Info().Str("remote", remote).Str("sender_id", id).Msg("comm.receiver sender connected")

	for {
		fr, err := frame.ReadFrame(conn, r.limits)
		if err != nil {
			if errors.Is(err, io.EOF) || r.isClosed() {
				log.Debug().Str("sender_id", id).Msg("comm.receiver connection closed")
			} else {
				log.Warn().Str("sender_id", id).Err(err).Msg("comm.receiver read failed")
			}
			return
		}
		if fr.Header.Flags&frame.FlagEndOfStream != 0 {
			sc.eos = true
			log.Info().Str("sender_id", id).Msg("comm.receiver end of stream")
			return
		}
		if fr.IsControl() {
			log.Warn().Str("sender_id", id).Uint16("flags", fr.Header.Flags).Msg("comm.receiver unexpected control frame")
			continue
		}
		if err := r.queue.Push(context.Background(), fr.Payload); err != nil {
			if !errors.Is(err, ErrCancelled) {
				log.Warn().Str("sender_id", id).Err(err).Msg("comm.receiver dropped frame after close")
			}
			return
		}
		observability.SetQueueBytes(r.queue.Bytes())
	}
}

func (r *socketReceiver) readHello(conn net.Conn) (string, error) {
	_ = conn.SetReadDeadline(time.Now().Add(r.cfg.ConnectTimeout))
	fr, err := frame.ReadFrame(conn, r.limits)
	if err != nil {
		return "", err
	}
	_ = conn.SetReadDeadline(time.Time{})
	if fr.Header.Flags&frame.FlagHello == 0 || len(fr.Payload) == 0 {
		return "", fmt.Errorf("%w: first frame flags=%#x", errUnexpectedSender, fr.Header.Flags)
	}
	return string(fr.Payload), nil
}

// reply answers a hello. The sender blocks on it, so it is bounded by the
// connect timeout.
func (r *socketReceiver) reply(conn net.Conn, f frame.Frame) error {
	_ = conn.SetWriteDeadline(time.Now().Add(r.cfg.ConnectTimeout))
	defer conn.SetWriteDeadline(time.Time{})
	return frame.WriteFrame(conn, f, frame.DefaultLimits())
}

// register binds conn to id. A known id replaces its previous connection,
// which is left to drain; a new id past the expected count is refused.
func (r *socketReceiver) register(id string, conn net.Conn) (*senderConn, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrClosed
	}
	prev, known := r.senders[id]
	if !known && len(r.senders) >= r.expected {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %d senders already connected", errUnexpectedSender, r.expected)
	}
	sc := &senderConn{id: id, conn: conn, prev: prev, done: make(chan struct{})}
	r.senders[id] = sc
	r.live++
	if r.grace != nil {
		r.grace.Stop()
		r.grace = nil
	}
	ready := !known && len(r.senders) == r.expected
	r.mu.Unlock()

	observability.AddConnectedSenders(1)
	if ready {
		log.Info().Int("senders", r.expected).Msg("comm.receiver all senders connected")
		if r.onReady != nil {
			r.onReady()
		}
	}
	return sc, nil
}

// release ends sc. Once every expected sender has been seen and no reader is
// left, the queue stops accepting: immediately when every sender signalled
// end-of-stream, otherwise after a reconnect grace period.
func (r *socketReceiver) release(sc *senderConn) {
	close(sc.done)
	observability.AddConnectedSenders(-1)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.live--
	if r.closed || r.live > 0 || len(r.senders) < r.expected {
		return
	}
	allEOS := true
	for _, s := range r.senders {
		if !s.eos {
			allEOS = false
			break
		}
	}
	if allEOS {
		r.queue.CloseWrite()
		return
	}
	if r.grace == nil {
		r.grace = time.AfterFunc(r.cfg.ConnectTimeout, r.closeIfIdle)
	}
}

func (r *socketReceiver) closeIfIdle() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.grace = nil
	if r.closed || r.live > 0 {
		return
	}
	log.Warn().Msg("comm.receiver senders gone without end of stream")
	r.queue.CloseWrite()
}

func (r *socketReceiver) Receive(ctx context.Context, out []byte) (int, error) {
	n, err := r.queue.Pop(ctx, out)
	if err != nil {
		return 0, err
	}
	r.frames.Add(1)
	r.bytes.Add(uint64(n))
	observability.RecordFrameReceived(n)
	observability.SetQueueBytes(r.queue.Bytes())
	return n, nil
}

// Close stops accepting, closes every connection, fails blocked callers and
// waits for all readers.
func (r *socketReceiver) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.cancel()
	if r.grace != nil {
		r.grace.Stop()
		r.grace = nil
	}
	conns := make([]net.Conn, 0, len(r.conns))
	for c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.Unlock()

	err := r.ln.Close()
	for _, c := range conns {
		_ = c.Close()
	}
	r.queue.Abort()
	r.wg.Wait()
	observability.SetQueueBytes(0)
	log.Info().Uint64("frames", r.frames.Load()).Msg("comm.receiver closed")
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

func (r *socketReceiver) track(conn net.Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	r.conns[conn] = struct{}{}
	r.wg.Add(1)
	return true
}

func (r *socketReceiver) untrack(conn net.Conn) {
	r.mu.Lock()
	delete(r.conns, conn)
	r.mu.Unlock()
}

func (r *socketReceiver) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func (r *socketReceiver) fillStats(st *Stats) {
	r.mu.Lock()
	st.ExpectedSenders = r.expected
	st.SeenSenders = len(r.senders)
	st.LiveConnections = r.live
	r.mu.Unlock()
	st.QueuedFrames = r.queue.Len()
	st.QueuedBytes = r.queue.Bytes()
	st.QueueCapacity = r.queue.Capacity()
	st.FramesDelivered = r.frames.Load()
	st.BytesTransferred = r.bytes.Load()
}
