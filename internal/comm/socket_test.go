package comm

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/danmuck/flowlink/internal/protocol/frame"
	"github.com/danmuck/flowlink/internal/protocol/session"
	"github.com/danmuck/flowlink/internal/testutil/testlog"
	"github.com/stretchr/testify/require"
)

func testConfig() session.Config {
	cfg := session.DefaultConfig()
	cfg.ConnectTimeout = 2 * time.Second
	cfg.MaxConnectAttempts = 3
	cfg.MaxFrameBytes = 1 << 20
	cfg.QueueCapacityBytes = 4 << 20
	cfg.Backoff = session.BackoffConfig{
		InitialDelay: 10 * time.Millisecond,
		Multiplier:   2,
		MaxDelay:     50 * time.Millisecond,
	}
	return cfg
}

func startReceiver(t *testing.T, cfg session.Config, expected int, capacity uint64) *Socket {
	t.Helper()
	rcv := NewSocket(cfg)
	err := rcv.Initialize(context.Background(), InitOptions{
		Role:               RoleReceiver,
		Address:            "127.0.0.1",
		Port:               0,
		ExpectedSenders:    expected,
		QueueCapacityBytes: capacity,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = rcv.Finalize() })
	return rcv
}

func splitAddr(t *testing.T, addr string) (string, int) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return host, port
}

func startSender(t *testing.T, cfg session.Config, addr string) *Socket {
	t.Helper()
	host, port := splitAddr(t, addr)
	snd := NewSocket(cfg)
	require.NoError(t, snd.Initialize(context.Background(), InitOptions{
		Role:    RoleSender,
		Address: host,
		Port:    port,
	}))
	t.Cleanup(func() { _ = snd.Finalize() })
	return snd
}

func waitReady(t *testing.T, s *Socket) {
	t.Helper()
	select {
	case <-s.Ready():
	case <-time.After(3 * time.Second):
		t.Fatalf("communicator never became ready")
	}
}

func receiveString(t *testing.T, rcv *Socket) string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	out := make([]byte, 1024)
	n, err := rcv.Receive(ctx, out)
	require.NoError(t, err)
	return string(out[:n])
}

func TestSocketSendReceive(t *testing.T) {
	testlog.Start(t)
	cfg := testConfig()
	rcv := startReceiver(t, cfg, 1, 0)
	require.Equal(t, StateInitialized, rcv.State())

	snd := startSender(t, cfg, rcv.Addr())
	require.Equal(t, StateActive, snd.State())
	waitReady(t, rcv)
	require.Equal(t, StateActive, rcv.State())

	n, err := snd.Send(context.Background(), []byte("hello subgraph"))
	require.NoError(t, err)
	require.Equal(t, len("hello subgraph"), n)
	require.Equal(t, "hello subgraph", receiveString(t, rcv))

	st := rcv.Stats()
	require.Equal(t, RoleReceiver, st.Role)
	require.Equal(t, 1, st.SeenSenders)
	require.Equal(t, uint64(1), st.FramesDelivered)
	require.NotEmpty(t, snd.Stats().SenderID)
}

func TestSocketPerSenderOrder(t *testing.T) {
	testlog.Start(t)
	cfg := testConfig()
	rcv := startReceiver(t, cfg, 2, 0)
	senders := []*Socket{startSender(t, cfg, rcv.Addr()), startSender(t, cfg, rcv.Addr())}
	waitReady(t, rcv)

	const perSender = 50
	errs := make(chan error, len(senders))
	for tag, snd := range senders {
		go func(tag int, snd *Socket) {
			for i := 0; i < perSender; i++ {
				if _, err := snd.Send(context.Background(), []byte(fmt.Sprintf("%d:%d", tag, i))); err != nil {
					errs <- err
					return
				}
			}
			errs <- nil
		}(tag, snd)
	}

	next := map[string]int{}
	for i := 0; i < perSender*len(senders); i++ {
		msg := receiveString(t, rcv)
		parts := strings.SplitN(msg, ":", 2)
		require.Len(t, parts, 2)
		seq, err := strconv.Atoi(parts[1])
		require.NoError(t, err)
		require.Equal(t, next[parts[0]], seq, "sender %s out of order", parts[0])
		next[parts[0]]++
	}
	for range senders {
		require.NoError(t, <-errs)
	}
	require.Equal(t, map[string]int{"0": perSender, "1": perSender}, next)

	for _, snd := range senders {
		require.NoError(t, snd.Finalize())
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := rcv.Receive(ctx, make([]byte, 16))
	require.ErrorIs(t, err, ErrClosed)
}

func TestSocketBackpressure(t *testing.T) {
	testlog.Start(t)
	const (
		frameSize = 256 << 10
		capacity  = 2 * frameSize
		total     = 64
	)
	cfg := testConfig()
	cfg.MaxFrameBytes = frameSize
	cfg.QueueCapacityBytes = capacity
	cfg.SocketBufferBytes = 64 << 10

	rcv := startReceiver(t, cfg, 1, capacity)
	snd := startSender(t, cfg, rcv.Addr())
	waitReady(t, rcv)

	var sent atomic.Int64
	done := make(chan error, 1)
	go func() {
		buf := make([]byte, frameSize)
		for i := 0; i < total; i++ {
			binary.BigEndian.PutUint64(buf, uint64(i))
			if _, err := snd.Send(context.Background(), buf); err != nil {
				done <- err
				return
			}
			sent.Add(1)
		}
		done <- nil
	}()

	time.Sleep(500 * time.Millisecond)
	stalled := sent.Load()
	require.Less(t, stalled, int64(total), "sender never blocked on a full receiver")
	require.LessOrEqual(t, rcv.Stats().QueuedBytes, uint64(capacity))

	out := make([]byte, frameSize)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	for i := 0; i < total; i++ {
		n, err := rcv.Receive(ctx, out)
		require.NoError(t, err)
		require.Equal(t, frameSize, n)
		require.Equal(t, uint64(i), binary.BigEndian.Uint64(out[:8]))
	}
	require.NoError(t, <-done)
	require.Equal(t, int64(total), sent.Load())
}

func TestSocketMessageTooLargeKeepsConnection(t *testing.T) {
	testlog.Start(t)
	cfg := testConfig()
	cfg.MaxFrameBytes = 1024
	cfg.QueueCapacityBytes = 4096
	rcv := startReceiver(t, cfg, 1, 0)
	snd := startSender(t, cfg, rcv.Addr())

	_, err := snd.Send(context.Background(), make([]byte, 2048))
	require.ErrorIs(t, err, ErrMessageTooLarge)

	_, err = snd.Send(context.Background(), []byte("still usable"))
	require.NoError(t, err)
	require.Equal(t, "still usable", receiveString(t, rcv))
}

func TestSocketBufferTooSmall(t *testing.T) {
	testlog.Start(t)
	cfg := testConfig()
	rcv := startReceiver(t, cfg, 1, 0)
	snd := startSender(t, cfg, rcv.Addr())

	_, err := snd.Send(context.Background(), []byte("0123456789"))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = rcv.Receive(ctx, make([]byte, 3))
	var small *BufferTooSmallError
	require.ErrorAs(t, err, &small)
	require.Equal(t, 10, small.Need)

	require.Equal(t, "0123456789", receiveString(t, rcv))
}

func TestSocketClosedAfterEndOfStream(t *testing.T) {
	testlog.Start(t)
	cfg := testConfig()
	rcv := startReceiver(t, cfg, 1, 0)
	snd := startSender(t, cfg, rcv.Addr())

	for _, msg := range []string{"a", "b", "c"} {
		_, err := snd.Send(context.Background(), []byte(msg))
		require.NoError(t, err)
	}
	require.NoError(t, snd.Finalize())

	for _, want := range []string{"a", "b", "c"} {
		require.Equal(t, want, receiveString(t, rcv))
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := rcv.Receive(ctx, make([]byte, 16))
	require.ErrorIs(t, err, ErrClosed)
}

func TestSocketFinalizeIdempotent(t *testing.T) {
	testlog.Start(t)
	cfg := testConfig()
	rcv := startReceiver(t, cfg, 1, 0)
	snd := startSender(t, cfg, rcv.Addr())

	require.NoError(t, snd.Finalize())
	require.NoError(t, snd.Finalize())
	require.NoError(t, rcv.Finalize())
	require.NoError(t, rcv.Finalize())
	require.Equal(t, StateFinalized, rcv.State())

	_, err := snd.Send(context.Background(), []byte("late"))
	require.ErrorIs(t, err, ErrClosed)
	_, err = rcv.Receive(context.Background(), make([]byte, 4))
	require.ErrorIs(t, err, ErrClosed)

	never := NewSocket(cfg)
	require.NoError(t, never.Finalize())
	require.NoError(t, never.Finalize())
}

func TestSocketFinalizeUnblocksReceive(t *testing.T) {
	testlog.Start(t)
	rcv := startReceiver(t, testConfig(), 1, 0)

	done := make(chan error, 1)
	go func() {
		_, err := rcv.Receive(context.Background(), make([]byte, 16))
		done <- err
	}()
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, rcv.Finalize())

	select {
	case err := <-done:
		require.True(t, errors.Is(err, ErrCancelled) || errors.Is(err, ErrClosed), "err=%v", err)
	case <-time.After(3 * time.Second):
		t.Fatalf("Receive still blocked after Finalize")
	}
}

func TestSocketFinalizeUnblocksSend(t *testing.T) {
	testlog.Start(t)
	const frameSize = 256 << 10
	cfg := testConfig()
	cfg.MaxFrameBytes = frameSize
	cfg.QueueCapacityBytes = frameSize
	cfg.SocketBufferBytes = 64 << 10
	rcv := startReceiver(t, cfg, 1, frameSize)
	snd := startSender(t, cfg, rcv.Addr())

	done := make(chan error, 1)
	go func() {
		buf := make([]byte, frameSize)
		for {
			if _, err := snd.Send(context.Background(), buf); err != nil {
				done <- err
				return
			}
		}
	}()
	time.Sleep(300 * time.Millisecond)
	require.NoError(t, snd.Finalize())

	select {
	case err := <-done:
		require.True(t, errors.Is(err, ErrCancelled) || errors.Is(err, ErrClosed), "err=%v", err)
	case <-time.After(3 * time.Second):
		t.Fatalf("Send still blocked after Finalize")
	}
}

func TestSocketBindError(t *testing.T) {
	testlog.Start(t)
	cfg := testConfig()
	first := startReceiver(t, cfg, 1, 0)
	host, port := splitAddr(t, first.Addr())

	second := NewSocket(cfg)
	err := second.Initialize(context.Background(), InitOptions{
		Role:            RoleReceiver,
		Address:         host,
		Port:            port,
		ExpectedSenders: 1,
	})
	require.ErrorIs(t, err, ErrBind)
	require.Equal(t, StateCreated, second.State())
}

func TestSocketConnectError(t *testing.T) {
	testlog.Start(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	host, port := splitAddr(t, ln.Addr().String())
	require.NoError(t, ln.Close())

	cfg := testConfig()
	cfg.MaxConnectAttempts = 2
	snd := NewSocket(cfg)
	err = snd.Initialize(context.Background(), InitOptions{Role: RoleSender, Address: host, Port: port})
	require.ErrorIs(t, err, ErrConnect)
}

func TestSocketLifecycleAndRoles(t *testing.T) {
	testlog.Start(t)
	cfg := testConfig()

	fresh := NewSocket(cfg)
	_, err := fresh.Send(context.Background(), []byte("x"))
	require.ErrorIs(t, err, ErrNotConnected)
	err = fresh.Initialize(context.Background(), InitOptions{Role: "observer"})
	require.ErrorIs(t, err, ErrRole)

	rcv := startReceiver(t, cfg, 1, 0)
	err = rcv.Initialize(context.Background(), InitOptions{Role: RoleReceiver, ExpectedSenders: 1})
	require.ErrorIs(t, err, ErrLifecycleOrder)
	_, err = rcv.Send(context.Background(), []byte("x"))
	require.ErrorIs(t, err, ErrRole)

	snd := startSender(t, cfg, rcv.Addr())
	_, err = snd.Receive(context.Background(), make([]byte, 4))
	require.ErrorIs(t, err, ErrRole)

	require.NoError(t, snd.Finalize())
	err = snd.Initialize(context.Background(), InitOptions{Role: RoleSender})
	require.ErrorIs(t, err, ErrLifecycleOrder)

	_, err = New(Kind("carrier-pigeon"), cfg)
	require.ErrorIs(t, err, ErrUnknownKind)
	c, err := New(KindSocket, cfg)
	require.NoError(t, err)
	require.IsType(t, &Socket{}, c)
}

func TestSocketRejectsUndersizedQueue(t *testing.T) {
	testlog.Start(t)
	cfg := testConfig()
	rcv := NewSocket(cfg)
	err := rcv.Initialize(context.Background(), InitOptions{
		Role:               RoleReceiver,
		Address:            "127.0.0.1",
		ExpectedSenders:    1,
		QueueCapacityBytes: cfg.MaxFrameBytes - 1,
	})
	require.ErrorIs(t, err, ErrInvalidConfig)

	err = NewSocket(cfg).Initialize(context.Background(), InitOptions{
		Role:            RoleReceiver,
		Address:         "127.0.0.1",
		ExpectedSenders: 0,
	})
	require.ErrorIs(t, err, ErrInvalidConfig)
}

// helloRaw dials addr, says hello as id and returns the receiver's reply.
func helloRaw(t *testing.T, addr, id string) (net.Conn, frame.Frame) {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	require.NoError(t, err)
	hello := frame.Frame{Header: frame.Header{Flags: frame.FlagHello}, Payload: []byte(id)}
	require.NoError(t, frame.WriteFrame(conn, hello, frame.DefaultLimits()))
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	reply, err := frame.ReadFrame(conn, frame.DefaultLimits())
	require.NoError(t, err)
	_ = conn.SetReadDeadline(time.Time{})
	return conn, reply
}

func dialRaw(t *testing.T, addr, id string) net.Conn {
	t.Helper()
	conn, reply := helloRaw(t, addr, id)
	_, err := frame.ParseAccept(reply)
	require.NoError(t, err, "hello from %s not accepted", id)
	return conn
}

func writeRaw(t *testing.T, conn net.Conn, flags uint16, payload string) {
	t.Helper()
	f := frame.Frame{Header: frame.Header{Flags: flags}, Payload: []byte(payload)}
	require.NoError(t, frame.WriteFrame(conn, f, frame.DefaultLimits()))
}

func TestSocketReconnectPreservesOrder(t *testing.T) {
	testlog.Start(t)
	rcv := startReceiver(t, testConfig(), 1, 0)

	first := dialRaw(t, rcv.Addr(), "sampler-a")
	waitReady(t, rcv)
	writeRaw(t, first, 0, "1")
	writeRaw(t, first, 0, "2")
	require.NoError(t, first.Close())

	second := dialRaw(t, rcv.Addr(), "sampler-a")
	defer second.Close()
	writeRaw(t, second, 0, "3")
	writeRaw(t, second, frame.FlagEndOfStream, "")

	for _, want := range []string{"1", "2", "3"} {
		require.Equal(t, want, receiveString(t, rcv))
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := rcv.Receive(ctx, make([]byte, 4))
	require.ErrorIs(t, err, ErrClosed)
}

func TestSocketRejectsUnexpectedSender(t *testing.T) {
	testlog.Start(t)
	rcv := startReceiver(t, testConfig(), 1, 0)

	known := dialRaw(t, rcv.Addr(), "sampler-a")
	defer known.Close()
	waitReady(t, rcv)

	extra, reply := helloRaw(t, rcv.Addr(), "sampler-b")
	defer extra.Close()
	require.NotZero(t, reply.Header.Flags&frame.FlagReject)
	require.Contains(t, string(reply.Payload), "unexpected sender")
	_ = extra.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, err := extra.Read(make([]byte, 1))
	require.ErrorIs(t, err, io.EOF, "extra sender was not disconnected")

	writeRaw(t, known, 0, "ok")
	require.Equal(t, "ok", receiveString(t, rcv))
	require.Equal(t, 1, rcv.Stats().SeenSenders)
}

func TestParseKind(t *testing.T) {
	k, err := ParseKind(" Socket ")
	require.NoError(t, err)
	require.Equal(t, KindSocket, k)
	_, err = ParseKind("rdma")
	require.ErrorIs(t, err, ErrUnknownKind)
}

func TestSocketClosedAfterSenderVanishes(t *testing.T) {
	testlog.Start(t)
	cfg := testConfig()
	cfg.ConnectTimeout = 200 * time.Millisecond
	rcv := startReceiver(t, cfg, 1, 0)

	conn := dialRaw(t, rcv.Addr(), "sampler-a")
	writeRaw(t, conn, 0, "a")
	require.NoError(t, conn.Close())

	require.Equal(t, "a", receiveString(t, rcv))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := rcv.Receive(ctx, make([]byte, 16))
	require.ErrorIs(t, err, ErrClosed)
	require.Zero(t, rcv.Stats().LiveConnections)
}

func TestSocketExtraSenderFailsToConnect(t *testing.T) {
	testlog.Start(t)
	cfg := testConfig()
	rcv := startReceiver(t, cfg, 1, 0)
	startSender(t, cfg, rcv.Addr())
	waitReady(t, rcv)

	host, port := splitAddr(t, rcv.Addr())
	extra := NewSocket(cfg)
	start := time.Now()
	err := extra.Initialize(context.Background(), InitOptions{Role: RoleSender, Address: host, Port: port})
	require.ErrorIs(t, err, ErrConnect)
	require.ErrorIs(t, err, errRejected)
	require.Less(t, time.Since(start), time.Second, "rejection should not be retried")
	require.Equal(t, StateCreated, extra.State())

	_, err = extra.Send(context.Background(), []byte("lost"))
	require.ErrorIs(t, err, ErrNotConnected)
	require.Equal(t, 1, rcv.Stats().SeenSenders)
}

func TestSocketSenderHonoursReceiverFrameLimit(t *testing.T) {
	testlog.Start(t)
	rcvCfg := testConfig()
	rcvCfg.MaxFrameBytes = 1024
	rcvCfg.QueueCapacityBytes = 4096
	rcv := startReceiver(t, rcvCfg, 1, 0)

	sndCfg := testConfig()
	snd := startSender(t, sndCfg, rcv.Addr())

	_, err := snd.Send(context.Background(), make([]byte, 2048))
	require.ErrorIs(t, err, ErrMessageTooLarge)

	n, err := snd.Send(context.Background(), make([]byte, 1024))
	require.NoError(t, err)
	require.Equal(t, 1024, n)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	n, err = rcv.Receive(ctx, make([]byte, 1024))
	require.NoError(t, err)
	require.Equal(t, 1024, n)
}

func TestSocketFinalizeDuringInitialize(t *testing.T) {
	testlog.Start(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	host, port := splitAddr(t, ln.Addr().String())
	require.NoError(t, ln.Close())

	cfg := testConfig()
	cfg.MaxConnectAttempts = 50
	cfg.Backoff = session.BackoffConfig{InitialDelay: 200 * time.Millisecond, Multiplier: 1, MaxDelay: 200 * time.Millisecond}
	snd := NewSocket(cfg)

	done := make(chan error, 1)
	go func() {
		done <- snd.Initialize(context.Background(), InitOptions{Role: RoleSender, Address: host, Port: port})
	}()
	time.Sleep(100 * time.Millisecond)

	start := time.Now()
	require.Equal(t, StateCreated, snd.State())
	require.NoError(t, snd.Finalize())
	require.Less(t, time.Since(start), 500*time.Millisecond, "Finalize blocked behind the dial loop")

	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrCancelled)
	case <-time.After(3 * time.Second):
		t.Fatalf("Initialize still dialing after Finalize")
	}
	require.Equal(t, StateFinalized, snd.State())
}

// flakyListener fails the first few Accept calls.
type flakyListener struct {
	net.Listener
	failures atomic.Int32
}

func (l *flakyListener) Accept() (net.Conn, error) {
	if l.failures.Add(-1) >= 0 {
		return nil, errors.New("accept: resource temporarily unavailable")
	}
	return l.Listener.Accept()
}

func TestReceiverAcceptLoopSurvivesTransientErrors(t *testing.T) {
	testlog.Start(t)
	cfg := testConfig()
	r, err := listenReceiver(cfg, "127.0.0.1:0", 1, 0, nil)
	require.NoError(t, err)
	flaky := &flakyListener{Listener: r.ln}
	flaky.failures.Store(3)
	r.ln = flaky
	r.start()
	t.Cleanup(func() { _ = r.Close() })

	conn := dialRaw(t, flaky.Addr().String(), "sampler-a")
	defer conn.Close()
	writeRaw(t, conn, 0, "late")

	out := make([]byte, 16)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	n, err := r.Receive(ctx, out)
	require.NoError(t, err)
	require.Equal(t, "late", string(out[:n]))
	require.LessOrEqual(t, flaky.failures.Load(), int32(0))
}
