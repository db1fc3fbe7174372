package ipc

import (
	"context"
	"errors"
	"io"
	"log"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/rexliu/xconn/pkg/message"
	"github.com/rexliu/xconn/pkg/metrics"
	"github.com/rexliu/xconn/pkg/retry"
)

var quiet = WithLogger(log.New(io.Discard, "", 0))

func fastReconnect(attempts int) Option {
	return WithReconnect(retry.Config{
		MaxAttempts:  attempts,
		InitialDelay: 5 * time.Millisecond,
		MaxDelay:     20 * time.Millisecond,
		Multiplier:   1.5,
	})
}

// socketPath returns a short path; sun_path is limited to about 100 bytes.
func socketPath(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "xc")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	return filepath.Join(dir, "s.sock")
}

func echo(_ context.Context, c *Connection, m message.Message) {
	if _, ok := m.(message.Error); ok {
		return
	}
	_ = c.Send(m)
	ReleaseDescriptors(m)
}

// serveEcho runs an echo service on l until the test ends.
func serveEcho(t *testing.T, l *Listener) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		Serve(ctx, l, HandlerFunc(echo))
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func startEcho(t *testing.T, opts ...Option) *Listener {
	t.Helper()
	l, err := ListenPath(socketPath(t), append([]Option{quiet}, opts...)...)
	require.NoError(t, err)
	serveEcho(t, l)
	return l
}

func dial(t *testing.T, path string, opts ...Option) *Connection {
	t.Helper()
	c := ConnectPath(path, append([]Option{quiet, fastReconnect(3)}, opts...)...)
	t.Cleanup(func() { c.Close() })
	return c
}

func next(t *testing.T, c *Connection) message.Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	m, err := c.Next(ctx)
	require.NoError(t, err)
	return m
}

func waitEOF(t *testing.T, c *Connection) []message.Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var seen []message.Message
	for {
		m, err := c.Next(ctx)
		if errors.Is(err, io.EOF) {
			return seen
		}
		require.NoError(t, err)
		seen = append(seen, m)
	}
}

func TestEchoRoundTrip(t *testing.T) {
	skipRace(t)
	l := startEcho(t)
	c := dial(t, l.Path())

	sent := message.Dictionary{
		"hello": message.String("world"),
		"n":     message.Int64(-3),
		"list":  message.Array{message.Bool(true), message.Double(2.5), message.Null{}},
		"when":  message.NewDate(time.Unix(1700000000, 123)),
		"blob":  message.Data{0xde, 0xad},
	}
	require.NoError(t, c.Send(sent))
	got := next(t, c)
	assert.True(t, message.Equal(sent, got), "got %#v", got)
	assert.Equal(t, StateActive, c.State())
	assert.NotEmpty(t, c.ID())
}

func TestOrderPreserved(t *testing.T) {
	skipRace(t)
	l := startEcho(t)
	c := dial(t, l.Path(), WithQueueCapacity(4))

	const n = 200
	for i := 0; i < n; i++ {
		require.NoError(t, c.Send(message.Int64(i)))
	}
	for i := 0; i < n; i++ {
		assert.Equal(t, message.Int64(i), next(t, c))
	}
}

func TestEchoEncoderEdgeValues(t *testing.T) {
	skipRace(t)
	l := startEcho(t)
	c := dial(t, l.Path())

	big := make(message.Array, 140_000)
	for i := range big {
		big[i] = message.Null{}
	}
	sent := []message.Message{
		big,
		message.String("caf\xe9"),
		message.Dictionary{"\xff": message.Int64(1)},
		message.Int64(7),
	}
	for _, m := range sent {
		require.NoError(t, c.Send(m))
	}
	for _, m := range sent {
		got := next(t, c)
		assert.True(t, message.Equal(m, got), "sent %T", m)
	}
	assert.Equal(t, StateActive, c.State())
	assert.NoError(t, c.Err())
}

func TestDescriptorPassing(t *testing.T) {
	skipRace(t)
	l := startEcho(t)
	c := dial(t, l.Path())

	f, err := os.Create(filepath.Join(t.TempDir(), "payload"))
	require.NoError(t, err)
	defer f.Close()

	require.NoError(t, c.Send(message.Dictionary{"fd": message.Fd(f.Fd())}))
	got, ok := next(t, c).(message.Dictionary)
	require.True(t, ok)
	fd, ok := got["fd"].(message.Fd)
	require.True(t, ok, "got %#v", got)
	defer unix.Close(int(fd))

	assert.NotEqual(t, int(f.Fd()), int(fd))
	assert.True(t, sameFile(t, int(f.Fd()), int(fd)))
}

func TestSendErrors(t *testing.T) {
	skipRace(t)
	l := startEcho(t)
	c := dial(t, l.Path(), WithMaxFrameSize(64))

	err := c.Send(message.Error{Kind: message.ErrorGeneric})
	assert.Error(t, err)

	err = c.Send(message.Data(make([]byte, 128)))
	assert.True(t, errors.Is(err, ErrFrameTooLarge), "got %v", err)

	// the connection is still usable
	require.NoError(t, c.Send(message.String("ok")))
	assert.Equal(t, message.String("ok"), next(t, c))
}

func TestCloseTerminates(t *testing.T) {
	skipRace(t)
	l := startEcho(t)
	c := dial(t, l.Path())
	require.NoError(t, c.Send(message.Int64(1)))
	next(t, c)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.Equal(t, StateTerminated, c.State())
	assert.Equal(t, ErrTerminated, c.Send(message.Int64(2)))

	_, err := c.Next(context.Background())
	assert.Equal(t, io.EOF, err)
	select {
	case <-c.Done():
	default:
		t.Fatal("Done not closed after Close")
	}
}

func TestConnectFailureInvalidates(t *testing.T) {
	skipRace(t)
	c := dial(t, socketPath(t), fastReconnect(2))

	seen := waitEOF(t, c)
	assert.Empty(t, seen)
	assert.Equal(t, StateInvalidated, c.State())
	assert.Error(t, c.Err())

	// sends after invalidation are dropped quietly
	assert.NoError(t, c.Send(message.Int64(1)))
	_, err := c.Next(context.Background())
	assert.Equal(t, io.EOF, err)

	require.NoError(t, c.Close())
	assert.Equal(t, StateTerminated, c.State())
}

func TestPeerCloseInvalidatesAcceptedSide(t *testing.T) {
	skipRace(t)
	l, err := ListenPath(socketPath(t), quiet)
	require.NoError(t, err)
	defer l.Close()

	c := dial(t, l.Path())
	require.NoError(t, c.Send(message.String("hi")))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	peer, err := l.Next(ctx)
	require.NoError(t, err)
	defer peer.Close()
	assert.Equal(t, message.String("hi"), next(t, peer))

	require.NoError(t, c.Close())
	assert.Empty(t, waitEOF(t, peer))
	assert.Equal(t, StateInvalidated, peer.State())
	assert.ErrorIs(t, peer.Err(), ErrPeerClosed)
}

func TestInterruptionAndResume(t *testing.T) {
	skipRace(t)
	path := socketPath(t)

	first, err := ListenPath(path, quiet)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan struct{})
	go func() {
		defer close(served)
		Serve(ctx, first, HandlerFunc(echo))
	}()

	c := dial(t, path, fastReconnect(100))
	require.NoError(t, c.Send(message.Int64(1)))
	assert.Equal(t, message.Int64(1), next(t, c))

	// the service goes away and comes back on the same path
	cancel()
	<-served
	m := next(t, c)
	assert.True(t, message.IsInterrupted(m), "got %#v", m)

	second, err := ListenPath(path, quiet)
	require.NoError(t, err)
	serveEcho(t, second)

	require.NoError(t, c.Send(message.Int64(2)))
	assert.Equal(t, message.Int64(2), next(t, c))
	assert.Equal(t, StateActive, c.State())
}

func TestIdentityFilterRejects(t *testing.T) {
	skipRace(t)
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	l := startEcho(t, WithIdentityFilter(func(IdentityToken) bool { return false }), WithMetrics(m))

	c := dial(t, l.Path(), fastReconnect(2))
	for _, ev := range waitEOF(t, c) {
		assert.True(t, message.IsInterrupted(ev), "got %#v", ev)
	}
	assert.Equal(t, StateInvalidated, c.State())
	assert.GreaterOrEqual(t, testutil.ToFloat64(m.ConnectionEvents.WithLabelValues(metrics.EventRejected)), 1.0)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.ConnectionEvents.WithLabelValues(metrics.EventAccepted)))
}

func TestIdentityFilterAccepts(t *testing.T) {
	skipRace(t)
	seen := make(chan IdentityToken, 1)
	l := startEcho(t, WithIdentityFilter(func(tok IdentityToken) bool {
		select {
		case seen <- tok:
		default:
		}
		return true
	}))
	c := dial(t, l.Path())
	require.NoError(t, c.Send(message.Bool(true)))
	assert.Equal(t, message.Bool(true), next(t, c))
	assert.Equal(t, <-seen, c.Identity())
}

func TestConcurrentNextPanics(t *testing.T) {
	skipRace(t)
	l := startEcho(t)
	c := dial(t, l.Path())

	blocked := make(chan struct{})
	go func() {
		defer close(blocked)
		c.Next(context.Background())
	}()
	require.Eventually(t, func() bool {
		if c.nextMu.TryLock() {
			c.nextMu.Unlock()
			return false
		}
		return true
	}, 2*time.Second, time.Millisecond)

	assert.Panics(t, func() { c.Next(context.Background()) })
	c.Close()
	<-blocked
}

func TestMetricsCountTraffic(t *testing.T) {
	skipRace(t)
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	l := startEcho(t, WithMetrics(m))
	c := dial(t, l.Path(), WithMetrics(m))

	require.NoError(t, c.Send(message.Int64(7)))
	next(t, c)

	// one message each way
	assert.Equal(t, 2.0, testutil.ToFloat64(m.MessagesReceived))
	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(m.MessagesSent) == 2.0
	}, 2*time.Second, time.Millisecond)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ConnectionEvents.WithLabelValues(metrics.EventAccepted)))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ConnectionsOpen))

	require.NoError(t, c.Close())
	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(m.ConnectionsOpen) == 0
	}, 2*time.Second, time.Millisecond)
}
