package ipc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"sync"

	"code.hybscloud.com/iox"

	"github.com/rexliu/xconn/pkg/metrics"
)

// Listener accepts connections on a Unix socket and hands them out as a
// stream through Next.
type Listener struct {
	ln       *net.UnixListener
	endpoint string
	path     string
	opts     *options
	accepted chan *Connection

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

// Listen registers name in the configured domain (DomainSystem unless
// WithDomain says otherwise) and starts accepting connections.
func Listen(name string, opts ...Option) (*Listener, error) {
	o := applyOptions(opts)
	path, err := o.registry.Path(name, o.domain)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), o.domain.dirMode()); err != nil {
		return nil, fmt.Errorf("create endpoint directory: %w", err)
	}
	return listen(name, path, o)
}

// ListenPath starts accepting connections on the socket at path.
func ListenPath(path string, opts ...Option) (*Listener, error) {
	return listen(path, path, applyOptions(opts))
}

func listen(endpoint, path string, o *options) (*Listener, error) {
	if err := cleanupSocket(path); err != nil {
		return nil, err
	}
	ln, err := net.ListenUnix("unix", &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", path, err)
	}
	ln.SetUnlinkOnClose(true)

	ctx, cancel := context.WithCancel(context.Background())
	l := &Listener{
		ln:       ln,
		endpoint: endpoint,
		path:     path,
		opts:     o,
		accepted: make(chan *Connection, o.acceptBacklog),
		ctx:      ctx,
		cancel:   cancel,
	}
	l.wg.Add(1)
	go l.acceptLoop()
	return l, nil
}

// cleanupSocket removes a socket file left behind by a previous run.
func cleanupSocket(path string) error {
	info, err := os.Lstat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if info.Mode()&os.ModeSocket == 0 {
		return fmt.Errorf("%s exists and is not a socket", path)
	}
	return os.Remove(path)
}

// Path returns the socket path.
func (l *Listener) Path() string { return l.path }

// Endpoint returns the name the listener was registered under.
func (l *Listener) Endpoint() string { return l.endpoint }

// Next blocks until a peer connects. It returns io.EOF once the listener
// is closed.
func (l *Listener) Next(ctx context.Context) (*Connection, error) {
	select {
	case c, ok := <-l.accepted:
		if !ok {
			return nil, io.EOF
		}
		return c, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops accepting and removes the socket file. Connections already
// handed out stay open. Close is idempotent.
func (l *Listener) Close() error {
	l.closeOnce.Do(func() {
		l.cancel()
		l.closeErr = l.ln.Close()
		l.wg.Wait()
		for c := range l.accepted {
			c.Close()
		}
	})
	return l.closeErr
}

func (l *Listener) acceptLoop() {
	defer l.wg.Done()
	defer close(l.accepted)
	var bo iox.Backoff
	for {
		sock, err := l.ln.AcceptUnix()
		if err != nil {
			if l.ctx.Err() != nil {
				return
			}
			l.opts.logf("accept error: %v", err)
			bo.Wait()
			continue
		}
		bo.Reset()
		l.handoff(sock)
	}
}

func (l *Listener) handoff(sock *net.UnixConn) {
	token, err := peerIdentity(sock)
	if err != nil {
		l.opts.logf("listener %s: peer identity unavailable: %v", l.endpoint, err)
	}
	if l.opts.filter != nil && (err != nil || !l.opts.filter(token)) {
		l.opts.logf("listener %s: peer rejected", l.endpoint)
		l.opts.metrics.Event(metrics.EventRejected)
		sock.Close()
		return
	}
	c := newConnection(l.endpoint, l.path, l.opts)
	c.token = token
	l.opts.metrics.Event(metrics.EventAccepted)
	c.start(sock)
	select {
	case l.accepted <- c:
	case <-l.ctx.Done():
		c.Close()
	}
}
