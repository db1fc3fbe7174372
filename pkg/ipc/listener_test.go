package ipc

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rexliu/xconn/pkg/message"
)

func TestListenerCloseEndsStream(t *testing.T) {
	l, err := ListenPath(socketPath(t), quiet)
	require.NoError(t, err)
	_, err = os.Stat(l.Path())
	require.NoError(t, err)

	require.NoError(t, l.Close())
	require.NoError(t, l.Close())

	_, err = l.Next(context.Background())
	assert.Equal(t, io.EOF, err)
	_, err = os.Stat(l.Path())
	assert.True(t, errors.Is(err, fs.ErrNotExist))
}

func TestListenerNextCancel(t *testing.T) {
	l, err := ListenPath(socketPath(t), quiet)
	require.NoError(t, err)
	defer l.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = l.Next(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestListenReplacesStaleSocket(t *testing.T) {
	path := socketPath(t)
	first, err := ListenPath(path, quiet)
	require.NoError(t, err)
	// keep the file around as a crashed service would
	first.ln.SetUnlinkOnClose(false)
	require.NoError(t, first.Close())

	second, err := ListenPath(path, quiet)
	require.NoError(t, err)
	require.NoError(t, second.Close())
}

func TestListenRefusesRegularFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plain")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o600))
	_, err := ListenPath(path, quiet)
	assert.Error(t, err)
}

func TestNamedEndpoints(t *testing.T) {
	skipRace(t)
	base, err := os.MkdirTemp("", "xr")
	require.NoError(t, err)
	defer os.RemoveAll(base)
	reg := WithRegistry(Registry{
		SystemDir:  filepath.Join(base, "sys"),
		SessionDir: filepath.Join(base, "ses"),
	})

	l, err := Listen("com.example.echo", quiet, reg, WithDomain(DomainSession))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(base, "ses", "com.example.echo.sock"), l.Path())
	assert.Equal(t, "com.example.echo", l.Endpoint())
	serveEcho(t, l)

	c := ConnectUnprivileged("com.example.echo", quiet, reg, fastReconnect(3))
	defer c.Close()
	require.NoError(t, c.Send(message.String("named")))
	assert.Equal(t, message.String("named"), next(t, c))

	// nothing listens in the system domain
	p := ConnectPrivileged("com.example.echo", quiet, reg, fastReconnect(1))
	defer p.Close()
	waitEOF(t, p)
	assert.Equal(t, StateInvalidated, p.State())
}

func TestConnectInvalidName(t *testing.T) {
	skipRace(t)
	c := ConnectUnprivileged("", quiet)
	defer c.Close()
	waitEOF(t, c)
	assert.ErrorIs(t, c.Err(), ErrInvalidEndpoint)
}

func TestRegistryPath(t *testing.T) {
	r := Registry{SystemDir: "/sys-dir", SessionDir: "/ses-dir"}

	p, err := r.Path("svc", DomainSystem)
	require.NoError(t, err)
	assert.Equal(t, "/sys-dir/svc.sock", p)

	p, err = r.Path("a/b", DomainSession)
	require.NoError(t, err)
	assert.Equal(t, "/ses-dir/a%2Fb.sock", p)

	_, err = r.Path("", DomainSession)
	assert.ErrorIs(t, err, ErrInvalidEndpoint)

	_, err = Registry{}.Path("svc", DomainSystem)
	assert.ErrorIs(t, err, ErrInvalidEndpoint)
}
