package ipc

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/rexliu/xconn/pkg/message"
)

// Handler processes one inbound message on c. Interruption events are
// passed through as message.Error values.
type Handler interface {
	ServeMessage(ctx context.Context, c *Connection, m message.Message)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, c *Connection, m message.Message)

// ServeMessage calls f.
func (f HandlerFunc) ServeMessage(ctx context.Context, c *Connection, m message.Message) {
	f(ctx, c, m)
}

// Observer is implemented by handlers that track connections entering and
// leaving Serve. Closed runs before the connection is closed, so State and
// Err still report how the peer went away.
type Observer interface {
	Opened(ctx context.Context, c *Connection)
	Closed(ctx context.Context, c *Connection)
}

// Serve accepts connections from l and feeds each one's messages to h on
// its own goroutine until the peer goes away. When ctx is done the
// listener and every served connection are closed. Serve returns once all
// handlers have returned.
func Serve(ctx context.Context, l *Listener, h Handler) {
	var g errgroup.Group
	if l.opts.maxConnections > 0 {
		g.SetLimit(l.opts.maxConnections)
	}
	stop := context.AfterFunc(ctx, func() { l.Close() })
	defer stop()

	for {
		c, err := l.Next(context.Background())
		if err != nil {
			break
		}
		g.Go(func() error {
			serveConn(ctx, c, h)
			return nil
		})
	}
	g.Wait()
}

func serveConn(ctx context.Context, c *Connection, h Handler) {
	defer c.Close()
	if obs, ok := h.(Observer); ok {
		obs.Opened(ctx, c)
		defer obs.Closed(ctx, c)
	}
	for {
		m, err := c.Next(ctx)
		if err != nil {
			return
		}
		h.ServeMessage(ctx, c, m)
	}
}
