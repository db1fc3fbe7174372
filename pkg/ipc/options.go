package ipc

import (
	"log"

	"github.com/rexliu/xconn/pkg/metrics"
	"github.com/rexliu/xconn/pkg/retry"
)

// DefaultQueueCapacity is the number of inbound messages buffered per
// connection before the reader stops pulling frames off the socket.
const DefaultQueueCapacity = 64

// Logger is satisfied by logging.Logger; kept minimal to avoid dependency cycles.
type Logger interface {
	Printf(format string, v ...any)
}

// Option configures a Connection or Listener.
type Option func(*options)

type options struct {
	logger         Logger
	queueCapacity  int
	maxFrameSize   int
	reconnect      retry.Config
	metrics        *metrics.Metrics
	filter         IdentityFilter
	registry       Registry
	domain         Domain
	acceptBacklog  int
	maxConnections int
}

func applyOptions(opts []Option) *options {
	o := &options{
		queueCapacity: DefaultQueueCapacity,
		maxFrameSize:  DefaultMaxFrameSize,
		reconnect:     retry.DefaultConfig(),
		registry:      DefaultRegistry(),
		domain:        DomainSystem,
		acceptBacklog: 16,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// WithLogger routes diagnostics to l instead of the standard logger.
func WithLogger(l Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithQueueCapacity sets the inbound delivery queue size. It is rounded up
// to a power of two.
func WithQueueCapacity(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.queueCapacity = n
		}
	}
}

// WithMaxFrameSize bounds the payload of one frame in either direction.
func WithMaxFrameSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxFrameSize = n
		}
	}
}

// WithReconnect sets the backoff used to establish and resume client
// connections.
func WithReconnect(cfg retry.Config) Option {
	return func(o *options) { o.reconnect = cfg }
}

// WithMetrics records connection activity in m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithIdentityFilter installs a listener-side peer check.
func WithIdentityFilter(f IdentityFilter) Option {
	return func(o *options) { o.filter = f }
}

// WithRegistry overrides where endpoint names are resolved.
func WithRegistry(r Registry) Option {
	return func(o *options) { o.registry = r }
}

// WithDomain selects the domain Listen registers in. The default is
// DomainSystem.
func WithDomain(d Domain) Option {
	return func(o *options) { o.domain = d }
}

// WithMaxConnections bounds the number of connections Serve handles at
// once. Zero means unbounded.
func WithMaxConnections(n int) Option {
	return func(o *options) {
		if n >= 0 {
			o.maxConnections = n
		}
	}
}

func (o *options) logf(format string, v ...any) {
	if o.logger != nil {
		o.logger.Printf(format, v...)
	} else {
		log.Printf(format, v...)
	}
}
