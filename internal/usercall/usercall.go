// Package usercall implements the enclave runner's bind extension: the
// hook an execution engine calls when the guest asks to bind a network
// listener.
//
// An Extension either claims the requested address and returns a
// Listener, or declines (nil Listener, nil error) so the engine falls
// back to its own default bind.  Listeners returned by this package run
// a transform over every accepted stream before the guest sees it.
package usercall

import (
	"context"
	"net"

	"enclaverun/internal/metrics"
	"enclaverun/util"
)

// Listener is the accept-loop contract the guest observes.
type Listener interface {
	// Accept blocks until a connection arrives and has passed the
	// listener's transform.  It returns the stream together with the
	// connection's local and peer addresses.  A failed connection
	// yields an error and leaves the listener usable.
	Accept() (conn net.Conn, local, peer string, err error)

	// LocalAddr reports the effective bound address, including an
	// OS-assigned port when port 0 was requested.
	LocalAddr() string

	// Close releases the underlying OS listener.
	Close() error
}

// Extension is the engine's single bind-interception point.
type Extension interface {
	// BindStream resolves a guest bind of addr.  A nil Listener with
	// a nil error means the address is not intercepted.  On success
	// the effective local address is returned alongside the listener.
	BindStream(ctx context.Context, addr string) (Listener, string, error)
}

// ── Options ──────────────────────────────────────────────────────────

type options struct {
	logger  *util.Logger
	metrics *metrics.Collector
}

// Option configures listeners and dispatchers built by this package.
type Option func(*options)

// WithLogger sets the logger.  The default discards everything but
// errors.
func WithLogger(l *util.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithMetrics sets the metrics collector.  Nil disables counting.
func WithMetrics(m *metrics.Collector) Option {
	return func(o *options) { o.metrics = m }
}

func buildOptions(opts []Option) options {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = util.NewLogger(0)
	}
	return o
}
