package usercall

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"time"

	ncerr "enclaverun/internal/errors"
	"enclaverun/internal/transform"
	"enclaverun/util"
)

// WrappedListener couples a bound net.Listener with a transform.  It is
// the sole owner of the OS listener; accepted connections are handed to
// the transform and never retained afterwards.
type WrappedListener struct {
	ln        net.Listener
	transform transform.Transform
	local     string
	opts      options
	closed    atomic.Bool
}

var _ Listener = (*WrappedListener)(nil)

// Wrap takes ownership of ln and applies t to every accepted stream.
// A nil t behaves like transform.Identity.
func Wrap(ln net.Listener, t transform.Transform, opts ...Option) *WrappedListener {
	if t == nil {
		t = transform.Identity
	}
	return &WrappedListener{
		ln:        ln,
		transform: t,
		local:     util.AddrString(ln.Addr()),
		opts:      buildOptions(opts),
	}
}

// Listen binds addr on network with the OS and wraps the result.  Bind
// failures are returned as bind NetworkErrors.
func Listen(ctx context.Context, network, addr string, t transform.Transform, opts ...Option) (*WrappedListener, error) {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, network, addr)
	if err != nil {
		return nil, ncerr.Wrap(ncerr.OpBind, addr, err)
	}
	return Wrap(ln, t, opts...), nil
}

// Accept implements Listener.
func (l *WrappedListener) Accept() (net.Conn, string, string, error) {
	conn, err := l.ln.Accept()
	if err != nil {
		if l.closed.Load() || errors.Is(err, net.ErrClosed) {
			return nil, "", "", ncerr.Wrap(ncerr.OpAccept, l.local, ncerr.ErrListenerClosed)
		}
		l.opts.metrics.AcceptFailed(err.Error())
		return nil, "", "", ncerr.Wrap(ncerr.OpAccept, l.local, err)
	}

	// Addresses are taken before the transform owns the stream.
	local := util.AddrString(conn.LocalAddr())
	peer := util.AddrString(conn.RemoteAddr())

	stream, err := l.transform.Apply(conn)
	if err != nil {
		// Transforms close on failure; a second Close is harmless.
		conn.Close()
		var ne *ncerr.NetworkError
		if !errors.As(err, &ne) {
			err = ncerr.Wrap(ncerr.OpTransform, peer, err)
		}
		l.opts.logger.Verbose("dropped connection from %s: %v", peer, err)
		l.opts.metrics.ConnectionRejected(err.Error())
		return nil, "", "", err
	}

	l.opts.logger.Debug("accepted %s -> %s", peer, local)
	l.opts.metrics.ConnectionAccepted(int64(transform.PrefixLen(l.transform)))
	return stream, local, peer, nil
}

// LocalAddr implements Listener.
func (l *WrappedListener) LocalAddr() string { return l.local }

// Close implements Listener.  Closing twice is harmless.
func (l *WrappedListener) Close() error {
	if l.closed.Swap(true) {
		return nil
	}
	return l.ln.Close()
}

// ── net.Listener adapter ─────────────────────────────────────────────

// NetListener presents l as a standard net.Listener.  Connections that
// fail their transform are dropped and Accept waits for the next one,
// so a serve loop built on it survives malformed peers.
func NetListener(l Listener) net.Listener {
	return &netListener{l: l}
}

type netListener struct {
	l Listener
}

func (n *netListener) Accept() (net.Conn, error) {
	var retry AcceptRetry
	for {
		conn, _, _, err := n.l.Accept()
		if err == nil {
			return conn, nil
		}
		if ncerr.Is(err, ncerr.ErrListenerClosed) {
			return nil, net.ErrClosed
		}
		if !retry.Wait(err) {
			return nil, err
		}
	}
}

func (n *netListener) Close() error { return n.l.Close() }

func (n *netListener) Addr() net.Addr { return bindAddr(n.l.LocalAddr()) }

// ── Accept retry policy ──────────────────────────────────────────────

// AcceptRetry decides whether an accept loop may call Accept again
// after an error.  The zero value is ready to use.
type AcceptRetry struct {
	wait time.Duration
}

// Wait returns true when the listener is still usable after err.  A
// failed transform is retried at once.  A temporary accept error is
// retried after a pause that doubles from 5ms up to one second, the
// way net/http.Server backs off.  Everything else, including a closed
// listener or a lost gateway, ends the loop.
func (r *AcceptRetry) Wait(err error) bool {
	var ne *ncerr.NetworkError
	if !ncerr.As(err, &ne) || ncerr.IsListenerDown(err) {
		return false
	}
	switch {
	case ne.Op == ncerr.OpTransform:
		r.wait = 0
		return true
	case ne.Op == ncerr.OpAccept && ne.Retryable:
		if r.wait == 0 {
			r.wait = 5 * time.Millisecond
		} else if r.wait *= 2; r.wait > time.Second {
			r.wait = time.Second
		}
		time.Sleep(r.wait)
		return true
	}
	return false
}

// bindAddr is the net.Addr of an extension listener.
type bindAddr string

func (a bindAddr) Network() string { return "tcp" }
func (a bindAddr) String() string  { return string(a) }
