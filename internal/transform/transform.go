// Package transform holds the stream preprocessing step applied to a
// connection after accept and before it is handed to the guest.
//
// A Transform takes ownership of the connection it is given.  On
// success it returns the connection (possibly advanced or wrapped) and
// ownership passes to the caller.  On failure it closes the connection
// and returns nil, so a stream that failed its transform can never
// reach the guest.
package transform

import (
	"io"
	"net"
	"time"

	ncerr "enclaverun/internal/errors"
	"enclaverun/util"
)

// Transform inspects or mutates a freshly accepted stream.
type Transform interface {
	Apply(conn net.Conn) (net.Conn, error)
}

// Func adapts an ordinary function to the Transform interface.
type Func func(conn net.Conn) (net.Conn, error)

// Apply calls f(conn).
func (f Func) Apply(conn net.Conn) (net.Conn, error) { return f(conn) }

// Identity hands the stream over untouched.  It is the transform of
// every listener bound through the engine's default path.
var Identity Transform = Func(func(conn net.Conn) (net.Conn, error) {
	return conn, nil
})

// PrefixLen reports how many bytes t consumes from the head of every
// stream, or 0 if t does not say.
func PrefixLen(t Transform) int {
	if p, ok := t.(interface{ PrefixLen() int }); ok {
		return p.PrefixLen()
	}
	return 0
}

// ── Skip ─────────────────────────────────────────────────────────────

// Skip consumes exactly N bytes from the head of the stream, the
// framing a reverse proxy or load balancer prepended to the payload.
type Skip struct {
	N int

	// Timeout bounds the wait for the prefix.  Zero blocks until the
	// bytes arrive or the peer closes.
	Timeout time.Duration
}

// SkipPrefix returns a Skip transform for n bytes with no timeout.
func SkipPrefix(n int) *Skip { return &Skip{N: n} }

// PrefixLen returns N.
func (s *Skip) PrefixLen() int { return s.N }

// Apply reads N bytes and returns conn positioned right after them.
// A peer that closes before sending N bytes fails with
// io.ErrUnexpectedEOF; there is no partial success.
func (s *Skip) Apply(conn net.Conn) (net.Conn, error) {
	if s.N <= 0 {
		return conn, nil
	}

	peer := util.AddrString(conn.RemoteAddr())

	if s.Timeout > 0 {
		if err := conn.SetReadDeadline(time.Now().Add(s.Timeout)); err != nil {
			conn.Close()
			return nil, ncerr.Wrap(ncerr.OpTransform, peer, err)
		}
	}

	buf := util.GetBuf(s.N)
	_, err := io.ReadFull(conn, *buf)
	util.PutBuf(buf)
	if err != nil {
		conn.Close()
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, ncerr.Wrap(ncerr.OpTransform, peer, err)
	}

	if s.Timeout > 0 {
		if err := conn.SetReadDeadline(time.Time{}); err != nil {
			conn.Close()
			return nil, ncerr.Wrap(ncerr.OpTransform, peer, err)
		}
	}
	return conn, nil
}

// ── Chain ────────────────────────────────────────────────────────────

type chain []Transform

// Chain applies ts in order.  The first failure ends the chain; the
// failing stage has already closed the stream.
func Chain(ts ...Transform) Transform {
	if len(ts) == 1 {
		return ts[0]
	}
	return chain(ts)
}

func (c chain) Apply(conn net.Conn) (net.Conn, error) {
	var err error
	for _, t := range c {
		if conn, err = t.Apply(conn); err != nil {
			return nil, err
		}
	}
	return conn, nil
}

func (c chain) PrefixLen() int {
	n := 0
	for _, t := range c {
		n += PrefixLen(t)
	}
	return n
}
