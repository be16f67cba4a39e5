package tunnel

import (
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	ncerr "enclaverun/internal/errors"
	"enclaverun/util"
)

// ── Wire format (RFC 4254) ───────────────────────────────────────────

// channelForwardMsg is the payload of "tcpip-forward" and
// "cancel-tcpip-forward" (§7.1).
type channelForwardMsg struct {
	Addr string
	Port uint32
}

// forwardReply carries the port the gateway picked when 0 was asked.
type forwardReply struct {
	Port uint32
}

// forwardedTCPPayload is the "forwarded-tcpip" channel-open payload
// (§7.2).
type forwardedTCPPayload struct {
	Addr       string
	Port       uint32
	OriginAddr string
	OriginPort uint32
}

// ── forwardListener ──────────────────────────────────────────────────

// backlog bounds the channels waiting for Accept; beyond it new
// channels are refused, like a full listen(2) queue.
const backlog = 64

type pendingChannel struct {
	nc      ssh.NewChannel
	payload forwardedTCPPayload
}

// forwardListener implements net.Listener over the forwarded-tcpip
// channels of one remote bind.
type forwardListener struct {
	gw       *Gateway
	addr     forwardAddr
	incoming chan pendingChannel
	lost     <-chan struct{}
	done     chan struct{}
	once     sync.Once
}

func newForwardListener(g *Gateway, host string, port uint32, lost <-chan struct{}) *forwardListener {
	return &forwardListener{
		gw:       g,
		addr:     forwardAddr{host: host, port: int(port)},
		incoming: make(chan pendingChannel, backlog),
		lost:     lost,
		done:     make(chan struct{}),
	}
}

func (l *forwardListener) deliver(nc ssh.NewChannel, p forwardedTCPPayload) {
	select {
	case <-l.done:
		nc.Reject(ssh.Prohibited, "listener closed") //nolint:errcheck
	case l.incoming <- pendingChannel{nc: nc, payload: p}:
	default:
		nc.Reject(ssh.ResourceShortage, "accept backlog full") //nolint:errcheck
	}
}

// Accept waits for the next forwarded connection.
func (l *forwardListener) Accept() (net.Conn, error) {
	select {
	case <-l.done:
		return nil, net.ErrClosed
	case <-l.lost:
		return nil, fmt.Errorf("gateway %s: %w", l.gw.Addr(), ncerr.ErrNotConnected)
	case p := <-l.incoming:
		ch, reqs, err := p.nc.Accept()
		if err != nil {
			return nil, fmt.Errorf("channel accept: %w", err)
		}
		go ssh.DiscardRequests(reqs)
		return &chanConn{
			Channel: ch,
			laddr:   l.addr,
			raddr:   forwardAddr{host: p.payload.OriginAddr, port: int(p.payload.OriginPort)},
		}, nil
	}
}

// Close cancels the remote forward and unblocks Accept.
func (l *forwardListener) Close() error {
	l.once.Do(func() {
		close(l.done)
		l.gw.unregister(l)
	})
	return nil
}

// Addr returns the address bound on the gateway.
func (l *forwardListener) Addr() net.Addr { return l.addr }

// ── chanConn ─────────────────────────────────────────────────────────

// chanConn adapts an ssh.Channel to net.Conn.  Channels have no
// deadlines; the Set*Deadline methods succeed and do nothing.
type chanConn struct {
	ssh.Channel
	laddr net.Addr
	raddr net.Addr
}

func (c *chanConn) LocalAddr() net.Addr                { return c.laddr }
func (c *chanConn) RemoteAddr() net.Addr               { return c.raddr }
func (c *chanConn) SetDeadline(_ time.Time) error      { return nil }
func (c *chanConn) SetReadDeadline(_ time.Time) error  { return nil }
func (c *chanConn) SetWriteDeadline(_ time.Time) error { return nil }

// forwardAddr is a host:port on the gateway side.  The host is kept as
// the guest wrote it, which may be a name rather than an IP.
type forwardAddr struct {
	host string
	port int
}

func (a forwardAddr) Network() string { return "tcp" }
func (a forwardAddr) String() string  { return util.FormatAddr(a.host, a.port) }
