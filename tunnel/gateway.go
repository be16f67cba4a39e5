package tunnel

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	ncerr "enclaverun/internal/errors"
	"enclaverun/internal/metrics"
	"enclaverun/internal/retry"
	"enclaverun/util"
)

// Gateway is one SSH connection to a gateway host on which any number
// of remote listeners can be bound.  It connects lazily on the first
// Listen and routes forwarded-tcpip channels to listeners by port.
type Gateway struct {
	config   *Config
	prompter Prompter
	logger   *util.Logger
	metrics  *metrics.Collector

	dialMu sync.Mutex // serialises Connect

	mu       sync.Mutex
	client   *ssh.Client
	lost     chan struct{} // closed when client's connection ends
	forwards map[uint32]*forwardListener
	closed   bool
}

// NewGateway returns a gateway that is ready to Listen.
func NewGateway(cfg *Config, logger *util.Logger, m *metrics.Collector) *Gateway {
	cfg.setDefaults()
	return &Gateway{
		config:   cfg,
		prompter: TerminalPrompter{},
		logger:   logger.Named("gateway"),
		metrics:  m,
		forwards: make(map[uint32]*forwardListener),
	}
}

// SetPrompter replaces the terminal prompter used for passwords and
// key passphrases.
func (g *Gateway) SetPrompter(p Prompter) { g.prompter = p }

// Addr returns the gateway's host:port.
func (g *Gateway) Addr() string { return util.FormatAddr(g.config.Host, g.config.Port) }

// Connect dials and authenticates, retrying TCP failures with backoff.
// It is a no-op while a connection is up.
func (g *Gateway) Connect(ctx context.Context) error {
	g.dialMu.Lock()
	defer g.dialMu.Unlock()

	g.mu.Lock()
	closed, up := g.closed, g.client != nil
	g.mu.Unlock()
	if closed {
		return fmt.Errorf("gateway %s: %w", g.Addr(), ncerr.ErrNotConnected)
	}
	if up {
		return nil
	}

	auth, err := BuildAuthMethods(g.config, g.prompter)
	if err != nil {
		return ncerr.WrapSSH("auth", g.config.Host, g.config.Port, err)
	}
	hk, err := hostKeyCallback(g.config)
	if err != nil {
		return ncerr.WrapSSH("hostkey", g.config.Host, g.config.Port, err)
	}
	sshCfg := &ssh.ClientConfig{
		User:            g.config.User,
		Auth:            auth,
		HostKeyCallback: hk,
		Timeout:         g.config.ConnTimeout,
		BannerCallback: func(msg string) error {
			g.logger.Info("%s", msg)
			return nil
		},
	}

	b := retry.GatewayBackoff(g.config.DialAttempts)
	b.OnRetry = func(attempt int, err error, wait time.Duration) {
		g.metrics.GatewayRedial()
		g.logger.Warn("attempt %d: %v (retrying in %v)", attempt, err, wait.Truncate(time.Millisecond))
	}

	var client *ssh.Client
	err = b.Do(ctx, func(int) error {
		var derr error
		client, derr = g.dial(ctx, sshCfg)
		return derr
	})
	if err != nil {
		return err
	}

	lost := make(chan struct{})
	incoming := client.HandleChannelOpen("forwarded-tcpip")

	g.mu.Lock()
	g.client = client
	g.lost = lost
	g.mu.Unlock()

	go g.route(incoming)
	go g.monitor(client, lost)
	if g.config.KeepAlive > 0 {
		go g.keepalive(client, lost)
	}

	g.logger.Verbose("connected to %s as %q", g.Addr(), g.config.User)
	return nil
}

func (g *Gateway) dial(ctx context.Context, cfg *ssh.ClientConfig) (*ssh.Client, error) {
	addr := g.Addr()
	g.logger.Debug("dialing %s", addr)

	dialer := net.Dialer{Timeout: g.config.ConnTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, ncerr.Wrap(ncerr.OpDial, addr, err)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		conn.Close()
		return nil, retry.Permanent(ncerr.WrapSSH("handshake", g.config.Host, g.config.Port, err))
	}
	return ssh.NewClient(sshConn, chans, reqs), nil
}

// Listen asks the gateway to bind addr ("host:port", port 0 lets the
// gateway choose) and returns a listener for the forwarded streams.
// A refused forward is returned as a bind error.
func (g *Gateway) Listen(ctx context.Context, addr string) (net.Listener, error) {
	host, port, err := util.SplitBindAddr(addr)
	if err != nil {
		return nil, ncerr.Wrap(ncerr.OpBind, addr, err)
	}
	if err := g.Connect(ctx); err != nil {
		return nil, ncerr.Wrap(ncerr.OpBind, addr, err)
	}

	g.mu.Lock()
	client, lost := g.client, g.lost
	g.mu.Unlock()
	if client == nil {
		return nil, ncerr.Wrap(ncerr.OpBind, addr, ncerr.ErrNotConnected)
	}

	req := channelForwardMsg{Addr: host, Port: uint32(port)}
	ok, reply, err := client.SendRequest("tcpip-forward", true, ssh.Marshal(&req))
	if err != nil {
		return nil, ncerr.Wrap(ncerr.OpBind, addr, ncerr.WrapSSH("forward", g.config.Host, g.config.Port, err))
	}
	if !ok {
		return nil, ncerr.Wrap(ncerr.OpBind, addr, fmt.Errorf("tcpip-forward refused by %s", g.Addr()))
	}

	bound := req.Port
	if bound == 0 {
		var r forwardReply
		if err := ssh.Unmarshal(reply, &r); err != nil {
			return nil, ncerr.Wrap(ncerr.OpBind, addr, fmt.Errorf("parsing tcpip-forward reply: %w", err))
		}
		bound = r.Port
	}

	fl := newForwardListener(g, host, bound, lost)

	g.mu.Lock()
	g.forwards[bound] = fl
	g.mu.Unlock()

	g.logger.Verbose("remote listener %s bound on %s", fl.Addr(), g.Addr())
	return fl, nil
}

// Close drops the SSH connection.  Listeners bound through it stop
// accepting with ErrNotConnected.
func (g *Gateway) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.closed = true
	if g.client == nil {
		return nil
	}
	err := g.client.Close()
	g.client = nil
	return err
}

// route hands every forwarded-tcpip channel to the listener bound on
// its port.  Gateways that report a different port than the one bound
// are tolerated when there is only one forward to choose from.
func (g *Gateway) route(incoming <-chan ssh.NewChannel) {
	for nc := range incoming {
		var p forwardedTCPPayload
		if err := ssh.Unmarshal(nc.ExtraData(), &p); err != nil {
			nc.Reject(ssh.ConnectionFailed, "malformed forwarded-tcpip payload") //nolint:errcheck
			continue
		}

		g.mu.Lock()
		fl := g.forwards[p.Port]
		if fl == nil && len(g.forwards) == 1 {
			for _, only := range g.forwards {
				fl = only
			}
		}
		g.mu.Unlock()

		if fl == nil {
			g.logger.Debug("rejecting channel for unbound port %d from %s", p.Port, p.OriginAddr)
			nc.Reject(ssh.Prohibited, "no forward for port") //nolint:errcheck
			continue
		}
		fl.deliver(nc, p)
	}
}

// unregister drops fl and cancels its remote forward.  A listener from
// an earlier connection is no longer registered, and its port may
// already belong to a newer forward, so nothing is sent for it.
func (g *Gateway) unregister(fl *forwardListener) {
	port := uint32(fl.addr.port)

	g.mu.Lock()
	if g.forwards[port] != fl {
		g.mu.Unlock()
		return
	}
	delete(g.forwards, port)
	client := g.client
	g.mu.Unlock()

	if client == nil {
		return
	}
	msg := channelForwardMsg{Addr: fl.addr.host, Port: port}
	client.SendRequest("cancel-tcpip-forward", true, ssh.Marshal(&msg)) //nolint:errcheck
}

// monitor waits for the connection to end and marks it lost.
func (g *Gateway) monitor(client *ssh.Client, lost chan struct{}) {
	err := client.Wait()

	g.mu.Lock()
	if g.client == client {
		g.client = nil
	}
	// Forwards die with the connection that requested them.
	for port, fl := range g.forwards {
		if fl.lost == lost {
			delete(g.forwards, port)
		}
	}
	g.mu.Unlock()
	close(lost)

	if err != nil {
		g.logger.Debug("connection to %s closed: %v", g.Addr(), err)
	} else {
		g.logger.Debug("connection to %s closed", g.Addr())
	}
}

func (g *Gateway) keepalive(client *ssh.Client, lost chan struct{}) {
	ticker := time.NewTicker(g.config.KeepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-lost:
			return
		case <-ticker.C:
			if _, _, err := client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
				g.logger.Warn("keepalive to %s failed: %v", g.Addr(), err)
				g.metrics.RecordError(fmt.Sprintf("keepalive: %v", err))
				client.Close()
				return
			}
		}
	}
}
