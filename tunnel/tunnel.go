// Package tunnel binds guest addresses on a remote SSH gateway instead
// of the local host, the equivalent of `ssh -R`.  Peers connect to the
// gateway and their streams arrive over forwarded-tcpip channels,
// which the Gateway exposes as ordinary net.Listeners.
package tunnel

import "time"

// Config holds everything needed to reach an SSH gateway.
type Config struct {
	User          string
	Host          string
	Port          int
	KeyPath       string
	PromptPass    bool
	UseAgent      bool
	StrictHostKey bool
	KnownHosts    string

	// ConnTimeout bounds the TCP dial plus SSH handshake.
	ConnTimeout time.Duration
	// DialAttempts is the number of dial tries before giving up.
	DialAttempts int
	// KeepAlive is the interval between keepalive@openssh.com
	// requests.  Zero disables keepalives.
	KeepAlive time.Duration
}

func (c *Config) setDefaults() {
	if c.Port == 0 {
		c.Port = 22
	}
	if c.ConnTimeout == 0 {
		c.ConnTimeout = 30 * time.Second
	}
	if c.DialAttempts == 0 {
		c.DialAttempts = 3
	}
}
