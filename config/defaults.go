package config

import "time"

// ── Default values ───────────────────────────────────────────────────
//
// Shared by CLI flags, the environment overlay and rules files.

const (
	// DefaultInterceptAddress is the bind address intercepted when no
	// rule is configured.
	DefaultInterceptAddress = "localhost:6010"

	// DefaultSkip is the prefix length stripped from intercepted
	// streams when no rule is configured.
	DefaultSkip = 36

	// DefaultSSHPort is the standard SSH port.
	DefaultSSHPort = 22

	// DefaultConnTimeout bounds an SSH gateway dial plus handshake.
	DefaultConnTimeout = 30 * time.Second

	// DefaultDialAttempts is how often a gateway dial is tried.
	DefaultDialAttempts = 3

	// DefaultKeepAliveInterval is the gateway keepalive interval in
	// seconds.
	DefaultKeepAliveInterval = 30
)

// Intercept backends.
const (
	ViaLocal   = "local"
	ViaGateway = "gateway"
)
