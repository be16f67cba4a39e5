// Package errors provides the runner's error taxonomy.
//
// Failures fall in two classes.  Connection-local errors (a failed
// accept, a stream whose prefix could not be consumed) are reported to
// the caller of Accept and leave the listener usable.  Run-level errors
// (a rejected bind, a guest fault, a bad configuration) are fatal for
// the whole run.
package errors

import (
	"errors"
	"fmt"
	"net"
)

// ── Sentinel errors ──────────────────────────────────────────────────

var (
	ErrListenerClosed = errors.New("listener is closed")
	ErrNotConnected   = errors.New("not connected")
	ErrNoImage        = errors.New("no enclave image loaded")
	ErrNoSignature    = errors.New("enclave image is not signed")
	ErrAuthFailed     = errors.New("authentication failed")
)

// Network operations recorded in NetworkError.Op.
const (
	OpBind      = "bind"
	OpAccept    = "accept"
	OpTransform = "transform"
	OpDial      = "dial"
	OpForward   = "forward"
)

// ── Structured error types ───────────────────────────────────────────

// NetworkError represents a failure in a network operation.
type NetworkError struct {
	Op        string // one of the Op* constants
	Addr      string // network address involved
	Err       error  // underlying error
	Retryable bool   // whether the caller should retry
}

func (e *NetworkError) Error() string {
	s := fmt.Sprintf("%s %s: %v", e.Op, e.Addr, e.Err)
	if e.Retryable {
		s += " (retryable)"
	}
	return s
}

func (e *NetworkError) Unwrap() error { return e.Err }

// SSHError represents an SSH gateway failure with host context.
type SSHError struct {
	Op   string // "handshake", "auth", "hostkey", "forward"
	Host string
	Port int
	Err  error
}

func (e *SSHError) Error() string {
	return fmt.Sprintf("ssh %s %s:%d: %v", e.Op, e.Host, e.Port, e.Err)
}

func (e *SSHError) Unwrap() error { return e.Err }

// GuestFault is a terminal error raised while the enclave was running:
// a crash, an unhandled fault, or an extension error that propagated
// out of a usercall.
type GuestFault struct {
	Image string // path of the enclave image
	Err   error
}

func (e *GuestFault) Error() string {
	return fmt.Sprintf("enclave %s faulted: %v", e.Image, e.Err)
}

func (e *GuestFault) Unwrap() error { return e.Err }

// ConfigError represents an invalid configuration value.
type ConfigError struct {
	Field   string      // flag name
	Value   interface{} // the invalid value (nil if missing)
	Message string      // human-readable explanation
	Hint    string      // suggestion for the user (optional)
}

func (e *ConfigError) Error() string {
	msg := fmt.Sprintf("config: --%s", e.Field)
	if e.Value != nil {
		msg += fmt.Sprintf("=%v", e.Value)
	}
	msg += ": " + e.Message
	if e.Hint != "" {
		msg += "\n  hint: " + e.Hint
	}
	return msg
}

// ── Constructors ─────────────────────────────────────────────────────

// Wrap creates a NetworkError, detecting retryability from the
// underlying error.
func Wrap(op, addr string, err error) *NetworkError {
	return &NetworkError{
		Op:        op,
		Addr:      addr,
		Err:       err,
		Retryable: classifyRetryable(err),
	}
}

// WrapSSH creates an SSHError.
func WrapSSH(op, host string, port int, err error) *SSHError {
	return &SSHError{Op: op, Host: host, Port: port, Err: err}
}

// Fault wraps err as a GuestFault unless it already is one.
func Fault(image string, err error) error {
	if err == nil {
		return nil
	}
	var gf *GuestFault
	if errors.As(err, &gf) {
		return err
	}
	return &GuestFault{Image: image, Err: err}
}

// ── Classification helpers ───────────────────────────────────────────

// IsConnectionLocal reports whether err concerns a single accepted
// connection only.  Such errors never take the listener down.  An
// accept error caused by a closed listener or a lost gateway is not
// connection-local.
func IsConnectionLocal(err error) bool {
	var ne *NetworkError
	if !errors.As(err, &ne) {
		return false
	}
	switch ne.Op {
	case OpTransform:
		return true
	case OpAccept:
		return !IsListenerDown(err)
	}
	return false
}

// IsListenerDown reports whether err means the listener will never
// accept again.
func IsListenerDown(err error) bool {
	return errors.Is(err, ErrListenerClosed) ||
		errors.Is(err, ErrNotConnected) ||
		errors.Is(err, net.ErrClosed)
}

// IsRetryable reports whether err is worth retrying.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var ne *NetworkError
	if errors.As(err, &ne) {
		return ne.Retryable
	}
	return classifyRetryable(err)
}

func classifyRetryable(err error) bool {
	if err == nil {
		return false
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return opErr.Temporary() //nolint:staticcheck // still the best hint for accept(2) errors
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.Temporary() //nolint:staticcheck
	}
	return false
}

// ── Re-exports ───────────────────────────────────────────────────────

// As is [errors.As].
func As(err error, target interface{}) bool { return errors.As(err, target) }

// Is is [errors.Is].
func Is(err, target error) bool { return errors.Is(err, target) }

// New is [errors.New].
func New(text string) error { return errors.New(text) }

// Join is [errors.Join].
func Join(errs ...error) error { return errors.Join(errs...) }
