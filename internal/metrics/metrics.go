// Package metrics keeps lock-free counters for the bind extension:
// how many binds were intercepted, how many connections were handed to
// the guest, and how many were dropped by their transform.
//
// All methods are safe for concurrent use.  A nil *Collector is a
// valid no-op receiver, so callers never need to nil-check.
package metrics

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

// Collector tracks runtime metrics for one runner process.
type Collector struct {
	bindsIntercepted atomic.Int64
	bindsDeferred    atomic.Int64
	accepted         atomic.Int64
	rejected         atomic.Int64
	acceptErrors     atomic.Int64
	bytesSkipped     atomic.Int64
	gatewayRedials   atomic.Int64

	mu           sync.RWMutex
	startTime    time.Time
	lastError    time.Time
	lastErrorMsg string
}

// New creates a collector with the start time set to now.
func New() *Collector {
	return &Collector{startTime: time.Now()}
}

// ── Binds ────────────────────────────────────────────────────────────

// BindIntercepted records a bind claimed by an extension rule.
func (c *Collector) BindIntercepted() {
	if c == nil {
		return
	}
	c.bindsIntercepted.Add(1)
}

// BindDeferred records a bind left to the engine's default behaviour.
func (c *Collector) BindDeferred() {
	if c == nil {
		return
	}
	c.bindsDeferred.Add(1)
}

// BindsIntercepted returns the number of claimed binds.
func (c *Collector) BindsIntercepted() int64 {
	if c == nil {
		return 0
	}
	return c.bindsIntercepted.Load()
}

// BindsDeferred returns the number of binds passed through.
func (c *Collector) BindsDeferred() int64 {
	if c == nil {
		return 0
	}
	return c.bindsDeferred.Load()
}

// ── Connections ──────────────────────────────────────────────────────

// ConnectionAccepted records a stream handed to the guest after its
// transform consumed skipped bytes.
func (c *Collector) ConnectionAccepted(skipped int64) {
	if c == nil {
		return
	}
	c.accepted.Add(1)
	c.bytesSkipped.Add(skipped)
}

// ConnectionRejected records a stream dropped by its transform.
func (c *Collector) ConnectionRejected(msg string) {
	if c == nil {
		return
	}
	c.rejected.Add(1)
	c.RecordError(msg)
}

// AcceptFailed records an accept(2) error on an extension listener.
func (c *Collector) AcceptFailed(msg string) {
	if c == nil {
		return
	}
	c.acceptErrors.Add(1)
	c.RecordError(msg)
}

// Accepted returns the number of streams handed to the guest.
func (c *Collector) Accepted() int64 {
	if c == nil {
		return 0
	}
	return c.accepted.Load()
}

// Rejected returns the number of streams dropped by their transform.
func (c *Collector) Rejected() int64 {
	if c == nil {
		return 0
	}
	return c.rejected.Load()
}

// AcceptErrors returns the number of failed accept calls.
func (c *Collector) AcceptErrors() int64 {
	if c == nil {
		return 0
	}
	return c.acceptErrors.Load()
}

// BytesSkipped returns the total prefix bytes consumed on the host.
func (c *Collector) BytesSkipped() int64 {
	if c == nil {
		return 0
	}
	return c.bytesSkipped.Load()
}

// ── Gateway ──────────────────────────────────────────────────────────

// GatewayRedial records a retried SSH gateway dial.
func (c *Collector) GatewayRedial() {
	if c == nil {
		return
	}
	c.gatewayRedials.Add(1)
}

// GatewayRedials returns the retried gateway dial count.
func (c *Collector) GatewayRedials() int64 {
	if c == nil {
		return 0
	}
	return c.gatewayRedials.Load()
}

// ── Errors ───────────────────────────────────────────────────────────

// RecordError stores msg as the most recent error.
func (c *Collector) RecordError(msg string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.lastError = time.Now()
	c.lastErrorMsg = msg
	c.mu.Unlock()
}

// ── Snapshot ─────────────────────────────────────────────────────────

// Snapshot is a point-in-time view of all metrics.
type Snapshot struct {
	Uptime           string `json:"uptime"`
	BindsIntercepted int64  `json:"binds_intercepted"`
	BindsDeferred    int64  `json:"binds_deferred"`
	Accepted         int64  `json:"accepted"`
	Rejected         int64  `json:"rejected"`
	AcceptErrors     int64  `json:"accept_errors"`
	BytesSkipped     int64  `json:"bytes_skipped"`
	GatewayRedials   int64  `json:"gateway_redials"`
	LastError        string `json:"last_error,omitempty"`
	LastErrorMessage string `json:"last_error_message,omitempty"`
}

// Snapshot returns a copy of all current metrics.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := Snapshot{
		Uptime:           time.Since(c.startTime).Truncate(time.Second).String(),
		BindsIntercepted: c.bindsIntercepted.Load(),
		BindsDeferred:    c.bindsDeferred.Load(),
		Accepted:         c.accepted.Load(),
		Rejected:         c.rejected.Load(),
		AcceptErrors:     c.acceptErrors.Load(),
		BytesSkipped:     c.bytesSkipped.Load(),
		GatewayRedials:   c.gatewayRedials.Load(),
	}
	if !c.lastError.IsZero() {
		s.LastError = c.lastError.Format(time.RFC3339)
		s.LastErrorMessage = c.lastErrorMsg
	}
	return s
}

// JSON returns the snapshot as an indented JSON string.
func (c *Collector) JSON() string {
	data, _ := json.MarshalIndent(c.Snapshot(), "", "  ")
	return string(data)
}
