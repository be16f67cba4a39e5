package usercall

import (
	"context"
	"fmt"

	"github.com/gobwas/glob"

	ncerr "enclaverun/internal/errors"
	"enclaverun/internal/transform"
)

// ── Matchers ─────────────────────────────────────────────────────────

// Matcher decides whether a rule claims a bind address.
type Matcher interface {
	Match(addr string) bool
}

// MatchFunc adapts a predicate to Matcher.
type MatchFunc func(addr string) bool

// Match calls f(addr).
func (f MatchFunc) Match(addr string) bool { return f(addr) }

// Exact claims addr and nothing else.  Comparison is on the raw string
// the guest passed; no resolution or normalisation takes place.
func Exact(addr string) Matcher {
	return MatchFunc(func(a string) bool { return a == addr })
}

// Glob claims every address matching pattern, e.g. "*.internal:*" or
// "127.0.0.1:60[0-9][0-9]".  '*' crosses '.' and ':'.
func Glob(pattern string) (Matcher, error) {
	g, err := glob.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("intercept pattern %q: %w", pattern, err)
	}
	return g, nil
}

// ── Binders ──────────────────────────────────────────────────────────

// Binder produces the listener for a claimed address.  It performs the
// real bind; an error here aborts the guest's bind.
type Binder interface {
	Bind(ctx context.Context, addr string) (Listener, error)
}

// BinderFunc adapts a function to Binder.
type BinderFunc func(ctx context.Context, addr string) (Listener, error)

// Bind calls f(ctx, addr).
func (f BinderFunc) Bind(ctx context.Context, addr string) (Listener, error) { return f(ctx, addr) }

// TCPBinder binds the claimed address on the local host and wraps the
// listener with Transform.
type TCPBinder struct {
	Transform transform.Transform
	Options   []Option
}

// Bind implements Binder.
func (b *TCPBinder) Bind(ctx context.Context, addr string) (Listener, error) {
	return Listen(ctx, "tcp", addr, b.Transform, b.Options...)
}

// ── Dispatcher ───────────────────────────────────────────────────────

// Rule pairs a predicate with the factory used when it matches.
type Rule struct {
	Name  string // shown in logs
	Match Matcher
	Bind  Binder
}

// Dispatcher is an Extension backed by an ordered rule table.  Rules
// are evaluated in order and the first match wins.  The table is fixed
// at construction, so BindStream needs no locking.
type Dispatcher struct {
	rules []Rule
	opts  options
}

var _ Extension = (*Dispatcher)(nil)

// NewDispatcher returns a dispatcher over a copy of rules.
func NewDispatcher(rules []Rule, opts ...Option) *Dispatcher {
	return &Dispatcher{
		rules: append([]Rule(nil), rules...),
		opts:  buildOptions(opts),
	}
}

// Len returns the number of rules.
func (d *Dispatcher) Len() int { return len(d.rules) }

// BindStream implements Extension.  Addresses no rule matches are
// declined without any bind attempt.
func (d *Dispatcher) BindStream(ctx context.Context, addr string) (Listener, string, error) {
	for i, r := range d.rules {
		if !r.Match.Match(addr) {
			continue
		}

		name := r.Name
		if name == "" {
			name = fmt.Sprintf("rule %d", i)
		}
		d.opts.logger.Debug("%s claims %s", name, addr)

		l, err := r.Bind.Bind(ctx, addr)
		if err != nil {
			var ne *ncerr.NetworkError
			if !ncerr.As(err, &ne) {
				err = ncerr.Wrap(ncerr.OpBind, addr, err)
			}
			d.opts.logger.Error("%s: %v", name, err)
			return nil, "", err
		}

		d.opts.metrics.BindIntercepted()
		d.opts.logger.Verbose("%s: bound %s -> %s", name, addr, l.LocalAddr())
		return l, l.LocalAddr(), nil
	}

	d.opts.metrics.BindDeferred()
	d.opts.logger.Debug("%s not intercepted", addr)
	return nil, "", nil
}
