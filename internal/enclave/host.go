package enclave

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	ncerr "enclaverun/internal/errors"
	"enclaverun/internal/transform"
	"enclaverun/internal/usercall"
	"enclaverun/util"
)

// Guest is a program run by the host engine.
type Guest interface {
	Main(ctx context.Context, sys Syscalls) error
}

// GuestFunc adapts a function to Guest.
type GuestFunc func(ctx context.Context, sys Syscalls) error

// Main implements Guest.
func (f GuestFunc) Main(ctx context.Context, sys Syscalls) error { return f(ctx, sys) }

// Syscalls is the usercall surface a guest sees.
type Syscalls interface {
	// BindStream binds a stream listener on addr and returns it with
	// the effective local address.
	BindStream(addr string) (usercall.Listener, string, error)

	// Stdout is the guest's standard output.
	Stdout() io.Writer
}

// HostEngine runs a Guest on the host.  Every listener it hands out is
// closed when the guest returns or the run context is cancelled, which
// also unblocks a guest stuck in Accept.
type HostEngine struct {
	image     *Image
	signature *Signature
	extension usercall.Extension
	guest     Guest
	logger    *util.Logger
	stdout    io.Writer

	started   atomic.Bool
	mu        sync.Mutex
	listeners []usercall.Listener
	closed    bool
}

var _ Engine = (*HostEngine)(nil)

// Image returns the image the engine runs.
func (e *HostEngine) Image() *Image { return e.image }

// Run implements Engine.  An engine runs once.
func (e *HostEngine) Run(ctx context.Context) error {
	if e.started.Swap(true) {
		return ncerr.Fault(e.image.Path, errors.New("engine already ran"))
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer e.closeListeners()

	go func() {
		<-ctx.Done()
		e.closeListeners()
	}()

	e.logger.Verbose("running %s (%d bytes, blake3 %s, signature %s)",
		e.image.Path, e.image.Size, e.image.Digest(), e.signature)

	err := e.guest.Main(ctx, &hostSyscalls{engine: e, ctx: ctx})
	if err != nil {
		if cerr := ctx.Err(); cerr != nil && !errors.Is(err, cerr) {
			if errors.Is(err, ncerr.ErrListenerClosed) {
				err = cerr
			} else {
				err = fmt.Errorf("%w: %v", cerr, err)
			}
		}
		return ncerr.Fault(e.image.Path, err)
	}
	return nil
}

// bind resolves a guest bind: the extension first, then a plain OS
// listener with the identity transform.
func (e *HostEngine) bind(ctx context.Context, addr string) (usercall.Listener, string, error) {
	if e.extension != nil {
		l, local, err := e.extension.BindStream(ctx, addr)
		if err != nil {
			return nil, "", err
		}
		if l != nil {
			if err := e.track(l); err != nil {
				return nil, "", err
			}
			return l, local, nil
		}
	}

	wl, err := usercall.Listen(ctx, "tcp", addr, transform.Identity, usercall.WithLogger(e.logger))
	if err != nil {
		return nil, "", err
	}
	e.logger.Debug("default bind %s -> %s", addr, wl.LocalAddr())
	if err := e.track(wl); err != nil {
		return nil, "", err
	}
	return wl, wl.LocalAddr(), nil
}

func (e *HostEngine) track(l usercall.Listener) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		l.Close()
		return ncerr.ErrListenerClosed
	}
	e.listeners = append(e.listeners, l)
	return nil
}

func (e *HostEngine) closeListeners() {
	e.mu.Lock()
	ls := e.listeners
	e.listeners = nil
	e.closed = true
	e.mu.Unlock()

	for _, l := range ls {
		if err := l.Close(); err != nil {
			e.logger.Debug("close %s: %v", l.LocalAddr(), err)
		}
	}
}

type hostSyscalls struct {
	engine *HostEngine
	ctx    context.Context
}

func (s *hostSyscalls) BindStream(addr string) (usercall.Listener, string, error) {
	return s.engine.bind(s.ctx, addr)
}

func (s *hostSyscalls) Stdout() io.Writer { return s.engine.stdout }
