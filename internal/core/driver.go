// Package core is the orchestration layer.  It turns a Config into a
// bind extension and drives one enclave run through its lifecycle:
//
//	Unloaded → Loaded → Running → Completed | Faulted
//
// Load measures the image, attaches the signature and installs the
// extension as the engine's sole bind hook.  Run hands control to the
// engine; every guest bind then goes through the extension.
package core

import (
	"context"
	"fmt"
	"io"
	"sync"

	"enclaverun/config"
	"enclaverun/internal/enclave"
	ncerr "enclaverun/internal/errors"
	"enclaverun/internal/metrics"
	"enclaverun/util"
)

// State is a driver lifecycle state.
type State int

const (
	StateUnloaded State = iota
	StateLoaded
	StateRunning
	StateCompleted
	StateFaulted
)

func (s State) String() string {
	switch s {
	case StateUnloaded:
		return "unloaded"
	case StateLoaded:
		return "loaded"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateFaulted:
		return "faulted"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Driver runs one enclave.  A fault is terminal; the driver never
// retries.
type Driver struct {
	Config  *config.Config
	Logger  *util.Logger
	Metrics *metrics.Collector

	// Guest defaults to a LineEcho on the configured guest address.
	Guest enclave.Guest
	// Stdout receives guest output.  Defaults to os.Stdout.
	Stdout io.Writer

	mu        sync.Mutex
	state     State
	image     *enclave.Image
	extension *Extension
	engine    *enclave.HostEngine
}

// NewDriver returns a driver in StateUnloaded.
func NewDriver(cfg *config.Config, logger *util.Logger, m *metrics.Collector) *Driver {
	return &Driver{Config: cfg, Logger: logger, Metrics: m}
}

// State returns the current lifecycle state.
func (d *Driver) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Image returns the loaded image, or nil before Load.
func (d *Driver) Image() *enclave.Image {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.image
}

// Extension returns the installed bind extension, or nil before Load.
func (d *Driver) Extension() *Extension {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.extension
}

func (d *Driver) setState(s State) {
	d.mu.Lock()
	d.state = s
	d.mu.Unlock()
}

// Load moves the driver from Unloaded to Loaded.
func (d *Driver) Load() error {
	if s := d.State(); s != StateUnloaded {
		return fmt.Errorf("load: driver is %s", s)
	}

	img, err := enclave.LoadImage(d.Config.Image)
	if err != nil {
		d.setState(StateFaulted)
		return err
	}
	d.Logger.Verbose("loaded %s (%d bytes, blake3 %s)", img.Path, img.Size, img.Digest())

	ext, err := BuildExtension(d.Config, d.Logger, d.Metrics)
	if err != nil {
		d.setState(StateFaulted)
		return err
	}
	for _, r := range ext.Rules {
		d.Logger.Debug("rule: %s", r)
	}

	guest := d.Guest
	if guest == nil {
		guest = &enclave.LineEcho{Addr: d.Config.EffectiveGuestAddress()}
	}

	b := enclave.NewBuilder(img).
		Logger(d.Logger.Named("enclave")).
		Stdout(d.Stdout).
		Guest(guest).
		UsercallExtension(ext.Dispatcher)
	if d.Config.Signature != "" {
		b.Signature(d.Config.Signature)
	} else {
		b.DummySignature()
	}

	engine, err := b.Build()
	if err != nil {
		ext.Close()
		d.setState(StateFaulted)
		return err
	}

	d.mu.Lock()
	d.image, d.extension, d.engine = img, ext, engine
	d.state = StateLoaded
	d.mu.Unlock()
	return nil
}

// Run executes the enclave, loading it first if needed.  It returns
// nil when the guest exits normally and a *errors.GuestFault otherwise.
func (d *Driver) Run(ctx context.Context) error {
	if d.State() == StateUnloaded {
		if err := d.Load(); err != nil {
			return err
		}
	}
	if s := d.State(); s != StateLoaded {
		return fmt.Errorf("run: driver is %s", s)
	}

	d.setState(StateRunning)
	defer d.extension.Close()

	if err := d.engine.Run(ctx); err != nil {
		d.setState(StateFaulted)
		d.Metrics.RecordError(err.Error())
		return ncerr.Fault(d.image.Path, err)
	}
	d.setState(StateCompleted)
	return nil
}
