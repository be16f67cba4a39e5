package core

import (
	"bytes"
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"enclaverun/config"
	"enclaverun/internal/enclave"
	ncerr "enclaverun/internal/errors"
	"enclaverun/internal/metrics"
	"enclaverun/util"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	path := filepath.Join(t.TempDir(), "app.sgxs")
	if err := os.WriteFile(path, []byte("enclave image"), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg := config.New()
	cfg.Image = path
	cfg.Intercepts = []config.Intercept{{Address: "127.0.0.1:0", Skip: 5}}
	return cfg
}

// selfDialGuest binds addr, connects to its own listener, writes
// payload and prints whatever the guest side receives.
func selfDialGuest(addr, payload string) enclave.Guest {
	return enclave.GuestFunc(func(ctx context.Context, sys enclave.Syscalls) error {
		ln, local, err := sys.BindStream(addr)
		if err != nil {
			return err
		}
		go func() {
			c, err := net.Dial("tcp", local)
			if err != nil {
				return
			}
			defer c.Close()
			c.Write([]byte(payload)) //nolint:errcheck
		}()

		conn, _, _, err := ln.Accept()
		if err != nil {
			return err
		}
		defer conn.Close()
		buf := make([]byte, 64)
		n, _ := conn.Read(buf)
		_, err = sys.Stdout().Write(buf[:n])
		return err
	})
}

func TestState_String(t *testing.T) {
	tests := map[State]string{
		StateUnloaded:  "unloaded",
		StateLoaded:    "loaded",
		StateRunning:   "running",
		StateCompleted: "completed",
		StateFaulted:   "faulted",
		State(42):      "state(42)",
	}
	for s, want := range tests {
		if s.String() != want {
			t.Errorf("%d.String() = %q, want %q", int(s), s.String(), want)
		}
	}
}

func TestDriver_Lifecycle(t *testing.T) {
	var out bytes.Buffer
	m := metrics.New()
	d := NewDriver(testConfig(t), util.NewLogger(0), m)
	d.Guest = selfDialGuest("127.0.0.1:0", "HELLOworld")
	d.Stdout = &out

	if d.State() != StateUnloaded {
		t.Fatalf("initial state = %s", d.State())
	}
	if err := d.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if d.State() != StateLoaded {
		t.Fatalf("state after Load = %s", d.State())
	}
	if d.Image() == nil || d.Extension() == nil {
		t.Fatal("Load should expose the image and the extension")
	}

	if err := d.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if d.State() != StateCompleted {
		t.Errorf("state after Run = %s, want completed", d.State())
	}
	if out.String() != "world" {
		t.Errorf("guest saw %q, want %q", out.String(), "world")
	}
	if m.BindsIntercepted() != 1 || m.Accepted() != 1 {
		t.Errorf("metrics = %s", m.JSON())
	}
}

func TestDriver_RunLoadsImplicitly(t *testing.T) {
	var out bytes.Buffer
	d := NewDriver(testConfig(t), util.NewLogger(0), nil)
	d.Guest = selfDialGuest("127.0.0.1:0", "12345ok")
	d.Stdout = &out

	if err := d.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.String() != "ok" {
		t.Errorf("guest saw %q", out.String())
	}
}

func TestDriver_UninterceptedBindIsUntouched(t *testing.T) {
	var out bytes.Buffer
	cfg := testConfig(t)
	cfg.Intercepts = []config.Intercept{{Address: "localhost:6010", Skip: 5}}
	d := NewDriver(cfg, util.NewLogger(0), nil)
	d.Guest = selfDialGuest("127.0.0.1:0", "HELLOworld")
	d.Stdout = &out

	if err := d.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.String() != "HELLOworld" {
		t.Errorf("guest saw %q, want the full stream", out.String())
	}
}

func TestDriver_BindFailureFaults(t *testing.T) {
	blocker, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer blocker.Close()

	cfg := testConfig(t)
	cfg.Intercepts = []config.Intercept{{Address: blocker.Addr().String(), Skip: 5}}
	d := NewDriver(cfg, util.NewLogger(0), nil)
	d.Guest = &enclave.LineEcho{Addr: blocker.Addr().String()}

	err = d.Run(context.Background())
	var gf *ncerr.GuestFault
	if !errors.As(err, &gf) {
		t.Fatalf("err = %v, want GuestFault", err)
	}
	if gf.Image != cfg.Image {
		t.Errorf("fault image = %q", gf.Image)
	}
	if d.State() != StateFaulted {
		t.Errorf("state = %s, want faulted", d.State())
	}

	// A fault is terminal.
	if err := d.Run(context.Background()); err == nil || !strings.Contains(err.Error(), "faulted") {
		t.Errorf("second Run err = %v", err)
	}
}

func TestDriver_MissingImage(t *testing.T) {
	cfg := config.New()
	cfg.Image = filepath.Join(t.TempDir(), "missing.sgxs")
	d := NewDriver(cfg, util.NewLogger(0), nil)

	if err := d.Load(); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("err = %v, want ErrNotExist", err)
	}
	if d.State() != StateFaulted {
		t.Errorf("state = %s, want faulted", d.State())
	}
}

func TestDriver_BadSignatureFile(t *testing.T) {
	cfg := testConfig(t)
	cfg.Signature = filepath.Join(t.TempDir(), "missing.sig")
	d := NewDriver(cfg, util.NewLogger(0), nil)

	if err := d.Load(); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("err = %v, want ErrNotExist", err)
	}
}

func TestDriver_LoadTwice(t *testing.T) {
	d := NewDriver(testConfig(t), util.NewLogger(0), nil)
	d.Guest = selfDialGuest("127.0.0.1:0", "x")
	if err := d.Load(); err != nil {
		t.Fatal(err)
	}
	if err := d.Load(); err == nil {
		t.Error("second Load should fail")
	}
}

func TestDriver_CancelFaults(t *testing.T) {
	d := NewDriver(testConfig(t), util.NewLogger(0), nil)
	d.Guest = &enclave.LineEcho{Addr: "127.0.0.1:0"}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for d.State() != StateRunning && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("err = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if d.State() != StateFaulted {
		t.Errorf("state = %s, want faulted", d.State())
	}
}
