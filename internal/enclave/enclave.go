// Package enclave is the execution-engine seam of the runner.  It loads
// and measures an enclave image, attaches a signature, installs the
// single bind extension and runs the guest.
//
// The in-tree engine emulates the guest on the host: a Guest program
// runs against a Syscalls surface whose BindStream goes through the
// installed extension exactly like the bind usercall would.
package enclave

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/zeebo/blake3"

	ncerr "enclaverun/internal/errors"
)

// Engine executes a built enclave.  Run blocks until the guest exits
// or ctx is cancelled; any failure is a *errors.GuestFault.
type Engine interface {
	Run(ctx context.Context) error
}

// SigStructSize is the size of an SGX SIGSTRUCT.
const SigStructSize = 1808

// ── Image ────────────────────────────────────────────────────────────

// Image is a loaded enclave image.
type Image struct {
	Path        string
	Size        int64
	Measurement [32]byte // BLAKE3 of the image bytes
}

// LoadImage reads and measures the image at path.  An empty file is
// rejected.
func LoadImage(path string) (*Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("load image: %w", err)
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("load image: %w", err)
	}
	if st.IsDir() {
		return nil, fmt.Errorf("load image: %s is a directory", path)
	}
	if st.Size() == 0 {
		return nil, fmt.Errorf("load image %s: %w", path, ncerr.ErrNoImage)
	}

	h := blake3.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return nil, fmt.Errorf("load image: %w", err)
	}

	img := &Image{Path: path, Size: n}
	copy(img.Measurement[:], h.Sum(nil))
	return img, nil
}

// Digest returns the measurement as lowercase hex.
func (i *Image) Digest() string { return hex.EncodeToString(i.Measurement[:]) }

// ── Signature ────────────────────────────────────────────────────────

// Signature is what the image is launched under.
type Signature struct {
	Dummy bool
	Path  string
	Data  []byte
}

// LoadSignature reads a SIGSTRUCT from path.
func LoadSignature(path string) (*Signature, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load signature: %w", err)
	}
	if len(data) != SigStructSize {
		return nil, fmt.Errorf("load signature %s: %d bytes, want %d", path, len(data), SigStructSize)
	}
	return &Signature{Path: path, Data: data}, nil
}

func (s *Signature) String() string {
	if s.Dummy {
		return "dummy"
	}
	return s.Path
}
