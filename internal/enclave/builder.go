package enclave

import (
	"errors"
	"io"
	"os"

	ncerr "enclaverun/internal/errors"
	"enclaverun/internal/usercall"
	"enclaverun/util"
)

// Builder assembles an Engine.  Setters chain; the first error is kept
// and returned by Build.
type Builder struct {
	image     *Image
	signature *Signature
	extension usercall.Extension
	guest     Guest
	logger    *util.Logger
	stdout    io.Writer
	err       error
}

// NewBuilder starts a build for img.
func NewBuilder(img *Image) *Builder {
	return &Builder{image: img}
}

// DummySignature launches the image under a generated signature.
func (b *Builder) DummySignature() *Builder {
	b.signature = &Signature{Dummy: true}
	return b
}

// Signature launches the image under the SIGSTRUCT at path.
func (b *Builder) Signature(path string) *Builder {
	sig, err := LoadSignature(path)
	if err != nil {
		b.setErr(err)
		return b
	}
	b.signature = sig
	return b
}

// UsercallExtension installs ext as the sole bind extension, replacing
// any earlier one.
func (b *Builder) UsercallExtension(ext usercall.Extension) *Builder {
	b.extension = ext
	return b
}

// Guest sets the program the host engine runs.
func (b *Builder) Guest(g Guest) *Builder {
	b.guest = g
	return b
}

// Logger sets the engine logger.
func (b *Builder) Logger(l *util.Logger) *Builder {
	b.logger = l
	return b
}

// Stdout sets where guest output goes.  Defaults to os.Stdout.
func (b *Builder) Stdout(w io.Writer) *Builder {
	b.stdout = w
	return b
}

// Build validates the accumulated settings and returns the engine.
func (b *Builder) Build() (*HostEngine, error) {
	if b.err != nil {
		return nil, b.err
	}
	if b.image == nil {
		return nil, ncerr.ErrNoImage
	}
	if b.signature == nil {
		return nil, ncerr.ErrNoSignature
	}
	if b.guest == nil {
		return nil, errors.New("no guest program")
	}

	e := &HostEngine{
		image:     b.image,
		signature: b.signature,
		extension: b.extension,
		guest:     b.guest,
		logger:    b.logger,
		stdout:    b.stdout,
	}
	if e.logger == nil {
		e.logger = util.NewLogger(0)
	}
	if e.stdout == nil {
		e.stdout = os.Stdout
	}
	return e, nil
}

func (b *Builder) setErr(err error) {
	if b.err == nil {
		b.err = err
	}
}
