// Package cmd wires up the CLI flags and hands the run to the driver.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	flag "github.com/spf13/pflag"

	"enclaverun/config"
	"enclaverun/internal/core"
	"enclaverun/internal/metrics"
	"enclaverun/util"
)

// version is overridable at link time:
//
//	go build -ldflags "-X enclaverun/cmd.version=2.0.0"
var version = "0.1.0" //nolint:gochecknoglobals

// ErrUsage is returned after the usage text was printed because the
// command line was malformed.
var ErrUsage = errors.New("usage")

// Execute parses args and runs the enclave.
func Execute(ctx context.Context, args []string) error {
	return run(ctx, args, os.Stdout, os.Stderr)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	cfg := config.New()
	config.LoadFromEnv(cfg)

	fs := flag.NewFlagSet("enclaverun", flag.ContinueOnError)
	fs.SetOutput(stderr)

	// Environment values become the flag defaults, so flags win.

	// ── enclave ──────────────────────────────────────────────────
	fs.BoolVar(&cfg.DummySignature, "dummy-signature", cfg.DummySignature, "Sign the enclave with a dummy signature")
	fs.StringVar(&cfg.Signature, "signature", cfg.Signature, "SIGSTRUCT file to launch the enclave with")
	fs.StringVar(&cfg.GuestAddress, "guest-addr", cfg.GuestAddress, "Address the built-in guest binds")

	// ── interception ─────────────────────────────────────────────
	fs.StringArrayVarP(&cfg.InterceptSpecs, "intercept", "i", cfg.InterceptSpecs, "Intercept binds of ADDR (repeatable, globs allowed)")
	fs.IntVar(&cfg.Skip, "skip", cfg.Skip, "Prefix bytes stripped from each intercepted stream")
	fs.DurationVar(&cfg.SkipTimeout, "skip-timeout", cfg.SkipTimeout, "Deadline for reading the prefix (0 = none)")
	fs.BoolVar(&cfg.Remote, "remote", cfg.Remote, "Bind --intercept addresses on the SSH gateway")
	fs.StringVar(&cfg.RulesFile, "rules", cfg.RulesFile, "YAML file with additional intercept rules")

	// ── SSH gateway ──────────────────────────────────────────────
	fs.StringVarP(&cfg.GatewaySpec, "gateway", "G", cfg.GatewaySpec, "SSH gateway [user@]host[:port] for remote binds")
	fs.StringVar(&cfg.SSHKeyPath, "ssh-key", cfg.SSHKeyPath, "SSH private key file")
	fs.BoolVar(&cfg.SSHPassword, "ssh-password", cfg.SSHPassword, "Prompt for SSH password")
	fs.BoolVar(&cfg.UseSSHAgent, "ssh-agent", cfg.UseSSHAgent, "Use SSH agent")
	fs.BoolVar(&cfg.StrictHostKey, "strict-hostkey", cfg.StrictHostKey, "Verify SSH host keys")
	fs.StringVar(&cfg.KnownHostsPath, "known-hosts", cfg.KnownHostsPath, "Custom known_hosts path")
	fs.IntVar(&cfg.KeepAliveSeconds, "keep-alive", cfg.KeepAliveSeconds, "Gateway keepalive interval in seconds (0 = off)")

	// ── output ───────────────────────────────────────────────────
	fs.CountVarP(&cfg.Verbose, "verbose", "v", "Increase verbosity (repeatable)")
	fs.BoolVar(&cfg.DryRun, "dry-run", false, "Validate, load and print the rule table without running")

	var showVersion, showHelp bool
	fs.BoolVar(&showVersion, "version", false, "Print version and exit")
	fs.BoolVarP(&showHelp, "help", "h", false, "Show this help")

	fs.Usage = func() { printUsage(fs, stderr) }

	// ── parse ────────────────────────────────────────────────────
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return err
	}

	if showHelp {
		printUsage(fs, stderr)
		return nil
	}
	if showVersion {
		fmt.Fprintf(stdout, "enclaverun %s\n", version)
		return nil
	}

	// ── positional argument ──────────────────────────────────────
	if fs.NArg() != 1 {
		printUsage(fs, stderr)
		return ErrUsage
	}
	cfg.Image = fs.Arg(0)

	// ── resolve & validate ───────────────────────────────────────
	if err := cfg.Resolve(); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	// ── build components ─────────────────────────────────────────
	logger := util.NewLogger(cfg.Verbose)
	logger.SetOutput(stderr)
	m := metrics.New()

	d := core.NewDriver(cfg, logger, m)
	d.Stdout = stdout

	if cfg.DryRun {
		return dryRun(d, stdout)
	}

	err := d.Run(ctx)
	logger.Debug("metrics: %s", m.JSON())
	return err
}

// dryRun loads the enclave and prints the rule table.  Nothing is
// bound.
func dryRun(d *core.Driver, w io.Writer) error {
	if err := d.Load(); err != nil {
		return err
	}
	defer d.Extension().Close()

	img := d.Image()
	fmt.Fprintf(w, "image:     %s (%d bytes)\n", img.Path, img.Size)
	fmt.Fprintf(w, "blake3:    %s\n", img.Digest())
	sig := "dummy"
	if d.Config.Signature != "" {
		sig = d.Config.Signature
	}
	fmt.Fprintf(w, "signature: %s\n", sig)
	fmt.Fprintf(w, "guest:     %s\n", d.Config.EffectiveGuestAddress())
	for i, r := range d.Extension().Rules {
		fmt.Fprintf(w, "rule %d:    %s\n", i, r)
	}
	return nil
}

func printUsage(fs *flag.FlagSet, w io.Writer) {
	fmt.Fprintf(w, `enclaverun v%s

Runs an SGX enclave and intercepts the binds it makes.  Every stream
accepted on an intercepted address loses a fixed-width prefix before
the enclave sees it.

Usage:
  enclaverun [options] <path_to_sgxs_file>

Options:
`, version)
	fs.SetOutput(w)
	fs.PrintDefaults()
	fmt.Fprintf(w, `
Examples:
  enclaverun app.sgxs                              skip 36 bytes on localhost:6010
  enclaverun -i 0.0.0.0:8443 --skip 4 app.sgxs     custom address and prefix
  enclaverun -i '*:80??' --skip 0 app.sgxs         glob, no prefix
  enclaverun -G ops@gw -i 0.0.0.0:9000 --remote app.sgxs
                                                   bind on an SSH gateway
  enclaverun --rules rules.yaml --dry-run app.sgxs print the rule table
`)
}
