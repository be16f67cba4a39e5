// Package config defines the runner configuration: which guest bind
// addresses are intercepted, how many prefix bytes each intercepted
// stream loses, and where the listener is bound.
package config

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	ncerr "enclaverun/internal/errors"
)

// Config holds every tuneable for one enclave run.
type Config struct {
	// ── Enclave ──────────────────────────────────────────────────────
	Image          string // path to the .sgxs image
	Signature      string // path to a SIGSTRUCT file; wins over DummySignature
	DummySignature bool
	GuestAddress   string // address the built-in guest binds

	// ── Interception ─────────────────────────────────────────────────
	InterceptSpecs []string      // raw --intercept values
	Skip           int           // prefix length for InterceptSpecs
	SkipTimeout    time.Duration // prefix read deadline, 0 = none
	Remote         bool          // bind InterceptSpecs on the gateway
	RulesFile      string
	Intercepts     []Intercept // resolved rules, first match wins

	// ── SSH gateway ──────────────────────────────────────────────────
	GatewaySpec      string // raw [user@]host[:port]
	GatewayUser      string
	GatewayHost      string
	GatewayPort      int
	SSHKeyPath       string
	SSHPassword      bool
	UseSSHAgent      bool
	StrictHostKey    bool
	KnownHostsPath   string
	KeepAliveSeconds int

	// ── Output ───────────────────────────────────────────────────────
	Verbose int
	DryRun  bool
}

// Intercept is one bind-interception rule.  Exactly one of Address
// (exact match) and Pattern (glob) is set.
type Intercept struct {
	Address string        `yaml:"address,omitempty"`
	Pattern string        `yaml:"pattern,omitempty"`
	Skip    int           `yaml:"skip"`
	Timeout time.Duration `yaml:"timeout,omitempty"`
	Via     string        `yaml:"via,omitempty"`
}

// Target returns the address or pattern the rule matches on.
func (i Intercept) Target() string {
	if i.Pattern != "" {
		return i.Pattern
	}
	return i.Address
}

// Remote reports whether the rule binds on the SSH gateway.
func (i Intercept) Remote() bool { return i.Via == ViaGateway }

// New returns a Config with defaults applied.
func New() *Config {
	return &Config{
		DummySignature:   true,
		Skip:             DefaultSkip,
		KeepAliveSeconds: DefaultKeepAliveInterval,
	}
}

// ParseIntercept turns a CLI intercept into a rule.  Addresses that
// contain glob metacharacters become patterns.
func ParseIntercept(spec string, skip int, timeout time.Duration, remote bool) Intercept {
	ic := Intercept{Skip: skip, Timeout: timeout, Via: ViaLocal}
	if remote {
		ic.Via = ViaGateway
	}
	if strings.ContainsAny(spec, "*?[{") {
		ic.Pattern = spec
	} else {
		ic.Address = spec
	}
	return ic
}

// Resolve turns the raw inputs into rules: it splits GatewaySpec,
// converts InterceptSpecs and appends the rules file, if any.  CLI
// rules come first so they win over the file.
func (c *Config) Resolve() error {
	var file *RulesFile
	if c.RulesFile != "" {
		var err error
		if file, err = LoadRulesFile(c.RulesFile); err != nil {
			return err
		}
		if c.GatewaySpec == "" {
			c.GatewaySpec = file.Gateway
		}
	}

	if c.GatewaySpec != "" {
		user, host, port, err := ParseGatewaySpec(c.GatewaySpec)
		if err != nil {
			return &ncerr.ConfigError{Field: "gateway", Value: c.GatewaySpec, Message: err.Error()}
		}
		c.GatewayUser, c.GatewayHost, c.GatewayPort = user, host, port
	}

	c.Intercepts = c.Intercepts[:0]
	for _, spec := range c.InterceptSpecs {
		c.Intercepts = append(c.Intercepts, ParseIntercept(spec, c.Skip, c.SkipTimeout, c.Remote))
	}
	if file != nil {
		c.Intercepts = append(c.Intercepts, file.Intercepts...)
	}
	return nil
}

// EffectiveIntercepts returns the configured rules, or the single
// default rule on DefaultInterceptAddress when none are configured.
// The default rule takes Skip, SkipTimeout and Remote like any CLI
// intercept would.
func (c *Config) EffectiveIntercepts() []Intercept {
	if len(c.Intercepts) > 0 {
		return c.Intercepts
	}
	return []Intercept{ParseIntercept(DefaultInterceptAddress, c.Skip, c.SkipTimeout, c.Remote)}
}

// EffectiveGuestAddress returns the address the built-in guest binds:
// GuestAddress if set, else the first exact intercept address.
func (c *Config) EffectiveGuestAddress() string {
	if c.GuestAddress != "" {
		return c.GuestAddress
	}
	for _, ic := range c.EffectiveIntercepts() {
		if ic.Address != "" {
			return ic.Address
		}
	}
	return DefaultInterceptAddress
}

// ── Gateway-spec parser ──────────────────────────────────────────────

var gatewayRe = regexp.MustCompile(`^(?:([^@]+)@)?([^:@]+)(?::(\d+))?$`)

// ParseGatewaySpec splits "[user@]host[:port]".  Port defaults to 22.
func ParseGatewaySpec(spec string) (user, host string, port int, err error) {
	m := gatewayRe.FindStringSubmatch(spec)
	if m == nil {
		return "", "", 0, fmt.Errorf("invalid gateway %q: expected [user@]host[:port]", spec)
	}
	user, host, port = m[1], m[2], DefaultSSHPort
	if m[3] != "" {
		port, err = strconv.Atoi(m[3])
		if err != nil || port < 1 || port > 65535 {
			return "", "", 0, fmt.Errorf("invalid gateway port %q", m[3])
		}
	}
	return user, host, port, nil
}

// ── Validation ───────────────────────────────────────────────────────

// Validate checks that the configuration is internally consistent.
func (c *Config) Validate() error {
	if c.Image == "" {
		return &ncerr.ConfigError{
			Field:   "image",
			Message: "an enclave image is required",
			Hint:    "enclaverun [options] <path_to_sgxs_file>",
		}
	}
	if c.Signature == "" && !c.DummySignature {
		return &ncerr.ConfigError{
			Field:   "signature",
			Message: "image needs a signature",
			Hint:    "pass --signature FILE or --dummy-signature",
		}
	}

	for i, ic := range c.EffectiveIntercepts() {
		field := fmt.Sprintf("intercept[%d]", i)
		switch {
		case ic.Address == "" && ic.Pattern == "":
			return &ncerr.ConfigError{Field: field, Message: "needs an address or a pattern"}
		case ic.Address != "" && ic.Pattern != "":
			return &ncerr.ConfigError{Field: field, Message: "address and pattern are mutually exclusive"}
		case ic.Skip < 0:
			return &ncerr.ConfigError{
				Field: field, Value: ic.Skip,
				Message: "skip length must not be negative",
				Hint:    "use 0 to hand streams over untouched",
			}
		case ic.Timeout < 0:
			return &ncerr.ConfigError{Field: field, Value: ic.Timeout, Message: "timeout must not be negative"}
		}
		switch ic.Via {
		case "", ViaLocal:
		case ViaGateway:
			if ic.Timeout > 0 {
				return &ncerr.ConfigError{
					Field: field, Value: ic.Timeout,
					Message: "prefix timeouts are not enforced on gateway binds",
					Hint:    "drop the timeout or bind the address locally",
				}
			}
			if c.GatewayHost == "" {
				return &ncerr.ConfigError{
					Field:   "gateway",
					Message: fmt.Sprintf("%s binds on the gateway but none is configured", ic.Target()),
					Hint:    "pass --gateway [user@]host[:port]",
				}
			}
		default:
			return &ncerr.ConfigError{
				Field: field, Value: ic.Via,
				Message: "unknown backend",
				Hint:    `use "local" or "gateway"`,
			}
		}
	}

	if c.KeepAliveSeconds < 0 {
		return &ncerr.ConfigError{Field: "keep-alive", Value: c.KeepAliveSeconds, Message: "must not be negative"}
	}
	return nil
}
