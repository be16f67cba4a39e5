package config

// loader.go - configuration loading from environment variables and
// YAML rules files.
//
// Precedence order (highest wins):
//   1. CLI flags  (handled by cmd/root.go)
//   2. Environment variables  (this file)
//   3. Defaults   (defaults.go)
//
// A rules file adds intercepts after the CLI ones; it never overrides
// a flag.

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ── Environment variable mapping ─────────────────────────────────────
//
// Every supported env var uses the ENCLAVERUN_ prefix.  Boolean values
// accept "1", "true", "yes" (case-insensitive).

// LoadFromEnv overlays environment variables onto cfg.  Only non-empty
// env vars override the existing value.  Call it BEFORE registering
// CLI flags so that the overlaid values become the flag defaults.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("ENCLAVERUN_SIGNATURE"); v != "" {
		cfg.Signature = v
	}
	if v, ok := envBoolSet("ENCLAVERUN_DUMMY_SIGNATURE"); ok {
		cfg.DummySignature = v
	}
	if v := os.Getenv("ENCLAVERUN_GUEST_ADDR"); v != "" {
		cfg.GuestAddress = v
	}

	// Interception
	if v := os.Getenv("ENCLAVERUN_INTERCEPT"); v != "" {
		cfg.InterceptSpecs = splitList(v)
	}
	if v, ok := envIntSet("ENCLAVERUN_SKIP"); ok && v >= 0 {
		cfg.Skip = v
	}
	if v := envInt("ENCLAVERUN_SKIP_TIMEOUT"); v > 0 {
		cfg.SkipTimeout = secondsDuration(v)
	}
	if envBool("ENCLAVERUN_REMOTE") {
		cfg.Remote = true
	}
	if v := os.Getenv("ENCLAVERUN_RULES"); v != "" {
		cfg.RulesFile = v
	}

	// SSH gateway
	if v := os.Getenv("ENCLAVERUN_GATEWAY"); v != "" {
		cfg.GatewaySpec = v
	}
	if v := os.Getenv("ENCLAVERUN_SSH_KEY"); v != "" {
		cfg.SSHKeyPath = v
	}
	if envBool("ENCLAVERUN_SSH_PASSWORD") {
		cfg.SSHPassword = true
	}
	if envBool("ENCLAVERUN_SSH_AGENT") {
		cfg.UseSSHAgent = true
	}
	if envBool("ENCLAVERUN_STRICT_HOSTKEY") {
		cfg.StrictHostKey = true
	}
	if v := os.Getenv("ENCLAVERUN_KNOWN_HOSTS"); v != "" {
		cfg.KnownHostsPath = v
	}
	if v, ok := envIntSet("ENCLAVERUN_KEEP_ALIVE"); ok && v >= 0 {
		cfg.KeepAliveSeconds = v
	}

	// Output
	if v := envInt("ENCLAVERUN_VERBOSE"); v > 0 {
		cfg.Verbose = v
	}
}

// ── Rules file ───────────────────────────────────────────────────────

// RulesFile is the YAML document accepted by --rules:
//
//	gateway: admin@gw.example.com:2222
//	intercepts:
//	  - address: localhost:6010
//	    skip: 36
//	  - pattern: "*:80??"
//	    skip: 0
//	    via: gateway
type RulesFile struct {
	Gateway    string
	Intercepts []Intercept
}

type rulesDoc struct {
	Gateway    string      `yaml:"gateway"`
	Intercepts []ruleEntry `yaml:"intercepts"`
}

type ruleEntry struct {
	Address string        `yaml:"address"`
	Pattern string        `yaml:"pattern"`
	Skip    *int          `yaml:"skip"`
	Timeout time.Duration `yaml:"timeout"`
	Via     string        `yaml:"via"`
}

// LoadRulesFile reads and decodes a rules file.  Unknown keys are an
// error; an omitted skip means DefaultSkip.
func LoadRulesFile(path string) (*RulesFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("rules file: %w", err)
	}
	return ParseRules(data)
}

// ParseRules decodes a rules document.
func ParseRules(data []byte) (*RulesFile, error) {
	var doc rulesDoc
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("rules file: %w", err)
	}

	rf := &RulesFile{Gateway: doc.Gateway}
	for _, e := range doc.Intercepts {
		ic := Intercept{
			Address: e.Address,
			Pattern: e.Pattern,
			Skip:    DefaultSkip,
			Timeout: e.Timeout,
			Via:     strings.ToLower(e.Via),
		}
		if e.Skip != nil {
			ic.Skip = *e.Skip
		}
		if ic.Via == "" {
			ic.Via = ViaLocal
		}
		rf.Intercepts = append(rf.Intercepts, ic)
	}
	return rf, nil
}

// ── helpers ──────────────────────────────────────────────────────────

func envInt(key string) int {
	n, _ := envIntSet(key)
	return n
}

func envIntSet(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func envBool(key string) bool {
	v, _ := envBoolSet(key)
	return v
}

// envBoolSet distinguishes "unset" from an explicit false.
func envBoolSet(key string) (value, ok bool) {
	switch strings.ToLower(os.Getenv(key)) {
	case "1", "true", "yes":
		return true, true
	case "0", "false", "no":
		return false, true
	}
	return false, false
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func secondsDuration(sec int) time.Duration {
	return time.Duration(sec) * time.Second
}
