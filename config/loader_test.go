package config

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

func TestLoadFromEnv_Intercepts(t *testing.T) {
	t.Setenv("ENCLAVERUN_INTERCEPT", "localhost:6010, *:80 ,")
	t.Setenv("ENCLAVERUN_SKIP", "0")
	cfg := New()
	LoadFromEnv(cfg)

	want := []string{"localhost:6010", "*:80"}
	if !reflect.DeepEqual(cfg.InterceptSpecs, want) {
		t.Errorf("InterceptSpecs = %q, want %q", cfg.InterceptSpecs, want)
	}
	if cfg.Skip != 0 {
		t.Errorf("Skip = %d, want 0 (explicit zero must override the default)", cfg.Skip)
	}
}

func TestLoadFromEnv_Booleans(t *testing.T) {
	for _, v := range []string{"1", "true", "yes", "TRUE", "Yes"} {
		t.Run(v, func(t *testing.T) {
			t.Setenv("ENCLAVERUN_SSH_AGENT", v)
			t.Setenv("ENCLAVERUN_STRICT_HOSTKEY", v)
			t.Setenv("ENCLAVERUN_REMOTE", v)
			cfg := New()
			LoadFromEnv(cfg)
			if !cfg.UseSSHAgent || !cfg.StrictHostKey || !cfg.Remote {
				t.Errorf("booleans not set: %+v", cfg)
			}
		})
	}
}

func TestLoadFromEnv_DummySignatureOff(t *testing.T) {
	t.Setenv("ENCLAVERUN_DUMMY_SIGNATURE", "false")
	cfg := New()
	LoadFromEnv(cfg)
	if cfg.DummySignature {
		t.Error("DummySignature should be disabled")
	}
}

func TestLoadFromEnv_Gateway(t *testing.T) {
	t.Setenv("ENCLAVERUN_GATEWAY", "admin@gw:2222")
	t.Setenv("ENCLAVERUN_SSH_KEY", "/tmp/id_ed25519")
	t.Setenv("ENCLAVERUN_KNOWN_HOSTS", "/tmp/known_hosts")
	t.Setenv("ENCLAVERUN_KEEP_ALIVE", "0")
	cfg := New()
	LoadFromEnv(cfg)

	if cfg.GatewaySpec != "admin@gw:2222" {
		t.Errorf("GatewaySpec = %q", cfg.GatewaySpec)
	}
	if cfg.SSHKeyPath != "/tmp/id_ed25519" || cfg.KnownHostsPath != "/tmp/known_hosts" {
		t.Errorf("paths = %q, %q", cfg.SSHKeyPath, cfg.KnownHostsPath)
	}
	if cfg.KeepAliveSeconds != 0 {
		t.Errorf("KeepAliveSeconds = %d, want 0", cfg.KeepAliveSeconds)
	}
}

func TestLoadFromEnv_SkipTimeoutAndVerbose(t *testing.T) {
	t.Setenv("ENCLAVERUN_SKIP_TIMEOUT", "5")
	t.Setenv("ENCLAVERUN_VERBOSE", "2")
	cfg := New()
	LoadFromEnv(cfg)
	if cfg.SkipTimeout != 5*time.Second {
		t.Errorf("SkipTimeout = %v", cfg.SkipTimeout)
	}
	if cfg.Verbose != 2 {
		t.Errorf("Verbose = %d", cfg.Verbose)
	}
}

func TestLoadFromEnv_InvalidValuesIgnored(t *testing.T) {
	t.Setenv("ENCLAVERUN_SKIP", "lots")
	t.Setenv("ENCLAVERUN_VERBOSE", "-3")
	cfg := New()
	LoadFromEnv(cfg)
	if cfg.Skip != DefaultSkip {
		t.Errorf("Skip = %d, want default", cfg.Skip)
	}
	if cfg.Verbose != 0 {
		t.Errorf("Verbose = %d, want 0", cfg.Verbose)
	}
}

func TestLoadFromEnv_EmptyLeavesDefaults(t *testing.T) {
	for _, kv := range os.Environ() {
		if strings.HasPrefix(kv, "ENCLAVERUN_") {
			t.Setenv(kv[:strings.IndexByte(kv, '=')], "")
		}
	}
	cfg := New()
	LoadFromEnv(cfg)
	if !reflect.DeepEqual(cfg, New()) {
		t.Errorf("empty environment changed config: %+v", cfg)
	}
}

func TestParseRules(t *testing.T) {
	doc := `
gateway: admin@gw:2222
intercepts:
  - address: localhost:6010
    timeout: 5s
  - pattern: "*:80??"
    skip: 0
    via: Gateway
`
	rf, err := ParseRules([]byte(doc))
	if err != nil {
		t.Fatalf("ParseRules: %v", err)
	}
	if rf.Gateway != "admin@gw:2222" {
		t.Errorf("Gateway = %q", rf.Gateway)
	}
	want := []Intercept{
		{Address: "localhost:6010", Skip: DefaultSkip, Timeout: 5 * time.Second, Via: ViaLocal},
		{Pattern: "*:80??", Skip: 0, Via: ViaGateway},
	}
	if !reflect.DeepEqual(rf.Intercepts, want) {
		t.Errorf("Intercepts = %+v\nwant %+v", rf.Intercepts, want)
	}
}

func TestParseRules_Empty(t *testing.T) {
	rf, err := ParseRules(nil)
	if err != nil {
		t.Fatalf("ParseRules: %v", err)
	}
	if len(rf.Intercepts) != 0 || rf.Gateway != "" {
		t.Errorf("got %+v, want empty", rf)
	}
}

func TestParseRules_UnknownKey(t *testing.T) {
	_, err := ParseRules([]byte("intercepts:\n  - adress: localhost:1\n"))
	if err == nil {
		t.Fatal("expected error for misspelled key")
	}
}

func TestLoadRulesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yml")
	if err := os.WriteFile(path, []byte("intercepts:\n  - address: 127.0.0.1:0\n    skip: 4\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	rf, err := LoadRulesFile(path)
	if err != nil {
		t.Fatalf("LoadRulesFile: %v", err)
	}
	if len(rf.Intercepts) != 1 || rf.Intercepts[0].Skip != 4 {
		t.Errorf("Intercepts = %+v", rf.Intercepts)
	}
}
