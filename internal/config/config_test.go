package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Signing.ChallengeTTL != 5*time.Minute {
		t.Fatalf("expected 5m ttl, got %s", cfg.Signing.ChallengeTTL)
	}
	if cfg.Verification.MaxEvents != 10000 {
		t.Fatalf("expected 10000 max events, got %d", cfg.Verification.MaxEvents)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Lockout.Backend != "memory" {
		t.Fatalf("expected memory lockout, got %q", cfg.Lockout.Backend)
	}
}

func TestFromYAMLOverridesKeepDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte(`
signing:
  challenge_ttl: 90s
lockout:
  backend: redis
  redis_addr: localhost:6379
webhooks:
  - url: https://hooks.example.com/audit
    events: [signature.created]
    secret: s3cret
`))
	if err != nil {
		t.Fatalf("from yaml: %v", err)
	}
	if cfg.Signing.ChallengeTTL != 90*time.Second {
		t.Fatalf("unexpected ttl %s", cfg.Signing.ChallengeTTL)
	}
	if cfg.Signing.PreviewMaxRunes != 2000 {
		t.Fatalf("default preview lost: %d", cfg.Signing.PreviewMaxRunes)
	}
	if cfg.Lockout.MaxFailures != 5 {
		t.Fatalf("default max failures lost: %d", cfg.Lockout.MaxFailures)
	}
	if len(cfg.Webhooks) != 1 || !cfg.Webhooks[0].IsEnabled() {
		t.Fatalf("expected one enabled webhook, got %+v", cfg.Webhooks)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"ttl":        "signing:\n  challenge_ttl: 0s\n",
		"time kind":  "time_source:\n  kind: ntp\n",
		"http url":   "time_source:\n  kind: http\n",
		"lockout":    "lockout:\n  backend: disk\n",
		"redis addr": "lockout:\n  backend: redis\n",
		"log format": "logging:\n  format: xml\n",
		"webhook":    "webhooks:\n  - events: [x]\n",
		"yaml":       "signing: [",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := FromYAML([]byte(doc)); err == nil {
				t.Fatalf("expected error for %s", name)
			}
		})
	}
}

func TestGenerateDefaultRoundTrips(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, FileName), []byte(GenerateDefault()), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !strings.HasPrefix(cfg.Server.BasePath, "/") {
		t.Fatalf("unexpected base path %q", cfg.Server.BasePath)
	}
}
