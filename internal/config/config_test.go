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
	if cfg.Server.BasePath != "/v0" || cfg.Auth.CookieName != "token" {
		t.Fatalf("unexpected defaults %+v", cfg.Server)
	}
	if cfg.Auth.TokenTTL != 7*24*time.Hour {
		t.Fatalf("expected 7 day tokens, got %s", cfg.Auth.TokenTTL)
	}
}

func TestFromYAMLOverridesDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte(`
server:
  addr: 0.0.0.0:9090
store:
  tx_timeout: 2s
  busy_timeout: 1s
webhooks:
  - url: https://example.com/hook
    events: [gig.assigned]
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Server.Addr != "0.0.0.0:9090" {
		t.Fatalf("addr not applied: %s", cfg.Server.Addr)
	}
	if cfg.Server.BasePath != "/v0" {
		t.Fatalf("default base path lost: %q", cfg.Server.BasePath)
	}
	if cfg.Store.TxTimeout != 2*time.Second || cfg.Realtime.SendBuffer != 16 {
		t.Fatalf("unexpected store/realtime %+v %+v", cfg.Store, cfg.Realtime)
	}
	if len(cfg.Webhooks) != 1 || cfg.Webhooks[0].Events[0] != "gig.assigned" {
		t.Fatalf("unexpected webhooks %+v", cfg.Webhooks)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"base_path":    "server:\n  base_path: v0\n",
		"busy_timeout": "store:\n  tx_timeout: 1s\n  busy_timeout: 2s\n",
		"log.level":    "log:\n  level: loud\n",
		"empty url":    "webhooks:\n  - url: \"\"\n",
		"send_buffer":  "realtime:\n  send_buffer: 0\n",
	}
	for name, doc := range cases {
		if _, err := FromYAML([]byte(doc)); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}

func TestLoadOptionalAndLoad(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOptional(dir)
	if err != nil {
		t.Fatalf("load optional: %v", err)
	}
	if cfg.Server.Addr == "" {
		t.Fatalf("expected defaults when file is missing")
	}
	if _, err := Load(dir); err == nil || !strings.Contains(err.Error(), "config init") {
		t.Fatalf("expected a hint to run config init, got %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "gigflow.yml"), []byte(GenerateDefault()), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Load(dir); err != nil {
		t.Fatalf("load generated default: %v", err)
	}
}
