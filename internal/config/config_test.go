package config

import (
	"os"
	"strings"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Console.DefaultLocale != "en" || cfg.Server.BasePath != "/v0" || len(cfg.Console.Modules) != 6 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}

func TestFromYAMLKeepsDefaultsForUnsetFields(t *testing.T) {
	cfg, err := FromYAML([]byte(`
console:
  locale: es
webhooks:
  - url: http://127.0.0.1:9000/hook
    kinds: [objective.completed]
    interval: 500ms
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Console.Locale != "es" || cfg.Console.DefaultLocale != "en" {
		t.Fatalf("locale fields wrong: %+v", cfg.Console)
	}
	if cfg.Server.Addr != "127.0.0.1:8787" {
		t.Fatalf("server default lost: %q", cfg.Server.Addr)
	}
	if len(cfg.Webhooks) != 1 || cfg.Webhooks[0].Interval != 500*time.Millisecond {
		t.Fatalf("webhook parse: %+v", cfg.Webhooks)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"bad locale":    "console:\n  locale: \"!!\"\n",
		"bad base path": "server:\n  base_path: v0\n",
		"bad webhook":   "webhooks:\n  - url: ftp://example.com\n",
		"empty module":  "console:\n  modules: [terminal, \"\"]\n",
	}
	for name, body := range cases {
		if _, err := FromYAML([]byte(body)); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestLoadMissingFile(t *testing.T) {
	dir := t.TempDir()
	if _, err := Load(dir); err == nil || !strings.Contains(err.Error(), "ml init") {
		t.Fatalf("expected init hint, got %v", err)
	}
	cfg, err := LoadOptional(dir)
	if err != nil || cfg == nil {
		t.Fatalf("optional load: %v", err)
	}
	if err := os.WriteFile(Path(dir), []byte(GenerateDefault()), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Load(dir); err != nil {
		t.Fatalf("load generated default: %v", err)
	}
}
