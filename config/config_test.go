package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/artpar/orproxy/config"
)

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad_AppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `
server:
  access_key: secret
openrouter:
  keys:
    - sk-a
`)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Host != "0.0.0.0" {
		t.Errorf("Host = %q, want 0.0.0.0", cfg.Server.Host)
	}
	if cfg.Server.Port != 5555 {
		t.Errorf("Port = %d, want 5555", cfg.Server.Port)
	}
	if cfg.OpenRouter.BaseURL != "https://openrouter.ai/api/v1" {
		t.Errorf("BaseURL = %q", cfg.OpenRouter.BaseURL)
	}
	if cfg.OpenRouter.RateLimitCooldown != 14400 {
		t.Errorf("RateLimitCooldown = %d, want 14400", cfg.OpenRouter.RateLimitCooldown)
	}
	if cfg.OpenRouter.KeySelectionStrategy != "round-robin" {
		t.Errorf("KeySelectionStrategy = %q, want round-robin", cfg.OpenRouter.KeySelectionStrategy)
	}
	if len(cfg.OpenRouter.PublicEndpoints) != 1 || cfg.OpenRouter.PublicEndpoints[0] != "/api/v1/models" {
		t.Errorf("PublicEndpoints = %v", cfg.OpenRouter.PublicEndpoints)
	}
}

func TestLoad_MissingAccessKey(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `
openrouter:
  keys:
    - sk-a
`)

	if _, err := config.Load(path); err == nil {
		t.Fatal("expected error for missing access_key")
	}
}

func TestLoad_EmptyKeyPool(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `
server:
  access_key: secret
openrouter:
  keys: []
`)

	if _, err := config.Load(path); err == nil {
		t.Fatal("expected error for empty key pool")
	}
}

func TestLoad_InvalidKeySelectionStrategy(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `
server:
  access_key: secret
openrouter:
  keys:
    - sk-a
  key_selection_strategy: bogus
`)

	if _, err := config.Load(path); err == nil {
		t.Fatal("expected error for invalid key_selection_strategy")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoad_EnvOverridesKeys(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `
server:
  access_key: secret
openrouter:
  keys:
    - sk-from-file
`)

	t.Setenv("OPENROUTER_KEYS", "sk-env-a, sk-env-b")

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.OpenRouter.Keys) != 2 || cfg.OpenRouter.Keys[0] != "sk-env-a" || cfg.OpenRouter.Keys[1] != "sk-env-b" {
		t.Errorf("Keys = %v, want [sk-env-a sk-env-b]", cfg.OpenRouter.Keys)
	}
}

func TestLoad_RequestProxyRequiresURL(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `
server:
  access_key: secret
openrouter:
  keys:
    - sk-a
requestProxy:
  enabled: true
`)

	if _, err := config.Load(path); err == nil {
		t.Fatal("expected error when requestProxy.enabled without url")
	}
}

func TestUseLast(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `
server:
  access_key: secret
openrouter:
  keys:
    - sk-a
  key_selection_opts:
    - same
`)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cfg.OpenRouter.UseLast() {
		t.Error("expected UseLast() true when key_selection_opts contains same")
	}
}
