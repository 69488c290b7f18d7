package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, `
auth:
  correlation_key: "abc123"
  user_agent: "Mozilla/5.0"
xor_key: "supersecretxorkey"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Listener.Type != ListenerHTTP {
		t.Fatalf("expected default HTTP, got %q", cfg.Listener.Type)
	}
	if cfg.Listener.Port != 8080 {
		t.Fatalf("expected default port 8080, got %d", cfg.Listener.Port)
	}
	if cfg.Paths.Register != "/register" {
		t.Fatalf("expected default register path, got %q", cfg.Paths.Register)
	}
}

func TestLoad_HTTPSRequiresCertPaths(t *testing.T) {
	path := writeConfig(t, `
listener:
  type: HTTPS
auth:
  correlation_key: "abc123"
  user_agent: "Mozilla/5.0"
xor_key: "supersecretxorkey"
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for missing tls paths under HTTPS")
	}
}

func TestLoad_MissingAuthFails(t *testing.T) {
	path := writeConfig(t, `
xor_key: "supersecretxorkey"
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for missing auth block")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
