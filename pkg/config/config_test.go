package config

import (
	"os"
	"path/filepath"
	"testing"

	"noosphere/internal/testutil"
)

const configFixture = `storage:
  path: /tmp/noo-test
  memory: true
key:
  dir: /tmp/noo-test/keys
  name: laptop
gateway:
  listen_addr: 127.0.0.1:9999
  counterparts:
    - did:key:zExample
logging:
  level: debug
`

func TestLoadReadsYaml(t *testing.T) {
	sandbox, err := testutil.NewSandbox()
	if err != nil {
		t.Fatal(err)
	}
	defer sandbox.Cleanup()
	if err := os.MkdirAll(filepath.Join(sandbox.Root, "config"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := sandbox.WriteFile(filepath.Join("config", "default.yaml"), []byte(configFixture), 0o644); err != nil {
		t.Fatal(err)
	}

	cwd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	defer os.Chdir(cwd)
	if err := os.Chdir(sandbox.Root); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if !cfg.Storage.Memory {
		t.Fatal("expected in-memory storage")
	}
	if cfg.Key.Name != "laptop" {
		t.Fatalf("unexpected key name %q", cfg.Key.Name)
	}
	if cfg.Gateway.ListenAddr != "127.0.0.1:9999" {
		t.Fatalf("unexpected listen addr %q", cfg.Gateway.ListenAddr)
	}
	if len(cfg.Gateway.Counterparts) != 1 {
		t.Fatalf("expected one counterpart, got %d", len(cfg.Gateway.Counterparts))
	}
	if cfg.Client.RequestTimeout != 120 {
		t.Fatalf("default request timeout not applied: %d", cfg.Client.RequestTimeout)
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := Default()
	if cfg.Gateway.ListenAddr == "" || cfg.Logging.Level == "" {
		t.Fatal("defaults must be populated")
	}
}
