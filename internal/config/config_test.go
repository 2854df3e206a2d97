package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Bus.Servers[0] != "nats://localhost:4222" {
		t.Fatalf("expected default server, got %v", cfg.Bus.Servers)
	}
	if cfg.Capture.InactivityTimeoutMS != 10000 {
		t.Fatalf("expected 10s inactivity timeout, got %d", cfg.Capture.InactivityTimeoutMS)
	}
	if cfg.Capture.Continuous || !cfg.Capture.InterimResults || cfg.Capture.MaxAlternatives != 3 {
		t.Fatalf("unexpected capture defaults: %+v", cfg.Capture)
	}
	if cfg.Dispatch.MinConfidence != 0.6 {
		t.Fatalf("expected min confidence 0.6, got %v", cfg.Dispatch.MinConfidence)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wallet.yaml")
	data := []byte(`
runtime_name: test-wallet
dispatch:
  mode: pattern
transfer:
  mode: mock
wallet:
  address: "0x1234"
  require_connected: true
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.RuntimeName != "test-wallet" {
		t.Fatalf("expected runtime name from file, got %q", cfg.RuntimeName)
	}
	if cfg.Dispatch.Mode != "pattern" || cfg.Transfer.Mode != "mock" {
		t.Fatalf("expected modes from file, got %q/%q", cfg.Dispatch.Mode, cfg.Transfer.Mode)
	}
	if cfg.Wallet.Address != "0x1234" || !cfg.Wallet.RequireConnected {
		t.Fatalf("expected wallet settings from file")
	}
	if cfg.Capture.Language != "en-US" {
		t.Fatalf("expected untouched defaults to survive, got %q", cfg.Capture.Language)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("LOQA_WALLET_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("LOQA_WALLET_BUS_USERNAME", "alice")
	t.Setenv("LOQA_WALLET_BUS_PASSWORD", "secret")
	t.Setenv("LOQA_WALLET_BUS_TLS_INSECURE", "true")
	t.Setenv("LOQA_WALLET_BUS_CONNECT_TIMEOUT_MS", "5000")
	t.Setenv("LOQA_WALLET_EVENT_STORE_PATH", "./tmp.db")
	t.Setenv("LOQA_WALLET_EVENT_STORE_RETENTION_MODE", "persistent")
	t.Setenv("LOQA_WALLET_EVENT_STORE_RETENTION_DAYS", "7")
	t.Setenv("LOQA_WALLET_DISPATCH_MODE", "exec")
	t.Setenv("LOQA_WALLET_DISPATCH_COMMAND", "classify --json")
	t.Setenv("LOQA_WALLET_DISPATCH_DEBOUNCE_MS", "1500")
	t.Setenv("LOQA_WALLET_CAPTURE_MOCK_CONFIDENCE", "0.42")
	t.Setenv("LOQA_WALLET_ADDRESS", "0xabc")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
	if cfg.Bus.Username != "alice" || cfg.Bus.Password != "secret" {
		t.Fatalf("expected credentials override")
	}
	if !cfg.Bus.TLSInsecure {
		t.Fatal("expected tls insecure override true")
	}
	if cfg.Bus.ConnectTimeout != 5000 {
		t.Fatalf("expected timeout 5000, got %d", cfg.Bus.ConnectTimeout)
	}
	if cfg.EventStore.Path != "./tmp.db" || cfg.EventStore.RetentionMode != "persistent" || cfg.EventStore.RetentionDays != 7 {
		t.Fatalf("expected event store overrides, got %+v", cfg.EventStore)
	}
	if cfg.Dispatch.Mode != "exec" || cfg.Dispatch.Command != "classify --json" {
		t.Fatalf("expected dispatch overrides, got %+v", cfg.Dispatch)
	}
	if cfg.Dispatch.DebounceMS != 1500 {
		t.Fatalf("expected debounce override")
	}
	if cfg.Capture.MockConfidence != 0.42 {
		t.Fatalf("expected mock confidence override, got %v", cfg.Capture.MockConfidence)
	}
	if cfg.Wallet.Address != "0xabc" {
		t.Fatalf("expected wallet address override")
	}
}

func TestValidateRejectsBadModes(t *testing.T) {
	cases := map[string]func(*Config){
		"capture mode":     func(c *Config) { c.Capture.Mode = "browser" },
		"exec no command":  func(c *Config) { c.Capture.Mode = "exec" },
		"bus capture":      func(c *Config) { c.Capture.Mode = "bus"; c.Bus.Enabled = false },
		"dispatch mode":    func(c *Config) { c.Dispatch.Mode = "grpc" },
		"confidence":       func(c *Config) { c.Dispatch.MinConfidence = 1 },
		"transfer mode":    func(c *Config) { c.Transfer.Mode = "chain" },
		"transfer no url":  func(c *Config) { c.Transfer.Endpoint = "" },
		"timeout":          func(c *Config) { c.Capture.InactivityTimeoutMS = 0 },
		"retention":        func(c *Config) { c.EventStore.RetentionMode = "forever" },
		"http port":        func(c *Config) { c.HTTP.Port = 0 },
		"dispatch no url":  func(c *Config) { c.Dispatch.Endpoint = "" },
		"negative entries": func(c *Config) { c.Conversation.MaxEntries = -1 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(&cfg)
			if err := Validate(cfg); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}
