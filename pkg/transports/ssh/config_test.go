package ssh

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/envmatrix/envmatrix/pkg/config"
	"github.com/envmatrix/envmatrix/pkg/telemetry"
)

func writeTestKey(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	keyPath := filepath.Join(dir, "id_ed25519")
	if err := os.WriteFile(keyPath, []byte("test key material"), 0o600); err != nil {
		t.Fatalf("failed to write test key: %v", err)
	}
	return keyPath
}

func TestConfigValidate(t *testing.T) {
	keyPath := writeTestKey(t)

	tests := []struct {
		name    string
		mutate  func(cfg *Config)
		wantErr bool
	}{
		{
			name:   "valid config",
			mutate: func(cfg *Config) {},
		},
		{
			name:    "missing host",
			mutate:  func(cfg *Config) { cfg.Host = "" },
			wantErr: true,
		},
		{
			name:    "invalid port",
			mutate:  func(cfg *Config) { cfg.Port = 70000 },
			wantErr: true,
		},
		{
			name:    "zero port",
			mutate:  func(cfg *Config) { cfg.Port = 0 },
			wantErr: true,
		},
		{
			name:    "missing user",
			mutate:  func(cfg *Config) { cfg.User = "" },
			wantErr: true,
		},
		{
			name:    "missing key file",
			mutate:  func(cfg *Config) { cfg.PrivateKeyPath = "/nonexistent/key" },
			wantErr: true,
		},
		{
			name:    "zero connection timeout",
			mutate:  func(cfg *Config) { cfg.ConnectionTimeout = 0 },
			wantErr: true,
		},
		{
			name:    "zero command timeout",
			mutate:  func(cfg *Config) { cfg.CommandTimeout = 0 },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig("builder-1.example.com", "ci")
			cfg.PrivateKeyPath = keyPath
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestFromBuilder(t *testing.T) {
	cfg := FromBuilder(config.BuilderConfig{
		Host:    "macos-builder.internal",
		Port:    2222,
		User:    "runner",
		KeyPath: "/etc/envmatrix/builder_key",
		WorkDir: "/srv/envmatrix",
	})

	if cfg.Host != "macos-builder.internal" {
		t.Errorf("Host = %q", cfg.Host)
	}
	if cfg.Port != 2222 {
		t.Errorf("Port = %d, want 2222", cfg.Port)
	}
	if cfg.User != "runner" {
		t.Errorf("User = %q", cfg.User)
	}
	if cfg.PrivateKeyPath != "/etc/envmatrix/builder_key" {
		t.Errorf("PrivateKeyPath = %q", cfg.PrivateKeyPath)
	}
	if cfg.WorkDir != "/srv/envmatrix" {
		t.Errorf("WorkDir = %q", cfg.WorkDir)
	}

	// Defaults apply when the builder entry leaves fields unset.
	minimal := FromBuilder(config.BuilderConfig{Host: "b", User: "u"})
	if minimal.Port != 22 {
		t.Errorf("default Port = %d, want 22", minimal.Port)
	}
	if minimal.ConnectionTimeout != 30*time.Second {
		t.Errorf("default ConnectionTimeout = %v", minimal.ConnectionTimeout)
	}
	if !minimal.StrictHostKeyChecking {
		t.Error("StrictHostKeyChecking should default to true")
	}
}

func TestConfigAddress(t *testing.T) {
	cfg := DefaultConfig("builder-1", "ci")
	if got := cfg.Address(); got != "builder-1:22" {
		t.Errorf("Address() = %q, want builder-1:22", got)
	}
	cfg.Port = 2200
	if got := cfg.Address(); got != "builder-1:2200" {
		t.Errorf("Address() = %q, want builder-1:2200", got)
	}
}

func TestTransportError(t *testing.T) {
	underlying := errors.New("connection refused")
	err := &TransportError{
		Op:          "connect",
		Err:         underlying,
		IsTemporary: true,
	}

	if got := err.Error(); got != "connect: connection refused" {
		t.Errorf("Error() = %q", got)
	}
	if !errors.Is(err, underlying) {
		t.Error("errors.Is should reach the underlying error")
	}
	if !err.Temporary() {
		t.Error("Temporary() = false, want true")
	}
}

func TestNewClientRejectsInvalidConfig(t *testing.T) {
	logger := testLogger(t)
	_, err := NewClient(&Config{}, logger)
	if err == nil {
		t.Error("expected error for empty config")
	}
}

func TestClientNotConnected(t *testing.T) {
	cfg := DefaultConfig("builder-1", "ci")
	cfg.PrivateKeyPath = writeTestKey(t)

	client, err := NewClient(cfg, testLogger(t))
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}

	if client.IsConnected() {
		t.Error("new client should not be connected")
	}
	if err := client.HealthCheck(context.Background()); err == nil {
		t.Error("HealthCheck on disconnected client should fail")
	}
	if _, _, err := client.Run(context.Background(), "true"); err == nil {
		t.Error("Run on disconnected client should fail")
	}
	if err := client.Disconnect(); err != nil {
		t.Errorf("Disconnect on disconnected client error = %v", err)
	}
}

func testLogger(t *testing.T) *telemetry.Logger {
	t.Helper()
	logger, err := telemetry.NewLogger(telemetry.LoggingConfig{Level: "error", Format: "json"})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	return logger
}
