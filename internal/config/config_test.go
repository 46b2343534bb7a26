package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, `
storage:
  path: /tmp/test.db
relay:
  host: smtp.example.com
  from: news@example.com
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Relay.Port != 587 {
		t.Errorf("relay.port = %d, want 587", cfg.Relay.Port)
	}
	if cfg.Relay.Encryption != "starttls" {
		t.Errorf("relay.encryption = %q, want starttls", cfg.Relay.Encryption)
	}
	if cfg.Dispatch.Workers != 5 || cfg.Dispatch.MaxRetries != 3 {
		t.Errorf("dispatch defaults = %d workers, %d retries", cfg.Dispatch.Workers, cfg.Dispatch.MaxRetries)
	}
	if cfg.Dispatch.RetryInterval != 2*time.Second {
		t.Errorf("dispatch.retry_interval = %v, want 2s", cfg.Dispatch.RetryInterval)
	}
	if cfg.API.ListenAddr != ":8080" {
		t.Errorf("api.listen_addr = %q, want :8080", cfg.API.ListenAddr)
	}
	if cfg.Metrics.Path != "/metrics" {
		t.Errorf("metrics.path = %q, want /metrics", cfg.Metrics.Path)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "text" {
		t.Errorf("logging defaults = %q/%q", cfg.Logging.Level, cfg.Logging.Format)
	}

	if err := cfg.ValidateRelay(); err != nil {
		t.Errorf("ValidateRelay() error = %v", err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("Load() with missing file expected error")
	}
}

func TestValidateErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name: "bad encryption",
			content: `
relay:
  host: smtp.example.com
  encryption: ssl
`,
			wantErr: "relay.encryption",
		},
		{
			name: "dkim incomplete",
			content: `
relay:
  host: smtp.example.com
  dkim:
    enabled: true
    domain: example.com
`,
			wantErr: "relay.dkim",
		},
		{
			name: "key without hash",
			content: `
api:
  keys:
    - name: ops
`,
			wantErr: "hash is required",
		},
		{
			name: "unknown capability",
			content: `
api:
  keys:
    - name: ops
      hash: $2a$10$abcdefghijklmnopqrstuv
      capabilities: [edit, admin]
`,
			wantErr: "unknown capability",
		},
		{
			name: "bad log level",
			content: `
logging:
  level: verbose
`,
			wantErr: "logging.level",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			if err == nil {
				t.Fatal("Load() expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Load() error = %v, want substring %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidateRelay(t *testing.T) {
	cfg := &Config{}
	cfg.setDefaults()

	if err := cfg.ValidateRelay(); err == nil {
		t.Error("ValidateRelay() without host expected error")
	}

	cfg.Relay.Host = "smtp.example.com"
	if err := cfg.ValidateRelay(); err == nil {
		t.Error("ValidateRelay() without from expected error")
	}

	cfg.Relay.From = "news@example.com"
	if err := cfg.ValidateRelay(); err != nil {
		t.Errorf("ValidateRelay() error = %v", err)
	}
}
