package config

import (
	"os"
	"strings"
	"testing"
)

// specEnvKeys is the closed set of recognized environment options.
var specEnvKeys = []string{
	"HTTP_ADDR", "SSH_ADDR", "SSH_HOST_KEY_PATH", "DB_URL", "AUTH_ENABLED",
	"SHARED_SECRET_SALT", "SANDBOX_BACKEND", "SANDBOX_IMAGE", "SUBDOMAIN_BASE",
	"EVENT_RETENTION_HOURS", "LEADER_ID", "LOG_LEVEL", "SESSION_COMMIT_TIMEOUT",
	"NATS_URL",
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := LoadWithPath(t.TempDir())
	if err != nil {
		t.Fatalf("LoadWithPath() failed: %v", err)
	}

	if cfg.Server.HTTPAddr != ":3000" {
		t.Errorf("HTTPAddr = %q, want :3000", cfg.Server.HTTPAddr)
	}
	if cfg.Sandbox.Backend != "docker" {
		t.Errorf("Sandbox.Backend = %q, want docker", cfg.Sandbox.Backend)
	}
	if cfg.Events.RetentionHours != 72 {
		t.Errorf("Events.RetentionHours = %d, want 72", cfg.Events.RetentionHours)
	}
	if cfg.Auth.SharedSecretSalt == "" {
		t.Error("expected a generated dev salt when auth is enabled and none is set")
	}
	if cfg.Dispatch.SessionCommitTimeout != 600 {
		t.Errorf("SessionCommitTimeout = %d, want 600", cfg.Dispatch.SessionCommitTimeout)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("HTTP_ADDR", ":9999")
	t.Setenv("SANDBOX_BACKEND", "mock")
	t.Setenv("EVENT_RETENTION_HOURS", "24")

	cfg, err := LoadWithPath(t.TempDir())
	if err != nil {
		t.Fatalf("LoadWithPath() failed: %v", err)
	}

	if cfg.Server.HTTPAddr != ":9999" {
		t.Errorf("HTTPAddr = %q, want :9999", cfg.Server.HTTPAddr)
	}
	if cfg.Sandbox.Backend != "mock" {
		t.Errorf("Sandbox.Backend = %q, want mock", cfg.Sandbox.Backend)
	}
	if cfg.Events.RetentionHours != 24 {
		t.Errorf("Events.RetentionHours = %d, want 24", cfg.Events.RetentionHours)
	}
}

func TestLoadRejectsInvalidSandboxBackend(t *testing.T) {
	clearEnv(t)
	t.Setenv("SANDBOX_BACKEND", "bogus")

	if _, err := LoadWithPath(t.TempDir()); err == nil {
		t.Error("expected an error for an invalid sandbox backend")
	}
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range specEnvKeys {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
	for _, kv := range os.Environ() {
		if i := strings.IndexByte(kv, '='); i > 0 {
			key := kv[:i]
			if strings.HasPrefix(key, "DISCOBOT_") {
				t.Setenv(key, "")
				os.Unsetenv(key)
			}
		}
	}
}
