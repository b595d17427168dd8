package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func validConfig() *Config {
	cfg := &Config{}
	cfg.Auth.Secret = testSecret
	cfg.ApplyDefaults()
	return cfg
}

func TestApplyDefaults(t *testing.T) {
	cfg := validConfig()

	if cfg.Name != "recapd" {
		t.Errorf("Name = %q", cfg.Name)
	}
	if cfg.Environment != "development" {
		t.Errorf("Environment = %q", cfg.Environment)
	}
	if !cfg.Debug {
		t.Error("Debug should default to true in development")
	}
	if cfg.Logging.ServiceName != "recapd" {
		t.Errorf("Logging.ServiceName = %q", cfg.Logging.ServiceName)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("Server.Port = %d", cfg.Server.Port)
	}
	if got := cfg.Transcription.Backends; len(got) != 2 || got[0] != "whisper" || got[1] != "vosk" {
		t.Errorf("Transcription.Backends = %v", got)
	}
	if cfg.Transcription.AttemptTimeout != 2*time.Minute {
		t.Errorf("AttemptTimeout = %v", cfg.Transcription.AttemptTimeout)
	}
	if cfg.Observability.ServiceName != "recapd" {
		t.Errorf("Observability.ServiceName = %q", cfg.Observability.ServiceName)
	}
}

func TestProductionKeepsDebugOff(t *testing.T) {
	cfg := &Config{Environment: "production"}
	cfg.Auth.Secret = testSecret
	cfg.ApplyDefaults()
	if cfg.Debug {
		t.Error("Debug should stay false in production")
	}
}

func TestValidate(t *testing.T) {
	if err := validConfig().Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
}

func TestValidateRejectsShortSecret(t *testing.T) {
	cfg := validConfig()
	cfg.Auth.Secret = "too-short"
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected error for short auth secret")
	}
	if !strings.Contains(err.Error(), "Secret") {
		t.Errorf("error %q should name the failing field", err)
	}
}

func TestValidateRejectsUnknownBackend(t *testing.T) {
	cfg := validConfig()
	cfg.Transcription.Backends = []string{"whisper", "deepgram"}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for unknown transcription backend")
	}
}

func TestValidateRejectsBadEnvironment(t *testing.T) {
	cfg := validConfig()
	cfg.Environment = "local"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for unknown environment")
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yml")
	yaml := `
name: recapd
environment: production
server:
  port: 9090
auth:
  secret: ` + testSecret + `
transcription:
  backends: [vosk]
  attempt_timeout: 90s
summarizer:
  model: llama3.2
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load("recapd", path, "")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("Server.Port = %d", cfg.Server.Port)
	}
	if cfg.Environment != "production" {
		t.Errorf("Environment = %q", cfg.Environment)
	}
	if len(cfg.Transcription.Backends) != 1 || cfg.Transcription.Backends[0] != "vosk" {
		t.Errorf("Backends = %v", cfg.Transcription.Backends)
	}
	if cfg.Transcription.AttemptTimeout != 90*time.Second {
		t.Errorf("AttemptTimeout = %v", cfg.Transcription.AttemptTimeout)
	}
	if cfg.Summarizer.Model != "llama3.2" {
		t.Errorf("Summarizer.Model = %q", cfg.Summarizer.Model)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yml")
	yaml := `
auth:
  secret: ` + testSecret + `
store:
  path: from-file.db
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}

	t.Setenv("RECAPD_STORE_PATH", "from-env.db")

	cfg, err := Load("recapd", path, "")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Store.Path != "from-env.db" {
		t.Errorf("Store.Path = %q, want env override", cfg.Store.Path)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("recapd", "/nonexistent/config.yml", ""); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestLoadInvalidConfigRejected(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yml")
	if err := os.WriteFile(path, []byte("auth:\n  secret: short\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load("recapd", path, ""); err == nil {
		t.Fatal("expected validation error for short secret")
	}
}
