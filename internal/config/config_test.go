package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestSaveAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")

	cfg := Default()
	cfg.DefaultSession = "work"
	cfg.Server.BaseURL = "https://chat.example.com"
	cfg.Typing.IdleTimeout = D(2 * time.Second)
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.DefaultSession != "work" {
		t.Errorf("DefaultSession = %q, want work", loaded.DefaultSession)
	}
	if loaded.Server.BaseURL != "https://chat.example.com" {
		t.Errorf("BaseURL = %q", loaded.Server.BaseURL)
	}
	if loaded.Typing.IdleTimeout.Duration != 2*time.Second {
		t.Errorf("IdleTimeout = %v, want 2s", loaded.Typing.IdleTimeout)
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
default_session = "alt"

[typing]
remote_ttl = "7s"

[realtime]
emit_rate = 5.5
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Typing.RemoteTTL.Duration != 7*time.Second {
		t.Errorf("RemoteTTL = %v, want 7s", cfg.Typing.RemoteTTL)
	}
	if cfg.Typing.IdleTimeout.Duration != time.Second {
		t.Errorf("IdleTimeout = %v, want default 1s", cfg.Typing.IdleTimeout)
	}
	if cfg.Realtime.EmitRate != 5.5 {
		t.Errorf("EmitRate = %v, want 5.5", cfg.Realtime.EmitRate)
	}
	if cfg.Server.BaseURL != "http://localhost:4000" {
		t.Errorf("BaseURL = %q, want default", cfg.Server.BaseURL)
	}
}

func TestLoadRejectsBadDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("[typing]\nidle_timeout = \"soon\"\n"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("Load() expected error for unparsable duration")
	}
}

func TestLoadMissing(t *testing.T) {
	if _, err := Load("/nonexistent/config.toml"); err == nil {
		t.Error("Load() expected error for missing file")
	}
	cfg, err := LoadOrDefault("/nonexistent/config.toml")
	if err != nil {
		t.Fatalf("LoadOrDefault() error = %v", err)
	}
	if cfg.DefaultSession != "main" {
		t.Errorf("DefaultSession = %q, want main", cfg.DefaultSession)
	}
}

func TestSavePermissions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")

	if err := Save(path, Default()); err != nil {
		t.Fatal(err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("file permission = %o, want 0600", perm)
	}
}

func TestApplyEnv(t *testing.T) {
	envPath := filepath.Join(t.TempDir(), ".env")
	content := "CHATSYNC_EMAIL=file@example.com\nCHATSYNC_PASSWORD=hunter2\nCHATSYNC_BASE_URL=http://file:4000\n"
	if err := os.WriteFile(envPath, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	t.Setenv(EnvEmail, "env@example.com")
	t.Setenv(EnvBaseURL, "")

	cfg := Default()
	creds := ApplyEnv(cfg, envPath)

	if creds.Email != "env@example.com" {
		t.Errorf("Email = %q, want process env to win", creds.Email)
	}
	if creds.Password != "hunter2" {
		t.Errorf("Password = %q, want value from file", creds.Password)
	}
	if !creds.HasLogin() {
		t.Error("HasLogin() = false")
	}
	if cfg.Server.BaseURL != "http://localhost:4000" {
		t.Errorf("BaseURL = %q, empty env override should keep default", cfg.Server.BaseURL)
	}
}

func TestApplyEnvMissingFile(t *testing.T) {
	t.Setenv(EnvToken, "tok")
	creds := ApplyEnv(Default(), filepath.Join(t.TempDir(), "missing.env"))
	if creds.Token != "tok" {
		t.Errorf("Token = %q, want tok", creds.Token)
	}
	if creds.HasLogin() {
		t.Error("HasLogin() = true without email/password")
	}
}
