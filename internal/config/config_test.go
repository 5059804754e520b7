package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_DefaultsWithoutFile(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != 8080 || cfg.Server.Host != "127.0.0.1" {
		t.Fatalf("unexpected server defaults: %+v", cfg.Server)
	}
	if cfg.Database.Path != "calsync.db" {
		t.Fatalf("unexpected db default: %s", cfg.Database.Path)
	}
	if cfg.Sync.FullSyncInterval != 15*time.Minute {
		t.Fatalf("unexpected sync interval: %s", cfg.Sync.FullSyncInterval)
	}
	if cfg.Addr() != "127.0.0.1:8080" {
		t.Fatalf("unexpected addr: %s", cfg.Addr())
	}
}

func TestLoad_FileAndEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "calsync.yaml")
	content := `
server:
  port: 9000
  baseUrl: https://calsync.example.com
database:
  path: /var/lib/calsync/data.db
providers:
  google:
    clientId: file-client-id
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("GOOGLE_CLIENT_ID", "env-client-id")
	t.Setenv("FRONTEND_URL", "https://app.example.com")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != 9000 {
		t.Fatalf("file port not applied: %d", cfg.Server.Port)
	}
	if cfg.Providers.Google.ClientID != "env-client-id" {
		t.Fatalf("env should override file, got %q", cfg.Providers.Google.ClientID)
	}
	if cfg.Frontend.URL != "https://app.example.com" {
		t.Fatalf("frontend url not applied: %q", cfg.Frontend.URL)
	}
	if cfg.Server.BaseURL != "https://calsync.example.com" {
		t.Fatalf("base url not applied: %q", cfg.Server.BaseURL)
	}
}

func TestLoad_MissingFileFails(t *testing.T) {
	if _, err := Load("/nonexistent/calsync.yaml"); err == nil {
		t.Fatal("expected error for missing file")
	}
}
