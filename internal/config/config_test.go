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
		t.Fatalf("写入配置失败: %v", err)
	}
	return path
}

func TestLoad_CredentialsFromEnv(t *testing.T) {
	path := writeConfig(t, "venue:\n  base_url: https://venue.example\n  office_id: \"78272187\"\n")
	t.Setenv("LOCATES_VENUE_USERNAME", "desk@example.com")
	t.Setenv("LOCATES_VENUE_PASSWORD", "secret")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Venue.Username != "desk@example.com" || cfg.Venue.Password != "secret" {
		t.Fatalf("credentials not taken from env: %+v", cfg.Venue)
	}
	if cfg.Venue.BaseURL != "https://venue.example" {
		t.Errorf("unexpected base url %q", cfg.Venue.BaseURL)
	}
	if cfg.Venue.OfficeID != "78272187" {
		t.Errorf("unexpected office id %q", cfg.Venue.OfficeID)
	}
	if cfg.Desk.ContextTTL != time.Minute {
		t.Errorf("expected context ttl 60s, got %s", cfg.Desk.ContextTTL)
	}
	if cfg.Desk.EvictionTimeout != 25*time.Second {
		t.Errorf("expected eviction timeout 25s, got %s", cfg.Desk.EvictionTimeout)
	}
	if cfg.Session.CodeLength != 6 {
		t.Errorf("expected code length 6, got %d", cfg.Session.CodeLength)
	}
	if cfg.Venue.BootstrapCookie != "has_js=1" {
		t.Errorf("unexpected bootstrap cookie %q", cfg.Venue.BootstrapCookie)
	}
}

func TestLoad_MissingCredentials(t *testing.T) {
	path := writeConfig(t, "app:\n  environment: test\n")
	t.Setenv("LOCATES_VENUE_USERNAME", "")
	t.Setenv("LOCATES_VENUE_PASSWORD", "")

	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "venue.username") {
		t.Fatalf("expected credential validation error, got %v", err)
	}
}

func TestValidate_TimeoutOrdering(t *testing.T) {
	path := writeConfig(t, "session:\n  probe_timeout: 90s\n  challenge_timeout: 2m\n")
	t.Setenv("LOCATES_VENUE_USERNAME", "desk@example.com")
	t.Setenv("LOCATES_VENUE_PASSWORD", "secret")

	_, err := Load(path)
	if err == nil {
		t.Fatalf("expected validation error")
	}
	if !strings.Contains(err.Error(), "session.probe_timeout") {
		t.Errorf("missing probe timeout error: %v", err)
	}
	if !strings.Contains(err.Error(), "session.challenge_timeout") {
		t.Errorf("missing challenge timeout error: %v", err)
	}
}
