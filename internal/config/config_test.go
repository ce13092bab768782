package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("expected defaults for missing file, got %v", err)
	}
	want := Default()
	if cfg != want {
		t.Fatalf("expected defaults %+v, got %+v", want, cfg)
	}
	if cfg.MaxQueueSize != 50 || cfg.RetryCeiling != 3 || cfg.ApplyTimeout != 15*time.Second {
		t.Fatalf("unexpected default tunables %+v", cfg)
	}
}

func TestLoadYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tillsync.yaml")
	content := `
addr: ":9090"
authorityUrl: "https://pos.example.com"
backendProfile: "postgres"
postgresDsn: "postgres://localhost/tillsync?sslmode=disable"
retryCeiling: 5
applyTimeout: 30s
auditMode: true
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr != ":9090" {
		t.Fatalf("expected addr :9090, got %s", cfg.Addr)
	}
	if cfg.AuthorityURL != "https://pos.example.com" {
		t.Fatalf("expected authority url, got %s", cfg.AuthorityURL)
	}
	if cfg.BackendProfile != BackendPostgres {
		t.Fatalf("expected postgres profile, got %s", cfg.BackendProfile)
	}
	if cfg.RetryCeiling != 5 || cfg.ApplyTimeout != 30*time.Second {
		t.Fatalf("unexpected tunables %+v", cfg)
	}
	if !cfg.AuditMode {
		t.Fatalf("expected audit mode enabled")
	}
	// Fields the file omits keep their defaults.
	if cfg.CacheDriver != CacheMemory || cfg.MaxQueueSize != 50 {
		t.Fatalf("expected defaults to survive partial file, got %+v", cfg)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tillsync.yaml")
	if err := os.WriteFile(path, []byte("retryCeiling: 5\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("TILLSYNC_RETRY_CEILING", "7")
	t.Setenv("TILLSYNC_ADMIN_TOKEN", "env-secret")
	t.Setenv("TILLSYNC_APPLY_TIMEOUT", "45s")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.RetryCeiling != 7 {
		t.Fatalf("expected env override 7, got %d", cfg.RetryCeiling)
	}
	if cfg.AdminToken != "env-secret" {
		t.Fatalf("expected env admin token, got %q", cfg.AdminToken)
	}
	if cfg.ApplyTimeout != 45*time.Second {
		t.Fatalf("expected env apply timeout, got %s", cfg.ApplyTimeout)
	}
}

func TestValidateRejectsBadProfiles(t *testing.T) {
	cfg := Default()
	cfg.BackendProfile = "sqlite"
	if err := cfg.validate(); err == nil {
		t.Fatalf("expected unknown backend profile error")
	}

	cfg = Default()
	cfg.BackendProfile = BackendPostgres
	if err := cfg.validate(); err == nil {
		t.Fatalf("expected missing postgres DSN error")
	}

	cfg = Default()
	cfg.CacheDriver = CacheRedis
	if err := cfg.validate(); err == nil {
		t.Fatalf("expected missing redis addr error")
	}

	cfg = Default()
	cfg.AuthorityURL = "  "
	if err := cfg.validate(); err == nil {
		t.Fatalf("expected missing authority url error")
	}
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tillsync.yaml")
	if err := os.WriteFile(path, []byte("addr: [unclosed"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestWatcherReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tillsync.yaml")
	if err := os.WriteFile(path, []byte("retryCeiling: 3\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	reloaded := make(chan Config, 1)
	watcher, err := NewWatcher(path, func(cfg Config) {
		select {
		case reloaded <- cfg:
		default:
		}
	}, nil)
	if err != nil {
		t.Fatalf("expected watcher, got %v", err)
	}
	defer watcher.Close()

	if err := os.WriteFile(path, []byte("retryCeiling: 9\n"), 0o644); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}

	select {
	case cfg := <-reloaded:
		if cfg.RetryCeiling != 9 {
			t.Fatalf("expected reloaded ceiling 9, got %d", cfg.RetryCeiling)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for config reload")
	}
}
