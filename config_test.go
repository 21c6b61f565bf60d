package quill

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Storage.Dir == "" {
		t.Fatal("no default storage dir")
	}
	if cfg.Storage.Backend != "file" {
		t.Fatalf("default backend = %q", cfg.Storage.Backend)
	}
	if cfg.Relay.ListenAddr == "" {
		t.Fatal("no default listen address")
	}
	if cfg.Relay.WriteTimeout <= 0 || cfg.Relay.PingInterval <= 0 {
		t.Fatal("relay timeouts not defaulted")
	}
	if cfg.Client.MaxReconnectInterval <= 0 {
		t.Fatal("client backoff cap not defaulted")
	}
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "quill.yaml")
	content := `
storage:
  dir: /var/lib/quill
  backend: bolt
seal:
  passphrase: hunter2
relay:
  listen_addr: ":9000"
  redis:
    addr: localhost:6379
client:
  server_url: ws://relay.example:9000/ws
  dial_timeout: 3s
backup:
  enabled: true
  bucket: quill-snapshots
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Storage.Dir != "/var/lib/quill" || cfg.Storage.Backend != "bolt" {
		t.Fatalf("storage = %+v", cfg.Storage)
	}
	if cfg.Storage.BoltPath != "/var/lib/quill/quill.db" {
		t.Fatalf("bolt path = %q", cfg.Storage.BoltPath)
	}
	if cfg.Seal.Passphrase != "hunter2" {
		t.Fatalf("passphrase = %q", cfg.Seal.Passphrase)
	}
	if cfg.Relay.ListenAddr != ":9000" {
		t.Fatalf("listen addr = %q", cfg.Relay.ListenAddr)
	}
	// Unset fields keep their defaults.
	if cfg.Relay.HistoryPath != "quill-relay.db" {
		t.Fatalf("history path = %q", cfg.Relay.HistoryPath)
	}
	if cfg.Relay.Redis == nil || cfg.Relay.Redis.Addr != "localhost:6379" {
		t.Fatalf("redis = %+v", cfg.Relay.Redis)
	}
	if cfg.Relay.Redis.PresenceTTL != 30*time.Second {
		t.Fatalf("presence ttl = %v", cfg.Relay.Redis.PresenceTTL)
	}
	if cfg.Client.DialTimeout != 3*time.Second {
		t.Fatalf("dial timeout = %v", cfg.Client.DialTimeout)
	}
	if cfg.Backup == nil || !cfg.Backup.Enabled || cfg.Backup.Bucket != "quill-snapshots" {
		t.Fatalf("backup = %+v", cfg.Backup)
	}
	if cfg.Backup.MaxRetries != 3 {
		t.Fatalf("backup retries = %d", cfg.Backup.MaxRetries)
	}

	if _, err := LoadConfig(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestOpenStateStoreSelection(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.Storage.Dir = filepath.Join(dir, "file-store")
	store, err := cfg.OpenStateStore()
	if err != nil {
		t.Fatalf("file store: %v", err)
	}
	_ = store.Close()

	cfg.Storage.Backend = "bolt"
	cfg.Storage.BoltPath = filepath.Join(dir, "state.db")
	store, err = cfg.OpenStateStore()
	if err != nil {
		t.Fatalf("bolt store: %v", err)
	}
	_ = store.Close()

	cfg.Storage.Backend = "cloud"
	if _, err := cfg.OpenStateStore(); err == nil {
		t.Fatal("expected error for unknown backend")
	}
}
