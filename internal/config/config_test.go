package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadResolvesRelativeSqliteDSN(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.json")
	raw := `{
		"basic_config": {
			"server_address": ":9090",
			"completion_workers": 2,
			"completion_timeout_seconds": 15,
			"history_page_size": 25
		},
		"databases": {
			"sqlite3": {"dsn": "data/chat.db"}
		},
		"broker": {"url": "amqp://localhost", "exchange": "chat.events"}
	}`
	if err := os.WriteFile(cfgPath, []byte(raw), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.BasicConfig.ServerAddress != ":9090" || cfg.BasicConfig.HistoryPageSize != 25 {
		t.Fatalf("basic config mismatch: %#v", cfg.BasicConfig)
	}
	want := filepath.Join(dir, "data/chat.db")
	if got := cfg.Databases["sqlite3"].DSN; got != want {
		t.Fatalf("dsn not resolved: %q want %q", got, want)
	}
	if cfg.Broker.Exchange != "chat.events" {
		t.Fatalf("broker config mismatch: %#v", cfg.Broker)
	}
}

func TestLoadMemoryDSNUntouched(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.json")
	raw := `{"databases": {"sqlite3": {"dsn": ":memory:"}}}`
	if err := os.WriteFile(cfgPath, []byte(raw), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := cfg.Databases["sqlite3"].DSN; got != ":memory:" {
		t.Fatalf("memory dsn rewritten: %q", got)
	}
}

func TestLoadRequiresDatabases(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.json")
	if err := os.WriteFile(cfgPath, []byte(`{}`), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(cfgPath); err == nil {
		t.Fatalf("expected error for missing databases")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.json")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}
