package database

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/neonwatty/vibetunnel-sub006/internal/config"
)

func TestInitCreatesDirectoryAndMigrates(t *testing.T) {
	prev := config.Cfg.DatabasePath
	config.Cfg.DatabasePath = filepath.Join(t.TempDir(), "nested", "hq.db")
	defer func() { config.Cfg.DatabasePath = prev }()

	if err := Init(); err != nil {
		t.Fatalf("Init() error: %v", err)
	}
	defer func() {
		Close()
		DB = nil
	}()

	if _, err := os.Stat(config.Cfg.DatabasePath); err != nil {
		t.Errorf("database file not created: %v", err)
	}
	if !DB.Migrator().HasTable(&RemoteEvent{}) {
		t.Error("remote_events table missing")
	}

	var mode string
	DB.Raw("PRAGMA journal_mode").Scan(&mode)
	if mode != "wal" {
		t.Errorf("journal_mode = %q, want wal", mode)
	}
}
