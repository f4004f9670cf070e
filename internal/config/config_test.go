package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("ROOT_DIR", dir)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.RootDir != dir {
		t.Errorf("RootDir = %q, want %q", cfg.RootDir, dir)
	}
	if cfg.ListenAddr != ":8080" || cfg.MetricsAddr != ":9090" {
		t.Errorf("addrs = %q, %q", cfg.ListenAddr, cfg.MetricsAddr)
	}
	if cfg.PollInterval != 5*time.Second {
		t.Errorf("PollInterval = %v", cfg.PollInterval)
	}
	if cfg.SearchLimit != 100 {
		t.Errorf("SearchLimit = %d", cfg.SearchLimit)
	}
}

func TestLoadRequiresRoot(t *testing.T) {
	t.Setenv("ROOT_DIR", "")
	if _, err := Load(); err == nil {
		t.Fatal("expected error without ROOT_DIR")
	}
}

func TestLoadRejectsFileRoot(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("ROOT_DIR", dir+"/nope")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for missing root")
	}
}

func TestLoadOverrides(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("ROOT_DIR", dir)
	t.Setenv("POLL_INTERVAL", "30s")
	t.Setenv("SEARCH_LIMIT", "10")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.PollInterval != 30*time.Second || cfg.SearchLimit != 10 || cfg.LogLevel != "debug" {
		t.Errorf("cfg = %+v", cfg)
	}
}
