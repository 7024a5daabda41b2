package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	if cfg.WorkingFolder != dir {
		t.Errorf("expected working folder %s, got %s", dir, cfg.WorkingFolder)
	}
	if cfg.OutputFolder != filepath.Join(dir, "out") {
		t.Errorf("expected output folder resolved against working folder, got %s", cfg.OutputFolder)
	}
	if cfg.Threads != 4 {
		t.Errorf("expected default threads 4, got %d", cfg.Threads)
	}
	if cfg.Debounce != time.Second {
		t.Errorf("expected default debounce 1s, got %v", cfg.Debounce)
	}
	if cfg.JournalPath() != filepath.Join(dir, "runtime", "journal.db") {
		t.Errorf("unexpected journal path %s", cfg.JournalPath())
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	yaml := `
output_folder: public
threads: 8
debounce: 250ms
log_level: debug
collections:
  posts: content/posts
  assets: /srv/assets
`
	if err := os.WriteFile(filepath.Join(dir, "loom.yaml"), []byte(yaml), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	if cfg.OutputFolder != filepath.Join(dir, "public") {
		t.Errorf("expected output folder resolved, got %s", cfg.OutputFolder)
	}
	if cfg.Threads != 8 {
		t.Errorf("expected threads 8, got %d", cfg.Threads)
	}
	if cfg.Debounce != 250*time.Millisecond {
		t.Errorf("expected debounce 250ms, got %v", cfg.Debounce)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("expected log level debug, got %s", cfg.LogLevel)
	}
	if cfg.Collections["posts"] != filepath.Join(dir, "content", "posts") {
		t.Errorf("expected relative collection resolved, got %s", cfg.Collections["posts"])
	}
	if cfg.Collections["assets"] != "/srv/assets" {
		t.Errorf("expected absolute collection untouched, got %s", cfg.Collections["assets"])
	}
}

func TestLoadInvalidConfig(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "loom.yaml"), []byte("{broken"), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	if _, err := Load(dir); err == nil {
		t.Fatal("expected error for invalid config file")
	}
}
