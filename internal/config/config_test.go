package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Build.Engine != "pdflatex" {
		t.Errorf("Expected default engine pdflatex, got %s", cfg.Build.Engine)
	}
	if cfg.Build.MaxPasses != 5 {
		t.Errorf("Expected default max_passes 5, got %d", cfg.Build.MaxPasses)
	}
	if cfg.Bib.Tool != "bibtex" {
		t.Errorf("Expected default bib tool bibtex, got %s", cfg.Bib.Tool)
	}
	if cfg.Bib.MinCrossrefs != 100 {
		t.Errorf("Expected default min_crossrefs 100, got %d", cfg.Bib.MinCrossrefs)
	}
	if !cfg.Bib.SortedCites {
		t.Error("Expected sorted_cites to default to true")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Default config should validate: %v", err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if err != nil {
		t.Fatalf("Load of missing file should return defaults, got error: %v", err)
	}
	if cfg.Build.Engine != "pdflatex" {
		t.Errorf("Expected defaults for missing file, got engine %s", cfg.Build.Engine)
	}
}

func TestLoadAndSave(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".texmill", "config.yaml")

	cfg := DefaultConfig()
	cfg.Build.Engine = "xelatex"
	cfg.Build.MaxPasses = 3
	cfg.Bib.BibPath = []string{"bib", "shared/bib"}
	cfg.Logging.DebugMode = true

	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if loaded.Build.Engine != "xelatex" {
		t.Errorf("Expected engine xelatex, got %s", loaded.Build.Engine)
	}
	if loaded.Build.MaxPasses != 3 {
		t.Errorf("Expected max_passes 3, got %d", loaded.Build.MaxPasses)
	}
	if len(loaded.Bib.BibPath) != 2 || loaded.Bib.BibPath[0] != "bib" {
		t.Errorf("BibPath not preserved: %v", loaded.Bib.BibPath)
	}
	if !loaded.Logging.DebugMode {
		t.Error("DebugMode not preserved")
	}
}

func TestLoadPartialYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	// A partial file only overrides what it names.
	content := `build:
  engine: lualatex
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Build.Engine != "lualatex" {
		t.Errorf("Expected engine lualatex, got %s", cfg.Build.Engine)
	}
	if cfg.Bib.Tool != "bibtex" {
		t.Errorf("Bib tool should keep default, got %s", cfg.Bib.Tool)
	}
}

func TestLoadMalformedYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("build: [not a map"), 0644)

	if _, err := Load(path); err == nil {
		t.Error("Expected error for malformed YAML")
	}
}

func TestDurationGetters(t *testing.T) {
	cfg := DefaultConfig()

	if got := cfg.BuildTimeout(); got != 120*time.Second {
		t.Errorf("Expected 120s build timeout, got %v", got)
	}
	if got := cfg.WatchDebounce(); got != 500*time.Millisecond {
		t.Errorf("Expected 500ms debounce, got %v", got)
	}

	cfg.Build.Timeout = "garbage"
	if got := cfg.BuildTimeout(); got != 120*time.Second {
		t.Errorf("Expected fallback 120s for bad timeout, got %v", got)
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		wantOK bool
	}{
		{"default", func(c *Config) {}, true},
		{"xelatex", func(c *Config) { c.Build.Engine = "xelatex" }, true},
		{"biber", func(c *Config) { c.Bib.Tool = "biber" }, true},
		{"bad engine", func(c *Config) { c.Build.Engine = "wordpad" }, false},
		{"bad bib tool", func(c *Config) { c.Bib.Tool = "endnote" }, false},
		{"zero passes", func(c *Config) { c.Build.MaxPasses = 0 }, false},
		{"bad timeout", func(c *Config) { c.Build.Timeout = "soonish" }, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			err := cfg.Validate()
			if tc.wantOK && err != nil {
				t.Errorf("Expected valid config, got %v", err)
			}
			if !tc.wantOK && err == nil {
				t.Error("Expected validation error")
			}
		})
	}
}

func TestDatabasePathResolution(t *testing.T) {
	cfg := DefaultConfig()

	got := cfg.DatabasePath("/work/paper")
	want := filepath.Join("/work/paper", ".texmill", "state.db")
	if got != want {
		t.Errorf("Expected %s, got %s", want, got)
	}

	cfg.State.DatabasePath = "/var/lib/texmill/state.db"
	if got := cfg.DatabasePath("/work/paper"); got != "/var/lib/texmill/state.db" {
		t.Errorf("Absolute path should pass through, got %s", got)
	}
}
