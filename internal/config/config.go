// Package config holds texmill project configuration, loaded from
// .texmill/config.yaml with environment variable overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all texmill configuration.
type Config struct {
	// Core settings
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// Build configures the engine fixpoint loop.
	Build BuildConfig `yaml:"build"`

	// Bib configures bibliography processing.
	Bib BibConfig `yaml:"bib"`

	// Watch configures the rebuild watcher.
	Watch WatchConfig `yaml:"watch"`

	// State configures the build-state database.
	State StateConfig `yaml:"state"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// BuildConfig configures the LaTeX engine and the compile loop.
type BuildConfig struct {
	// Engine is the LaTeX compiler binary: pdflatex, xelatex, lualatex, latex.
	Engine string `yaml:"engine"`

	// MaxPasses bounds the number of engine runs per build.
	MaxPasses int `yaml:"max_passes"`

	// Interaction is passed as -interaction to the engine.
	Interaction string `yaml:"interaction"`

	// SyncTeX enables -synctex=1.
	SyncTeX bool `yaml:"synctex"`

	// Jobname overrides the engine's \jobname.
	Jobname string `yaml:"jobname,omitempty"`

	// OutputDir is passed as -output-directory when set.
	OutputDir string `yaml:"output_dir,omitempty"`

	// TexInputs are extra directories searched for sources (TEXINPUTS).
	TexInputs []string `yaml:"tex_inputs,omitempty"`

	// Timeout bounds a single engine run.
	Timeout string `yaml:"timeout"`

	// MaxLogBytes caps captured engine output.
	MaxLogBytes int64 `yaml:"max_log_bytes"`
}

// BibConfig configures bibliography processing.
type BibConfig struct {
	// Tool is the bibliography processor binary (bibtex or biber).
	Tool string `yaml:"tool"`

	// MinCrossrefs is passed as --min-crossrefs to bibtex.
	MinCrossrefs int `yaml:"min_crossrefs"`

	// BibPath lists extra directories searched for .bib databases (BIBINPUTS).
	BibPath []string `yaml:"bib_path,omitempty"`

	// BstPath lists extra directories searched for .bst styles (BSTINPUTS).
	BstPath []string `yaml:"bst_path,omitempty"`

	// SortedCites controls whether citations are compared in sorted order
	// when deciding if a rerun is needed.
	SortedCites bool `yaml:"sorted_cites"`
}

// WatchConfig configures the rebuild watcher.
type WatchConfig struct {
	// Debounce is how long a file must stay quiet before a rebuild fires.
	Debounce string `yaml:"debounce"`

	// Extra lists additional paths to watch beyond the dependency closure.
	Extra []string `yaml:"extra,omitempty"`
}

// StateConfig configures the build-state database.
type StateConfig struct {
	// DatabasePath is where the SQLite build-state database lives.
	// Relative paths are resolved against the workspace.
	DatabasePath string `yaml:"database_path"`

	// HistoryLimit caps how many runs `texmill status` shows.
	HistoryLimit int `yaml:"history_limit"`
}

// LoggingConfig configures categorized file logging.
type LoggingConfig struct {
	DebugMode  bool            `yaml:"debug_mode"`
	Level      string          `yaml:"level"` // debug, info, warn, error
	JSONFormat bool            `yaml:"json_format"`
	Categories map[string]bool `yaml:"categories,omitempty"`
}

// Engines lists the supported LaTeX engine binaries.
var Engines = []string{"pdflatex", "xelatex", "lualatex", "latex"}

// BibTools lists the supported bibliography processors.
var BibTools = []string{"bibtex", "biber"}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "texmill",
		Version: "1.0.0",

		Build: BuildConfig{
			Engine:      "pdflatex",
			MaxPasses:   5,
			Interaction: "nonstopmode",
			SyncTeX:     false,
			Timeout:     "120s",
			MaxLogBytes: 10 * 1024 * 1024,
		},

		Bib: BibConfig{
			Tool:         "bibtex",
			MinCrossrefs: 100,
			SortedCites:  true,
		},

		Watch: WatchConfig{
			Debounce: "500ms",
		},

		State: StateConfig{
			DatabasePath: filepath.Join(".texmill", "state.db"),
			HistoryLimit: 20,
		},

		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Return defaults if config file doesn't exist
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()

	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if engine := os.Getenv("TEXMILL_ENGINE"); engine != "" {
		c.Build.Engine = engine
	}
	if tool := os.Getenv("TEXMILL_BIB_TOOL"); tool != "" {
		c.Bib.Tool = tool
	}
	if passes := os.Getenv("TEXMILL_MAX_PASSES"); passes != "" {
		if n, err := strconv.Atoi(passes); err == nil && n > 0 {
			c.Build.MaxPasses = n
		}
	}
	if dir := os.Getenv("TEXMILL_OUTPUT_DIR"); dir != "" {
		c.Build.OutputDir = dir
	}
	if db := os.Getenv("TEXMILL_DB"); db != "" {
		c.State.DatabasePath = db
	}

	// TeX search path conventions are inherited from the environment and
	// appended after config-provided entries (config paths win on lookup order).
	if inputs := os.Getenv("TEXINPUTS"); inputs != "" {
		c.Build.TexInputs = append(c.Build.TexInputs, splitPathList(inputs)...)
	}
	if inputs := os.Getenv("BIBINPUTS"); inputs != "" {
		c.Bib.BibPath = append(c.Bib.BibPath, splitPathList(inputs)...)
	}
	if inputs := os.Getenv("BSTINPUTS"); inputs != "" {
		c.Bib.BstPath = append(c.Bib.BstPath, splitPathList(inputs)...)
	}
}

// splitPathList splits a TeX search path list on the OS list separator,
// dropping the empty trailing entry TeX uses to mean "then the defaults".
func splitPathList(list string) []string {
	parts := strings.Split(list, string(os.PathListSeparator))
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// BuildTimeout returns the engine timeout as a duration.
func (c *Config) BuildTimeout() time.Duration {
	d, err := time.ParseDuration(c.Build.Timeout)
	if err != nil {
		return 120 * time.Second
	}
	return d
}

// WatchDebounce returns the watcher debounce window as a duration.
func (c *Config) WatchDebounce() time.Duration {
	d, err := time.ParseDuration(c.Watch.Debounce)
	if err != nil {
		return 500 * time.Millisecond
	}
	return d
}

// DatabasePath resolves the state database path against the workspace.
func (c *Config) DatabasePath(workspace string) string {
	if filepath.IsAbs(c.State.DatabasePath) {
		return c.State.DatabasePath
	}
	return filepath.Join(workspace, c.State.DatabasePath)
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	validEngine := false
	for _, e := range Engines {
		if c.Build.Engine == e {
			validEngine = true
			break
		}
	}
	if !validEngine {
		return fmt.Errorf("invalid engine: %s (valid: %v)", c.Build.Engine, Engines)
	}

	validTool := false
	for _, b := range BibTools {
		if c.Bib.Tool == b {
			validTool = true
			break
		}
	}
	if !validTool {
		return fmt.Errorf("invalid bib tool: %s (valid: %v)", c.Bib.Tool, BibTools)
	}

	if c.Build.MaxPasses < 1 {
		return fmt.Errorf("max_passes must be at least 1, got %d", c.Build.MaxPasses)
	}

	if _, err := time.ParseDuration(c.Build.Timeout); err != nil {
		return fmt.Errorf("invalid build timeout %q: %w", c.Build.Timeout, err)
	}

	return nil
}
