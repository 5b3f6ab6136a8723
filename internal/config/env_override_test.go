package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Env overrides let CI pipelines retarget a build without editing the
// project's config.yaml.

func TestEnvOverrideEngine(t *testing.T) {
	t.Setenv("TEXMILL_ENGINE", "lualatex")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "lualatex", cfg.Build.Engine)
}

func TestEnvOverrideBibTool(t *testing.T) {
	t.Setenv("TEXMILL_BIB_TOOL", "biber")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "biber", cfg.Bib.Tool)
}

func TestEnvOverrideMaxPasses(t *testing.T) {
	t.Setenv("TEXMILL_MAX_PASSES", "8")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.Build.MaxPasses)
}

func TestEnvOverrideMaxPassesInvalid(t *testing.T) {
	t.Setenv("TEXMILL_MAX_PASSES", "many")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	// Unparseable values are ignored, not fatal.
	assert.Equal(t, 5, cfg.Build.MaxPasses)
}

func TestEnvOverrideOutputDir(t *testing.T) {
	t.Setenv("TEXMILL_OUTPUT_DIR", "out")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "out", cfg.Build.OutputDir)
}

func TestEnvOverrideDatabase(t *testing.T) {
	t.Setenv("TEXMILL_DB", "/tmp/alt-state.db")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "/tmp/alt-state.db", cfg.State.DatabasePath)
}

func TestEnvOverrideDoesNotClobberFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `build:
  engine: xelatex
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	t.Setenv("TEXMILL_ENGINE", "lualatex")

	cfg, err := Load(path)
	require.NoError(t, err)
	// Env wins over file: overrides apply after the file is parsed.
	assert.Equal(t, "lualatex", cfg.Build.Engine)
}

func TestTexInputsAppended(t *testing.T) {
	sep := string(os.PathListSeparator)
	t.Setenv("TEXINPUTS", "/usr/share/texmf"+sep+"/home/u/texmf")

	cfg := DefaultConfig()
	cfg.Build.TexInputs = []string{"styles"}
	cfg.applyEnvOverrides()

	assert.Equal(t, []string{"styles", "/usr/share/texmf", "/home/u/texmf"}, cfg.Build.TexInputs)
}

func TestBibInputsAppended(t *testing.T) {
	t.Setenv("BIBINPUTS", "/data/bibs")

	cfg := DefaultConfig()
	cfg.applyEnvOverrides()

	assert.Contains(t, cfg.Bib.BibPath, "/data/bibs")
}

func TestBstInputsAppended(t *testing.T) {
	t.Setenv("BSTINPUTS", "/data/styles")

	cfg := DefaultConfig()
	cfg.applyEnvOverrides()

	assert.Contains(t, cfg.Bib.BstPath, "/data/styles")
}

func TestSplitPathListDropsEmptyEntries(t *testing.T) {
	sep := string(os.PathListSeparator)
	got := splitPathList(strings.Join([]string{"a", "", "b", ""}, sep))
	assert.Equal(t, []string{"a", "b"}, got)

	assert.Empty(t, splitPathList(""))
}
