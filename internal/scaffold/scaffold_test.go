package scaffold

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"texmill/internal/config"
)

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

var allFiles = []string{
	"paper.tex",
	"refs.bib",
	"Makefile",
	".gitignore",
	"README.md",
	filepath.Join(".texmill", "config.yaml"),
}

func TestInitCreatesProject(t *testing.T) {
	dir := t.TempDir()

	result, err := Init(Options{
		Dir:    dir,
		Title:  "Fast Fixpoint Builds",
		Author: "A. Hacker",
		Class:  "IEEEtran",
		Engine: "xelatex",
	})
	require.NoError(t, err)

	assert.Equal(t, dir, result.Dir)
	assert.Equal(t, allFiles, result.FilesCreated)
	assert.Empty(t, result.Skipped)

	paper := readFile(t, filepath.Join(dir, "paper.tex"))
	assert.Contains(t, paper, `\documentclass[conference]{IEEEtran}`)
	assert.Contains(t, paper, `\title{Fast Fixpoint Builds}`)
	assert.Contains(t, paper, `\author{A. Hacker}`)
	assert.Contains(t, paper, `\bibliographystyle{IEEEtran}`)
	assert.Contains(t, paper, `\bibliography{refs}`)

	refs := readFile(t, filepath.Join(dir, "refs.bib"))
	assert.Contains(t, refs, "@book{knuth:texbook,")

	readme := readFile(t, filepath.Join(dir, "README.md"))
	assert.Contains(t, readme, "# Fast Fixpoint Builds")

	cfg, err := config.Load(filepath.Join(dir, ".texmill", "config.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "xelatex", cfg.Build.Engine)
}

func TestInitDefaults(t *testing.T) {
	dir := t.TempDir()

	_, err := Init(Options{Dir: dir})
	require.NoError(t, err)

	paper := readFile(t, filepath.Join(dir, "paper.tex"))
	assert.Contains(t, paper, `\documentclass[11pt]{article}`)
	assert.Contains(t, paper, `\title{Paper Title}`)
	assert.Contains(t, paper, `\bibliographystyle{plain}`)

	cfg, err := config.Load(filepath.Join(dir, ".texmill", "config.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "pdflatex", cfg.Build.Engine)
}

func TestInitCreatesMissingDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "papers", "draft")

	result, err := Init(Options{Dir: dir})
	require.NoError(t, err)

	assert.Equal(t, dir, result.Dir)
	assert.FileExists(t, filepath.Join(dir, "paper.tex"))
}

func TestInitSkipsExistingFiles(t *testing.T) {
	dir := t.TempDir()

	_, err := Init(Options{Dir: dir})
	require.NoError(t, err)

	edited := filepath.Join(dir, "paper.tex")
	require.NoError(t, os.WriteFile(edited, []byte("my edits\n"), 0644))

	result, err := Init(Options{Dir: dir})
	require.NoError(t, err)

	assert.Empty(t, result.FilesCreated)
	assert.Equal(t, allFiles, result.Skipped)
	assert.Equal(t, "my edits\n", readFile(t, edited))
}

func TestInitForceOverwrites(t *testing.T) {
	dir := t.TempDir()

	_, err := Init(Options{Dir: dir})
	require.NoError(t, err)

	edited := filepath.Join(dir, "paper.tex")
	require.NoError(t, os.WriteFile(edited, []byte("my edits\n"), 0644))

	result, err := Init(Options{Dir: dir, Force: true})
	require.NoError(t, err)

	assert.Equal(t, allFiles, result.FilesCreated)
	assert.Empty(t, result.Skipped)
	assert.Contains(t, readFile(t, edited), `\begin{document}`)
}

func TestInitRejectsUnknownClass(t *testing.T) {
	_, err := Init(Options{Dir: t.TempDir(), Class: "beamer"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown document class")
}

func TestInitRejectsUnknownEngine(t *testing.T) {
	_, err := Init(Options{Dir: t.TempDir(), Engine: "tectonic"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown engine")
}

func TestMakefileRecipesUseTabs(t *testing.T) {
	dir := t.TempDir()

	_, err := Init(Options{Dir: dir})
	require.NoError(t, err)

	mk := readFile(t, filepath.Join(dir, "Makefile"))
	assert.Contains(t, mk, "\n\ttexmill build $(MAIN)")
	assert.Contains(t, mk, "\n\ttexmill watch $(MAIN)")
	assert.Contains(t, mk, "\n\ttexmill clean --all $(MAIN)")
}

func TestWriteFileOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "once.txt")

	require.NoError(t, writeFileOnce(path, []byte("first"), 0644))

	err := writeFileOnce(path, []byte("second"), 0644)
	require.Error(t, err)
	assert.True(t, os.IsExist(err))
	assert.Equal(t, "first", readFile(t, path))

	// No temp droppings left behind.
	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	require.Len(t, entries, 1)
}
