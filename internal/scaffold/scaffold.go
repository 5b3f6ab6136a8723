// Package scaffold creates new paper projects: a starting document, a seed
// bibliography, a Makefile wrapping texmill, and the project configuration.
package scaffold

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"texmill/internal/config"
	"texmill/internal/logging"
)

// Options controls project creation.
type Options struct {
	// Dir is where the project lands. Created if missing. Default ".".
	Dir string

	// Title and Author fill the document skeleton.
	Title  string
	Author string

	// Class selects the document class preset: article, ieeetran, acmart.
	Class string

	// Engine is recorded in the project config.
	Engine string

	// Force overwrites files that already exist.
	Force bool
}

// Result reports what Init did. File names are relative to Dir.
type Result struct {
	Dir          string   `json:"dir"`
	FilesCreated []string `json:"files_created"`
	Skipped      []string `json:"skipped"`
}

type classPreset struct {
	classLine string
	bibStyle  string
}

var classPresets = map[string]classPreset{
	"article":  {`\documentclass[11pt]{article}`, "plain"},
	"ieeetran": {`\documentclass[conference]{IEEEtran}`, "IEEEtran"},
	"acmart":   {`\documentclass[sigconf]{acmart}`, "ACM-Reference-Format"},
}

// Classes lists the supported document class presets.
func Classes() []string {
	out := make([]string, 0, len(classPresets))
	for c := range classPresets {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// Init creates a paper project in opts.Dir. Existing files are left alone
// and reported in Result.Skipped unless opts.Force is set.
func Init(opts Options) (*Result, error) {
	timer := logging.StartTimer(logging.CategoryScaffold, "Init project")
	defer timer.Stop()

	if opts.Dir == "" {
		opts.Dir = "."
	}
	if opts.Title == "" {
		opts.Title = "Paper Title"
	}
	if opts.Author == "" {
		opts.Author = "Author Name"
	}
	if opts.Class == "" {
		opts.Class = "article"
	}
	if opts.Engine == "" {
		opts.Engine = "pdflatex"
	}

	preset, ok := classPresets[strings.ToLower(opts.Class)]
	if !ok {
		return nil, fmt.Errorf("unknown document class %q (valid: %s)", opts.Class, strings.Join(Classes(), ", "))
	}
	validEngine := false
	for _, e := range config.Engines {
		if opts.Engine == e {
			validEngine = true
			break
		}
	}
	if !validEngine {
		return nil, fmt.Errorf("unknown engine %q (valid: %s)", opts.Engine, strings.Join(config.Engines, ", "))
	}

	dir, err := filepath.Abs(opts.Dir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create project directory: %w", err)
	}

	result := &Result{
		Dir:          dir,
		FilesCreated: make([]string, 0, 6),
		Skipped:      make([]string, 0),
	}

	data := struct {
		ClassLine string
		BibStyle  string
		Title     string
		Author    string
	}{preset.classLine, preset.bibStyle, opts.Title, opts.Author}

	var paper, readme bytes.Buffer
	if err := paperTmpl.Execute(&paper, data); err != nil {
		return nil, fmt.Errorf("failed to render document template: %w", err)
	}
	if err := readmeTmpl.Execute(&readme, data); err != nil {
		return nil, fmt.Errorf("failed to render README template: %w", err)
	}

	files := []struct {
		name string
		body []byte
	}{
		{"paper.tex", paper.Bytes()},
		{"refs.bib", []byte(refsTemplate)},
		{"Makefile", []byte(makefileTemplate)},
		{".gitignore", []byte(gitignoreTemplate)},
		{"README.md", readme.Bytes()},
	}

	for _, f := range files {
		created, err := writeProjectFile(filepath.Join(dir, f.name), f.body, opts.Force)
		if err != nil {
			return nil, fmt.Errorf("failed to write %s: %w", f.name, err)
		}
		if created {
			result.FilesCreated = append(result.FilesCreated, f.name)
			logging.Scaffold("Created %s", f.name)
		} else {
			result.Skipped = append(result.Skipped, f.name)
			logging.ScaffoldDebug("Skipped existing %s", f.name)
		}
	}

	if err := writeConfig(dir, opts, result); err != nil {
		return nil, err
	}

	logging.Audit(logging.AuditEvent{
		EventType: logging.AuditScaffold,
		Document:  dir,
		Success:   true,
		Message:   fmt.Sprintf("%d files created, %d skipped", len(result.FilesCreated), len(result.Skipped)),
	})
	logging.Scaffold("Project ready in %s (%d created, %d skipped)", dir, len(result.FilesCreated), len(result.Skipped))

	return result, nil
}

// writeConfig saves .texmill/config.yaml with the chosen engine.
func writeConfig(dir string, opts Options, result *Result) error {
	name := filepath.Join(".texmill", "config.yaml")
	path := filepath.Join(dir, name)
	if _, err := os.Stat(path); err == nil && !opts.Force {
		result.Skipped = append(result.Skipped, name)
		logging.ScaffoldDebug("Skipped existing %s", name)
		return nil
	}

	cfg := config.DefaultConfig()
	cfg.Build.Engine = opts.Engine
	if err := cfg.Save(path); err != nil {
		return fmt.Errorf("failed to write project config: %w", err)
	}
	result.FilesCreated = append(result.FilesCreated, name)
	logging.Scaffold("Created %s", name)
	return nil
}

// writeProjectFile writes one scaffold file, honoring force semantics.
// Returns false with no error when the file exists and force is off.
func writeProjectFile(path string, data []byte, force bool) (bool, error) {
	err := writeFileOnce(path, data, 0644)
	if err == nil {
		return true, nil
	}
	if !os.IsExist(err) {
		return false, err
	}
	if !force {
		return false, nil
	}
	if err := overwriteFile(path, data, 0644); err != nil {
		return false, err
	}
	return true, nil
}
