// Package deps discovers the dependency closure of a LaTeX document:
// the root source plus everything it pulls in through input, include,
// graphics, bibliography and local style references. The closure feeds
// the change detector and the filesystem watcher.
package deps

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"texmill/internal/logging"
)

var (
	reInput         = regexp.MustCompile(`\\(input|include)\{([^}]*)\}`)
	reGraphics      = regexp.MustCompile(`\\includegraphics\s*(?:\[[^\]]*\])?\{([^}]*)\}`)
	reBibliography  = regexp.MustCompile(`\\bibliography\{([^}]*)\}`)
	reBibResource   = regexp.MustCompile(`\\addbibresource\s*(?:\[[^\]]*\])?\{([^}]*)\}`)
	reBibStyle      = regexp.MustCompile(`\\bibliographystyle\{([^}]*)\}`)
	reUsepackage    = regexp.MustCompile(`\\usepackage\s*(?:\[[^\]]*\])?\{([^}]*)\}`)
	reDocumentclass = regexp.MustCompile(`\\documentclass\s*(?:\[[^\]]*\])?\{([^}]*)\}`)
	reGraphicsPath  = regexp.MustCompile(`\\graphicspath\{(.*)\}`)
	reBraceGroup    = regexp.MustCompile(`\{([^{}]*)\}`)
)

// Extensions probed for a graphics reference without one, in the order
// pdflatex tries them.
var graphicsExtensions = []string{".png", ".pdf", ".jpg", ".jpeg", ".eps"}

// Graph is the dependency closure of one document.
type Graph struct {
	// Root is the resolved path of the root source file.
	Root string

	// Files lists every file reached, root first, in discovery order.
	Files []string

	// Includes holds the base names passed to \include; each writes
	// its own aux file.
	Includes []string

	// Missing lists references that could not be resolved, as written
	// in the source. The engine complains authoritatively about these.
	Missing []string

	// Databases are the \bibliography arguments in appearance order.
	Databases []string

	// Style is the \bibliographystyle argument, "" when absent.
	Style string

	// GraphicsPaths are the \graphicspath directories, as written.
	GraphicsPaths []string
}

// Dirs returns the unique directories covering every file in the
// closure, sorted. The watcher registers these.
func (g *Graph) Dirs() []string {
	set := make(map[string]struct{})
	set[filepath.Dir(g.Root)] = struct{}{}
	for _, f := range g.Files {
		set[filepath.Dir(f)] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for d := range set {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

// Contains reports whether path is part of the closure.
func (g *Graph) Contains(path string) bool {
	for _, f := range g.Files {
		if f == path {
			return true
		}
	}
	return false
}

// Scan parses the document rooted at root and returns its closure.
// References are resolved the way the engine resolves them: relative
// to the directory the root lives in, not the including file.
func Scan(root string) (*Graph, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", root, err)
	}
	if _, err := os.Stat(abs); err != nil {
		return nil, fmt.Errorf("source file %s: %w", root, err)
	}

	s := &scanner{
		rootDir: filepath.Dir(abs),
		graph:   &Graph{Root: abs},
		visited: make(map[string]bool),
		missing: make(map[string]bool),
	}
	if err := s.scanFile(abs); err != nil {
		return nil, err
	}
	logging.Deps("scanned %s: %d files, %d missing, %d databases",
		filepath.Base(abs), len(s.graph.Files), len(s.graph.Missing), len(s.graph.Databases))
	return s.graph, nil
}

type scanner struct {
	rootDir string
	graph   *Graph
	visited map[string]bool
	missing map[string]bool
}

func (s *scanner) scanFile(path string) error {
	if s.visited[path] {
		return nil
	}
	s.visited[path] = true
	s.graph.Files = append(s.graph.Files, path)

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := stripComment(sc.Text())
		if line == "" {
			continue
		}
		if err := s.scanLine(line); err != nil {
			return err
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("failed to scan %s: %w", path, err)
	}
	return nil
}

func (s *scanner) scanLine(line string) error {
	for _, m := range reInput.FindAllStringSubmatch(line, -1) {
		kind, name := m[1], strings.TrimSpace(m[2])
		if name == "" {
			continue
		}
		if kind == "include" {
			s.graph.Includes = append(s.graph.Includes, name)
		}
		resolved, ok := s.resolveInput(name)
		if !ok {
			s.addMissing(name)
			continue
		}
		if err := s.scanFile(resolved); err != nil {
			return err
		}
	}

	for _, m := range reGraphics.FindAllStringSubmatch(line, -1) {
		name := strings.TrimSpace(m[1])
		if name == "" {
			continue
		}
		if resolved, ok := s.resolveGraphics(name); ok {
			s.addFile(resolved)
		} else {
			s.addMissing(name)
		}
	}

	if m := reGraphicsPath.FindStringSubmatch(line); m != nil {
		for _, g := range reBraceGroup.FindAllStringSubmatch(m[1], -1) {
			if dir := strings.TrimSpace(g[1]); dir != "" {
				s.graph.GraphicsPaths = append(s.graph.GraphicsPaths, dir)
			}
		}
	}

	if m := reBibliography.FindStringSubmatch(line); m != nil {
		for _, name := range strings.Split(m[1], ",") {
			if name = strings.TrimSpace(name); name != "" {
				s.addDatabase(name)
			}
		}
	}
	// biblatex names one resource per command, extension included.
	for _, m := range reBibResource.FindAllStringSubmatch(line, -1) {
		if name := strings.TrimSpace(m[1]); name != "" {
			s.addDatabase(strings.TrimSuffix(name, ".bib"))
		}
	}
	if m := reBibStyle.FindStringSubmatch(line); m != nil {
		s.graph.Style = strings.TrimSpace(m[1])
	}

	for _, m := range reUsepackage.FindAllStringSubmatch(line, -1) {
		for _, name := range strings.Split(m[1], ",") {
			if name = strings.TrimSpace(name); name != "" {
				s.probeLocal(name + ".sty")
			}
		}
	}
	if m := reDocumentclass.FindStringSubmatch(line); m != nil {
		if name := strings.TrimSpace(m[1]); name != "" {
			s.probeLocal(name + ".cls")
		}
	}
	return nil
}

// resolveInput resolves an \input/\include argument: <name>.tex first
// when the name carries no extension, then the bare name.
func (s *scanner) resolveInput(name string) (string, bool) {
	candidates := []string{name}
	if filepath.Ext(name) == "" {
		candidates = []string{name + ".tex", name}
	}
	for _, c := range candidates {
		path := filepath.Join(s.rootDir, c)
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			return path, true
		}
	}
	return "", false
}

// resolveGraphics probes the graphics search directories, adding the
// known extensions when the reference has none.
func (s *scanner) resolveGraphics(name string) (string, bool) {
	dirs := []string{""}
	dirs = append(dirs, s.graph.GraphicsPaths...)

	var candidates []string
	if filepath.Ext(name) != "" {
		candidates = []string{name}
	} else {
		for _, ext := range graphicsExtensions {
			candidates = append(candidates, name+ext)
		}
	}
	for _, dir := range dirs {
		for _, c := range candidates {
			path := filepath.Join(s.rootDir, dir, c)
			if info, err := os.Stat(path); err == nil && !info.IsDir() {
				return path, true
			}
		}
	}
	return "", false
}

// probeLocal records a style or class file only when it lives next to
// the document; installed packages are the distribution's business.
func (s *scanner) probeLocal(file string) {
	path := filepath.Join(s.rootDir, file)
	if info, err := os.Stat(path); err == nil && !info.IsDir() {
		s.addFile(path)
	}
}

func (s *scanner) addFile(path string) {
	if s.visited[path] {
		return
	}
	s.visited[path] = true
	s.graph.Files = append(s.graph.Files, path)
}

func (s *scanner) addMissing(name string) {
	if s.missing[name] {
		return
	}
	s.missing[name] = true
	s.graph.Missing = append(s.graph.Missing, name)
	logging.DepsDebug("unresolved reference: %s", name)
}

func (s *scanner) addDatabase(name string) {
	for _, d := range s.graph.Databases {
		if d == name {
			return
		}
	}
	s.graph.Databases = append(s.graph.Databases, name)
}

// stripComment drops everything from the first unescaped % to the end
// of the line.
func stripComment(line string) string {
	for i := 0; i < len(line); i++ {
		if line[i] == '%' && (i == 0 || line[i-1] != '\\') {
			return line[:i]
		}
	}
	return line
}
