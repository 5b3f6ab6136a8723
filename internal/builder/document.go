package builder

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"texmill/internal/bibtex"
	"texmill/internal/deps"
	"texmill/internal/tex"
)

// Document is one resolved LaTeX source with everything a build needs:
// the dependency closure, the bibliography orchestrator seeded from it,
// and the aux checksums the fixpoint loop stabilizes.
type Document struct {
	// SrcPath is the absolute path of the root .tex file.
	SrcPath string

	// Base is the jobname the engine compiles under.
	Base string

	// WorkDir is the directory the engine runs in.
	WorkDir string

	// OutputDir is where products and scratch files land when
	// -output-directory is in effect; empty means WorkDir.
	OutputDir string

	// Engine is the compiler binary.
	Engine string

	// Products are the final artifacts the build is expected to leave.
	Products []string

	// Graph is the scanned dependency closure.
	Graph *deps.Graph

	// Bib drives bibliography processing for this document.
	Bib *bibtex.Orchestrator

	// LastLog is the parsed transcript of the most recent engine pass,
	// recovered from disk when the build starts.
	LastLog *tex.LogInfo

	auxSums     map[string]string
	mustCompile bool
}

// AuxDir is where the engine writes aux, log and product files.
func (d *Document) AuxDir() string {
	if d.OutputDir != "" {
		return d.OutputDir
	}
	return d.WorkDir
}

// AuxPath is the document's own aux file.
func (d *Document) AuxPath() string {
	return filepath.Join(d.AuxDir(), d.Base+".aux")
}

// LogPath is the engine transcript.
func (d *Document) LogPath() string {
	return filepath.Join(d.AuxDir(), d.Base+".log")
}

// ProductPath is the primary product (the PDF, or DVI for plain latex).
func (d *Document) ProductPath() string {
	if len(d.Products) == 0 {
		return ""
	}
	return d.Products[0]
}

// HasBibliography reports whether the source declares any bibliography
// databases. Without one the bibliography tool never runs.
func (d *Document) HasBibliography() bool {
	return len(d.Graph.Databases) > 0
}

// Sources returns every file whose content determines the build output:
// the dependency closure plus resolved bibliography databases and the
// local style file when one exists.
func (d *Document) Sources() []string {
	seen := make(map[string]bool)
	var out []string
	add := func(p string) {
		if p != "" && !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	for _, f := range d.Graph.Files {
		add(f)
	}
	for _, db := range d.Bib.DatabaseFiles() {
		add(db)
	}
	add(d.Bib.StyleFile())
	sort.Strings(out)
	return out
}

// auxPaths lists the aux files whose checksums gate the fixpoint loop:
// the document's own plus one per \include part.
func (d *Document) auxPaths() []string {
	paths := []string{d.AuxPath()}
	for _, inc := range d.Graph.Includes {
		paths = append(paths, filepath.Join(d.AuxDir(), inc+".aux"))
	}
	return paths
}

func (d *Document) snapshotAux() map[string]string {
	sums := make(map[string]string)
	for _, path := range d.auxPaths() {
		sum, err := checksumFile(path)
		if err != nil {
			continue
		}
		sums[path] = sum
	}
	return sums
}

// Resolve locates the document, scans its dependency closure and seeds
// the bibliography orchestrator from what the scan found.
func (b *Builder) Resolve(srcPath string) (*Document, error) {
	abs, err := filepath.Abs(srcPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", srcPath, err)
	}
	if !strings.HasSuffix(abs, ".tex") {
		if _, serr := os.Stat(abs + ".tex"); serr == nil {
			abs += ".tex"
		}
	}
	if _, err := os.Stat(abs); err != nil {
		return nil, fmt.Errorf("document %s: %w", srcPath, err)
	}

	graph, err := deps.Scan(abs)
	if err != nil {
		return nil, err
	}

	workDir := filepath.Dir(abs)
	base := strings.TrimSuffix(filepath.Base(abs), ".tex")
	if b.cfg.Build.Jobname != "" {
		base = b.cfg.Build.Jobname
	}

	outDir := b.cfg.Build.OutputDir
	if outDir != "" && !filepath.IsAbs(outDir) {
		outDir = filepath.Join(workDir, outDir)
	}

	doc := &Document{
		SrcPath:   abs,
		Base:      base,
		WorkDir:   workDir,
		OutputDir: outDir,
		Engine:    b.cfg.Build.Engine,
		Graph:     graph,
	}
	doc.Products = []string{filepath.Join(doc.AuxDir(), base+productExt(doc.Engine))}

	o := bibtex.New(doc.AuxDir(), workDir, base)
	o.Tool = b.cfg.Bib.Tool
	o.MinCrossrefs = b.cfg.Bib.MinCrossrefs
	o.Sorted = b.cfg.Bib.SortedCites
	for _, p := range b.cfg.Bib.BibPath {
		o.AddPath(resolveAgainst(workDir, p))
	}
	for _, p := range b.cfg.Bib.BstPath {
		o.AddStylePath(resolveAgainst(workDir, p))
	}
	if graph.Style != "" {
		o.SetStyle(graph.Style)
	}
	for _, db := range graph.Databases {
		o.AddDatabase(db)
	}
	for _, inc := range graph.Includes {
		o.RegisterAux(filepath.Join(doc.AuxDir(), inc+".aux"))
	}
	doc.Bib = o

	if log, err := tex.ParseLogFile(doc.LogPath()); err == nil {
		doc.LastLog = log
	}
	doc.auxSums = doc.snapshotAux()
	return doc, nil
}

func productExt(engine string) string {
	if engine == "latex" {
		return ".dvi"
	}
	return ".pdf"
}

func resolveAgainst(dir, path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(dir, path)
}

func productsExist(doc *Document) bool {
	for _, p := range doc.Products {
		if _, err := os.Stat(p); err != nil {
			return false
		}
	}
	return len(doc.Products) > 0
}

// productsOutdated reports whether any source is newer than a product,
// or a product is missing entirely.
func productsOutdated(doc *Document) bool {
	for _, p := range doc.Products {
		info, err := os.Stat(p)
		if err != nil {
			return true
		}
		for _, src := range doc.Sources() {
			sinfo, err := os.Stat(src)
			if err != nil {
				continue
			}
			if sinfo.ModTime().After(info.ModTime()) {
				return true
			}
		}
	}
	return false
}

func checksumFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func equalSums(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}
