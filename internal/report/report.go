// Package report renders build results and engine diagnostics for the
// terminal. Styling degrades automatically on dumb terminals and under
// NO_COLOR via lipgloss's profile detection.
package report

import (
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"texmill/internal/builder"
	"texmill/internal/deps"
	"texmill/internal/logging"
	"texmill/internal/tex"
)

// Semantic colors shared across styles.
var (
	errorColor   = lipgloss.Color("#e53935")
	warningColor = lipgloss.Color("#FFC107")
	successColor = lipgloss.Color("#8BC34A")
)

// Styles holds the styled components for diagnostic output.
type Styles struct {
	Error   lipgloss.Style
	Warning lipgloss.Style
	Box     lipgloss.Style
	Info    lipgloss.Style
	Success lipgloss.Style
	Header  lipgloss.Style
	Muted   lipgloss.Style
}

// NewStyles creates the diagnostic styles.
func NewStyles() Styles {
	return Styles{
		Error:   lipgloss.NewStyle().Foreground(errorColor).Bold(true),
		Warning: lipgloss.NewStyle().Foreground(warningColor),
		Box:     lipgloss.NewStyle().Faint(true),
		Info:    lipgloss.NewStyle(),
		Success: lipgloss.NewStyle().Foreground(successColor).Bold(true),
		Header:  lipgloss.NewStyle().Bold(true),
		Muted:   lipgloss.NewStyle().Faint(true),
	}
}

var styles = NewStyles()

// Render prints diagnostics grouped by file, one `file:line: message`
// per line, in transcript order within each group.
func Render(w io.Writer, diags []tex.Diagnostic) {
	if len(diags) == 0 {
		return
	}

	order := make([]string, 0, 4)
	groups := make(map[string][]tex.Diagnostic)
	for _, d := range diags {
		if _, ok := groups[d.File]; !ok {
			order = append(order, d.File)
		}
		groups[d.File] = append(groups[d.File], d)
	}

	for _, file := range order {
		for _, d := range groups[file] {
			fmt.Fprintln(w, styles.diagnostic(d))
		}
	}
	logging.ReportDebug("Rendered %d diagnostics in %d file groups", len(diags), len(order))
}

func (s Styles) diagnostic(d tex.Diagnostic) string {
	var loc string
	switch {
	case d.File != "" && d.Line > 0:
		loc = fmt.Sprintf("%s:%d: ", d.File, d.Line)
	case d.File != "":
		loc = d.File + ": "
	}

	line := loc + d.Message
	switch d.Severity {
	case tex.SeverityError:
		return s.Error.Render(line)
	case tex.SeverityWarning:
		return s.Warning.Render(line)
	case tex.SeverityBox:
		return s.Box.Render(line)
	default:
		return s.Info.Render(line)
	}
}

// Summary describes one build outcome in a single line.
func Summary(res *builder.BuildResult) string {
	product := res.Doc
	if len(res.Products) > 0 {
		product = filepath.Base(res.Products[0])
	}

	switch {
	case res.Err != nil:
		return styles.Error.Render(fmt.Sprintf("%s: build failed: %v", filepath.Base(res.Doc), res.Err))
	case res.Skipped:
		return styles.Muted.Render(fmt.Sprintf("%s is up to date", product))
	default:
		line := fmt.Sprintf("built %s in %s (%s", product,
			res.Duration.Round(10*time.Millisecond), plural(res.Passes, "pass", "passes"))
		if res.BibTeXRuns > 0 {
			line += ", " + plural(res.BibTeXRuns, "bibtex run", "bibtex runs")
		}
		line += ")"
		return styles.Success.Render(line)
	}
}

// RenderDeps prints the dependency closure of a document: every file the
// scanner reached, then any references it could not resolve.
func RenderDeps(w io.Writer, g *deps.Graph) {
	if g == nil || len(g.Files) == 0 {
		return
	}

	// Paths print relative to the root document's directory when possible.
	base := filepath.Dir(g.Files[0])

	fmt.Fprintln(w, styles.Header.Render("dependencies:"))
	for _, f := range g.Files {
		fmt.Fprintf(w, "  %s\n", displayPath(base, f))
	}
	for _, db := range g.Databases {
		fmt.Fprintf(w, "  %s.bib\n", db)
	}

	if len(g.Missing) > 0 {
		fmt.Fprintln(w, styles.Header.Render("unresolved:"))
		for _, m := range g.Missing {
			fmt.Fprintln(w, styles.Warning.Render("  "+m))
		}
	}
}

// RenderUndefined prints unresolved citation keys, one per line.
func RenderUndefined(w io.Writer, keys []string) {
	if len(keys) == 0 {
		return
	}
	fmt.Fprintln(w, styles.Header.Render("undefined citations:"))
	for _, k := range keys {
		fmt.Fprintln(w, styles.Warning.Render("  "+k))
	}
}

func displayPath(base, path string) string {
	rel, err := filepath.Rel(base, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return path
	}
	return rel
}

func plural(n int, one, many string) string {
	if n == 1 {
		return fmt.Sprintf("%d %s", n, one)
	}
	return fmt.Sprintf("%d %s", n, many)
}
