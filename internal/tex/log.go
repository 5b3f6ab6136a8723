// Package tex parses LaTeX transcript logs: the .log file an engine
// writes while compiling. The parser recovers errors with their source
// positions, warnings, bad boxes, rerun requests and the output
// summary, tolerating TeX's 79-column line wrapping and the nested
// parenthesis notation the engine uses to announce file opens.
package tex

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"
)

// Severity classifies a diagnostic pulled from a transcript.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
	SeverityBox     Severity = "box"
	SeverityInfo    Severity = "info"
)

// Diagnostic is a single issue reported by the engine, attributed to
// the file open at the point it appeared in the transcript.
type Diagnostic struct {
	Severity Severity `json:"severity"`
	File     string   `json:"file,omitempty"`
	Line     int      `json:"line,omitempty"`
	Message  string   `json:"message"`
}

// LogInfo is everything texmill extracts from one engine transcript.
type LogInfo struct {
	Diagnostics         []Diagnostic `json:"diagnostics,omitempty"`
	RerunNeeded         bool         `json:"rerun_needed"`
	UndefinedCitations  bool         `json:"undefined_citations"`
	UndefinedReferences bool         `json:"undefined_references"`
	MissingFiles        []string     `json:"missing_files,omitempty"`
	Pages               int          `json:"pages,omitempty"`
	OutputWritten       string       `json:"output_written,omitempty"`
}

// HasErrors reports whether any error-severity diagnostic was found.
func (li *LogInfo) HasErrors() bool {
	for _, d := range li.Diagnostics {
		if d.Severity == SeverityError {
			return true
		}
	}
	return false
}

// FirstError returns the first error diagnostic, or nil.
func (li *LogInfo) FirstError() *Diagnostic {
	for i := range li.Diagnostics {
		if li.Diagnostics[i].Severity == SeverityError {
			return &li.Diagnostics[i]
		}
	}
	return nil
}

// Warnings returns the warning-severity diagnostics.
func (li *LogInfo) Warnings() []Diagnostic {
	var out []Diagnostic
	for _, d := range li.Diagnostics {
		if d.Severity == SeverityWarning {
			out = append(out, d)
		}
	}
	return out
}

// TeX wraps transcript lines at this many characters; a physical line
// of exactly this length continues on the next one.
const wrapColumn = 79

var (
	reErrorLine    = regexp.MustCompile(`^l\.(\d+)`)
	reLatexWarn    = regexp.MustCompile(`^LaTeX Warning: (.*)$`)
	reFontWarn     = regexp.MustCompile(`^LaTeX Font Warning: (.*)$`)
	rePackageWarn  = regexp.MustCompile(`^Package (\S+) Warning: (.*)$`)
	rePackageCont  = regexp.MustCompile(`^\(([\w.-]+)\) +(.*)$`)
	reInputLine    = regexp.MustCompile(`on input line (\d+)`)
	reBadBox       = regexp.MustCompile(`^(Overfull|Underfull) \\[hv]box `)
	reBoxLine      = regexp.MustCompile(`at lines? (\d+)`)
	reRerun        = regexp.MustCompile(`Rerun to get|Please \(?re\)?run`)
	reUndefCite    = regexp.MustCompile("Citation `.*' .*undefined")
	reUndefRefs    = regexp.MustCompile(`There were undefined references`)
	reNoFile       = regexp.MustCompile(`^No file (\S+)\.\s*$`)
	reFileNotFound = regexp.MustCompile("File `([^']+)' not found")
	reOutput       = regexp.MustCompile(`^Output written on (.+) \((\d+) pages?`)
)

// ParseLogFile parses the transcript at path.
func ParseLogFile(path string) (*LogInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open transcript: %w", err)
	}
	defer f.Close()
	return ParseLog(f)
}

// ParseLog parses an engine transcript. Malformed logs never produce
// an error, only fewer diagnostics; the returned error reflects read
// failures alone.
func ParseLog(r io.Reader) (*LogInfo, error) {
	lines, err := readWrappedLines(r)
	if err != nil {
		return nil, err
	}

	p := &parser{info: &LogInfo{}}
	for i := 0; i < len(lines); i++ {
		line := lines[i]

		// Inside an error report: everything until the l.<N> position
		// marker is engine help text and is not scanned for parens.
		if p.pendingErr != "" {
			if m := reErrorLine.FindStringSubmatch(line); m != nil {
				n, _ := strconv.Atoi(m[1])
				p.flushError(n)
				continue
			}
			if strings.HasPrefix(line, "<*>") {
				p.flushError(0)
				continue
			}
			if strings.HasPrefix(line, "! ") {
				p.flushError(0)
				p.pendingErr = strings.TrimSpace(line[2:])
			}
			continue
		}

		if strings.HasPrefix(line, "! ") {
			p.pendingErr = strings.TrimSpace(line[2:])
			continue
		}

		if m := reLatexWarn.FindStringSubmatch(line); m != nil {
			text := m[1]
			for i+1 < len(lines) && isWarningCont(lines[i+1]) {
				i++
				text += " " + strings.TrimSpace(lines[i])
			}
			p.noteWarning(text)
			p.add(SeverityWarning, p.currentFile(), inputLine(text), text)
			continue
		}

		if m := reFontWarn.FindStringSubmatch(line); m != nil {
			text := m[1]
			for i+1 < len(lines) && strings.HasPrefix(lines[i+1], "(Font)") {
				i++
				text += " " + strings.TrimSpace(strings.TrimPrefix(lines[i], "(Font)"))
			}
			p.add(SeverityWarning, p.currentFile(), inputLine(text), "Font: "+text)
			continue
		}

		if m := rePackageWarn.FindStringSubmatch(line); m != nil {
			pkg, text := m[1], m[2]
			for i+1 < len(lines) {
				c := rePackageCont.FindStringSubmatch(lines[i+1])
				if c == nil || c[1] != pkg {
					break
				}
				i++
				text += " " + c[2]
			}
			p.noteWarning(text)
			p.add(SeverityWarning, p.currentFile(), inputLine(text), "Package "+pkg+": "+text)
			continue
		}

		if reBadBox.MatchString(line) {
			n := 0
			if m := reBoxLine.FindStringSubmatch(line); m != nil {
				n, _ = strconv.Atoi(m[1])
			}
			p.add(SeverityBox, p.currentFile(), n, line)
			// The box dump that follows runs to the next blank line and
			// can contain anything, parens included.
			for i+1 < len(lines) && lines[i+1] != "" {
				i++
			}
			continue
		}

		if m := reNoFile.FindStringSubmatch(line); m != nil {
			p.info.MissingFiles = append(p.info.MissingFiles, m[1])
			p.add(SeverityInfo, p.currentFile(), 0, line)
			continue
		}

		if m := reOutput.FindStringSubmatch(line); m != nil {
			p.info.OutputWritten = strings.Trim(m[1], `"`)
			p.info.Pages, _ = strconv.Atoi(m[2])
			continue
		}

		if reRerun.MatchString(line) {
			p.info.RerunNeeded = true
		}

		p.updateFileStack(line)
	}
	if p.pendingErr != "" {
		p.flushError(0)
	}
	return p.info, nil
}

type parser struct {
	info       *LogInfo
	stack      []string
	pendingErr string
}

func (p *parser) add(sev Severity, file string, line int, msg string) {
	p.info.Diagnostics = append(p.info.Diagnostics, Diagnostic{
		Severity: sev,
		File:     sanitize(file),
		Line:     line,
		Message:  sanitize(msg),
	})
}

func (p *parser) flushError(line int) {
	p.add(SeverityError, p.currentFile(), line, p.pendingErr)
	p.pendingErr = ""
}

// noteWarning updates the flag fields a warning's text implies.
func (p *parser) noteWarning(text string) {
	if reRerun.MatchString(text) {
		p.info.RerunNeeded = true
	}
	if reUndefCite.MatchString(text) {
		p.info.UndefinedCitations = true
	}
	if reUndefRefs.MatchString(text) {
		p.info.UndefinedReferences = true
	}
	if m := reFileNotFound.FindStringSubmatch(text); m != nil {
		p.info.MissingFiles = append(p.info.MissingFiles, m[1])
	}
}

// updateFileStack tracks which input file the engine currently has
// open: "(" followed by a path pushes, ")" pops. A stray ")" on an
// empty stack is ignored.
func (p *parser) updateFileStack(line string) {
	for i := 0; i < len(line); i++ {
		switch line[i] {
		case '(':
			j := i + 1
			for j < len(line) && !stackDelim(line[j]) {
				j++
			}
			p.stack = append(p.stack, line[i+1:j])
			i = j - 1
		case ')':
			if n := len(p.stack); n > 0 {
				p.stack = p.stack[:n-1]
			}
		}
	}
}

func (p *parser) currentFile() string {
	for i := len(p.stack) - 1; i >= 0; i-- {
		if p.stack[i] != "" {
			return p.stack[i]
		}
	}
	return ""
}

func stackDelim(c byte) bool {
	switch c {
	case ' ', '\t', '(', ')', '{', '}':
		return true
	}
	return false
}

func isWarningCont(line string) bool {
	return strings.HasPrefix(line, "    ") && strings.TrimSpace(line) != ""
}

func inputLine(text string) int {
	if m := reInputLine.FindStringSubmatch(text); m != nil {
		n, _ := strconv.Atoi(m[1])
		return n
	}
	if m := reBoxLine.FindStringSubmatch(text); m != nil {
		n, _ := strconv.Atoi(m[1])
		return n
	}
	return 0
}

// readWrappedLines reads the transcript and rejoins lines the engine
// wrapped at wrapColumn characters.
func readWrappedLines(r io.Reader) ([]string, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	var raw []string
	for sc.Scan() {
		raw = append(raw, strings.TrimRight(sc.Text(), "\r"))
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("failed to read transcript: %w", err)
	}

	joined := make([]string, 0, len(raw))
	for i := 0; i < len(raw); i++ {
		line := raw[i]
		for len(raw[i]) == wrapColumn && i+1 < len(raw) {
			i++
			line += raw[i]
		}
		joined = append(joined, line)
	}
	return joined, nil
}

// sanitize replaces invalid UTF-8 so diagnostics stay printable; engine
// logs occasionally carry raw bytes from the source encoding.
func sanitize(s string) string {
	if utf8.ValidString(s) {
		return s
	}
	return strings.ToValidUTF8(s, string(utf8.RuneError))
}
