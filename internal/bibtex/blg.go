package bibtex

import (
	"bufio"
	"io"
	"os"
	"regexp"
	"strconv"
	"strings"

	"texmill/internal/logging"
)

// Identifying errors in blg transcripts is heavily heuristic: every
// error message ends with "---line N of file F" or "---while reading
// file F". The actual error text sits before the dashes, or on the
// previous line when the dashes open the line.
var reBlgError = regexp.MustCompile(`---(line ([0-9]+) of|while reading) file (.*)`)

// BlgError is one error recovered from a blg transcript. Line is zero
// for the "while reading" form, which carries no position.
type BlgError struct {
	File string `json:"file"`
	Line int    `json:"line,omitempty"`
	Text string `json:"text"`
}

// Errors scans the blg transcript for error messages. Database names
// are mapped back to the registered full paths; the tool itself only
// logs bare names.
func (o *Orchestrator) Errors() []BlgError {
	f, err := os.Open(o.blgPath())
	if err != nil {
		return nil
	}
	defer f.Close()
	return scanBlgErrors(f, o.dbs)
}

func scanBlgErrors(r io.Reader, dbs map[string]string) []BlgError {
	var out []BlgError
	var lastLine string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := sc.Text()
		if loc := reBlgError.FindStringSubmatchIndex(line); loc != nil {
			m := reBlgError.FindStringSubmatch(line)
			var text string
			if loc[0] == 0 {
				text = strings.TrimSpace(lastLine)
			} else {
				text = strings.TrimSpace(line[:loc[0]])
			}
			n := 0
			if m[2] != "" {
				n, _ = strconv.Atoi(m[2])
			}
			out = append(out, BlgError{File: resolveDB(m[3], dbs), Line: n, Text: text})
		}
		lastLine = line
	}
	return out
}

func resolveDB(file string, dbs map[string]string) string {
	name := strings.TrimSuffix(file, ".bib")
	if full, ok := dbs[name]; ok {
		return full
	}
	if full, ok := dbs[name+".bib"]; ok {
		return full
	}
	return file
}

// blgHasErrors reports whether the transcript at path contains any
// error message.
func blgHasErrors(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if reBlgError.MatchString(sc.Text()) {
			return true
		}
	}
	return false
}

// StyleChanged reports whether the style recorded in the blg ("The
// style file: <name>.bst") differs from the one the document now uses.
func (o *Orchestrator) StyleChanged() bool {
	f, err := os.Open(o.blgPath())
	if err != nil {
		return false
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "The style file: ") {
			continue
		}
		name := strings.TrimSpace(strings.TrimPrefix(line, "The style file: "))
		name = strings.TrimSuffix(name, ".bst")
		if name != o.style {
			logging.Bib("the bibliography style was changed (%s -> %s)", name, o.style)
			return true
		}
	}
	return false
}
