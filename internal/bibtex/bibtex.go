// Package bibtex decides when the bibliography tool must run and runs
// it. The decisions follow the aux/blg contract: citations and database
// declarations are read from the aux files the engine writes, results
// and errors from the blg transcript the bibliography tool writes.
package bibtex

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"texmill/internal/logging"
	"texmill/internal/runner"
	"texmill/internal/tex"
)

var (
	reBibdata  = regexp.MustCompile(`^\\bibdata\{(.*)\}`)
	reCitation = regexp.MustCompile(`^\\citation\{(.*)\}`)
	reUndef    = regexp.MustCompile("^Citation `(.*)' .*undefined")
)

// Orchestrator tracks one document's bibliography state across engine
// passes: which databases and style it uses, which citations the aux
// files carry, and which of them the engine reported undefined.
type Orchestrator struct {
	// WorkDir is where the engine runs and where aux, bbl and blg land.
	WorkDir string

	// Base is the jobname the bibliography tool is invoked with,
	// relative to WorkDir.
	Base string

	// DocBase names the document's own aux and log files. It equals
	// Base unless a separate aux base was configured.
	DocBase string

	// Tool is the bibliography binary ("bibtex" or "biber").
	Tool string

	// MinCrossrefs is passed to bibtex as --min-crossrefs.
	MinCrossrefs int

	// Sorted controls whether ParseAux returns citations sorted by key
	// or in order of first appearance.
	Sorted bool

	// BibPath and BstPath are the search paths for databases and
	// styles. Entries added here come before anything inherited from
	// the environment.
	BibPath []string
	BstPath []string

	style    string
	bstFile  string
	dbs      map[string]string
	auxFiles []string

	usedCites  []string
	undefCites []string
	prevDBs    []string
	prevLoaded bool
	runNeeded  bool
	runs       int
}

// New creates an orchestrator for the document with the given jobname.
// srcDir is added to the database search path when it differs from the
// working directory.
func New(workDir, srcDir, base string) *Orchestrator {
	o := &Orchestrator{
		WorkDir:      workDir,
		Base:         base,
		DocBase:      base,
		Tool:         "bibtex",
		MinCrossrefs: 100,
		Sorted:       true,
		BibPath:      []string{workDir},
		BstPath:      []string{workDir},
		dbs:          make(map[string]string),
	}
	if srcDir != "" && srcDir != workDir {
		o.BibPath = append(o.BibPath, srcDir)
	}
	o.auxFiles = []string{o.docAuxPath()}
	o.SetStyle("plain")
	return o
}

// AddPath appends a directory to the database search path.
func (o *Orchestrator) AddPath(dir string) {
	o.BibPath = append(o.BibPath, dir)
}

// AddStylePath appends a directory to the style search path.
func (o *Orchestrator) AddStylePath(dir string) {
	o.BstPath = append(o.BstPath, dir)
}

// AddDatabase registers a bibliography database by name, probing the
// search path for <name>.bib. A miss is not fatal: the tool itself will
// complain authoritatively if the database really is absent.
func (o *Orchestrator) AddDatabase(name string) (string, bool) {
	for _, dir := range o.BibPath {
		bib := filepath.Join(dir, name+".bib")
		if exists(bib) {
			o.dbs[name] = bib
			logging.BibDebug("registered database %s", bib)
			return bib, true
		}
	}
	logging.BibWarn("database %s not found on the search path", name)
	return "", false
}

// SetStyle records the bibliography style and resolves its .bst file
// against the style search path when present locally.
func (o *Orchestrator) SetStyle(style string) {
	o.style = style
	o.bstFile = ""
	for _, dir := range o.BstPath {
		bst := filepath.Join(dir, style+".bst")
		if exists(bst) {
			o.bstFile = bst
			logging.BibDebug("using bibliography style %s", bst)
			return
		}
	}
}

// RegisterAux adds an aux file to the set scanned for citations; parts
// pulled in via \include write their own.
func (o *Orchestrator) RegisterAux(path string) {
	for _, p := range o.auxFiles {
		if p == path {
			return
		}
	}
	o.auxFiles = append(o.auxFiles, path)
}

// Style returns the current bibliography style name.
func (o *Orchestrator) Style() string { return o.style }

// StyleFile returns the resolved .bst path, or "" when the style is
// not a local file.
func (o *Orchestrator) StyleFile() string { return o.bstFile }

// DatabaseFiles returns the resolved database paths, sorted.
func (o *Orchestrator) DatabaseFiles() []string {
	out := make([]string, 0, len(o.dbs))
	for _, path := range o.dbs {
		out = append(out, path)
	}
	sort.Strings(out)
	return out
}

// ParseAux scans the registered aux files and returns the citations
// and the databases they declare. Citations are numbered by first
// appearance and returned sorted by key when Sorted is set, otherwise
// in appearance order. Database lists are split on commas and sorted.
func (o *Orchestrator) ParseAux() (cites, dbs []string, err error) {
	order := make(map[string]int)
	next := 0
	for _, auxName := range o.auxFiles {
		if err := o.parseOneAux(auxName, order, &next, &dbs); err != nil {
			return nil, nil, err
		}
	}
	sort.Strings(dbs)

	cites = make([]string, 0, len(order))
	for c := range order {
		cites = append(cites, c)
	}
	if o.Sorted {
		sort.Strings(cites)
	} else {
		sort.Slice(cites, func(i, j int) bool { return order[cites[i]] < order[cites[j]] })
	}
	return cites, dbs, nil
}

func (o *Orchestrator) parseOneAux(name string, order map[string]int, next *int, dbs *[]string) error {
	f, err := os.Open(name)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read aux file %s: %w", name, err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		if m := reCitation.FindStringSubmatch(line); m != nil {
			if _, seen := order[m[1]]; !seen {
				order[m[1]] = *next
				*next++
			}
			continue
		}
		if m := reBibdata.FindStringSubmatch(line); m != nil {
			*dbs = append(*dbs, strings.Split(m[1], ",")...)
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("failed to scan aux file %s: %w", name, err)
	}
	return nil
}

// ListUndef extracts the undefined citation keys from an engine
// transcript, unique and sorted.
func (o *Orchestrator) ListUndef(log *tex.LogInfo) []string {
	if log == nil {
		return nil
	}
	set := make(map[string]struct{})
	for _, d := range log.Diagnostics {
		if d.Severity != tex.SeverityWarning {
			continue
		}
		if m := reUndef.FindStringSubmatch(d.Message); m != nil {
			set[m[1]] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// PreCompile runs before the first engine pass of a build. It loads
// the citation state from a previous run's aux files, decides whether
// the bibliography must be rebuilt up front, and runs the tool when
// the engine itself is not already scheduled (mustCompile false). The
// return value reports whether an engine pass is needed afterwards.
func (o *Orchestrator) PreCompile(ctx context.Context, r runner.Runner, lastLog *tex.LogInfo, mustCompile bool) (bool, error) {
	if exists(o.docAuxPath()) {
		cites, dbs, err := o.ParseAux()
		if err != nil {
			logging.BibWarn("failed to parse aux files: %v", err)
		} else {
			o.usedCites = cites
			o.prevDBs = dbs
			o.prevLoaded = true
		}
	} else {
		o.prevDBs = nil
		o.prevLoaded = false
	}
	if lastLog != nil {
		o.undefCites = o.ListUndef(lastLog)
	}

	o.runNeeded = o.firstRunNeeded()
	if mustCompile {
		// An engine pass is already scheduled; the bibliography can
		// wait for the aux files it will rewrite.
		return true, nil
	}
	if o.runNeeded {
		if err := o.Run(ctx, r); err != nil {
			return false, err
		}
		return true, nil
	}

	// A bbl fresher than the engine transcript means the bibliography
	// was rebuilt outside of texmill; the document must pick it up.
	bblInfo, err := os.Stat(o.bblPath())
	if err != nil {
		return false, nil
	}
	logStat, err := os.Stat(o.docLogPath())
	if err != nil {
		return false, nil
	}
	if bblInfo.ModTime().After(logStat.ModTime()) {
		logging.Bib("bbl is newer than the engine transcript, recompilation needed")
		return true, nil
	}
	return false, nil
}

// firstRunNeeded decides whether the bibliography must be rebuilt
// before any engine pass: the last run failed, a database or the style
// file changed since the blg was written, or the style itself differs
// from the one recorded there.
func (o *Orchestrator) firstRunNeeded() bool {
	if !exists(o.auxPath()) {
		return false
	}
	blgInfo, err := os.Stat(o.blgPath())
	if err != nil {
		return true
	}
	dtime := blgInfo.ModTime()

	for _, db := range o.dbs {
		if info, err := os.Stat(db); err == nil && info.ModTime().After(dtime) {
			logging.Bib("bibliography database %s was modified", db)
			return true
		}
	}
	if blgHasErrors(o.blgPath()) {
		logging.Bib("last bibliography run failed")
		return true
	}
	if o.StyleChanged() {
		return true
	}
	if o.bstFile != "" {
		if info, err := os.Stat(o.bstFile); err == nil && info.ModTime().After(dtime) {
			logging.Bib("the bibliography style file was modified")
			return true
		}
	}
	return false
}

// NeedsRun decides after an engine pass whether the bibliography tool
// must run to resolve citations. Undefined citations that persist
// unchanged do not trigger a run: rebuilding the bibliography cannot
// define them.
func (o *Orchestrator) NeedsRun(log *tex.LogInfo) bool {
	if o.runNeeded {
		return true
	}
	logging.BibDebug("checking if %s must be run", o.Tool)

	newCites, dbs, err := o.ParseAux()
	if err != nil {
		logging.BibWarn("failed to parse aux files: %v", err)
		return false
	}

	if o.prevLoaded && !equalStrings(o.prevDBs, dbs) {
		logging.Bib("the set of databases changed")
		o.prevDBs = dbs
		o.usedCites = newCites
		o.undefCites = o.ListUndef(log)
		return true
	}
	o.prevDBs = dbs
	o.prevLoaded = true

	if len(o.usedCites) > 0 && !equalStrings(newCites, o.usedCites) {
		logging.Bib("the list of citations changed")
		o.usedCites = newCites
		o.undefCites = o.ListUndef(log)
		return true
	}
	o.usedCites = newCites

	if len(o.undefCites) > 0 {
		newUndef := o.ListUndef(log)
		if len(newUndef) == 0 {
			logging.BibDebug("no more undefined citations")
			o.undefCites = newUndef
		} else {
			for _, cite := range newUndef {
				if !containsString(o.undefCites, cite) {
					logging.Bib("there are new undefined citations")
					o.undefCites = newUndef
					return true
				}
			}
			logging.BibDebug("no new undefined citations")
			o.undefCites = newUndef
			return false
		}
	} else {
		o.undefCites = o.ListUndef(log)
	}

	if !exists(o.blgPath()) {
		logging.Bib("no bibliography transcript yet")
		return true
	}
	if len(o.undefCites) == 0 {
		return false
	}

	blgInfo, err1 := os.Stat(o.blgPath())
	logStat, err2 := os.Stat(o.docLogPath())
	if err1 == nil && err2 == nil && blgInfo.ModTime().Before(logStat.ModTime()) {
		logging.Bib("bibliography transcript is older than the engine log")
		return true
	}
	return false
}

// Run invokes the bibliography tool on the document's base name. The
// configured search paths are exported through BIBINPUTS/BSTINPUTS
// only when they extend beyond the working directory, with the
// inherited value appended so the default search path survives.
func (o *Orchestrator) Run(ctx context.Context, r runner.Runner) error {
	logging.Bib("running %s on %s", o.Tool, o.Base)

	var env []string
	if len(o.BibPath) > 1 {
		env = append(env, "BIBINPUTS="+joinWithInherited(o.BibPath, "BIBINPUTS"))
	}
	if len(o.BstPath) > 1 {
		env = append(env, "BSTINPUTS="+joinWithInherited(o.BstPath, "BSTINPUTS"))
	}

	res, err := r.Run(ctx, runner.Command{
		Binary:           o.Tool,
		Arguments:        o.arguments(),
		WorkingDirectory: o.WorkDir,
		Environment:      env,
	})
	if err != nil {
		return fmt.Errorf("failed to run %s: %w", o.Tool, err)
	}
	if res.Killed {
		return fmt.Errorf("%s was killed: %s", o.Tool, res.KillReason)
	}
	if res.ExitCode != 0 {
		for _, e := range o.Errors() {
			logging.BibError("%s:%d: %s", e.File, e.Line, e.Text)
		}
		return fmt.Errorf("there were errors making the bibliography (%s exited %d)", o.Tool, res.ExitCode)
	}
	o.runNeeded = false
	o.runs++
	return nil
}

// Runs reports how many times the tool ran successfully for this build.
func (o *Orchestrator) Runs() int { return o.runs }

func (o *Orchestrator) arguments() []string {
	if o.Tool == "biber" {
		// biber reads its options from the .bcf the engine writes.
		return []string{o.Base}
	}
	return []string{fmt.Sprintf("--min-crossrefs=%d", o.MinCrossrefs), o.Base}
}

// Clean removes the bibliography products and returns what was removed.
func (o *Orchestrator) Clean() []string {
	var removed []string
	for _, suffix := range []string{".bbl", ".blg"} {
		path := filepath.Join(o.WorkDir, o.Base+suffix)
		if err := os.Remove(path); err == nil {
			removed = append(removed, path)
		}
	}
	return removed
}

func (o *Orchestrator) auxPath() string { return filepath.Join(o.WorkDir, o.Base+".aux") }
func (o *Orchestrator) bblPath() string { return filepath.Join(o.WorkDir, o.Base+".bbl") }
func (o *Orchestrator) blgPath() string { return filepath.Join(o.WorkDir, o.Base+".blg") }

func (o *Orchestrator) docAuxPath() string { return filepath.Join(o.WorkDir, o.DocBase+".aux") }
func (o *Orchestrator) docLogPath() string { return filepath.Join(o.WorkDir, o.DocBase+".log") }

func joinWithInherited(paths []string, envVar string) string {
	all := append(append([]string{}, paths...), os.Getenv(envVar))
	return strings.Join(all, string(os.PathListSeparator))
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
