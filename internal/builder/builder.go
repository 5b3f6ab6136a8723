// Package builder runs the LaTeX fixpoint loop: engine passes repeat
// until the cross-reference files stop changing and the transcript stops
// asking for a rerun, with bibliography runs interleaved as the aux and
// blg state demands. The loop is bounded by the configured pass limit.
package builder

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"texmill/internal/config"
	"texmill/internal/logging"
	"texmill/internal/runner"
	"texmill/internal/state"
	"texmill/internal/tex"
)

// Builder orchestrates builds for documents under one configuration.
type Builder struct {
	cfg    *config.Config
	runner runner.Runner
	store  *state.Store
	force  bool
}

// Option configures a Builder.
type Option func(*Builder)

// WithRunner substitutes the command runner.
func WithRunner(r runner.Runner) Option {
	return func(b *Builder) { b.runner = r }
}

// WithStore attaches a build-state store. Without one, every build
// compiles and nothing is recorded.
func WithStore(s *state.Store) Option {
	return func(b *Builder) { b.store = s }
}

// WithForce disables the unchanged fast path.
func WithForce(force bool) Option {
	return func(b *Builder) { b.force = force }
}

// New creates a Builder. The default runner executes real processes
// with the configured engine timeout.
func New(cfg *config.Config, opts ...Option) *Builder {
	rc := runner.DefaultConfig()
	rc.DefaultTimeout = cfg.BuildTimeout()
	rc.MaxOutputBytes = cfg.Build.MaxLogBytes

	b := &Builder{
		cfg:    cfg,
		runner: runner.NewExecWithConfig(rc),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// BuildResult is what one build produced.
type BuildResult struct {
	RunID       string           `json:"run_id,omitempty"`
	Doc         string           `json:"doc"`
	Passes      int              `json:"passes"`
	BibTeXRuns  int              `json:"bibtex_runs"`
	Skipped     bool             `json:"skipped,omitempty"`
	Diagnostics []tex.Diagnostic `json:"diagnostics,omitempty"`
	Products    []string         `json:"products,omitempty"`
	Duration    time.Duration    `json:"duration"`
	Err         error            `json:"-"`
}

// Build compiles the document until its cross-references stabilize.
// The returned result is populated even when the build fails; the error
// mirrors result.Err in that case.
func (b *Builder) Build(ctx context.Context, srcPath string) (*BuildResult, error) {
	timer := logging.StartTimer(logging.CategoryBuild, "Build "+srcPath)
	defer timer.Stop()
	started := time.Now()

	doc, err := b.Resolve(srcPath)
	if err != nil {
		return nil, err
	}

	result := &BuildResult{
		RunID:    state.NewRunID(),
		Doc:      doc.SrcPath,
		Products: doc.Products,
	}
	rlog := logging.WithRunID(logging.CategoryBuild, result.RunID)
	logging.Audit(logging.AuditEvent{
		EventType: logging.AuditBuildStart,
		RunID:     result.RunID,
		Document:  doc.SrcPath,
	})

	// Fast path: every source checksum matches the last successful
	// build and the products are still on disk.
	if !b.force && b.store != nil && productsExist(doc) && b.store.Unchanged(doc.SrcPath, doc.Sources()) {
		logging.Build("%s is up to date", doc.Base)
		result.Skipped = true
		return b.finish(doc, result, started)
	}

	doc.mustCompile = b.force || productsOutdated(doc)
	compile := doc.mustCompile
	if doc.HasBibliography() {
		compile, err = doc.Bib.PreCompile(ctx, b.runner, doc.LastLog, doc.mustCompile)
		result.BibTeXRuns = doc.Bib.Runs()
		if err != nil {
			result.Err = err
			return b.finish(doc, result, started)
		}
	}
	if !compile && !doc.mustCompile {
		logging.Build("nothing to do for %s", doc.Base)
		result.Skipped = true
		return b.finish(doc, result, started)
	}

	if doc.OutputDir != "" {
		if err := os.MkdirAll(doc.OutputDir, 0755); err != nil {
			result.Err = fmt.Errorf("failed to create output directory: %w", err)
			return b.finish(doc, result, started)
		}
	}

	maxPasses := b.cfg.Build.MaxPasses
	if maxPasses < 1 {
		maxPasses = 1
	}
	for {
		log, res, err := b.enginePass(ctx, doc)
		if err != nil {
			result.Err = err
			break
		}
		result.Passes++
		doc.LastLog = log
		result.Diagnostics = log.Diagnostics

		newSums := doc.snapshotAux()
		auxChanged := !equalSums(doc.auxSums, newSums)
		doc.auxSums = newSums

		if res.ExitCode != 0 {
			if first := log.FirstError(); first != nil {
				result.Err = fmt.Errorf("%s failed at %s:%d: %s",
					doc.Engine, first.File, first.Line, first.Message)
			} else {
				result.Err = fmt.Errorf("%s exited with code %d", doc.Engine, res.ExitCode)
			}
			break
		}

		needBib := doc.HasBibliography() && doc.Bib.NeedsRun(log)
		if !auxChanged && !log.RerunNeeded && !needBib {
			break
		}
		if result.Passes >= maxPasses {
			// Exhausting the pass budget is a warning, not a failure.
			result.Diagnostics = append(result.Diagnostics, tex.Diagnostic{
				Severity: tex.SeverityWarning,
				File:     doc.SrcPath,
				Message:  fmt.Sprintf("cross-references still unstable after %d passes, giving up", result.Passes),
			})
			logging.BuildWarn("%s: still unstable after %d passes", doc.Base, result.Passes)
			break
		}
		if needBib {
			if err := doc.Bib.Run(ctx, b.runner); err != nil {
				result.Err = err
				break
			}
		}
		rlog.Debug("%s: pass %d did not converge (aux changed=%v rerun=%v bib=%v)",
			doc.Base, result.Passes, auxChanged, log.RerunNeeded, needBib)
	}
	result.BibTeXRuns = doc.Bib.Runs()
	return b.finish(doc, result, started)
}

// finish stamps the duration, records the run and emits the audit event.
func (b *Builder) finish(doc *Document, result *BuildResult, started time.Time) (*BuildResult, error) {
	result.Duration = time.Since(started)
	b.record(doc, result, started)

	event := logging.AuditEvent{
		EventType:  logging.AuditBuildComplete,
		RunID:      result.RunID,
		Document:   doc.SrcPath,
		Success:    result.Err == nil,
		DurationMs: result.Duration.Milliseconds(),
	}
	switch {
	case result.Err != nil:
		event.EventType = logging.AuditBuildError
		event.Error = result.Err.Error()
	case result.Skipped:
		event.EventType = logging.AuditBuildSkipped
	}
	logging.Audit(event)

	if result.Err != nil {
		logging.BuildError("%s: %v", doc.Base, result.Err)
		return result, result.Err
	}
	if !result.Skipped {
		logging.Build("built %s: %d passes, %d bibtex runs in %s",
			doc.Base, result.Passes, result.BibTeXRuns, result.Duration.Round(time.Millisecond))
	}
	return result, nil
}

func (b *Builder) record(doc *Document, result *BuildResult, started time.Time) {
	if b.store == nil {
		return
	}
	status := state.StatusSuccess
	errMsg := ""
	switch {
	case result.Err != nil:
		status = state.StatusFailed
		errMsg = result.Err.Error()
	case result.Skipped:
		status = state.StatusSkipped
	}

	run := &state.Run{
		ID:          result.RunID,
		Doc:         doc.SrcPath,
		StartedAt:   started,
		FinishedAt:  time.Now(),
		Passes:      result.Passes,
		BibTeXRuns:  result.BibTeXRuns,
		Status:      status,
		Error:       errMsg,
		Diagnostics: result.Diagnostics,
	}
	if err := b.store.RecordRun(run); err != nil {
		logging.BuildWarn("failed to record run: %v", err)
		return
	}

	if status == state.StatusSuccess {
		if err := b.store.SaveArtifacts(doc.SrcPath, doc.Sources()); err != nil {
			logging.BuildWarn("failed to save artifact checksums: %v", err)
		}
	}
	if limit := b.cfg.State.HistoryLimit; limit > 0 {
		if err := b.store.PruneHistory(doc.SrcPath, limit); err != nil {
			logging.StateDebug("failed to prune history: %v", err)
		}
	}
}

// enginePass runs the engine once and parses the transcript it left.
func (b *Builder) enginePass(ctx context.Context, doc *Document) (*tex.LogInfo, *runner.Result, error) {
	cmd := runner.Command{
		Binary:           doc.Engine,
		Arguments:        b.engineArgs(doc),
		WorkingDirectory: doc.WorkDir,
		TimeoutMs:        b.cfg.BuildTimeout().Milliseconds(),
		MaxOutputBytes:   b.cfg.Build.MaxLogBytes,
	}
	if len(b.cfg.Build.TexInputs) > 0 {
		cmd.Environment = append(cmd.Environment,
			"TEXINPUTS="+joinSearchPath(b.cfg.Build.TexInputs, "TEXINPUTS"))
	}
	logging.Engine("%s", cmd.CommandString())

	res, err := b.runner.Run(ctx, cmd)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to run %s: %w", doc.Engine, err)
	}
	if res.Killed {
		return nil, res, fmt.Errorf("%s was killed: %s", doc.Engine, res.KillReason)
	}

	log, err := tex.ParseLogFile(doc.LogPath())
	if err != nil {
		// No transcript on disk; fall back to what the process printed.
		logging.EngineWarn("no transcript at %s: %v", doc.LogPath(), err)
		log = &tex.LogInfo{}
		if parsed, perr := tex.ParseLog(strings.NewReader(res.Combined)); perr == nil {
			log = parsed
		}
	}
	return log, res, nil
}

func (b *Builder) engineArgs(doc *Document) []string {
	interaction := b.cfg.Build.Interaction
	if interaction == "" {
		interaction = "nonstopmode"
	}
	args := []string{"-interaction=" + interaction}
	if b.cfg.Build.SyncTeX {
		args = append(args, "-synctex=1")
	}
	if doc.OutputDir != "" {
		args = append(args, "-output-directory="+doc.OutputDir)
	}
	if b.cfg.Build.Jobname != "" {
		args = append(args, "-jobname="+b.cfg.Build.Jobname)
	}
	return append(args, filepath.Base(doc.SrcPath))
}

// joinSearchPath joins directories into a kpathsea search list with the
// inherited value appended, so the distribution defaults stay reachable.
func joinSearchPath(paths []string, envVar string) string {
	all := append(append([]string{}, paths...), os.Getenv(envVar))
	return strings.Join(all, string(os.PathListSeparator))
}

// Suffixes removed by Clean. The bibliography orchestrator contributes
// .bbl and .blg itself.
var cleanSuffixes = []string{
	".aux", ".log", ".toc", ".lof", ".lot", ".out",
	".nav", ".snm", ".vrb", ".fls", ".fdb_latexmk", ".synctex.gz",
}

var productSuffixes = []string{".pdf", ".dvi", ".ps"}

// Clean removes generated files for the document and returns what was
// removed. Products survive unless keepProducts is false. The state
// database is never touched.
func (b *Builder) Clean(ctx context.Context, srcPath string, keepProducts bool) ([]string, error) {
	doc, err := b.Resolve(srcPath)
	if err != nil {
		return nil, err
	}

	var removed []string
	dirs := []string{doc.AuxDir()}
	if doc.AuxDir() != doc.WorkDir {
		dirs = append(dirs, doc.WorkDir)
	}
	for _, dir := range dirs {
		for _, suffix := range cleanSuffixes {
			removed = removeFile(filepath.Join(dir, doc.Base+suffix), removed)
		}
		if !keepProducts {
			for _, suffix := range productSuffixes {
				removed = removeFile(filepath.Join(dir, doc.Base+suffix), removed)
			}
		}
	}
	for _, inc := range doc.Graph.Includes {
		removed = removeFile(filepath.Join(doc.AuxDir(), inc+".aux"), removed)
	}
	removed = append(removed, doc.Bib.Clean()...)
	sort.Strings(removed)

	logging.Build("cleaned %d files for %s", len(removed), doc.Base)
	logging.Audit(logging.AuditEvent{
		EventType: logging.AuditClean,
		Document:  doc.SrcPath,
		Success:   true,
		Message:   fmt.Sprintf("%d files removed", len(removed)),
	})
	return removed, nil
}

func removeFile(path string, removed []string) []string {
	if err := os.Remove(path); err == nil {
		logging.BuildDebug("removed %s", path)
		return append(removed, path)
	}
	return removed
}
