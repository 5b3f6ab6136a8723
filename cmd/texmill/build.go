package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"texmill/internal/builder"
	"texmill/internal/logging"
	"texmill/internal/report"
	"texmill/internal/state"
	"texmill/internal/tex"
)

// maxConcurrentBuilds bounds parallel engine runs when several documents
// are named on the command line.
const maxConcurrentBuilds = 4

var (
	buildEngine    string
	buildMaxPasses int
	buildForce     bool
	buildOutputDir string
)

var buildCmd = &cobra.Command{
	Use:   "build [files...]",
	Short: "Compile documents until cross-references stabilize",
	Long: `Runs the engine as many times as each document needs, bounded by
build.max_passes, interleaving bibtex when the citation state calls for
it. Documents whose sources are unchanged since the last successful
build are skipped; --force builds them anyway.

With no arguments, builds paper.tex.`,
	RunE: runBuild,
}

func init() {
	buildCmd.Flags().StringVar(&buildEngine, "engine", "", "Override the configured LaTeX engine")
	buildCmd.Flags().IntVar(&buildMaxPasses, "max-passes", 0, "Override the engine pass bound")
	buildCmd.Flags().BoolVar(&buildForce, "force", false, "Rebuild even when sources are unchanged")
	buildCmd.Flags().StringVar(&buildOutputDir, "output-dir", "", "Directory for generated files and products")
}

func runBuild(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	applyBuildFlags()
	if err := cfg.Validate(); err != nil {
		return err
	}

	files := args
	if len(files) == 0 {
		files = []string{"paper.tex"}
	}
	logger.Debug("building documents",
		zap.Strings("files", files),
		zap.String("engine", cfg.Build.Engine),
		zap.Bool("force", buildForce))

	st := openStore()
	if st != nil {
		defer st.Close()
	}
	b := newBuilder(st, buildForce)

	results := make([]*builder.BuildResult, len(files))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentBuilds)
	for i, f := range files {
		i, f := i, f
		g.Go(func() error {
			res, err := b.Build(gctx, f)
			results[i] = res
			return err
		})
	}
	buildErr := g.Wait()

	for _, res := range results {
		if res == nil {
			continue
		}
		report.Render(os.Stderr, reportable(res.Diagnostics))
		fmt.Println(report.Summary(res))
	}
	return buildErr
}

// applyBuildFlags folds command-line overrides into the loaded config.
func applyBuildFlags() {
	if buildEngine != "" {
		cfg.Build.Engine = buildEngine
	}
	if buildMaxPasses > 0 {
		cfg.Build.MaxPasses = buildMaxPasses
	}
	if buildOutputDir != "" {
		cfg.Build.OutputDir = buildOutputDir
	}
}

// openStore opens the build-state database, or returns nil when it cannot
// be opened. Builds still work without it, they just never skip.
func openStore() *state.Store {
	st, err := state.Open(cfg.DatabasePath(workspace))
	if err != nil {
		logger.Warn("build state unavailable, builds will not skip", zap.Error(err))
		logging.State("Store unavailable: %v", err)
		return nil
	}
	return st
}

func newBuilder(st *state.Store, force bool) *builder.Builder {
	var opts []builder.Option
	if st != nil {
		opts = append(opts, builder.WithStore(st))
	}
	if force {
		opts = append(opts, builder.WithForce(true))
	}
	return builder.New(cfg, opts...)
}

// reportable drops info-severity transcript lines; they stay in the logs
// but would drown the terminal.
func reportable(diags []tex.Diagnostic) []tex.Diagnostic {
	out := make([]tex.Diagnostic, 0, len(diags))
	for _, d := range diags {
		if d.Severity != tex.SeverityInfo {
			out = append(out, d)
		}
	}
	return out
}
