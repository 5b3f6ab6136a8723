package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"texmill/internal/builder"
	"texmill/internal/report"
	"texmill/internal/watch"
)

var watchCmd = &cobra.Command{
	Use:   "watch [file]",
	Short: "Build, then rebuild whenever a source changes",
	Long: `Builds the document, then watches its dependency closure and
rebuilds when a source file settles after a change. New \input files and
bibliography databases are picked up as they appear. Ctrl-C stops.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runWatch,
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	file := "paper.tex"
	if len(args) > 0 {
		file = args[0]
	}

	st := openStore()
	if st != nil {
		defer st.Close()
	}
	b := newBuilder(st, false)

	// Initial build. Failures are reported but do not stop the watch;
	// the next save gets another chance.
	res, err := b.Build(ctx, file)
	if res == nil {
		return err
	}
	report.Render(os.Stderr, reportable(res.Diagnostics))
	fmt.Println(report.Summary(res))

	w, err := watch.New(b, file, cfg)
	if err != nil {
		return err
	}
	w.OnBuild = func(res *builder.BuildResult, err error) {
		switch {
		case res != nil:
			report.Render(os.Stderr, reportable(res.Diagnostics))
			fmt.Println(report.Summary(res))
		case err != nil:
			logger.Warn("rebuild failed", zap.Error(err))
		}
	}
	if err := w.Start(ctx); err != nil {
		return err
	}
	logger.Debug("watching directories", zap.Strings("dirs", w.WatchedDirs()))
	fmt.Printf("watching %s (Ctrl-C stops)\n", file)

	<-ctx.Done()
	w.Stop()

	stats := w.GetStats()
	fmt.Printf("\nstopped after %d events, %d rebuilds\n", stats.EventsSeen, stats.BuildsTriggered)
	return nil
}
