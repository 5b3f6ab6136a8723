package main

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status [file]",
	Short: "Show recent builds from the state database",
	Long: `Lists the recorded builds of a document, newest first: when each
ran, whether it succeeded, how many engine and bibtex passes it took.
The number of runs shown is capped by state.history_limit.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	file := "paper.tex"
	if len(args) > 0 {
		file = args[0]
	}

	// History is keyed by the resolved source path. Fall back to a plain
	// Abs when the document no longer resolves (deleted, moved).
	docPath := file
	b := newBuilder(nil, false)
	if doc, err := b.Resolve(file); err == nil {
		docPath = doc.SrcPath
	} else if abs, aerr := filepath.Abs(file); aerr == nil {
		docPath = abs
	}

	st := openStore()
	if st == nil {
		return fmt.Errorf("build state unavailable")
	}
	defer st.Close()

	runs, err := st.History(docPath, cfg.State.HistoryLimit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Printf("no recorded builds for %s\n", file)
		return nil
	}

	for _, r := range runs {
		dur := r.FinishedAt.Sub(r.StartedAt).Round(10 * time.Millisecond)
		line := fmt.Sprintf("%s  %-7s  passes=%d bibtex=%d %s",
			r.StartedAt.Format("2006-01-02 15:04:05"), r.Status, r.Passes, r.BibTeXRuns, dur)
		if r.Error != "" {
			line += "  " + r.Error
		}
		fmt.Println(line)
	}
	return nil
}
