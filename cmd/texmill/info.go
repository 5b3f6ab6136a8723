package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"texmill/internal/report"
	"texmill/internal/tex"
)

var (
	infoErrorsOnly bool
	infoDeps       bool
)

var infoCmd = &cobra.Command{
	Use:   "info [file]",
	Short: "Show diagnostics from the last transcript",
	Long: `Re-parses the engine transcript left by the last build and prints
errors, warnings, and bad boxes with file and line attribution, plus any
citations the bibliography could not resolve. --deps prints the
dependency closure instead.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runInfo,
}

func init() {
	infoCmd.Flags().BoolVar(&infoErrorsOnly, "errors-only", false, "Only show errors")
	infoCmd.Flags().BoolVar(&infoDeps, "deps", false, "Show the dependency closure instead of diagnostics")
}

func runInfo(cmd *cobra.Command, args []string) error {
	file := "paper.tex"
	if len(args) > 0 {
		file = args[0]
	}

	b := newBuilder(nil, false)
	doc, err := b.Resolve(file)
	if err != nil {
		return err
	}

	if infoDeps {
		report.RenderDeps(os.Stdout, doc.Graph)
		return nil
	}

	if doc.LastLog == nil {
		fmt.Printf("no transcript for %s yet; run texmill build first\n", file)
		return nil
	}

	diags := doc.LastLog.Diagnostics
	if infoErrorsOnly {
		var errs []tex.Diagnostic
		for _, d := range diags {
			if d.Severity == tex.SeverityError {
				errs = append(errs, d)
			}
		}
		diags = errs
	}
	report.Render(os.Stdout, diags)

	if !infoErrorsOnly {
		report.RenderUndefined(os.Stdout, doc.Bib.ListUndef(doc.LastLog))
		if doc.LastLog.OutputWritten != "" {
			fmt.Printf("last build wrote %s", doc.LastLog.OutputWritten)
			if doc.LastLog.Pages > 0 {
				fmt.Printf(" (%d pages)", doc.LastLog.Pages)
			}
			fmt.Println()
		}
	}
	return nil
}
