package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var cleanAll bool

var cleanCmd = &cobra.Command{
	Use:   "clean [files...]",
	Short: "Remove generated files",
	Long: `Removes aux files, transcripts, and bibliography droppings for each
document. Products survive unless --all is given. The build-state
database is kept either way.`,
	RunE: runClean,
}

func init() {
	cleanCmd.Flags().BoolVar(&cleanAll, "all", false, "Also remove final products")
}

func runClean(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	files := args
	if len(files) == 0 {
		files = []string{"paper.tex"}
	}

	b := newBuilder(nil, false)
	for _, f := range files {
		removed, err := b.Clean(ctx, f, !cleanAll)
		if err != nil {
			return err
		}
		if verbose {
			for _, r := range removed {
				fmt.Printf("  removed %s\n", r)
			}
		}
		fmt.Printf("%s: removed %d files\n", f, len(removed))
	}
	return nil
}
