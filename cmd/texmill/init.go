package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"texmill/internal/scaffold"
)

var (
	initTitle  string
	initAuthor string
	initClass  string
	initEngine string
	initForce  bool
)

var initCmd = &cobra.Command{
	Use:   "init [dir]",
	Short: "Scaffold a new paper project",
	Long: `Creates a starting paper.tex, a seed bibliography, a Makefile
wrapping texmill, a .gitignore, and .texmill/config.yaml.

Existing files are never overwritten unless --force is given.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runInit,
}

func init() {
	initCmd.Flags().StringVar(&initTitle, "title", "", "Paper title")
	initCmd.Flags().StringVar(&initAuthor, "author", "", "Author line")
	initCmd.Flags().StringVar(&initClass, "class", "article", "Document class preset: article, ieeetran, acmart")
	initCmd.Flags().StringVar(&initEngine, "engine", "pdflatex", "LaTeX engine recorded in the project config")
	initCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite existing files")
}

func runInit(cmd *cobra.Command, args []string) error {
	dir := "."
	if len(args) > 0 {
		dir = args[0]
	}

	result, err := scaffold.Init(scaffold.Options{
		Dir:    dir,
		Title:  initTitle,
		Author: initAuthor,
		Class:  initClass,
		Engine: initEngine,
		Force:  initForce,
	})
	if err != nil {
		return err
	}

	for _, f := range result.FilesCreated {
		fmt.Printf("  created %s\n", f)
	}
	for _, f := range result.Skipped {
		fmt.Printf("  kept    %s (exists; --force overwrites)\n", f)
	}
	fmt.Printf("\nProject ready in %s. Try: texmill build\n", result.Dir)
	return nil
}
