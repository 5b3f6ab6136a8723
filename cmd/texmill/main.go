package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"texmill/internal/config"
	"texmill/internal/logging"
)

const version = "1.0.0"

var (
	// Global flags
	verbose       bool
	workspaceFlag string
	configFlag    string

	// Resolved in PersistentPreRunE
	cfg       *config.Config
	workspace string

	// Console logger for operational messages. Quiet unless --verbose;
	// the categorized file logs under .texmill/logs/ are separate.
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "texmill",
	Short: "texmill - fixpoint build tool for LaTeX papers",
	Long: `texmill compiles LaTeX documents the way make compiles programs:
it scans the source for dependencies, reruns the engine until
cross-references stabilize, interleaves bibtex exactly when the citation
state demands it, and skips the build entirely when nothing changed.

Start with 'texmill init' to scaffold a paper, then 'texmill build'.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Initialize logger
		zcfg := zap.NewDevelopmentConfig()
		zcfg.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}

		ws, err := resolveWorkspace()
		if err != nil {
			return err
		}
		workspace = ws

		path := configFlag
		if path == "" {
			path = filepath.Join(workspace, ".texmill", "config.yaml")
		}
		cfg, err = config.Load(path)
		if err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return err
		}

		if err := logging.Initialize(workspace); err != nil {
			return fmt.Errorf("failed to initialize logging: %w", err)
		}
		if verbose {
			logging.SetDebugMode(true)
		}
		if err := logging.InitAudit(workspace); err != nil {
			logging.Boot("Audit log unavailable: %v", err)
		}
		logging.Boot("texmill %s starting, workspace %s", version, workspace)
		logger.Debug("workspace resolved",
			zap.String("workspace", workspace),
			zap.String("engine", cfg.Build.Engine))
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.CloseAudit()
		logging.CloseAll()
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the texmill version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("texmill %s\n", version)
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging under .texmill/logs/")
	rootCmd.PersistentFlags().StringVarP(&workspaceFlag, "workspace", "w", "", "Workspace directory (default: nearest ancestor with .texmill/)")
	rootCmd.PersistentFlags().StringVar(&configFlag, "config", "", "Config file (default: <workspace>/.texmill/config.yaml)")

	// Add commands to root
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(buildCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(cleanCmd)
	rootCmd.AddCommand(infoCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// resolveWorkspace returns the --workspace flag when given, otherwise the
// nearest ancestor of the working directory containing .texmill/,
// otherwise the working directory itself.
func resolveWorkspace() (string, error) {
	if workspaceFlag != "" {
		return filepath.Abs(workspaceFlag)
	}

	cwd, err := os.Getwd()
	if err != nil {
		return "", err
	}

	dir := cwd
	for {
		if fi, err := os.Stat(filepath.Join(dir, ".texmill")); err == nil && fi.IsDir() {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return cwd, nil
		}
		dir = parent
	}
}
