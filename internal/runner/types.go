// Package runner is the execution layer for the TeX toolchain. It runs
// engine and bibliography binaries with timeouts, output capping and a
// scrubbed environment, and reports structured results that the build
// orchestrator can reason about.
package runner

import (
	"context"
	"time"
)

// Command represents one external tool invocation.
type Command struct {
	// Binary is the executable to run (e.g. "pdflatex", "bibtex").
	Binary string `json:"binary"`

	// Arguments are the command-line arguments.
	Arguments []string `json:"arguments"`

	// WorkingDirectory is the directory to execute in.
	// If empty, uses the runner's default working directory.
	WorkingDirectory string `json:"working_directory,omitempty"`

	// Environment variables to set (in KEY=VALUE format).
	// These are merged after the runner's allowlisted environment.
	Environment []string `json:"environment,omitempty"`

	// Stdin provides input to the command's standard input.
	Stdin string `json:"stdin,omitempty"`

	// TimeoutMs is the maximum execution time in milliseconds.
	// Zero means use the runner's default timeout.
	TimeoutMs int64 `json:"timeout_ms,omitempty"`

	// MaxOutputBytes caps captured stdout/stderr.
	// Zero means use the runner's default cap.
	MaxOutputBytes int64 `json:"max_output_bytes,omitempty"`
}

// CommandString returns the full command as a string for display.
func (c Command) CommandString() string {
	result := c.Binary
	for _, arg := range c.Arguments {
		result += " " + arg
	}
	return result
}

// Result captures everything observable about one invocation.
type Result struct {
	// ExitCode of the process; -1 when it never ran or was killed.
	ExitCode int `json:"exit_code"`

	Stdout   string `json:"stdout,omitempty"`
	Stderr   string `json:"stderr,omitempty"`
	Combined string `json:"combined,omitempty"`

	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Duration   time.Duration `json:"duration"`

	// Killed is true when the process was terminated by timeout or
	// cancellation rather than exiting on its own.
	Killed     bool   `json:"killed,omitempty"`
	KillReason string `json:"kill_reason,omitempty"`

	// Truncated indicates output exceeded the cap; TruncatedBytes
	// counts what was discarded.
	Truncated      bool  `json:"truncated,omitempty"`
	TruncatedBytes int64 `json:"truncated_bytes,omitempty"`

	// Success means the infrastructure worked: the process started and
	// finished (or was deliberately killed). A non-zero exit code is
	// still a success at this layer.
	Success bool `json:"success"`

	// Err holds the infrastructure error message when Success is false.
	Err string `json:"err,omitempty"`
}

// Runner executes external commands. The build orchestrator accepts
// this interface so tests can substitute a scripted implementation.
type Runner interface {
	Run(ctx context.Context, cmd Command) (*Result, error)
}

// Config tunes an Exec runner.
type Config struct {
	// DefaultTimeout bounds commands that carry no timeout of their own.
	DefaultTimeout time.Duration

	// MaxOutputBytes caps captured output per stream.
	MaxOutputBytes int64

	// WorkingDirectory is used when a command does not set one.
	WorkingDirectory string

	// AllowedEnvironment lists the variables passed through from the
	// parent process. TeX tooling needs the kpathsea search variables
	// alongside the basics.
	AllowedEnvironment []string

	// ExtraEnvironment is appended to every command (KEY=VALUE).
	ExtraEnvironment []string
}

// DefaultConfig returns settings suitable for interactive use.
func DefaultConfig() Config {
	return Config{
		DefaultTimeout: 2 * time.Minute,
		MaxOutputBytes: 10 * 1024 * 1024,
		AllowedEnvironment: []string{
			"PATH", "HOME", "USER", "SHELL", "TERM", "TMPDIR",
			"LANG", "LC_ALL", "LC_CTYPE",
			"TEXMFHOME", "TEXMFVAR", "TEXMFCNF",
			"TEXINPUTS", "BIBINPUTS", "BSTINPUTS",
			"SOURCE_DATE_EPOCH",
		},
	}
}
