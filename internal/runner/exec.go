package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"texmill/internal/logging"
)

// Exec runs commands directly on the host via os/exec.
type Exec struct {
	config Config
}

// NewExec creates a runner with default settings.
func NewExec() *Exec {
	return NewExecWithConfig(DefaultConfig())
}

// NewExecWithConfig creates a runner with custom settings. Zero-valued
// fields fall back to the defaults.
func NewExecWithConfig(config Config) *Exec {
	def := DefaultConfig()
	if config.DefaultTimeout <= 0 {
		config.DefaultTimeout = def.DefaultTimeout
	}
	if config.MaxOutputBytes <= 0 {
		config.MaxOutputBytes = def.MaxOutputBytes
	}
	if config.AllowedEnvironment == nil {
		config.AllowedEnvironment = def.AllowedEnvironment
	}
	logging.ToolsDebug("Creating runner: timeout=%s, maxOutput=%d bytes",
		config.DefaultTimeout, config.MaxOutputBytes)
	return &Exec{config: config}
}

// Run executes the command and captures its output. A non-zero exit
// code is not an error here; the returned error reports infrastructure
// failures only (binary not found, start failure, read failure).
func (e *Exec) Run(ctx context.Context, cmd Command) (*Result, error) {
	if cmd.Binary == "" {
		return nil, fmt.Errorf("binary is required")
	}

	timer := logging.StartTimer(logging.CategoryTools, "Command execution")
	defer timer.Stop()
	logging.Tools("Executing: %s", cmd.CommandString())

	timeout := e.config.DefaultTimeout
	if cmd.TimeoutMs > 0 {
		timeout = time.Duration(cmd.TimeoutMs) * time.Millisecond
	}
	maxOutput := e.config.MaxOutputBytes
	if cmd.MaxOutputBytes > 0 {
		maxOutput = cmd.MaxOutputBytes
	}

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	execCmd := exec.CommandContext(execCtx, cmd.Binary, cmd.Arguments...)
	execCmd.Dir = cmd.WorkingDirectory
	if execCmd.Dir == "" {
		execCmd.Dir = e.config.WorkingDirectory
	}
	execCmd.Env = e.buildEnvironment(cmd.Environment)
	if cmd.Stdin != "" {
		execCmd.Stdin = strings.NewReader(cmd.Stdin)
	}

	var stdoutBuf, stderrBuf bytes.Buffer
	stdoutLimited := &limitedWriter{w: &stdoutBuf, max: maxOutput}
	stderrLimited := &limitedWriter{w: &stderrBuf, max: maxOutput}
	execCmd.Stdout = stdoutLimited
	execCmd.Stderr = stderrLimited

	result := &Result{ExitCode: -1}
	result.StartedAt = time.Now()

	logging.Audit(logging.AuditEvent{
		EventType: logging.AuditToolInvoke,
		Tool:      cmd.Binary,
		Args:      cmd.Arguments,
	})

	err := execCmd.Run()

	result.FinishedAt = time.Now()
	result.Duration = result.FinishedAt.Sub(result.StartedAt)
	result.Stdout = stdoutBuf.String()
	result.Stderr = stderrBuf.String()
	result.Combined = result.Stdout
	if result.Stderr != "" {
		if result.Combined != "" {
			result.Combined += "\n"
		}
		result.Combined += result.Stderr
	}
	if stdoutLimited.truncated || stderrLimited.truncated {
		result.Truncated = true
		result.TruncatedBytes = stdoutLimited.discarded + stderrLimited.discarded
		logging.ToolsWarn("Output truncated: %d bytes discarded", result.TruncatedBytes)
	}

	switch {
	case err == nil:
		result.Success = true
		result.ExitCode = 0

	case execCtx.Err() == context.DeadlineExceeded:
		result.Success = true
		result.Killed = true
		result.KillReason = fmt.Sprintf("timeout after %s", timeout)
		logging.ToolsWarn("Command killed (timeout): %s after %s", cmd.Binary, timeout)
		logging.Audit(logging.AuditEvent{
			EventType: logging.AuditToolKilled,
			Tool:      cmd.Binary,
			Message:   result.KillReason,
		})

	case execCtx.Err() == context.Canceled:
		result.Success = true
		result.Killed = true
		result.KillReason = "context canceled"
		logging.Audit(logging.AuditEvent{
			EventType: logging.AuditToolKilled,
			Tool:      cmd.Binary,
			Message:   result.KillReason,
		})

	default:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			// The tool ran to completion and reported failure; the
			// caller decides what that means.
			result.Success = true
			result.ExitCode = exitErr.ExitCode()
			logging.ToolsDebug("Command exited non-zero: %s -> %d", cmd.Binary, result.ExitCode)
		} else {
			result.Err = err.Error()
			logging.ToolsError("Command failed: %s - %v", cmd.Binary, err)
			logging.Audit(logging.AuditEvent{
				EventType: logging.AuditToolError,
				Tool:      cmd.Binary,
				Error:     err.Error(),
			})
			return result, fmt.Errorf("failed to execute %s: %w", cmd.Binary, err)
		}
	}

	logging.Audit(logging.AuditEvent{
		EventType:  logging.AuditToolComplete,
		Tool:       cmd.Binary,
		Success:    result.Success,
		ExitCode:   result.ExitCode,
		DurationMs: result.Duration.Milliseconds(),
	})
	logging.Tools("Command completed: %s -> exit=%d, duration=%s, stdout=%d bytes",
		cmd.Binary, result.ExitCode, result.Duration, len(result.Stdout))
	return result, nil
}

// buildEnvironment assembles the child environment: allowlisted
// variables from the parent, runner extras, then per-command entries.
func (e *Exec) buildEnvironment(cmdEnv []string) []string {
	env := make([]string, 0, len(e.config.AllowedEnvironment)+len(cmdEnv))
	for _, key := range e.config.AllowedEnvironment {
		if val := os.Getenv(key); val != "" {
			env = append(env, fmt.Sprintf("%s=%s", key, val))
		}
	}
	env = append(env, e.config.ExtraEnvironment...)
	env = append(env, cmdEnv...)
	return env
}

// limitedWriter is an io.Writer that limits total bytes written.
type limitedWriter struct {
	w         io.Writer
	max       int64
	written   int64
	truncated bool
	discarded int64
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	n := len(p)

	if lw.written >= lw.max {
		lw.truncated = true
		lw.discarded += int64(n)
		return n, nil // Pretend we wrote it
	}

	remaining := lw.max - lw.written
	if int64(n) > remaining {
		lw.truncated = true
		toWrite := p[:remaining]
		lw.discarded += int64(n) - remaining
		written, err := lw.w.Write(toWrite)
		lw.written += int64(written)
		return n, err // Return original length to avoid "short write" errors
	}

	written, err := lw.w.Write(p)
	lw.written += int64(written)
	return written, err
}
