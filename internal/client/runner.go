package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// ErrToolTimeout marks an external call that exceeded its deadline.
var ErrToolTimeout = errors.New("external tool timed out")

// CommandLog captures one external command invocation.
type CommandLog struct {
	Command  string   `json:"command"`
	Args     []string `json:"args"`
	Dir      string   `json:"dir,omitempty"`
	ExitCode int      `json:"exitCode"`
	Stdout   string   `json:"stdout"`
	Stderr   string   `json:"stderr"`
}

// ToolError is returned when an external tool or service fails.
type ToolError struct {
	Tool string
	Log  CommandLog
	Err  error
}

func (e *ToolError) Error() string {
	if e == nil {
		return ""
	}
	if e.Log.Command == "" {
		return fmt.Sprintf("%s: %v", e.Tool, e.Err)
	}
	msg := fmt.Sprintf("%s failed (exit=%d): %v", e.Tool, e.Log.ExitCode, e.Err)
	if stderr := lastLine(e.Log.Stderr); stderr != "" {
		msg += ": " + stderr
	}
	return msg
}

func (e *ToolError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// CommandRunner abstracts process execution so adapters can be tested
// without the real binaries.
type CommandRunner interface {
	Run(ctx context.Context, dir, name string, args ...string) (CommandLog, error)
}

// ExecRunner executes commands via os/exec.
type ExecRunner struct{}

// Run executes one command and captures stdout, stderr and exit code.
func (ExecRunner) Run(ctx context.Context, dir, name string, args ...string) (CommandLog, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	log := CommandLog{
		Command: name,
		Args:    args,
		Dir:     dir,
		Stdout:  stdout.String(),
		Stderr:  stderr.String(),
	}
	if err != nil {
		log.ExitCode = -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			log.ExitCode = exitErr.ExitCode()
		}
		return log, err
	}
	return log, nil
}

// runTool runs a command and converts any failure into a *ToolError.
// A context deadline is reported as ErrToolTimeout.
func runTool(ctx context.Context, runner CommandRunner, tool, dir, name string, args ...string) (CommandLog, error) {
	log, err := runner.Run(ctx, dir, name, args...)
	if err == nil {
		return log, nil
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		err = ErrToolTimeout
	}
	return log, &ToolError{Tool: tool, Log: log, Err: err}
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[i+1:])
	}
	return s
}
