// Package shell provides the "sh" tool: run a shell command in the
// workspace and return a structured JSON result.
package shell

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os/exec"
	"strings"
	"time"

	"github.com/seralin/chorus"
)

const (
	defaultTimeout = 60 * time.Minute
	// maxOutputChars bounds each captured stream before it reaches the
	// model context.
	maxOutputChars = 25000
)

// Tool executes shell commands in a workspace directory.
type Tool struct {
	workspacePath string
	timeout       time.Duration
}

// New creates the sh tool. Commands run in workspacePath with the given
// timeout (default 60 minutes).
func New(workspacePath string, timeout time.Duration) *Tool {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Tool{workspacePath: workspacePath, timeout: timeout}
}

// Definitions describes the tool to the provider.
func (t *Tool) Definitions() []chorus.ToolDefinition {
	return []chorus.ToolDefinition{{
		Name:        "sh",
		Description: "Run a shell command in the workspace directory. Returns JSON with ok, stdout, stderr, and exit_code.",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"cmd":{"type":"string","description":"Shell command to execute"}},"required":["cmd"]}`),
	}}
}

// result is the JSON payload returned to the model.
type result struct {
	OK       bool   `json:"ok"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
}

// Execute runs {cmd} through sh -c and returns the structured result.
// Non-zero exits and timeouts come back as ok:false payloads, not errors;
// the turn loop stays viable.
func (t *Tool) Execute(ctx context.Context, _ string, args json.RawMessage) (chorus.ToolResult, error) {
	var params struct {
		Cmd string `json:"cmd"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return chorus.ToolResult{Error: "invalid args: " + err.Error()}, nil
	}
	if strings.TrimSpace(params.Cmd) == "" {
		return chorus.ToolResult{Error: "cmd is required"}, nil
	}

	cmdCtx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	cmd := exec.CommandContext(cmdCtx, "sh", "-c", params.Cmd)
	cmd.Dir = t.workspacePath

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	res := result{
		OK:     err == nil,
		Stdout: truncate(stdout.String()),
		Stderr: truncate(stderr.String()),
	}
	switch {
	case cmdCtx.Err() == context.DeadlineExceeded:
		res.ExitCode = -1
		res.Stderr = truncate(res.Stderr + "\n(command timed out)")
	case err != nil:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
		} else {
			res.ExitCode = -1
			res.Stderr = truncate(res.Stderr + "\n" + err.Error())
		}
	}

	body, merr := json.Marshal(res)
	if merr != nil {
		return chorus.ToolResult{Error: "marshal result: " + merr.Error()}, nil
	}
	return chorus.ToolResult{Content: string(body)}, nil
}

func truncate(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= maxOutputChars {
		return s
	}
	return s[:maxOutputChars] + "\n... (truncated)"
}

// Compile-time interface check.
var _ chorus.Tool = (*Tool)(nil)
