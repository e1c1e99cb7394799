package tools

import (
	"bytes"
	"context"
	"os/exec"
	"strings"
	"time"
)

const execDefaultTimeout = 60 * time.Second

// ExecTool runs shell commands in the workspace.
type ExecTool struct {
	workspace string
	restrict  bool
	timeout   time.Duration
}

func NewExecTool(workspace string, restrict bool) *ExecTool {
	return &ExecTool{workspace: workspace, restrict: restrict, timeout: execDefaultTimeout}
}

func (t *ExecTool) Name() string { return "exec" }

func (t *ExecTool) Description() string {
	return "Execute a shell command and return its combined output. Commands run in the workspace directory with a 60 second timeout."
}

func (t *ExecTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"command": map[string]interface{}{
				"type":        "string",
				"description": "Shell command to execute",
			},
			"working_dir": map[string]interface{}{
				"type":        "string",
				"description": "Optional working directory (default: workspace)",
			},
		},
		"required": []string{"command"},
	}
}

func (t *ExecTool) Execute(ctx context.Context, args map[string]interface{}) *ToolResult {
	command := strings.TrimSpace(stringArg(args, "command"))
	if command == "" {
		return ErrorResult("command is required")
	}

	dir := t.workspace
	if wd := stringArg(args, "working_dir"); wd != "" {
		resolved, err := resolvePath(t.workspace, wd, t.restrict)
		if err != nil {
			return ErrorResult("%v", err)
		}
		dir = resolved
	}

	runCtx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "sh", "-c", command)
	cmd.Dir = dir

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()
	output := strings.TrimSpace(out.String())

	if runCtx.Err() == context.DeadlineExceeded {
		return ErrorResult("command timed out after %s\n%s", t.timeout, output)
	}
	if err != nil {
		if output == "" {
			return ErrorResult("command failed: %v", err)
		}
		return ErrorResult("command failed: %v\n%s", err, output)
	}
	if output == "" {
		output = "(no output)"
	}
	return &ToolResult{ForLLM: output, Silent: true}
}

// WithTimeout overrides the default command timeout.
func (t *ExecTool) WithTimeout(d time.Duration) *ExecTool {
	t.timeout = d
	return t
}
