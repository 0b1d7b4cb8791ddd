package tools

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// deniedCommands are rejected regardless of the allowlist.
var deniedCommands = []string{"rm", "rmdir", "mkfs", "dd", "shutdown", "reboot", "halt", "kill", "killall"}

// CommandTool runs shell commands in the workspace directory. An optional
// allowlist restricts the base command; the denylist always applies.
type CommandTool struct {
	workspace string
	allowlist []string
	timeout   time.Duration
}

type commandArgs struct {
	Command string `json:"command" jsonschema:"title=command,description=Shell command to execute"`
}

func NewCommandTool(workspace string, allowlist []string) *CommandTool {
	return &CommandTool{
		workspace: workspace,
		allowlist: allowlist,
		timeout:   30 * time.Second,
	}
}

func (t *CommandTool) GetName() string        { return "execute_command" }
func (t *CommandTool) GetDescription() string { return "Execute a shell command in the workspace" }

func (t *CommandTool) GetInfo() ToolInfo {
	return ToolInfo{
		Name:        t.GetName(),
		Description: t.GetDescription(),
		Parameters: []ToolParameter{
			{Name: "command", Type: "string", Description: "Shell command to execute", Required: true},
		},
		InputSchema: SchemaFor[commandArgs](),
	}
}

func (t *CommandTool) Execute(ctx context.Context, args map[string]any) (ToolResult, error) {
	command, _ := args["command"].(string)
	if command == "" {
		return errorResult(t.GetName(), "command parameter is required"), fmt.Errorf("command parameter is required")
	}
	if err := t.validate(command); err != nil {
		return errorResult(t.GetName(), err.Error()), err
	}

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = t.workspace

	start := time.Now()
	output, err := cmd.CombinedOutput()
	elapsed := time.Since(start)

	result := ToolResult{
		Success:       err == nil,
		Content:       string(output),
		ToolName:      t.GetName(),
		ExecutionTime: elapsed,
		Metadata:      map[string]any{"command": command},
	}
	if err != nil {
		result.Error = err.Error()
		if exitErr, ok := err.(*exec.ExitError); ok {
			result.Metadata["exit_code"] = exitErr.ExitCode()
		}
		return result, err
	}
	return result, nil
}

func (t *CommandTool) validate(command string) error {
	base := baseCommand(command)
	for _, denied := range deniedCommands {
		if base == denied {
			return fmt.Errorf("command not allowed: %s", base)
		}
	}
	if len(t.allowlist) > 0 {
		for _, allowed := range t.allowlist {
			if base == allowed {
				return nil
			}
		}
		return fmt.Errorf("command not in allowlist: %s", base)
	}
	return nil
}

// baseCommand extracts the first executable name, ignoring pipes and
// redirects.
func baseCommand(command string) string {
	parts := strings.FieldsFunc(command, func(r rune) bool {
		return r == '|' || r == '>' || r == '<' || r == ';' || r == '&'
	})
	if len(parts) == 0 {
		return ""
	}
	fields := strings.Fields(strings.TrimSpace(parts[0]))
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}
