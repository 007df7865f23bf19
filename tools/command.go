package tools

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/m4xw311/murmur/errors"
)

type executeCommandInput struct {
	Command string `json:"command" jsonschema_description:"Command line to run, split on whitespace, no shell"`
}

// ExecuteCommandTool implements the tool for running OS commands.
type ExecuteCommandTool struct {
	allowedCommands []string
}

func (t *ExecuteCommandTool) Name() string { return "execute_command" }
func (t *ExecuteCommandTool) Description() string {
	if len(t.allowedCommands) == 0 {
		return "Executes a command. No commands are currently allowed."
	}

	var sb strings.Builder
	sb.WriteString("Executes a command. Allowed command patterns (regular expressions):\n")
	for _, cmd := range t.allowedCommands {
		fmt.Fprintf(&sb, "- %s\n", cmd)
	}
	return sb.String()
}
func (t *ExecuteCommandTool) InputSchema() map[string]any { return SchemaFor[executeCommandInput]() }

func (t *ExecuteCommandTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	var in executeCommandInput
	if err := decodeArgs(args, &in); err != nil {
		return "", err
	}
	if strings.TrimSpace(in.Command) == "" {
		return "", errors.New("missing or invalid 'command' argument")
	}
	if !isCommandAllowed(in.Command, t.allowedCommands) {
		return "", errors.New("command '%s' is not in the list of allowed commands", in.Command)
	}

	parts := strings.Fields(in.Command)
	cmd := exec.CommandContext(ctx, parts[0], parts[1:]...)

	output, err := cmd.CombinedOutput()
	if err != nil {
		return "", errors.Wrapf(err, "command execution failed. Output:\n%s", string(output))
	}

	return fmt.Sprintf("Command executed successfully. Output:\n%s", string(output)), nil
}
