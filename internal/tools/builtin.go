package tools

import (
	"context"
	"fmt"
	"os/exec"
)

// ShellExec returns the builtin shell_exec tool definition. It runs a
// shell command and returns combined stdout+stderr, truncated to keep
// the conversation context manageable.
func ShellExec() Definition {
	return Definition{
		Name:        "shell_exec",
		Description: "Execute a shell command and return the combined stdout and stderr output. Use this to run system commands, check files, install packages, etc.",
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"command": map[string]any{
					"type":        "string",
					"description": "The shell command to execute",
				},
				"workdir": map[string]any{
					"type":        "string",
					"description": "Working directory for the command (optional)",
				},
			},
			"required": []string{"command"},
		},
		Handler: runShellExec,
	}
}

func runShellExec(ctx context.Context, args map[string]any) (string, error) {
	command, ok := args["command"].(string)
	if !ok {
		return "", fmt.Errorf("'command' argument must be a string")
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", command)

	if workdir, ok := args["workdir"].(string); ok && workdir != "" {
		cmd.Dir = workdir
	}

	output, err := cmd.CombinedOutput()
	result := string(output)
	if err != nil {
		result += "\nexit error: " + err.Error()
	}

	// Truncate very long outputs to keep context window manageable
	const maxLen = 4000
	if len(result) > maxLen {
		result = result[:maxLen] + "\n... (output truncated)"
	}

	return result, nil
}

// GoogleSearch returns the provider-handled web grounding tool. Backends
// that support native search grounding execute it server side; others
// skip it when translating the tool list.
func GoogleSearch() Definition {
	return Definition{
		Name:            "googleSearch",
		Description:     "Search the web for current information. Handled natively by the model provider when supported.",
		ProviderHandled: true,
	}
}
