package tools

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
)

// ServerConfig describes an MCP tool server binary supplying business
// tools (ticketing, search integrations, ...) behind the tool boundary.
type ServerConfig struct {
	Binary  string            `mapstructure:"binary"`
	Env     map[string]string `mapstructure:"env"`
	Enabled bool              `mapstructure:"enabled"`
	// MaxConcurrent and TimeoutSeconds apply to every tool the server
	// exposes.
	MaxConcurrent  int `mapstructure:"max_concurrent"`
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
}

// MCPConnection wraps an mcp-go stdio client for a single tool server.
type MCPConnection struct {
	name   string
	client *client.Client
	tools  []mcp.Tool
}

// NewMCPConnection launches an MCP server subprocess and initializes the
// connection.
func NewMCPConnection(name, binary string, env []string) (*MCPConnection, error) {
	c, err := client.NewStdioMCPClient(binary, env)
	if err != nil {
		return nil, fmt.Errorf("starting MCP server %s (%s): %w", name, binary, err)
	}

	ctx := context.Background()

	_, err = c.Initialize(ctx, mcp.InitializeRequest{
		Params: mcp.InitializeParams{
			ClientInfo: mcp.Implementation{
				Name:    "relay",
				Version: "0.1.0",
			},
		},
	})
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("initializing MCP server %s: %w", name, err)
	}

	result, err := c.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("listing tools from %s: %w", name, err)
	}

	return &MCPConnection{
		name:   name,
		client: c,
		tools:  result.Tools,
	}, nil
}

// CallTool invokes a tool on this MCP server and returns the text result.
func (mc *MCPConnection) CallTool(ctx context.Context, name string, args map[string]any) (string, error) {
	result, err := mc.client.CallTool(ctx, mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	})
	if err != nil {
		return "", fmt.Errorf("calling tool %s on %s: %w", name, mc.name, err)
	}

	var parts []string
	for _, c := range result.Content {
		if tc, ok := c.(mcp.TextContent); ok {
			parts = append(parts, tc.Text)
		}
	}

	text := strings.Join(parts, "\n")
	if result.IsError {
		return "", fmt.Errorf("%s", text)
	}
	return text, nil
}

// Close shuts down the MCP server subprocess.
func (mc *MCPConnection) Close() {
	mc.client.Close()
}

// RegisterMCP launches an MCP tool server and registers each of its tools
// as a normal definition whose handler routes through the connection.
// Returns the connection so the caller can close it on shutdown.
func (r *Registry) RegisterMCP(name string, cfg ServerConfig) (*MCPConnection, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	env := append([]string(nil), os.Environ()...)
	for k, v := range cfg.Env {
		// Expand environment variable references like ${VAR}
		if strings.HasPrefix(v, "${") && strings.HasSuffix(v, "}") {
			v = os.Getenv(v[2 : len(v)-1])
		}
		env = append(env, k+"="+v)
	}

	conn, err := NewMCPConnection(name, cfg.Binary, env)
	if err != nil {
		return nil, err
	}

	for _, t := range conn.tools {
		schema := map[string]any{"type": t.InputSchema.Type}
		if t.InputSchema.Properties != nil {
			schema["properties"] = t.InputSchema.Properties
		}
		if len(t.InputSchema.Required) > 0 {
			schema["required"] = t.InputSchema.Required
		}

		toolName := t.Name
		def := Definition{
			Name:          toolName,
			Description:   t.Description,
			Schema:        schema,
			MaxConcurrent: cfg.MaxConcurrent,
			Handler: func(ctx context.Context, args map[string]any) (string, error) {
				return conn.CallTool(ctx, toolName, args)
			},
		}
		if cfg.TimeoutSeconds > 0 {
			def.Timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
		}
		if err := r.Register(def); err != nil {
			conn.Close()
			return nil, err
		}
	}

	return conn, nil
}
