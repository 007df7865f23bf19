// Package mcp exposes the tools of MCP servers running as subprocesses.
package mcp

import (
	"context"
	"encoding/json"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/m4xw311/murmur/config"
	"github.com/m4xw311/murmur/errors"
	"github.com/m4xw311/murmur/supervisor"
	"github.com/m4xw311/murmur/tools"
	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

// Version is reported to servers during the handshake.
var Version = "v0.1.0"

// terminateAfter is how long a server gets to exit once its stdin is closed.
const terminateAfter = 2 * time.Second

// Source serves the tools of one connected MCP server.
type Source struct {
	name    string
	session *mcpsdk.ClientSession
	logger  *slog.Logger
}

var _ tools.Source = (*Source)(nil)

// Connect starts the configured server under sup and performs the MCP
// handshake over its stdio.
func Connect(ctx context.Context, sup *supervisor.Supervisor, server config.MCPServer, logger *slog.Logger) (*Source, error) {
	if logger == nil {
		logger = slog.Default()
	}
	spec := supervisor.Spec{
		Name:    server.Name,
		Command: server.Command,
		Args:    server.Args,
		Dir:     server.Dir,
		Env:     server.Env,
	}
	var session *mcpsdk.ClientSession
	_, _, err := sup.LaunchIPC(ctx, spec, func(ctx context.Context, cmd *exec.Cmd) (supervisor.Conn, error) {
		client := mcpsdk.NewClient(&mcpsdk.Implementation{Name: "murmur", Version: Version}, nil)
		cs, err := client.Connect(ctx, &mcpsdk.CommandTransport{Command: cmd, TerminateDuration: terminateAfter}, nil)
		if err != nil {
			return nil, err
		}
		session = cs
		return cs, nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to connect to MCP server '%s'", server.Name)
	}
	logger.Info("connected to MCP server", "server", server.Name)
	return NewSource(server.Name, session, logger), nil
}

// NewSource wraps an established client session.
func NewSource(name string, session *mcpsdk.ClientSession, logger *slog.Logger) *Source {
	if logger == nil {
		logger = slog.Default()
	}
	return &Source{name: name, session: session, logger: logger}
}

func (s *Source) Name() string { return s.name }

// ListTools discovers every tool of the server, following pagination.
func (s *Source) ListTools(ctx context.Context) ([]tools.Manifest, error) {
	var out []tools.Manifest
	params := &mcpsdk.ListToolsParams{}
	for {
		page, err := s.session.ListTools(ctx, params)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to list tools from MCP server '%s'", s.name)
		}
		for _, t := range page.Tools {
			out = append(out, tools.Manifest{
				Name:        t.Name,
				Description: t.Description,
				InputSchema: schemaMap(t.InputSchema),
			})
		}
		if page.NextCursor == "" {
			break
		}
		params.Cursor = page.NextCursor
	}
	s.logger.Debug("listed MCP tools", "server", s.name, "count", len(out))
	return out, nil
}

// CallTool invokes a tool and joins its text content. A result flagged as an
// error is returned as one.
func (s *Source) CallTool(ctx context.Context, name string, args map[string]any) (string, error) {
	if args == nil {
		args = map[string]any{}
	}
	result, err := s.session.CallTool(ctx, &mcpsdk.CallToolParams{Name: name, Arguments: args})
	if err != nil {
		return "", errors.Wrapf(err, "failed to call tool '%s' on '%s'", name, s.name)
	}
	var sb strings.Builder
	for _, c := range result.Content {
		if text, ok := c.(*mcpsdk.TextContent); ok {
			sb.WriteString(text.Text)
		}
	}
	if result.IsError {
		return "", errors.New("tool '%s' on '%s' reported an error: %s", name, s.name, sb.String())
	}
	return sb.String(), nil
}

// Close ends the session, which also stops the server process.
func (s *Source) Close() error {
	return s.session.Close()
}

func schemaMap(schema any) map[string]any {
	if m, ok := schema.(map[string]any); ok {
		return m
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil
	}
	return m
}
