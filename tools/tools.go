package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/invopop/jsonschema"
	"github.com/m4xw311/murmur/errors"
)

// Manifest describes a callable tool as exposed to the model.
type Manifest struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

// Source provides one or more named tools. The two implementations are
// InProcessSource (Go functions) and mcp.Source (an MCP server subprocess).
type Source interface {
	// Name identifies the source in logs.
	Name() string
	ListTools(ctx context.Context) ([]Manifest, error)
	CallTool(ctx context.Context, name string, args map[string]any) (string, error)
}

// Tool defines the interface for any action the agent can take in-process.
type Tool interface {
	Name() string
	Description() string
	InputSchema() map[string]any
	Execute(ctx context.Context, args map[string]interface{}) (string, error)
}

// InProcessSource serves a fixed set of Go tools.
type InProcessSource struct {
	name   string
	tools  []Tool
	byName map[string]Tool
}

// NewInProcessSource returns a source serving ts under the given source name.
// Later tools with a duplicate name are ignored.
func NewInProcessSource(name string, ts ...Tool) *InProcessSource {
	s := &InProcessSource{name: name, byName: make(map[string]Tool, len(ts))}
	for _, t := range ts {
		if _, dup := s.byName[t.Name()]; dup {
			continue
		}
		s.tools = append(s.tools, t)
		s.byName[t.Name()] = t
	}
	return s
}

func (s *InProcessSource) Name() string { return s.name }

func (s *InProcessSource) ListTools(ctx context.Context) ([]Manifest, error) {
	out := make([]Manifest, 0, len(s.tools))
	for _, t := range s.tools {
		out = append(out, Manifest{Name: t.Name(), Description: t.Description(), InputSchema: t.InputSchema()})
	}
	return out, nil
}

// CallTool runs the named tool. A panicking tool is reported as an error.
func (s *InProcessSource) CallTool(ctx context.Context, name string, args map[string]any) (result string, err error) {
	t, ok := s.byName[name]
	if !ok {
		return "", errors.Wrapf(errors.ErrToolNotFound, "source '%s' has no tool '%s'", s.name, name)
	}
	defer func() {
		if r := recover(); r != nil {
			result, err = "", errors.New("tool '%s' panicked: %v", name, r)
		}
	}()
	if args == nil {
		args = map[string]any{}
	}
	return t.Execute(ctx, args)
}

// SchemaFor reflects the JSON schema of T's fields, honouring json and
// jsonschema_description tags.
func SchemaFor[T any]() map[string]any {
	r := jsonschema.Reflector{AllowAdditionalProperties: false, DoNotReference: true}
	var v T
	data, err := json.Marshal(r.Reflect(v))
	if err != nil {
		return map[string]any{"type": "object", "properties": map[string]any{}}
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return map[string]any{"type": "object", "properties": map[string]any{}}
	}
	delete(out, "$schema")
	delete(out, "$id")
	return out
}

// decodeArgs maps loosely typed tool arguments onto a typed input struct.
func decodeArgs(args map[string]any, v any) error {
	data, err := json.Marshal(args)
	if err != nil {
		return errors.Wrapf(err, "invalid arguments")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return errors.Wrapf(err, "invalid arguments")
	}
	return nil
}

// isPathRestricted checks if a path matches any of the glob patterns.
func isPathRestricted(path string, patterns []string) (bool, error) {
	for _, pattern := range patterns {
		match, err := doublestar.PathMatch(pattern, path)
		if err != nil {
			return false, fmt.Errorf("invalid glob pattern '%s': %w", pattern, err)
		}
		if match {
			return true, nil
		}
	}
	return false, nil
}

// isCommandAllowed checks if a command is in the allowlist (with regex support).
// A pattern that is not a valid regex only matches the identical command.
func isCommandAllowed(command string, allowed []string) bool {
	if len(strings.Fields(command)) == 0 {
		return false
	}
	for _, pattern := range allowed {
		re, err := regexp.Compile(pattern)
		if err != nil {
			if command == pattern {
				return true
			}
			continue
		}
		if re.MatchString(command) {
			return true
		}
	}
	return false
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
