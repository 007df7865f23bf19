package llm

import (
	"context"
	"iter"
	"strings"

	"github.com/google/uuid"
	"github.com/m4xw311/murmur/errors"
	"github.com/m4xw311/murmur/session"
	"github.com/m4xw311/murmur/tools"
)

// defaultMaxTokens caps one provider step.
const defaultMaxTokens = 4096

// Request is one provider step: the conversation so far and the tools the
// model may call.
type Request struct {
	// System is prepended to any system messages found in Messages.
	System      string
	Messages    []session.Message
	Tools       []tools.Manifest
	Temperature float64
	// MaxSteps is the step budget of the whole turn, passed for providers
	// that can use it as a hint.
	MaxSteps int
}

// Chunk is one streamed element: a text fragment or a complete tool call.
type Chunk struct {
	Text     string
	ToolCall *session.Part
}

// LLMClient is the interface for interacting with a Large Language Model.
//
// StreamCompletion yields text fragments as they arrive and each tool call
// once its arguments are complete. Iteration stops early when the consumer
// stops or ctx ends. Errors are yielded once, as the last element, and are
// marked with errors.ErrProvider.
type LLMClient interface {
	StreamCompletion(ctx context.Context, req Request) iter.Seq2[Chunk, error]
}

// NewClient builds the client registered under name.
func NewClient(ctx context.Context, name, model string) (LLMClient, error) {
	switch name {
	case "", "mock":
		return NewEchoLLMClient(), nil
	case "anthropic":
		return NewAnthropicLLMClient(ctx, model)
	case "openai":
		return NewOpenAILLMClient(ctx, model)
	case "gemini":
		return NewGeminiLLMClient(ctx, model)
	case "bedrock":
		return NewBedrockLLMClient(ctx, model)
	default:
		return nil, errors.New("unknown llm client '%s'", name)
	}
}

func providerErr(err error, format string, a ...any) error {
	return errors.Mark(err, errors.ErrProvider, format, a...)
}

// failed returns a sequence yielding only err.
func failed(err error) iter.Seq2[Chunk, error] {
	return func(yield func(Chunk, error) bool) {
		yield(Chunk{}, err)
	}
}

// splitSystem separates system messages from the rest. Their text is joined,
// after system, into one instruction block.
func splitSystem(system string, msgs []session.Message) (string, []session.Message) {
	var parts []string
	if strings.TrimSpace(system) != "" {
		parts = append(parts, system)
	}
	rest := make([]session.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.Role == session.RoleSystem {
			if text := m.Text(); text != "" {
				parts = append(parts, text)
			}
			continue
		}
		rest = append(rest, m)
	}
	return strings.Join(parts, "\n\n"), rest
}

// newCallID synthesizes a tool call id for providers that do not assign one.
func newCallID() string {
	return "call_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:24]
}

// requiredOf extracts the "required" list of a JSON schema object.
func requiredOf(schema map[string]any) []string {
	var out []string
	switch req := schema["required"].(type) {
	case []string:
		out = append(out, req...)
	case []any:
		for _, r := range req {
			if s, ok := r.(string); ok {
				out = append(out, s)
			}
		}
	}
	return out
}

// propertiesOf returns the "properties" of a JSON schema object, never nil.
func propertiesOf(schema map[string]any) map[string]any {
	if props, ok := schema["properties"].(map[string]any); ok {
		return props
	}
	return map[string]any{}
}

// objectSchema returns schema when it describes an object, otherwise an empty
// object schema.
func objectSchema(schema map[string]any) map[string]any {
	if schema == nil || schema["type"] != "object" {
		return map[string]any{"type": "object", "properties": propertiesOf(schema)}
	}
	return schema
}
