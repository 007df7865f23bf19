package llm

import (
	"context"
	"iter"
	"os"

	"github.com/google/generative-ai-go/genai"
	"github.com/m4xw311/murmur/errors"
	"github.com/m4xw311/murmur/session"
	"github.com/m4xw311/murmur/tools"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// GeminiLLMClient is a client for the Google Gemini API.
type GeminiLLMClient struct {
	client    *genai.Client
	modelName string
}

// NewGeminiLLMClient creates a new GeminiLLMClient.
// It requires the GEMINI_API_KEY environment variable to be set.
func NewGeminiLLMClient(ctx context.Context, modelName string, opts ...option.ClientOption) (*GeminiLLMClient, error) {
	apiKey := os.Getenv("GEMINI_API_KEY")
	if apiKey == "" {
		return nil, errors.New("GEMINI_API_KEY environment variable not set")
	}

	client, err := genai.NewClient(ctx, append([]option.ClientOption{option.WithAPIKey(apiKey)}, opts...)...)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create genai client")
	}

	return &GeminiLLMClient{client: client, modelName: modelName}, nil
}

// StreamCompletion streams one step through a chat session seeded with the
// conversation history.
func (g *GeminiLLMClient) StreamCompletion(ctx context.Context, req Request) iter.Seq2[Chunk, error] {
	system, msgs := splitSystem(req.System, req.Messages)
	history := convertMessagesToGeminiContent(msgs)
	if len(history) == 0 || history[len(history)-1].Role != "user" {
		return failed(providerErr(errors.New("conversation must end with a user turn"), "invalid Gemini request"))
	}

	// A model per call: the settings below must not leak between conversations.
	model := g.client.GenerativeModel(g.modelName)
	model.SetTemperature(float32(req.Temperature))
	model.Tools = convertToolsToGeminiTools(req.Tools)
	if system != "" {
		model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(system)}}
	}

	return func(yield func(Chunk, error) bool) {
		chat := model.StartChat()
		chat.History = history[:len(history)-1]
		it := chat.SendMessageStream(ctx, history[len(history)-1].Parts...)
		for {
			resp, err := it.Next()
			if err == iterator.Done {
				return
			}
			if err != nil {
				yield(Chunk{}, providerErr(err, "failed to stream message from Gemini"))
				return
			}
			if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
				continue
			}
			for _, part := range resp.Candidates[0].Content.Parts {
				var chunk Chunk
				switch v := part.(type) {
				case genai.Text:
					if v == "" {
						continue
					}
					chunk.Text = string(v)
				case genai.FunctionCall:
					call := session.ToolCallPart(newCallID(), v.Name, v.Args)
					chunk.ToolCall = &call
				default:
					continue
				}
				if !yield(chunk, nil) {
					return
				}
			}
		}
	}
}

// convertMessagesToGeminiContent converts our internal message format to Gemini's.
// Consecutive messages of the same role are merged, as Gemini expects
// alternating turns.
func convertMessagesToGeminiContent(messages []session.Message) []*genai.Content {
	var contents []*genai.Content
	for _, msg := range messages {
		role := "user"
		if msg.Role == session.RoleAssistant {
			role = "model"
		}
		var parts []genai.Part
		if len(msg.Parts) == 0 && msg.Content != "" {
			parts = append(parts, genai.Text(msg.Content))
		}
		for _, p := range msg.Parts {
			switch p.Type {
			case session.PartText:
				if p.Text != "" {
					parts = append(parts, genai.Text(p.Text))
				}
			case session.PartToolCall:
				parts = append(parts, genai.FunctionCall{Name: p.ToolName, Args: p.Args})
			case session.PartToolResult:
				key := "result"
				if p.IsError {
					key = "error"
				}
				parts = append(parts, genai.FunctionResponse{Name: p.ToolName, Response: map[string]any{key: p.Result}})
			}
		}
		if len(parts) == 0 {
			continue
		}
		if n := len(contents); n > 0 && contents[n-1].Role == role {
			contents[n-1].Parts = append(contents[n-1].Parts, parts...)
			continue
		}
		contents = append(contents, &genai.Content{Role: role, Parts: parts})
	}
	return contents
}

// convertToolsToGeminiTools converts tool manifests to Gemini's FunctionDeclaration format.
func convertToolsToGeminiTools(ts []tools.Manifest) []*genai.Tool {
	if len(ts) == 0 {
		return nil
	}
	decls := make([]*genai.FunctionDeclaration, 0, len(ts))
	for _, t := range ts {
		decls = append(decls, &genai.FunctionDeclaration{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  geminiSchema(objectSchema(t.InputSchema)),
		})
	}
	return []*genai.Tool{{FunctionDeclarations: decls}}
}

// geminiSchema maps the JSON schema subset tools use onto genai.Schema.
func geminiSchema(schema map[string]any) *genai.Schema {
	if schema == nil {
		return nil
	}
	out := &genai.Schema{}
	switch schema["type"] {
	case "object":
		out.Type = genai.TypeObject
	case "array":
		out.Type = genai.TypeArray
	case "integer":
		out.Type = genai.TypeInteger
	case "number":
		out.Type = genai.TypeNumber
	case "boolean":
		out.Type = genai.TypeBoolean
	default:
		out.Type = genai.TypeString
	}
	if d, ok := schema["description"].(string); ok {
		out.Description = d
	}
	if enum, ok := schema["enum"].([]any); ok {
		for _, e := range enum {
			if s, ok := e.(string); ok {
				out.Enum = append(out.Enum, s)
			}
		}
	}
	if items, ok := schema["items"].(map[string]any); ok {
		out.Items = geminiSchema(items)
	}
	if out.Type == genai.TypeObject {
		props := propertiesOf(schema)
		out.Properties = make(map[string]*genai.Schema, len(props))
		for name, p := range props {
			if pm, ok := p.(map[string]any); ok {
				out.Properties[name] = geminiSchema(pm)
			}
		}
		out.Required = requiredOf(schema)
	}
	return out
}
