package llm

import (
	"context"
	"encoding/json"
	"iter"
	"os"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/m4xw311/murmur/errors"
	"github.com/m4xw311/murmur/session"
	"github.com/m4xw311/murmur/tools"
)

// AnthropicLLMClient is a client for the Anthropic API.
type AnthropicLLMClient struct {
	client *anthropic.Client
	model  string
}

// NewAnthropicLLMClient creates a new AnthropicLLMClient.
// It requires the ANTHROPIC_API_KEY environment variable to be set.
func NewAnthropicLLMClient(ctx context.Context, modelName string, opts ...option.RequestOption) (*AnthropicLLMClient, error) {
	apiKey := os.Getenv("ANTHROPIC_API_KEY")
	if apiKey == "" {
		return nil, errors.New("ANTHROPIC_API_KEY environment variable not set")
	}

	client := anthropic.NewClient(append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)...)

	return &AnthropicLLMClient{
		client: &client,
		model:  modelName,
	}, nil
}

// StreamCompletion streams one step from the Messages API. Text deltas are
// yielded as they arrive; tool calls once the message is complete.
func (a *AnthropicLLMClient) StreamCompletion(ctx context.Context, req Request) iter.Seq2[Chunk, error] {
	return func(yield func(Chunk, error) bool) {
		stream := a.client.Messages.NewStreaming(ctx, a.params(req))
		defer stream.Close()

		message := anthropic.Message{}
		for stream.Next() {
			event := stream.Current()
			if err := message.Accumulate(event); err != nil {
				yield(Chunk{}, providerErr(err, "failed to accumulate Anthropic stream"))
				return
			}
			if delta, ok := event.AsAny().(anthropic.ContentBlockDeltaEvent); ok {
				if text, ok := delta.Delta.AsAny().(anthropic.TextDelta); ok && text.Text != "" {
					if !yield(Chunk{Text: text.Text}, nil) {
						return
					}
				}
			}
		}
		if err := stream.Err(); err != nil {
			yield(Chunk{}, providerErr(err, "failed to stream message from Anthropic"))
			return
		}

		for _, block := range message.Content {
			use, ok := block.AsAny().(anthropic.ToolUseBlock)
			if !ok {
				continue
			}
			var args map[string]any
			if len(use.Input) > 0 {
				if err := json.Unmarshal(use.Input, &args); err != nil {
					yield(Chunk{}, providerErr(err, "failed to unmarshal tool call input"))
					return
				}
			}
			call := session.ToolCallPart(use.ID, use.Name, args)
			if !yield(Chunk{ToolCall: &call}, nil) {
				return
			}
		}
	}
}

func (a *AnthropicLLMClient) params(req Request) anthropic.MessageNewParams {
	system, msgs := splitSystem(req.System, req.Messages)
	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(a.model),
		MaxTokens:   defaultMaxTokens,
		Messages:    convertMessagesToAnthropicMessages(msgs),
		Temperature: anthropic.Float(req.Temperature),
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	params.Tools = convertToolsToAnthropicTools(req.Tools)
	return params
}

// convertMessagesToAnthropicMessages converts our internal message format to Anthropic's format.
// Tool results travel in user messages. Messages that would be empty are dropped.
func convertMessagesToAnthropicMessages(messages []session.Message) []anthropic.MessageParam {
	var out []anthropic.MessageParam
	for _, msg := range messages {
		var blocks []anthropic.ContentBlockParamUnion
		if len(msg.Parts) == 0 {
			if msg.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
			}
		}
		for _, p := range msg.Parts {
			switch p.Type {
			case session.PartText:
				if p.Text != "" {
					blocks = append(blocks, anthropic.NewTextBlock(p.Text))
				}
			case session.PartToolCall:
				args := p.Args
				if args == nil {
					args = map[string]any{}
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(p.ToolCallID, args, p.ToolName))
			case session.PartToolResult:
				blocks = append(blocks, anthropic.NewToolResultBlock(p.ToolCallID, p.Result, p.IsError))
			}
		}
		if len(blocks) == 0 {
			continue
		}
		if msg.Role == session.RoleAssistant {
			out = append(out, anthropic.NewAssistantMessage(blocks...))
		} else {
			out = append(out, anthropic.NewUserMessage(blocks...))
		}
	}
	return out
}

// convertToolsToAnthropicTools converts tool manifests to Anthropic's tool format.
func convertToolsToAnthropicTools(ts []tools.Manifest) []anthropic.ToolUnionParam {
	if len(ts) == 0 {
		return nil
	}
	out := make([]anthropic.ToolUnionParam, 0, len(ts))
	for _, t := range ts {
		out = append(out, anthropic.ToolUnionParam{OfTool: &anthropic.ToolParam{
			Name:        t.Name,
			Description: anthropic.String(t.Description),
			InputSchema: anthropic.ToolInputSchemaParam{
				Properties: propertiesOf(t.InputSchema),
				Required:   requiredOf(t.InputSchema),
			},
		}})
	}
	return out
}
