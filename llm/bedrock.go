package llm

import (
	"context"
	"encoding/json"
	"iter"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/m4xw311/murmur/errors"
	"github.com/m4xw311/murmur/session"
	"github.com/m4xw311/murmur/tools"
)

// bedrockInvoker is the part of the Bedrock runtime client we use.
type bedrockInvoker interface {
	InvokeModel(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error)
}

// BedrockLLMClient is a client for the Anthropic models on AWS Bedrock.
type BedrockLLMClient struct {
	client  bedrockInvoker
	modelID string
}

// NewBedrockLLMClient creates a new BedrockLLMClient.
// It requires AWS credentials to be configured in the environment.
func NewBedrockLLMClient(ctx context.Context, modelID string) (*BedrockLLMClient, error) {
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load AWS config")
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}

	return &BedrockLLMClient{
		client:  bedrockruntime.NewFromConfig(cfg),
		modelID: modelID,
	}, nil
}

// StreamCompletion invokes the model once and yields the whole reply as a
// single text fragment followed by its tool calls.
func (b *BedrockLLMClient) StreamCompletion(ctx context.Context, req Request) iter.Seq2[Chunk, error] {
	return func(yield func(Chunk, error) bool) {
		system, msgs := splitSystem(req.System, req.Messages)
		body, err := createAnthropicRequest(convertMessagesToAnthropicFormat(msgs), system, req.Tools, req.Temperature)
		if err != nil {
			yield(Chunk{}, providerErr(err, "failed to create Anthropic request"))
			return
		}

		resp, err := b.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
			ModelId:     aws.String(b.modelID),
			ContentType: aws.String("application/json"),
			Accept:      aws.String("application/json"),
			Body:        body,
		})
		if err != nil {
			yield(Chunk{}, providerErr(err, "failed to invoke Bedrock model"))
			return
		}

		msg, err := processBedrockResponse(resp.Body)
		if err != nil {
			yield(Chunk{}, providerErr(err, "invalid Bedrock response"))
			return
		}
		if text := msg.Text(); text != "" {
			if !yield(Chunk{Text: text}, nil) {
				return
			}
		}
		for _, call := range msg.ToolCalls() {
			if !yield(Chunk{ToolCall: &call}, nil) {
				return
			}
		}
	}
}

// convertMessagesToAnthropicFormat converts our internal message format to
// the Anthropic Messages wire format Bedrock accepts.
func convertMessagesToAnthropicFormat(messages []session.Message) []map[string]interface{} {
	var out []map[string]interface{}
	for _, msg := range messages {
		var content []map[string]interface{}
		if len(msg.Parts) == 0 && msg.Content != "" {
			content = append(content, map[string]interface{}{"type": "text", "text": msg.Content})
		}
		for _, p := range msg.Parts {
			switch p.Type {
			case session.PartText:
				if p.Text != "" {
					content = append(content, map[string]interface{}{"type": "text", "text": p.Text})
				}
			case session.PartToolCall:
				input := p.Args
				if input == nil {
					input = map[string]any{}
				}
				content = append(content, map[string]interface{}{
					"type":  "tool_use",
					"id":    p.ToolCallID,
					"name":  p.ToolName,
					"input": input,
				})
			case session.PartToolResult:
				content = append(content, map[string]interface{}{
					"type":        "tool_result",
					"tool_use_id": p.ToolCallID,
					"content":     p.Result,
					"is_error":    p.IsError,
				})
			}
		}
		if len(content) == 0 {
			continue
		}
		role := "user"
		if msg.Role == session.RoleAssistant {
			role = "assistant"
		}
		out = append(out, map[string]interface{}{"role": role, "content": content})
	}
	return out
}

// createAnthropicRequest creates the request body for Anthropic models on Bedrock.
func createAnthropicRequest(messages []map[string]interface{}, systemPrompt string, availableTools []tools.Manifest, temperature float64) ([]byte, error) {
	request := map[string]interface{}{
		"anthropic_version": "bedrock-2023-05-31",
		"max_tokens":        defaultMaxTokens,
		"messages":          messages,
		"temperature":       temperature,
	}

	if systemPrompt != "" {
		request["system"] = systemPrompt
	}

	if len(availableTools) > 0 {
		var ts []map[string]interface{}
		for _, tool := range availableTools {
			ts = append(ts, map[string]interface{}{
				"name":         tool.Name,
				"description":  tool.Description,
				"input_schema": objectSchema(tool.InputSchema),
			})
		}
		request["tools"] = ts
	}

	return json.Marshal(request)
}

// processBedrockResponse converts a Bedrock API response into an assistant message.
func processBedrockResponse(body []byte) (*session.Message, error) {
	var response struct {
		Content []struct {
			Type  string         `json:"type"`
			Text  string         `json:"text"`
			ID    string         `json:"id"`
			Name  string         `json:"name"`
			Input map[string]any `json:"input"`
		} `json:"content"`
		Error any `json:"error"`
	}
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, errors.Wrapf(err, "failed to unmarshal Bedrock response")
	}
	if response.Error != nil {
		return nil, errors.New("Bedrock API error: %v", response.Error)
	}

	msg := &session.Message{Role: session.RoleAssistant}
	for _, item := range response.Content {
		switch item.Type {
		case "text":
			if item.Text != "" {
				msg.Parts = append(msg.Parts, session.TextPart(item.Text))
			}
		case "tool_use":
			id := item.ID
			if id == "" {
				id = newCallID()
			}
			msg.Parts = append(msg.Parts, session.ToolCallPart(id, item.Name, item.Input))
		}
	}
	return msg, nil
}
