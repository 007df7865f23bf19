package llm

import (
	"context"
	"encoding/json"
	"iter"
	"os"
	"sort"

	"github.com/m4xw311/murmur/errors"
	"github.com/m4xw311/murmur/session"
	"github.com/m4xw311/murmur/tools"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAILLMClient is a client for the OpenAI Chat Completion API.
type OpenAILLMClient struct {
	client *openai.Client
	model  string
}

// NewOpenAILLMClient creates a new OpenAILLMClient. It requires the OPENAI_API_KEY environment variable to be set.
// It also supports OPENAI_BASE_URL for custom API endpoints.
func NewOpenAILLMClient(ctx context.Context, modelName string, opts ...option.RequestOption) (*OpenAILLMClient, error) {
	apiKey := os.Getenv("OPENAI_API_KEY")
	if apiKey == "" {
		return nil, errors.New("OPENAI_API_KEY environment variable not set")
	}

	options := []option.RequestOption{
		option.WithAPIKey(apiKey),
	}
	if baseURL := os.Getenv("OPENAI_BASE_URL"); baseURL != "" {
		options = append(options, option.WithBaseURL(baseURL))
	}

	c := openai.NewClient(append(options, opts...)...)
	return &OpenAILLMClient{client: &c, model: modelName}, nil
}

// toolCallAgg collects the streamed fragments of one tool call.
type toolCallAgg struct {
	id   string
	name string
	args string
}

// StreamCompletion streams one step. Tool call fragments are aggregated per
// index and yielded, in index order, when the stream ends.
func (o *OpenAILLMClient) StreamCompletion(ctx context.Context, req Request) iter.Seq2[Chunk, error] {
	return func(yield func(Chunk, error) bool) {
		params := openai.ChatCompletionNewParams{
			Model:       openai.ChatModel(o.model),
			Messages:    convertMessagesToOpenaiContent(req.System, req.Messages),
			Tools:       convertToolsToOpenAITools(req.Tools),
			Temperature: openai.Float(req.Temperature),
		}

		stream := o.client.Chat.Completions.NewStreaming(ctx, params)
		defer stream.Close()

		agg := map[int64]*toolCallAgg{}
		for stream.Next() {
			chunk := stream.Current()
			for _, choice := range chunk.Choices {
				for _, tc := range choice.Delta.ToolCalls {
					ac, ok := agg[tc.Index]
					if !ok {
						ac = &toolCallAgg{}
						agg[tc.Index] = ac
					}
					if tc.ID != "" {
						ac.id = tc.ID
					}
					if tc.Function.Name != "" {
						ac.name = tc.Function.Name
					}
					ac.args += tc.Function.Arguments
				}
				if choice.Delta.Content != "" {
					if !yield(Chunk{Text: choice.Delta.Content}, nil) {
						return
					}
				}
			}
		}
		if err := stream.Err(); err != nil {
			yield(Chunk{}, providerErr(err, "failed to stream completion from OpenAI"))
			return
		}

		indexes := make([]int64, 0, len(agg))
		for i := range agg {
			indexes = append(indexes, i)
		}
		sort.Slice(indexes, func(a, b int) bool { return indexes[a] < indexes[b] })
		for _, i := range indexes {
			ac := agg[i]
			var args map[string]any
			if ac.args != "" {
				if err := json.Unmarshal([]byte(ac.args), &args); err != nil {
					yield(Chunk{}, providerErr(err, "failed to unmarshal arguments of tool call '%s'", ac.name))
					return
				}
			}
			id := ac.id
			if id == "" {
				id = newCallID()
			}
			call := session.ToolCallPart(id, ac.name, args)
			if !yield(Chunk{ToolCall: &call}, nil) {
				return
			}
		}
	}
}

// convertMessagesToOpenaiContent converts internal messages to OpenAI chat
// messages. Each tool result becomes its own tool message.
func convertMessagesToOpenaiContent(system string, messages []session.Message) []openai.ChatCompletionMessageParamUnion {
	var out []openai.ChatCompletionMessageParamUnion
	if system != "" {
		out = append(out, openai.SystemMessage(system))
	}
	for _, msg := range messages {
		switch msg.Role {
		case session.RoleSystem:
			out = append(out, openai.SystemMessage(msg.Text()))
		case session.RoleUser:
			out = append(out, openai.UserMessage(msg.Text()))
		case session.RoleAssistant:
			calls := msg.ToolCalls()
			if len(calls) == 0 {
				if text := msg.Text(); text != "" {
					out = append(out, openai.AssistantMessage(text))
				}
				continue
			}
			assistant := openai.ChatCompletionAssistantMessageParam{}
			if text := msg.Text(); text != "" {
				assistant.Content.OfString = openai.String(text)
			}
			for _, c := range calls {
				args, err := json.Marshal(c.Args)
				if err != nil || c.Args == nil {
					args = []byte("{}")
				}
				assistant.ToolCalls = append(assistant.ToolCalls, openai.ChatCompletionMessageToolCallParam{
					ID: c.ToolCallID,
					Function: openai.ChatCompletionMessageToolCallFunctionParam{
						Name:      c.ToolName,
						Arguments: string(args),
					},
				})
			}
			out = append(out, openai.ChatCompletionMessageParamUnion{OfAssistant: &assistant})
		case session.RoleTool:
			for _, r := range msg.ToolResults() {
				out = append(out, openai.ToolMessage(r.Result, r.ToolCallID))
			}
		}
	}
	return out
}

// convertToolsToOpenAITools converts tool manifests to OpenAI function tools.
func convertToolsToOpenAITools(ts []tools.Manifest) []openai.ChatCompletionToolParam {
	if len(ts) == 0 {
		return nil
	}
	out := make([]openai.ChatCompletionToolParam, 0, len(ts))
	for _, t := range ts {
		out = append(out, openai.ChatCompletionToolParam{
			Function: openai.FunctionDefinitionParam{
				Name:        t.Name,
				Description: openai.String(t.Description),
				Parameters:  openai.FunctionParameters(objectSchema(t.InputSchema)),
			},
		})
	}
	return out
}
