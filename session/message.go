package session

import "strings"

// Roles a Message can carry.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
	RoleTool      = "tool"
)

// Part types.
const (
	PartText       = "text"
	PartToolCall   = "tool_call"
	PartToolResult = "tool_result"
)

// Part is one element of a structured message. Exactly the fields belonging
// to Type are meaningful.
type Part struct {
	Type string `json:"type"`

	// PartText
	Text string `json:"text,omitempty"`

	// PartToolCall and PartToolResult
	ToolCallID string `json:"toolCallId,omitempty"`
	ToolName   string `json:"toolName,omitempty"`

	// PartToolCall
	Args map[string]any `json:"args,omitempty"`

	// PartToolResult
	Result  string `json:"result,omitempty"`
	IsError bool   `json:"isError,omitempty"`
}

// TextPart returns a text part.
func TextPart(text string) Part {
	return Part{Type: PartText, Text: text}
}

// ToolCallPart returns a tool call request part.
func ToolCallPart(id, name string, args map[string]any) Part {
	return Part{Type: PartToolCall, ToolCallID: id, ToolName: name, Args: args}
}

// ToolResultPart returns the result part answering the tool call with the same id.
func ToolResultPart(id, name, result string, isError bool) Part {
	return Part{Type: PartToolResult, ToolCallID: id, ToolName: name, Result: result, IsError: isError}
}

// Message is one entry of the conversation log. Content holds plain text;
// when Parts is non-empty it is the authoritative, structured form.
type Message struct {
	Role    string `json:"role"` // "user", "assistant", "system", "tool"
	Content string `json:"content,omitempty"`
	Parts   []Part `json:"parts,omitempty"`
}

// Text returns the textual content of the message, joining text parts.
func (m Message) Text() string {
	if len(m.Parts) == 0 {
		return m.Content
	}
	var sb strings.Builder
	for _, p := range m.Parts {
		if p.Type == PartText {
			sb.WriteString(p.Text)
		}
	}
	return sb.String()
}

// ToolCalls returns the tool call parts of the message in order.
func (m Message) ToolCalls() []Part {
	return m.partsOf(PartToolCall)
}

// ToolResults returns the tool result parts of the message in order.
func (m Message) ToolResults() []Part {
	return m.partsOf(PartToolResult)
}

func (m Message) partsOf(typ string) []Part {
	var out []Part
	for _, p := range m.Parts {
		if p.Type == typ {
			out = append(out, p)
		}
	}
	return out
}

// toolCallIDs returns the ids of every tool call or tool result carried by m.
func (m Message) toolCallIDs() []string {
	var ids []string
	for _, p := range m.Parts {
		if (p.Type == PartToolCall || p.Type == PartToolResult) && p.ToolCallID != "" {
			ids = append(ids, p.ToolCallID)
		}
	}
	return ids
}

// clone deep-copies the part slice and argument maps so that stored history
// never aliases caller memory.
func (m Message) clone() Message {
	if m.Parts == nil {
		return m
	}
	parts := make([]Part, len(m.Parts))
	for i, p := range m.Parts {
		if p.Args != nil {
			args := make(map[string]any, len(p.Args))
			for k, v := range p.Args {
				args[k] = v
			}
			p.Args = args
		}
		parts[i] = p
	}
	m.Parts = parts
	return m
}

// UserMessage returns a plain-text user message.
func UserMessage(text string) Message {
	return Message{Role: RoleUser, Content: text}
}

// AssistantMessage returns a plain-text assistant message.
func AssistantMessage(text string) Message {
	return Message{Role: RoleAssistant, Content: text}
}

// SystemMessage returns a plain-text system message.
func SystemMessage(text string) Message {
	return Message{Role: RoleSystem, Content: text}
}
