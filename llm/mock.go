package llm

import (
	"context"
	"fmt"
	"iter"
	"sync"
	"time"

	"github.com/m4xw311/murmur/session"
)

// MockStep scripts one provider step.
type MockStep struct {
	Chunks []Chunk
	// Delay is waited before each chunk.
	Delay time.Duration
	// Err is yielded after the chunks.
	Err error
	// Panic, when non-nil, is raised instead of streaming.
	Panic any
}

// MockLLMClient replays scripted steps, one per StreamCompletion call. Once
// the script is exhausted, Respond (when set) produces further steps;
// otherwise the step is empty.
type MockLLMClient struct {
	Respond func(req Request) MockStep

	mu       sync.Mutex
	steps    []MockStep
	requests []Request
}

// NewMockLLMClient returns a client replaying steps in order.
func NewMockLLMClient(steps ...MockStep) *MockLLMClient {
	return &MockLLMClient{steps: steps}
}

// NewEchoLLMClient returns the offline client behind the "mock" setting. It
// answers every turn by echoing the last user message.
func NewEchoLLMClient() *MockLLMClient {
	return &MockLLMClient{Respond: func(req Request) MockStep {
		last := ""
		for i := len(req.Messages) - 1; i >= 0; i-- {
			if req.Messages[i].Role == session.RoleUser {
				last = req.Messages[i].Text()
				break
			}
		}
		return MockStep{Chunks: []Chunk{{Text: fmt.Sprintf("I am a mock LLM. You said: '%s'.", last)}}}
	}}
}

// TextStep scripts a step streaming the given fragments.
func TextStep(fragments ...string) MockStep {
	chunks := make([]Chunk, len(fragments))
	for i, f := range fragments {
		chunks[i] = Chunk{Text: f}
	}
	return MockStep{Chunks: chunks}
}

// ToolStep scripts a step requesting one tool call.
func ToolStep(id, name string, args map[string]any) MockStep {
	call := session.ToolCallPart(id, name, args)
	return MockStep{Chunks: []Chunk{{ToolCall: &call}}}
}

// Requests returns every request received so far.
func (m *MockLLMClient) Requests() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Request{}, m.requests...)
}

func (m *MockLLMClient) next(req Request) MockStep {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)
	if len(m.steps) > 0 {
		step := m.steps[0]
		m.steps = m.steps[1:]
		return step
	}
	if m.Respond != nil {
		return m.Respond(req)
	}
	return MockStep{}
}

func (m *MockLLMClient) StreamCompletion(ctx context.Context, req Request) iter.Seq2[Chunk, error] {
	return func(yield func(Chunk, error) bool) {
		step := m.next(req)
		if step.Panic != nil {
			panic(step.Panic)
		}
		for _, c := range step.Chunks {
			if step.Delay > 0 {
				select {
				case <-time.After(step.Delay):
				case <-ctx.Done():
					yield(Chunk{}, providerErr(ctx.Err(), "mock stream interrupted"))
					return
				}
			}
			if !yield(c, nil) {
				return
			}
		}
		if step.Err != nil {
			yield(Chunk{}, providerErr(step.Err, "mock step failed"))
		}
	}
}
