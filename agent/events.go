package agent

import (
	"sync"
	"time"
)

// EventKind identifies what a turn reports.
type EventKind string

const (
	EventText      EventKind = "text"
	EventToolStart EventKind = "tool_start"
	EventToolEnd   EventKind = "tool_end"
	EventError     EventKind = "error"
	EventEnd       EventKind = "end"
)

// Event is one element of a turn's output stream.
type Event struct {
	Kind      EventKind `json:"kind"`
	Timestamp time.Time `json:"timestamp"`
	TurnID    string    `json:"turnId"`

	// EventText: a speakable chunk. EventError: a generic, user-facing message.
	Text string `json:"text,omitempty"`

	// EventToolStart and EventToolEnd.
	ToolName   string         `json:"toolName,omitempty"`
	ToolCallID string         `json:"toolCallId,omitempty"`
	Args       map[string]any `json:"args,omitempty"`
	// EventToolEnd only.
	Result  string `json:"result,omitempty"`
	IsError bool   `json:"isError,omitempty"`

	// EventEnd: the final state of the turn.
	State State `json:"state,omitempty"`
}

// emitter queues events without bound and forwards them, in order, to the
// consumer channel. A slow consumer never stalls the turn.
type emitter struct {
	turnID string
	out    chan Event
	wake   chan struct{}

	mu     sync.Mutex
	queue  []Event
	closed bool
}

func newEmitter(turnID string) *emitter {
	e := &emitter{turnID: turnID, out: make(chan Event), wake: make(chan struct{}, 1)}
	go e.pump()
	return e
}

func (e *emitter) emit(ev Event) {
	ev.TurnID = e.turnID
	ev.Timestamp = time.Now()
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.queue = append(e.queue, ev)
	e.mu.Unlock()
	e.notify()
}

// close stops accepting events. Queued events are still delivered before the
// channel is closed.
func (e *emitter) close() {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	e.notify()
}

func (e *emitter) notify() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func (e *emitter) pump() {
	defer close(e.out)
	for {
		e.mu.Lock()
		batch, closed := e.queue, e.closed
		e.queue = nil
		e.mu.Unlock()

		for _, ev := range batch {
			e.out <- ev
		}
		if closed {
			return
		}
		<-e.wake
	}
}
