package agent

import (
	"context"
	"sync"
)

// State is the lifecycle state of a turn.
type State string

const (
	StateIdle          State = "idle"
	StateSubmitted     State = "submitted"
	StateStreaming     State = "streaming"
	StateToolExecuting State = "tool_executing"
	StateCompleted     State = "completed"
	StateCancelled     State = "cancelled"
	StateFailed        State = "failed"
)

// Terminal reports whether s ends a turn.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateCancelled || s == StateFailed
}

// Turn is one submitted utterance and everything produced in reply.
type Turn struct {
	ID string

	events *emitter
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once

	mu    sync.Mutex
	state State
}

func newTurn(id string, cancel context.CancelFunc) *Turn {
	return &Turn{
		ID:     id,
		events: newEmitter(id),
		cancel: cancel,
		done:   make(chan struct{}),
		state:  StateSubmitted,
	}
}

// Events streams the turn's output. The last event has kind EventEnd; the
// channel is closed right after it. Callers should drain it.
func (t *Turn) Events() <-chan Event { return t.events.out }

// Cancel stops the turn. Text already produced is kept; a running tool call
// finishes first. Cancelling an ended turn has no effect.
func (t *Turn) Cancel() { t.cancel() }

// Wait blocks until the turn has ended and returns its final state.
func (t *Turn) Wait() State {
	<-t.done
	return t.State()
}

// Done is closed when the turn has ended.
func (t *Turn) Done() <-chan struct{} { return t.done }

// State returns the current state.
func (t *Turn) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Turn) setState(s State) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.state.Terminal() {
		t.state = s
	}
}

func (t *Turn) emit(ev Event) {
	t.events.emit(ev)
}

// end records the final state, emits the end marker and closes the stream.
// Only the first call has an effect.
func (t *Turn) end(final State) {
	t.once.Do(func() {
		t.setState(final)
		t.events.emit(Event{Kind: EventEnd, State: final})
		t.events.close()
		t.cancel()
		close(t.done)
	})
}
