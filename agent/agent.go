package agent

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/m4xw311/murmur/config"
	"github.com/m4xw311/murmur/errors"
	"github.com/m4xw311/murmur/llm"
	"github.com/m4xw311/murmur/logging"
	"github.com/m4xw311/murmur/session"
	"github.com/m4xw311/murmur/tools"
)

type Mode string

const (
	ModeAuto   Mode = "auto"
	ModePrompt Mode = "prompt"
)

const (
	// FailureMessage is the text of the error event of a failed turn.
	FailureMessage = "Sorry, something went wrong while answering."
	// FailureNote is recorded in history when a turn fails.
	FailureNote = "Note: the previous reply failed and was not completed."
	// DeniedResult is fed back to the model when the user declines a tool call.
	DeniedResult = "The user declined this tool call."
)

// Tools is what a turn needs from the tool registry.
type Tools interface {
	Manifests() []tools.Manifest
	Invoke(ctx context.Context, name string, args map[string]any) (string, error)
}

// Options configures an Agent. Store and Client are required.
type Options struct {
	Store  *session.Store
	Client llm.LLMClient
	Tools  Tools
	Logger *slog.Logger

	SystemPrompt string
	Temperature  float64
	// MaxSteps bounds provider calls per turn. Defaults to 8.
	MaxSteps int
	// Timeout bounds a whole turn. Defaults to 300s.
	Timeout time.Duration

	Mode Mode
	// Approve is consulted before each tool call in ModePrompt. A nil
	// Approve allows every call.
	Approve func(ctx context.Context, call session.Part) bool
}

// OptionsFromConfig maps the configuration onto Options. The caller fills in
// the collaborators.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		SystemPrompt: cfg.SystemPrompt,
		Temperature:  cfg.Temperature,
		MaxSteps:     cfg.MaxSteps,
		Timeout:      cfg.Timeout(),
		Mode:         ModeAuto,
	}
}

// Agent runs turns against one conversation. Turns of the same Agent run one
// at a time in submission order; separate Agents never block each other.
type Agent struct {
	opts   Options
	logger *slog.Logger

	// tail is closed once the most recently submitted turn has released
	// the conversation.
	tailMu sync.Mutex
	tail   <-chan struct{}

	stateMu sync.Mutex
	current *Turn
}

// New returns an agent over opts.Store.
func New(opts Options) (*Agent, error) {
	if opts.Store == nil {
		return nil, errors.New("agent needs a conversation store")
	}
	if opts.Client == nil {
		return nil, errors.New("agent needs an llm client")
	}
	if opts.MaxSteps < 1 {
		opts.MaxSteps = 8
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 300 * time.Second
	}
	if opts.Mode == "" {
		opts.Mode = ModeAuto
	}
	return &Agent{
		opts:   opts,
		logger: logging.For(opts.Logger, "agent"),
	}, nil
}

// Store returns the conversation the agent works on.
func (a *Agent) Store() *session.Store { return a.opts.Store }

// Mode returns the tool approval mode.
func (a *Agent) Mode() Mode { return a.opts.Mode }

// State returns the state of the running turn, or StateIdle.
func (a *Agent) State() State {
	a.stateMu.Lock()
	t := a.current
	a.stateMu.Unlock()
	if t == nil {
		return StateIdle
	}
	return t.State()
}

// Submit starts a turn for utterance and returns at once. The turn ends when
// it completes, when ctx ends, when Cancel is called or when the timeout
// expires. The timeout counts from the moment the turn gets the conversation,
// not from Submit.
func (a *Agent) Submit(ctx context.Context, utterance string) *Turn {
	ctx, cancel := context.WithCancel(ctx)
	t := newTurn(uuid.NewString(), cancel)
	released := make(chan struct{})

	a.tailMu.Lock()
	prev := a.tail
	a.tail = released
	a.tailMu.Unlock()

	go func() {
		defer close(released)
		if prev != nil {
			select {
			case <-prev:
			case <-ctx.Done():
				// Cancelled while queued: end now, but keep the slot until
				// the previous turn lets go of the conversation.
				t.end(StateCancelled)
				<-prev
				return
			}
		}
		ctx, stop := context.WithTimeout(ctx, a.opts.Timeout)
		defer stop()
		a.run(ctx, t, utterance)
	}()
	return t
}

func (a *Agent) run(ctx context.Context, t *Turn, utterance string) {
	a.stateMu.Lock()
	a.current = t
	a.stateMu.Unlock()
	defer func() {
		a.stateMu.Lock()
		if a.current == t {
			a.current = nil
		}
		a.stateMu.Unlock()
	}()

	log := a.logger.With("turn", t.ID)
	r := &runner{agent: a, turn: t, log: log}
	defer func() {
		if p := recover(); p != nil {
			log.Error("turn panicked", "panic", p, "stack", string(debug.Stack()))
			r.commitStep()
			r.fail(errors.New("panic: %v", p))
		}
		r.finish(ctx)
	}()

	if ctx.Err() != nil {
		r.final = StateCancelled
		return
	}
	store := a.opts.Store
	store.Append(session.UserMessage(utterance))
	r.loop(session.WithStore(ctx, store))
}

// runner holds the state of one turn while it runs.
type runner struct {
	agent *Agent
	turn  *Turn
	log   *slog.Logger

	// produced holds the complete messages of this turn, not yet in the store.
	produced []session.Message
	// step holds the text and the answered calls of the step whose tools are
	// running. A call enters it only together with its result.
	step *toolStep
	final    State
	failure  error
}

func (r *runner) loop(ctx context.Context) {
	a := r.agent
	for step := 0; step < a.opts.MaxSteps; step++ {
		if ctx.Err() != nil {
			r.final = StateCancelled
			return
		}
		r.turn.setState(StateStreaming)

		var manifests []tools.Manifest
		if a.opts.Tools != nil {
			manifests = a.opts.Tools.Manifests()
		}
		req := llm.Request{
			System:      a.opts.SystemPrompt,
			Messages:    append(a.opts.Store.Context(), r.produced...),
			Tools:       manifests,
			Temperature: a.opts.Temperature,
			MaxSteps:    a.opts.MaxSteps,
		}

		var text strings.Builder
		var calls []session.Part
		var chunks chunker
		var streamErr error
		for c, err := range a.opts.Client.StreamCompletion(ctx, req) {
			if ctx.Err() != nil {
				break
			}
			if err != nil {
				streamErr = err
				break
			}
			if c.Text != "" {
				text.WriteString(c.Text)
				for _, chunk := range chunks.push(c.Text) {
					r.turn.emit(Event{Kind: EventText, Text: chunk})
				}
			}
			if c.ToolCall != nil {
				calls = append(calls, *c.ToolCall)
			}
		}

		if ctx.Err() != nil {
			// Keep what was said; drop tool calls that never ran.
			if text.Len() > 0 {
				r.produced = append(r.produced, session.AssistantMessage(text.String()))
			}
			r.final = StateCancelled
			return
		}
		if streamErr != nil {
			r.fail(streamErr)
			return
		}
		if rest := chunks.flush(); rest != "" {
			r.turn.emit(Event{Kind: EventText, Text: rest})
		}

		if len(calls) == 0 {
			if text.Len() > 0 {
				r.produced = append(r.produced, session.AssistantMessage(text.String()))
			}
			r.final = StateCompleted
			return
		}

		r.turn.setState(StateToolExecuting)
		r.step = &toolStep{text: text.String()}
		for _, call := range calls {
			if ctx.Err() != nil {
				break
			}
			res := r.invoke(ctx, call)
			r.step.calls = append(r.step.calls, call)
			r.step.results = append(r.step.results, res)
		}
		skipped := len(calls) - len(r.step.calls)
		r.commitStep()
		if ctx.Err() != nil {
			r.log.Info("tool calls skipped after cancel", "skipped", skipped)
			r.final = StateCancelled
			return
		}
	}
	r.log.Info("step limit reached", "max_steps", a.opts.MaxSteps)
	r.final = StateCompleted
}

type toolStep struct {
	text    string
	calls   []session.Part
	results []session.Part
}

// commitStep moves the running step into produced: its text, and each call
// that has a result next to that result.
func (r *runner) commitStep() {
	st := r.step
	r.step = nil
	if st == nil {
		return
	}
	reply := session.Message{Role: session.RoleAssistant}
	if st.text != "" {
		reply.Parts = append(reply.Parts, session.TextPart(st.text))
	}
	reply.Parts = append(reply.Parts, st.calls...)
	if len(reply.Parts) > 0 {
		r.produced = append(r.produced, reply)
	}
	if len(st.results) > 0 {
		r.produced = append(r.produced, session.Message{Role: session.RoleTool, Parts: st.results})
	}
}

// invoke runs one tool call to completion, even when the turn is cancelled
// meanwhile, and returns its result part.
func (r *runner) invoke(ctx context.Context, call session.Part) session.Part {
	a := r.agent
	r.turn.emit(Event{Kind: EventToolStart, ToolName: call.ToolName, ToolCallID: call.ToolCallID, Args: call.Args})

	var result string
	var err error
	switch {
	case a.opts.Mode == ModePrompt && a.opts.Approve != nil && !a.opts.Approve(ctx, call):
		result, err = DeniedResult, errors.New("tool call '%s' declined", call.ToolName)
	case a.opts.Tools == nil:
		err = errors.Wrapf(errors.ErrToolNotFound, "no tools available")
	default:
		start := time.Now()
		result, err = a.opts.Tools.Invoke(context.WithoutCancel(ctx), call.ToolName, call.Args)
		r.log.Debug("tool finished", "tool", call.ToolName, "duration", time.Since(start), "error", err)
	}

	isError := err != nil
	if isError && result == "" {
		result = fmt.Sprintf("Error: %v", err)
	}
	if isError {
		r.log.Warn("tool call failed", "tool", call.ToolName, "error", err)
	}
	r.turn.emit(Event{Kind: EventToolEnd, ToolName: call.ToolName, ToolCallID: call.ToolCallID, Result: result, IsError: isError})
	return session.ToolResultPart(call.ToolCallID, call.ToolName, result, isError)
}

func (r *runner) fail(err error) {
	r.failure = err
	r.final = StateFailed
}

// finish records the turn in the store, persists it and ends the event stream.
func (r *runner) finish(ctx context.Context) {
	store := r.agent.opts.Store
	switch r.final {
	case StateFailed:
		r.log.Error("turn failed", "error", r.failure)
		r.turn.emit(Event{Kind: EventError, Text: FailureMessage})
		store.Append(append(r.produced, session.SystemMessage(FailureNote))...)
	case StateCancelled:
		reason := "cancelled"
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			reason = "timeout"
		}
		r.log.Info("turn cancelled", "reason", reason)
		if len(r.produced) > 0 {
			store.Append(r.produced...)
		}
	default:
		r.final = StateCompleted
		if len(r.produced) > 0 {
			store.Append(r.produced...)
		}
	}
	if err := store.Persist(); err != nil {
		r.log.Error("could not persist conversation", "error", err)
	}
	r.turn.end(r.final)
}
