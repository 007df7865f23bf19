package terminal

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/m4xw311/murmur/agent"
	"github.com/m4xw311/murmur/errors"
	"github.com/m4xw311/murmur/session"
)

// Verbosity controls how much of the tool activity is printed.
type Verbosity string

const (
	VerbosityNone Verbosity = "none"
	VerbosityInfo Verbosity = "info"
	VerbosityAll  Verbosity = "all"
)

// ParseVerbosity validates a verbosity name. The empty string means none.
func ParseVerbosity(s string) (Verbosity, error) {
	switch v := Verbosity(s); v {
	case "":
		return VerbosityNone, nil
	case VerbosityNone, VerbosityInfo, VerbosityAll:
		return v, nil
	}
	return "", errors.New("invalid tool verbosity '%s'. Must be 'none', 'info', or 'all'", s)
}

// Terminal handles the interactive command-line mode.
type Terminal struct {
	in        *bufio.Reader
	out       io.Writer
	verbosity Verbosity
}

// New returns a terminal reading from in and printing to out.
func New(in io.Reader, out io.Writer, verbosity Verbosity) *Terminal {
	return &Terminal{in: bufio.NewReader(in), out: out, verbosity: verbosity}
}

// Approve asks the user whether a tool call may run. It fits
// agent.Options.Approve.
func (t *Terminal) Approve(ctx context.Context, call session.Part) bool {
	fmt.Fprintf(t.out, "Murmur wants to call tool `%s` with args: %v\n", call.ToolName, call.Args)
	fmt.Fprint(t.out, "Do you want to allow this? (y/n): ")
	answer, _ := t.in.ReadString('\n')
	return strings.EqualFold(strings.TrimSpace(answer), "y")
}

// Run reads utterances until EOF, /quit or /exit, answering each through a.
// A non-empty initialPrompt is answered first.
func (t *Terminal) Run(ctx context.Context, a *agent.Agent, initialPrompt string) error {
	if initialPrompt != "" {
		t.processTurn(ctx, a, initialPrompt)
	}

	for ctx.Err() == nil {
		fmt.Fprint(t.out, "You: ")
		line, err := t.in.ReadString('\n')
		input := strings.TrimSpace(line)
		if input == "/quit" || input == "/exit" {
			return nil
		}
		if input != "" {
			t.processTurn(ctx, a, input)
		}
		if err == io.EOF {
			fmt.Fprintln(t.out)
			return nil
		}
		if err != nil {
			return errors.Wrapf(err, "reading input")
		}
	}
	return nil
}

// processTurn submits one utterance and prints the turn as it streams.
func (t *Terminal) processTurn(ctx context.Context, a *agent.Agent, input string) agent.State {
	turn := a.Submit(ctx, input)
	speaking := false
	stopSpeaking := func() {
		if speaking {
			fmt.Fprintln(t.out)
			speaking = false
		}
	}

	final := agent.StateCompleted
	for ev := range turn.Events() {
		switch ev.Kind {
		case agent.EventText:
			if !speaking {
				fmt.Fprint(t.out, "Murmur: ")
				speaking = true
			}
			fmt.Fprint(t.out, ev.Text)
		case agent.EventToolStart:
			stopSpeaking()
			switch t.verbosity {
			case VerbosityAll:
				fmt.Fprintf(t.out, "Murmur called tool `%s` with args: %v\n", ev.ToolName, ev.Args)
			case VerbosityInfo:
				fmt.Fprintf(t.out, "Murmur called tool `%s`\n", ev.ToolName)
			}
		case agent.EventToolEnd:
			if t.verbosity == VerbosityAll {
				fmt.Fprintf(t.out, "Tool `%s` output: %s\n", ev.ToolName, ev.Result)
			}
		case agent.EventError:
			stopSpeaking()
			fmt.Fprintf(t.out, "Murmur: %s\n", ev.Text)
		case agent.EventEnd:
			stopSpeaking()
			final = ev.State
			if final == agent.StateCancelled {
				fmt.Fprintln(t.out, "(cancelled)")
			}
		}
	}
	return final
}
