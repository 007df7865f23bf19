// Package terminal implements the interactive command-line mode of murmur.
//
// The user types utterances at a "You: " prompt; each one becomes an agent
// turn whose text is printed as it streams. /quit or /exit ends the session,
// as does the end of input.
//
// # Usage
//
//	term := terminal.New(os.Stdin, os.Stdout, terminal.VerbosityInfo)
//	opts.Approve = term.Approve // only consulted in agent.ModePrompt
//	a, err := agent.New(opts)
//	if err != nil {
//	    // handle error
//	}
//	err = term.Run(ctx, a, initialPrompt)
//
// # Verbosity Levels
//
//   - none: no tool activity is printed
//   - info: tool names are printed when called
//   - all: tool names, arguments and results are printed
package terminal
