// Package agent runs conversational turns for murmur.
//
// An Agent owns one conversation (a session.Store) and turns a user utterance
// into a stream of speakable text chunks, calling tools through the registry
// as the model asks for them. The same Agent type backs every host surface:
// the terminal loop, the ACP server and the WebSocket bridge.
//
// # Turns
//
// Submit returns a *Turn at once. The turn runs in its own goroutine and moves
// through these states:
//
//	submitted -> streaming -> (tool_executing -> streaming)* -> completed | cancelled | failed
//
// Turns of one Agent run strictly one after another in submission order.
// Turns of different Agents are independent.
//
// # Events
//
// Turn.Events yields, in order:
//
//   - text: a chunk ready to be spoken or printed
//   - tool_start / tool_end: bracketing each tool call, tool_end also on failure
//   - error: a generic message when the turn failed
//   - end: always last, carrying the final state
//
// Text is released in chunks. A chunk ends at the first 。、or ！ found at rune
// index 10 or later; whatever is left when a model step ends is released as
// is, unless it is only whitespace.
//
// # Cancellation
//
// Turn.Cancel, the parent context and the per-turn timeout all stop the turn
// the same way: no more events or provider calls, the partial reply text is
// kept in history, and a tool call already running completes first.
//
// # Modes
//
//   - ModeAuto: tools run without confirmation
//   - ModePrompt: Options.Approve is asked before every tool call
//
// # Subpackages
//
// agent/terminal: interactive command-line frontend.
//
// agent/acp: Agent Client Protocol server over stdio for editor integration.
package agent
