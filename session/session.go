package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/m4xw311/murmur/errors"
)

const (
	// DefaultMessageLimit bounds the resident message log.
	DefaultMessageLimit = 50
	// MaxNotes bounds the short-term notes list.
	MaxNotes = 10
	// CompressedResult replaces tool result text during compression.
	CompressedResult = "[tool result omitted]"
)

// SummaryMap records, per tool name, the arguments of the most recent evicted
// call to that tool.
type SummaryMap map[string]map[string]any

// State is the full conversation state. Summary is nil until the first
// eviction and non-nil (possibly empty) afterwards.
type State struct {
	Summary        SummaryMap `json:"summary"`
	Messages       []Message  `json:"messages"`
	ShortTermNotes []string   `json:"shortTermNotes"`
}

type Options struct {
	// Path of the JSON snapshot. Empty disables persistence.
	Path string
	// MessageLimit bounds len(Messages). Values < 1 mean DefaultMessageLimit.
	MessageLimit int
	// CompressionLimit is how many of the oldest messages get their tool
	// results compressed after each append. Zero disables compression.
	CompressionLimit int
}

// Store owns one conversation's state. It is not safe for concurrent use:
// callers serialize mutations per conversation.
type Store struct {
	opts  Options
	state State
}

// New returns an empty store.
func New(opts Options) *Store {
	if opts.MessageLimit < 1 {
		opts.MessageLimit = DefaultMessageLimit
	}
	return &Store{opts: opts, state: State{Messages: []Message{}, ShortTermNotes: []string{}}}
}

// Open returns a store restored from opts.Path. The store is always usable: a
// corrupt snapshot leaves it empty and is reported as ErrPersistence so the
// caller can log it.
func Open(opts Options) (*Store, error) {
	s := New(opts)
	return s, s.Restore()
}

// PathFor returns the snapshot path of a named conversation under dir.
func PathFor(dir, name string) string {
	return filepath.Join(dir, fmt.Sprintf("%s.json", name))
}

// Path returns the snapshot path.
func (s *Store) Path() string { return s.opts.Path }

// Limit returns the message limit.
func (s *Store) Limit() int { return s.opts.MessageLimit }

// Append adds messages to the log, then evicts down to the limit and applies
// compression once.
func (s *Store) Append(msgs ...Message) {
	for _, m := range msgs {
		s.state.Messages = append(s.state.Messages, m.clone())
	}
	s.evict()
	if s.opts.CompressionLimit > 0 {
		s.Compress(s.opts.CompressionLimit)
	}
}

// evict removes the oldest message, together with every message sharing a
// tool call id with it, until the log fits. Tool calls of removed messages
// are merged into the summary, oldest first, so the newest args win.
func (s *Store) evict() {
	for len(s.state.Messages) > s.opts.MessageLimit {
		msgs := s.state.Messages
		remove := map[int]bool{0: true}
		ids := map[string]bool{}
		for _, id := range msgs[0].toolCallIDs() {
			ids[id] = true
		}

		// Grow the removal set until no resident message shares an id with it.
		for changed := len(ids) > 0; changed; {
			changed = false
			for i := 1; i < len(msgs); i++ {
				if remove[i] || !sharesID(msgs[i], ids) {
					continue
				}
				remove[i] = true
				for _, id := range msgs[i].toolCallIDs() {
					ids[id] = true
				}
				changed = true
			}
		}

		if s.state.Summary == nil {
			s.state.Summary = SummaryMap{}
		}
		kept := make([]Message, 0, len(msgs)-len(remove))
		for i, m := range msgs {
			if !remove[i] {
				kept = append(kept, m)
				continue
			}
			for _, call := range m.ToolCalls() {
				s.state.Summary[call.ToolName] = call.Args
			}
		}
		s.state.Messages = kept
	}
}

func sharesID(m Message, ids map[string]bool) bool {
	for _, id := range m.toolCallIDs() {
		if ids[id] {
			return true
		}
	}
	return false
}

// Compress replaces the text of tool results in the oldest n messages with a
// placeholder. Message and part structure is preserved.
func (s *Store) Compress(n int) {
	if n > len(s.state.Messages) {
		n = len(s.state.Messages)
	}
	for i := 0; i < n; i++ {
		for j := range s.state.Messages[i].Parts {
			p := &s.state.Messages[i].Parts[j]
			if p.Type == PartToolResult {
				p.Result = CompressedResult
			}
		}
	}
}

// AddNote records a short-term note, keeping only the newest MaxNotes.
func (s *Store) AddNote(note string) {
	note = strings.TrimSpace(note)
	if note == "" {
		return
	}
	s.state.ShortTermNotes = append(s.state.ShortTermNotes, note)
	if over := len(s.state.ShortTermNotes) - MaxNotes; over > 0 {
		s.state.ShortTermNotes = append([]string{}, s.state.ShortTermNotes[over:]...)
	}
}

// Messages returns a copy of the resident messages.
func (s *Store) Messages() []Message {
	out := make([]Message, len(s.state.Messages))
	for i, m := range s.state.Messages {
		out[i] = m.clone()
	}
	return out
}

// Summary returns a copy of the summary, nil if nothing was evicted yet.
func (s *Store) Summary() SummaryMap {
	if s.state.Summary == nil {
		return nil
	}
	out := make(SummaryMap, len(s.state.Summary))
	for k, v := range s.state.Summary {
		out[k] = v
	}
	return out
}

// Notes returns a copy of the short-term notes.
func (s *Store) Notes() []string {
	return append([]string{}, s.state.ShortTermNotes...)
}

// State returns a copy of the whole conversation state.
func (s *Store) State() State {
	return State{Summary: s.Summary(), Messages: s.Messages(), ShortTermNotes: s.Notes()}
}

// Context returns what a model sees: the summary as a leading system message
// (JSON object), the short-term notes as one system message, then the
// resident messages.
func (s *Store) Context() []Message {
	var out []Message
	if s.state.Summary != nil {
		data, err := json.Marshal(s.state.Summary)
		if err == nil {
			out = append(out, SystemMessage(string(data)))
		}
	}
	if len(s.state.ShortTermNotes) > 0 {
		out = append(out, SystemMessage("Notes:\n- "+strings.Join(s.state.ShortTermNotes, "\n- ")))
	}
	return append(out, s.Messages()...)
}

// Persist writes the snapshot atomically. A store without a path is a no-op.
func (s *Store) Persist() error {
	if s.opts.Path == "" {
		return nil
	}
	data, err := json.MarshalIndent(s.state, "", "  ")
	if err != nil {
		return errors.Mark(err, errors.ErrPersistence, "failed to serialize conversation")
	}
	dir := filepath.Dir(s.opts.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Mark(err, errors.ErrPersistence, "could not create state directory")
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(s.opts.Path)+".*.tmp")
	if err != nil {
		return errors.Mark(err, errors.ErrPersistence, "could not create snapshot")
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errors.Mark(err, errors.ErrPersistence, "could not write snapshot")
	}
	if err := tmp.Close(); err != nil {
		return errors.Mark(err, errors.ErrPersistence, "could not write snapshot")
	}
	if err := os.Rename(tmp.Name(), s.opts.Path); err != nil {
		return errors.Mark(err, errors.ErrPersistence, "could not replace snapshot %s", s.opts.Path)
	}
	return nil
}

// Restore replaces the state with the snapshot at Path. A missing snapshot
// yields an empty state and no error; an unreadable or corrupt one yields an
// empty state and ErrPersistence.
func (s *Store) Restore() error {
	s.state = State{Messages: []Message{}, ShortTermNotes: []string{}}
	if s.opts.Path == "" {
		return nil
	}
	data, err := os.ReadFile(s.opts.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Mark(err, errors.ErrPersistence, "could not read snapshot %s", s.opts.Path)
	}

	var snap State
	if err := json.Unmarshal(data, &snap); err != nil {
		return errors.Mark(err, errors.ErrPersistence, "could not parse snapshot %s", s.opts.Path)
	}
	if snap.Messages == nil {
		snap.Messages = []Message{}
	}
	if snap.ShortTermNotes == nil {
		snap.ShortTermNotes = []string{}
	}
	if snap.Summary == nil {
		snap.Summary, snap.Messages = liftLegacySummary(snap.Messages)
	}
	s.state = snap
	if over := len(s.state.ShortTermNotes) - MaxNotes; over > 0 {
		s.state.ShortTermNotes = s.state.ShortTermNotes[over:]
	}
	s.evict()
	return nil
}

// liftLegacySummary recognizes snapshots that stored the summary as a leading
// system message holding a JSON object and moves it into the summary field.
func liftLegacySummary(msgs []Message) (SummaryMap, []Message) {
	if len(msgs) == 0 || msgs[0].Role != RoleSystem || len(msgs[0].Parts) > 0 {
		return nil, msgs
	}
	text := strings.TrimSpace(msgs[0].Content)
	if !strings.HasPrefix(text, "{") {
		return nil, msgs
	}
	var summary SummaryMap
	if err := json.Unmarshal([]byte(text), &summary); err != nil {
		return nil, msgs
	}
	if summary == nil {
		summary = SummaryMap{}
	}
	return summary, msgs[1:]
}
