package session

import (
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/m4xw311/murmur/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func toolCall(id, name string, args map[string]any) Message {
	return Message{Role: RoleAssistant, Parts: []Part{ToolCallPart(id, name, args)}}
}

func toolResult(id, name, result string) Message {
	return Message{Role: RoleTool, Parts: []Part{ToolResultPart(id, name, result, false)}}
}

// assertPaired fails when a resident tool call lacks its result or vice versa.
func assertPaired(t *testing.T, msgs []Message) {
	t.Helper()
	calls, results := map[string]int{}, map[string]int{}
	for _, m := range msgs {
		for _, p := range m.ToolCalls() {
			calls[p.ToolCallID]++
		}
		for _, p := range m.ToolResults() {
			results[p.ToolCallID]++
		}
	}
	for id, n := range calls {
		assert.Equal(t, 1, n, "call %s", id)
		assert.Equal(t, 1, results[id], "result for call %s", id)
	}
	for id := range results {
		assert.Contains(t, calls, id, "orphaned result %s", id)
	}
}

func TestAppendEvictsToLimit(t *testing.T) {
	// message_limit=3 and four user/assistant pairs.
	s := New(Options{MessageLimit: 3})
	for i := 0; i < 4; i++ {
		s.Append(UserMessage(fmt.Sprintf("question %d", i)))
		s.Append(AssistantMessage(fmt.Sprintf("answer %d", i)))
		assert.LessOrEqual(t, len(s.Messages()), 3)
	}

	msgs := s.Messages()
	require.Len(t, msgs, 3)
	assert.Equal(t, "answer 2", msgs[0].Text())
	assert.Equal(t, "question 3", msgs[1].Text())
	assert.Equal(t, "answer 3", msgs[2].Text())
	assert.NotNil(t, s.Summary(), "summary exists once anything was evicted")

	ctx := s.Context()
	require.Len(t, ctx, 4)
	assert.Equal(t, RoleSystem, ctx[0].Role)
	assert.Equal(t, "{}", ctx[0].Content)
}

func TestAppendEvictsToolPairTogether(t *testing.T) {
	s := New(Options{MessageLimit: 3})
	s.Append(UserMessage("what's the weather in Osaka?"))
	s.Append(
		toolCall("call_1", "weather", map[string]any{"city": "Osaka"}),
		toolResult("call_1", "weather", "sunny, 24C"),
		AssistantMessage("It is sunny."),
	)
	// Four messages against a limit of three: the user message goes first,
	// leaving the pair intact.
	require.Len(t, s.Messages(), 3)
	assertPaired(t, s.Messages())
	assert.Empty(t, s.Summary())

	// One more message straddles the boundary: the call is oldest, so the
	// call and its result leave together.
	s.Append(UserMessage("thanks"))
	msgs := s.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "It is sunny.", msgs[0].Text())
	assert.Equal(t, "thanks", msgs[1].Text())
	assertPaired(t, msgs)
	assert.Equal(t, SummaryMap{"weather": {"city": "Osaka"}}, s.Summary())
}

func TestEvictionFollowsSharedIDs(t *testing.T) {
	// Two parallel calls answered in separate tool messages.
	s := New(Options{MessageLimit: 4})
	s.Append(
		Message{Role: RoleAssistant, Parts: []Part{
			TextPart("checking"),
			ToolCallPart("a", "search", map[string]any{"q": "go"}),
			ToolCallPart("b", "clock", nil),
		}},
		toolResult("a", "search", "golang.org"),
		toolResult("b", "clock", "12:00"),
		AssistantMessage("done"),
		UserMessage("next"),
	)

	msgs := s.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "done", msgs[0].Text())
	assertPaired(t, msgs)
	summary := s.Summary()
	assert.Equal(t, map[string]any{"q": "go"}, summary["search"])
	assert.Contains(t, summary, "clock")
}

func TestSummaryKeepsLatestArgs(t *testing.T) {
	s := New(Options{MessageLimit: 2})
	s.Append(toolCall("1", "search", map[string]any{"q": "first"}), toolResult("1", "search", "r1"))
	s.Append(toolCall("2", "search", map[string]any{"q": "second"}), toolResult("2", "search", "r2"))
	s.Append(UserMessage("x"), UserMessage("y"))

	assert.Equal(t, map[string]any{"q": "second"}, s.Summary()["search"])
}

func TestAppendInvariantsHoldForRandomSequences(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for limit := 2; limit <= 9; limit++ {
		s := New(Options{MessageLimit: limit, CompressionLimit: rng.Intn(3)})
		next := 0
		for step := 0; step < 200; step++ {
			switch rng.Intn(3) {
			case 0:
				s.Append(UserMessage("hi"))
			case 1:
				s.Append(AssistantMessage("hello"))
			default:
				id := fmt.Sprintf("call_%d", next)
				next++
				s.Append(toolCall(id, "tool", map[string]any{"n": next}), toolResult(id, "tool", "ok"))
			}
			require.LessOrEqual(t, len(s.Messages()), limit)
			assertPaired(t, s.Messages())
		}
	}
}

func TestCompressPreservesShape(t *testing.T) {
	s := New(Options{MessageLimit: 10, CompressionLimit: 2})
	s.Append(toolCall("1", "read_file", map[string]any{"path": "a"}), toolResult("1", "read_file", "a long file body"))
	s.Append(toolCall("2", "read_file", map[string]any{"path": "b"}), toolResult("2", "read_file", "another body"))

	msgs := s.Messages()
	require.Len(t, msgs, 4)
	assert.Equal(t, CompressedResult, msgs[1].ToolResults()[0].Result)
	assert.Equal(t, "another body", msgs[3].ToolResults()[0].Result)
	assert.Equal(t, "1", msgs[1].ToolResults()[0].ToolCallID)
	assertPaired(t, msgs)
}

func TestAppendDoesNotAliasCaller(t *testing.T) {
	s := New(Options{})
	args := map[string]any{"path": "a"}
	msg := toolCall("1", "read_file", args)
	s.Append(msg, toolResult("1", "read_file", "x"))

	args["path"] = "mutated"
	msg.Parts[0].ToolName = "mutated"

	stored := s.Messages()[0].ToolCalls()[0]
	assert.Equal(t, "read_file", stored.ToolName)
	assert.Equal(t, "a", stored.Args["path"])
}

func TestNotesAreBounded(t *testing.T) {
	s := New(Options{})
	for i := 0; i < 15; i++ {
		s.AddNote(fmt.Sprintf("note %d", i))
	}
	s.AddNote("   ")

	notes := s.Notes()
	require.Len(t, notes, MaxNotes)
	assert.Equal(t, "note 5", notes[0])
	assert.Equal(t, "note 14", notes[9])

	ctx := s.Context()
	assert.Equal(t, RoleSystem, ctx[0].Role)
	assert.Contains(t, ctx[0].Content, "- note 14")
}

func TestPersistRestoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions", "main.json")
	s := New(Options{Path: path, MessageLimit: 3})
	s.Append(toolCall("1", "weather", map[string]any{"city": "Kyoto"}), toolResult("1", "weather", "rain"))
	s.Append(UserMessage("a"), AssistantMessage("b"))
	s.AddNote("prefers celsius")
	require.NoError(t, s.Persist())

	restored, err := Open(Options{Path: path, MessageLimit: 3})
	require.NoError(t, err)
	assert.Equal(t, s.State(), restored.State())
}

func TestPersistRestoreWithoutEviction(t *testing.T) {
	path := filepath.Join(t.TempDir(), "main.json")
	s := New(Options{Path: path})
	s.Append(UserMessage("hello"))
	require.NoError(t, s.Persist())

	restored, err := Open(Options{Path: path})
	require.NoError(t, err)
	assert.Nil(t, restored.Summary())
	assert.Equal(t, s.State(), restored.State())
}

func TestRestoreMissingSnapshotIsEmpty(t *testing.T) {
	s, err := Open(Options{Path: filepath.Join(t.TempDir(), "absent.json")})
	require.NoError(t, err)
	assert.Empty(t, s.Messages())
	assert.Empty(t, s.Notes())
}

func TestRestoreCorruptSnapshotIsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "main.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"messages": [`), 0o644))

	s, err := Open(Options{Path: path})
	assert.True(t, errors.Is(err, errors.ErrPersistence))
	require.NotNil(t, s)
	assert.Empty(t, s.Messages())

	s.Append(UserMessage("still usable"))
	assert.Len(t, s.Messages(), 1)
}

func TestRestoreLiftsLegacySummary(t *testing.T) {
	path := filepath.Join(t.TempDir(), "main.json")
	legacy := `{
  "messages": [
    {"role": "system", "content": "{\"weather\":{\"city\":\"Nara\"}}"},
    {"role": "user", "content": "hi"}
  ],
  "shortTermNotes": []
}`
	require.NoError(t, os.WriteFile(path, []byte(legacy), 0o644))

	s, err := Open(Options{Path: path})
	require.NoError(t, err)
	assert.Equal(t, SummaryMap{"weather": {"city": "Nara"}}, s.Summary())
	require.Len(t, s.Messages(), 1)
	assert.Equal(t, "hi", s.Messages()[0].Text())
}

func TestRestoreEnforcesLimit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "main.json")
	big := New(Options{Path: path, MessageLimit: 10})
	for i := 0; i < 10; i++ {
		big.Append(UserMessage(fmt.Sprint(i)))
	}
	require.NoError(t, big.Persist())

	small, err := Open(Options{Path: path, MessageLimit: 4})
	require.NoError(t, err)
	assert.Len(t, small.Messages(), 4)
	assert.Equal(t, "6", small.Messages()[0].Text())
}
