package tools

import (
	"context"
	"strings"

	"github.com/m4xw311/murmur/errors"
	"github.com/m4xw311/murmur/session"
)

type rememberInput struct {
	Note string `json:"note" jsonschema_description:"Fact worth keeping in mind for the next few turns"`
}

// RememberTool adds a short-term note to the conversation carried by the
// call's context.
type RememberTool struct{}

func (t *RememberTool) Name() string { return "remember" }
func (t *RememberTool) Description() string {
	return "Stores a short note that stays visible for the rest of the conversation. Only the newest notes are kept."
}
func (t *RememberTool) InputSchema() map[string]any { return SchemaFor[rememberInput]() }

func (t *RememberTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	var in rememberInput
	if err := decodeArgs(args, &in); err != nil {
		return "", err
	}
	if strings.TrimSpace(in.Note) == "" {
		return "", errors.New("missing or invalid 'note' argument")
	}
	store, ok := session.FromContext(ctx)
	if !ok {
		return "", errors.New("no active conversation")
	}
	store.AddNote(in.Note)
	return "Noted.", nil
}
