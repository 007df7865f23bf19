package tools

import (
	"context"
	"time"

	"github.com/m4xw311/murmur/errors"
)

type currentTimeInput struct {
	Zone string `json:"zone,omitempty" jsonschema_description:"IANA time zone such as Asia/Tokyo, defaults to local time"`
}

// CurrentTimeTool reports the wall-clock time.
type CurrentTimeTool struct {
	now func() time.Time
}

func (t *CurrentTimeTool) Name() string { return "current_time" }
func (t *CurrentTimeTool) Description() string {
	return "Returns the current date and time in RFC 3339 format."
}
func (t *CurrentTimeTool) InputSchema() map[string]any { return SchemaFor[currentTimeInput]() }

func (t *CurrentTimeTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	var in currentTimeInput
	if err := decodeArgs(args, &in); err != nil {
		return "", err
	}
	now := time.Now
	if t.now != nil {
		now = t.now
	}
	ts := now()
	if in.Zone != "" {
		loc, err := time.LoadLocation(in.Zone)
		if err != nil {
			return "", errors.Wrapf(err, "unknown time zone '%s'", in.Zone)
		}
		ts = ts.In(loc)
	}
	return ts.Format(time.RFC3339), nil
}
