package errors

import (
	stderrors "errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewTagsCallSite(t *testing.T) {
	err := New("bad value %d", 3)
	assert.True(t, strings.HasPrefix(err.Error(), "[errors_test.go:"), err.Error())
	assert.Contains(t, err.Error(), "bad value 3")
}

func TestWrapfNil(t *testing.T) {
	assert.NoError(t, Wrapf(nil, "ignored"))
	assert.NoError(t, Mark(nil, ErrProvider, "ignored"))
}

func TestWrapfKeepsCause(t *testing.T) {
	cause := stderrors.New("disk full")
	err := Wrapf(cause, "saving %s", "snapshot")
	assert.True(t, Is(err, cause))
	assert.Contains(t, err.Error(), "saving snapshot: disk full")
}

func TestMarkKeepsSentinelAndCause(t *testing.T) {
	cause := stderrors.New("connection reset")
	err := Mark(cause, ErrProvider, "streaming %s", "anthropic")
	assert.True(t, Is(err, ErrProvider))
	assert.True(t, Is(err, cause))
	assert.False(t, Is(err, ErrToolNotFound))
}
