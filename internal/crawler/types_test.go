package crawler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewCapturedError(t *testing.T) {
	t.Parallel()

	assert.Equal(t, CapturedError{}, NewCapturedError(nil))

	plain := NewCapturedError(errors.New("boom"))
	assert.Equal(t, CapturedError{Message: "boom"}, plain)

	wrapped := fmt.Errorf("handler: %w", &HandlerError{Err: errors.New("boom"), Stack: "  at a  "})
	captured := NewCapturedError(wrapped)
	assert.Equal(t, "handler: boom", captured.Message)
	assert.Equal(t, "at a", captured.Stack)
}

func failAt() *HandlerError {
	return NewHandlerError(errors.New("selector missing"))
}

func TestNewHandlerErrorStackIsStable(t *testing.T) {
	t.Parallel()

	var stacks []string
	for i := 0; i < 2; i++ {
		stacks = append(stacks, failAt().StackTrace())
	}
	assert.Equal(t, stacks[0], stacks[1])
	assert.True(t, strings.Contains(stacks[0], "failAt"), stacks[0])

	other := NewHandlerError(errors.New("selector missing"))
	assert.NotEqual(t, stacks[0], other.StackTrace())
	assert.Equal(t, "selector missing", other.Error())
	assert.ErrorIs(t, other, other.Err)
}

func TestHandlerErrorNil(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "handler error", (&HandlerError{}).Error())
}

type stubPage struct{}

func (stubPage) SaveSnapshot(_ context.Context, _ KeyValueStore, _ string) error { return nil }
func (stubPage) Content(context.Context) (string, error) { return "", nil }

func TestNewSurface(t *testing.T) {
	t.Parallel()

	assert.Equal(t, BrowserSurface{Page: stubPage{}}, NewSurface(stubPage{}, "<html></html>"))
	assert.Equal(t, BodySurface{Body: "<html></html>"}, NewSurface(nil, "<html></html>"))
	assert.Equal(t, NoSurface{}, NewSurface(nil, ""))

	rc := RunContext{Body: "x"}
	assert.Equal(t, BodySurface{Body: "x"}, rc.Surface())
	store, err := rc.KeyValueStore(context.Background())
	assert.NoError(t, err)
	assert.Nil(t, store)
}
