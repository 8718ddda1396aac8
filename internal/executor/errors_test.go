package executor

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsTransient(t *testing.T) {
	conn := &ConnectionError{Op: "launch", Cause: errors.New("dial tcp: refused")}
	res := &ResourceError{Op: "launch", Cause: errors.New("quota exceeded")}
	cfg := &ConfigurationError{Op: "launch", Cause: errors.New("image not found")}
	nf := &NotFoundError{ExecutionID: "e-1"}

	assert.True(t, IsTransient(conn))
	assert.True(t, IsTransient(res))
	assert.False(t, IsTransient(cfg))
	assert.False(t, IsTransient(nf))
	assert.False(t, IsTransient(errors.New("plain")))
	assert.False(t, IsTransient(nil))
}

func TestIsTransient_SeesThroughWrapping(t *testing.T) {
	inner := &ResourceError{Op: "launch", Cause: errors.New("no slots")}
	wrapped := fmt.Errorf("host host-a: %w", inner)
	assert.True(t, IsTransient(wrapped))
}

func TestIsNotFound(t *testing.T) {
	nf := &NotFoundError{ExecutionID: "e-1"}
	assert.True(t, IsNotFound(nf))
	assert.True(t, IsNotFound(fmt.Errorf("poll: %w", nf)))
	assert.False(t, IsNotFound(&ConnectionError{Op: "poll", Cause: errors.New("x")}))
}

func TestErrorMessagesCarryOpAndCause(t *testing.T) {
	err := &ConfigurationError{Op: "client init", Cause: errors.New("endpoint missing")}
	assert.Contains(t, err.Error(), "client init")
	assert.Contains(t, err.Error(), "endpoint missing")
	assert.Equal(t, "endpoint missing", errors.Unwrap(err).Error())
}

func TestStatusIsTerminal(t *testing.T) {
	assert.True(t, StatusCompleted.IsTerminal())
	assert.True(t, StatusFailed.IsTerminal())
	assert.True(t, StatusCancelled.IsTerminal())
	assert.True(t, StatusNotFound.IsTerminal())
	assert.False(t, StatusStarting.IsTerminal())
	assert.False(t, StatusRunning.IsTerminal())
}
