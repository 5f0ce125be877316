package task

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTerminalStatuses(t *testing.T) {
	assert.True(t, StatusCompleted.Terminal())
	assert.True(t, StatusFailed.Terminal())
	assert.True(t, StatusCancelled.Terminal())
	assert.False(t, StatusPending.Terminal())
	assert.False(t, StatusRunning.Terminal())
	assert.False(t, StatusWaitingForInput.Terminal())
}

func TestCanTransition(t *testing.T) {
	allowed := []struct{ from, to Status }{
		{StatusPending, StatusRunning},
		{StatusPending, StatusCancelled},
		{StatusPending, StatusFailed},
		{StatusRunning, StatusWaitingForInput},
		{StatusRunning, StatusCompleted},
		{StatusRunning, StatusFailed},
		{StatusRunning, StatusCancelled},
		{StatusWaitingForInput, StatusRunning},
		{StatusWaitingForInput, StatusCompleted},
		{StatusWaitingForInput, StatusFailed},
		{StatusWaitingForInput, StatusCancelled},
	}
	for _, tc := range allowed {
		assert.True(t, CanTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}

	denied := []struct{ from, to Status }{
		{StatusPending, StatusWaitingForInput},
		{StatusPending, StatusCompleted},
		{StatusCompleted, StatusRunning},
		{StatusFailed, StatusRunning},
		{StatusCancelled, StatusPending},
		{StatusCompleted, StatusFailed},
	}
	for _, tc := range denied {
		assert.False(t, CanTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestValid(t *testing.T) {
	assert.True(t, StatusWaitingForInput.Valid())
	assert.False(t, Status("DONE").Valid())
	assert.False(t, Status("").Valid())
}
