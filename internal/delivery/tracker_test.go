package delivery

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrackerLifecycle(t *testing.T) {
	tr := NewTracker()

	assert.Equal(t, StateSent, tr.State("unknown"), "untracked messages read as sent")

	require.NoError(t, tr.Begin("m1"))
	assert.Equal(t, StateSending, tr.State("m1"))

	require.NoError(t, tr.MarkSent("m1"))
	assert.Equal(t, StateSent, tr.State("m1"))

	t.Run("begin twice is rejected", func(t *testing.T) {
		tr := NewTracker()
		require.NoError(t, tr.Begin("m1"))
		assert.Error(t, tr.Begin("m1"))
	})
}

func TestTrackerFailureAndRetry(t *testing.T) {
	tr := NewTracker()
	require.NoError(t, tr.Begin("m1"))
	require.NoError(t, tr.MarkFailed("m1"))
	assert.Equal(t, StateFailed, tr.State("m1"))
	assert.Equal(t, []string{"m1"}, tr.Failed())

	require.NoError(t, tr.Retry("m1"))
	assert.Equal(t, StateSending, tr.State("m1"))

	require.NoError(t, tr.MarkSent("m1"))
	assert.Equal(t, StateSent, tr.State("m1"))
	assert.Empty(t, tr.Failed())
}

func TestTrackerSentIsTerminal(t *testing.T) {
	tr := NewTracker()
	require.NoError(t, tr.Begin("m1"))
	require.NoError(t, tr.MarkSent("m1"))

	// A late failure callback cannot rewind a delivered message.
	assert.Error(t, tr.MarkFailed("m1"))
	assert.Equal(t, StateSent, tr.State("m1"))
}

func TestTrackerIllegalTransitions(t *testing.T) {
	tr := NewTracker()

	assert.Error(t, tr.MarkSent("nope"), "cannot complete an untracked send")
	assert.Error(t, tr.MarkFailed("nope"))
	assert.Error(t, tr.Retry("nope"))

	require.NoError(t, tr.Begin("m1"))
	assert.Error(t, tr.Retry("m1"), "retry requires a failed message")
}

func TestTrackerForget(t *testing.T) {
	tr := NewTracker()
	require.NoError(t, tr.Begin("m1"))
	require.NoError(t, tr.MarkFailed("m1"))

	tr.Forget("m1")
	assert.Equal(t, StateSent, tr.State("m1"))
	assert.Empty(t, tr.Failed())
}
