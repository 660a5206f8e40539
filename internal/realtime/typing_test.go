package realtime

import (
	"sync"
	"testing"
	"time"

	"realtime-service/pkg/protocol"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type typingRecorder struct {
	mu     sync.Mutex
	events []protocol.UserTypingData
}

func (r *typingRecorder) record(d protocol.UserTypingData) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, d)
}

func (r *typingRecorder) snapshot() []protocol.UserTypingData {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]protocol.UserTypingData, len(r.events))
	copy(out, r.events)
	return out
}

func TestTypingStartBroadcastsOnce(t *testing.T) {
	rec := &typingRecorder{}
	tracker := NewTypingTracker(time.Hour, rec.record)

	tracker.Start("c1", "user-1")
	tracker.Start("c1", "user-1")
	tracker.Start("c1", "user-1")

	events := rec.snapshot()
	require.Len(t, events, 1, "repeat starts only re-arm the timer")
	assert.True(t, events[0].IsTyping)
	assert.True(t, tracker.Active("c1", "user-1"))
}

func TestTypingAutoExpiresAfterTTL(t *testing.T) {
	rec := &typingRecorder{}
	tracker := NewTypingTracker(30*time.Millisecond, rec.record)

	tracker.Start("c1", "user-1")

	require.Eventually(t, func() bool {
		return len(rec.snapshot()) == 2
	}, time.Second, 5*time.Millisecond, "indicator must auto-clear without an explicit stop")

	stop := rec.snapshot()[1]
	assert.False(t, stop.IsTyping)
	assert.True(t, stop.Timeout, "synthetic stop must be flagged as a timeout")
	assert.False(t, tracker.Active("c1", "user-1"))
}

func TestTypingStartResetsExpiry(t *testing.T) {
	rec := &typingRecorder{}
	tracker := NewTypingTracker(60*time.Millisecond, rec.record)

	tracker.Start("c1", "user-1")
	time.Sleep(40 * time.Millisecond)
	tracker.Start("c1", "user-1")
	time.Sleep(40 * time.Millisecond)

	// 80ms after the first start but only 40ms after the last: still typing.
	assert.True(t, tracker.Active("c1", "user-1"))
}

func TestTypingExplicitStopCancelsTimer(t *testing.T) {
	rec := &typingRecorder{}
	tracker := NewTypingTracker(50*time.Millisecond, rec.record)

	tracker.Start("c1", "user-1")
	tracker.Stop("c1", "user-1")

	events := rec.snapshot()
	require.Len(t, events, 2)
	assert.False(t, events[1].IsTyping)
	assert.False(t, events[1].Timeout, "explicit stop is not a timeout")

	// The cancelled timer must not fire a second stop.
	time.Sleep(80 * time.Millisecond)
	assert.Len(t, rec.snapshot(), 2)
}

func TestTypingStopWithoutStartIsNoop(t *testing.T) {
	rec := &typingRecorder{}
	tracker := NewTypingTracker(time.Hour, rec.record)

	tracker.Stop("c1", "user-1")

	assert.Empty(t, rec.snapshot())
}

func TestTypingClearUserDropsTimersSilently(t *testing.T) {
	rec := &typingRecorder{}
	tracker := NewTypingTracker(40*time.Millisecond, rec.record)

	tracker.Start("c1", "user-1")
	tracker.Start("c2", "user-1")
	tracker.Start("c1", "user-2")
	before := len(rec.snapshot())

	tracker.ClearUser("user-1")

	assert.False(t, tracker.Active("c1", "user-1"))
	assert.False(t, tracker.Active("c2", "user-1"))
	assert.True(t, tracker.Active("c1", "user-2"), "other users unaffected")
	assert.Len(t, rec.snapshot(), before, "clear must not broadcast")
}

func TestTypingStatesAreIndependentPerConversation(t *testing.T) {
	rec := &typingRecorder{}
	tracker := NewTypingTracker(time.Hour, rec.record)

	tracker.Start("c1", "user-1")
	tracker.Start("c2", "user-1")
	tracker.Stop("c1", "user-1")

	assert.False(t, tracker.Active("c1", "user-1"))
	assert.True(t, tracker.Active("c2", "user-1"))
}
