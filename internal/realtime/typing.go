package realtime

import (
	"strings"
	"sync"
	"time"

	"realtime-service/pkg/protocol"
)

// DefaultTypingTTL is how long a typing indicator stays on after the last
// typing-start before the server force-clears it.
const DefaultTypingTTL = 3 * time.Second

// TypingTracker is the per-(conversation, user) typing state machine:
// idle -> typing -> idle. The TTL timer guarantees the indicator never gets
// stuck on when a client disappears mid-type without an explicit stop.
type TypingTracker struct {
	mu     sync.Mutex
	ttl    time.Duration
	timers map[string]*time.Timer
	notify func(protocol.UserTypingData)
}

// NewTypingTracker creates a tracker that reports transitions through notify.
// The TTL is injectable so tests do not wait the full production window.
func NewTypingTracker(ttl time.Duration, notify func(protocol.UserTypingData)) *TypingTracker {
	if ttl <= 0 {
		ttl = DefaultTypingTTL
	}
	return &TypingTracker{
		ttl:    ttl,
		timers: make(map[string]*time.Timer),
		notify: notify,
	}
}

func typingKey(conversationID, userID string) string {
	return conversationID + "|" + userID
}

// Start transitions (conversationID, userID) to typing. The first start
// broadcasts; repeats only re-arm the expiry timer.
func (t *TypingTracker) Start(conversationID, userID string) {
	key := typingKey(conversationID, userID)

	t.mu.Lock()
	if timer, ok := t.timers[key]; ok {
		timer.Reset(t.ttl)
		t.mu.Unlock()
		return
	}
	t.timers[key] = time.AfterFunc(t.ttl, func() {
		t.expire(conversationID, userID)
	})
	t.mu.Unlock()

	t.notify(protocol.UserTypingData{
		UserID:         userID,
		ConversationID: conversationID,
		IsTyping:       true,
	})
}

// Stop cancels the pending timer and transitions to idle immediately. A stop
// with no active typing state is a no-op.
func (t *TypingTracker) Stop(conversationID, userID string) {
	key := typingKey(conversationID, userID)

	t.mu.Lock()
	timer, ok := t.timers[key]
	if !ok {
		t.mu.Unlock()
		return
	}
	timer.Stop()
	delete(t.timers, key)
	t.mu.Unlock()

	t.notify(protocol.UserTypingData{
		UserID:         userID,
		ConversationID: conversationID,
		IsTyping:       false,
	})
}

// expire fires when no typing-start arrived within the TTL.
func (t *TypingTracker) expire(conversationID, userID string) {
	key := typingKey(conversationID, userID)

	t.mu.Lock()
	if _, ok := t.timers[key]; !ok {
		// An explicit stop raced the timer.
		t.mu.Unlock()
		return
	}
	delete(t.timers, key)
	t.mu.Unlock()

	t.notify(protocol.UserTypingData{
		UserID:         userID,
		ConversationID: conversationID,
		IsTyping:       false,
		Timeout:        true,
	})
}

// ClearUser silently drops every pending timer for the user. Used on
// disconnect; the offline presence broadcast supersedes typing state.
func (t *TypingTracker) ClearUser(userID string) {
	suffix := "|" + userID

	t.mu.Lock()
	for key, timer := range t.timers {
		if strings.HasSuffix(key, suffix) {
			timer.Stop()
			delete(t.timers, key)
		}
	}
	t.mu.Unlock()
}

// Active reports whether (conversationID, userID) is currently typing.
func (t *TypingTracker) Active(conversationID, userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.timers[typingKey(conversationID, userID)]
	return ok
}
