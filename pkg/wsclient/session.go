package wsclient

import (
	"context"
	"sync"
	"time"

	"log/slog"

	"realtime-service/pkg/protocol"

	"github.com/google/uuid"
)

// SessionConn is what a conversation session needs from the connection
// manager.
type SessionConn interface {
	Emit(name protocol.EventName, payload any) error
	Subscribe(name protocol.EventName) (<-chan protocol.Event, func())
}

// HistoryReader reads durable message state from the external store. The
// transport never owns message history; this is the read contract it
// depends on.
type HistoryReader interface {
	RecentMessages(ctx context.Context, conversationID string, limit int) ([]protocol.MessageEnvelope, error)
	UnreadMessageIDs(ctx context.Context, conversationID, userID string) ([]string, error)
}

// SessionConfig tunes one conversation session.
type SessionConfig struct {
	// TypingIdle is how long after the last keystroke the session emits the
	// typing stop (default 2s).
	TypingIdle time.Duration

	// HistoryLimit caps the initial history fetch (default 50).
	HistoryLimit int
}

func (c *SessionConfig) applyDefaults() {
	if c.TypingIdle <= 0 {
		c.TypingIdle = 2 * time.Second
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = 50
	}
}

// Session is the per-open-thread client state: room membership, typing
// debounce, read receipts, and dedup of live events against optimistic
// local copies.
type Session struct {
	conn           SessionConn
	reader         HistoryReader // optional
	conversationID string
	userID         string
	cfg            SessionConfig

	mu       sync.Mutex
	closed   bool
	messages []protocol.MessageEnvelope
	known    map[string]bool // message ids already present locally
	pending  map[string]bool // optimistic sends awaiting their live echo

	typingActive bool
	typingTimer  *time.Timer

	cancels []func()

	// OnMessage, OnAck, and OnError let the owning screen react to live
	// events; all are optional and called off the UI goroutine.
	OnMessage func(protocol.MessageEnvelope)
	OnAck     func(protocol.MessageSentData)
	OnError   func(protocol.MessageErrorData)
	OnTyping  func(protocol.UserTypingData)
	OnRead    func(protocol.MessagesReadData)
}

func NewSession(conn SessionConn, reader HistoryReader, conversationID, userID string, cfg SessionConfig) *Session {
	cfg.applyDefaults()
	return &Session{
		conn:           conn,
		reader:         reader,
		conversationID: conversationID,
		userID:         userID,
		cfg:            cfg,
		known:          make(map[string]bool),
		pending:        make(map[string]bool),
	}
}

// Open joins the conversation room, loads recent history from the store, and
// marks fetched-but-unread messages read with a single batched receipt.
func (s *Session) Open(ctx context.Context) error {
	// Subscribe before announcing the join: a live message can arrive the
	// moment the server adds us to the room, and the dedup maps already
	// absorb any overlap with the history fetch.
	s.subscribe()

	if err := s.conn.Emit(protocol.EventJoinConversation, protocol.ConversationData{ConversationID: s.conversationID}); err != nil {
		s.mu.Lock()
		cancels := s.cancels
		s.cancels = nil
		s.mu.Unlock()
		for _, cancel := range cancels {
			cancel()
		}
		return err
	}

	if s.reader != nil {
		history, err := s.reader.RecentMessages(ctx, s.conversationID, s.cfg.HistoryLimit)
		if err != nil {
			slog.Warn("History fetch failed", "conversationID", s.conversationID, "error", err)
		} else {
			// A live message may already have arrived; history goes in front
			// of it, never over it.
			s.mu.Lock()
			merged := make([]protocol.MessageEnvelope, 0, len(history)+len(s.messages))
			for _, env := range history {
				if s.known[env.MessageID] {
					continue
				}
				s.known[env.MessageID] = true
				merged = append(merged, env)
			}
			s.messages = append(merged, s.messages...)
			s.mu.Unlock()
		}

		unread, err := s.reader.UnreadMessageIDs(ctx, s.conversationID, s.userID)
		if err != nil {
			slog.Warn("Unread fetch failed", "conversationID", s.conversationID, "error", err)
		} else if len(unread) > 0 {
			s.MarkRead(unread)
		}
	}

	return nil
}

func (s *Session) subscribe() {
	msgs, cancelMsgs := s.conn.Subscribe(protocol.EventNewMessage)
	acks, cancelAcks := s.conn.Subscribe(protocol.EventMessageSent)
	errs, cancelErrs := s.conn.Subscribe(protocol.EventMessageError)
	typing, cancelTyping := s.conn.Subscribe(protocol.EventUserTyping)
	reads, cancelReads := s.conn.Subscribe(protocol.EventMessagesRead)
	done := make(chan struct{})

	s.mu.Lock()
	s.cancels = append(s.cancels, cancelMsgs, cancelAcks, cancelErrs, cancelTyping, cancelReads,
		func() { close(done) })
	s.mu.Unlock()

	go func() {
		for {
			select {
			case ev := <-msgs:
				s.handleNewMessage(&ev)
			case ev := <-acks:
				s.handleAck(&ev)
			case ev := <-errs:
				s.handleError(&ev)
			case ev := <-typing:
				s.handleTyping(&ev)
			case ev := <-reads:
				s.handleRead(&ev)
			case <-done:
				return
			}
		}
	}()
}

// handleNewMessage deduplicates against the locally-pending optimistic copy
// (matched by correlation id) and against ids already present locally before
// appending. The server's dual-path routing can deliver duplicates by
// design; this is the single dedup point.
func (s *Session) handleNewMessage(ev *protocol.Event) {
	var env protocol.MessageEnvelope
	if err := ev.Decode(&env); err != nil {
		slog.Warn("Bad new-message payload", "error", err)
		return
	}
	if env.ConversationID != s.conversationID {
		return
	}

	s.mu.Lock()
	if s.pending[env.MessageID] {
		// Live echo of our own optimistic send: reconcile in place.
		delete(s.pending, env.MessageID)
		for i := range s.messages {
			if s.messages[i].MessageID == env.MessageID {
				s.messages[i] = env
				break
			}
		}
		s.mu.Unlock()
		return
	}
	if s.known[env.MessageID] {
		s.mu.Unlock()
		return
	}
	s.known[env.MessageID] = true
	s.messages = append(s.messages, env)
	cb := s.OnMessage
	s.mu.Unlock()

	if cb != nil {
		cb(env)
	}
}

func (s *Session) handleAck(ev *protocol.Event) {
	var ack protocol.MessageSentData
	if err := ev.Decode(&ack); err != nil || ack.ConversationID != s.conversationID {
		return
	}
	s.mu.Lock()
	cb := s.OnAck
	s.mu.Unlock()
	if cb != nil {
		cb(ack)
	}
}

func (s *Session) handleError(ev *protocol.Event) {
	var msgErr protocol.MessageErrorData
	if err := ev.Decode(&msgErr); err != nil {
		return
	}
	s.mu.Lock()
	// The optimistic copy stays for per-message local retry; it is no longer
	// expecting a live echo.
	delete(s.pending, msgErr.MessageID)
	cb := s.OnError
	s.mu.Unlock()
	if cb != nil {
		cb(msgErr)
	}
}

func (s *Session) handleTyping(ev *protocol.Event) {
	var data protocol.UserTypingData
	if err := ev.Decode(&data); err != nil || data.ConversationID != s.conversationID {
		return
	}
	s.mu.Lock()
	cb := s.OnTyping
	s.mu.Unlock()
	if cb != nil {
		cb(data)
	}
}

func (s *Session) handleRead(ev *protocol.Event) {
	var data protocol.MessagesReadData
	if err := ev.Decode(&data); err != nil || data.ConversationID != s.conversationID {
		return
	}
	s.mu.Lock()
	cb := s.OnRead
	s.mu.Unlock()
	if cb != nil {
		cb(data)
	}
}

// SendMessage emits a message with a fresh correlation id and records an
// optimistic local copy, returning the correlation id for the screen's
// send-state UI.
func (s *Session) SendMessage(text, recipientID string) (string, error) {
	correlationID := uuid.New().String()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", ErrNotConnected
	}
	s.pending[correlationID] = true
	s.known[correlationID] = true
	s.messages = append(s.messages, protocol.MessageEnvelope{
		MessageID:      correlationID,
		ConversationID: s.conversationID,
		SenderID:       s.userID,
		RecipientID:    recipientID,
		Message:        text,
	})
	s.mu.Unlock()

	err := s.conn.Emit(protocol.EventSendMessage, protocol.SendMessageData{
		MessageID:      correlationID,
		ConversationID: s.conversationID,
		Message:        text,
		RecipientID:    recipientID,
	})
	return correlationID, err
}

// MarkRead emits a single batched receipt for all ids, never one per message.
func (s *Session) MarkRead(messageIDs []string) error {
	if len(messageIDs) == 0 {
		return nil
	}
	return s.conn.Emit(protocol.EventMessagesRead, protocol.MessagesReadData{
		ConversationID: s.conversationID,
		MessageIDs:     messageIDs,
		UserID:         s.userID,
	})
}

// Typing records a keystroke: the first call emits typing-start, repeats
// only re-arm the idle timer that emits the stop.
func (s *Session) Typing() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	if s.typingTimer != nil {
		s.typingTimer.Reset(s.cfg.TypingIdle)
		return
	}

	s.typingActive = true
	s.typingTimer = time.AfterFunc(s.cfg.TypingIdle, s.typingIdle)
	s.emitTyping(true)
}

func (s *Session) typingIdle() {
	s.mu.Lock()
	if !s.typingActive {
		s.mu.Unlock()
		return
	}
	s.typingActive = false
	s.typingTimer = nil
	s.mu.Unlock()

	s.emitTyping(false)
}

func (s *Session) emitTyping(isTyping bool) {
	if err := s.conn.Emit(protocol.EventTyping, protocol.TypingData{
		ConversationID: s.conversationID,
		UserID:         s.userID,
		IsTyping:       isTyping,
	}); err != nil {
		slog.Debug("Typing emit failed", "conversationID", s.conversationID, "error", err)
	}
}

// Messages returns a snapshot of the local message list.
func (s *Session) Messages() []protocol.MessageEnvelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]protocol.MessageEnvelope, len(s.messages))
	copy(out, s.messages)
	return out
}

// Close leaves the room and cancels every timer and subscription. Cleanup is
// unconditional; a typing-start in flight gets its explicit stop so the
// room is never left mid-"typing". Safe to call multiple times.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true

	wasTyping := s.typingActive
	if s.typingTimer != nil {
		s.typingTimer.Stop()
		s.typingTimer = nil
	}
	s.typingActive = false
	cancels := s.cancels
	s.cancels = nil
	s.mu.Unlock()

	if wasTyping {
		s.emitTyping(false)
	}

	if err := s.conn.Emit(protocol.EventLeaveConversation, protocol.ConversationData{ConversationID: s.conversationID}); err != nil {
		slog.Debug("Leave emit failed", "conversationID", s.conversationID, "error", err)
	}

	for _, cancel := range cancels {
		cancel()
	}
}
