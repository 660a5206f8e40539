package realtime

import (
	"encoding/json"
	"errors"
	"sync"
	"time"
)

// mockConn implements the Conn interface for testing.
type mockConn struct {
	mu     sync.Mutex
	frames []frame
	closed bool
}

type frame struct {
	messageType int
	data        []byte
}

var errClosedConn = errors.New("connection closed")

func (m *mockConn) WriteMessage(messageType int, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errClosedConn
	}
	m.frames = append(m.frames, frame{messageType: messageType, data: data})
	return nil
}

func (m *mockConn) ReadMessage() (int, []byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, nil, errClosedConn
	}
	return 0, nil, errClosedConn
}

func (m *mockConn) SetReadDeadline(time.Time) error  { return nil }
func (m *mockConn) SetWriteDeadline(time.Time) error { return nil }
func (m *mockConn) SetReadLimit(int64)               {}
func (m *mockConn) SetPongHandler(func(string) error) {}

func (m *mockConn) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *mockConn) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *mockConn) writtenFrames() []frame {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]frame, len(m.frames))
	copy(out, m.frames)
	return out
}

// testEvent is an event drained from a client's send queue and decoded.
type testEvent struct {
	Name string
	Data json.RawMessage
}

func newTestHub(typingTTL time.Duration) *Hub {
	registry := NewRegistry(nil)
	router := NewRouter(registry)
	dispatcher := NewDispatcher(registry, router, nil, typingTTL)
	return NewHub(dispatcher)
}

func newTestClient(h *Hub) (*Client, *mockConn) {
	conn := &mockConn{}
	c := NewClient(h, conn)
	h.registerClient(c)
	return c, conn
}

// drainEvents empties the client's send queue and returns the decoded events.
// Tests run without pumps, so queued events stay put until drained.
func drainEvents(c *Client) []testEvent {
	var out []testEvent
	for {
		select {
		case data := <-c.send:
			var ev struct {
				Event string          `json:"event"`
				Data  json.RawMessage `json:"data"`
			}
			if err := json.Unmarshal(data, &ev); err == nil {
				out = append(out, testEvent{Name: ev.Event, Data: ev.Data})
			}
		default:
			return out
		}
	}
}

func eventsNamed(events []testEvent, name string) []testEvent {
	var out []testEvent
	for _, ev := range events {
		if ev.Name == name {
			out = append(out, ev)
		}
	}
	return out
}

func mustRaw(name string, payload any) []byte {
	data, err := json.Marshal(payload)
	if err != nil {
		panic(err)
	}
	raw, err := json.Marshal(map[string]any{"event": name, "data": json.RawMessage(data)})
	if err != nil {
		panic(err)
	}
	return raw
}
