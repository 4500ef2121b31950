package session

import (
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
)

const writeTimeout = 10 * time.Second

// guidanceFrame is the wire format for steering messages.
type guidanceFrame struct {
	Type   string    `json:"type"`
	Text   string    `json:"text"`
	SentAt time.Time `json:"sent_at"`
}

// WSTransport delivers guidance over a websocket connection. Writes are
// serialized with a mutex since gorilla connections allow one writer at a
// time.
type WSTransport struct {
	mu   sync.Mutex
	conn *websocket.Conn
	now  func() time.Time
}

// NewWSTransport wraps an established websocket connection.
func NewWSTransport(conn *websocket.Conn) *WSTransport {
	return &WSTransport{conn: conn, now: time.Now}
}

// SendGuidance writes a guidance frame to the peer.
func (t *WSTransport) SendGuidance(text string) error {
	frame, err := json.Marshal(guidanceFrame{
		Type:   "guidance",
		Text:   text,
		SentAt: t.now(),
	})
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return t.conn.WriteMessage(websocket.TextMessage, frame)
}

// Close shuts down the underlying connection.
func (t *WSTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn.Close()
}
