package sink

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocketSink streams each record as one text frame to a live consumer,
// such as a charting frontend. The connection is dialed lazily and redialed
// on the next publish after a failed write.
type WebSocketSink struct {
	url       string
	dialer    websocket.Dialer
	writeWait time.Duration

	mu   sync.Mutex
	conn *websocket.Conn
}

// NewWebSocketSink returns a sink publishing to the websocket endpoint at url.
func NewWebSocketSink(url string) *WebSocketSink {
	return &WebSocketSink{
		url:       url,
		dialer:    websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		writeWait: 10 * time.Second,
	}
}

// Publish encodes snap and writes it as a single text message.
func (s *WebSocketSink) Publish(ctx context.Context, snap Snapshot) error {
	data, err := Encode(snap)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		conn, _, err := s.dialer.DialContext(ctx, s.url, nil)
		if err != nil {
			return fmt.Errorf("%w: dial %s: %w", ErrSinkUnavailable, s.url, err)
		}

		s.conn = conn
	}

	_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeWait))

	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		_ = s.conn.Close()
		s.conn = nil

		return fmt.Errorf("%w: write %s: %w", ErrSinkUnavailable, s.url, err)
	}

	return nil
}

// Close sends a close frame and releases the connection, if any.
func (s *WebSocketSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		return nil
	}

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(s.writeWait))
	err := s.conn.Close()
	s.conn = nil

	return err
}
