package broadcast

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/okian/scoreboard/internal/domain/model"
)

const (
	wsWriteTimeout   = 5 * time.Second
	wsReadLimit      = 4096
	wsPongWait       = 90 * time.Second
	wsCloseGraceTime = time.Second
)

// WSSubscriber adapts a gorilla websocket connection to Subscriber.
type WSSubscriber struct {
	id     string
	conn   *websocket.Conn
	wmu    sync.Mutex
	closed atomic.Bool
	once   sync.Once
}

// NewWSSubscriber wraps conn and assigns it a random id.
func NewWSSubscriber(conn *websocket.Conn) *WSSubscriber {
	return &WSSubscriber{id: uuid.NewString(), conn: conn}
}

func (s *WSSubscriber) ID() string { return s.id }

// Ready reports whether the connection is still usable.
func (s *WSSubscriber) Ready() bool { return !s.closed.Load() }

// Send writes m as a text frame. The write deadline is the earlier of the
// ctx deadline and the default write timeout.
func (s *WSSubscriber) Send(ctx context.Context, m Message) error {
	if s.closed.Load() {
		return fmt.Errorf("subscriber %s closed: %w", s.id, model.ErrSubscriberUnreachable)
	}
	data, err := Encode(m)
	if err != nil {
		return err
	}
	deadline := time.Now().Add(wsWriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	s.wmu.Lock()
	defer s.wmu.Unlock()
	if err := s.conn.SetWriteDeadline(deadline); err != nil {
		s.closed.Store(true)
		return fmt.Errorf("subscriber %s: %w: %w", s.id, model.ErrSubscriberUnreachable, err)
	}
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		s.closed.Store(true)
		return fmt.Errorf("subscriber %s: %w: %w", s.id, model.ErrSubscriberUnreachable, err)
	}
	return nil
}

// ReadLoop consumes inbound frames until the peer goes away. Inbound
// payloads are discarded; the loop only keeps control frames flowing.
func (s *WSSubscriber) ReadLoop() error {
	s.conn.SetReadLimit(wsReadLimit)
	_ = s.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			s.closed.Store(true)
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	}
}

// Close sends a close frame and releases the connection. Safe to call more
// than once.
func (s *WSSubscriber) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		s.wmu.Lock()
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
			time.Now().Add(wsCloseGraceTime))
		s.wmu.Unlock()
		err = s.conn.Close()
	})
	return err
}
