package broadcast

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/okian/scoreboard/internal/domain/model"
)

// Kind is the wire discriminant of a push message.
type Kind string

const (
	KindConnected Kind = "connected"
	KindUpdate    Kind = "update"
	KindHeartbeat Kind = "heartbeat"
	KindShutdown  Kind = "server-shutting-down"
	KindError     Kind = "error"
)

// Message is a push message. The set of implementations is closed.
type Message interface {
	Kind() Kind
	message()
}

// ConnectedMessage greets a new subscriber.
type ConnectedMessage struct {
	SubscriberID string    `json:"subscriber_id"`
	Timestamp    time.Time `json:"timestamp"`
}

// UpdateMessage carries a published leaderboard update.
type UpdateMessage struct {
	Leaderboard []model.RankedRow  `json:"leaderboard"`
	GeneratedAt time.Time          `json:"generated_at"`
	Fingerprint string             `json:"fingerprint"`
	Changed     []model.RankChange `json:"changed"`
}

// HeartbeatMessage is the periodic liveness ping.
type HeartbeatMessage struct {
	Timestamp time.Time `json:"timestamp"`
}

// ShutdownMessage tells subscribers the server is going away.
type ShutdownMessage struct {
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorMessage reports a server-side problem to one subscriber.
type ErrorMessage struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (ConnectedMessage) Kind() Kind { return KindConnected }
func (UpdateMessage) Kind() Kind    { return KindUpdate }
func (HeartbeatMessage) Kind() Kind { return KindHeartbeat }
func (ShutdownMessage) Kind() Kind  { return KindShutdown }
func (ErrorMessage) Kind() Kind     { return KindError }

func (ConnectedMessage) message() {}
func (UpdateMessage) message()    {}
func (HeartbeatMessage) message() {}
func (ShutdownMessage) message()  {}
func (ErrorMessage) message()     {}

// NewUpdateMessage converts a published event into its wire form.
func NewUpdateMessage(ev *model.UpdateEvent) UpdateMessage {
	m := UpdateMessage{
		Leaderboard: []model.RankedRow{},
		Changed:     []model.RankChange{},
	}
	if ev == nil {
		return m
	}
	if len(ev.Snapshot.Rows) > 0 {
		m.Leaderboard = ev.Snapshot.Clone().Rows
	}
	if len(ev.Changed) > 0 {
		m.Changed = append(m.Changed, ev.Changed...)
	}
	m.GeneratedAt = ev.GeneratedAt
	m.Fingerprint = ev.Fingerprint
	return m
}

type envelope struct {
	Type Kind `json:"type"`
}

// Encode renders m as a JSON object whose "type" field names its kind.
func Encode(m Message) ([]byte, error) {
	switch v := m.(type) {
	case ConnectedMessage:
		return json.Marshal(struct {
			envelope
			ConnectedMessage
		}{envelope{KindConnected}, v})
	case UpdateMessage:
		return json.Marshal(struct {
			envelope
			UpdateMessage
		}{envelope{KindUpdate}, v})
	case HeartbeatMessage:
		return json.Marshal(struct {
			envelope
			HeartbeatMessage
		}{envelope{KindHeartbeat}, v})
	case ShutdownMessage:
		return json.Marshal(struct {
			envelope
			ShutdownMessage
		}{envelope{KindShutdown}, v})
	case ErrorMessage:
		return json.Marshal(struct {
			envelope
			ErrorMessage
		}{envelope{KindError}, v})
	default:
		return nil, fmt.Errorf("encode %T: %w", m, ErrUnknownMessageKind)
	}
}

// Decode parses a message produced by Encode.
func Decode(data []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	switch env.Type {
	case KindConnected:
		return decodeAs[ConnectedMessage](data)
	case KindUpdate:
		return decodeAs[UpdateMessage](data)
	case KindHeartbeat:
		return decodeAs[HeartbeatMessage](data)
	case KindShutdown:
		return decodeAs[ShutdownMessage](data)
	case KindError:
		return decodeAs[ErrorMessage](data)
	default:
		return nil, fmt.Errorf("decode %q: %w", env.Type, ErrUnknownMessageKind)
	}
}

func decodeAs[T Message](data []byte) (Message, error) {
	var m T
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode %s: %w", m.Kind(), err)
	}
	return m, nil
}
