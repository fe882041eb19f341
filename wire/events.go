// Package wire defines the push-channel event vocabulary shared by the
// server hub and the client SDK. Every frame on the websocket is an
// Envelope: {"event": "<name>", "data": {...}}.
package wire

import (
	"encoding/json"
	"time"
)

const (
	EventConversationJoin  = "conversation:join"
	EventConversationLeave = "conversation:leave"
	EventMessageSend       = "message:send"
	EventMessageReceive    = "message:receive"
	EventTypingStart       = "typing:start"
	EventTypingStop        = "typing:stop"
	EventPresenceOnline    = "presence:online"
	EventPresenceOffline   = "presence:offline"
)

type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// NewEnvelope marshals payload into a ready-to-send frame.
func NewEnvelope(event string, payload interface{}) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Event: event, Data: data})
}

// RoomRef is the payload of conversation:join and conversation:leave.
type RoomRef struct {
	ConversationID int `json:"conversation_id"`
}

// MessageSend is the client->server payload for the low-latency send path.
// The fingerprint ties this copy to the REST-persisted one.
type MessageSend struct {
	ConversationID int    `json:"conversation_id"`
	RecipientID    int    `json:"recipient_id"`
	Content        string `json:"content"`
	Fingerprint    string `json:"fingerprint"`
}

// MessageReceive is the server->client relay. ID and CreatedAt are zero when
// the copy came straight off the push channel; they are filled in when the
// relay was triggered by a successful REST persist.
type MessageReceive struct {
	ID             int       `json:"id,omitempty"`
	ConversationID int       `json:"conversation_id"`
	SenderID       int       `json:"sender_id"`
	Content        string    `json:"content"`
	Fingerprint    string    `json:"fingerprint"`
	Timestamp      time.Time `json:"timestamp"`
}

// Typing is the payload of typing:start and typing:stop. UserID is filled by
// the server on relay so recipients know who is typing.
type Typing struct {
	ConversationID int `json:"conversation_id"`
	RecipientID    int `json:"recipient_id,omitempty"`
	UserID         int `json:"user_id,omitempty"`
}

// Presence is the payload of presence:online and presence:offline.
type Presence struct {
	UserID int `json:"user_id"`
}
