package chat

import "time"

// Conversation is the client-facing row of GET /api/conversations: the two
// participants plus the preview/unread fields the conversation list needs.
type Conversation struct {
	ID                 int       `json:"id"`
	ParticipantIDs     []int     `json:"participant_ids"`
	PeerUsername       string    `json:"peer_username"`
	LastMessagePreview string    `json:"last_message_preview"`
	UnreadCount        int       `json:"unread_count"`
	CreatedAt          time.Time `json:"created_at"`
}

// Message is the canonical, persisted form. The server-assigned ID and
// CreatedAt are authoritative for ordering; Fingerprint is the
// client-generated id that ties this row to its push-channel copy.
type Message struct {
	ID             int       `json:"id"`
	ConversationID int       `json:"conversation_id"`
	SenderID       int       `json:"sender_id"`
	Content        string    `json:"content"`
	Fingerprint    string    `json:"fingerprint"`
	CreatedAt      time.Time `json:"created_at"`
}

// StartConversationRequest asks for a private conversation with one peer,
// creating it if the pair has never talked.
type StartConversationRequest struct {
	PeerID int `json:"peer_id"`
}

type StartConversationResponse struct {
	ConversationID int `json:"conversation_id"`
}

// PostMessageRequest is the REST persist call. The fingerprint must match
// the one emitted over the push channel for the same logical message.
type PostMessageRequest struct {
	Content     string `json:"content"`
	Fingerprint string `json:"fingerprint"`
}
