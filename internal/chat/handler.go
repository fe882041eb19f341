package chat

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	myMiddleware "tutorchat/internal/middleware"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // dev mode, tighten for prod
	},
}

type Handler struct {
	hub  *Hub
	repo *Repository
}

func NewHandler(hub *Hub, repo *Repository) *Handler {
	return &Handler{hub: hub, repo: repo}
}

// ServeWs upgrades the request into a push-channel connection and registers
// it with the hub.
func (h *Handler) ServeWs(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value(myMiddleware.UserKey).(int)
	username, ok2 := r.Context().Value(myMiddleware.UsernameKey).(string)
	if !ok || !ok2 {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	peers, err := h.repo.PeersOf(r.Context(), userID)
	if err != nil {
		http.Error(w, "failed to resolve peers", http.StatusInternalServerError)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Println(err)
		return
	}

	client := &Client{
		Hub:      h.hub,
		Conn:     conn,
		Send:     make(chan []byte, 256),
		UserID:   userID,
		Username: username,
		Peers:    peers,
		rooms:    make(map[int]bool),
	}
	client.Hub.Register <- client

	go client.WritePump()
	go client.ReadPump()
}

// StartConversation finds or creates the private conversation with the
// requested peer.
func (h *Handler) StartConversation(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value(myMiddleware.UserKey).(int)
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var req StartConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.PeerID == 0 || req.PeerID == userID {
		http.Error(w, "invalid peer_id", http.StatusBadRequest)
		return
	}

	convID, err := h.repo.FindOrCreateConversation(r.Context(), userID, req.PeerID)
	if err != nil {
		http.Error(w, "failed to start conversation", http.StatusInternalServerError)
		return
	}

	json.NewEncoder(w).Encode(StartConversationResponse{ConversationID: convID})
}

// ListConversations backs the conversation list screen: previews and unread
// counts per conversation.
func (h *Handler) ListConversations(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value(myMiddleware.UserKey).(int)
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	convs, err := h.repo.ListConversations(r.Context(), userID)
	if err != nil {
		http.Error(w, "failed to list conversations", http.StatusInternalServerError)
		return
	}
	if convs == nil {
		convs = []*Conversation{}
	}
	json.NewEncoder(w).Encode(convs)
}

// GetMessages returns the canonical ordered history and advances the
// caller's read cursor.
func (h *Handler) GetMessages(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value(myMiddleware.UserKey).(int)
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	convID, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid conversation id", http.StatusBadRequest)
		return
	}

	msgs, err := h.repo.GetMessages(r.Context(), convID, userID)
	if err != nil {
		if errors.Is(err, ErrNotParticipant) {
			http.Error(w, "not a participant", http.StatusForbidden)
			return
		}
		http.Error(w, "failed to load history", http.StatusInternalServerError)
		return
	}
	if msgs == nil {
		msgs = []*Message{}
	}
	json.NewEncoder(w).Encode(msgs)
}

// PostMessage is the persistence half of the dual-path send. It is
// idempotent on (conversation, fingerprint), so client retries cannot
// duplicate a message. The canonical id and timestamp are echoed to the
// room so online recipients can adopt them immediately.
func (h *Handler) PostMessage(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value(myMiddleware.UserKey).(int)
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	convID, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid conversation id", http.StatusBadRequest)
		return
	}

	var req PostMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Content == "" || req.Fingerprint == "" {
		http.Error(w, "content and fingerprint are required", http.StatusBadRequest)
		return
	}

	member, err := h.repo.IsParticipant(r.Context(), convID, userID)
	if err != nil {
		http.Error(w, "failed to persist message", http.StatusInternalServerError)
		return
	}
	if !member {
		http.Error(w, "not a participant", http.StatusForbidden)
		return
	}

	msg := &Message{
		ConversationID: convID,
		SenderID:       userID,
		Content:        req.Content,
		Fingerprint:    req.Fingerprint,
	}
	if _, err := h.repo.SaveMessage(r.Context(), msg); err != nil {
		http.Error(w, "failed to persist message", http.StatusInternalServerError)
		return
	}

	h.hub.RelayMessage(msg)

	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(msg)
}
