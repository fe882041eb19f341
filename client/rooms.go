package client

import (
	"log"
	"sync"

	"tutorchat/wire"
)

// RoomRegistry tracks which conversation rooms this client has joined and is
// the gate inbound conversation-scoped events must pass: events for rooms
// not joined are dropped at the boundary instead of leaking into the wrong
// conversation.
//
// Several rooms may be joined at once (the conversation list keeps unread
// counts live); exactly one is focused in the UI.
type RoomRegistry struct {
	ch Channel

	mu      sync.Mutex
	joined  map[int]bool
	focused int
}

func NewRoomRegistry(ch Channel) *RoomRegistry {
	return &RoomRegistry{ch: ch, joined: make(map[int]bool)}
}

// Join marks the room active and announces it. Idempotent: a second join of
// the same room emits nothing.
func (r *RoomRegistry) Join(conversationID int) {
	r.mu.Lock()
	if r.joined[conversationID] {
		r.mu.Unlock()
		return
	}
	r.joined[conversationID] = true
	r.mu.Unlock()

	if err := r.ch.Emit(wire.EventConversationJoin, wire.RoomRef{ConversationID: conversationID}); err != nil {
		// The join is replayed on reconnect, so a down channel is fine.
		log.Printf("rooms: join %d not sent: %v", conversationID, err)
	}
}

// Leave marks the room inactive. Safe to call on a room that was never
// joined.
func (r *RoomRegistry) Leave(conversationID int) {
	r.mu.Lock()
	if !r.joined[conversationID] {
		r.mu.Unlock()
		return
	}
	delete(r.joined, conversationID)
	if r.focused == conversationID {
		r.focused = 0
	}
	r.mu.Unlock()

	if err := r.ch.Emit(wire.EventConversationLeave, wire.RoomRef{ConversationID: conversationID}); err != nil {
		log.Printf("rooms: leave %d not sent: %v", conversationID, err)
	}
}

// Focus marks the conversation currently on screen. Focusing implies
// joining.
func (r *RoomRegistry) Focus(conversationID int) {
	r.Join(conversationID)
	r.mu.Lock()
	r.focused = conversationID
	r.mu.Unlock()
}

func (r *RoomRegistry) Focused() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.focused
}

// Allows reports whether events for the conversation should be dispatched.
func (r *RoomRegistry) Allows(conversationID int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.joined[conversationID]
}

// Joined returns a snapshot of all joined rooms.
func (r *RoomRegistry) Joined() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]int, 0, len(r.joined))
	for id := range r.joined {
		ids = append(ids, id)
	}
	return ids
}

// RejoinAll replays join signals for every joined room. Wired to the
// connection's reconnect hook; joins are idempotent server-side.
func (r *RoomRegistry) RejoinAll() {
	for _, id := range r.Joined() {
		if err := r.ch.Emit(wire.EventConversationJoin, wire.RoomRef{ConversationID: id}); err != nil {
			log.Printf("rooms: rejoin %d not sent: %v", id, err)
		}
	}
}
