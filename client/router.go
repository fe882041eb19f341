package client

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/google/uuid"

	"tutorchat/wire"
)

const (
	// A provisional entry without a canonical record after this long is
	// flagged unconfirmed.
	reconcileGrace = 30 * time.Second

	// Upper bound on one send's persistence, covering the REST client's
	// internal retries.
	persistTimeout = 30 * time.Second
)

// MessageRouter drives the dual-path send/receive pipeline: optimistic local
// append, push-channel emit, REST persist, and reconciliation of the two
// paths into the store's canonical view.
type MessageRouter struct {
	ch     Channel
	rest   *RestClient
	rooms  *RoomRegistry
	store  *Store
	typing *TypingCoordinator
	selfID int

	grace        time.Duration
	gapThreshold time.Duration

	onUpdate   func(conversationID int)
	onMismatch func(ReconciliationMismatch)
	unsub      func()
}

// NewMessageRouter wires the router into the channel's message:receive
// stream. typing may be nil.
func NewMessageRouter(ch Channel, rest *RestClient, rooms *RoomRegistry, store *Store, typing *TypingCoordinator, selfID int) *MessageRouter {
	r := &MessageRouter{
		ch:           ch,
		rest:         rest,
		rooms:        rooms,
		store:        store,
		typing:       typing,
		selfID:       selfID,
		grace:        reconcileGrace,
		gapThreshold: DefaultGapThreshold,
	}
	r.unsub = ch.Subscribe(wire.EventMessageReceive, r.handleReceive)
	return r
}

// OnUpdate registers the UI refresh callback, invoked with a conversation id
// whenever its list changes.
func (r *MessageRouter) OnUpdate(fn func(conversationID int)) { r.onUpdate = fn }

// OnMismatch registers the callback for provisional entries that never got a
// canonical record.
func (r *MessageRouter) OnMismatch(fn func(ReconciliationMismatch)) { r.onMismatch = fn }

// Send starts the dual-path delivery of one message and returns the
// optimistic pending entry. The channel copy is fire-and-forget; the REST
// persist runs in the background and resolves the entry to sent or failed.
// Navigating away does not cancel it.
func (r *MessageRouter) Send(conversationID, recipientID int, content string) Message {
	fingerprint := uuid.NewString()
	m := r.store.AppendPending(conversationID, r.selfID, content, fingerprint)

	if r.typing != nil {
		r.typing.MessageSent(conversationID)
	}

	if err := r.ch.Emit(wire.EventMessageSend, wire.MessageSend{
		ConversationID: conversationID,
		RecipientID:    recipientID,
		Content:        content,
		Fingerprint:    fingerprint,
	}); err != nil {
		// Best-effort path; REST will still deliver via history.
		log.Printf("router: channel copy of %s not sent: %v", fingerprint, err)
	}

	go r.persist(conversationID, content, fingerprint)
	r.notify(conversationID)
	return m
}

// Retry re-runs persistence for a failed entry, reusing its fingerprint so
// the server-side idempotency collapses any duplicate.
func (r *MessageRouter) Retry(conversationID int, fingerprint string) {
	m, ok := r.store.Get(conversationID, fingerprint)
	if !ok || m.State != DeliveryFailed {
		return
	}
	go r.persist(conversationID, m.Content, fingerprint)
}

func (r *MessageRouter) persist(conversationID int, content, fingerprint string) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	msg, err := r.rest.PostMessage(ctx, conversationID, content, fingerprint)
	if err != nil {
		log.Printf("router: %v", err)
		r.store.MarkFailed(conversationID, fingerprint)
		r.notify(conversationID)
		return
	}
	r.store.ConfirmSent(conversationID, fingerprint, msg.ID, msg.CreatedAt)
	r.notify(conversationID)
}

// handleReceive folds push-channel message events into the store. Events for
// rooms not currently joined are dropped here and logged, never routed.
func (r *MessageRouter) handleReceive(data json.RawMessage) {
	var ev wire.MessageReceive
	if err := json.Unmarshal(data, &ev); err != nil {
		log.Printf("router: drop malformed message event: %v", err)
		return
	}
	if !r.rooms.Allows(ev.ConversationID) {
		log.Printf("router: drop stale event for room %d", ev.ConversationID)
		return
	}
	if r.store.ApplyRemote(ev) {
		r.notify(ev.ConversationID)
	}
}

// OpenConversation joins and focuses the room, then reconciles the local
// list against canonical history.
func (r *MessageRouter) OpenConversation(ctx context.Context, conversationID int) ([]Message, error) {
	r.rooms.Focus(conversationID)
	if err := r.refresh(ctx, conversationID); err != nil {
		return nil, err
	}
	return r.store.Messages(conversationID), nil
}

// Resync refetches canonical history for every joined conversation. The
// push channel guarantees nothing about events missed while disconnected.
func (r *MessageRouter) Resync(ctx context.Context) {
	for _, conversationID := range r.rooms.Joined() {
		if err := r.refresh(ctx, conversationID); err != nil {
			log.Printf("router: resync conversation %d: %v", conversationID, err)
		}
	}
}

// HandleReconnect is wired to the connection's reconnect hook; gaps beyond
// the threshold trigger a full resync.
func (r *MessageRouter) HandleReconnect(gap time.Duration) {
	if gap < r.gapThreshold {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	r.Resync(ctx)
}

func (r *MessageRouter) refresh(ctx context.Context, conversationID int) error {
	history, err := r.rest.History(ctx, conversationID)
	if err != nil {
		return err
	}
	mismatches := r.store.ReconcileHistory(conversationID, history, r.grace)
	for _, mm := range mismatches {
		log.Printf("router: %v", &mm)
		if r.onMismatch != nil {
			r.onMismatch(mm)
		}
	}
	r.notify(conversationID)
	return nil
}

func (r *MessageRouter) notify(conversationID int) {
	if r.onUpdate != nil {
		r.onUpdate(conversationID)
	}
}

// Close detaches the router from the channel.
func (r *MessageRouter) Close() {
	if r.unsub != nil {
		r.unsub()
	}
}
