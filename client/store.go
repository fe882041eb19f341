package client

import (
	"sort"
	"sync"
	"time"

	"tutorchat/wire"
)

type DeliveryState string

const (
	DeliveryPending DeliveryState = "pending"
	DeliverySent    DeliveryState = "sent"
	DeliveryFailed  DeliveryState = "failed"
)

// fingerprintless events fall back to a sender+content match within this
// window of the local entry's timestamp.
const fuzzyMatchWindow = 10 * time.Second

// Message is the client-side view of one logical message. ID and CreatedAt
// are canonical once assigned by the server; until then the fingerprint
// identifies the message and CreatedAt holds a local placeholder.
type Message struct {
	ID             int           `json:"id"`
	ConversationID int           `json:"conversation_id"`
	SenderID       int           `json:"sender_id"`
	Content        string        `json:"content"`
	Fingerprint    string        `json:"fingerprint"`
	CreatedAt      time.Time     `json:"created_at"`
	State          DeliveryState `json:"delivery_state,omitempty"`

	// Provisional marks a recipient-side entry taken off the push channel
	// before its canonical record was confirmed via history fetch.
	Provisional bool `json:"provisional,omitempty"`
	// Unconfirmed marks a provisional entry that outlived the grace period
	// with no canonical counterpart; the UI shows it flagged, never drops it.
	Unconfirmed bool `json:"unconfirmed,omitempty"`

	receivedAt time.Time
}

// Store holds the per-conversation message lists and merges the two delivery
// paths into one canonical ordered view. All invariants live here: never two
// entries for one logical message, ordering by canonical timestamp with ties
// broken by id.
type Store struct {
	mu            sync.Mutex
	conversations map[int][]*Message
}

func NewStore() *Store {
	return &Store{conversations: make(map[int][]*Message)}
}

// AppendPending adds the optimistic local entry for a send and returns a
// copy of it.
func (s *Store) AppendPending(conversationID, senderID int, content, fingerprint string) Message {
	now := time.Now()
	m := &Message{
		ConversationID: conversationID,
		SenderID:       senderID,
		Content:        content,
		Fingerprint:    fingerprint,
		CreatedAt:      now,
		State:          DeliveryPending,
		receivedAt:     now,
	}

	s.mu.Lock()
	s.conversations[conversationID] = append(s.conversations[conversationID], m)
	s.sortLocked(conversationID)
	out := *m
	s.mu.Unlock()
	return out
}

// ConfirmSent replaces a pending entry's identity with the canonical id and
// timestamp from the REST response.
func (s *Store) ConfirmSent(conversationID int, fingerprint string, id int, createdAt time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	m := s.findByFingerprint(conversationID, fingerprint)
	if m == nil {
		return false
	}
	m.ID = id
	m.CreatedAt = createdAt
	m.State = DeliverySent
	m.Provisional = false
	m.Unconfirmed = false
	s.sortLocked(conversationID)
	return true
}

// MarkFailed flags a pending entry whose persistence gave up. The entry is
// retained so the user can retry.
func (s *Store) MarkFailed(conversationID int, fingerprint string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	m := s.findByFingerprint(conversationID, fingerprint)
	if m == nil {
		return false
	}
	m.State = DeliveryFailed
	return true
}

// ApplyRemote folds one push-channel message event into the list. Dedup
// order: canonical id, then fingerprint, then sender+content within the
// fuzzy window. Unseen events append immediately (the recipient's fast
// path), provisional until history confirms them.
func (s *Store) ApplyRemote(ev wire.MessageReceive) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	var m *Message
	if ev.ID != 0 {
		m = s.findByID(ev.ConversationID, ev.ID)
	}
	if m == nil && ev.Fingerprint != "" {
		m = s.findByFingerprint(ev.ConversationID, ev.Fingerprint)
	}
	if m == nil {
		m = s.findFuzzy(ev.ConversationID, ev.SenderID, ev.Content, ev.Timestamp)
	}

	if m != nil {
		// Same logical message seen again; adopt canonical identity if this
		// copy carries it.
		if ev.ID != 0 && m.ID == 0 {
			m.ID = ev.ID
			m.CreatedAt = ev.Timestamp
			m.State = DeliverySent
			m.Provisional = false
			m.Unconfirmed = false
			s.sortLocked(ev.ConversationID)
			return true
		}
		return false
	}

	now := time.Now()
	entry := &Message{
		ID:             ev.ID,
		ConversationID: ev.ConversationID,
		SenderID:       ev.SenderID,
		Content:        ev.Content,
		Fingerprint:    ev.Fingerprint,
		CreatedAt:      ev.Timestamp,
		receivedAt:     now,
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now
	}
	if ev.ID != 0 {
		entry.State = DeliverySent
	} else {
		entry.State = DeliveryPending
		entry.Provisional = true
	}
	s.conversations[ev.ConversationID] = append(s.conversations[ev.ConversationID], entry)
	s.sortLocked(ev.ConversationID)
	return true
}

// ReconcileHistory merges the REST-fetched canonical list into the
// conversation. Canonical rows win; local pending/failed sends survive;
// provisional entries with no canonical match past the grace period are
// flagged unconfirmed and reported.
func (s *Store) ReconcileHistory(conversationID int, canonical []Message, grace time.Duration) []ReconciliationMismatch {
	s.mu.Lock()
	defer s.mu.Unlock()

	merged := make([]*Message, 0, len(canonical))
	seenID := make(map[int]bool, len(canonical))
	seenFP := make(map[string]bool, len(canonical))
	for i := range canonical {
		c := canonical[i]
		c.State = DeliverySent
		c.Provisional = false
		c.Unconfirmed = false
		merged = append(merged, &c)
		seenID[c.ID] = true
		if c.Fingerprint != "" {
			seenFP[c.Fingerprint] = true
		}
	}

	var mismatches []ReconciliationMismatch
	now := time.Now()
	for _, m := range s.conversations[conversationID] {
		if (m.ID != 0 && seenID[m.ID]) || (m.Fingerprint != "" && seenFP[m.Fingerprint]) {
			continue // canonical copy already in merged
		}
		if m.Provisional {
			if now.Sub(m.receivedAt) > grace {
				m.Unconfirmed = true
				mismatches = append(mismatches, ReconciliationMismatch{
					ConversationID: conversationID,
					Fingerprint:    m.Fingerprint,
				})
			}
			merged = append(merged, m)
			continue
		}
		// Local sends still pending or failed stay visible.
		merged = append(merged, m)
	}

	s.conversations[conversationID] = merged
	s.sortLocked(conversationID)
	return mismatches
}

// Get returns a copy of the entry with the given fingerprint.
func (s *Store) Get(conversationID int, fingerprint string) (Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.findByFingerprint(conversationID, fingerprint)
	if m == nil {
		return Message{}, false
	}
	return *m, true
}

// Messages returns an ordered snapshot of the conversation.
func (s *Store) Messages(conversationID int) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.conversations[conversationID]
	out := make([]Message, len(list))
	for i, m := range list {
		out[i] = *m
	}
	return out
}

func (s *Store) findByID(conversationID, id int) *Message {
	for _, m := range s.conversations[conversationID] {
		if m.ID == id {
			return m
		}
	}
	return nil
}

func (s *Store) findByFingerprint(conversationID int, fingerprint string) *Message {
	for _, m := range s.conversations[conversationID] {
		if m.Fingerprint == fingerprint {
			return m
		}
	}
	return nil
}

func (s *Store) findFuzzy(conversationID, senderID int, content string, at time.Time) *Message {
	if at.IsZero() {
		at = time.Now()
	}
	for _, m := range s.conversations[conversationID] {
		if m.SenderID != senderID || m.Content != content {
			continue
		}
		delta := at.Sub(m.CreatedAt)
		if delta < 0 {
			delta = -delta
		}
		if delta <= fuzzyMatchWindow {
			return m
		}
	}
	return nil
}

// sortLocked enforces the ordering invariant: canonical timestamp first,
// canonical id as tie-break, fingerprint as a stable fallback for entries
// that have no id yet.
func (s *Store) sortLocked(conversationID int) {
	list := s.conversations[conversationID]
	sort.SliceStable(list, func(i, j int) bool {
		a, b := list[i], list[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		if a.ID != 0 && b.ID != 0 {
			return a.ID < b.ID
		}
		if a.ID != b.ID {
			return a.ID != 0 // canonical entries sort ahead of provisional ties
		}
		return a.Fingerprint < b.Fingerprint
	})
}
