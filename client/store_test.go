package client

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tutorchat/wire"
)

func TestSendEchoIsDeduplicated(t *testing.T) {
	s := NewStore()
	s.AppendPending(5, 1, "hi", "f1")

	// The hub echoes the channel copy back (e.g. to another tab of the
	// sender) before REST confirms.
	added := s.ApplyRemote(wire.MessageReceive{
		ConversationID: 5, SenderID: 1, Content: "hi", Fingerprint: "f1",
		Timestamp: time.Now(),
	})

	assert.False(t, added)
	assert.Len(t, s.Messages(5), 1, "echo of the same fingerprint must not duplicate")
}

func TestEchoWithCanonicalIDConfirmsEntry(t *testing.T) {
	s := NewStore()
	s.AppendPending(5, 1, "hi", "f1")

	ts := time.Now().Add(-time.Second)
	s.ApplyRemote(wire.MessageReceive{
		ID: 123, ConversationID: 5, SenderID: 1, Content: "hi",
		Fingerprint: "f1", Timestamp: ts,
	})

	msgs := s.Messages(5)
	require.Len(t, msgs, 1)
	assert.Equal(t, 123, msgs[0].ID)
	assert.Equal(t, DeliverySent, msgs[0].State)
	assert.False(t, msgs[0].Provisional)
}

func TestFingerprintlessEventFallsBackToFuzzyMatch(t *testing.T) {
	s := NewStore()
	s.AppendPending(5, 1, "hi", "f1")

	added := s.ApplyRemote(wire.MessageReceive{
		ConversationID: 5, SenderID: 1, Content: "hi", Timestamp: time.Now(),
	})

	assert.False(t, added, "sender+content within the window matches the pending entry")
	assert.Len(t, s.Messages(5), 1)
}

func TestOrderingByCanonicalTimestamp(t *testing.T) {
	s := NewStore()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	// Arrival order deliberately scrambled relative to canonical order.
	s.ApplyRemote(wire.MessageReceive{ID: 3, ConversationID: 5, SenderID: 2, Content: "c", Fingerprint: "f3", Timestamp: base.Add(2 * time.Second)})
	s.ApplyRemote(wire.MessageReceive{ID: 1, ConversationID: 5, SenderID: 2, Content: "a", Fingerprint: "f1", Timestamp: base})
	s.ApplyRemote(wire.MessageReceive{ID: 2, ConversationID: 5, SenderID: 2, Content: "b", Fingerprint: "f2", Timestamp: base.Add(time.Second)})

	msgs := s.Messages(5)
	require.Len(t, msgs, 3)
	assert.Equal(t, []int{1, 2, 3}, []int{msgs[0].ID, msgs[1].ID, msgs[2].ID})
}

func TestOrderingTieBrokenByID(t *testing.T) {
	s := NewStore()
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	s.ApplyRemote(wire.MessageReceive{ID: 9, ConversationID: 5, SenderID: 2, Content: "b", Fingerprint: "f9", Timestamp: ts})
	s.ApplyRemote(wire.MessageReceive{ID: 4, ConversationID: 5, SenderID: 2, Content: "a", Fingerprint: "f4", Timestamp: ts})

	msgs := s.Messages(5)
	require.Len(t, msgs, 2)
	assert.Equal(t, 4, msgs[0].ID)
}

func TestProvisionalEntryReconciledToCanonical(t *testing.T) {
	s := NewStore()

	// Push copy reaches the recipient first: provisional fast path.
	s.ApplyRemote(wire.MessageReceive{
		ConversationID: 5, SenderID: 1, Content: "hi", Fingerprint: "f1",
		Timestamp: time.Now(),
	})
	msgs := s.Messages(5)
	require.Len(t, msgs, 1)
	require.True(t, msgs[0].Provisional)

	canonical := []Message{{
		ID: 123, ConversationID: 5, SenderID: 1, Content: "hi",
		Fingerprint: "f1", CreatedAt: time.Now(),
	}}
	mismatches := s.ReconcileHistory(5, canonical, 30*time.Second)

	assert.Empty(t, mismatches)
	msgs = s.Messages(5)
	require.Len(t, msgs, 1, "exactly one entry after reconcile, never two")
	assert.Equal(t, 123, msgs[0].ID)
	assert.False(t, msgs[0].Provisional)
	assert.Equal(t, DeliverySent, msgs[0].State)
}

func TestProvisionalPastGraceIsFlaggedNotDropped(t *testing.T) {
	s := NewStore()
	s.ApplyRemote(wire.MessageReceive{
		ConversationID: 5, SenderID: 1, Content: "hi", Fingerprint: "f1",
		Timestamp: time.Now(),
	})

	mismatches := s.ReconcileHistory(5, nil, 0)

	require.Len(t, mismatches, 1)
	assert.Equal(t, "f1", mismatches[0].Fingerprint)
	msgs := s.Messages(5)
	require.Len(t, msgs, 1)
	assert.True(t, msgs[0].Unconfirmed, "surfaced as unconfirmed, not silently dropped")
}

func TestProvisionalWithinGraceIsKeptQuietly(t *testing.T) {
	s := NewStore()
	s.ApplyRemote(wire.MessageReceive{
		ConversationID: 5, SenderID: 1, Content: "hi", Fingerprint: "f1",
		Timestamp: time.Now(),
	})

	mismatches := s.ReconcileHistory(5, nil, 30*time.Second)

	assert.Empty(t, mismatches)
	msgs := s.Messages(5)
	require.Len(t, msgs, 1)
	assert.False(t, msgs[0].Unconfirmed)
	assert.True(t, msgs[0].Provisional)
}

func TestPendingAndFailedSendsSurviveReconcile(t *testing.T) {
	s := NewStore()
	s.AppendPending(5, 1, "one", "f1")
	s.AppendPending(5, 1, "two", "f2")
	s.MarkFailed(5, "f2")

	s.ReconcileHistory(5, nil, 30*time.Second)

	msgs := s.Messages(5)
	require.Len(t, msgs, 2)
	assert.Equal(t, DeliveryPending, msgs[0].State)
	assert.Equal(t, DeliveryFailed, msgs[1].State)
}

func TestConfirmSentAdoptsCanonicalIdentityAndResorts(t *testing.T) {
	s := NewStore()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.ReconcileHistory(5, []Message{
		{ID: 10, ConversationID: 5, SenderID: 2, Content: "old", Fingerprint: "f10", CreatedAt: base.Add(time.Hour)},
	}, 30*time.Second)

	s.AppendPending(5, 1, "mine", "f1")
	ok := s.ConfirmSent(5, "f1", 20, base)
	require.True(t, ok)

	msgs := s.Messages(5)
	require.Len(t, msgs, 2)
	assert.Equal(t, 20, msgs[0].ID, "canonical timestamp re-sorts the confirmed entry")
	assert.Equal(t, DeliverySent, msgs[0].State)
}

func TestReconcileIsIdempotent(t *testing.T) {
	s := NewStore()
	canonical := []Message{
		{ID: 1, ConversationID: 5, SenderID: 2, Content: "a", Fingerprint: "fa", CreatedAt: time.Now()},
		{ID: 2, ConversationID: 5, SenderID: 2, Content: "b", Fingerprint: "fb", CreatedAt: time.Now().Add(time.Second)},
	}
	s.ReconcileHistory(5, canonical, 30*time.Second)
	s.ReconcileHistory(5, canonical, 30*time.Second)

	assert.Len(t, s.Messages(5), 2)
}
