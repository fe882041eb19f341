package client

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"tutorchat/wire"
)

func TestPresenceTracksOnlineAndOffline(t *testing.T) {
	ch := newFakeChannel()
	tracker := NewPresenceTracker(ch)
	defer tracker.Close()

	assert.False(t, tracker.Known())

	ch.fire(t, wire.EventPresenceOnline, wire.Presence{UserID: 42})
	ch.fire(t, wire.EventPresenceOnline, wire.Presence{UserID: 7})

	assert.True(t, tracker.Known())
	assert.True(t, tracker.IsOnline(42))
	assert.Equal(t, []int{7, 42}, tracker.Online())

	ch.fire(t, wire.EventPresenceOffline, wire.Presence{UserID: 42})
	assert.False(t, tracker.IsOnline(42))
	assert.Equal(t, []int{7}, tracker.Online())
}

func TestPresenceClearedWhileDisconnected(t *testing.T) {
	ch := newFakeChannel()
	tracker := NewPresenceTracker(ch)
	defer tracker.Close()

	ch.fire(t, wire.EventPresenceOnline, wire.Presence{UserID: 42})
	assert.True(t, tracker.IsOnline(42))

	// The client cannot assert anyone's presence while offline.
	tracker.ClearOnState(StateConnecting)
	assert.False(t, tracker.IsOnline(42))
	assert.False(t, tracker.Known())
	assert.Empty(t, tracker.Online())

	tracker.ClearOnState(StateConnected)
	assert.False(t, tracker.Known(), "reconnect alone does not re-assert presence")
}

func TestPresenceIgnoresMalformedEvents(t *testing.T) {
	ch := newFakeChannel()
	tracker := NewPresenceTracker(ch)
	defer tracker.Close()

	ch.fire(t, wire.EventPresenceOnline, wire.Presence{})
	assert.Empty(t, tracker.Online())
}
