package client

import (
	"encoding/json"
	"sort"
	"sync"

	"tutorchat/wire"
)

// PresenceTracker maintains the set of currently-online peers. It is a
// best-effort signal only: a peer shown online may still miss a message, and
// while the local channel is down the tracker cannot assert anything, so the
// set is cleared and marked unknown until reconnect.
type PresenceTracker struct {
	mu     sync.Mutex
	online map[int]bool
	known  bool

	unsubs []func()
}

// NewPresenceTracker subscribes to presence events on the channel. When the
// channel is a *ConnectionManager, wire ClearOnState to its OnStateChange.
func NewPresenceTracker(ch Channel) *PresenceTracker {
	t := &PresenceTracker{online: make(map[int]bool)}
	t.unsubs = append(t.unsubs,
		ch.Subscribe(wire.EventPresenceOnline, t.handle(true)),
		ch.Subscribe(wire.EventPresenceOffline, t.handle(false)),
	)
	return t
}

func (t *PresenceTracker) handle(online bool) Handler {
	return func(data json.RawMessage) {
		var p wire.Presence
		if err := json.Unmarshal(data, &p); err != nil || p.UserID == 0 {
			return
		}
		t.mu.Lock()
		defer t.mu.Unlock()
		t.known = true
		if online {
			t.online[p.UserID] = true
		} else {
			delete(t.online, p.UserID)
		}
	}
}

// ClearOnState resets the tracker whenever the channel leaves the connected
// state.
func (t *PresenceTracker) ClearOnState(s State) {
	if s == StateConnected {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.online = make(map[int]bool)
	t.known = false
}

func (t *PresenceTracker) IsOnline(userID int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.online[userID]
}

// Known reports whether the tracker has received any signal since the last
// (re)connect; false means presence is unknown, not that everyone is
// offline.
func (t *PresenceTracker) Known() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.known
}

func (t *PresenceTracker) Online() []int {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := make([]int, 0, len(t.online))
	for id := range t.online {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// Close removes the tracker's event subscriptions.
func (t *PresenceTracker) Close() {
	for _, unsub := range t.unsubs {
		unsub()
	}
}
