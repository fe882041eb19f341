package client

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"tutorchat/wire"
)

const (
	localTypingIdle    = 3 * time.Second
	remoteTypingTTL    = 5 * time.Second
	typingEmitThrottle = time.Second
)

type typingKey struct {
	conversationID int
	userID         int
}

type localTyping struct {
	recipientID int
	lastEmit    time.Time
	idle        *time.Timer
}

// TypingCoordinator owns every typing timer for this client: the local
// debounce/auto-stop state machine per conversation, and the expiry table
// for remote typists. The remote TTL guards against typing:stop events lost
// on an unreliable channel; an entry never outlives its grace period without
// a refresh.
type TypingCoordinator struct {
	ch Channel

	// overridable for tests
	idle     time.Duration
	ttl      time.Duration
	throttle time.Duration

	mu       sync.Mutex
	local    map[int]*localTyping
	remote   map[typingKey]*time.Timer
	typists  map[int]map[int]bool // conversationID -> userIDs typing
	onChange func(conversationID int)
	unsubs   []func()
}

func NewTypingCoordinator(ch Channel) *TypingCoordinator {
	t := &TypingCoordinator{
		ch:       ch,
		idle:     localTypingIdle,
		ttl:      remoteTypingTTL,
		throttle: typingEmitThrottle,
		local:    make(map[int]*localTyping),
		remote:   make(map[typingKey]*time.Timer),
		typists:  make(map[int]map[int]bool),
	}
	t.unsubs = append(t.unsubs,
		ch.Subscribe(wire.EventTypingStart, t.handleRemoteStart),
		ch.Subscribe(wire.EventTypingStop, t.handleRemoteStop),
	)
	return t
}

// OnChange registers a callback invoked with the conversation id whenever
// the set of remote typists changes.
func (t *TypingCoordinator) OnChange(fn func(conversationID int)) {
	t.mu.Lock()
	t.onChange = fn
	t.mu.Unlock()
}

// Keystroke records local typing activity: emits typing:start at most once
// per throttle window and (re)arms the idle auto-stop timer.
func (t *TypingCoordinator) Keystroke(conversationID, recipientID int) {
	now := time.Now()

	t.mu.Lock()
	lt := t.local[conversationID]
	if lt == nil {
		lt = &localTyping{}
		t.local[conversationID] = lt
	}
	lt.recipientID = recipientID
	emit := now.Sub(lt.lastEmit) >= t.throttle
	if emit {
		lt.lastEmit = now
	}
	if lt.idle != nil {
		lt.idle.Stop()
	}
	lt.idle = time.AfterFunc(t.idle, func() { t.Stop(conversationID) })
	t.mu.Unlock()

	if emit {
		t.ch.Emit(wire.EventTypingStart, wire.Typing{ConversationID: conversationID, RecipientID: recipientID})
	}
}

// Stop ends local typing for the conversation, emitting typing:stop if a
// typing run was active. Called on idle timeout, on message send, and on
// leaving the conversation.
func (t *TypingCoordinator) Stop(conversationID int) {
	t.mu.Lock()
	lt := t.local[conversationID]
	if lt == nil {
		t.mu.Unlock()
		return
	}
	delete(t.local, conversationID)
	if lt.idle != nil {
		lt.idle.Stop()
	}
	t.mu.Unlock()

	t.ch.Emit(wire.EventTypingStop, wire.Typing{ConversationID: conversationID, RecipientID: lt.recipientID})
}

// MessageSent forces typing to stop; sending a message ends the run.
func (t *TypingCoordinator) MessageSent(conversationID int) {
	t.Stop(conversationID)
}

// LeaveConversation cancels local typing and drops all remote entries for
// the conversation.
func (t *TypingCoordinator) LeaveConversation(conversationID int) {
	t.Stop(conversationID)

	t.mu.Lock()
	for key, timer := range t.remote {
		if key.conversationID == conversationID {
			timer.Stop()
			delete(t.remote, key)
		}
	}
	delete(t.typists, conversationID)
	t.mu.Unlock()
}

// TypingUsers returns the remote users currently typing in a conversation.
func (t *TypingCoordinator) TypingUsers(conversationID int) []int {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := make([]int, 0, len(t.typists[conversationID]))
	for id := range t.typists[conversationID] {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

func (t *TypingCoordinator) handleRemoteStart(data json.RawMessage) {
	var ev wire.Typing
	if err := json.Unmarshal(data, &ev); err != nil || ev.UserID == 0 {
		return
	}
	key := typingKey{conversationID: ev.ConversationID, userID: ev.UserID}

	t.mu.Lock()
	changed := false
	if timer, ok := t.remote[key]; ok {
		// Refresh, never duplicate: a repeated start only extends expiry.
		timer.Reset(t.ttl)
	} else {
		t.remote[key] = time.AfterFunc(t.ttl, func() { t.expireRemote(key) })
		set := t.typists[ev.ConversationID]
		if set == nil {
			set = make(map[int]bool)
			t.typists[ev.ConversationID] = set
		}
		set[ev.UserID] = true
		changed = true
	}
	fn := t.onChange
	t.mu.Unlock()

	if changed && fn != nil {
		fn(ev.ConversationID)
	}
}

func (t *TypingCoordinator) handleRemoteStop(data json.RawMessage) {
	var ev wire.Typing
	if err := json.Unmarshal(data, &ev); err != nil || ev.UserID == 0 {
		return
	}
	t.clearRemote(typingKey{conversationID: ev.ConversationID, userID: ev.UserID})
}

func (t *TypingCoordinator) expireRemote(key typingKey) {
	t.clearRemote(key)
}

func (t *TypingCoordinator) clearRemote(key typingKey) {
	t.mu.Lock()
	timer, ok := t.remote[key]
	if ok {
		timer.Stop()
		delete(t.remote, key)
		delete(t.typists[key.conversationID], key.userID)
		if len(t.typists[key.conversationID]) == 0 {
			delete(t.typists, key.conversationID)
		}
	}
	fn := t.onChange
	t.mu.Unlock()

	if ok && fn != nil {
		fn(key.conversationID)
	}
}

// Close cancels all timers and removes event subscriptions.
func (t *TypingCoordinator) Close() {
	for _, unsub := range t.unsubs {
		unsub()
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for conv, lt := range t.local {
		if lt.idle != nil {
			lt.idle.Stop()
		}
		delete(t.local, conv)
	}
	for key, timer := range t.remote {
		timer.Stop()
		delete(t.remote, key)
	}
	t.typists = make(map[int]map[int]bool)
}
