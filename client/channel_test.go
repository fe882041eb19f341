package client

import (
	"encoding/json"
	"sync"
	"testing"
)

// fakeChannel implements Channel for tests: it records emits and lets the
// test inject inbound events.
type fakeChannel struct {
	mu       sync.Mutex
	emitted  []fakeEmit
	subs     map[string]map[int]Handler
	nextID   int
	failEmit bool
}

type fakeEmit struct {
	event   string
	payload interface{}
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{subs: make(map[string]map[int]Handler)}
}

func (f *fakeChannel) Emit(event string, payload interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failEmit {
		return ErrNotConnected
	}
	f.emitted = append(f.emitted, fakeEmit{event: event, payload: payload})
	return nil
}

func (f *fakeChannel) Subscribe(event string, h Handler) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subs[event] == nil {
		f.subs[event] = make(map[int]Handler)
	}
	id := f.nextID
	f.nextID++
	f.subs[event][id] = h
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.subs[event], id)
	}
}

// fire delivers an inbound event to all subscribers, like the dispatch loop
// would.
func (f *fakeChannel) fire(t *testing.T, event string, payload interface{}) {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal %s payload: %v", event, err)
	}
	f.mu.Lock()
	handlers := make([]Handler, 0, len(f.subs[event]))
	for _, h := range f.subs[event] {
		handlers = append(handlers, h)
	}
	f.mu.Unlock()
	for _, h := range handlers {
		h(data)
	}
}

func (f *fakeChannel) events(event string) []fakeEmit {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []fakeEmit
	for _, e := range f.emitted {
		if e.event == event {
			out = append(out, e)
		}
	}
	return out
}
