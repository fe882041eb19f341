package client

import (
	"errors"
	"fmt"
)

// ErrNotConnected is returned by Emit when no channel is up. The caller
// decides whether that matters: the send path treats the channel copy as
// best-effort and relies on REST persistence either way.
var ErrNotConnected = errors.New("push channel not connected")

// ConnectionError wraps channel dial and auth failures. It is recovered
// internally via backoff; it only escapes when Connect gives up because its
// context was cancelled or Disconnect was called.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// PersistenceError marks a REST persist that exhausted its retries. The
// optimistic entry stays in the list as failed so the user can retry.
type PersistenceError struct {
	ConversationID int
	Fingerprint    string
	Err            error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist message %s in conversation %d: %v", e.Fingerprint, e.ConversationID, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// ReconciliationMismatch reports a provisional entry that outlived the grace
// period without a canonical counterpart in fetched history. It is surfaced
// as an unconfirmed marker, never a silent drop.
type ReconciliationMismatch struct {
	ConversationID int
	Fingerprint    string
}

func (e *ReconciliationMismatch) Error() string {
	return fmt.Sprintf("message %s in conversation %d has no canonical record", e.Fingerprint, e.ConversationID)
}
