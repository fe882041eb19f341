package chat

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

var ErrNotParticipant = errors.New("user is not a participant of this conversation")

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// FindOrCreateConversation returns the private conversation between the two
// users, creating it on first contact.
func (r *Repository) FindOrCreateConversation(ctx context.Context, userA, userB int) (int, error) {
	var id int
	query := `
		SELECT pa.conversation_id
		FROM participants pa
		JOIN participants pb ON pa.conversation_id = pb.conversation_id
		WHERE pa.user_id = $1 AND pb.user_id = $2
		LIMIT 1
	`
	err := r.db.QueryRowContext(ctx, query, userA, userB).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	if err := tx.QueryRowContext(ctx, "INSERT INTO conversations DEFAULT VALUES RETURNING id").Scan(&id); err != nil {
		return 0, err
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO participants (conversation_id, user_id) VALUES ($1, $2), ($1, $3)",
		id, userA, userB); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return id, nil
}

// ListConversations returns the user's conversations with unread counts and
// last-message previews, most recently active first.
func (r *Repository) ListConversations(ctx context.Context, userID int) ([]*Conversation, error) {
	query := `
		SELECT c.id, c.created_at,
		       peer.user_id, u.username,
		       COALESCE(last.content, ''),
		       (SELECT COUNT(*) FROM messages m
		        WHERE m.conversation_id = c.id
		          AND m.sender_id <> $1
		          AND m.created_at > me.last_read_at)
		FROM conversations c
		JOIN participants me ON me.conversation_id = c.id AND me.user_id = $1
		JOIN participants peer ON peer.conversation_id = c.id AND peer.user_id <> $1
		JOIN users u ON u.id = peer.user_id
		LEFT JOIN LATERAL (
			SELECT content FROM messages m
			WHERE m.conversation_id = c.id
			ORDER BY m.created_at DESC, m.id DESC LIMIT 1
		) last ON true
		ORDER BY c.created_at DESC
	`
	rows, err := r.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var convs []*Conversation
	for rows.Next() {
		c := &Conversation{}
		var peerID int
		if err := rows.Scan(&c.ID, &c.CreatedAt, &peerID, &c.PeerUsername, &c.LastMessagePreview, &c.UnreadCount); err != nil {
			return nil, err
		}
		c.ParticipantIDs = []int{userID, peerID}
		convs = append(convs, c)
	}
	return convs, rows.Err()
}

// GetMessages returns the canonical ordered history of a conversation and
// advances the caller's read cursor. Callers must be participants.
func (r *Repository) GetMessages(ctx context.Context, convID, userID int) ([]*Message, error) {
	ok, err := r.IsParticipant(ctx, convID, userID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotParticipant
	}

	query := `
		SELECT id, conversation_id, sender_id, content, fingerprint, created_at
		FROM messages
		WHERE conversation_id = $1
		ORDER BY created_at ASC, id ASC
	`
	rows, err := r.db.QueryContext(ctx, query, convID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []*Message
	for rows.Next() {
		m := &Message{}
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Content, &m.Fingerprint, &m.CreatedAt); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	_, err = r.db.ExecContext(ctx,
		"UPDATE participants SET last_read_at = CURRENT_TIMESTAMP WHERE conversation_id = $1 AND user_id = $2",
		convID, userID)
	if err != nil {
		return nil, fmt.Errorf("advancing read cursor: %w", err)
	}
	return msgs, nil
}

// SaveMessage persists a message. A replayed fingerprint (client retry)
// returns the already-persisted canonical row instead of inserting a
// duplicate.
func (r *Repository) SaveMessage(ctx context.Context, msg *Message) (*Message, error) {
	query := `
		INSERT INTO messages (conversation_id, sender_id, content, fingerprint)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (conversation_id, fingerprint)
			DO UPDATE SET content = messages.content
		RETURNING id, created_at
	`
	err := r.db.QueryRowContext(ctx, query,
		msg.ConversationID, msg.SenderID, msg.Content, msg.Fingerprint,
	).Scan(&msg.ID, &msg.CreatedAt)
	if err != nil {
		return nil, err
	}
	return msg, nil
}

func (r *Repository) IsParticipant(ctx context.Context, convID, userID int) (bool, error) {
	var n int
	query := "SELECT COUNT(*) FROM participants WHERE conversation_id = $1 AND user_id = $2"
	if err := r.db.QueryRowContext(ctx, query, convID, userID).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

// PeersOf returns the ids of every user sharing at least one conversation
// with the given user. Presence updates are scoped to this set.
func (r *Repository) PeersOf(ctx context.Context, userID int) ([]int, error) {
	query := `
		SELECT DISTINCT peer.user_id
		FROM participants me
		JOIN participants peer ON peer.conversation_id = me.conversation_id
		WHERE me.user_id = $1 AND peer.user_id <> $1
	`
	rows, err := r.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var peers []int
	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		peers = append(peers, id)
	}
	return peers, rows.Err()
}
