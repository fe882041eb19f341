package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

const (
	persistRetries    = 3
	persistRetryDelay = 500 * time.Millisecond
)

// Conversation mirrors one row of GET /api/conversations.
type Conversation struct {
	ID                 int    `json:"id"`
	ParticipantIDs     []int  `json:"participant_ids"`
	PeerUsername       string `json:"peer_username"`
	LastMessagePreview string `json:"last_message_preview"`
	UnreadCount        int    `json:"unread_count"`
}

// RestClient talks to the persistence authority. The push channel is
// best-effort; everything this client returns is canonical.
type RestClient struct {
	base  string
	token string
	http  *http.Client

	retries    int
	retryDelay time.Duration
}

func NewRestClient(baseURL, token string) *RestClient {
	return &RestClient{
		base:       baseURL,
		token:      token,
		http:       &http.Client{Timeout: 10 * time.Second},
		retries:    persistRetries,
		retryDelay: persistRetryDelay,
	}
}

func (c *RestClient) ListConversations(ctx context.Context) ([]Conversation, error) {
	var convs []Conversation
	if err := c.getJSON(ctx, "/api/conversations", &convs); err != nil {
		return nil, err
	}
	return convs, nil
}

// History fetches the canonical ordered message list for a conversation.
func (c *RestClient) History(ctx context.Context, conversationID int) ([]Message, error) {
	var msgs []Message
	path := fmt.Sprintf("/api/conversations/%d/messages", conversationID)
	if err := c.getJSON(ctx, path, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

// StartConversation finds or creates the private conversation with a peer.
func (c *RestClient) StartConversation(ctx context.Context, peerID int) (int, error) {
	var res struct {
		ConversationID int `json:"conversation_id"`
	}
	if err := c.postJSON(ctx, "/api/conversations", map[string]int{"peer_id": peerID}, &res); err != nil {
		return 0, err
	}
	return res.ConversationID, nil
}

// PostMessage persists one message, retrying transient failures a bounded
// number of times. Retries reuse the fingerprint, so the server cannot store
// the message twice. A *PersistenceError means the caller should mark the
// optimistic entry failed, never drop it.
func (c *RestClient) PostMessage(ctx context.Context, conversationID int, content, fingerprint string) (*Message, error) {
	path := fmt.Sprintf("/api/conversations/%d/messages", conversationID)
	body := map[string]string{"content": content, "fingerprint": fingerprint}

	var lastErr error
	for attempt := 0; attempt < c.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, &PersistenceError{ConversationID: conversationID, Fingerprint: fingerprint, Err: ctx.Err()}
			case <-time.After(c.retryDelay):
			}
		}

		var msg Message
		err := c.postJSON(ctx, path, body, &msg)
		if err == nil {
			return &msg, nil
		}
		lastErr = err
		if !retryable(err) {
			break
		}
	}
	return nil, &PersistenceError{ConversationID: conversationID, Fingerprint: fingerprint, Err: lastErr}
}

// statusError distinguishes HTTP rejections from transport failures.
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("http %d: %s", e.code, e.body)
}

// retryable: transport errors and 5xx may succeed later; 4xx never will.
func retryable(err error) bool {
	if se, ok := err.(*statusError); ok {
		return se.code >= 500
	}
	return true
}

func (c *RestClient) getJSON(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *RestClient) postJSON(ctx context.Context, path string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *RestClient) do(req *http.Request, out interface{}) error {
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var buf bytes.Buffer
		buf.ReadFrom(resp.Body)
		return &statusError{code: resp.StatusCode, body: buf.String()}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
