package chat

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/gorilla/websocket"

	"tutorchat/wire"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
)

// Client is the server-side half of one push-channel connection. A user with
// several tabs open has several Clients; the hub counts them when deciding
// presence edges.
type Client struct {
	Hub      *Hub
	Conn     *websocket.Conn
	Send     chan []byte
	UserID   int
	Username string

	// Peers are the users sharing a conversation with this user, resolved
	// once at connect time; presence announcements go only to them.
	Peers []int

	// rooms is owned by the hub goroutine.
	rooms map[int]bool
}

// ReadPump decodes inbound envelopes and routes them. Join and leave are
// idempotent; events for conversations the user does not belong to are
// dropped here, at the boundary.
func (c *Client) ReadPump() {
	defer func() {
		c.Hub.Unregister <- c
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(maxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("ws read [%s]: %v", c.Username, err)
			}
			return
		}

		var env wire.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			log.Printf("ws drop malformed frame from %s: %v", c.Username, err)
			continue
		}
		c.handleEvent(&env)
	}
}

func (c *Client) handleEvent(env *wire.Envelope) {
	switch env.Event {
	case wire.EventConversationJoin, wire.EventConversationLeave:
		var ref wire.RoomRef
		if err := json.Unmarshal(env.Data, &ref); err != nil {
			return
		}
		if env.Event == wire.EventConversationLeave {
			c.Hub.leave(c, ref.ConversationID)
			return
		}
		if !c.authorized(ref.ConversationID) {
			log.Printf("ws drop join: user %d not in conversation %d", c.UserID, ref.ConversationID)
			return
		}
		c.Hub.join(c, ref.ConversationID)

	case wire.EventMessageSend:
		var send wire.MessageSend
		if err := json.Unmarshal(env.Data, &send); err != nil {
			return
		}
		if !c.authorized(send.ConversationID) {
			log.Printf("ws drop message: user %d not in conversation %d", c.UserID, send.ConversationID)
			return
		}
		// Low-latency relay only. Persistence happens on the REST path;
		// the fingerprint lets recipients collapse the two copies.
		c.Hub.Relay(wire.EventMessageReceive, send.ConversationID, c.UserID, true, nil, wire.MessageReceive{
			ConversationID: send.ConversationID,
			SenderID:       c.UserID,
			Content:        send.Content,
			Fingerprint:    send.Fingerprint,
			Timestamp:      time.Now().UTC(),
		})

	case wire.EventTypingStart, wire.EventTypingStop:
		var typing wire.Typing
		if err := json.Unmarshal(env.Data, &typing); err != nil {
			return
		}
		if !c.authorized(typing.ConversationID) {
			return
		}
		typing.UserID = c.UserID
		c.Hub.Relay(env.Event, typing.ConversationID, c.UserID, true, nil, typing)

	default:
		log.Printf("ws drop unknown event %q from %s", env.Event, c.Username)
	}
}

func (c *Client) authorized(convID int) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	ok, err := c.Hub.repo.IsParticipant(ctx, convID, c.UserID)
	if err != nil {
		log.Printf("ws participant check: %v", err)
		return false
	}
	return ok
}

// WritePump drains the send buffer to the socket and keeps the connection
// alive with pings.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case payload, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
