// Package client is the real-time conversation SDK: live message delivery,
// typing indicators and presence over one push-channel connection, with REST
// persistence as the source of truth. UI layers drive it from their event
// handlers and render from its stores.
package client

import (
	"context"
	"time"
)

type Config struct {
	// BaseURL is the http(s) origin of the backend, e.g. "http://localhost:8080".
	BaseURL string
	// WSURL is the push-channel endpoint, e.g. "ws://localhost:8080/ws".
	WSURL string
	// Token is the access token from /login.
	Token string
	// UserID identifies the local user in sent messages.
	UserID int
}

// Client bundles one session's subsystems around a single shared
// ConnectionManager. Conversation-scoped state stays partitioned by
// conversation id inside the store and coordinators.
type Client struct {
	Conn     *ConnectionManager
	Rest     *RestClient
	Rooms    *RoomRegistry
	Presence *PresenceTracker
	Typing   *TypingCoordinator
	Store    *Store
	Router   *MessageRouter
}

func New(cfg Config) *Client {
	conn := NewConnectionManager(cfg.WSURL, cfg.Token)
	rest := NewRestClient(cfg.BaseURL, cfg.Token)
	rooms := NewRoomRegistry(conn)
	store := NewStore()
	presence := NewPresenceTracker(conn)
	typing := NewTypingCoordinator(conn)
	router := NewMessageRouter(conn, rest, rooms, store, typing, cfg.UserID)

	conn.OnStateChange(presence.ClearOnState)
	conn.OnReconnect(func(gap time.Duration) {
		rooms.RejoinAll()
		router.HandleReconnect(gap)
	})

	return &Client{
		Conn:     conn,
		Rest:     rest,
		Rooms:    rooms,
		Presence: presence,
		Typing:   typing,
		Store:    store,
		Router:   router,
	}
}

// Connect establishes the push channel, retrying with backoff until success
// or ctx cancellation.
func (c *Client) Connect(ctx context.Context) error {
	return c.Conn.Connect(ctx)
}

// Close tears the session down.
func (c *Client) Close() {
	c.Router.Close()
	c.Typing.Close()
	c.Presence.Close()
	c.Conn.Disconnect()
}
