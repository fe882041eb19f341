package chat

import (
	"context"
	"encoding/json"
	"log"

	"github.com/redis/go-redis/v9"

	"tutorchat/wire"
)

const redisChannel = "chat:events"

// relayFrame is the cross-instance envelope published to Redis. Either
// Targets (explicit user ids, used for presence) or ConversationID (room
// fan-out) selects the recipients.
type relayFrame struct {
	Event          string          `json:"event"`
	ConversationID int             `json:"conversation_id,omitempty"`
	SenderID       int             `json:"sender_id,omitempty"`
	Targets        []int           `json:"targets,omitempty"`
	ExcludeSender  bool            `json:"exclude_sender,omitempty"`
	Data           json.RawMessage `json:"data"`
}

type roomRequest struct {
	client         *Client
	conversationID int
	leave          bool
}

// Hub routes events between connections. Its Run loop is the only goroutine
// touching clients, rooms and the online counters, so none of them need a
// lock. With a Redis client attached, every outbound event takes a round
// trip through pub/sub so all server instances fan out consistently; with a
// nil Redis client events loop back locally (single instance, tests).
type Hub struct {
	clients map[*Client]bool
	rooms   map[int]map[*Client]bool
	online  map[int]int // userID -> open connections

	Register   chan *Client
	Unregister chan *Client
	Publish    chan *relayFrame
	broadcast  chan []byte
	roomCh     chan roomRequest

	redis *redis.Client
	repo  *Repository
}

func NewHub(redisClient *redis.Client, repo *Repository) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		rooms:      make(map[int]map[*Client]bool),
		online:     make(map[int]int),
		Register:   make(chan *Client),
		Unregister: make(chan *Client),
		Publish:    make(chan *relayFrame, 64),
		broadcast:  make(chan []byte, 64),
		roomCh:     make(chan roomRequest),
		redis:      redisClient,
		repo:       repo,
	}
}

func (h *Hub) Run() {
	for {
		select {
		case client := <-h.Register:
			h.clients[client] = true
			h.online[client.UserID]++
			// Tell the new connection which peers are already online,
			// then announce it to them on the 0->1 edge only, so a
			// second tab does not re-announce.
			for _, peer := range client.Peers {
				if h.online[peer] > 0 {
					h.sendTo(client, wire.EventPresenceOnline, wire.Presence{UserID: peer})
				}
			}
			if h.online[client.UserID] == 1 {
				h.Relay(wire.EventPresenceOnline, 0, client.UserID, false, client.Peers, wire.Presence{UserID: client.UserID})
			}

		case client := <-h.Unregister:
			if _, ok := h.clients[client]; ok {
				for convID := range client.rooms {
					h.dropFromRoom(convID, client)
				}
				delete(h.clients, client)
				close(client.Send)
				h.online[client.UserID]--
				if h.online[client.UserID] <= 0 {
					delete(h.online, client.UserID)
					h.Relay(wire.EventPresenceOffline, 0, client.UserID, false, client.Peers, wire.Presence{UserID: client.UserID})
				}
			}

		case req := <-h.roomCh:
			if !h.clients[req.client] {
				break
			}
			if req.leave {
				h.dropFromRoom(req.conversationID, req.client)
				break
			}
			room := h.rooms[req.conversationID]
			if room == nil {
				room = make(map[*Client]bool)
				h.rooms[req.conversationID] = room
			}
			room[req.client] = true
			req.client.rooms[req.conversationID] = true

		case frame := <-h.Publish:
			payload, err := json.Marshal(frame)
			if err != nil {
				log.Printf("hub: marshal relay frame: %v", err)
				break
			}
			if h.redis == nil {
				h.deliver(payload)
				break
			}
			if err := h.redis.Publish(context.Background(), redisChannel, payload).Err(); err != nil {
				log.Printf("hub: redis publish: %v", err)
			}

		case payload := <-h.broadcast:
			h.deliver(payload)
		}
	}
}

// SubscribeToRedis pumps events published by any instance into the local
// broadcast path.
func (h *Hub) SubscribeToRedis() {
	if h.redis == nil {
		return
	}
	pubsub := h.redis.Subscribe(context.Background(), redisChannel)
	defer pubsub.Close()

	for msg := range pubsub.Channel() {
		h.broadcast <- []byte(msg.Payload)
	}
}

// Relay queues an event for fan-out. targets selects explicit users;
// with no targets the event goes to the conversation's room members.
func (h *Hub) Relay(event string, convID, senderID int, excludeSender bool, targets []int, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		log.Printf("hub: marshal %s payload: %v", event, err)
		return
	}
	frame := &relayFrame{
		Event:          event,
		ConversationID: convID,
		SenderID:       senderID,
		Targets:        targets,
		ExcludeSender:  excludeSender,
		Data:           data,
	}
	// Non-blocking: Relay is also called from inside the Run loop, which is
	// the consumer of Publish.
	select {
	case h.Publish <- frame:
	default:
		log.Printf("hub: relay queue full, dropped %s", event)
	}
}

// RelayMessage announces a freshly persisted message to the conversation's
// room, carrying the canonical id and timestamp so online recipients can
// adopt them without a history fetch.
func (h *Hub) RelayMessage(msg *Message) {
	h.Relay(wire.EventMessageReceive, msg.ConversationID, msg.SenderID, false, nil, wire.MessageReceive{
		ID:             msg.ID,
		ConversationID: msg.ConversationID,
		SenderID:       msg.SenderID,
		Content:        msg.Content,
		Fingerprint:    msg.Fingerprint,
		Timestamp:      msg.CreatedAt,
	})
}

func (h *Hub) join(client *Client, convID int) {
	h.roomCh <- roomRequest{client: client, conversationID: convID}
}

func (h *Hub) leave(client *Client, convID int) {
	h.roomCh <- roomRequest{client: client, conversationID: convID, leave: true}
}

func (h *Hub) dropFromRoom(convID int, client *Client) {
	if room := h.rooms[convID]; room != nil {
		delete(room, client)
		if len(room) == 0 {
			delete(h.rooms, convID)
		}
	}
	delete(client.rooms, convID)
}

func (h *Hub) deliver(payload []byte) {
	var frame relayFrame
	if err := json.Unmarshal(payload, &frame); err != nil {
		log.Printf("hub: drop malformed relay frame: %v", err)
		return
	}
	env, err := json.Marshal(wire.Envelope{Event: frame.Event, Data: frame.Data})
	if err != nil {
		return
	}

	if len(frame.Targets) > 0 {
		want := make(map[int]bool, len(frame.Targets))
		for _, id := range frame.Targets {
			want[id] = true
		}
		for client := range h.clients {
			if want[client.UserID] {
				h.push(client, env)
			}
		}
		return
	}

	for client := range h.rooms[frame.ConversationID] {
		if frame.ExcludeSender && client.UserID == frame.SenderID {
			continue
		}
		h.push(client, env)
	}
}

func (h *Hub) sendTo(client *Client, event string, payload interface{}) {
	env, err := wire.NewEnvelope(event, payload)
	if err != nil {
		return
	}
	h.push(client, env)
}

// push enqueues for one connection, evicting it if its buffer is full so a
// slow reader cannot stall the hub.
func (h *Hub) push(client *Client, payload []byte) {
	select {
	case client.Send <- payload:
	default:
		for convID := range client.rooms {
			h.dropFromRoom(convID, client)
		}
		close(client.Send)
		delete(h.clients, client)
		h.online[client.UserID]--
		if h.online[client.UserID] <= 0 {
			delete(h.online, client.UserID)
			h.Relay(wire.EventPresenceOffline, 0, client.UserID, false, client.Peers, wire.Presence{UserID: client.UserID})
		}
	}
}
