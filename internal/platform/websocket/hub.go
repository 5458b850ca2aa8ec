// Package websocket streams session events to browser clients. Clients
// subscribe to topics (one per chat session, plus the shared inventory
// topic) and receive every event published to them.
package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/chromylcl/pharmacy-agentic-ai/internal/domain/session"
)

// InventoryTopic carries stock refresh notifications for admin dashboards.
const InventoryTopic = "inventory"

// SessionTopic returns the topic a chat session's events are published on.
func SessionTopic(sessionID string) string {
	return "session:" + sessionID
}

// Event is the wire form of a session event.
type Event struct {
	Type      string          `json:"type"`
	Topic     string          `json:"topic"`
	SessionID string          `json:"session_id,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// ClientMessage is an inbound subscribe/unsubscribe request.
type ClientMessage struct {
	Action string   `json:"action"`
	Topics []string `json:"topics"`
}

// Client is one connected socket.
type Client struct {
	ID     string
	Topics []string
	Send   chan []byte
}

// Hub tracks clients and their topic subscriptions.
type Hub struct {
	logger zerolog.Logger

	mu      sync.RWMutex
	clients map[string]map[*Client]struct{} // topic -> subscribers
	all     map[*Client]struct{}
}

func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		logger:  logger.With().Str("component", "ws-hub").Logger(),
		clients: make(map[string]map[*Client]struct{}),
		all:     make(map[*Client]struct{}),
	}
}

// Register adds a client and subscribes it to its initial topics.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.all[client] = struct{}{}
	for _, topic := range client.Topics {
		h.add(topic, client)
	}
}

func (h *Hub) add(topic string, client *Client) {
	if h.clients[topic] == nil {
		h.clients[topic] = make(map[*Client]struct{})
	}
	h.clients[topic][client] = struct{}{}
}

func (h *Hub) remove(topic string, client *Client) {
	if subscribers, ok := h.clients[topic]; ok {
		delete(subscribers, client)
		if len(subscribers) == 0 {
			delete(h.clients, topic)
		}
	}
}

// Unregister drops a client from every topic and closes its Send channel.
// Unregistering twice is a no-op.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.all[client]; !ok {
		return
	}
	for _, topic := range client.Topics {
		h.remove(topic, client)
	}
	delete(h.all, client)
	close(client.Send)
}

func (h *Hub) Subscribe(client *Client, topics []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, topic := range topics {
		if _, dup := h.clients[topic][client]; dup {
			continue
		}
		h.add(topic, client)
		client.Topics = append(client.Topics, topic)
	}
}

func (h *Hub) Unsubscribe(client *Client, topics []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	drop := make(map[string]struct{}, len(topics))
	for _, t := range topics {
		drop[t] = struct{}{}
		h.remove(t, client)
	}

	remaining := client.Topics[:0]
	for _, t := range client.Topics {
		if _, ok := drop[t]; !ok {
			remaining = append(remaining, t)
		}
	}
	client.Topics = remaining
}

// ProcessMessage dispatches an inbound client message.
func (h *Hub) ProcessMessage(client *Client, msg ClientMessage) {
	switch msg.Action {
	case "subscribe":
		h.Subscribe(client, msg.Topics)
	case "unsubscribe":
		h.Unsubscribe(client, msg.Topics)
	default:
		h.logger.Debug().Str("client", client.ID).Str("action", msg.Action).Msg("ignoring unknown action")
	}
}

// Broadcast sends event to every subscriber of topic. Slow clients whose
// buffer is full miss the event rather than stall the publisher.
func (h *Hub) Broadcast(topic string, event Event) {
	event.Topic = topic
	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Error().Err(err).Str("type", event.Type).Msg("failed to marshal event")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.clients[topic] {
		select {
		case client.Send <- data:
		default:
			h.logger.Warn().Str("client", client.ID).Str("topic", topic).Msg("client buffer full; event dropped")
		}
	}
}

// Notify publishes a session event on the session's topic. Inventory refresh
// events are also published on InventoryTopic.
func (h *Hub) Notify(_ context.Context, e session.Event) {
	ts := e.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	ev := Event{Type: e.Type, SessionID: e.SessionID, Timestamp: ts}
	if e.Data != nil {
		raw, err := json.Marshal(e.Data)
		if err != nil {
			h.logger.Error().Err(err).Str("type", e.Type).Msg("failed to marshal event data")
			return
		}
		ev.Data = raw
	}

	if e.SessionID != "" {
		h.Broadcast(SessionTopic(e.SessionID), ev)
	}
	if e.Type == session.EventInventoryRefresh {
		h.Broadcast(InventoryTopic, ev)
	}
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.all)
}

func (h *Hub) TopicCount(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[topic])
}
