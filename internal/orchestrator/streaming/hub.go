// Package streaming pushes sandbox events to WebSocket dashboard
// clients, grouped by conversation group.
package streaming

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/burrowhq/burrow/internal/common/logger"
	"github.com/burrowhq/burrow/internal/events"
	"github.com/burrowhq/burrow/internal/events/bus"
)

// Hub fans sandbox events out to connected clients. It feeds off the
// event bus, so it works identically with the in-memory and NATS buses.
type Hub struct {
	clients      map[*Client]bool
	groupClients map[string]map[*Client]bool

	register   chan *Client
	unregister chan *Client
	broadcast  chan *groupMessage

	mu     sync.RWMutex
	logger *logger.Logger
}

type groupMessage struct {
	group string
	data  []byte
}

// NewHub creates a hub; call Run and Attach afterwards.
func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		clients:      make(map[*Client]bool),
		groupClients: make(map[string]map[*Client]bool),
		register:     make(chan *Client),
		unregister:   make(chan *Client),
		broadcast:    make(chan *groupMessage, 256),
		logger:       log.WithFields(zap.String("component", "websocket_hub")),
	}
}

// Attach subscribes the hub to every sandbox subject on the bus.
func (h *Hub) Attach(b bus.EventBus) error {
	_, err := b.Subscribe("sandbox.>", func(ctx context.Context, e *bus.Event) error {
		group, _ := e.Data["group"].(string)
		if group == "" {
			return nil
		}
		h.Broadcast(group, e)
		return nil
	})
	if err != nil {
		return err
	}

	_, err = b.Subscribe(events.IPCRequestHandled+".>", func(ctx context.Context, e *bus.Event) error {
		group, _ := e.Data["group"].(string)
		if group == "" {
			return nil
		}
		h.Broadcast(group, e)
		return nil
	})
	return err
}

// Run processes registration and broadcast until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("WebSocket hub started")
	defer h.logger.Info("WebSocket hub stopped")

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			h.groupClients = make(map[string]map[*Client]bool)
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Debug("Client registered", zap.String("client_id", client.ID))

		case client := <-h.unregister:
			h.mu.Lock()
			h.dropClientLocked(client)
			h.mu.Unlock()
			h.logger.Debug("Client unregistered", zap.String("client_id", client.ID))

		case msg := <-h.broadcast:
			h.mu.RLock()
			targets := make([]*Client, 0, len(h.groupClients[msg.group]))
			for client := range h.groupClients[msg.group] {
				targets = append(targets, client)
			}
			h.mu.RUnlock()

			for _, client := range targets {
				select {
				case client.send <- msg.data:
				default:
					// Slow consumer: drop the connection, not the hub.
					h.mu.Lock()
					h.dropClientLocked(client)
					h.mu.Unlock()
				}
			}
		}
	}
}

// dropClientLocked removes a client and all its subscriptions. Caller
// holds h.mu.
func (h *Hub) dropClientLocked(client *Client) {
	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	close(client.send)
	for group := range client.groups {
		if clients, ok := h.groupClients[group]; ok {
			delete(clients, client)
			if len(clients) == 0 {
				delete(h.groupClients, group)
			}
		}
	}
}

// Register adds a client to the hub.
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Unregister removes a client from the hub.
func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

// Broadcast sends an event to every client subscribed to the group.
func (h *Hub) Broadcast(group string, event *bus.Event) {
	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Error("Failed to marshal event", zap.Error(err))
		return
	}
	h.broadcast <- &groupMessage{group: group, data: data}
}

// Subscribe adds a client to a group's audience.
func (h *Hub) Subscribe(client *Client, group string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.groupClients[group]; !ok {
		h.groupClients[group] = make(map[*Client]bool)
	}
	h.groupClients[group][client] = true
	client.groups[group] = true
}

// Unsubscribe removes a client from a group's audience.
func (h *Hub) Unsubscribe(client *Client, group string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if clients, ok := h.groupClients[group]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(h.groupClients, group)
		}
	}
	delete(client.groups, group)
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// SubscriberCount returns the audience size of one group.
func (h *Hub) SubscriberCount(group string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.groupClients[group])
}
