package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"cadence/internal/coordinator"
	"cadence/pkg/logger"
)

// ErrHubStopped is returned when a turn is started on a hub that is not
// running.
var ErrHubStopped = errors.New("websocket hub is not running")

// TurnStarter starts and cancels turns for the hub.
type TurnStarter interface {
	SendTurn(ctx context.Context, conversationID, prompt string, opts coordinator.TurnOptions) (<-chan coordinator.Update, error)
	CancelActiveTurn(conversationID string) error
}

// Hub maintains the connected clients and their conversation
// subscriptions.
type Hub struct {
	clients map[*Client]bool

	// conversation -> subscribed clients
	subscriptions map[string]map[*Client]bool

	register   chan *Client
	unregister chan *Client
	broadcast  chan *BroadcastMessage

	mu sync.RWMutex

	turns TurnStarter

	// ctx is the context turns started over the hub run under. It is set
	// by Run and cancelled when Run returns.
	ctx     context.Context
	stopped bool
	done    chan struct{}
	relays  sync.WaitGroup
}

// NewHub creates a hub. turns may be nil, in which case send and cancel
// frames are answered with an error.
func NewHub(turns TurnStarter) *Hub {
	return &Hub{
		clients:       make(map[*Client]bool),
		subscriptions: make(map[string]map[*Client]bool),
		register:      make(chan *Client),
		unregister:    make(chan *Client),
		broadcast:     make(chan *BroadcastMessage, 256),
		turns:         turns,
		done:          make(chan struct{}),
	}
}

// Run serves registrations and broadcasts until ctx is done. Turns started
// through the hub are cancelled with ctx and Run waits for their relays
// before returning.
func (h *Hub) Run(ctx context.Context) {
	h.mu.Lock()
	h.ctx = ctx
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		h.stopped = true
		h.mu.Unlock()
		close(h.done)
		h.relays.Wait()

		h.mu.Lock()
		for client := range h.clients {
			delete(h.clients, client)
			close(client.quit)
		}
		h.subscriptions = make(map[string]map[*Client]bool)
		h.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			logger.Info().Str("client_id", client.id).Msg("WebSocket client connected")

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.quit)
				for conv := range client.conversations {
					h.removeSubscriptionLocked(client, conv)
				}
			}
			h.mu.Unlock()
			logger.Info().Str("client_id", client.id).Msg("WebSocket client disconnected")

		case msg := <-h.broadcast:
			h.deliver(msg)
		}
	}
}

func (h *Hub) deliver(msg *BroadcastMessage) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	targets := h.clients
	if msg.Conversation != "" {
		targets = h.subscriptions[msg.Conversation]
	}
	for client := range targets {
		select {
		case client.send <- msg.Data:
		default:
			logger.Debug().Str("client_id", client.id).Msg("client buffer full, frame dropped")
		}
	}
}

// Register adds a client to the hub.
func (h *Hub) Register(client *Client) {
	select {
	case h.register <- client:
	case <-h.done:
	}
}

// Unregister removes a client from the hub.
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// Subscribe adds a client to a conversation's subscribers.
func (h *Hub) Subscribe(client *Client, conversationID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	client.conversations[conversationID] = true
	if h.subscriptions[conversationID] == nil {
		h.subscriptions[conversationID] = make(map[*Client]bool)
	}
	h.subscriptions[conversationID][client] = true

	logger.Debug().
		Str("client_id", client.id).
		Str("conversation", conversationID).
		Msg("Client subscribed")
}

// Unsubscribe removes a client from a conversation's subscribers.
func (h *Hub) Unsubscribe(client *Client, conversationID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeSubscriptionLocked(client, conversationID)
}

func (h *Hub) removeSubscriptionLocked(client *Client, conversationID string) {
	delete(client.conversations, conversationID)
	if clients, ok := h.subscriptions[conversationID]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(h.subscriptions, conversationID)
		}
	}
}

// Broadcast sends data to the subscribers of a conversation. It drops the
// frame once the hub has stopped.
func (h *Hub) Broadcast(conversationID string, data []byte) {
	select {
	case h.broadcast <- &BroadcastMessage{Conversation: conversationID, Data: data}:
	case <-h.done:
	}
}

// BroadcastAll sends data to every connected client.
func (h *Hub) BroadcastAll(data []byte) {
	h.Broadcast("", data)
}

// Publish sends a turn update to the conversation's subscribers.
func (h *Hub) Publish(u coordinator.Update) error {
	data, err := json.Marshal(WSMessage{Type: TypeUpdate, Conversation: u.ConversationID, Update: &u})
	if err != nil {
		return err
	}
	h.Broadcast(u.ConversationID, data)
	return nil
}

// StartTurn starts a turn and relays its updates to the conversation's
// subscribers. The turn outlives the client that started it.
func (h *Hub) StartTurn(conversationID, prompt string) error {
	if h.turns == nil {
		return errors.New("turns are not available")
	}

	h.mu.Lock()
	if h.ctx == nil || h.stopped {
		h.mu.Unlock()
		return ErrHubStopped
	}
	ctx := h.ctx
	h.relays.Add(1)
	h.mu.Unlock()

	updates, err := h.turns.SendTurn(ctx, conversationID, prompt, coordinator.TurnOptions{})
	if err != nil {
		h.relays.Done()
		return err
	}

	go func() {
		defer h.relays.Done()
		for u := range updates {
			if err := h.Publish(u); err != nil {
				logger.Error().Err(err).Str("conversation", conversationID).Msg("Failed to encode update")
			}
		}
	}()
	return nil
}

// CancelTurn cancels the conversation's active turn.
func (h *Hub) CancelTurn(conversationID string) error {
	if h.turns == nil {
		return errors.New("turns are not available")
	}
	return h.turns.CancelActiveTurn(conversationID)
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
