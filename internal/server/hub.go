// Package server coordinates client registration, history catch-up, message
// broadcast, and connection cleanup for the chat room via the Hub type.
package server

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Tyrowin/ezchat/internal/store"
)

// HistorySource supplies the chat history pushed to newly admitted clients.
type HistorySource interface {
	History(ctx context.Context, limit int) ([]store.Message, error)
}

// HubOptions tunes the history catch-up.
type HubOptions struct {
	// HistoryLimit caps the catch-up to the most recent messages; 0 sends all.
	HistoryLimit int
	StoreTimeout time.Duration
}

// Hub manages all admitted WebSocket clients of the room. Registration,
// unregistration and broadcasts are serialized through Run, so every client
// observes broadcasts in the order the hub received them.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan store.Message
	register   chan *Client
	unregister chan *Client
	history    HistorySource
	opts       HubOptions
	log        logrus.FieldLogger
	mutex      sync.RWMutex
	wg         sync.WaitGroup
	ctx        context.Context
	cancel     context.CancelFunc
	done       chan struct{}
}

// NewHub creates and initializes a new Hub instance with all necessary channels
// and client map. The returned Hub is ready to manage WebSocket connections.
func NewHub(history HistorySource, opts HubOptions, log logrus.FieldLogger) *Hub {
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = 5 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan store.Message),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		history:    history,
		opts:       opts,
		log:        log,
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
}

// Register hands client to the hub. It returns false once the hub is shutting down.
func (h *Hub) Register(client *Client) bool {
	select {
	case h.register <- client:
		return true
	case <-h.ctx.Done():
		return false
	}
}

// Unregister removes client from the room.
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.ctx.Done():
	}
}

// Broadcast queues a persisted message for delivery to every client. It
// blocks until the hub accepts it and returns false if the hub stopped.
func (h *Hub) Broadcast(msg store.Message) bool {
	select {
	case h.broadcast <- msg:
		return true
	case <-h.ctx.Done():
		return false
	}
}

// ClientCount returns the number of admitted clients.
func (h *Hub) ClientCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}

func (h *Hub) safeSend(client *Client, message []byte) bool {
	defer func() {
		if r := recover(); r != nil {
			h.log.Errorf("Recovered from panic in safeSend: %v", r)
		}
	}()

	// Hold the lock during the entire send so the channel cannot be closed underneath us
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	_, exists := h.clients[client]
	if !exists || client.closed {
		return false
	}

	select {
	case client.send <- message:
		return true
	default:
		return false
	}
}

// Run starts the hub's main event loop, handling client registration, unregistration,
// and message broadcasting. This method should be called in a separate goroutine
// as it runs until Shutdown.
func (h *Hub) Run() {
	defer close(h.done)

	for {
		select {
		case <-h.ctx.Done():
			h.shutdownClients()
			return

		case client := <-h.register:
			if client == nil {
				h.log.Warn("Received nil client registration; skipping")
				continue
			}
			h.admit(client)

		case client := <-h.unregister:
			h.remove(client, "disconnected")

		case msg := <-h.broadcast:
			h.handleBroadcast(msg)
		}
	}
}

// admit adds client to the room, queues its private history catch-up as the
// first outbound event, then starts its pumps.
func (h *Hub) admit(client *Client) {
	h.mutex.Lock()
	client.closed = false
	h.clients[client] = true
	clientCount := len(h.clients)
	h.mutex.Unlock()

	h.log.WithFields(logrus.Fields{
		"remote_addr": client.addr,
		"user":        client.User(),
		"clients":     clientCount,
	}).Info("Client registered")

	h.sendHistory(client)

	h.wg.Add(2)
	go func() {
		defer h.wg.Done()
		client.writePump()
	}()
	go func() {
		defer h.wg.Done()
		client.readPump()
	}()
}

// sendHistory loads history inside the hub loop, so no broadcast can be
// delivered to client before it. Broadcasts already covered by the history
// are skipped later through client.historyMark.
func (h *Hub) sendHistory(client *Client) {
	ctx, cancel := context.WithTimeout(h.ctx, h.opts.StoreTimeout)
	messages, err := h.history.History(ctx, h.opts.HistoryLimit)
	cancel()
	if err != nil {
		h.log.WithError(err).WithField("user", client.User()).Error("Failed to load chat history")
		messages = []store.Message{}
	}

	for _, m := range messages {
		if m.ID > client.historyMark {
			client.historyMark = m.ID
		}
	}

	payload, err := encodeEvent(EventChatHistory, messages)
	if err != nil {
		h.log.WithError(err).Error("Failed to encode chat history")
		return
	}
	if !h.safeSend(client, payload) {
		h.log.WithField("remote_addr", client.addr).Warn("Could not queue chat history")
	}
}

// remove unregisters client and closes its send channel.
func (h *Hub) remove(client *Client, reason string) {
	h.mutex.Lock()
	if _, ok := h.clients[client]; !ok {
		h.mutex.Unlock()
		return
	}
	delete(h.clients, client)
	client.closed = true
	clientCount := len(h.clients)
	h.mutex.Unlock()

	// Close the channel after releasing the lock
	close(client.send)
	h.log.WithFields(logrus.Fields{
		"remote_addr": client.addr,
		"user":        client.User(),
		"clients":     clientCount,
	}).Infof("Client unregistered (%s)", reason)
}

// handleBroadcast sends a persisted message to every client, sender included.
func (h *Hub) handleBroadcast(msg store.Message) {
	payload, err := encodeEvent(EventChatMessage, msg)
	if err != nil {
		h.log.WithError(err).Error("Failed to encode chat message")
		return
	}

	clients := h.getClientSnapshot()
	h.log.WithFields(logrus.Fields{
		"user":    msg.User,
		"clients": len(clients),
	}).Debug("Broadcasting message")

	var clientsToRemove []*Client
	for _, client := range clients {
		if msg.ID <= client.historyMark {
			continue
		}
		if !h.safeSend(client, payload) {
			clientsToRemove = append(clientsToRemove, client)
		}
	}

	for _, client := range clientsToRemove {
		h.remove(client, "send buffer full")
	}
}

// getClientSnapshot returns a thread-safe snapshot of all current clients
func (h *Hub) getClientSnapshot() []*Client {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	return clients
}

// shutdownClients closes every client connection and send channel so both
// pumps of each client return.
func (h *Hub) shutdownClients() {
	h.log.Info("Shutting down all client connections...")

	h.mutex.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
		delete(h.clients, client)
		client.closed = true
	}
	h.mutex.Unlock()

	for _, client := range clients {
		close(client.send)
		if client.conn != nil {
			if err := client.conn.Close(); err != nil && !isExpectedCloseError(err) {
				h.log.WithError(err).WithField("remote_addr", client.addr).Warn("Error closing client connection")
			}
		}
	}

	h.log.Infof("Closed %d client connections", len(clients))
}

// Shutdown initiates graceful shutdown of the hub and waits for all goroutines to complete.
// It returns after all client connections are closed and goroutines have finished,
// or when the timeout is reached.
func (h *Hub) Shutdown(timeout time.Duration) error {
	h.log.Info("Initiating hub shutdown...")

	h.cancel()
	<-h.done

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.log.Info("Hub shutdown completed successfully")
		return nil
	case <-time.After(timeout):
		h.log.Warn("Hub shutdown timeout reached, some goroutines may still be running")
		return context.DeadlineExceeded
	}
}
