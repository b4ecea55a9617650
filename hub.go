package websocket

import (
	"encoding/json/v2"
	"sync"

	"github.com/rs/zerolog"
)

// Hub fans a stream of outgoing messages out to a set of registered
// connections and tears down clients whose writes start failing.
//
// Thread-safe: Register, Unregister, and Broadcast can all be called
// concurrently from multiple goroutines.
type Hub struct {
	clients map[*Conn]bool

	register   chan *Conn
	unregister chan *Conn
	broadcast  chan Message

	done   chan struct{}
	closed bool
	wg     sync.WaitGroup

	mu     sync.RWMutex
	logger zerolog.Logger
}

// NewHub creates a Hub. Call Run in a goroutine before registering
// clients, and Close when done:
//
//	hub := websocket.NewHub(logger)
//	go hub.Run()
//	defer hub.Close()
func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Conn]bool),
		register:   make(chan *Conn),
		unregister: make(chan *Conn),
		broadcast:  make(chan Message, 256),
		done:       make(chan struct{}),
		logger:     logger.With().Str("component", "hub").Logger(),
	}
}

// Run executes the Hub's event loop until Close is called. It blocks and
// must be run in its own goroutine.
func (h *Hub) Run() {
	h.wg.Add(1)
	defer h.wg.Done()

	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			id, _ := client.Property("id")
			h.logger.Debug().Any("conn_id", id).Int("clients", len(h.clients)).Msg("client registered")

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				_ = client.Close(CloseNormalClosure, "")
			}
			h.mu.Unlock()

		case msg := <-h.broadcast:
			h.mu.RLock()
			for client := range h.clients {
				go func(c *Conn, m Message) {
					if err := c.Send(m); err != nil {
						h.logger.Debug().Err(err).Msg("broadcast write failed, dropping client")
						h.Unregister(c)
					}
				}(client, msg)
			}
			h.mu.RUnlock()

		case <-h.done:
			return
		}
	}
}

// Register adds a client to the Hub so it receives future broadcasts.
// Typically called right after a successful upgrade.
func (h *Hub) Register(client *Conn) {
	h.mu.RLock()
	if h.closed {
		h.mu.RUnlock()
		return
	}
	h.mu.RUnlock()

	h.register <- client
}

// Unregister removes a client and closes its connection.
// Safe to call more than once for the same client.
func (h *Hub) Unregister(client *Conn) {
	h.mu.RLock()
	if h.closed {
		h.mu.RUnlock()
		return
	}
	h.mu.RUnlock()

	h.unregister <- client
}

// Broadcast queues msg for delivery to every registered client.
// Non-blocking: delivery happens asynchronously in the event loop.
func (h *Hub) Broadcast(msg Message) {
	h.mu.RLock()
	if h.closed {
		h.mu.RUnlock()
		return
	}
	h.mu.RUnlock()

	h.broadcast <- msg
}

// BroadcastText queues a text message for delivery to every client.
func (h *Hub) BroadcastText(text string) {
	h.Broadcast(Message{Type: TextMessage, Data: []byte(text)})
}

// BroadcastJSON marshals v and queues it as a text message for delivery
// to every client.
func (h *Hub) BroadcastJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	h.Broadcast(Message{Type: TextMessage, Data: data})
	return nil
}

// ClientCount returns the number of currently registered clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close stops the event loop, closes every registered client connection,
// and releases the Hub's channels. Safe to call more than once.
func (h *Hub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	h.mu.Unlock()

	close(h.done)
	h.wg.Wait()

	h.mu.Lock()
	for client := range h.clients {
		_ = client.Close(CloseGoingAway, "hub closing")
	}
	h.clients = make(map[*Conn]bool)
	h.mu.Unlock()

	close(h.register)
	close(h.unregister)
	close(h.broadcast)

	h.logger.Info().Msg("hub closed")
	return nil
}
