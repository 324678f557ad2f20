package progress

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/apex/log"
	gorilla "github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
	sendBuffer     = 16
)

// Message is one progress update pushed to a user's listeners.
type Message struct {
	Type         string    `json:"type"`
	Stage        int       `json:"stage"`
	StageName    string    `json:"stage_name"`
	Note         string    `json:"note,omitempty"`
	GenerationID int64     `json:"generation_id,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

type envelope struct {
	userID int64
	data   []byte
}

// Hub fans progress messages out to the websocket clients of each user.
type Hub struct {
	clients map[int64]map[*Client]bool

	broadcast  chan envelope
	Register   chan *Client
	Unregister chan *Client

	mutex            sync.RWMutex
	connectedClients int
	done             chan struct{}
}

func NewHub() *Hub {
	return &Hub{
		clients:    make(map[int64]map[*Client]bool),
		broadcast:  make(chan envelope, 256),
		Register:   make(chan *Client),
		Unregister: make(chan *Client),
		done:       make(chan struct{}),
	}
}

// Run is the hub's main loop; it returns after Stop.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.Register:
			h.mutex.Lock()
			if h.clients[client.userID] == nil {
				h.clients[client.userID] = make(map[*Client]bool)
			}
			h.clients[client.userID][client] = true
			h.connectedClients++
			h.mutex.Unlock()
			log.WithField("user_id", client.userID).Debug("progress.client_connected")

		case client := <-h.Unregister:
			h.mutex.Lock()
			h.remove(client)
			h.mutex.Unlock()

		case env := <-h.broadcast:
			h.mutex.Lock()
			for client := range h.clients[env.userID] {
				select {
				case client.send <- env.data:
				default:
					h.remove(client)
				}
			}
			h.mutex.Unlock()

		case <-h.done:
			h.mutex.Lock()
			for _, set := range h.clients {
				for client := range set {
					h.remove(client)
				}
			}
			h.mutex.Unlock()
			return
		}
	}
}

// remove must be called with the mutex held.
func (h *Hub) remove(client *Client) {
	set, ok := h.clients[client.userID]
	if !ok || !set[client] {
		return
	}
	delete(set, client)
	if len(set) == 0 {
		delete(h.clients, client.userID)
	}
	close(client.send)
	h.connectedClients--
}

// Attach registers client and starts its pumps. It returns false when the
// hub has stopped.
func (h *Hub) Attach(client *Client) bool {
	select {
	case h.Register <- client:
	case <-h.done:
		return false
	}
	go client.WritePump()
	go client.ReadPump()
	return true
}

// Stop ends Run and disconnects every client.
func (h *Hub) Stop() {
	close(h.done)
}

// Publish queues msg for userID's listeners. It never blocks; when the
// queue is full the message is dropped.
func (h *Hub) Publish(userID int64, msg Message) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(msg)
	if err != nil {
		log.WithError(err).Error("Failed to marshal progress message")
		return
	}
	select {
	case h.broadcast <- envelope{userID: userID, data: data}:
	default:
		log.WithField("user_id", userID).Warn("progress queue full, dropping update")
	}
}

// Listeners returns how many clients are connected for userID.
func (h *Hub) Listeners(userID int64) int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients[userID])
}

// GetStats returns the number of connected clients.
func (h *Hub) GetStats() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return h.connectedClients
}

// Client is one websocket listener.
type Client struct {
	hub    *Hub
	conn   *gorilla.Conn
	userID int64
	send   chan []byte
}

func NewClient(hub *Hub, conn *gorilla.Conn, userID int64) *Client {
	return &Client{hub: hub, conn: conn, userID: userID, send: make(chan []byte, sendBuffer)}
}

// ReadPump drains control frames until the peer goes away.
func (c *Client) ReadPump() {
	defer func() {
		select {
		case c.hub.Unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// WritePump forwards queued messages and keeps the connection alive.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(gorilla.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(gorilla.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(gorilla.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
