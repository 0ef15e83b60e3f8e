package devserver

import (
	"assetplan/internal/core/app"
	"assetplan/internal/shared/observability"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait    = 10 * time.Second
	clientBuffer = 8
)

// Message is pushed to hot reload clients after every build.
type Message struct {
	Type    string   `json:"type"`
	Build   string   `json:"build,omitempty"`
	Changed []string `json:"changed,omitempty"`
	Removed []string `json:"removed,omitempty"`
	// Entries maps entry name to the public URLs it loads, in order.
	Entries map[string][]string `json:"entries,omitempty"`
	Error   string              `json:"error,omitempty"`
}

const (
	MessageOK    = "ok"
	MessageError = "error"
)

// NewMessage converts a build event into the hot reload payload.
func NewMessage(ev app.BuildEvent, publicPath string) Message {
	if ev.Err != nil {
		return Message{Type: MessageError, Error: ev.Err.Error()}
	}
	res := ev.Result
	msg := Message{
		Type:    MessageOK,
		Build:   res.ID,
		Changed: append(append([]string(nil), res.Changes.Added...), res.Changes.Changed...),
		Removed: res.Changes.Removed,
		Entries: make(map[string][]string, len(res.Manifest.Entries)),
	}
	for entry, files := range res.Manifest.Entries {
		urls := make([]string, 0, len(files))
		for _, f := range files {
			urls = append(urls, publicPath+f)
		}
		msg.Entries[entry] = urls
	}
	return msg
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub fans build messages out to websocket clients. Clients that fall
// behind by more than clientBuffer messages are disconnected.
type Hub struct {
	mu      sync.Mutex
	clients map[*client]struct{}
	last    []byte
}

func NewHub() *Hub {
	return &Hub{clients: make(map[*client]struct{})}
}

// Broadcast sends msg to every client and keeps it for clients that
// connect later.
func (h *Hub) Broadcast(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		slog.Error("encode hot reload message", "error", err)
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.last = data
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			slog.Warn("hot reload client too slow, disconnecting", "remote", c.conn.RemoteAddr().String())
			h.removeLocked(c)
		}
	}
}

// Len returns the number of connected clients.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) add(conn *websocket.Conn) *client {
	c := &client{conn: conn, send: make(chan []byte, clientBuffer)}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = struct{}{}
	if h.last != nil {
		c.send <- h.last
	}
	observability.HotReloadClients.Set(float64(len(h.clients)))
	return c
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(c)
}

func (h *Hub) removeLocked(c *client) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
	observability.HotReloadClients.Set(float64(len(h.clients)))
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		h.removeLocked(c)
	}
}

// serve pumps messages to c until its send channel closes, then closes the
// connection. The read side only watches for the client going away.
func (h *Hub) serve(c *client) {
	go func() {
		defer h.remove(c)
		for {
			if _, _, err := c.conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	defer c.conn.Close()
	for data := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			h.remove(c)
			break
		}
	}
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(writeWait))
}
