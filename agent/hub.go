package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// uiClient is one editor tab connected to the agent.
type uiClient struct {
	conn *websocket.Conn
	send chan []byte
}

// uiHub maintains the connected editor tabs and broadcasts view updates
// to them. Messages from tabs go to handle, one at a time, outside the
// hub loop so handlers may publish.
type uiHub struct {
	clients    map[*uiClient]bool
	broadcast  chan []byte
	register   chan *uiClient
	unregister chan *uiClient
	inbound    chan []byte
	handle     func(msg []byte) error
	logger     *slog.Logger
	done       chan struct{}
}

func newUIHub(handle func(msg []byte) error, logger *slog.Logger) *uiHub {
	return &uiHub{
		clients:    make(map[*uiClient]bool),
		broadcast:  make(chan []byte, 64),
		register:   make(chan *uiClient),
		unregister: make(chan *uiClient),
		inbound:    make(chan []byte, 64),
		handle:     handle,
		logger:     logger,
		done:       make(chan struct{}),
	}
}

func (h *uiHub) run(ctx context.Context) error {
	defer close(h.done)
	go h.dispatch(ctx)
	for {
		select {
		case <-ctx.Done():
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			return nil
		case client := <-h.register:
			h.clients[client] = true
			h.logger.Info("editor connected", "clients", len(h.clients))
		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
				h.logger.Info("editor disconnected", "clients", len(h.clients))
			}
		case message := <-h.broadcast:
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					close(client.send)
					delete(h.clients, client)
				}
			}
		}
	}
}

func (h *uiHub) dispatch(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-h.inbound:
			if err := h.handle(msg); err != nil {
				h.logger.Warn("editor message failed", "error", err)
				h.publish(uiEvent{Type: eventError, Message: err.Error()})
			}
		}
	}
}

// publish queues v for every client. It never blocks once the hub has
// stopped.
func (h *uiHub) publish(v any) {
	b, err := json.Marshal(v)
	if err != nil {
		h.logger.Error("encoding editor event", "error", err)
		return
	}
	select {
	case h.broadcast <- b:
	case <-h.done:
	}
}

func serveWs(hub *uiHub, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		hub.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	client := &uiClient{conn: conn, send: make(chan []byte, 256)}
	select {
	case hub.register <- client:
	case <-hub.done:
		conn.Close()
		return
	}
	go client.writePump()
	go client.readPump(hub)
}

func (c *uiClient) readPump(hub *uiHub) {
	defer func() {
		select {
		case hub.unregister <- c:
		case <-hub.done:
		}
		c.conn.Close()
	}()
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			break
		}
		select {
		case hub.inbound <- message:
		case <-hub.done:
			return
		}
	}
}

func (c *uiClient) writePump() {
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
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
