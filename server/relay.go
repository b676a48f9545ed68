package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"

	"collabtext/channel"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	sendBuffer = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func roomKey(room string) string     { return "collab:room:" + room }
func presenceKey(room string) string { return "collab:presence:" + room }
func heartbeatKey(room, client string) string {
	return "collab:hb:" + room + ":" + client
}

const presencePattern = "collab:presence:*"

// relay joins websocket clients to rooms. Frames go through Redis so
// every server instance sees every room's traffic; presence lives in a
// Redis hash and expires when its heartbeat key does.
type relay struct {
	rdb    *redis.Client
	ttl    time.Duration
	logger *slog.Logger

	mu    sync.Mutex
	rooms map[string]*room
}

// room is the set of sockets this instance holds for one room name.
type room struct {
	name    string
	clients map[*client]struct{}
	pubsub  *redis.PubSub
}

type client struct {
	id   string
	self bool
	room string
	conn *websocket.Conn
	send chan []byte
}

func newRelay(rdb *redis.Client, ttl time.Duration, logger *slog.Logger) *relay {
	return &relay{rdb: rdb, ttl: ttl, logger: logger, rooms: make(map[string]*room)}
}

// serveRoom handles /ws/rooms/{room}?client=<id>&self=<bool>.
func (r *relay) serveRoom(w http.ResponseWriter, req *http.Request) {
	name := mux.Vars(req)["room"]
	if name == "" {
		http.Error(w, "room required", http.StatusBadRequest)
		return
	}
	id := req.URL.Query().Get("client")
	if id == "" {
		id = uuid.NewString()
	}
	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	c := &client{
		id:   id,
		self: req.URL.Query().Get("self") == "true",
		room: name,
		conn: conn,
		send: make(chan []byte, sendBuffer),
	}

	ctx := context.Background()
	go c.writePump()
	if err := r.join(ctx, c); err != nil {
		r.logger.Warn("joining room failed", "room", name, "client", id, "error", err)
		if !r.leave(ctx, c) {
			close(c.send)
		}
		return
	}
	r.readPump(ctx, c)
}

// join registers c, subscribing this instance to the room on its first
// local socket, and queues the room's presence for c.
func (r *relay) join(ctx context.Context, c *client) error {
	r.mu.Lock()
	rm, ok := r.rooms[c.room]
	if ok {
		rm.clients[c] = struct{}{}
		r.mu.Unlock()
	} else {
		r.mu.Unlock()
		ps := r.rdb.Subscribe(ctx, roomKey(c.room))
		if _, err := ps.Receive(ctx); err != nil {
			ps.Close()
			return fmt.Errorf("subscribing %s: %w", c.room, err)
		}
		r.mu.Lock()
		rm, ok = r.rooms[c.room]
		if !ok {
			rm = &room{name: c.room, clients: make(map[*client]struct{}), pubsub: ps}
			r.rooms[c.room] = rm
			roomsActive.Inc()
			go r.forward(rm)
			r.logger.Debug("room opened", "room", c.room)
		}
		rm.clients[c] = struct{}{}
		r.mu.Unlock()
		if ok {
			// Another socket opened the room meanwhile.
			ps.Close()
		}
	}
	clientsConnected.Inc()

	snapshot, err := r.rdb.HGetAll(ctx, presenceKey(c.room)).Result()
	if err != nil {
		return fmt.Errorf("reading presence of %s: %w", c.room, err)
	}
	for peer, state := range snapshot {
		if peer == c.id && !c.self {
			continue
		}
		f := channel.Frame{Type: channel.FramePresence, Room: c.room, ClientID: peer, Payload: json.RawMessage(state)}
		if b, err := json.Marshal(f); err == nil {
			c.send <- b
		}
	}
	return nil
}

// leave unregisters c and reports whether it was registered. Its
// presence is withdrawn unless another local socket still carries the
// same client id.
func (r *relay) leave(ctx context.Context, c *client) bool {
	r.mu.Lock()
	rm, ok := r.rooms[c.room]
	if !ok {
		r.mu.Unlock()
		return false
	}
	if _, ok := rm.clients[c]; !ok {
		r.mu.Unlock()
		return false
	}
	delete(rm.clients, c)
	close(c.send)
	clientsConnected.Dec()
	twin := false
	for other := range rm.clients {
		if other.id == c.id {
			twin = true
		}
	}
	if len(rm.clients) == 0 {
		delete(r.rooms, c.room)
		rm.pubsub.Close()
		roomsActive.Dec()
		r.logger.Debug("room closed", "room", c.room)
	}
	r.mu.Unlock()

	if !twin {
		if err := r.untrack(ctx, c.room, c.id); err != nil {
			r.logger.Warn("withdrawing presence failed", "room", c.room, "client", c.id, "error", err)
		}
	}
	return true
}

// forward relays the room's Redis traffic to local sockets.
func (r *relay) forward(rm *room) {
	for msg := range rm.pubsub.Channel() {
		f, err := channel.DecodeFrame([]byte(msg.Payload))
		if err != nil {
			framesDropped.WithLabelValues("invalid").Inc()
			continue
		}
		r.mu.Lock()
		for c := range rm.clients {
			if !wants(c, f) {
				continue
			}
			select {
			case c.send <- []byte(msg.Payload):
			default:
				framesDropped.WithLabelValues("slow_client").Inc()
				r.logger.Warn("client too slow, closing", "room", rm.name, "client", c.id)
				c.conn.Close()
			}
		}
		r.mu.Unlock()
	}
}

// wants reports whether c should receive f.
func wants(c *client, f channel.Frame) bool {
	if f.ClientID != c.id {
		return true
	}
	return c.self && f.Type != channel.FrameLeave
}

func (r *relay) readPump(ctx context.Context, c *client) {
	defer func() {
		r.leave(ctx, c)
		c.conn.Close()
	}()
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				r.logger.Debug("client read failed", "room", c.room, "client", c.id, "error", err)
			}
			return
		}
		f, err := channel.DecodeFrame(msg)
		if err != nil {
			framesDropped.WithLabelValues("invalid").Inc()
			r.logger.Debug("dropping client frame", "room", c.room, "client", c.id, "error", err)
			continue
		}
		framesTotal.WithLabelValues(f.Type).Inc()
		f.Room = c.room
		f.ClientID = c.id

		switch f.Type {
		case channel.FrameTrack:
			err = r.track(ctx, c.room, c.id, f.Payload)
		case channel.FrameBroadcast:
			err = r.publish(ctx, f)
		default:
			framesDropped.WithLabelValues("direction").Inc()
			continue
		}
		if err != nil {
			r.logger.Warn("relaying frame failed", "room", c.room, "client", c.id, "type", f.Type, "error", err)
		}
	}
}

func (c *client) writePump() {
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

func (r *relay) publish(ctx context.Context, f channel.Frame) error {
	b, err := json.Marshal(f)
	if err != nil {
		return err
	}
	return r.rdb.Publish(ctx, roomKey(f.Room), b).Err()
}

// track stores a client's presence, refreshes its heartbeat and tells
// the room.
func (r *relay) track(ctx context.Context, room, id string, payload json.RawMessage) error {
	f := channel.Frame{Type: channel.FramePresence, Room: room, ClientID: id, Payload: payload}
	b, err := json.Marshal(f)
	if err != nil {
		return err
	}
	_, err = r.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, presenceKey(room), id, string(payload))
		p.Set(ctx, heartbeatKey(room, id), "1", r.ttl)
		p.Publish(ctx, roomKey(room), b)
		return nil
	})
	return err
}

// untrack removes a presence entry and announces the leave. Only the
// caller that actually deleted the entry announces it, so concurrent
// sweepers on several instances report each leave once.
func (r *relay) untrack(ctx context.Context, room, id string) error {
	n, err := r.rdb.HDel(ctx, presenceKey(room), id).Result()
	if err != nil {
		return err
	}
	r.rdb.Del(ctx, heartbeatKey(room, id))
	if n == 0 {
		return nil
	}
	return r.publish(ctx, channel.Frame{Type: channel.FrameLeave, Room: room, ClientID: id})
}

// sweep expires presence whose heartbeat lapsed, every interval until
// ctx ends.
func (r *relay) sweep(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n, err := r.sweepOnce(ctx); err != nil {
				r.logger.Warn("presence sweep failed", "error", err)
			} else if n > 0 {
				r.logger.Info("expired stale presence", "count", n)
			}
		}
	}
}

func (r *relay) sweepOnce(ctx context.Context) (int, error) {
	expired := 0
	iter := r.rdb.Scan(ctx, 0, presencePattern, 100).Iterator()
	for iter.Next(ctx) {
		room := strings.TrimPrefix(iter.Val(), "collab:presence:")
		ids, err := r.rdb.HKeys(ctx, iter.Val()).Result()
		if err != nil {
			return expired, err
		}
		for _, id := range ids {
			alive, err := r.rdb.Exists(ctx, heartbeatKey(room, id)).Result()
			if err != nil {
				return expired, err
			}
			if alive > 0 {
				continue
			}
			n, err := r.rdb.HDel(ctx, presenceKey(room), id).Result()
			if err != nil {
				return expired, err
			}
			if n == 0 {
				continue
			}
			expired++
			presenceExpired.Inc()
			if err := r.publish(ctx, channel.Frame{Type: channel.FrameLeave, Room: room, ClientID: id}); err != nil {
				return expired, err
			}
		}
	}
	return expired, iter.Err()
}

// roomCount reports the rooms open on this instance.
func (r *relay) roomCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms)
}
