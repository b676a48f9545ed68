package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// Hub is an in-process Transport. It maintains the set of rooms and
// their clients and delivers every message synchronously, in the
// sender's goroutine, after its own lock is released.
//
// A room is created by its first subscriber and destroyed when the
// last one leaves.
type Hub struct {
	mu     sync.Mutex
	rooms  map[string]*hubRoom
	logger *slog.Logger
}

type hubRoom struct {
	name     string
	clients  map[string]*hubChannel
	presence map[string]json.RawMessage
}

type delivery struct {
	to  *hubChannel
	msg Message
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{rooms: make(map[string]*hubRoom), logger: slog.Default()}
}

// Rooms lists the rooms that currently have subscribers.
func (h *Hub) Rooms() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	names := make([]string, 0, len(h.rooms))
	for name := range h.rooms {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (h *Hub) Subscribe(ctx context.Context, name string, cfg Config) (Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if cfg.ClientID == "" {
		cfg.ClientID = uuid.NewString()
	}
	c := &hubChannel{hub: h, room: name, cfg: cfg, status: StatusConnected}

	h.mu.Lock()
	r, ok := h.rooms[name]
	if !ok {
		r = &hubRoom{name: name, clients: make(map[string]*hubChannel), presence: make(map[string]json.RawMessage)}
		h.rooms[name] = r
		h.logger.Debug("room created", "room", name)
	}
	if _, dup := r.clients[cfg.ClientID]; dup {
		h.mu.Unlock()
		return nil, fmt.Errorf("channel: client %s already in room %s", cfg.ClientID, name)
	}
	r.clients[cfg.ClientID] = c
	h.mu.Unlock()

	return c, nil
}

// sync delivers the room's current presence to c. Subscribers call it
// once their handlers are registered.
func (h *Hub) sync(c *hubChannel) {
	h.mu.Lock()
	r, ok := h.rooms[c.room]
	var out []delivery
	if ok {
		ids := make([]string, 0, len(r.presence))
		for id := range r.presence {
			if id != c.cfg.ClientID || c.cfg.Self {
				ids = append(ids, id)
			}
		}
		sort.Strings(ids)
		for _, id := range ids {
			out = append(out, delivery{c, Message{Event: EventPresence, ClientID: id, Payload: r.presence[id]}})
		}
	}
	h.mu.Unlock()
	deliver(out)
}

// Drop disconnects clientID from room without a clean leave, the way a
// lost network connection would. Peers see EventLeave; the dropped
// channel reports StatusDisconnected until Restore and sees every peer
// leave, since it can no longer tell who is still there.
func (h *Hub) Drop(room, clientID string) {
	h.mu.Lock()
	r, ok := h.rooms[room]
	if !ok {
		h.mu.Unlock()
		return
	}
	c, ok := r.clients[clientID]
	if !ok {
		h.mu.Unlock()
		return
	}
	var gone []string
	for id := range r.presence {
		if id != clientID {
			gone = append(gone, id)
		}
	}
	sort.Strings(gone)
	out := h.removeLocked(r, c)
	c.mu.Lock()
	c.status = StatusDisconnected
	c.mu.Unlock()
	h.mu.Unlock()

	deliver(out)
	c.handlers.dispatch(statusMessage(clientID, StatusDisconnected))
	for _, id := range gone {
		c.handlers.dispatch(Message{Event: EventLeave, ClientID: id})
	}
}

// Restore reconnects a channel previously passed to Drop. Its tracked
// state, if any, is published again and it receives the room presence.
func (h *Hub) Restore(ch Channel) error {
	c, ok := ch.(*hubChannel)
	if !ok || c.hub != h {
		return fmt.Errorf("channel: %s does not belong to this hub", ch.Name())
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.status = StatusConnected
	tracked := c.tracked
	c.mu.Unlock()

	h.mu.Lock()
	r, ok := h.rooms[c.room]
	if !ok {
		r = &hubRoom{name: c.room, clients: make(map[string]*hubChannel), presence: make(map[string]json.RawMessage)}
		h.rooms[c.room] = r
	}
	r.clients[c.cfg.ClientID] = c
	h.mu.Unlock()

	c.handlers.dispatch(statusMessage(c.cfg.ClientID, StatusConnected))
	h.sync(c)
	if tracked != nil {
		return c.publishPresence(tracked)
	}
	return nil
}

// removeLocked drops c from r and returns the leave notifications.
func (h *Hub) removeLocked(r *hubRoom, c *hubChannel) []delivery {
	delete(r.clients, c.cfg.ClientID)
	_, hadPresence := r.presence[c.cfg.ClientID]
	delete(r.presence, c.cfg.ClientID)

	var out []delivery
	if hadPresence {
		for _, peer := range r.clients {
			out = append(out, delivery{peer, Message{Event: EventLeave, ClientID: c.cfg.ClientID}})
		}
	}
	if len(r.clients) == 0 {
		delete(h.rooms, r.name)
		h.logger.Debug("room destroyed", "room", r.name)
	}
	return out
}

// fanout builds deliveries of msg to every client of room, including
// the sender only when it asked for self messages.
func (h *Hub) fanout(sender *hubChannel, msg Message) ([]delivery, error) {
	r, ok := h.rooms[sender.room]
	if !ok || r.clients[sender.cfg.ClientID] != sender {
		return nil, ErrDisconnected
	}
	ids := make([]string, 0, len(r.clients))
	for id := range r.clients {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var out []delivery
	for _, id := range ids {
		if id == sender.cfg.ClientID && !sender.cfg.Self {
			continue
		}
		out = append(out, delivery{r.clients[id], msg})
	}
	return out, nil
}

func deliver(out []delivery) {
	for _, d := range out {
		d.to.handlers.dispatch(d.msg)
	}
}

type hubChannel struct {
	hub      *Hub
	room     string
	cfg      Config
	handlers handlerSet

	mu      sync.Mutex
	status  Status
	tracked json.RawMessage
	closed  bool
	synced  bool
}

func (c *hubChannel) Name() string     { return c.room }
func (c *hubChannel) ClientID() string { return c.cfg.ClientID }

func (c *hubChannel) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// On registers h. The first presence handler triggers delivery of the
// room's existing presence to this client.
func (c *hubChannel) On(event string, h Handler) func() {
	off := c.handlers.add(event, h)
	if event == EventPresence {
		c.mu.Lock()
		first := !c.synced
		c.synced = true
		c.mu.Unlock()
		if first {
			c.hub.sync(c)
		}
	}
	return off
}

func (c *hubChannel) Track(state any) error {
	payload, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("channel: encoding presence: %w", err)
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.tracked = payload
	connected := c.status == StatusConnected
	c.mu.Unlock()
	if !connected {
		return ErrDisconnected
	}
	return c.publishPresence(payload)
}

func (c *hubChannel) publishPresence(payload json.RawMessage) error {
	h := c.hub
	h.mu.Lock()
	out, err := h.fanout(c, Message{Event: EventPresence, ClientID: c.cfg.ClientID, Payload: payload})
	if err == nil {
		h.rooms[c.room].presence[c.cfg.ClientID] = payload
	}
	h.mu.Unlock()
	if err != nil {
		return err
	}
	deliver(out)
	return nil
}

func (c *hubChannel) Send(event string, payload any) error {
	if isReserved(event) {
		return fmt.Errorf("channel: %q is a reserved event", event)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("channel: encoding %s: %w", event, err)
	}
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}

	h := c.hub
	h.mu.Lock()
	out, err := h.fanout(c, Message{Event: event, ClientID: c.cfg.ClientID, Payload: body})
	h.mu.Unlock()
	if err != nil {
		return err
	}
	deliver(out)
	return nil
}

func (c *hubChannel) Unsubscribe() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	h := c.hub
	h.mu.Lock()
	var out []delivery
	if r, ok := h.rooms[c.room]; ok && r.clients[c.cfg.ClientID] == c {
		out = h.removeLocked(r, c)
	}
	h.mu.Unlock()
	deliver(out)
	return nil
}
