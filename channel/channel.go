// Package channel defines the publish/subscribe room the collaboration
// engine runs over, and two transports for it: an in-process Hub and a
// websocket client of the relay server.
package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// Reserved event names. Any other name is an application broadcast.
const (
	// EventPresence carries a peer's tracked state. Message.ClientID is
	// the owner of the state.
	EventPresence = "presence"

	// EventLeave reports that a peer left or timed out. Its presence
	// entry is gone.
	EventLeave = "presence_leave"

	// EventStatus reports a change of this channel's own connection
	// status. Use StatusOf to read it.
	EventStatus = "status"
)

// Status is the connection state of a channel.
type Status string

const (
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
)

var (
	// ErrDisconnected is returned by Track and Send while the transport
	// is unavailable. Tracked state is kept and re-sent on reconnect.
	ErrDisconnected = errors.New("channel: disconnected")

	// ErrClosed is returned after Unsubscribe.
	ErrClosed = errors.New("channel: closed")

	// ErrInvalidPayload marks a message whose payload does not have the
	// expected shape. Handlers drop such messages.
	ErrInvalidPayload = errors.New("channel: invalid payload")
)

// Message is what handlers receive.
type Message struct {
	Event    string
	ClientID string
	Payload  json.RawMessage
}

// Decode unmarshals the payload into v.
func (m Message) Decode(v any) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("%w: %s from %s has no payload", ErrInvalidPayload, m.Event, m.ClientID)
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("%w: %s from %s: %v", ErrInvalidPayload, m.Event, m.ClientID, err)
	}
	return nil
}

// StatusOf returns the status carried by an EventStatus message.
func StatusOf(m Message) (Status, bool) {
	var s Status
	if m.Event != EventStatus || m.Decode(&s) != nil {
		return "", false
	}
	return s, s == StatusConnected || s == StatusDisconnected
}

// Handler receives messages for one event.
type Handler func(Message)

// Config is passed to Transport.Subscribe.
type Config struct {
	// ClientID identifies this subscriber in the room. Transports
	// generate one when empty.
	ClientID string

	// Self asks the transport to deliver this client's own broadcasts
	// and presence back to it.
	Self bool
}

// Channel is one client's membership in a room.
type Channel interface {
	Name() string
	ClientID() string

	// Track publishes state as this client's presence, replacing any
	// previous state.
	Track(state any) error

	// Send broadcasts payload under event to the room.
	Send(event string, payload any) error

	// On registers h for event and returns a func that removes it.
	On(event string, h Handler) func()

	Status() Status
	Unsubscribe() error
}

// Transport opens channels.
type Transport interface {
	Subscribe(ctx context.Context, room string, cfg Config) (Channel, error)
}

// RoomName joins the parts of a room name: "<purpose>:<docId>:<fieldName>".
func RoomName(purpose, docID, field string) string {
	return strings.Join([]string{purpose, docID, field}, ":")
}

type handlerEntry struct {
	id int
	h  Handler
}

// handlerSet is the On/dispatch registry shared by the transports.
type handlerSet struct {
	mu     sync.Mutex
	nextID int
	byName map[string][]handlerEntry
}

func (s *handlerSet) add(event string, h Handler) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.byName == nil {
		s.byName = make(map[string][]handlerEntry)
	}
	id := s.nextID
	s.nextID++
	s.byName[event] = append(s.byName[event], handlerEntry{id: id, h: h})
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		entries := s.byName[event]
		for i, e := range entries {
			if e.id == id {
				s.byName[event] = append(entries[:i:i], entries[i+1:]...)
				return
			}
		}
	}
}

func (s *handlerSet) dispatch(m Message) {
	s.mu.Lock()
	entries := append([]handlerEntry(nil), s.byName[m.Event]...)
	s.mu.Unlock()
	for _, e := range entries {
		e.h(m)
	}
}

func statusMessage(clientID string, st Status) Message {
	payload, _ := json.Marshal(st)
	return Message{Event: EventStatus, ClientID: clientID, Payload: payload}
}
