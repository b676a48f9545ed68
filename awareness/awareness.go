// Package awareness shares ephemeral per-client metadata (who, which
// color, where the caret is, whether they are editing) across a room.
package awareness

import (
	"errors"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"collabtext/channel"
	"collabtext/clock"
)

// DefaultCursorInterval bounds cursor publication per client.
const DefaultCursorInterval = 100 * time.Millisecond

// Cursor is a selection in rune offsets of the field's text.
type Cursor struct {
	Index  int `json:"index"`
	Length int `json:"length"`
}

// State is one client's presence. It is replaced wholesale on every
// publish.
type State struct {
	ClientID  string  `json:"clientId"`
	UserID    string  `json:"userId"`
	UserName  string  `json:"userName"`
	Color     string  `json:"color"`
	IsEditing bool    `json:"isEditing"`
	Cursor    *Cursor `json:"cursor"`
}

var palette = []string{
	"#e6194b", "#3cb44b", "#4363d8", "#f58231", "#911eb4",
	"#42d4f4", "#f032e6", "#469990", "#9a6324", "#800000",
}

// ColorFor picks a stable display color for a user.
func ColorFor(userID string) string {
	h := fnv.New32a()
	h.Write([]byte(userID))
	return palette[h.Sum32()%uint32(len(palette))]
}

// Option configures a Broadcaster.
type Option func(*Broadcaster)

func WithClock(c clock.Clock) Option { return func(b *Broadcaster) { b.clock = c } }

func WithLogger(l *slog.Logger) Option { return func(b *Broadcaster) { b.logger = l } }

func WithCursorInterval(d time.Duration) Option {
	return func(b *Broadcaster) { b.interval = d }
}

// Broadcaster publishes this client's State on a channel and keeps
// the latest State of every peer, in the order peers were first seen.
type Broadcaster struct {
	ch       channel.Channel
	clock    clock.Clock
	logger   *slog.Logger
	interval time.Duration
	limiter  *rate.Limiter
	clientID string
	offs     []func()

	mu        sync.Mutex
	self      State
	order     []string
	states    map[string]State
	pending   *Cursor
	flush     *clock.Timer
	observers map[int]func([]State)
	nextObs   int
}

// New starts tracking presence on ch. Nothing is published until the
// first SetState.
func New(ch channel.Channel, self State, opts ...Option) *Broadcaster {
	b := &Broadcaster{
		ch:        ch,
		clock:     clock.Real(),
		logger:    slog.Default(),
		interval:  DefaultCursorInterval,
		states:    make(map[string]State),
		observers: make(map[int]func([]State)),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With("room", ch.Name())
	b.limiter = rate.NewLimiter(rate.Every(b.interval), 1)

	b.clientID = ch.ClientID()
	self.ClientID = b.clientID
	if self.Color == "" {
		self.Color = ColorFor(self.UserID)
	}
	b.self = self
	b.order = []string{self.ClientID}
	b.states[self.ClientID] = self

	b.offs = append(b.offs,
		ch.On(channel.EventPresence, b.handlePresence),
		ch.On(channel.EventLeave, b.handleLeave),
	)
	return b
}

// ClientID returns this client's id in the room.
func (b *Broadcaster) ClientID() string { return b.clientID }

// Self returns this client's current state.
func (b *Broadcaster) Self() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.self
}

// SetState replaces and publishes this client's state. Fields left
// zero are published as zero. A pending throttled cursor is discarded
// in favor of s.Cursor.
func (b *Broadcaster) SetState(s State) error {
	b.mu.Lock()
	s.ClientID = b.clientID
	b.flush.Stop()
	b.flush = nil
	b.pending = nil
	b.self = s
	b.states[s.ClientID] = s
	b.mu.Unlock()

	return b.publish(s)
}

// Update applies fn to a copy of the current state and publishes it.
func (b *Broadcaster) Update(fn func(*State)) error {
	s := b.Self()
	fn(&s)
	return b.SetState(s)
}

// SetCursor publishes the caret at most once per interval. Positions
// arriving inside the window overwrite each other and only the last is
// sent when the window closes. A nil cursor clears immediately.
func (b *Broadcaster) SetCursor(c *Cursor) error {
	if c == nil {
		return b.ClearCursor()
	}
	cur := *c

	b.mu.Lock()
	if b.flush != nil {
		b.pending = &cur
		b.mu.Unlock()
		return nil
	}
	now := b.clock.Now()
	if b.limiter.AllowN(now, 1) {
		b.self.Cursor = &cur
		s := b.self
		b.states[s.ClientID] = s
		b.mu.Unlock()
		return b.publish(s)
	}
	r := b.limiter.ReserveN(now, 1)
	b.pending = &cur
	b.flush = b.clock.AfterFunc(r.DelayFrom(now), b.flushCursor)
	b.mu.Unlock()
	return nil
}

// ClearCursor withdraws the caret so peers stop drawing it.
func (b *Broadcaster) ClearCursor() error {
	b.mu.Lock()
	b.flush.Stop()
	b.flush = nil
	b.pending = nil
	b.self.Cursor = nil
	s := b.self
	b.states[s.ClientID] = s
	b.mu.Unlock()
	return b.publish(s)
}

func (b *Broadcaster) flushCursor() {
	b.mu.Lock()
	if b.flush == nil || b.pending == nil {
		b.mu.Unlock()
		return
	}
	b.flush = nil
	b.self.Cursor = b.pending
	b.pending = nil
	s := b.self
	b.states[s.ClientID] = s
	b.mu.Unlock()

	if err := b.publish(s); err != nil {
		b.logger.Debug("cursor publish failed", "error", err)
	}
}

func (b *Broadcaster) publish(s State) error {
	err := b.ch.Track(s)
	b.notify()
	if errors.Is(err, channel.ErrDisconnected) {
		b.logger.Debug("presence kept for reconnect", "error", err)
	}
	return err
}

// States returns every known state, self first, peers in arrival order.
func (b *Broadcaster) States() []State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.statesLocked()
}

// Peers returns the states of everyone except this client.
func (b *Broadcaster) Peers() []State {
	states := b.States()
	return states[1:]
}

func (b *Broadcaster) statesLocked() []State {
	out := make([]State, 0, len(b.order))
	for _, id := range b.order {
		out = append(out, b.states[id])
	}
	return out
}

// OnChange registers fn for every change to any state, including this
// client's own.
func (b *Broadcaster) OnChange(fn func([]State)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextObs
	b.nextObs++
	b.observers[id] = fn
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.observers, id)
	}
}

func (b *Broadcaster) notify() {
	b.mu.Lock()
	states := b.statesLocked()
	obs := make([]func([]State), 0, len(b.observers))
	for i := 0; i < b.nextObs; i++ {
		if fn, ok := b.observers[i]; ok {
			obs = append(obs, fn)
		}
	}
	b.mu.Unlock()
	for _, fn := range obs {
		fn(states)
	}
}

func (b *Broadcaster) handlePresence(m channel.Message) {
	if m.ClientID == b.clientID {
		// Our own echo; the local copy is already current.
		b.notify()
		return
	}
	var s State
	if err := m.Decode(&s); err != nil {
		b.logger.Debug("dropping presence", "error", err)
		return
	}
	s.ClientID = m.ClientID

	b.mu.Lock()
	if _, seen := b.states[s.ClientID]; !seen {
		b.order = append(b.order, s.ClientID)
	}
	b.states[s.ClientID] = s
	b.mu.Unlock()
	b.notify()
}

func (b *Broadcaster) handleLeave(m channel.Message) {
	if m.ClientID == b.clientID {
		return
	}
	b.mu.Lock()
	if _, ok := b.states[m.ClientID]; !ok {
		b.mu.Unlock()
		return
	}
	delete(b.states, m.ClientID)
	for i, id := range b.order {
		if id == m.ClientID {
			b.order = append(b.order[:i:i], b.order[i+1:]...)
			break
		}
	}
	b.mu.Unlock()
	b.notify()
}

// Close stops listening and cancels a pending cursor flush. It does
// not unsubscribe the channel.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	b.flush.Stop()
	b.flush = nil
	b.pending = nil
	b.mu.Unlock()
	for _, off := range b.offs {
		off()
	}
}
