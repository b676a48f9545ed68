// Package textfield binds a free-text form field to a shared CRDT
// document: local edits become sequence operations broadcast to the
// room, remote operations update the local value, and peers' carets
// come from presence.
package textfield

import (
	"errors"
	"log/slog"
	"sync"

	"collabtext/awareness"
	"collabtext/channel"
	"collabtext/crdt"
)

// Broadcast events.
const (
	EventUpdate      = "crdt_update"
	EventSyncRequest = "crdt_sync_request"
	EventSync        = "crdt_sync"
)

// SyncStatus is what the field's sync indicator shows.
type SyncStatus string

const (
	Live    SyncStatus = "live"
	Syncing SyncStatus = "syncing"
)

// RemoteCursor is a peer's caret, clamped to the current text.
type RemoteCursor struct {
	ClientID string `json:"clientId"`
	UserName string `json:"userName"`
	Color    string `json:"color"`
	Index    int    `json:"index"`
	Length   int    `json:"length"`
}

// View is what the UI renders for the field.
type View struct {
	Value         string         `json:"value"`
	RemoteCursors []RemoteCursor `json:"cursors"`
	SyncStatus    SyncStatus     `json:"status"`
}

// Binding connects one Doc to one room.
type Binding struct {
	ch     channel.Channel
	aw     *awareness.Broadcaster
	doc    *crdt.Doc
	logger *slog.Logger
	offs   []func()

	mu        sync.Mutex
	unsynced  bool
	observers map[int]func(View)
	nextObs   int
}

// New wires doc to ch. Call Start once the caller is ready to receive
// the room's current state.
func New(ch channel.Channel, aw *awareness.Broadcaster, doc *crdt.Doc, logger *slog.Logger) *Binding {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Binding{
		ch:        ch,
		aw:        aw,
		doc:       doc,
		logger:    logger.With("room", ch.Name()),
		observers: make(map[int]func(View)),
	}
	b.offs = append(b.offs,
		ch.On(EventUpdate, b.handleUpdate),
		ch.On(EventSync, b.handleUpdate),
		ch.On(EventSyncRequest, b.handleSyncRequest),
		ch.On(channel.EventStatus, b.handleStatus),
		doc.Observe(func(crdt.Event) { b.notify() }),
		aw.OnChange(func([]awareness.State) { b.notify() }),
	)
	return b
}

// Start announces this replica and asks peers for theirs. While
// disconnected it only marks the field unsynced; the next reconnect
// starts again.
func (b *Binding) Start() {
	if err := b.ch.Send(EventSync, b.doc.State()); err != nil {
		b.markUnsynced(err)
		return
	}
	if err := b.ch.Send(EventSyncRequest, struct{}{}); err != nil {
		b.markUnsynced(err)
	}
}

// Value returns the current text.
func (b *Binding) Value() string { return b.doc.String() }

// OnChange applies the user's new text. Edits made while disconnected
// stay in the document and are sent on reconnect.
func (b *Binding) OnChange(text string) error {
	u, ok := b.doc.SetText(text)
	if !ok {
		return nil
	}
	if err := b.ch.Send(EventUpdate, u); err != nil {
		b.markUnsynced(err)
		if errors.Is(err, channel.ErrDisconnected) {
			return nil
		}
		return err
	}
	return nil
}

// SetCursor publishes this client's selection, throttled.
func (b *Binding) SetCursor(index, length int) error {
	err := b.aw.SetCursor(&awareness.Cursor{Index: index, Length: length})
	if errors.Is(err, channel.ErrDisconnected) {
		return nil
	}
	return err
}

// Blur clears this client's caret for peers.
func (b *Binding) Blur() error {
	err := b.aw.ClearCursor()
	if errors.Is(err, channel.ErrDisconnected) {
		return nil
	}
	return err
}

// RemoteCursors returns the carets of peers that have one.
func (b *Binding) RemoteCursors() []RemoteCursor {
	n := b.doc.Len()
	var out []RemoteCursor
	for _, s := range b.aw.Peers() {
		if s.Cursor == nil {
			continue
		}
		idx := min(max(s.Cursor.Index, 0), n)
		length := min(max(s.Cursor.Length, 0), n-idx)
		out = append(out, RemoteCursor{
			ClientID: s.ClientID,
			UserName: s.UserName,
			Color:    s.Color,
			Index:    idx,
			Length:   length,
		})
	}
	return out
}

// SyncStatus reports Live while the channel is connected and every
// local edit has been sent.
func (b *Binding) SyncStatus() SyncStatus {
	b.mu.Lock()
	unsynced := b.unsynced
	b.mu.Unlock()
	if unsynced || b.ch.Status() != channel.StatusConnected {
		return Syncing
	}
	return Live
}

// View returns the render state.
func (b *Binding) View() View {
	return View{Value: b.Value(), RemoteCursors: b.RemoteCursors(), SyncStatus: b.SyncStatus()}
}

// Subscribe registers fn for every change to the view.
func (b *Binding) Subscribe(fn func(View)) func() {
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

func (b *Binding) notify() {
	view := b.View()
	b.mu.Lock()
	obs := make([]func(View), 0, len(b.observers))
	for i := 0; i < b.nextObs; i++ {
		if fn, ok := b.observers[i]; ok {
			obs = append(obs, fn)
		}
	}
	b.mu.Unlock()
	for _, fn := range obs {
		fn(view)
	}
}

func (b *Binding) markUnsynced(err error) {
	b.logger.Debug("edit kept locally", "error", err)
	b.mu.Lock()
	b.unsynced = true
	b.mu.Unlock()
	b.notify()
}

func (b *Binding) handleUpdate(m channel.Message) {
	var u crdt.Update
	if err := m.Decode(&u); err != nil {
		b.logger.Debug("dropping crdt update", "error", err)
		return
	}
	if err := b.doc.ApplyUpdate(u); err != nil {
		b.logger.Debug("dropping crdt update", "from", m.ClientID, "error", err)
	}
}

func (b *Binding) handleSyncRequest(m channel.Message) {
	if err := b.ch.Send(EventSync, b.doc.State()); err != nil {
		b.logger.Debug("sync reply failed", "to", m.ClientID, "error", err)
	}
}

// handleStatus pushes the whole replica after a reconnect so edits
// made offline reach peers, then asks for what was missed.
func (b *Binding) handleStatus(m channel.Message) {
	st, ok := channel.StatusOf(m)
	if !ok {
		return
	}
	if st == channel.StatusConnected {
		b.mu.Lock()
		b.unsynced = false
		b.mu.Unlock()
		b.Start()
	}
	b.notify()
}

// Close detaches from the channel and the document.
func (b *Binding) Close() {
	for _, off := range b.offs {
		off()
	}
}
