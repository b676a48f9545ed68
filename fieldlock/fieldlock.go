// Package fieldlock negotiates best-effort exclusive editing of a
// discrete field (a select or multi-select) among the clients in a
// room, using presence instead of a lock server.
//
// A client may start editing only when no peer advertises
// isEditing=true. Two clients that focus within one network round trip
// can both win; that race is accepted. A holder that disappears without
// releasing is cleared when the transport reports it gone.
//
// Values propagate as deltas: every local change broadcasts what was
// added and removed, and receivers apply it to their own value, so
// concurrent additions from different users are all kept.
package fieldlock

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"collabtext/awareness"
	"collabtext/channel"
	"collabtext/clock"
)

// Broadcast events.
const (
	// EventDelta is sent on every local value change.
	EventDelta = "field_delta"

	// EventCommit is sent on release with the net change of the editing
	// session, so a peer that missed a delta still converges.
	EventCommit = "field_commit"
)

const (
	DefaultDebounce = 100 * time.Millisecond
	DefaultSettle   = 50 * time.Millisecond
)

// ErrLockDenied is returned when another client holds the field.
var ErrLockDenied = errors.New("fieldlock: field is being edited by another user")

// State is this client's editing state for the field.
type State int

const (
	Idle State = iota
	Editing
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Editing:
		return "editing"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Holder identifies the peer that holds the field.
type Holder struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Color string `json:"color"`
}

// View is what the UI renders for the field.
type View struct {
	Value         []string `json:"value"`
	LockedBy      *Holder  `json:"lockedBy"`
	IsEditingSelf bool     `json:"isEditingSelf"`
}

// Options configures a Field.
type Options struct {
	// Multi selects set semantics; otherwise the field holds at most
	// one value.
	Multi    bool
	Debounce time.Duration
	Settle   time.Duration
	Clock    clock.Clock
	Logger   *slog.Logger
}

// Field is one client's view of a discrete field.
type Field struct {
	ch     channel.Channel
	aw     *awareness.Broadcaster
	opts   Options
	logger *slog.Logger
	offs   []func()

	mu           sync.Mutex
	state        State
	value        []string
	sessionStart []string
	published    bool
	debounce     *clock.Timer
	settle       *clock.Timer
	observers    map[int]func(View)
	nextObs      int
}

// New binds a field with the given initial value to ch. aw must be the
// presence broadcaster of the same channel.
func New(ch channel.Channel, aw *awareness.Broadcaster, initial []string, opts Options) *Field {
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.Settle <= 0 {
		opts.Settle = DefaultSettle
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	f := &Field{
		ch:        ch,
		aw:        aw,
		opts:      opts,
		logger:    opts.Logger.With("room", ch.Name()),
		value:     slices.Clone(initial),
		observers: make(map[int]func(View)),
	}
	f.offs = append(f.offs,
		ch.On(EventDelta, f.handleDelta),
		ch.On(EventCommit, f.handleDelta),
		aw.OnChange(func([]awareness.State) { f.notify() }),
	)
	return f
}

// LockedBy returns the first peer, in arrival order, that is editing.
func (f *Field) LockedBy() *Holder {
	for _, s := range f.aw.Peers() {
		if s.IsEditing {
			return &Holder{ID: s.UserID, Name: s.UserName, Color: s.Color}
		}
	}
	return nil
}

// IsLockedByOther reports whether a peer holds the field.
func (f *Field) IsLockedByOther() bool {
	return f.LockedBy() != nil
}

// State returns this client's editing state.
func (f *Field) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Value returns the current value.
func (f *Field) Value() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.value)
}

// View returns the render state.
func (f *Field) View() View {
	holder := f.LockedBy()
	f.mu.Lock()
	defer f.mu.Unlock()
	return View{Value: slices.Clone(f.value), LockedBy: holder, IsEditingSelf: f.state == Editing}
}

// Focus enters Editing unless a peer holds the field. Focusing again
// while editing cancels a pending blur.
func (f *Field) Focus() error {
	if holder := f.LockedBy(); holder != nil {
		f.logger.Debug("focus denied", "holder", holder.Name)
		return fmt.Errorf("%w: %s", ErrLockDenied, holder.Name)
	}

	f.mu.Lock()
	f.settle.Stop()
	f.settle = nil
	if f.state == Editing {
		f.mu.Unlock()
		return nil
	}
	f.state = Editing
	f.sessionStart = slices.Clone(f.value)
	f.scheduleLocked()
	f.mu.Unlock()

	f.notify()
	return nil
}

// Blur starts release. After the settle delay, stillInside is asked
// whether focus moved somewhere inside the field's own container (for
// example onto an option of its dropdown); if so the field stays in
// Editing. A nil stillInside always releases.
func (f *Field) Blur(stillInside func() bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != Editing {
		return
	}
	f.settle.Stop()
	f.settle = f.opts.Clock.AfterFunc(f.opts.Settle, func() { f.settleBlur(stillInside) })
}

func (f *Field) settleBlur(stillInside func() bool) {
	if stillInside != nil && stillInside() {
		return
	}

	f.mu.Lock()
	if f.state != Editing {
		f.mu.Unlock()
		return
	}
	f.settle = nil
	f.state = Idle
	commit := Compute(f.sessionStart, f.value)
	f.sessionStart = nil
	f.scheduleLocked()
	f.mu.Unlock()

	if !commit.Empty() {
		if err := f.ch.Send(EventCommit, commit); err != nil {
			f.logger.Warn("commit not delivered", "error", err)
		}
	}
	f.notify()
}

// Change sets a new value and broadcasts the delta. A change while
// idle acquires the field first and is denied if a peer holds it.
func (f *Field) Change(value []string) error {
	if f.State() != Editing {
		if err := f.Focus(); err != nil {
			return err
		}
	}

	f.mu.Lock()
	d := Compute(f.value, value)
	if d.Empty() {
		f.mu.Unlock()
		return nil
	}
	f.value = d.Apply(f.value, f.opts.Multi)
	f.mu.Unlock()

	if err := f.ch.Send(EventDelta, d); err != nil {
		// The local value stands; the release commit carries it later.
		f.logger.Warn("delta not delivered", "error", err)
	}
	f.notify()
	return nil
}

// scheduleLocked publishes the editing flag once it has been stable
// for the debounce delay. A focus immediately undone publishes nothing.
func (f *Field) scheduleLocked() {
	f.debounce.Stop()
	f.debounce = f.opts.Clock.AfterFunc(f.opts.Debounce, f.publishEditing)
}

func (f *Field) publishEditing() {
	f.mu.Lock()
	f.debounce = nil
	editing := f.state == Editing
	if editing == f.published {
		f.mu.Unlock()
		return
	}
	f.published = editing
	f.mu.Unlock()

	if err := f.aw.Update(func(s *awareness.State) { s.IsEditing = editing }); err != nil {
		f.logger.Debug("editing flag kept for reconnect", "error", err)
	}
}

func (f *Field) handleDelta(m channel.Message) {
	var d Delta
	if err := m.Decode(&d); err != nil {
		f.logger.Debug("dropping field delta", "error", err)
		return
	}
	if d.Empty() {
		return
	}

	f.mu.Lock()
	f.value = d.Apply(f.value, f.opts.Multi)
	if f.state == Editing {
		f.sessionStart = d.Apply(f.sessionStart, f.opts.Multi)
	}
	f.mu.Unlock()
	f.notify()
}

// OnChange registers fn for value and lock changes.
func (f *Field) OnChange(fn func(View)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextObs
	f.nextObs++
	f.observers[id] = fn
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.observers, id)
	}
}

func (f *Field) notify() {
	view := f.View()
	f.mu.Lock()
	obs := make([]func(View), 0, len(f.observers))
	for i := 0; i < f.nextObs; i++ {
		if fn, ok := f.observers[i]; ok {
			obs = append(obs, fn)
		}
	}
	f.mu.Unlock()
	for _, fn := range obs {
		fn(view)
	}
}

// Close cancels pending timers and detaches from the channel. Peers
// learn that this client left from the transport, not from a message.
func (f *Field) Close() {
	f.mu.Lock()
	f.debounce.Stop()
	f.settle.Stop()
	f.mu.Unlock()
	for _, off := range f.offs {
		off()
	}
}
