// Package crdt implements the replicated text sequence shared by all
// editors of a free-text field, and the diff that turns a whole-text
// edit into sequence operations.
//
// The sequence is an RGA: every character remembers the character it
// was inserted after, and concurrent inserts after the same character
// are ordered by descending id. Deletes leave tombstones. Applying the
// same set of updates in any order, any number of times, produces the
// same text on every replica.
package crdt

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// DefaultPendingLimit bounds the operations a Doc holds while waiting
// for their dependencies.
const DefaultPendingLimit = 4096

// Event describes one observable change to a Doc. Exactly one event is
// emitted per transaction or applied update.
type Event struct {
	Local    bool
	ClientID string
	Text     string
}

// Doc is one replica of a text sequence. It is safe for concurrent
// use; observers are called after the document lock is released.
type Doc struct {
	mu        sync.Mutex
	peerID    string
	clock     uint64
	chars     []*Char
	byID      map[CharID]*Char
	pending   []Op
	held      map[heldKey]struct{}
	limit     int
	logger    *slog.Logger
	observers map[int]func(Event)
	nextObs   int
}

type heldKey struct {
	action string
	id     CharID
}

// Option configures a Doc.
type Option func(*Doc)

// WithPendingLimit caps the operations held for missing dependencies.
// When full, the oldest held operation is dropped.
func WithPendingLimit(n int) Option { return func(d *Doc) { d.limit = n } }

// WithLogger sets the logger used to report dropped operations.
func WithLogger(l *slog.Logger) Option { return func(d *Doc) { d.logger = l } }

// NewDoc returns an empty replica owned by peerID.
func NewDoc(peerID string, opts ...Option) *Doc {
	d := &Doc{
		peerID:    peerID,
		byID:      make(map[CharID]*Char),
		held:      make(map[heldKey]struct{}),
		limit:     DefaultPendingLimit,
		logger:    slog.Default(),
		observers: make(map[int]func(Event)),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.limit <= 0 {
		d.limit = DefaultPendingLimit
	}
	return d
}

// PeerID returns the id stamped on locally created characters.
func (d *Doc) PeerID() string { return d.peerID }

// String returns the visible text.
func (d *Doc) String() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.text()
}

// Len returns the number of visible characters.
func (d *Doc) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, c := range d.chars {
		if !c.Deleted {
			n++
		}
	}
	return n
}

// Observe registers fn for every local or remote change. The returned
// func removes it.
func (d *Doc) Observe(fn func(Event)) func() {
	d.mu.Lock()
	defer d.mu.Unlock()
	id := d.nextObs
	d.nextObs++
	d.observers[id] = fn
	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		delete(d.observers, id)
	}
}

// Txn batches local mutations. Positions are rune offsets into the
// visible text as it stands inside the transaction.
type Txn struct {
	d   *Doc
	ops []Op
}

// String returns the visible text including this transaction's edits.
func (tx *Txn) String() string { return tx.d.text() }

// Insert adds text before the visible character at pos. Out of range
// positions are clamped to the ends of the text.
func (tx *Txn) Insert(pos int, text string) {
	if text == "" {
		return
	}
	d := tx.d
	origin := d.originFor(pos)
	for _, r := range text {
		d.clock++
		c := Char{ID: CharID{Clock: d.clock, PeerID: d.peerID}, Origin: origin, Value: string(r)}
		d.integrateInsert(c)
		tx.ops = append(tx.ops, Op{Action: ActionInsert, Char: c})
		origin = c.ID
	}
}

// Delete removes up to n visible characters starting at pos.
func (tx *Txn) Delete(pos, n int) {
	if n <= 0 || pos < 0 {
		return
	}
	visible := 0
	for _, c := range tx.d.chars {
		if c.Deleted {
			continue
		}
		if visible >= pos && visible < pos+n {
			c.Deleted = true
			tx.ops = append(tx.ops, Op{Action: ActionDelete, Char: Char{ID: c.ID}})
		}
		visible++
		if visible >= pos+n {
			break
		}
	}
}

// Transact runs fn under the document lock and emits a single event
// for everything it did. It returns the update to broadcast and false
// when fn made no change.
func (d *Doc) Transact(fn func(tx *Txn)) (Update, bool) {
	d.mu.Lock()
	tx := &Txn{d: d}
	fn(tx)
	if len(tx.ops) == 0 {
		d.mu.Unlock()
		return Update{}, false
	}
	ev := Event{Local: true, ClientID: d.peerID, Text: d.text()}
	obs := d.snapshotObservers()
	d.mu.Unlock()

	notify(obs, ev)
	return Update{ClientID: d.peerID, Ops: tx.ops}, true
}

// Insert is a single-operation transaction.
func (d *Doc) Insert(pos int, text string) (Update, bool) {
	return d.Transact(func(tx *Txn) { tx.Insert(pos, text) })
}

// Delete is a single-operation transaction.
func (d *Doc) Delete(pos, n int) (Update, bool) {
	return d.Transact(func(tx *Txn) { tx.Delete(pos, n) })
}

// SetText rewrites the document to newText using the smallest
// prefix/suffix patch. Identical text produces no update.
func (d *Doc) SetText(newText string) (Update, bool) {
	return d.Transact(func(tx *Txn) {
		p := Diff(tx.String(), newText)
		if p.IsNoop() {
			return
		}
		tx.Delete(p.Start, p.DeleteCount)
		tx.Insert(p.Start, p.InsertText)
	})
}

// ApplyUpdate integrates a remote update. Operations that were already
// applied are ignored; operations whose dependencies have not arrived
// are held until they do. A malformed update is rejected as a whole.
func (d *Doc) ApplyUpdate(u Update) error {
	if err := u.Validate(); err != nil {
		return err
	}

	d.mu.Lock()
	before := d.text()
	dropped := 0
	for _, op := range u.Ops {
		if !d.integrate(op) {
			dropped += d.hold(op)
		}
	}
	d.drainPending()
	if dropped > 0 {
		d.logger.Warn("dropped operations with missing dependencies",
			"peer", d.peerID, "from", u.ClientID, "dropped", dropped, "limit", d.limit)
	}
	after := d.text()
	if before == after {
		d.mu.Unlock()
		return nil
	}
	ev := Event{ClientID: u.ClientID, Text: after}
	obs := d.snapshotObservers()
	d.mu.Unlock()

	notify(obs, ev)
	return nil
}

// State returns an update that rebuilds this replica from scratch,
// tombstones included.
func (d *Doc) State() Update {
	d.mu.Lock()
	defer d.mu.Unlock()

	u := Update{ClientID: d.peerID}
	var deletes []Op
	for _, c := range d.chars {
		u.Ops = append(u.Ops, Op{Action: ActionInsert, Char: Char{ID: c.ID, Origin: c.Origin, Value: c.Value}})
		if c.Deleted {
			deletes = append(deletes, Op{Action: ActionDelete, Char: Char{ID: c.ID}})
		}
	}
	u.Ops = append(u.Ops, deletes...)
	u.Ops = append(u.Ops, d.pending...)
	return u
}

// Pending returns the number of operations waiting on a dependency.
func (d *Doc) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

func (d *Doc) text() string {
	var b strings.Builder
	for _, c := range d.chars {
		if !c.Deleted {
			b.WriteString(c.Value)
		}
	}
	return b.String()
}

// originFor returns the id of the visible character left of pos.
func (d *Doc) originFor(pos int) CharID {
	if pos <= 0 {
		return CharID{}
	}
	var last CharID
	visible := 0
	for _, c := range d.chars {
		if c.Deleted {
			continue
		}
		last = c.ID
		visible++
		if visible == pos {
			return c.ID
		}
	}
	return last
}

func (d *Doc) integrate(op Op) bool {
	switch op.Action {
	case ActionInsert:
		return d.integrateInsert(op.Char)
	case ActionDelete:
		c, ok := d.byID[op.Char.ID]
		if !ok {
			return false
		}
		c.Deleted = true
		return true
	}
	panic(fmt.Sprintf("crdt: unvalidated action %q", op.Action))
}

func (d *Doc) integrateInsert(c Char) bool {
	if _, ok := d.byID[c.ID]; ok {
		return true
	}
	pos := 0
	if !c.Origin.IsZero() {
		if _, ok := d.byID[c.Origin]; !ok {
			return false
		}
		for i, existing := range d.chars {
			if existing.ID == c.Origin {
				pos = i + 1
				break
			}
		}
	}
	for pos < len(d.chars) && c.ID.Less(d.chars[pos].ID) {
		pos++
	}

	nc := &Char{ID: c.ID, Origin: c.Origin, Value: c.Value}
	d.chars = append(d.chars, nil)
	copy(d.chars[pos+1:], d.chars[pos:])
	d.chars[pos] = nc
	d.byID[c.ID] = nc
	if c.ID.Clock > d.clock {
		d.clock = c.ID.Clock
	}
	return true
}

// hold buffers op until its dependency arrives and returns how many
// older operations were evicted to make room.
func (d *Doc) hold(op Op) int {
	k := heldKey{op.Action, op.Char.ID}
	if _, ok := d.held[k]; ok {
		return 0
	}
	evicted := 0
	for len(d.pending) >= d.limit {
		old := d.pending[0]
		delete(d.held, heldKey{old.Action, old.Char.ID})
		d.pending = d.pending[1:]
		evicted++
	}
	d.pending = append(d.pending, op)
	d.held[k] = struct{}{}
	return evicted
}

func (d *Doc) drainPending() {
	for progress := true; progress && len(d.pending) > 0; {
		progress = false
		rest := d.pending[:0]
		for _, op := range d.pending {
			if d.integrate(op) {
				delete(d.held, heldKey{op.Action, op.Char.ID})
				progress = true
			} else {
				rest = append(rest, op)
			}
		}
		d.pending = rest
	}
}

func (d *Doc) snapshotObservers() []func(Event) {
	obs := make([]func(Event), 0, len(d.observers))
	for i := 0; i < d.nextObs; i++ {
		if fn, ok := d.observers[i]; ok {
			obs = append(obs, fn)
		}
	}
	return obs
}

func notify(obs []func(Event), ev Event) {
	for _, fn := range obs {
		fn(ev)
	}
}
