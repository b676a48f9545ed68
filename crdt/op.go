package crdt

import (
	"errors"
	"fmt"
	"unicode/utf8"
)

// ErrInvalidOp reports an operation that cannot be integrated into any
// document, such as an unknown action or a missing identifier.
var ErrInvalidOp = errors.New("crdt: invalid operation")

const (
	ActionInsert = "insert"
	ActionDelete = "delete"
)

// CharID identifies one inserted character across all replicas. Clock
// is a Lamport timestamp, PeerID breaks ties.
type CharID struct {
	Clock  uint64 `json:"clock"`
	PeerID string `json:"peerID"`
}

// IsZero reports whether id is the document head.
func (id CharID) IsZero() bool {
	return id.Clock == 0 && id.PeerID == ""
}

// Less orders ids by clock, then by peer.
func (id CharID) Less(other CharID) bool {
	if id.Clock != other.Clock {
		return id.Clock < other.Clock
	}
	return id.PeerID < other.PeerID
}

func (id CharID) String() string {
	return fmt.Sprintf("%d@%s", id.Clock, id.PeerID)
}

// Char is one character of the sequence. Origin is the character that
// was immediately to its left when it was inserted; the zero CharID
// means the head of the document.
type Char struct {
	ID      CharID `json:"id"`
	Origin  CharID `json:"origin"`
	Value   string `json:"value,omitempty"`
	Deleted bool   `json:"-"`
}

// Op is a single insert or delete. A delete carries only the id of
// the character it removes.
type Op struct {
	Action string `json:"action"`
	Char   Char   `json:"char"`
}

// Update is a group of operations produced by one transaction. Peers
// apply it as a unit.
type Update struct {
	ClientID string `json:"clientID"`
	Ops      []Op   `json:"ops"`
}

// Empty reports whether the update carries no operations.
func (u Update) Empty() bool {
	return len(u.Ops) == 0
}

// Validate checks every op without touching any document.
func (u Update) Validate() error {
	for i, op := range u.Ops {
		if op.Char.ID.Clock == 0 {
			return fmt.Errorf("%w: op %d has no id", ErrInvalidOp, i)
		}
		switch op.Action {
		case ActionInsert:
			if utf8.RuneCountInString(op.Char.Value) != 1 {
				return fmt.Errorf("%w: op %d inserts %q, want one character", ErrInvalidOp, i, op.Char.Value)
			}
		case ActionDelete:
		default:
			return fmt.Errorf("%w: op %d has action %q", ErrInvalidOp, i, op.Action)
		}
	}
	return nil
}
