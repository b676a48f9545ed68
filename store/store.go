// Package store holds the durable records that collaborative forms
// edit and publishes a change event for every write.
package store

import (
	"context"
	"errors"
	"fmt"
	"slices"
)

var (
	ErrNotFound     = errors.New("store: record not found")
	ErrUnknownTable = errors.New("store: unknown table")
	// ErrFeedOverflow ends a subscription whose reader fell behind.
	ErrFeedOverflow = errors.New("store: change feed overflow")
)

// Tables that hold editable records.
const (
	TableScripts = "scripts"
	TableNPCs    = "npcs"
	TableClues   = "clues"
)

var tables = []string{TableScripts, TableNPCs, TableClues}

// UpdatedAtField is maintained by the store on every write.
const UpdatedAtField = "updated_at"

// Record is one row: field name to JSON-compatible value. The "id"
// field mirrors the record's key.
type Record = map[string]any

// ChangeType names the write that produced a Change.
type ChangeType string

const (
	ChangeInsert ChangeType = "INSERT"
	ChangeUpdate ChangeType = "UPDATE"
)

// Change is one event on the change feed. Record is the full new row.
type Change struct {
	Type   ChangeType `json:"type"`
	Table  string     `json:"table"`
	ID     string     `json:"id"`
	Record Record     `json:"record"`
}

// Subscription delivers changes until Close or until the feed fails.
// Events is closed in both cases; Err then reports why.
type Subscription interface {
	Events() <-chan Change
	Err() error
	Close()
}

// Store is the record store the server exposes.
type Store interface {
	Get(ctx context.Context, table, id string) (Record, error)
	Put(ctx context.Context, table, id string, rec Record) (Record, error)
	Import(ctx context.Context, table string, data []byte) (int, error)
	Export(ctx context.Context, table string) ([]byte, error)
	// Subscribe streams changes to table, limited to one record when id
	// is not empty.
	Subscribe(ctx context.Context, table, id string) (Subscription, error)
}

// CheckTable reports ErrUnknownTable for names outside the schema.
func CheckTable(table string) error {
	if !slices.Contains(tables, table) {
		return fmt.Errorf("%w: %q", ErrUnknownTable, table)
	}
	return nil
}

// Tables lists the editable tables.
func Tables() []string { return slices.Clone(tables) }

func (c Change) matches(table, id string) bool {
	return c.Table == table && (id == "" || c.ID == id)
}

func cloneRecord(r Record) Record {
	if r == nil {
		return nil
	}
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}
