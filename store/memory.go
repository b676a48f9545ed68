package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"collabtext/clock"
)

// Memory is an in-process Store. The server falls back to it when no
// database is configured.
type Memory struct {
	clk  clock.Clock
	feed feed

	mu   sync.Mutex
	rows map[string]map[string]Record
}

// NewMemory returns an empty store stamping writes with clk.
func NewMemory(clk clock.Clock) *Memory {
	if clk == nil {
		clk = clock.Real()
	}
	m := &Memory{
		clk:  clk,
		rows: make(map[string]map[string]Record),
	}
	for _, t := range tables {
		m.rows[t] = make(map[string]Record)
	}
	return m
}

func (m *Memory) Get(ctx context.Context, table, id string) (Record, error) {
	if err := CheckTable(table); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rows[table][id]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, table, id)
	}
	return cloneRecord(r), nil
}

// Put replaces the record and returns the stored copy.
func (m *Memory) Put(ctx context.Context, table, id string, rec Record) (Record, error) {
	if err := CheckTable(table); err != nil {
		return nil, err
	}
	m.mu.Lock()
	ch := m.putLocked(table, id, rec)
	m.mu.Unlock()
	m.feed.publish([]Change{ch})
	return cloneRecord(ch.Record), nil
}

func (m *Memory) putLocked(table, id string, rec Record) Change {
	stored := cloneRecord(rec)
	if stored == nil {
		stored = Record{}
	}
	stored["id"] = id
	stored[UpdatedAtField] = m.clk.Now().UTC().Format(time.RFC3339Nano)

	typ := ChangeUpdate
	if _, ok := m.rows[table][id]; !ok {
		typ = ChangeInsert
	}
	m.rows[table][id] = stored
	return Change{Type: typ, Table: table, ID: id, Record: cloneRecord(stored)}
}

// Import stores every record in data or none of them.
func (m *Memory) Import(ctx context.Context, table string, data []byte) (int, error) {
	recs, err := ParseImport(table, data)
	if err != nil {
		return 0, err
	}
	m.mu.Lock()
	changes := make([]Change, 0, len(recs))
	for _, r := range recs {
		changes = append(changes, m.putLocked(table, r["id"].(string), r))
	}
	m.mu.Unlock()
	m.feed.publish(changes)
	return len(recs), nil
}

func (m *Memory) Export(ctx context.Context, table string) ([]byte, error) {
	if err := CheckTable(table); err != nil {
		return nil, err
	}
	m.mu.Lock()
	recs := make([]Record, 0, len(m.rows[table]))
	for _, r := range m.rows[table] {
		recs = append(recs, cloneRecord(r))
	}
	m.mu.Unlock()
	return encodeExport(table, recs)
}

func (m *Memory) Subscribe(ctx context.Context, table, id string) (Subscription, error) {
	if err := CheckTable(table); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return m.feed.subscribe(table, id), nil
}

// Interrupt ends every open subscription with err, the way a dropped
// database connection would.
func (m *Memory) Interrupt(err error) { m.feed.interrupt(err) }

// Subscribers reports the number of open subscriptions.
func (m *Memory) Subscribers() int { return m.feed.len() }
