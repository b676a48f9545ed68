// Package realtime keeps one open record in step with the store's
// change feed, merging authoritative updates into unsaved local edits.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff"

	"collabtext/merge"
	"collabtext/store"
)

// Feed is the part of a store the coordinator consumes. Get reads the
// current row, which the coordinator does after every subscribe to
// catch writes it missed while the feed was down.
type Feed interface {
	Subscribe(ctx context.Context, table, id string) (store.Subscription, error)
	Get(ctx context.Context, table, id string) (store.Record, error)
}

// View is what the UI renders for the record.
type View struct {
	MergedData      merge.Snapshot `json:"mergedData"`
	LastMergeResult *merge.Result  `json:"lastMergeResult"`
	IsConnected     bool           `json:"isConnected"`
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(c *Coordinator) { c.logger = l } }

// WithResolver replaces the default resolver, which ignores the id
// and store.UpdatedAtField.
func WithResolver(r merge.Resolver) Option { return func(c *Coordinator) { c.resolver = r } }

// WithBackOff sets the resubscribe policy. newBackOff is called once
// per Run.
func WithBackOff(newBackOff func() backoff.BackOff) Option {
	return func(c *Coordinator) { c.newBackOff = newBackOff }
}

// Coordinator owns the base and local snapshots of one record.
type Coordinator struct {
	feed       Feed
	table, id  string
	resolver   merge.Resolver
	logger     *slog.Logger
	newBackOff func() backoff.BackOff

	mu        sync.Mutex
	base      merge.Snapshot
	local     merge.Snapshot
	last      *merge.Result
	connected bool
	onMerge   []func(merge.Result)
	onStatus  []func(bool)
}

// New starts from base, the record as last read from the store. Local
// edits begin equal to base.
func New(feed Feed, table, id string, base merge.Snapshot, opts ...Option) *Coordinator {
	c := &Coordinator{
		feed:     feed,
		table:    table,
		id:       id,
		resolver: merge.Resolver{Ignore: []string{"id", store.UpdatedAtField}},
		logger:   slog.Default(),
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.MaxElapsedTime = 0
			return b
		},
		base:  base.Clone(),
		local: base.Clone(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("table", table, "id", id)
	return c
}

// Run consumes the change feed until ctx ends, resubscribing with
// backoff whenever the subscription fails.
func (c *Coordinator) Run(ctx context.Context) error {
	b := c.newBackOff()
	err := backoff.RetryNotify(func() error {
		return c.consume(ctx, b)
	}, backoff.WithContext(b, ctx), func(err error, wait time.Duration) {
		c.logger.Warn("change feed lost, resubscribing", "error", err, "wait", wait)
	})
	c.setConnected(false)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

var errFeedClosed = errors.New("realtime: change feed closed")

func (c *Coordinator) consume(ctx context.Context, b backoff.BackOff) error {
	sub, err := c.feed.Subscribe(ctx, c.table, c.id)
	if err != nil {
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		return fmt.Errorf("realtime: subscribe: %w", err)
	}
	defer sub.Close()
	rec, err := c.feed.Get(ctx, c.table, c.id)
	if err != nil {
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		return fmt.Errorf("realtime: re-reading record: %w", err)
	}
	c.resync(rec)
	b.Reset()
	c.setConnected(true)

	for {
		select {
		case <-ctx.Done():
			return backoff.Permanent(ctx.Err())
		case ch, ok := <-sub.Events():
			if !ok {
				c.setConnected(false)
				if err := sub.Err(); err != nil {
					return err
				}
				return errFeedClosed
			}
			c.HandleChange(ch)
		}
	}
}

// resync merges rec as a remote update if it differs from the base in
// any field the resolver compares.
func (c *Coordinator) resync(rec store.Record) {
	c.mu.Lock()
	stale := c.resolver.Merge(c.base, c.base, merge.Snapshot(rec)).HasRemoteChanges
	c.mu.Unlock()
	if !stale {
		return
	}
	c.logger.Info("record changed while feed was down")
	c.HandleChange(store.Change{Type: store.ChangeUpdate, Table: c.table, ID: c.id, Record: rec})
}

// HandleChange merges one feed event. Events for other records and
// inserts are ignored. The remote row becomes the new base and the
// merge output the new local state.
func (c *Coordinator) HandleChange(ch store.Change) {
	if ch.Type != store.ChangeUpdate || ch.Table != c.table || ch.ID != c.id || ch.Record == nil {
		return
	}
	remote := merge.Snapshot(ch.Record)

	c.mu.Lock()
	res := c.resolver.Merge(c.base, c.local, remote)
	c.base = remote.Clone()
	c.local = res.Merged
	c.last = &res
	observers := append([]func(merge.Result){}, c.onMerge...)
	c.mu.Unlock()

	if res.HasRemoteChanges {
		c.logger.Info("merged remote change", "updated", res.UpdatedFields, "conflicts", res.Conflicts)
	}
	for _, fn := range observers {
		fn(res)
	}
}

// SetLocal records the user's current edits.
func (c *Coordinator) SetLocal(s merge.Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.local = s.Clone()
}

// Saved records a successful save of s. It becomes both base and
// local, so the store's echo of our own write merges as a no-op.
func (c *Coordinator) Saved(s merge.Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.base = s.Clone()
	c.local = s.Clone()
}

// View returns a copy of the current state.
func (c *Coordinator) View() View {
	c.mu.Lock()
	defer c.mu.Unlock()
	v := View{MergedData: c.local.Clone(), IsConnected: c.connected}
	if c.last != nil {
		last := *c.last
		v.LastMergeResult = &last
	}
	return v
}

// OnMerge registers fn for every merge result.
func (c *Coordinator) OnMerge(fn func(merge.Result)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onMerge = append(c.onMerge, fn)
}

// OnStatus registers fn for connection changes.
func (c *Coordinator) OnStatus(fn func(connected bool)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onStatus = append(c.onStatus, fn)
}

func (c *Coordinator) setConnected(v bool) {
	c.mu.Lock()
	if c.connected == v {
		c.mu.Unlock()
		return
	}
	c.connected = v
	observers := append([]func(bool){}, c.onStatus...)
	c.mu.Unlock()
	for _, fn := range observers {
		fn(v)
	}
}
