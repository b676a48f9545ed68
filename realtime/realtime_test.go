package realtime

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabtext/clock"
	"collabtext/merge"
	"collabtext/store"
)

func update(id string, rec store.Record) store.Change {
	return store.Change{Type: store.ChangeUpdate, Table: store.TableScripts, ID: id, Record: rec}
}

func TestHandleChangeMergesIntoLocal(t *testing.T) {
	c := New(store.NewMemory(nil), store.TableScripts, "s1", merge.Snapshot{"title": "A", "summary": "B"})
	c.SetLocal(merge.Snapshot{"title": "A2", "summary": "B"})

	var got []merge.Result
	c.OnMerge(func(r merge.Result) { got = append(got, r) })

	c.HandleChange(update("s1", store.Record{"title": "A", "summary": "B2"}))
	require.Len(t, got, 1)
	assert.Equal(t, []string{"summary"}, got[0].UpdatedFields)
	assert.Empty(t, got[0].Conflicts)

	v := c.View()
	assert.Equal(t, merge.Snapshot{"title": "A2", "summary": "B2"}, v.MergedData)
	require.NotNil(t, v.LastMergeResult)
	assert.True(t, v.LastMergeResult.HasRemoteChanges)

	// The remote row is now the base: the same row again changes nothing.
	c.HandleChange(update("s1", store.Record{"title": "A", "summary": "B2"}))
	require.Len(t, got, 2)
	assert.False(t, got[1].HasRemoteChanges)
	assert.Equal(t, merge.Snapshot{"title": "A2", "summary": "B2"}, c.View().MergedData)
}

func TestHandleChangeConflictRemoteWins(t *testing.T) {
	c := New(store.NewMemory(nil), store.TableScripts, "s1", merge.Snapshot{"title": "A"})
	c.SetLocal(merge.Snapshot{"title": "A2"})
	c.HandleChange(update("s1", store.Record{"title": "A3"}))

	v := c.View()
	assert.Equal(t, "A3", v.MergedData["title"])
	assert.Equal(t, []string{"title"}, v.LastMergeResult.Conflicts)
	assert.Equal(t, merge.LevelWarning, merge.Notice(*v.LastMergeResult).Level)
}

func TestHandleChangeIgnoresOtherEvents(t *testing.T) {
	c := New(store.NewMemory(nil), store.TableScripts, "s1", merge.Snapshot{"title": "A"})
	calls := 0
	c.OnMerge(func(merge.Result) { calls++ })

	c.HandleChange(update("s2", store.Record{"title": "X"}))
	c.HandleChange(store.Change{Type: store.ChangeInsert, Table: store.TableScripts, ID: "s1", Record: store.Record{"title": "X"}})
	c.HandleChange(store.Change{Type: store.ChangeUpdate, Table: store.TableNPCs, ID: "s1", Record: store.Record{"title": "X"}})
	assert.Zero(t, calls)
	assert.Nil(t, c.View().LastMergeResult)
}

func TestSavedEchoIsQuiet(t *testing.T) {
	c := New(store.NewMemory(nil), store.TableScripts, "s1", merge.Snapshot{"id": "s1", "title": "A", store.UpdatedAtField: "t1"})
	saved := merge.Snapshot{"id": "s1", "title": "A2", store.UpdatedAtField: "t1"}
	c.SetLocal(saved)
	c.Saved(saved)

	c.HandleChange(update("s1", store.Record{"id": "s1", "title": "A2", store.UpdatedAtField: "t2"}))
	v := c.View()
	assert.False(t, v.LastMergeResult.HasRemoteChanges)
	assert.Equal(t, "t2", v.MergedData[store.UpdatedAtField])
}

func TestViewIsACopy(t *testing.T) {
	c := New(store.NewMemory(nil), store.TableScripts, "s1", merge.Snapshot{"title": "A"})
	v := c.View()
	v.MergedData["title"] = "mutated"
	assert.Equal(t, "A", c.View().MergedData["title"])
}

func TestRunFollowsFeedAndResubscribes(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := store.NewMemory(clock.Fake(time.Unix(0, 0)))
	base, err := m.Put(ctx, store.TableScripts, "s1", store.Record{"title": "A", "summary": "B"})
	require.NoError(t, err)

	c := New(m, store.TableScripts, "s1", base, WithBackOff(func() backoff.BackOff { return &backoff.ZeroBackOff{} }))
	status := make(chan bool, 16)
	merged := make(chan merge.Result, 16)
	c.OnStatus(func(v bool) { status <- v })
	c.OnMerge(func(r merge.Result) { merged <- r })

	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	require.True(t, recv(t, status))
	c.SetLocal(merge.Snapshot{"id": "s1", "title": "mine", "summary": "B", store.UpdatedAtField: base[store.UpdatedAtField]})

	_, err = m.Put(ctx, store.TableScripts, "s1", store.Record{"title": "A", "summary": "theirs"})
	require.NoError(t, err)
	res := recv(t, merged)
	assert.Equal(t, []string{"summary"}, res.UpdatedFields)
	assert.Equal(t, "mine", res.Merged["title"])

	m.Interrupt(errors.New("connection reset"))
	assert.False(t, recv(t, status))
	assert.True(t, recv(t, status))
	assert.True(t, c.View().IsConnected)

	_, err = m.Put(ctx, store.TableScripts, "s1", store.Record{"title": "A", "summary": "again"})
	require.NoError(t, err)
	res = recv(t, merged)
	assert.Equal(t, "again", res.Merged["summary"])
	assert.Equal(t, "mine", res.Merged["title"])

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.False(t, c.View().IsConnected)
}

// gatedBackOff holds each retry until the test releases it.
type gatedBackOff struct{ gate chan struct{} }

func (g *gatedBackOff) NextBackOff() time.Duration {
	<-g.gate
	return 0
}

func (g *gatedBackOff) Reset() {}

func TestRunRereadsRecordAfterFeedGap(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := store.NewMemory(clock.Fake(time.Unix(0, 0)))
	base, err := m.Put(ctx, store.TableScripts, "s1", store.Record{"title": "A", "summary": "B"})
	require.NoError(t, err)

	gate := &gatedBackOff{gate: make(chan struct{}, 1)}
	c := New(m, store.TableScripts, "s1", base, WithBackOff(func() backoff.BackOff { return gate }))
	status := make(chan bool, 16)
	merged := make(chan merge.Result, 16)
	c.OnStatus(func(v bool) { status <- v })
	c.OnMerge(func(r merge.Result) { merged <- r })

	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	require.True(t, recv(t, status))
	local := merge.Snapshot(base).Clone()
	local["title"] = "mine"
	c.SetLocal(local)

	m.Interrupt(errors.New("connection reset"))
	require.False(t, recv(t, status))
	_, err = m.Put(ctx, store.TableScripts, "s1", store.Record{"title": "A", "summary": "written during gap"})
	require.NoError(t, err)
	gate.gate <- struct{}{}

	res := recv(t, merged)
	assert.Equal(t, []string{"summary"}, res.UpdatedFields)
	assert.Empty(t, res.Conflicts)
	assert.True(t, recv(t, status))

	v := c.View()
	assert.True(t, v.IsConnected)
	assert.Equal(t, "written during gap", v.MergedData["summary"])
	assert.Equal(t, "mine", v.MergedData["title"])

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func recv[T any](t *testing.T, ch chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
		var zero T
		return zero
	}
}
