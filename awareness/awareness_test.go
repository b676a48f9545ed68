package awareness

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabtext/channel"
	"collabtext/clock"
)

var epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func join(t *testing.T, h *channel.Hub, id string, c clock.Clock) *Broadcaster {
	t.Helper()
	ch, err := h.Subscribe(context.Background(), "text:doc-1:summary", channel.Config{ClientID: id})
	require.NoError(t, err)
	t.Cleanup(func() { ch.Unsubscribe() })
	return New(ch, State{UserID: "user-" + id, UserName: id}, WithClock(c))
}

// watcher records the raw presence a plain subscriber receives.
func watcher(t *testing.T, h *channel.Hub) *[]State {
	t.Helper()
	ch, err := h.Subscribe(context.Background(), "text:doc-1:summary", channel.Config{ClientID: "zz-watcher"})
	require.NoError(t, err)
	t.Cleanup(func() { ch.Unsubscribe() })
	var got []State
	ch.On(channel.EventPresence, func(m channel.Message) {
		var s State
		if m.Decode(&s) == nil {
			got = append(got, s)
		}
	})
	return &got
}

func TestSetStateOverwrites(t *testing.T) {
	h := channel.NewHub()
	fc := clock.Fake(epoch)
	a := join(t, h, "a", fc)
	b := join(t, h, "b", fc)

	require.NoError(t, a.SetState(State{UserID: "user-a", UserName: "Ann", IsEditing: true, Cursor: &Cursor{Index: 3}}))
	peers := b.Peers()
	require.Len(t, peers, 1)
	assert.True(t, peers[0].IsEditing)
	assert.Equal(t, "a", peers[0].ClientID)

	require.NoError(t, a.SetState(State{UserID: "user-a", UserName: "Ann"}))
	peers = b.Peers()
	require.Len(t, peers, 1)
	assert.False(t, peers[0].IsEditing)
	assert.Nil(t, peers[0].Cursor)
	assert.Equal(t, "Ann", peers[0].UserName)
}

func TestUpdateKeepsOtherFields(t *testing.T) {
	h := channel.NewHub()
	a := join(t, h, "a", clock.Fake(epoch))
	require.NoError(t, a.SetState(State{UserID: "user-a", UserName: "Ann", Color: "#000"}))
	require.NoError(t, a.Update(func(s *State) { s.IsEditing = true }))
	assert.Equal(t, State{ClientID: "a", UserID: "user-a", UserName: "Ann", Color: "#000", IsEditing: true}, a.Self())
}

func TestPeersOrderAndLeave(t *testing.T) {
	h := channel.NewHub()
	fc := clock.Fake(epoch)
	a := join(t, h, "a", fc)
	c := join(t, h, "c", fc)
	b := join(t, h, "b", fc)

	require.NoError(t, c.SetState(State{UserName: "C"}))
	require.NoError(t, b.SetState(State{UserName: "B"}))

	var ids []string
	for _, s := range a.States() {
		ids = append(ids, s.ClientID)
	}
	assert.Equal(t, []string{"a", "c", "b"}, ids)

	changes := 0
	a.OnChange(func([]State) { changes++ })
	h.Drop("text:doc-1:summary", "c")
	assert.Equal(t, 1, changes)
	require.Len(t, a.Peers(), 1)
	assert.Equal(t, "b", a.Peers()[0].ClientID)
}

func TestCursorThrottle(t *testing.T) {
	h := channel.NewHub()
	fc := clock.Fake(epoch)
	seen := watcher(t, h)
	a := join(t, h, "a", fc)

	require.NoError(t, a.SetCursor(&Cursor{Index: 1}))
	fc.Advance(10 * time.Millisecond)
	require.NoError(t, a.SetCursor(&Cursor{Index: 2}))
	fc.Advance(10 * time.Millisecond)
	require.NoError(t, a.SetCursor(&Cursor{Index: 3}))
	require.Len(t, *seen, 1, "positions inside the window are held")

	fc.Advance(80 * time.Millisecond)
	require.Len(t, *seen, 2)
	assert.Equal(t, 1, (*seen)[0].Cursor.Index)
	assert.Equal(t, 3, (*seen)[1].Cursor.Index, "last value wins, intermediate dropped")

	fc.Advance(50 * time.Millisecond)
	require.NoError(t, a.SetCursor(&Cursor{Index: 4}))
	assert.Len(t, *seen, 2)
	fc.Advance(49 * time.Millisecond)
	assert.Len(t, *seen, 2)
	fc.Advance(time.Millisecond)
	require.Len(t, *seen, 3)
	assert.Equal(t, 4, (*seen)[2].Cursor.Index)
}

func TestClearCursorIsImmediate(t *testing.T) {
	h := channel.NewHub()
	fc := clock.Fake(epoch)
	seen := watcher(t, h)
	a := join(t, h, "a", fc)

	require.NoError(t, a.SetCursor(&Cursor{Index: 1}))
	require.NoError(t, a.SetCursor(&Cursor{Index: 2}))
	require.NoError(t, a.SetCursor(nil))
	require.Len(t, *seen, 2)
	assert.Nil(t, (*seen)[1].Cursor)

	fc.Advance(time.Second)
	assert.Len(t, *seen, 2, "pending cursor discarded by blur")
	assert.Nil(t, a.Self().Cursor)
}

func TestInvalidPresenceDropped(t *testing.T) {
	h := channel.NewHub()
	a := join(t, h, "a", clock.Fake(epoch))

	raw, err := h.Subscribe(context.Background(), "text:doc-1:summary", channel.Config{ClientID: "bad"})
	require.NoError(t, err)
	defer raw.Unsubscribe()

	require.NoError(t, raw.Track("not a state object"))
	assert.Empty(t, a.Peers())

	require.NoError(t, raw.Track(map[string]any{"userName": "Bea", "isEditing": true, "clientId": "spoofed"}))
	require.Len(t, a.Peers(), 1)
	assert.Equal(t, "bad", a.Peers()[0].ClientID, "sender id comes from the transport")
}

func TestSelfEchoNotifies(t *testing.T) {
	h := channel.NewHub()
	ch, err := h.Subscribe(context.Background(), "r", channel.Config{ClientID: "a", Self: true})
	require.NoError(t, err)
	a := New(ch, State{UserName: "Ann"}, WithClock(clock.Fake(epoch)))

	var calls int
	a.OnChange(func(states []State) {
		calls++
		assert.Len(t, states, 1)
	})
	require.NoError(t, a.SetState(State{UserName: "Ann", IsEditing: true}))
	assert.Equal(t, 2, calls, "local publish and transport echo")
}

func TestColorForIsStable(t *testing.T) {
	assert.Equal(t, ColorFor("u1"), ColorFor("u1"))
	assert.Contains(t, palette, ColorFor("someone"))
}
