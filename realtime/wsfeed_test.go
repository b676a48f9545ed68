package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabtext/merge"
	"collabtext/store"
)

// changeServer serves current as the record and streams changes to
// every subscriber, then closes the socket as a failing feed would.
func changeServer(t *testing.T, current store.Record, changes ...store.Change) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/records/") {
			if current == nil || r.URL.Path != "/records/scripts/s1" {
				http.NotFound(w, r)
				return
			}
			json.NewEncoder(w).Encode(current)
			return
		}
		assert.Equal(t, "/ws/records/scripts/s1", r.URL.Path)
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for _, ch := range changes {
			if err := conn.WriteJSON(ch); err != nil {
				return
			}
		}
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "feed interrupted"))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string { return "ws" + strings.TrimPrefix(srv.URL, "http") }

func TestWSFeedDeliversThenReportsFailure(t *testing.T) {
	srv := changeServer(t, nil, update("s1", store.Record{"title": "B"}))
	feed := &WSFeed{BaseURL: wsURL(srv)}

	sub, err := feed.Subscribe(context.Background(), store.TableScripts, "s1")
	require.NoError(t, err)
	defer sub.Close()

	select {
	case ch := <-sub.Events():
		assert.Equal(t, "B", ch.Record["title"])
	case <-time.After(5 * time.Second):
		t.Fatal("no change delivered")
	}

	select {
	case _, ok := <-sub.Events():
		assert.False(t, ok)
	case <-time.After(5 * time.Second):
		t.Fatal("feed did not end")
	}
	assert.True(t, websocket.IsCloseError(sub.Err(), websocket.CloseTryAgainLater))
}

func TestWSFeedCloseIsClean(t *testing.T) {
	block := make(chan struct{})
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		<-block
	}))
	defer srv.Close()
	defer close(block)

	sub, err := (&WSFeed{BaseURL: wsURL(srv)}).Subscribe(context.Background(), store.TableScripts, "s1")
	require.NoError(t, err)
	sub.Close()
	sub.Close()
	for range sub.Events() {
	}
	assert.NoError(t, sub.Err())
}

func TestCoordinatorOverWSFeed(t *testing.T) {
	srv := changeServer(t, store.Record{"title": "A", "summary": "B"},
		update("s1", store.Record{"title": "A", "summary": "theirs"}))
	c := New(&WSFeed{BaseURL: wsURL(srv)}, store.TableScripts, "s1", merge.Snapshot{"title": "A", "summary": "B"})
	c.SetLocal(merge.Snapshot{"title": "mine", "summary": "B"})

	merged := make(chan merge.Result, 4)
	c.OnMerge(func(r merge.Result) { merged <- r })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	res := recv(t, merged)
	assert.Equal(t, merge.Snapshot{"title": "mine", "summary": "theirs"}, res.Merged)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
}

func TestWSFeedGet(t *testing.T) {
	srv := changeServer(t, store.Record{"id": "s1", "title": "A"})
	feed := &WSFeed{BaseURL: wsURL(srv)}

	rec, err := feed.Get(context.Background(), store.TableScripts, "s1")
	require.NoError(t, err)
	assert.Equal(t, store.Record{"id": "s1", "title": "A"}, rec)

	_, err = feed.Get(context.Background(), store.TableScripts, "s2")
	assert.ErrorIs(t, err, store.ErrNotFound)
}
