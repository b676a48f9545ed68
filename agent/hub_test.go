package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUIHubRoutesMessagesAndBroadcasts(t *testing.T) {
	received := make(chan string, 4)
	var hub *uiHub
	hub = newUIHub(func(msg []byte) error {
		var m uiMessage
		if err := json.Unmarshal(msg, &m); err != nil {
			return err
		}
		received <- m.Type
		hub.publish(uiEvent{Type: eventTextView, Room: m.Room})
		return nil
	}, slog.Default())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		serveWs(hub, w, r)
	}))
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	tab1, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer tab1.Close()
	send := func(tab *websocket.Conn, room string) {
		t.Helper()
		require.NoError(t, tab.WriteJSON(uiMessage{Type: msgTextBlur, Room: room}))
		select {
		case typ := <-received:
			assert.Equal(t, msgTextBlur, typ)
		case <-time.After(5 * time.Second):
			t.Fatal("message not routed")
		}
	}
	expect := func(tab *websocket.Conn, room string) {
		t.Helper()
		tab.SetReadDeadline(time.Now().Add(5 * time.Second))
		var e uiEvent
		require.NoError(t, tab.ReadJSON(&e))
		assert.Equal(t, eventTextView, e.Type)
		assert.Equal(t, room, e.Room)
	}

	// A tab is registered before its first message is read.
	send(tab1, "text:s1:summary")
	expect(tab1, "text:s1:summary")

	tab2, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer tab2.Close()
	send(tab2, "text:s1:notes")
	expect(tab1, "text:s1:notes")
	expect(tab2, "text:s1:notes")

	require.NoError(t, tab1.WriteMessage(websocket.TextMessage, []byte(`not json`)))
	tab1.SetReadDeadline(time.Now().Add(5 * time.Second))
	var e uiEvent
	require.NoError(t, tab1.ReadJSON(&e))
	assert.Equal(t, eventError, e.Type)
}
