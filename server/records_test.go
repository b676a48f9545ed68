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

	"collabtext/clock"
	"collabtext/store"
)

func newRecordsServer(t *testing.T) (*httptest.Server, *store.Memory) {
	t.Helper()
	m := store.NewMemory(clock.Fake(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)))
	api := &recordsAPI{store: m, logger: slog.Default()}
	srv := httptest.NewServer(newRouter(newRelay(nil, time.Minute, slog.Default()), api))
	t.Cleanup(srv.Close)
	return srv, m
}

func do(t *testing.T, method, url, body string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func TestRecordsGetPut(t *testing.T) {
	srv, _ := newRecordsServer(t)

	resp, body := do(t, http.MethodGet, srv.URL+"/records/scripts/s1", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Contains(t, body["error"], "not found")

	resp, body = do(t, http.MethodPut, srv.URL+"/records/scripts/s1", `{"title":"Murder at the Manor"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "s1", body["id"])
	assert.Equal(t, "2026-03-01T00:00:00Z", body[store.UpdatedAtField])

	resp, body = do(t, http.MethodGet, srv.URL+"/records/scripts/s1", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Murder at the Manor", body["title"])

	resp, _ = do(t, http.MethodPut, srv.URL+"/records/scripts/s1", `["not","an","object"]`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = do(t, http.MethodGet, srv.URL+"/records/users/u1", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRecordsImportExport(t *testing.T) {
	srv, m := newRecordsServer(t)

	resp, body := do(t, http.MethodPost, srv.URL+"/records/npcs/import", `[{"id":"n1","name":"Butler"},{"id":"n2","name":"Maid"}]`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 2.0, body["imported"])

	resp, body = do(t, http.MethodPost, srv.URL+"/records/npcs/import", `[{"id":"n3"},{"name":"no id"}]`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "record 2 has no id", body["error"])
	_, err := m.Get(testContext(t), store.TableNPCs, "n3")
	assert.ErrorIs(t, err, store.ErrNotFound, "failed import leaves no partial records")

	resp, err = http.Get(srv.URL + "/records/npcs/export")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Disposition"), `filename="npcs.json"`)
	var doc store.Export
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&doc))
	assert.Equal(t, "npcs", doc.Table)
	require.Len(t, doc.Records, 2)
	assert.Equal(t, "n1", doc.Records[0]["id"])
}

func TestRecordStream(t *testing.T) {
	srv, m := newRecordsServer(t)
	_, err := m.Put(testContext(t), store.TableClues, "c1", store.Record{"text": "torn letter"})
	require.NoError(t, err)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/records/clues/c1"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return m.Subscribers() == 1 }, 5*time.Second, 10*time.Millisecond)
	_, err = m.Put(testContext(t), store.TableClues, "c2", store.Record{"text": "other"})
	require.NoError(t, err)
	_, err = m.Put(testContext(t), store.TableClues, "c1", store.Record{"text": "burnt letter"})
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var ch store.Change
	require.NoError(t, conn.ReadJSON(&ch))
	assert.Equal(t, store.ChangeUpdate, ch.Type)
	assert.Equal(t, "c1", ch.ID)
	assert.Equal(t, "burnt letter", ch.Record["text"])

	m.Interrupt(nil)
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseTryAgainLater))
}

func TestRecordStreamUnknownTable(t *testing.T) {
	srv, _ := newRecordsServer(t)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/records/users/u1"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

// testContext stands in for testing.T.Context (Go 1.24+): a context
// cancelled when the test finishes.
func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return ctx
}
