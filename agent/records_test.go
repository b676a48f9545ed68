package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabtext/merge"
)

func TestNewRecordClientURL(t *testing.T) {
	assert.Equal(t, "http://relay:8081", newRecordClient("ws://relay:8081/").base)
	assert.Equal(t, "https://relay", newRecordClient("wss://relay").base)
	assert.Equal(t, "http://relay:8081/records/npcs/a%2Fb", newRecordClient("ws://relay:8081").url("npcs", "a/b"))
}

func TestRecordClient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/records/scripts/s1":
			json.NewEncoder(w).Encode(map[string]any{"id": "s1", "title": "A"})
		case r.Method == http.MethodPut && r.URL.Path == "/records/scripts/s1":
			var rec map[string]any
			json.NewDecoder(r.Body).Decode(&rec)
			rec["id"] = "s1"
			json.NewEncoder(w).Encode(rec)
		default:
			w.WriteHeader(http.StatusNotFound)
			json.NewEncoder(w).Encode(map[string]string{"error": "store: record not found"})
		}
	}))
	defer srv.Close()
	c := newRecordClient(srv.URL)

	rec, err := c.get(testContext(t), "scripts", "s1")
	require.NoError(t, err)
	assert.Equal(t, merge.Snapshot{"id": "s1", "title": "A"}, rec)

	rec, err = c.put(testContext(t), "scripts", "s1", merge.Snapshot{"title": "B"})
	require.NoError(t, err)
	assert.Equal(t, "B", rec["title"])

	_, err = c.get(testContext(t), "scripts", "missing")
	assert.ErrorContains(t, err, "record not found")
}

// testContext stands in for testing.T.Context (Go 1.24+): a context
// cancelled when the test finishes.
func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return ctx
}
