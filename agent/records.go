package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"collabtext/merge"
)

// recordClient talks to the server's record endpoints.
type recordClient struct {
	base string
	http *http.Client
}

func newRecordClient(relayURL string) *recordClient {
	base := strings.TrimRight(relayURL, "/")
	switch {
	case strings.HasPrefix(base, "wss://"):
		base = "https://" + strings.TrimPrefix(base, "wss://")
	case strings.HasPrefix(base, "ws://"):
		base = "http://" + strings.TrimPrefix(base, "ws://")
	}
	return &recordClient{base: base, http: &http.Client{Timeout: 10 * time.Second}}
}

func (c *recordClient) url(table, id string) string {
	return c.base + "/records/" + url.PathEscape(table) + "/" + url.PathEscape(id)
}

func (c *recordClient) get(ctx context.Context, table, id string) (merge.Snapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url(table, id), nil)
	if err != nil {
		return nil, err
	}
	return c.do(req)
}

func (c *recordClient) put(ctx context.Context, table, id string, rec merge.Snapshot) (merge.Snapshot, error) {
	body, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.url(table, id), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req)
}

func (c *recordClient) do(req *http.Request) (merge.Snapshot, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		var e struct {
			Error string `json:"error"`
		}
		json.NewDecoder(resp.Body).Decode(&e)
		return nil, fmt.Errorf("%s %s: %s: %s", req.Method, req.URL.Path, resp.Status, e.Error)
	}
	var rec merge.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&rec); err != nil {
		return nil, fmt.Errorf("%s %s: decoding record: %w", req.Method, req.URL.Path, err)
	}
	return rec, nil
}
