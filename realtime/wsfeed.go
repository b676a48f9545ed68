package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"collabtext/store"
)

// WSFeed reads a record's change stream from the server's
// /ws/records/{table}/{id} endpoint and the row itself from
// /records/{table}/{id}.
type WSFeed struct {
	// BaseURL is the server root, e.g. ws://localhost:8081.
	BaseURL string
	Dialer  *websocket.Dialer
	Client  *http.Client
}

func (f *WSFeed) Get(ctx context.Context, table, id string) (store.Record, error) {
	base := strings.TrimRight(f.BaseURL, "/")
	switch {
	case strings.HasPrefix(base, "wss://"):
		base = "https://" + strings.TrimPrefix(base, "wss://")
	case strings.HasPrefix(base, "ws://"):
		base = "http://" + strings.TrimPrefix(base, "ws://")
	}
	u := base + "/records/" + url.PathEscape(table) + "/" + url.PathEscape(id)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	client := f.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("realtime: reading %s: %w", u, err)
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, fmt.Errorf("realtime: reading %s: %w", u, store.ErrNotFound)
	default:
		return nil, fmt.Errorf("realtime: reading %s: %s", u, resp.Status)
	}
	var rec store.Record
	if err := json.NewDecoder(resp.Body).Decode(&rec); err != nil {
		return nil, fmt.Errorf("realtime: decoding %s: %w", u, err)
	}
	return rec, nil
}

func (f *WSFeed) Subscribe(ctx context.Context, table, id string) (store.Subscription, error) {
	u := strings.TrimRight(f.BaseURL, "/") + "/ws/records/" + url.PathEscape(table) + "/" + url.PathEscape(id)
	dialer := f.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, _, err := dialer.DialContext(ctx, u, nil)
	if err != nil {
		return nil, fmt.Errorf("realtime: dialing %s: %w", u, err)
	}
	s := &wsSubscription{
		conn:   conn,
		events: make(chan store.Change, 16),
		done:   make(chan struct{}),
	}
	go s.read()
	return s, nil
}

type wsSubscription struct {
	conn   *websocket.Conn
	events chan store.Change
	done   chan struct{}
	once   sync.Once

	mu  sync.Mutex
	err error
}

func (s *wsSubscription) Events() <-chan store.Change { return s.events }

func (s *wsSubscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *wsSubscription) Close() {
	s.once.Do(func() {
		close(s.done)
		s.conn.Close()
	})
}

func (s *wsSubscription) read() {
	defer close(s.events)
	for {
		var ch store.Change
		if err := s.conn.ReadJSON(&ch); err != nil {
			select {
			case <-s.done:
			default:
				s.mu.Lock()
				s.err = err
				s.mu.Unlock()
				s.conn.Close()
			}
			return
		}
		select {
		case s.events <- ch:
		case <-s.done:
			return
		}
	}
}
