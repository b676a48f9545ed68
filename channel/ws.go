package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// WSTransport connects to the relay server's /ws/rooms endpoint. Each
// channel owns one websocket and redials it with exponential backoff
// for as long as the channel is subscribed.
type WSTransport struct {
	// BaseURL is the server root, e.g. ws://localhost:8081.
	BaseURL string

	// Heartbeat re-sends tracked presence so the server does not expire
	// it. Zero means 10s.
	Heartbeat time.Duration

	Dialer *websocket.Dialer
	Logger *slog.Logger
}

func (t *WSTransport) Subscribe(ctx context.Context, room string, cfg Config) (Channel, error) {
	if cfg.ClientID == "" {
		cfg.ClientID = uuid.NewString()
	}
	u, err := url.Parse(strings.TrimRight(t.BaseURL, "/") + "/ws/rooms/" + url.PathEscape(room))
	if err != nil {
		return nil, fmt.Errorf("channel: relay url: %w", err)
	}
	q := u.Query()
	q.Set("client", cfg.ClientID)
	q.Set("self", fmt.Sprint(cfg.Self))
	u.RawQuery = q.Encode()

	logger := t.Logger
	if logger == nil {
		logger = slog.Default()
	}
	dialer := t.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	heartbeat := t.Heartbeat
	if heartbeat <= 0 {
		heartbeat = 10 * time.Second
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c := &wsChannel{
		room:      room,
		cfg:       cfg,
		url:       u.String(),
		dialer:    dialer,
		heartbeat: heartbeat,
		logger:    logger.With("room", room, "client", cfg.ClientID),
		cancel:    cancel,
		status:    StatusDisconnected,
		done:      make(chan struct{}),
		peers:     make(map[string]json.RawMessage),
	}

	// The first dial is attempted inline so callers usually start
	// connected; failure is not an error, the loop keeps trying.
	if conn, err := c.dial(ctx); err == nil {
		c.attach(conn)
	} else {
		c.logger.Warn("relay unavailable, will retry", "error", err)
	}
	go c.run(runCtx)
	return c, nil
}

type wsChannel struct {
	room      string
	cfg       Config
	url       string
	dialer    *websocket.Dialer
	heartbeat time.Duration
	logger    *slog.Logger
	handlers  handlerSet
	cancel    context.CancelFunc
	done      chan struct{}

	mu      sync.Mutex
	conn    *websocket.Conn
	status  Status
	tracked json.RawMessage
	closed  bool

	writeMu sync.Mutex

	dispatchMu sync.Mutex
	peers      map[string]json.RawMessage
}

func (c *wsChannel) Name() string     { return c.room }
func (c *wsChannel) ClientID() string { return c.cfg.ClientID }

func (c *wsChannel) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// On registers h. A presence handler first receives the presence the
// channel has already seen, since the server sends its snapshot as soon
// as the socket opens.
func (c *wsChannel) On(event string, h Handler) func() {
	if event != EventPresence {
		return c.handlers.add(event, h)
	}
	c.dispatchMu.Lock()
	defer c.dispatchMu.Unlock()
	off := c.handlers.add(event, h)
	ids := make([]string, 0, len(c.peers))
	for id := range c.peers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		h(Message{Event: EventPresence, ClientID: id, Payload: c.peers[id]})
	}
	return off
}

func (c *wsChannel) Track(state any) error {
	payload, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("channel: encoding presence: %w", err)
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.tracked = payload
	c.mu.Unlock()
	return c.write(Frame{Type: FrameTrack, Room: c.room, ClientID: c.cfg.ClientID, Payload: payload})
}

func (c *wsChannel) Send(event string, payload any) error {
	if isReserved(event) {
		return fmt.Errorf("channel: %q is a reserved event", event)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("channel: encoding %s: %w", event, err)
	}
	return c.write(Frame{Type: FrameBroadcast, Room: c.room, ClientID: c.cfg.ClientID, Event: event, Payload: body})
}

func (c *wsChannel) Unsubscribe() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.mu.Unlock()

	c.cancel()
	if conn != nil {
		c.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		c.writeMu.Unlock()
		conn.Close()
	}
	<-c.done
	return nil
}

func (c *wsChannel) write(f Frame) error {
	c.mu.Lock()
	conn, closed := c.conn, c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if conn == nil {
		return ErrDisconnected
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.WriteJSON(f); err != nil {
		return fmt.Errorf("%w: %v", ErrDisconnected, err)
	}
	return nil
}

func (c *wsChannel) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
	return conn, err
}

// attach installs a fresh connection, reports the status change and
// re-publishes tracked presence.
func (c *wsChannel) attach(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.status = StatusConnected
	tracked := c.tracked
	c.mu.Unlock()

	c.logger.Info("relay connected")
	c.handlers.dispatch(statusMessage(c.cfg.ClientID, StatusConnected))
	if tracked != nil {
		if err := c.write(Frame{Type: FrameTrack, Room: c.room, ClientID: c.cfg.ClientID, Payload: tracked}); err != nil {
			c.logger.Warn("re-publishing presence failed", "error", err)
		}
	}
}

func (c *wsChannel) detach() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	wasConnected := c.status == StatusConnected
	c.status = StatusDisconnected
	closed := c.closed
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	if wasConnected && !closed {
		c.logger.Warn("relay disconnected")
		c.handlers.dispatch(statusMessage(c.cfg.ClientID, StatusDisconnected))
	}
	c.forgetPeers(closed)
}

// forgetPeers clears the presence cache. Unless the channel is closed,
// handlers see each cached peer leave; the server's snapshot on the
// next connection announces whoever is still there.
func (c *wsChannel) forgetPeers(closed bool) {
	c.dispatchMu.Lock()
	defer c.dispatchMu.Unlock()
	ids := make([]string, 0, len(c.peers))
	for id := range c.peers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	clear(c.peers)
	if closed {
		return
	}
	for _, id := range ids {
		c.handlers.dispatch(Message{Event: EventLeave, ClientID: id})
	}
}

func (c *wsChannel) run(ctx context.Context) {
	defer close(c.done)
	for {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()

		if conn == nil {
			b := backoff.NewExponentialBackOff()
			b.MaxElapsedTime = 0
			err := backoff.RetryNotify(func() error {
				var err error
				conn, err = c.dial(ctx)
				return err
			}, backoff.WithContext(b, ctx), func(err error, wait time.Duration) {
				c.logger.Debug("relay dial failed", "error", err, "retry_in", wait)
			})
			if err != nil {
				return
			}
			c.attach(conn)
		}

		c.serve(ctx, conn)
		c.detach()
		if ctx.Err() != nil {
			return
		}
	}
}

// beat re-sends the tracked presence, if any.
func (c *wsChannel) beat() {
	c.mu.Lock()
	tracked := c.tracked
	c.mu.Unlock()
	if tracked == nil {
		return
	}
	if err := c.write(Frame{Type: FrameTrack, Room: c.room, ClientID: c.cfg.ClientID, Payload: tracked}); err != nil {
		c.logger.Debug("heartbeat failed", "error", err)
	}
}

// serve reads frames until the connection fails, sending heartbeats
// in the background.
func (c *wsChannel) serve(ctx context.Context, conn *websocket.Conn) {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(c.heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.beat()
			case <-stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		_, buf, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug("relay read failed", "error", err)
			}
			return
		}
		f, err := DecodeFrame(buf)
		if err != nil {
			c.logger.Debug("dropping relay frame", "error", err)
			continue
		}
		c.dispatchMu.Lock()
		switch f.Type {
		case FramePresence:
			c.peers[f.ClientID] = f.Payload
		case FrameLeave:
			delete(c.peers, f.ClientID)
		}
		c.handlers.dispatch(f.Message())
		c.dispatchMu.Unlock()
	}
}
