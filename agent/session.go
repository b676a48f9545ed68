package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"collabtext/awareness"
	"collabtext/channel"
	"collabtext/clock"
	"collabtext/config"
	"collabtext/crdt"
	"collabtext/fieldlock"
	"collabtext/merge"
	"collabtext/realtime"
	"collabtext/textfield"
)

// recordStore is the part of the server's record API a session uses.
type recordStore interface {
	get(ctx context.Context, table, id string) (merge.Snapshot, error)
	put(ctx context.Context, table, id string, rec merge.Snapshot) (merge.Snapshot, error)
}

// sessions owns every field and record the editor has open. Each one
// gets its own channel; nothing is shared between rooms.
type sessions struct {
	ctx       context.Context
	transport channel.Transport
	feed      realtime.Feed
	api       recordStore
	persist   *persister
	timing    config.CollabConfig
	clock     clock.Clock
	self      awareness.State
	emit      func(any)
	logger    *slog.Logger

	mu      sync.Mutex
	texts   map[string]*textSession
	locks   map[string]*lockSession
	records map[string]*recordSession
}

type textSession struct {
	ch      channel.Channel
	aw      *awareness.Broadcaster
	binding *textfield.Binding
	stop    func()
}

type lockSession struct {
	ch     channel.Channel
	aw     *awareness.Broadcaster
	field  *fieldlock.Field
	inside atomic.Bool
}

type recordSession struct {
	coord  *realtime.Coordinator
	cancel context.CancelFunc
	done   chan struct{}
}

func newSessions(ctx context.Context, transport channel.Transport, feed realtime.Feed, api recordStore,
	persist *persister, timing config.CollabConfig, self awareness.State, emit func(any), logger *slog.Logger) *sessions {
	return &sessions{
		ctx:       ctx,
		transport: transport,
		feed:      feed,
		api:       api,
		persist:   persist,
		timing:    timing,
		clock:     clock.Real(),
		self:      self,
		emit:      emit,
		logger:    logger,
		texts:     make(map[string]*textSession),
		locks:     make(map[string]*lockSession),
		records:   make(map[string]*recordSession),
	}
}

func recordKey(table, id string) string { return table + "/" + id }

// handle decodes and applies one editor message.
func (s *sessions) handle(raw []byte) error {
	var m uiMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return fmt.Errorf("%w: %v", channel.ErrInvalidPayload, err)
	}
	switch m.Type {
	case msgOpenText:
		return s.openText(m.Doc, m.Field)
	case msgTextChange:
		t, err := s.text(m.Room)
		if err != nil {
			return err
		}
		return t.binding.OnChange(m.Text)
	case msgCursor:
		t, err := s.text(m.Room)
		if err != nil {
			return err
		}
		return t.binding.SetCursor(m.Index, m.Length)
	case msgTextBlur:
		t, err := s.text(m.Room)
		if err != nil {
			return err
		}
		return t.binding.Blur()

	case msgOpenSelect:
		return s.openSelect(m.Doc, m.Field, m.Values, m.Multi)
	case msgFocus:
		l, err := s.lock(m.Room)
		if err != nil {
			return err
		}
		l.inside.Store(true)
		return ignoreDenied(l.field.Focus())
	case msgSelectChange:
		l, err := s.lock(m.Room)
		if err != nil {
			return err
		}
		return ignoreDenied(l.field.Change(m.Values))
	case msgSelectBlur:
		l, err := s.lock(m.Room)
		if err != nil {
			return err
		}
		l.inside.Store(m.Inside)
		l.field.Blur(l.inside.Load)
		return nil

	case msgOpenRecord:
		return s.openRecord(m.Table, m.ID)
	case msgRecordEdit:
		r, err := s.record(m.Table, m.ID)
		if err != nil {
			return err
		}
		r.coord.SetLocal(m.Data)
		return nil
	case msgRecordSave:
		return s.saveRecord(m.Table, m.ID, m.Data)

	case msgClose:
		s.close(m.Room, m.Table, m.ID)
		return nil
	default:
		return fmt.Errorf("%w: unknown message type %q", channel.ErrInvalidPayload, m.Type)
	}
}

// ignoreDenied turns a denied lock into a no-op; the lock view already
// tells the UI to disable the control.
func ignoreDenied(err error) error {
	if errors.Is(err, fieldlock.ErrLockDenied) || errors.Is(err, channel.ErrDisconnected) {
		return nil
	}
	return err
}

func (s *sessions) subscribe(room string) (channel.Channel, *awareness.Broadcaster, error) {
	ch, err := s.transport.Subscribe(s.ctx, room, channel.Config{ClientID: uuid.NewString()})
	if err != nil {
		return nil, nil, fmt.Errorf("joining %s: %w", room, err)
	}
	aw := awareness.New(ch, s.self,
		awareness.WithClock(s.clock),
		awareness.WithLogger(s.logger),
		awareness.WithCursorInterval(s.timing.CursorInterval),
	)
	return ch, aw, nil
}

func (s *sessions) openText(doc, field string) error {
	room := channel.RoomName("text", doc, field)
	s.mu.Lock()
	if t, ok := s.texts[room]; ok {
		s.mu.Unlock()
		s.emit(uiEvent{Type: eventTextView, Room: room, View: t.binding.View()})
		return nil
	}
	s.mu.Unlock()

	ch, aw, err := s.subscribe(room)
	if err != nil {
		return err
	}
	d := crdt.NewDoc(ch.ClientID(), crdt.WithLogger(s.logger))
	if u, ok, err := s.persist.load(room); err != nil {
		s.logger.Warn("stored text unreadable", "room", room, "error", err)
	} else if ok {
		if err := d.ApplyUpdate(u); err != nil {
			s.logger.Warn("stored text rejected", "room", room, "error", err)
		}
	}

	b := textfield.New(ch, aw, d, s.logger)
	stopSave := d.Observe(func(crdt.Event) {
		if err := s.persist.save(room, d.State()); err != nil {
			s.logger.Warn("saving text failed", "room", room, "error", err)
		}
	})
	stopView := b.Subscribe(func(v textfield.View) {
		s.emit(uiEvent{Type: eventTextView, Room: room, View: v})
	})
	t := &textSession{ch: ch, aw: aw, binding: b, stop: func() { stopSave(); stopView() }}

	s.mu.Lock()
	s.texts[room] = t
	s.mu.Unlock()

	if err := aw.SetState(s.self); err != nil && !errors.Is(err, channel.ErrDisconnected) {
		return err
	}
	b.Start()
	s.emit(uiEvent{Type: eventTextView, Room: room, View: b.View()})
	return nil
}

func (s *sessions) openSelect(doc, field string, initial []string, multi bool) error {
	room := channel.RoomName("select", doc, field)
	s.mu.Lock()
	if l, ok := s.locks[room]; ok {
		s.mu.Unlock()
		s.emit(uiEvent{Type: eventLockView, Room: room, View: l.field.View()})
		return nil
	}
	s.mu.Unlock()

	ch, aw, err := s.subscribe(room)
	if err != nil {
		return err
	}
	f := fieldlock.New(ch, aw, initial, fieldlock.Options{
		Multi:    multi,
		Debounce: s.timing.LockDebounce,
		Settle:   s.timing.BlurSettle,
		Clock:    s.clock,
		Logger:   s.logger,
	})
	f.OnChange(func(v fieldlock.View) {
		s.emit(uiEvent{Type: eventLockView, Room: room, View: v})
	})
	l := &lockSession{ch: ch, aw: aw, field: f}

	s.mu.Lock()
	s.locks[room] = l
	s.mu.Unlock()

	if err := aw.SetState(s.self); err != nil && !errors.Is(err, channel.ErrDisconnected) {
		return err
	}
	s.emit(uiEvent{Type: eventLockView, Room: room, View: f.View()})
	return nil
}

func (s *sessions) openRecord(table, id string) error {
	key := recordKey(table, id)
	s.mu.Lock()
	if r, ok := s.records[key]; ok {
		s.mu.Unlock()
		s.emit(uiEvent{Type: eventRecordView, Room: key, View: r.coord.View()})
		return nil
	}
	s.mu.Unlock()

	base, err := s.api.get(s.ctx, table, id)
	if err != nil {
		return err
	}
	c := realtime.New(s.feed, table, id, base, realtime.WithLogger(s.logger))
	c.OnMerge(func(res merge.Result) {
		s.emit(uiEvent{Type: eventRecordView, Room: key, View: c.View()})
		if n := merge.Notice(res); n.Level != merge.LevelNone {
			s.emit(uiEvent{Type: eventNotice, Room: key, Level: n.Level.String(), Message: n.Message})
		}
	})
	c.OnStatus(func(bool) {
		s.emit(uiEvent{Type: eventRecordView, Room: key, View: c.View()})
	})

	ctx, cancel := context.WithCancel(s.ctx)
	r := &recordSession{coord: c, cancel: cancel, done: make(chan struct{})}
	s.mu.Lock()
	s.records[key] = r
	s.mu.Unlock()

	go func() {
		defer close(r.done)
		if err := c.Run(ctx); err != nil {
			s.logger.Warn("record sync stopped", "record", key, "error", err)
		}
	}()
	s.emit(uiEvent{Type: eventRecordView, Room: key, View: c.View()})
	return nil
}

func (s *sessions) saveRecord(table, id string, data map[string]any) error {
	r, err := s.record(table, id)
	if err != nil {
		return err
	}
	// The feed may echo this write before put returns.
	r.coord.Saved(data)
	stored, err := s.api.put(s.ctx, table, id, data)
	if err != nil {
		return err
	}
	r.coord.Saved(stored)
	s.emit(uiEvent{Type: eventRecordView, Room: recordKey(table, id), View: r.coord.View()})
	return nil
}

func (s *sessions) text(room string) (*textSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.texts[room]
	if !ok {
		return nil, fmt.Errorf("text field %q is not open", room)
	}
	return t, nil
}

func (s *sessions) lock(room string) (*lockSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[room]
	if !ok {
		return nil, fmt.Errorf("select field %q is not open", room)
	}
	return l, nil
}

func (s *sessions) record(table, id string) (*recordSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[recordKey(table, id)]
	if !ok {
		return nil, fmt.Errorf("record %s is not open", recordKey(table, id))
	}
	return r, nil
}

// close tears down whatever is open under room or table/id. Peers see
// the presence disappear through the transport.
func (s *sessions) close(room, table, id string) {
	s.mu.Lock()
	t := s.texts[room]
	delete(s.texts, room)
	l := s.locks[room]
	delete(s.locks, room)
	var r *recordSession
	if table != "" {
		r = s.records[recordKey(table, id)]
		delete(s.records, recordKey(table, id))
	}
	s.mu.Unlock()

	if t != nil {
		t.stop()
		t.binding.Close()
		t.aw.Close()
		t.ch.Unsubscribe()
	}
	if l != nil {
		l.field.Close()
		l.aw.Close()
		l.ch.Unsubscribe()
	}
	if r != nil {
		r.cancel()
		<-r.done
	}
}

// closeAll ends every session.
func (s *sessions) closeAll() {
	s.mu.Lock()
	var rooms []string
	for room := range s.texts {
		rooms = append(rooms, room)
	}
	for room := range s.locks {
		rooms = append(rooms, room)
	}
	var recs []*recordSession
	for key, r := range s.records {
		recs = append(recs, r)
		delete(s.records, key)
	}
	s.mu.Unlock()

	for _, room := range rooms {
		s.close(room, "", "")
	}
	for _, r := range recs {
		r.cancel()
		<-r.done
	}
}
