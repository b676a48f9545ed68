package store

import "sync"

const feedBuffer = 64

// feed fans changes out to subscriptions. A subscriber whose buffer is
// full is dropped with ErrFeedOverflow rather than blocking writers.
type feed struct {
	mu   sync.Mutex
	subs map[*sub]struct{}
}

func (f *feed) subscribe(table, id string) *sub {
	s := &sub{f: f, table: table, id: id, events: make(chan Change, feedBuffer)}
	f.mu.Lock()
	if f.subs == nil {
		f.subs = make(map[*sub]struct{})
	}
	f.subs[s] = struct{}{}
	f.mu.Unlock()
	return s
}

func (f *feed) publish(changes []Change) {
	f.mu.Lock()
	var overflowed []*sub
	for s := range f.subs {
		for _, c := range changes {
			if !c.matches(s.table, s.id) {
				continue
			}
			if !s.offer(c) {
				overflowed = append(overflowed, s)
				delete(f.subs, s)
				break
			}
		}
	}
	f.mu.Unlock()
	for _, s := range overflowed {
		s.end(ErrFeedOverflow)
	}
}

// interrupt ends every open subscription with err.
func (f *feed) interrupt(err error) {
	f.mu.Lock()
	subs := make([]*sub, 0, len(f.subs))
	for s := range f.subs {
		subs = append(subs, s)
		delete(f.subs, s)
	}
	f.mu.Unlock()
	for _, s := range subs {
		s.end(err)
	}
}

func (f *feed) len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

type sub struct {
	f         *feed
	table, id string
	events    chan Change

	mu   sync.Mutex
	done bool
	err  error
}

func (s *sub) Events() <-chan Change { return s.events }

func (s *sub) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *sub) Close() {
	s.f.mu.Lock()
	delete(s.f.subs, s)
	s.f.mu.Unlock()
	s.end(nil)
}

func (s *sub) offer(c Change) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return true
	}
	select {
	case s.events <- c:
		return true
	default:
		return false
	}
}

func (s *sub) end(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return
	}
	s.done = true
	s.err = err
	close(s.events)
}
