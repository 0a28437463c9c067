package gateway

import "sync"

// ChanSink is a bounded, non-blocking sink backed by a channel. A full buffer
// drops the event.
type ChanSink struct {
	ch     chan Event
	mu     sync.Mutex
	closed bool
}

func NewChanSink(buffer int) *ChanSink {
	if buffer <= 0 {
		buffer = 1
	}
	return &ChanSink{ch: make(chan Event, buffer)}
}

func (s *ChanSink) Send(ev Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.ch <- ev:
		return true
	default:
		return false
	}
}

// Events is drained by the connection's writer.
func (s *ChanSink) Events() <-chan Event { return s.ch }

func (s *ChanSink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}
