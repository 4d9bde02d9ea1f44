package session

import (
	"sync"
)

// Pool shares sessions between tags that address the same controller.
type Pool struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

// NewPool returns an empty pool.
func NewPool() *Pool {
	return &Pool{sessions: make(map[string]*Session)}
}

// Get returns a session for opts with an added reference, creating it when
// no live session has the same key. created is true for a new session.
func (p *Pool) Get(opts Options) (s *Session, created bool, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := opts.Key()
	if s := p.sessions[key]; s != nil {
		s.mu.Lock()
		usable := !s.closing && !s.state.Terminal()
		if usable {
			s.acquire()
		}
		s.mu.Unlock()
		if usable {
			return s, false, nil
		}
		delete(p.sessions, key)
	}

	s, err = New(opts)
	if err != nil {
		return nil, false, err
	}
	s.pool = p
	p.sessions[key] = s
	return s, true, nil
}

func (p *Pool) release(s *Session) {
	p.mu.Lock()
	defer p.mu.Unlock()

	s.mu.Lock()
	last := s.releaseLocked()
	s.mu.Unlock()

	if last && p.sessions[s.key] == s {
		delete(p.sessions, s.key)
	}
}

// Len returns the number of pooled sessions.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions)
}
