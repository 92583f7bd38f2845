package service

import (
	"sync"
	"time"

	"pharmapos/internal/cart"
)

type session struct {
	mu       sync.Mutex
	cart     *cart.Cart
	lastUsed time.Time
}

// Sessions owns one cart per session id. Work on a cart runs under that
// session's lock, so two requests of the same session never interleave while
// different sessions proceed in parallel.
type Sessions struct {
	mu       sync.Mutex
	sessions map[string]*session
	newCart  func() *cart.Cart
	now      func() time.Time
}

func NewSessions(newCart func() *cart.Cart) *Sessions {
	return &Sessions{
		sessions: make(map[string]*session),
		newCart:  newCart,
		now:      time.Now,
	}
}

func (s *Sessions) get(id string) *session {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		sess = &session{cart: s.newCart()}
		s.sessions[id] = sess
	}
	return sess
}

// With runs fn on the session's cart, creating an empty cart on first use.
func (s *Sessions) With(id string, fn func(c *cart.Cart) error) error {
	sess := s.get(id)
	sess.mu.Lock()
	defer sess.mu.Unlock()
	sess.lastUsed = s.now()
	return fn(sess.cart)
}

// Reset replaces the session's cart with an empty one.
func (s *Sessions) Reset(id string) {
	sess := s.get(id)
	sess.mu.Lock()
	defer sess.mu.Unlock()
	sess.cart = s.newCart()
	sess.lastUsed = s.now()
}

func (s *Sessions) Drop(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
}

func (s *Sessions) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// DropIdle forgets sessions untouched for longer than maxIdle and returns how
// many were removed.
func (s *Sessions) DropIdle(maxIdle time.Duration) int {
	cutoff := s.now().Add(-maxIdle)
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, sess := range s.sessions {
		sess.mu.Lock()
		idle := sess.lastUsed.Before(cutoff)
		sess.mu.Unlock()
		if idle {
			delete(s.sessions, id)
			removed++
		}
	}
	return removed
}
