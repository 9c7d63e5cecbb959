package model

import (
	"context"
	"errors"
	"sync"
)

var ErrSessionClosed = errors.New("session closed")

// Session holds at most one model for a long-lived connection. Requesting a
// different key moves the reference from the old model to the new one.
type Session struct {
	cache *Cache

	mu     sync.Mutex
	handle *Handle
	closed bool
}

func (c *Cache) NewSession() *Session {
	return &Session{cache: c}
}

// Use returns the instance for key, acquiring it if the session does not
// already hold it. The previously held model is released first; if the new
// acquire fails the session holds nothing.
func (s *Session) Use(ctx context.Context, key string) (Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrSessionClosed
	}
	if s.handle != nil && s.handle.Key() == key {
		return s.handle.Instance(), nil
	}
	if s.handle != nil {
		s.handle.Release()
		s.handle = nil
	}

	h, err := s.cache.Acquire(ctx, key)
	if err != nil {
		return nil, err
	}
	s.handle = h
	return h.Instance(), nil
}

// Key returns the model currently held, or "".
func (s *Session) Key() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handle == nil {
		return ""
	}
	return s.handle.Key()
}

// Close releases the held model. Safe to call more than once and concurrently
// with Use; a Use that has not started yet fails with ErrSessionClosed.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	if s.handle != nil {
		s.handle.Release()
		s.handle = nil
	}
}
