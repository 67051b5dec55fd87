// Package session provides persistence backends for engine session records.
package session

import (
	"fmt"
	"sort"
	"sync"

	"github.com/arbor-labs/arborflow/engine"
)

// MemStore is a thread-safe in-memory session store. Records are cloned on
// the way in and out, so repeated queries of an unchanged session return
// identical values.
type MemStore struct {
	mu       sync.RWMutex
	sessions map[string]*engine.Session
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{sessions: make(map[string]*engine.Session)}
}

func (s *MemStore) Create(sess *engine.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.sessions[sess.ID]; exists {
		return fmt.Errorf("session %s already exists", sess.ID)
	}
	s.sessions[sess.ID] = sess.Clone()
	return nil
}

func (s *MemStore) Get(id string) (*engine.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", engine.ErrSessionNotFound, id)
	}
	return sess.Clone(), nil
}

func (s *MemStore) Update(sess *engine.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sess.ID]; !ok {
		return fmt.Errorf("%w: %s", engine.ErrSessionNotFound, sess.ID)
	}
	s.sessions[sess.ID] = sess.Clone()
	return nil
}

func (s *MemStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[id]; !ok {
		return fmt.Errorf("%w: %s", engine.ErrSessionNotFound, id)
	}
	delete(s.sessions, id)
	return nil
}

func (s *MemStore) List() ([]*engine.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*engine.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// Compile-time interface check.
var _ engine.SessionStore = (*MemStore)(nil)
