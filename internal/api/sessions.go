package api

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/thejohnfreeman/redirectory"
)

// session collects the files of one pending bundle until the client
// commits it. Dropping an uncommitted session is always safe: nothing is
// written to the hosting service until commit, and uploads are idempotent
// by content, so the client just retries.
type session struct {
	id      string
	ref     redirectory.Reference
	created time.Time

	mu    sync.Mutex
	files map[string][]byte
}

func (s *session) put(name string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[name] = data
}

func (s *session) bundle() redirectory.Bundle {
	s.mu.Lock()
	defer s.mu.Unlock()
	bundle := make(redirectory.Bundle, len(s.files))
	for name, data := range s.files {
		bundle[name] = data
	}
	return bundle
}

type sessionStore struct {
	ttl time.Duration
	now func() time.Time

	mu       sync.Mutex
	sessions map[string]*session
}

func newSessionStore(ttl time.Duration, now func() time.Time) *sessionStore {
	return &sessionStore{
		ttl:      ttl,
		now:      now,
		sessions: make(map[string]*session),
	}
}

func (s *sessionStore) begin(ref redirectory.Reference) *session {
	sess := &session{
		id:      uuid.NewString(),
		ref:     ref,
		created: s.now(),
		files:   make(map[string][]byte),
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweepLocked()
	s.sessions[sess.id] = sess
	return sess
}

func (s *sessionStore) get(id string) (*session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweepLocked()
	sess, ok := s.sessions[id]
	return sess, ok
}

func (s *sessionStore) drop(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
}

func (s *sessionStore) sweepLocked() {
	deadline := s.now().Add(-s.ttl)
	for id, sess := range s.sessions {
		if sess.created.Before(deadline) {
			delete(s.sessions, id)
		}
	}
}
