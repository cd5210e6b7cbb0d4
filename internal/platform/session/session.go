// Package session provides thread-safe in-memory storage for short-lived
// entry sessions. In production this would typically be backed by Redis or a
// database.
package session

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Session is one stored session. Value carries the owning package's state;
// the store only manages identity and lifetime.
type Session struct {
	ID         string    `json:"id"`
	Subject    string    `json:"subject"`
	CreatedAt  time.Time `json:"created_at"`
	LastAccess time.Time `json:"last_access"`
	Value      any       `json:"-"`
}

// Store holds sessions with a sliding TTL. Reads refresh the expiry.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	ttl      time.Duration
	onEvict  func(*Session)
}

// Option configures a Store.
type Option func(*Store)

// WithEvictFunc registers a callback run when a session is deleted or
// expires, so owners can release per-session resources.
func WithEvictFunc(fn func(*Session)) Option {
	return func(s *Store) { s.onEvict = fn }
}

// NewStore creates a store with the given TTL.
func NewStore(ttl time.Duration, opts ...Option) *Store {
	s := &Store{
		sessions: make(map[string]*Session),
		ttl:      ttl,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create stores a new session for subject and returns it.
func (s *Store) Create(subject string, value any) *Session {
	now := time.Now()
	sess := &Session{
		ID:         uuid.New().String(),
		Subject:    subject,
		CreatedAt:  now,
		LastAccess: now,
		Value:      value,
	}
	s.mu.Lock()
	s.sessions[sess.ID] = sess
	s.mu.Unlock()
	return sess
}

// Get retrieves a session by ID, refreshing its expiry. Returns nil if not
// found or expired.
func (s *Store) Get(id string) *Session {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	expired := ok && time.Since(sess.LastAccess) > s.ttl
	if expired {
		delete(s.sessions, id)
	} else if ok {
		sess.LastAccess = time.Now()
	}
	s.mu.Unlock()

	if expired {
		s.evict(sess)
	}
	if !ok || expired {
		return nil
	}
	return sess
}

// Delete removes a session by ID, reporting whether it existed.
func (s *Store) Delete(id string) bool {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	if ok {
		delete(s.sessions, id)
	}
	s.mu.Unlock()

	if ok {
		s.evict(sess)
	}
	return ok
}

// BySubject returns the live sessions owned by subject, newest first.
func (s *Store) BySubject(subject string) []*Session {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Session
	for _, sess := range s.sessions {
		if sess.Subject == subject && time.Since(sess.LastAccess) <= s.ttl {
			out = append(out, sess)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// Cleanup removes expired sessions from the store.
func (s *Store) Cleanup() {
	s.mu.Lock()
	var evicted []*Session
	now := time.Now()
	for id, sess := range s.sessions {
		if now.Sub(sess.LastAccess) > s.ttl {
			delete(s.sessions, id)
			evicted = append(evicted, sess)
		}
	}
	s.mu.Unlock()

	for _, sess := range evicted {
		s.evict(sess)
	}
}

// StartCleanup runs Cleanup on the given interval until ctx is cancelled.
func (s *Store) StartCleanup(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Cleanup()
			}
		}
	}()
}

// Len returns the number of stored sessions, expired ones included until the
// next cleanup.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

func (s *Store) evict(sess *Session) {
	if s.onEvict != nil {
		s.onEvict(sess)
	}
}
