package appdata

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"shellgate/internal/datacache"
)

var (
	ErrNoSession   = errors.New("no such session")
	ErrInvalidRole = errors.New("invalid role")
)

type Role string

const (
	RoleCustomer Role = "customer"
	RoleStore    Role = "store"
	RoleCourier  Role = "courier"
)

func ParseRole(s string) (Role, error) {
	switch r := Role(s); r {
	case RoleCustomer, RoleStore, RoleCourier:
		return r, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidRole, s)
	}
}

// Session is one signed-in identity and the data cache that belongs to it.
type Session struct {
	ID        string
	UserID    string
	Token     string
	CreatedAt time.Time

	mu    sync.RWMutex
	role  Role
	cache *datacache.Cache[json.RawMessage]
}

func (s *Session) Role() Role {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.role
}

func (s *Session) setRole(r Role) {
	s.mu.Lock()
	s.role = r
	s.mu.Unlock()
}

func (s *Session) Cache() *datacache.Cache[json.RawMessage] {
	return s.cache
}

// Sessions owns the per-session caches. Caches are created with the session
// and closed when it is disposed; nothing is shared between identities.
type Sessions struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	opts     datacache.Options
}

func NewSessions(opts datacache.Options) *Sessions {
	return &Sessions{
		sessions: make(map[string]*Session),
		opts:     opts,
	}
}

func (s *Sessions) Create(userID, token string, role Role) *Session {
	sess := &Session{
		ID:        uuid.NewString(),
		UserID:    userID,
		Token:     token,
		CreatedAt: time.Now(),
		role:      role,
		cache:     datacache.New[json.RawMessage](s.opts),
	}

	s.mu.Lock()
	s.sessions[sess.ID] = sess
	s.mu.Unlock()
	return sess
}

func (s *Sessions) Get(id string) (*Session, error) {
	s.mu.RLock()
	sess, ok := s.sessions[id]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNoSession
	}
	return sess, nil
}

func (s *Sessions) Dispose(id string) error {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	delete(s.sessions, id)
	s.mu.Unlock()
	if !ok {
		return ErrNoSession
	}
	sess.cache.Close()
	return nil
}

func (s *Sessions) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Invalidate removes keys from every live session's cache.
func (s *Sessions) Invalidate(keys ...string) {
	if len(keys) == 0 {
		return
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sess := range s.sessions {
		for _, k := range keys {
			sess.cache.Remove(k)
		}
	}
}

// Close disposes of every session.
func (s *Sessions) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, sess := range s.sessions {
		sess.cache.Close()
		delete(s.sessions, id)
	}
}
