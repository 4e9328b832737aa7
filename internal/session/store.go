package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/otherjamesbrown/ai-aas/services/auth-gateway/internal/cache"
)

// ErrNotFound is returned when no session is stored under an id.
var ErrNotFound = errors.New("session not found")

const keyPrefix = "session:"

// Store persists sessions in a Cache (Redis in production, memory in tests).
type Store struct {
	cache cache.Cache
	ttl   time.Duration
}

// NewStore creates a session store. ttl bounds how long an idle session is kept.
func NewStore(c cache.Cache, ttl time.Duration) *Store {
	return &Store{cache: c, ttl: ttl}
}

// NewID returns a fresh opaque session id.
func NewID() string {
	return uuid.NewString()
}

// Load returns the session stored under id, or ErrNotFound.
func (s *Store) Load(ctx context.Context, id string) (*Values, error) {
	if id == "" {
		return nil, ErrNotFound
	}
	values := NewValues()
	found, err := s.cache.Get(ctx, keyPrefix+id, values)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if !found {
		return nil, ErrNotFound
	}
	return values, nil
}

// Save writes the session under id.
func (s *Store) Save(ctx context.Context, id string, values *Values) error {
	if err := s.cache.Set(ctx, keyPrefix+id, values, s.ttl); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// Delete removes the session stored under id.
func (s *Store) Delete(ctx context.Context, id string) error {
	if err := s.cache.Delete(ctx, keyPrefix+id); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}
