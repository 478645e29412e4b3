package memory

import (
	"context"
	"sync"
	"time"

	"github.com/tabletalk/tabletalk/internal/session"
)

type Store struct {
	mu    sync.Mutex
	byID  map[string]session.Interaction
	byKey map[session.Key]string
	now   func() time.Time
}

var _ session.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		byID:  map[string]session.Interaction{},
		byKey: map[session.Key]string{},
		now:   time.Now,
	}
}

func (s *Store) Get(_ context.Context, tenantID, id string) (session.Interaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	in, ok := s.byID[id]
	if !ok || in.TenantID != tenantID || s.expired(in) {
		return session.Interaction{}, session.ErrNotFound
	}
	return in, nil
}

func (s *Store) FindByKey(_ context.Context, key session.Key) (session.Interaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byKey[key]
	if !ok {
		return session.Interaction{}, session.ErrNotFound
	}
	in := s.byID[id]
	if s.expired(in) {
		return session.Interaction{}, session.ErrNotFound
	}
	return in, nil
}

func (s *Store) Save(_ context.Context, in session.Interaction) (session.Interaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	key := in.Key()
	if previousID, ok := s.byKey[key]; ok && previousID != in.ID {
		previous := s.byID[previousID]
		delete(s.byID, previousID)
		if in.CreatedAt.IsZero() {
			in.CreatedAt = previous.CreatedAt
		}
	}
	if existing, ok := s.byID[in.ID]; ok && in.CreatedAt.IsZero() {
		in.CreatedAt = existing.CreatedAt
	}
	if in.CreatedAt.IsZero() {
		in.CreatedAt = now
	}
	in.UpdatedAt = now
	s.byID[in.ID] = in
	s.byKey[key] = in.ID
	return in, nil
}

func (s *Store) Delete(_ context.Context, tenantID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	in, ok := s.byID[id]
	if !ok || in.TenantID != tenantID {
		return session.ErrNotFound
	}
	s.remove(in)
	return nil
}

func (s *Store) DeleteExpired(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for _, in := range s.byID {
		if !in.ExpiresAt.IsZero() && !in.ExpiresAt.After(now) {
			s.remove(in)
			removed++
		}
	}
	return removed, nil
}

func (s *Store) remove(in session.Interaction) {
	delete(s.byID, in.ID)
	if s.byKey[in.Key()] == in.ID {
		delete(s.byKey, in.Key())
	}
}

func (s *Store) expired(in session.Interaction) bool {
	return !in.ExpiresAt.IsZero() && !in.ExpiresAt.After(s.now())
}
