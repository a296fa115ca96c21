// Package memstore provides an in-memory implementation of episode.Store.
package memstore

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/linnemanlabs/validq/internal/episode"
)

// Store holds episodes in memory. Suitable for dev/testing.
type Store struct {
	mu       sync.RWMutex
	episodes map[string]*episode.Episode // episode ID -> episode
	now      func() time.Time
}

// New initializes a new in-memory Store.
func New() *Store {
	return &Store{
		episodes: make(map[string]*episode.Episode),
		now:      time.Now,
	}
}

// WithClock replaces the clock used for UpdatedAt stamps.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

// Get retrieves an episode by its ID. Returns a copy.
func (s *Store) Get(_ context.Context, id string) (*episode.Episode, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.episodes[id]
	if !ok {
		return nil, false, nil
	}
	return e.Clone(), true, nil
}

// Put stores a copy of the episode, replacing any existing one. This is the
// intake pipeline's write path; the validation core only uses Update.
func (s *Store) Put(_ context.Context, e *episode.Episode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := e.Clone()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = s.now()
	}
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = cp.CreatedAt
	}
	s.episodes[e.ID] = cp
	return nil
}

// Update applies a patch atomically.
func (s *Store) Update(_ context.Context, id string, p *episode.Patch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.episodes[id]
	if !ok {
		return episode.NotFound("memstore.Update", id)
	}
	// apply to a copy so a rejected patch leaves the stored episode untouched
	cp := e.Clone()
	if err := p.Apply(cp, s.now()); err != nil {
		return err
	}
	s.episodes[id] = cp
	return nil
}

// Query scans all episodes with the index key condition and filters. Results
// are ordered by queued time, then ID.
func (s *Store) Query(_ context.Context, q episode.Query) ([]*episode.Episode, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	out := make([]*episode.Episode, 0)
	for _, e := range s.episodes {
		if q.Matches(e) {
			out = append(out, e.Clone())
		}
	}
	s.mu.RUnlock()

	slices.SortFunc(out, func(a, b *episode.Episode) int {
		if c := a.QueuedAt.Compare(b.QueuedAt); c != 0 {
			if q.Newest {
				return -c
			}
			return c
		}
		if a.ID < b.ID {
			return -1
		}
		if a.ID > b.ID {
			return 1
		}
		return 0
	})

	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}
