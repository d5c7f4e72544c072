// Package memory implements the store interfaces with in-process maps for a
// single-process deployment.
package memory

import (
	"sort"
	"sync"
	"time"

	"github.com/jxucoder/microcase/model"
	"github.com/jxucoder/microcase/store"
)

// Store is a concurrency-safe in-memory SessionStore and Cache.
type Store struct {
	mu         sync.RWMutex
	sessions   map[string]model.Session
	microcases map[string][]model.CachedMicrocase
	solved     map[string]map[int]bool
}

// New creates an empty store.
func New() *Store {
	return &Store{
		sessions:   make(map[string]model.Session),
		microcases: make(map[string][]model.CachedMicrocase),
		solved:     make(map[string]map[int]bool),
	}
}

var (
	_ store.SessionStore = (*Store)(nil)
	_ store.Cache        = (*Store)(nil)
)

func (s *Store) CreateSession(sess *model.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = *sess
	return nil
}

func (s *Store) GetSession(id string) (*model.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &sess, nil
}

func (s *Store) UpdateSession(sess *model.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sess.ID]; !ok {
		return store.ErrNotFound
	}
	sess.UpdatedAt = time.Now().UTC()
	s.sessions[sess.ID] = *sess
	return nil
}

func (s *Store) DeleteSession(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
	return nil
}

// ListSessions returns all sessions, newest first.
func (s *Store) ListSessions() ([]*model.Session, error) {
	s.mu.RLock()
	out := make([]*model.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, &sess)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) ListExpired(before time.Time) ([]*model.Session, error) {
	s.mu.RLock()
	var out []*model.Session
	for _, sess := range s.sessions {
		if sess.UpdatedAt.Before(before) {
			out = append(out, &sess)
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return out, nil
}

func (s *Store) PutMicrocases(cacheKey string, entries []model.CachedMicrocase) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.microcases[cacheKey] = append([]model.CachedMicrocase(nil), entries...)
	return nil
}

func (s *Store) GetMicrocases(cacheKey string) ([]model.CachedMicrocase, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]model.CachedMicrocase(nil), s.microcases[cacheKey]...), nil
}

func (s *Store) MarkSolved(requesterID, cacheKey string, microcaseID int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := requesterID + "\x00" + cacheKey
	if s.solved[k] == nil {
		s.solved[k] = make(map[int]bool)
	}
	s.solved[k][microcaseID] = true
	return nil
}

func (s *Store) Solved(requesterID, cacheKey string) ([]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]int, 0, len(s.solved[requesterID+"\x00"+cacheKey]))
	for id := range s.solved[requesterID+"\x00"+cacheKey] {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids, nil
}
