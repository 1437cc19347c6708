package status

import (
	"context"
	"sort"
	"sync"

	errspkg "github.com/drblury/transitflow/internal/runtime/errors"
)

// MemoryStore keeps records in process memory.
type MemoryStore struct {
	mu       sync.RWMutex
	statuses map[string]Update
	sessions map[string][]Session
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		statuses: make(map[string]Update),
		sessions: make(map[string][]Session),
	}
}

func (s *MemoryStore) SaveStatus(_ context.Context, u Update) error {
	if u.BusID == "" {
		return errspkg.ErrBusRequired
	}
	s.mu.Lock()
	s.statuses[u.BusID] = u
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) StartSession(_ context.Context, sess Session) error {
	if sess.BusID == "" {
		return errspkg.ErrBusRequired
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upsertLocked(sess)
	return nil
}

func (s *MemoryStore) EndSession(_ context.Context, sess Session) error {
	if sess.BusID == "" {
		return errspkg.ErrBusRequired
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upsertLocked(sess)
	return nil
}

func (s *MemoryStore) upsertLocked(sess Session) {
	list := s.sessions[sess.BusID]
	for i := range list {
		if list[i].StartedAt.Equal(sess.StartedAt) {
			list[i] = sess
			return
		}
	}
	s.sessions[sess.BusID] = append(list, sess)
}

func (s *MemoryStore) Status(_ context.Context, busID string) (Update, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.statuses[busID]
	return u, ok, nil
}

func (s *MemoryStore) Sessions(_ context.Context, busID string) ([]Session, error) {
	s.mu.RLock()
	out := append([]Session(nil), s.sessions[busID]...)
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }
