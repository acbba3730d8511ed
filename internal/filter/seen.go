package filter

import (
	"context"
	"sync"

	"github.com/maxvaer/fofasweep/internal/record"
)

// SeenSet is an in-memory host set guarded by a mutex.
type SeenSet struct {
	mu    sync.Mutex
	hosts map[string]struct{}
}

// NewSeenSet returns an empty set.
func NewSeenSet() *SeenSet {
	return &SeenSet{hosts: make(map[string]struct{})}
}

func (s *SeenSet) Seed(_ context.Context, recs ...record.Record) error {
	s.mu.Lock()
	for _, r := range recs {
		s.hosts[r.Host] = struct{}{}
	}
	s.mu.Unlock()
	return nil
}

func (s *SeenSet) Accept(_ context.Context, rec record.Record) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.hosts[rec.Host]; ok {
		return false, nil
	}
	s.hosts[rec.Host] = struct{}{}
	return true, nil
}

// contains reports whether host is in the set.
func (s *SeenSet) contains(host string) bool {
	s.mu.Lock()
	_, ok := s.hosts[host]
	s.mu.Unlock()
	return ok
}

// size returns the number of hosts in the set.
func (s *SeenSet) size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.hosts)
}
