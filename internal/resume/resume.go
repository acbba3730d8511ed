// Package resume records which queries of a run have finished so an
// interrupted run can pick up where it stopped.
package resume

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// State is the on-disk resume record. It is bound to one output store:
// resuming against a different output would skip queries whose records
// that store never received.
type State struct {
	Output           string    `json:"output"`
	CompletedQueries []string  `json:"completed_queries"`
	TotalQueries     int       `json:"total_queries"`
	UpdatedAt        time.Time `json:"updated_at"`

	mu    sync.Mutex
	path  string
	done  map[string]struct{}
	dirty bool
}

// New creates an empty state that will be saved to path.
func New(path, output string, total int) *State {
	return &State{
		Output:       output,
		TotalQueries: total,
		path:         path,
		done:         make(map[string]struct{}),
	}
}

// Load reads an existing state from disk. It returns nil, nil if the file
// does not exist.
func Load(path string) (*State, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading resume file: %w", err)
	}

	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parsing resume file: %w", err)
	}

	s.path = path
	s.done = make(map[string]struct{}, len(s.CompletedQueries))
	for _, q := range s.CompletedQueries {
		s.done[q] = struct{}{}
	}
	return &s, nil
}

// isCompleted reports whether query already finished.
func (s *State) isCompleted(query string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.done[query]
	return ok
}

// MarkCompleted records query as done.
func (s *State) MarkCompleted(query string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.done[query]; !ok {
		s.done[query] = struct{}{}
		s.CompletedQueries = append(s.CompletedQueries, query)
		s.dirty = true
	}
}

// size returns the number of completed queries.
func (s *State) size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.CompletedQueries)
}

// FilterRemaining returns the queries not yet completed, in order.
func (s *State) FilterRemaining(queries []string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var remaining []string
	for _, q := range queries {
		if _, ok := s.done[q]; !ok {
			remaining = append(remaining, q)
		}
	}
	return remaining
}

// Save writes the state to disk if it changed since the last save. The file
// is replaced atomically so a crash mid-save keeps the previous state.
func (s *State) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.dirty {
		return nil
	}

	s.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("serializing resume state: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".resume-*")
	if err != nil {
		return fmt.Errorf("writing resume file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("writing resume file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("writing resume file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("writing resume file: %w", err)
	}
	s.dirty = false
	return nil
}

// Remove deletes the resume file (called on successful completion).
func (s *State) Remove() error {
	err := os.Remove(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
