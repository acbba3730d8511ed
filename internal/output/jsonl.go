package output

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/maxvaer/fofasweep/internal/record"
)

// JSONLSink appends one JSON object per line.
type JSONLSink struct {
	mu   sync.Mutex
	path string
	f    *os.File
	enc  *json.Encoder
}

// OpenJSONL opens path for appending.
func OpenJSONL(path string) (*JSONLSink, error) {
	f, _, err := openAppend(path, false)
	if err != nil {
		return nil, err
	}
	enc := json.NewEncoder(f)
	enc.SetEscapeHTML(false)
	return &JSONLSink{path: path, f: f, enc: enc}, nil
}

func (s *JSONLSink) Path() string { return s.path }

func (s *JSONLSink) Append(rec record.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enc.Encode(rec); err != nil {
		return err
	}
	return s.f.Sync()
}

func (s *JSONLSink) Replay(fn func(record.Record) error) error {
	f, err := os.Open(s.path)
	if err != nil {
		return fmt.Errorf("opening %s: %w", s.path, err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		if len(sc.Bytes()) == 0 {
			continue
		}
		var rec record.Record
		// A torn last line from a crash is skipped.
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil || rec.Host == "" {
			continue
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return sc.Err()
}

func (s *JSONLSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.f.Close()
}
