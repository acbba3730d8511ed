package output

import (
	"bufio"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"sync"

	"github.com/maxvaer/fofasweep/internal/record"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// CSVSink appends records as CSV rows. A header row is written when the
// file is new or empty; an existing file is only ever appended to.
type CSVSink struct {
	mu   sync.Mutex
	path string
	f    *os.File
	w    *csv.Writer
}

// OpenCSV opens path for appending. bom prefixes a UTF-8 byte order mark
// (for spreadsheet tools) when the file is created.
func OpenCSV(path string, bom bool) (*CSVSink, error) {
	f, size, err := openAppend(path, true)
	if err != nil {
		return nil, err
	}

	s := &CSVSink{path: path, f: f, w: csv.NewWriter(f)}
	if size == 0 {
		if bom {
			if _, err := f.Write(utf8BOM); err != nil {
				f.Close()
				return nil, fmt.Errorf("writing BOM: %w", err)
			}
		}
		if err := s.write(record.Header()); err != nil {
			f.Close()
			return nil, fmt.Errorf("writing header: %w", err)
		}
	}
	return s, nil
}

// openAppend opens path for appending and returns its size. A trailing
// partial row left by a crash is cut off; its Append never returned, so
// nothing durable is lost. With csvQuotes set, a newline inside a quoted
// field does not end a row.
func openAppend(path string, csvQuotes bool) (*os.File, int64, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0644)
	if err != nil {
		return nil, 0, fmt.Errorf("opening %s: %w", path, err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, fmt.Errorf("stat %s: %w", path, err)
	}
	end, err := completeRows(f, csvQuotes)
	if err != nil {
		f.Close()
		return nil, 0, fmt.Errorf("reading %s: %w", path, err)
	}
	if end < fi.Size() {
		if err := f.Truncate(end); err != nil {
			f.Close()
			return nil, 0, fmt.Errorf("repairing %s: %w", path, err)
		}
	}
	return f, end, nil
}

// completeRows returns the offset just past the last row terminator in r.
func completeRows(r io.Reader, csvQuotes bool) (int64, error) {
	br := bufio.NewReader(r)
	var off, end int64
	quoted := false
	for {
		b, err := br.ReadByte()
		if errors.Is(err, io.EOF) {
			return end, nil
		}
		if err != nil {
			return 0, err
		}
		off++
		switch {
		case b == '"' && csvQuotes:
			quoted = !quoted
		case b == '\n' && !quoted:
			end = off
		}
	}
}

func (s *CSVSink) Path() string { return s.path }

func (s *CSVSink) Append(rec record.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write(rec.Row())
}

// write emits one row and forces it to disk. Callers hold mu or own s.
func (s *CSVSink) write(row []string) error {
	if err := s.w.Write(row); err != nil {
		return err
	}
	s.w.Flush()
	if err := s.w.Error(); err != nil {
		return err
	}
	return s.f.Sync()
}

func (s *CSVSink) Replay(fn func(record.Record) error) error {
	f, err := os.Open(s.path)
	if err != nil {
		return fmt.Errorf("opening %s: %w", s.path, err)
	}
	defer f.Close()
	return replayCSV(f, fn)
}

func replayCSV(r io.Reader, fn func(record.Record) error) error {
	br := bufio.NewReader(r)
	if head, _ := br.Peek(3); slices.Equal(head, utf8BOM) {
		br.Discard(3)
	}

	cr := csv.NewReader(br)
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	first := true
	for {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading stored records: %w", err)
		}
		if first {
			first = false
			if slices.Equal(row, record.Header()) {
				continue
			}
		}
		rec, err := record.FromRow(row)
		if err != nil {
			continue
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
}

func (s *CSVSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.w.Flush()
	werr := s.w.Error()
	if err := s.f.Close(); err != nil {
		return err
	}
	return werr
}
