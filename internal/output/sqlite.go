package output

import (
	"database/sql"
	"fmt"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/maxvaer/fofasweep/internal/record"
)

const createRecords = `
CREATE TABLE IF NOT EXISTS records (
    host     TEXT PRIMARY KEY,
    ip       TEXT NOT NULL,
    title    TEXT NOT NULL,
    port     TEXT NOT NULL,
    protocol TEXT NOT NULL
);`

// SQLiteSink stores records in a table keyed by host. Each insert is its
// own committed transaction.
type SQLiteSink struct {
	mu     sync.Mutex
	path   string
	db     *sql.DB
	insert *sql.Stmt
}

// OpenSQLite opens or creates the database at path.
func OpenSQLite(path string) (*SQLiteSink, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	for _, stmt := range []string{
		"PRAGMA encoding = 'UTF-8'",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = FULL",
		createRecords,
	} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("initialising %s: %w", path, err)
		}
	}

	insert, err := db.Prepare(`INSERT INTO records (host, ip, title, port, protocol) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("preparing insert: %w", err)
	}
	return &SQLiteSink{path: path, db: db, insert: insert}, nil
}

func (s *SQLiteSink) Path() string { return s.path }

func (s *SQLiteSink) Append(rec record.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.insert.Exec(rec.Host, rec.IP, rec.Title, rec.Port, rec.Protocol)
	return err
}

func (s *SQLiteSink) Replay(fn func(record.Record) error) error {
	rows, err := s.db.Query(`SELECT host, ip, title, port, protocol FROM records ORDER BY rowid`)
	if err != nil {
		return fmt.Errorf("reading stored records: %w", err)
	}
	// Collect first: fn may call Append, which needs the single connection.
	var recs []record.Record
	for rows.Next() {
		var r record.Record
		if err := rows.Scan(&r.Host, &r.IP, &r.Title, &r.Port, &r.Protocol); err != nil {
			rows.Close()
			return fmt.Errorf("scanning stored record: %w", err)
		}
		recs = append(recs, r)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()

	for _, r := range recs {
		if err := fn(r); err != nil {
			return err
		}
	}
	return nil
}

// count returns the number of stored records.
func (s *SQLiteSink) count() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM records`).Scan(&n)
	return n, err
}

func (s *SQLiteSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.insert.Close()
	return s.db.Close()
}
