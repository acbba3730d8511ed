// Package output persists accepted records and draws the console progress
// line.
package output

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/maxvaer/fofasweep/internal/config"
	"github.com/maxvaer/fofasweep/internal/record"
)

// Sink is an append-only record store. Append returns only after the record
// is durable. All methods are safe for concurrent use.
type Sink interface {
	Append(rec record.Record) error
	// Replay calls fn for every record already in the store, oldest first.
	Replay(fn func(record.Record) error) error
	Close() error
	Path() string
}

// Open opens (creating if needed) the store at path in the given format.
// The parent directory is created when missing.
func Open(format, path string, bom bool) (Sink, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating output directory: %w", err)
		}
	}
	switch format {
	case config.FormatCSV:
		return OpenCSV(path, bom)
	case config.FormatJSONL:
		return OpenJSONL(path)
	case config.FormatSQLite:
		return OpenSQLite(path)
	}
	return nil, fmt.Errorf("unknown output format %q", format)
}
