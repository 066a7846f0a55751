package store

import (
	"fmt"
	"strings"

	_ "modernc.org/sqlite"
)

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLStore, error) {
	maxConns := 0
	// Every connection to ":memory:" is a separate database.
	if dbPath == ":memory:" || strings.Contains(dbPath, "mode=memory") {
		maxConns = 1
	}
	return open(sqliteDialect, dbPath, maxConns)
}

// OpenLedger opens (creating if needed) the private ledger of a run.
func OpenLedger(path string) (*SQLStore, error) {
	s, err := NewSQLiteStore(path)
	if err != nil {
		return nil, fmt.Errorf("open ledger %s: %w", path, err)
	}
	return s, nil
}
