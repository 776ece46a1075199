package store

import (
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// ErrStoreIO marks local persistence failures. Callers on best-effort paths
// log it and proceed in memory-only mode instead of crashing the UI path.
var ErrStoreIO = errors.New("local store I/O")

// DB wraps a SQLite database connection for one identity's cache.db.
// It is opened once per signed-in identity and exclusively owned by that
// identity's running client instance.
type DB struct {
	*sql.DB
}

// Open creates a new SQLite connection with WAL mode and recommended pragmas.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// Verify connection.
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return &DB{db}, nil
}

func ioErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %v", op, ErrStoreIO, err)
}
