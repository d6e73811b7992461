// Package store is the durable local message log: messages keyed by channel,
// the channel roster, and stream checkpoints. It performs no network I/O.
package store

import (
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

var (
	// ErrNotFound is returned when a message id does not exist.
	ErrNotFound = errors.New("store: message not found")
	// ErrAlreadySynced is returned when a status change would regress a synced message.
	ErrAlreadySynced = errors.New("store: message already synced")
)

// DB wraps the SQLite connection for the profile's message log.
type DB struct {
	*sql.DB
}

// Open creates a new SQLite connection with WAL mode and recommended pragmas.
// Write transactions take the reserved lock up front so concurrent savers queue
// on the busy timeout instead of failing on lock upgrade.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return &DB{db}, nil
}
