package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// MessageCursorKey is the checkpoint key for the last backend message id seen in a channel.
func MessageCursorKey(channelID int64) string {
	return "last_message_id:" + strconv.FormatInt(channelID, 10)
}

// SetCursor stores a stream checkpoint value.
func (db *DB) SetCursor(key, value string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO sync_state (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, now)
	return err
}

// GetCursor returns a stream checkpoint value, or "" when unset.
func (db *DB) GetCursor(key string) (string, error) {
	var value string
	err := db.QueryRow(`SELECT value FROM sync_state WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get cursor %s: %w", key, err)
	}
	return value, nil
}

// AdvanceCursor stores id under key only if it is greater than the stored value.
func (db *DB) AdvanceCursor(key string, id int64) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO sync_state (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
		WHERE CAST(sync_state.value AS INTEGER) < CAST(excluded.value AS INTEGER)`,
		key, strconv.FormatInt(id, 10), now)
	return err
}

// CursorInt returns a numeric checkpoint, or 0 when unset or unparsable.
func (db *DB) CursorInt(key string) (int64, error) {
	v, err := db.GetCursor(key)
	if err != nil || v == "" {
		return 0, err
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, nil
	}
	return n, nil
}
