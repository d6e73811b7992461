package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// SyncChannels replaces the local roster with the backend's: listed channels are
// upserted, channels missing from the list are removed.
func (db *DB) SyncChannels(channels []Channel) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UnixMilli()
	keep := make([]any, 0, len(channels))
	for _, c := range channels {
		if err := upsertChannel(tx, &c, now); err != nil {
			return err
		}
		keep = append(keep, c.ID)
	}

	prune := `DELETE FROM channels`
	if len(keep) > 0 {
		prune += ` WHERE id NOT IN (?` + strings.Repeat(`, ?`, len(keep)-1) + `)`
	}
	if _, err := tx.Exec(prune, keep...); err != nil {
		return fmt.Errorf("prune channels: %w", err)
	}
	return tx.Commit()
}

// UpsertChannel inserts or updates a single channel.
func (db *DB) UpsertChannel(c *Channel) error {
	return upsertChannel(db, c, time.Now().UnixMilli())
}

func upsertChannel(q querier, c *Channel, now int64) error {
	if c.Type == "" {
		c.Type = ChannelGroup
	}
	_, err := q.Exec(`
		INSERT INTO channels (id, name, channel_type, member_count, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			channel_type = excluded.channel_type,
			member_count = excluded.member_count,
			updated_at = excluded.updated_at`,
		c.ID, c.Name, c.Type, c.MemberCount, now)
	if err != nil {
		return fmt.Errorf("upsert channel %d: %w", c.ID, err)
	}
	return nil
}

// ListChannels returns the roster ordered by name.
func (db *DB) ListChannels() ([]Channel, error) {
	rows, err := db.Query(`
		SELECT id, name, channel_type, member_count, updated_at
		FROM channels
		ORDER BY name COLLATE NOCASE, id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var channels []Channel
	for rows.Next() {
		var c Channel
		if err := rows.Scan(&c.ID, &c.Name, &c.Type, &c.MemberCount, &c.UpdatedAt); err != nil {
			return nil, err
		}
		channels = append(channels, c)
	}
	return channels, rows.Err()
}

// GetChannel returns a channel by id, or nil when unknown.
func (db *DB) GetChannel(id int64) (*Channel, error) {
	var c Channel
	err := db.QueryRow(`
		SELECT id, name, channel_type, member_count, updated_at
		FROM channels WHERE id = ?`, id).
		Scan(&c.ID, &c.Name, &c.Type, &c.MemberCount, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}
