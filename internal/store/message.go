package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const messageColumns = `id, server_id, channel_id, author_id, author_name, body, subject, media_type,
	media_size, media_duration_ms, media_local_path, media_remote_url, media_mime,
	timestamp, sync_status, attempts, last_error, create_date`

type querier interface {
	Exec(query string, args ...any) (sql.Result, error)
	Query(query string, args ...any) (*sql.Rows, error)
	QueryRow(query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(s scanner) (*Message, error) {
	var (
		m        Message
		serverID sql.NullInt64
	)
	err := s.Scan(&m.ID, &serverID, &m.ChannelID, &m.AuthorID, &m.AuthorName, &m.Body, &m.Subject, &m.MediaType,
		&m.Media.Size, &m.Media.DurationMs, &m.Media.LocalPath, &m.Media.RemoteURL, &m.Media.MimeType,
		&m.Timestamp, &m.SyncStatus, &m.Attempts, &m.LastError, &m.CreatedAt)
	if err != nil {
		return nil, err
	}
	m.ServerID = serverID.Int64
	return &m, nil
}

func nullServerID(id int64) any {
	if id == 0 {
		return nil
	}
	return id
}

// SaveMessage upserts a message and returns the stored record.
//
// A message carrying a ServerID that is already stored updates that record in
// place. A confirmed message that is not yet stored first consumes the oldest
// unsynced message in the same channel with an equal normalized body, keeping
// its local id; this is what stops an echoed send from appearing twice.
// A message without a ServerID is a local-only record.
func (db *DB) SaveMessage(m *Message) (*Message, error) {
	in := *m
	now := time.Now().UnixMilli()
	if in.MediaType == "" {
		in.MediaType = MediaText
	}
	if in.Timestamp == 0 {
		in.Timestamp = now
	}
	if in.CreatedAt == 0 {
		in.CreatedAt = now
	}

	tx, err := db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	id, err := saveMessageTx(tx, &in)
	if err != nil {
		return nil, err
	}
	saved, err := getMessage(tx, id)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return saved, nil
}

func saveMessageTx(tx querier, m *Message) (string, error) {
	if m.ServerID != 0 {
		if m.SyncStatus == "" {
			m.SyncStatus = StatusSynced
		}
		existing, err := lookupID(tx, `SELECT id FROM messages WHERE server_id = ?`, m.ServerID)
		if err != nil {
			return "", err
		}
		if existing == "" && m.ID != "" {
			existing, err = lookupID(tx, `SELECT id FROM messages WHERE id = ?`, m.ID)
			if err != nil {
				return "", err
			}
		}
		if existing == "" {
			existing, err = lookupID(tx, `
				SELECT id FROM messages
				WHERE channel_id = ? AND server_id IS NULL AND body_key = ?
				ORDER BY create_date ASC, rowid ASC
				LIMIT 1`, m.ChannelID, NormalizeBody(m.Body))
			if err != nil {
				return "", err
			}
		}
		if existing != "" {
			return existing, updateMessage(tx, existing, m)
		}
		return insertMessage(tx, m)
	}

	if m.SyncStatus == "" {
		m.SyncStatus = StatusPending
	}
	if m.ID != "" {
		existing, err := lookupID(tx, `SELECT id FROM messages WHERE id = ?`, m.ID)
		if err != nil {
			return "", err
		}
		if existing != "" {
			return existing, updateMessage(tx, existing, m)
		}
	}
	return insertMessage(tx, m)
}

func lookupID(q querier, query string, args ...any) (string, error) {
	var id string
	err := q.QueryRow(query, args...).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("lookup message: %w", err)
	}
	return id, nil
}

func insertMessage(q querier, m *Message) (string, error) {
	id := m.ID
	if id == "" {
		id = uuid.NewString()
	}
	_, err := q.Exec(`
		INSERT INTO messages (id, server_id, channel_id, author_id, author_name, body, body_key, subject, media_type,
			media_size, media_duration_ms, media_local_path, media_remote_url, media_mime,
			timestamp, sync_status, attempts, last_error, create_date)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, nullServerID(m.ServerID), m.ChannelID, m.AuthorID, m.AuthorName, m.Body, NormalizeBody(m.Body), m.Subject, m.MediaType,
		m.Media.Size, m.Media.DurationMs, m.Media.LocalPath, m.Media.RemoteURL, m.Media.MimeType,
		m.Timestamp, m.SyncStatus, m.Attempts, m.LastError, m.CreatedAt)
	if err != nil {
		return "", fmt.Errorf("insert message: %w", err)
	}
	return id, nil
}

// updateMessage overwrites content fields of an existing row. The server id is
// only ever set, never cleared, a confirmed row stays synced, and the local path
// of an attachment survives an echo that does not know it.
func updateMessage(q querier, id string, m *Message) error {
	_, err := q.Exec(`
		UPDATE messages SET
			server_id = COALESCE(?, server_id),
			channel_id = ?,
			author_id = CASE WHEN ? != 0 THEN ? ELSE author_id END,
			author_name = CASE WHEN ? != '' THEN ? ELSE author_name END,
			body = ?,
			body_key = ?,
			subject = ?,
			media_type = ?,
			media_size = ?,
			media_duration_ms = ?,
			media_local_path = CASE WHEN ? != '' THEN ? ELSE media_local_path END,
			media_remote_url = CASE WHEN ? != '' THEN ? ELSE media_remote_url END,
			media_mime = ?,
			timestamp = ?,
			sync_status = CASE WHEN server_id IS NOT NULL THEN 'synced' ELSE ? END,
			last_error = ?
		WHERE id = ?`,
		nullServerID(m.ServerID), m.ChannelID,
		m.AuthorID, m.AuthorID,
		m.AuthorName, m.AuthorName,
		m.Body, NormalizeBody(m.Body), m.Subject, m.MediaType,
		m.Media.Size, m.Media.DurationMs,
		m.Media.LocalPath, m.Media.LocalPath,
		m.Media.RemoteURL, m.Media.RemoteURL,
		m.Media.MimeType, m.Timestamp, m.SyncStatus, m.LastError, id)
	if err != nil {
		return fmt.Errorf("update message %s: %w", id, err)
	}
	return nil
}

func getMessage(q querier, id string) (*Message, error) {
	m, err := scanMessage(q.QueryRow(`SELECT `+messageColumns+` FROM messages WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get message %s: %w", id, err)
	}
	return m, nil
}

// GetMessage returns a message by local id, or ErrNotFound.
func (db *DB) GetMessage(id string) (*Message, error) {
	return getMessage(db, id)
}

// GetByServerID returns the message confirmed under serverID, or ErrNotFound.
func (db *DB) GetByServerID(serverID int64) (*Message, error) {
	m, err := scanMessage(db.QueryRow(`SELECT `+messageColumns+` FROM messages WHERE server_id = ?`, serverID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get message by server id %d: %w", serverID, err)
	}
	return m, nil
}

// GetChannelMessages returns up to limit of the most recent messages of a
// channel, ordered by timestamp ascending.
func (db *DB) GetChannelMessages(channelID int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	return db.listMessages(`
		SELECT `+messageColumns+` FROM (
			SELECT `+messageColumns+`, rowid AS seq FROM messages
			WHERE channel_id = ?
			ORDER BY timestamp DESC, create_date DESC, rowid DESC
			LIMIT ?
		)
		ORDER BY timestamp ASC, create_date ASC, seq ASC`, channelID, limit)
}

// GetPendingSyncMessages returns every pending message in enqueue order.
func (db *DB) GetPendingSyncMessages() ([]Message, error) {
	return db.listMessages(`
		SELECT ` + messageColumns + ` FROM messages
		WHERE sync_status = 'pending'
		ORDER BY create_date ASC, rowid ASC`)
}

// FailedMessages returns failed messages, optionally restricted to one channel (0 = all).
func (db *DB) FailedMessages(channelID int64) ([]Message, error) {
	if channelID == 0 {
		return db.listMessages(`
			SELECT ` + messageColumns + ` FROM messages
			WHERE sync_status = 'failed'
			ORDER BY create_date ASC, rowid ASC`)
	}
	return db.listMessages(`
		SELECT `+messageColumns+` FROM messages
		WHERE sync_status = 'failed' AND channel_id = ?
		ORDER BY create_date ASC, rowid ASC`, channelID)
}

// CountByStatus returns the number of messages per sync status.
func (db *DB) CountByStatus() (map[SyncStatus]int, error) {
	rows, err := db.Query(`SELECT sync_status, COUNT(*) FROM messages GROUP BY sync_status`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[SyncStatus]int)
	for rows.Next() {
		var (
			s SyncStatus
			n int
		)
		if err := rows.Scan(&s, &n); err != nil {
			return nil, err
		}
		counts[s] = n
	}
	return counts, rows.Err()
}

func (db *DB) listMessages(query string, args ...any) ([]Message, error) {
	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, *m)
	}
	return msgs, rows.Err()
}

// UpdateSyncStatus sets the sync status of a message. Setting the current
// status again is a no-op; a synced message cannot move back.
func (db *DB) UpdateSyncStatus(id string, status SyncStatus, errMsg string) error {
	if !status.Valid() {
		return fmt.Errorf("store: invalid sync status %q", status)
	}
	var current SyncStatus
	err := db.QueryRow(`SELECT sync_status FROM messages WHERE id = ?`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("read status %s: %w", id, err)
	}
	if current == StatusSynced && status != StatusSynced {
		return ErrAlreadySynced
	}
	if status != StatusFailed {
		errMsg = ""
	}
	_, err = db.Exec(`UPDATE messages SET sync_status = ?, last_error = ? WHERE id = ?`, status, errMsg, id)
	return err
}

// RecordAttempt increments the delivery attempt counter of a message.
func (db *DB) RecordAttempt(id string) error {
	res, err := db.Exec(`UPDATE messages SET attempts = attempts + 1 WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkSynced assigns the backend id to a local message and marks it synced.
// When the echo of the same message was already stored under serverID, the
// local row is dropped and the confirmed one is returned instead.
func (db *DB) MarkSynced(id string, serverID int64) (*Message, error) {
	tx, err := db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	owner, err := lookupID(tx, `SELECT id FROM messages WHERE server_id = ?`, serverID)
	if err != nil {
		return nil, err
	}
	keep := id
	switch {
	case owner != "" && owner != id:
		if _, err := tx.Exec(`DELETE FROM messages WHERE id = ?`, id); err != nil {
			return nil, fmt.Errorf("drop duplicate %s: %w", id, err)
		}
		keep = owner
	default:
		res, err := tx.Exec(`UPDATE messages SET server_id = ?, sync_status = 'synced', last_error = '' WHERE id = ?`, serverID, id)
		if err != nil {
			return nil, fmt.Errorf("mark synced %s: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil, ErrNotFound
		}
	}

	saved, err := getMessage(tx, keep)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return saved, nil
}

// DeleteMessage removes a message by local id (explicit user action).
func (db *DB) DeleteMessage(id string) error {
	res, err := db.Exec(`DELETE FROM messages WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteByServerID removes a message the backend reported as deleted.
// Missing rows are not an error.
func (db *DB) DeleteByServerID(serverID int64) error {
	_, err := db.Exec(`DELETE FROM messages WHERE server_id = ?`, serverID)
	return err
}

// RequeueFailed moves failed messages back to pending and returns how many
// moved. channelID 0 matches every channel; maxAttempts 0 ignores the attempt
// counter, otherwise only messages with fewer attempts are requeued.
func (db *DB) RequeueFailed(channelID int64, maxAttempts int) (int, error) {
	query := `UPDATE messages SET sync_status = 'pending', last_error = '' WHERE sync_status = 'failed'`
	var args []any
	if channelID != 0 {
		query += ` AND channel_id = ?`
		args = append(args, channelID)
	}
	if maxAttempts > 0 {
		query += ` AND attempts < ?`
		args = append(args, maxAttempts)
	}
	res, err := db.Exec(query, args...)
	if err != nil {
		return 0, fmt.Errorf("requeue failed: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
