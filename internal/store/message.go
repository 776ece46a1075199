package store

import (
	"database/sql"
	"time"
)

// UpsertMessage inserts or updates an acknowledged message, idempotent on
// (conversation_key, server_id). Duplicate deliveries collapse into one row;
// only delivery_state and sync_status may advance.
func (db *DB) UpsertMessage(m *Message) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO messages (conversation_key, server_id, sender_id, receiver_id, content, kind, created_at, delivery_state, sync_status, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(conversation_key, server_id) DO UPDATE SET
			delivery_state = excluded.delivery_state,
			sync_status = excluded.sync_status,
			updated_at = excluded.updated_at`,
		m.ConversationKey, m.ServerID, m.SenderID, m.ReceiverID, m.Content, m.Kind, m.CreatedAt, m.DeliveryState, m.SyncStatus, now)
	if err != nil {
		return ioErr("upsert message", err)
	}
	return nil
}

// InsertOptimistic stores a locally created record before the server has
// acknowledged it. The record carries a TempID and no ServerID.
func (db *DB) InsertOptimistic(m *Message) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO messages (conversation_key, temp_id, sender_id, receiver_id, content, kind, created_at, delivery_state, sync_status, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(temp_id) DO UPDATE SET
			delivery_state = excluded.delivery_state,
			updated_at = excluded.updated_at`,
		m.ConversationKey, m.TempID, m.SenderID, m.ReceiverID, m.Content, m.Kind, m.CreatedAt, m.DeliveryState, m.SyncStatus, now)
	if err != nil {
		return ioErr("insert optimistic message", err)
	}
	return nil
}

// ResolveTempID promotes an optimistic record to its server identity. The
// TempID is discarded; from here on only delivery_state may change.
func (db *DB) ResolveTempID(tempID, serverID string, createdAt int64) error {
	_, err := db.Exec(`
		UPDATE messages SET
			server_id = ?,
			temp_id = NULL,
			created_at = CASE WHEN ? > 0 THEN ? ELSE created_at END,
			delivery_state = 'sent',
			sync_status = 'synced',
			updated_at = ?
		WHERE temp_id = ?`,
		serverID, createdAt, createdAt, time.Now().UnixMilli(), tempID)
	if err != nil {
		return ioErr("resolve temp id", err)
	}
	return nil
}

// SetDeliveryStateByTempID updates the delivery state of an unacked record.
func (db *DB) SetDeliveryStateByTempID(tempID string, state DeliveryState) error {
	_, err := db.Exec(`UPDATE messages SET delivery_state = ?, updated_at = ? WHERE temp_id = ?`,
		state, time.Now().UnixMilli(), tempID)
	if err != nil {
		return ioErr("set delivery state", err)
	}
	return nil
}

// MarkMessagesRead advances outbound messages in a conversation to read.
// An empty serverIDs slice marks every sent/delivered outbound message.
func (db *DB) MarkMessagesRead(conversationKey, senderID string, serverIDs []string) error {
	now := time.Now().UnixMilli()
	if len(serverIDs) == 0 {
		_, err := db.Exec(`
			UPDATE messages SET delivery_state = 'read', updated_at = ?
			WHERE conversation_key = ? AND sender_id = ? AND delivery_state IN ('sent', 'delivered')`,
			now, conversationKey, senderID)
		if err != nil {
			return ioErr("mark messages read", err)
		}
		return nil
	}
	for _, id := range serverIDs {
		if _, err := db.Exec(`
			UPDATE messages SET delivery_state = 'read', updated_at = ?
			WHERE conversation_key = ? AND sender_id = ? AND server_id = ?`,
			now, conversationKey, senderID, id); err != nil {
			return ioErr("mark messages read", err)
		}
	}
	return nil
}

// HasServerID reports whether a message with the given server ID already
// exists in the conversation. Used to absorb duplicate deliveries.
func (db *DB) HasServerID(conversationKey, serverID string) (bool, error) {
	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM messages WHERE conversation_key = ? AND server_id = ?`,
		conversationKey, serverID).Scan(&n)
	if err != nil {
		return false, ioErr("has server id", err)
	}
	return n > 0, nil
}

// GetByTempID returns the optimistic record with the given temp ID, or nil.
func (db *DB) GetByTempID(tempID string) (*Message, error) {
	row := db.QueryRow(selectMessage+` WHERE temp_id = ?`, tempID)
	return scanMessage(row)
}

// ListMessages returns messages for a conversation ordered by the
// server-assigned timestamp, using keyset pagination.
func (db *DB) ListMessages(conversationKey string, beforeTs int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if beforeTs <= 0 {
		beforeTs = time.Now().UnixMilli() + 1
	}
	rows, err := db.Query(selectMessage+`
		WHERE conversation_key = ? AND created_at < ?
		ORDER BY created_at DESC
		LIMIT ?`, conversationKey, beforeTs, limit)
	if err != nil {
		return nil, ioErr("list messages", err)
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		m, err := scanMessageRows(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, ioErr("list messages", err)
	}
	return msgs, nil
}

// PendingMessages returns records whose server write never succeeded.
// These are retry candidates; they never silently disappear from the cache.
func (db *DB) PendingMessages() ([]Message, error) {
	rows, err := db.Query(selectMessage + `
		WHERE sync_status = 'pending' AND delivery_state = 'failed'
		ORDER BY created_at ASC`)
	if err != nil {
		return nil, ioErr("pending messages", err)
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		m, err := scanMessageRows(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, ioErr("pending messages", err)
	}
	return msgs, nil
}

// Wipe deletes all cached data. The only path that ever deletes records.
func (db *DB) Wipe() error {
	for _, table := range []string{"messages", "profiles", "avatars", "contacts", "settings"} {
		if _, err := db.Exec(`DELETE FROM ` + table); err != nil {
			return ioErr("wipe "+table, err)
		}
	}
	return nil
}

const selectMessage = `
	SELECT id, conversation_key, server_id, temp_id, sender_id, receiver_id, content, kind, created_at, delivery_state, sync_status
	FROM messages`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row *sql.Row) (*Message, error) {
	m, err := scanInto(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return m, err
}

func scanMessageRows(rows *sql.Rows) (*Message, error) {
	return scanInto(rows)
}

func scanInto(s rowScanner) (*Message, error) {
	var m Message
	var serverID, tempID sql.NullString
	if err := s.Scan(&m.RowID, &m.ConversationKey, &serverID, &tempID, &m.SenderID, &m.ReceiverID,
		&m.Content, &m.Kind, &m.CreatedAt, &m.DeliveryState, &m.SyncStatus); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, ioErr("scan message", err)
	}
	m.ServerID = serverID.String
	m.TempID = tempID.String
	return &m, nil
}
