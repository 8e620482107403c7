package store

import (
	"database/sql"
	"fmt"
	"time"
)

// SaveMessage inserts or updates a message, idempotent on uuid. Sequence is
// merged with MAX so a replayed event carrying sequence 0 cannot unsequence
// an already-reconciled row, and tombstones are sticky.
func (db *DB) SaveMessage(m *Message) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO messages (uuid, conversation_id, sender_id, content_type, content, attachment, sequence, send_time, recalled, deleted, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(uuid) DO UPDATE SET
			content = excluded.content,
			attachment = excluded.attachment,
			sequence = MAX(messages.sequence, excluded.sequence),
			send_time = CASE WHEN excluded.send_time > 0 THEN excluded.send_time ELSE messages.send_time END,
			recalled = MAX(messages.recalled, excluded.recalled),
			deleted = MAX(messages.deleted, excluded.deleted)`,
		m.UUID, m.ConversationID, m.SenderID, m.ContentType, m.Content, m.Attachment,
		m.Sequence, m.SendTime, m.Recalled, m.Deleted, now)
	return err
}

// SaveMessages persists a batch of messages in one transaction with the same
// upsert semantics as SaveMessage. Either the whole batch lands or none of it
// does, which is what lets the sync coordinator advance the cursor afterwards.
func (db *DB) SaveMessages(msgs []Message) error {
	if len(msgs) == 0 {
		return nil
	}
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UnixMilli()
	for i := range msgs {
		m := &msgs[i]
		if _, err := tx.Exec(`
			INSERT INTO messages (uuid, conversation_id, sender_id, content_type, content, attachment, sequence, send_time, recalled, deleted, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(uuid) DO UPDATE SET
				content = excluded.content,
				attachment = excluded.attachment,
				sequence = MAX(messages.sequence, excluded.sequence),
				send_time = CASE WHEN excluded.send_time > 0 THEN excluded.send_time ELSE messages.send_time END,
				recalled = MAX(messages.recalled, excluded.recalled),
				deleted = MAX(messages.deleted, excluded.deleted)`,
			m.UUID, m.ConversationID, m.SenderID, m.ContentType, m.Content, m.Attachment,
			m.Sequence, m.SendTime, m.Recalled, m.Deleted, now); err != nil {
			return fmt.Errorf("upsert message in batch: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}
	return nil
}

// GetMessages returns visible messages for a conversation using keyset
// pagination by sequence. beforeSeq <= 0 means "latest page". Results are
// newest-first; callers reverse for rendering.
func (db *DB) GetMessages(conversationID string, limit int, beforeSeq int64) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}

	var (
		rows *sql.Rows
		err  error
	)
	if beforeSeq > 0 {
		rows, err = db.Query(`
			SELECT id, uuid, conversation_id, sender_id, content_type, content, attachment, sequence, send_time, recalled, deleted
			FROM messages
			WHERE conversation_id = ? AND recalled = 0 AND deleted = 0
				AND sequence > 0 AND sequence < ?
			ORDER BY sequence DESC
			LIMIT ?`, conversationID, beforeSeq, limit)
	} else {
		rows, err = db.Query(`
			SELECT id, uuid, conversation_id, sender_id, content_type, content, attachment, sequence, send_time, recalled, deleted
			FROM messages
			WHERE conversation_id = ? AND recalled = 0 AND deleted = 0
			ORDER BY send_time DESC, sequence DESC
			LIMIT ?`, conversationID, limit)
	}
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.RowID, &m.UUID, &m.ConversationID, &m.SenderID, &m.ContentType, &m.Content, &m.Attachment, &m.Sequence, &m.SendTime, &m.Recalled, &m.Deleted); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// GetMessageByUUID returns a message by its server identity, or nil if unknown.
func (db *DB) GetMessageByUUID(uuid string) (*Message, error) {
	var m Message
	err := db.QueryRow(`
		SELECT id, uuid, conversation_id, sender_id, content_type, content, attachment, sequence, send_time, recalled, deleted
		FROM messages WHERE uuid = ?`, uuid).
		Scan(&m.RowID, &m.UUID, &m.ConversationID, &m.SenderID, &m.ContentType, &m.Content, &m.Attachment, &m.Sequence, &m.SendTime, &m.Recalled, &m.Deleted)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// SetSequence records the server-assigned sequence for a message. It only
// ever raises the stored value.
func (db *DB) SetSequence(uuid string, seq int64) error {
	_, err := db.Exec(`UPDATE messages SET sequence = MAX(sequence, ?) WHERE uuid = ?`, seq, uuid)
	return err
}

// MarkRecalled tombstones a message. Unknown uuids are a no-op.
func (db *DB) MarkRecalled(uuid string) error {
	_, err := db.Exec(`UPDATE messages SET recalled = 1 WHERE uuid = ?`, uuid)
	return err
}

// MarkDeleted tombstones a message as locally deleted. Unknown uuids are a no-op.
func (db *DB) MarkDeleted(uuid string) error {
	_, err := db.Exec(`UPDATE messages SET deleted = 1 WHERE uuid = ?`, uuid)
	return err
}
