package store

import (
	"database/sql"
	"time"
)

// SaveConversation inserts or updates a conversation. The cursor is merged
// with MAX so a stale write can never move it backwards.
func (db *DB) SaveConversation(c *Conversation) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO conversations (id, kind, cursor, last_message_at, last_message_preview, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			kind = excluded.kind,
			cursor = MAX(conversations.cursor, excluded.cursor),
			last_message_at = MAX(conversations.last_message_at, excluded.last_message_at),
			last_message_preview = CASE WHEN excluded.last_message_at >= conversations.last_message_at
				THEN excluded.last_message_preview ELSE conversations.last_message_preview END,
			updated_at = excluded.updated_at`,
		c.ID, c.Kind, c.Cursor, c.LastMessageAt, c.LastMessagePreview, now, now)
	return err
}

// GetConversation returns a conversation by id, or nil if unknown.
func (db *DB) GetConversation(id string) (*Conversation, error) {
	var c Conversation
	err := db.QueryRow(`
		SELECT id, kind, cursor, last_message_at, last_message_preview
		FROM conversations WHERE id = ?`, id).
		Scan(&c.ID, &c.Kind, &c.Cursor, &c.LastMessageAt, &c.LastMessagePreview)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ListConversations returns conversations sorted by last message time descending.
func (db *DB) ListConversations(limit, offset int) ([]Conversation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		SELECT id, kind, cursor, last_message_at, last_message_preview
		FROM conversations
		ORDER BY last_message_at DESC
		LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var convs []Conversation
	for rows.Next() {
		var c Conversation
		if err := rows.Scan(&c.ID, &c.Kind, &c.Cursor, &c.LastMessageAt, &c.LastMessagePreview); err != nil {
			return nil, err
		}
		convs = append(convs, c)
	}
	return convs, rows.Err()
}

// UpdateCursor advances a conversation's cursor. A value at or below the
// current cursor is a no-op: the cursor is monotonic.
func (db *DB) UpdateCursor(id string, seq int64) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		UPDATE conversations
		SET cursor = MAX(cursor, ?), updated_at = ?
		WHERE id = ?`, seq, now, id)
	return err
}

// UpdatePreview opportunistically refreshes the denormalized last-message
// preview. Older previews lose against what is already stored.
func (db *DB) UpdatePreview(id, preview string, at int64) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		UPDATE conversations
		SET last_message_preview = CASE WHEN ? >= last_message_at THEN ? ELSE last_message_preview END,
			last_message_at = MAX(last_message_at, ?),
			updated_at = ?
		WHERE id = ?`, at, preview, at, now, id)
	return err
}
