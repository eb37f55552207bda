package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/matheus3301/finlink/internal/model"
)

// SaveSnapshot replaces the stored conversation state in one transaction.
func (db *DB) SaveSnapshot(s model.Snapshot) (err error) {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	for _, table := range []string{"conversations", "messages", "thread_state"} {
		if _, err = tx.Exec(`DELETE FROM ` + table); err != nil {
			return fmt.Errorf("clear %s: %w", table, err)
		}
	}

	convStmt, err := tx.Prepare(`
		INSERT INTO conversations (id, participant_id, participant_name, participant_type,
			last_message, last_message_at, unread_count, is_online, position)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer func() { _ = convStmt.Close() }()
	for i, c := range s.Conversations {
		if _, err = convStmt.Exec(c.ID, c.ParticipantID, c.ParticipantName, string(c.ParticipantType),
			c.LastMessage, unixMilli(c.LastMessageAt), c.UnreadCount, c.IsOnline, i); err != nil {
			return fmt.Errorf("insert conversation %s: %w", c.ID, err)
		}
	}

	msgStmt, err := tx.Prepare(`
		INSERT INTO messages (conversation_id, msg_id, client_id, sender_id, sender_type,
			content, content_type, metadata, status, created_at, read_at, position)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(conversation_id, msg_id) DO NOTHING`)
	if err != nil {
		return err
	}
	defer func() { _ = msgStmt.Close() }()
	for convID, th := range s.Threads {
		if _, err = tx.Exec(`INSERT INTO thread_state (conversation_id, has_more) VALUES (?, ?)`,
			convID, th.HasMore); err != nil {
			return fmt.Errorf("insert thread state %s: %w", convID, err)
		}
		for i, m := range th.Messages {
			var meta, readAt any
			if m.Metadata != nil {
				b, merr := json.Marshal(m.Metadata)
				if merr != nil {
					return merr
				}
				meta = string(b)
			}
			if m.ReadAt != nil {
				readAt = unixMilli(*m.ReadAt)
			}
			if _, err = msgStmt.Exec(convID, m.ID, m.ClientID, m.SenderID, string(m.SenderType),
				m.Content, string(m.ContentType), meta, string(m.Status),
				unixMilli(m.CreatedAt), readAt, i); err != nil {
				return fmt.Errorf("insert message %s: %w", m.ID, err)
			}
		}
	}

	return tx.Commit()
}

// LoadSnapshot reads back what SaveSnapshot stored. An empty database
// yields an empty snapshot.
func (db *DB) LoadSnapshot() (model.Snapshot, error) {
	snap := model.Snapshot{Threads: make(map[string]model.Thread)}

	rows, err := db.Query(`
		SELECT id, participant_id, participant_name, participant_type,
			last_message, last_message_at, unread_count, is_online
		FROM conversations ORDER BY position`)
	if err != nil {
		return snap, err
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var c model.Conversation
		var ptype string
		var lastAt int64
		if err := rows.Scan(&c.ID, &c.ParticipantID, &c.ParticipantName, &ptype,
			&c.LastMessage, &lastAt, &c.UnreadCount, &c.IsOnline); err != nil {
			return snap, err
		}
		c.ParticipantType = model.ParticipantType(ptype)
		c.LastMessageAt = fromMilli(lastAt)
		snap.Conversations = append(snap.Conversations, c)
	}
	if err := rows.Err(); err != nil {
		return snap, err
	}

	states, err := db.Query(`SELECT conversation_id, has_more FROM thread_state`)
	if err != nil {
		return snap, err
	}
	defer func() { _ = states.Close() }()
	for states.Next() {
		var id string
		var th model.Thread
		if err := states.Scan(&id, &th.HasMore); err != nil {
			return snap, err
		}
		snap.Threads[id] = th
	}
	if err := states.Err(); err != nil {
		return snap, err
	}

	msgs, err := db.Query(`
		SELECT conversation_id, msg_id, client_id, sender_id, sender_type,
			content, content_type, metadata, status, created_at, read_at
		FROM messages ORDER BY conversation_id, position`)
	if err != nil {
		return snap, err
	}
	defer func() { _ = msgs.Close() }()
	for msgs.Next() {
		m, err := scanMessage(msgs)
		if err != nil {
			return snap, err
		}
		th := snap.Threads[m.ConversationID]
		th.Messages = append(th.Messages, m)
		snap.Threads[m.ConversationID] = th
	}
	return snap, msgs.Err()
}

func scanMessage(rows *sql.Rows) (model.Message, error) {
	var m model.Message
	var senderType, contentType, status string
	var meta sql.NullString
	var createdAt int64
	var readAt sql.NullInt64
	if err := rows.Scan(&m.ConversationID, &m.ID, &m.ClientID, &m.SenderID, &senderType,
		&m.Content, &contentType, &meta, &status, &createdAt, &readAt); err != nil {
		return m, err
	}
	m.SenderType = model.SenderType(senderType)
	m.ContentType = model.ContentType(contentType)
	m.Status = model.MessageStatus(status)
	m.CreatedAt = fromMilli(createdAt)
	if readAt.Valid {
		t := fromMilli(readAt.Int64)
		m.ReadAt = &t
	}
	if meta.Valid && meta.String != "" {
		m.Metadata = &model.Metadata{}
		if err := json.Unmarshal([]byte(meta.String), m.Metadata); err != nil {
			return m, fmt.Errorf("decode metadata of %s: %w", m.ID, err)
		}
	}
	return m, nil
}

func unixMilli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMilli(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
