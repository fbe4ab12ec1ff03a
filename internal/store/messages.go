package store

import (
	"database/sql"
	"fmt"
	"strings"
)

// UpsertChat records chat-level metadata, creating the row on first
// observation and bumping name/last-message time on every message.
func (s *Store) UpsertChat(jid, name, lastMessageTime string) error {
	_, err := s.db.Exec(`
		INSERT INTO chats (jid, name, last_message_time) VALUES (?, ?, ?)
		ON CONFLICT (jid) DO UPDATE SET
			name = CASE WHEN excluded.name != '' THEN excluded.name ELSE chats.name END,
			last_message_time = MAX(chats.last_message_time, excluded.last_message_time)`,
		jid, name, lastMessageTime)
	if err != nil {
		return fmt.Errorf("upsert chat %s: %w", jid, err)
	}
	return nil
}

// StoreMessage persists an inbound message. Full content is kept only for
// registered chats; for everything else an empty content row is written so
// the (chat, id) dedupe key still exists.
func (s *Store) StoreMessage(m Message, keepContent bool) error {
	content := m.Content
	if !keepContent {
		content = ""
	}
	_, err := s.db.Exec(`
		INSERT INTO messages (chat_jid, id, sender_id, sender_name, content, timestamp, from_self)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (chat_jid, id) DO NOTHING`,
		m.ChatJID, m.ID, m.SenderID, m.SenderName, content, m.Timestamp, boolToInt(m.FromSelf))
	if err != nil {
		return fmt.Errorf("store message %s/%s: %w", m.ChatJID, m.ID, err)
	}
	return nil
}

// GetNewMessages returns messages strictly after sinceTs for any of the
// given chats, excluding the assistant's own messages, ordered by timestamp.
// The second return value is the new watermark: the max timestamp seen, or
// sinceTs when there is nothing new.
func (s *Store) GetNewMessages(jids []string, sinceTs, selfName string) ([]Message, string, error) {
	if len(jids) == 0 {
		return nil, sinceTs, nil
	}
	placeholders := strings.Repeat("?,", len(jids)-1) + "?"
	args := make([]any, 0, len(jids)+2)
	for _, jid := range jids {
		args = append(args, jid)
	}
	args = append(args, sinceTs, selfName)

	rows, err := s.db.Query(fmt.Sprintf(`
		SELECT chat_jid, id, sender_id, sender_name, content, timestamp, from_self
		FROM messages
		WHERE chat_jid IN (%s) AND timestamp > ? AND sender_name != ?
		ORDER BY timestamp ASC`, placeholders), args...)
	if err != nil {
		return nil, sinceTs, fmt.Errorf("query new messages: %w", err)
	}
	defer rows.Close()

	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, sinceTs, err
	}
	newMax := sinceTs
	for _, m := range msgs {
		if m.Timestamp > newMax {
			newMax = m.Timestamp
		}
	}
	return msgs, newMax, nil
}

// GetMessagesSince returns the catch-up window for a single chat: everything
// strictly after sinceTs not sent by the assistant itself.
func (s *Store) GetMessagesSince(chatJID, sinceTs, selfName string) ([]Message, error) {
	rows, err := s.db.Query(`
		SELECT chat_jid, id, sender_id, sender_name, content, timestamp, from_self
		FROM messages
		WHERE chat_jid = ? AND timestamp > ? AND sender_name != ?
		ORDER BY timestamp ASC`,
		chatJID, sinceTs, selfName)
	if err != nil {
		return nil, fmt.Errorf("query messages since %s for %s: %w", sinceTs, chatJID, err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// ListChats returns every chat the router has ever seen, most recent first.
func (s *Store) ListChats() ([]Chat, error) {
	rows, err := s.db.Query(`SELECT jid, name, last_message_time FROM chats ORDER BY last_message_time DESC`)
	if err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}
	defer rows.Close()

	var chats []Chat
	for rows.Next() {
		var c Chat
		if err := rows.Scan(&c.JID, &c.Name, &c.LastMessageTime); err != nil {
			return nil, fmt.Errorf("scan chat: %w", err)
		}
		chats = append(chats, c)
	}
	return chats, rows.Err()
}

func scanMessages(rows *sql.Rows) ([]Message, error) {
	var msgs []Message
	for rows.Next() {
		var m Message
		var fromSelf int
		if err := rows.Scan(&m.ChatJID, &m.ID, &m.SenderID, &m.SenderName, &m.Content, &m.Timestamp, &fromSelf); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.FromSelf = fromSelf != 0
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
