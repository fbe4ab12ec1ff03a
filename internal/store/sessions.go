package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// GetSession returns the stored session ID for a folder, or "" when the
// workspace has never completed a run.
func (s *Store) GetSession(folder string) (string, error) {
	var id string
	err := s.db.QueryRow(`SELECT session_id FROM sessions WHERE group_folder = ?`, folder).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get session %s: %w", folder, err)
	}
	return id, nil
}

// SetSession writes through the session handle an agent run emitted.
func (s *Store) SetSession(folder, sessionID string) error {
	_, err := s.db.Exec(`
		INSERT INTO sessions (group_folder, session_id, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (group_folder) DO UPDATE SET session_id = excluded.session_id, updated_at = excluded.updated_at`,
		folder, sessionID, FormatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("set session %s: %w", folder, err)
	}
	return nil
}

// AllSessions loads the folder → session map for startup.
func (s *Store) AllSessions() (map[string]string, error) {
	rows, err := s.db.Query(`SELECT group_folder, session_id FROM sessions`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	sessions := make(map[string]string)
	for rows.Next() {
		var folder, id string
		if err := rows.Scan(&folder, &id); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions[folder] = id
	}
	return sessions, rows.Err()
}
