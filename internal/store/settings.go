package store

import (
	"database/sql"
	"errors"
	"fmt"
)

// Settings keys recognized by the runtime selector and timing knobs. The
// settings table is the middle tier of the resolution order: group config
// first, then settings, then environment, then defaults.
const (
	SettingContainerRuntime = "container_runtime"
	SettingAgentRuntime     = "agent_runtime"
	SettingRequireTrigger   = "require_trigger"
)

// Setting returns the value for key, or "" when unset.
func (s *Store) Setting(key string) (string, error) {
	var v string
	err := s.db.QueryRow(`SELECT value FROM settings WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get setting %s: %w", key, err)
	}
	return v, nil
}

// SetSetting writes a key/value setting.
func (s *Store) SetSetting(key, value string) error {
	_, err := s.db.Exec(`
		INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("set setting %s: %w", key, err)
	}
	return nil
}
