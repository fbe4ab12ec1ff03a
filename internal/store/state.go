package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
)

// Router-state keys.
const (
	stateLastTimestamp   = "last_timestamp"
	stateAgentTimestamps = "agent_timestamps"
)

// LastTimestamp returns the store-wide "seen up to" watermark.
func (s *Store) LastTimestamp() (string, error) {
	return s.stateValue(stateLastTimestamp)
}

// SetLastTimestamp persists the store-wide watermark. It only ever moves
// forward; callers enforce monotonicity.
func (s *Store) SetLastTimestamp(ts string) error {
	return s.setStateValue(stateLastTimestamp, ts)
}

// AgentTimestamps returns the per-folder "handed to agent" cursors. A
// corrupt blob resets to an empty map; the recovery scan rebuilds coverage
// from the message table.
func (s *Store) AgentTimestamps() (map[string]string, error) {
	raw, err := s.stateValue(stateAgentTimestamps)
	if err != nil {
		return nil, err
	}
	cursors := make(map[string]string)
	if raw == "" {
		return cursors, nil
	}
	if err := json.Unmarshal([]byte(raw), &cursors); err != nil {
		slog.Warn("corrupt agent cursor state, resetting", "error", err)
		return make(map[string]string), nil
	}
	return cursors, nil
}

// SetAgentTimestamp persists one folder's agent cursor inside the JSON blob.
func (s *Store) SetAgentTimestamp(folder, ts string) error {
	cursors, err := s.AgentTimestamps()
	if err != nil {
		return err
	}
	cursors[folder] = ts
	data, err := json.Marshal(cursors)
	if err != nil {
		return fmt.Errorf("encode agent cursors: %w", err)
	}
	return s.setStateValue(stateAgentTimestamps, string(data))
}

func (s *Store) stateValue(key string) (string, error) {
	var v string
	err := s.db.QueryRow(`SELECT value FROM router_state WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get router state %s: %w", key, err)
	}
	return v, nil
}

func (s *Store) setStateValue(key, value string) error {
	_, err := s.db.Exec(`
		INSERT INTO router_state (key, value) VALUES (?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("set router state %s: %w", key, err)
	}
	return nil
}
