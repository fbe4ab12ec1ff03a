package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// ErrGroupExists is returned when registering a group whose JID or folder is
// already bound.
var ErrGroupExists = errors.New("group already registered")

// RegisterGroup binds a chat to a workspace folder. JID and folder are both
// unique across the table.
func (s *Store) RegisterGroup(g RegisteredGroup) error {
	var cfgJSON any
	if g.Config != nil {
		data, err := json.Marshal(g.Config)
		if err != nil {
			return fmt.Errorf("encode group config: %w", err)
		}
		cfgJSON = string(data)
	}
	_, err := s.db.Exec(`
		INSERT INTO registered_groups (jid, name, folder, trigger_pattern, requires_trigger, added_at, container_config)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		g.JID, g.Name, g.Folder, g.TriggerPattern, boolToInt(g.RequiresTrigger), g.AddedAt, cfgJSON)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrGroupExists
		}
		return fmt.Errorf("register group %s: %w", g.JID, err)
	}
	return nil
}

// UpdateGroupConfig replaces the sandbox config blob for a folder.
func (s *Store) UpdateGroupConfig(folder string, cfg *GroupConfig) error {
	var cfgJSON any
	if cfg != nil {
		data, err := json.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("encode group config: %w", err)
		}
		cfgJSON = string(data)
	}
	_, err := s.db.Exec(`UPDATE registered_groups SET container_config = ? WHERE folder = ?`, cfgJSON, folder)
	if err != nil {
		return fmt.Errorf("update group config %s: %w", folder, err)
	}
	return nil
}

// RegisteredGroups loads every workspace binding. A corrupt config blob is
// reset to empty rather than failing the load.
func (s *Store) RegisteredGroups() ([]RegisteredGroup, error) {
	rows, err := s.db.Query(`
		SELECT jid, name, folder, trigger_pattern, requires_trigger, added_at, container_config
		FROM registered_groups ORDER BY added_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list registered groups: %w", err)
	}
	defer rows.Close()

	var groups []RegisteredGroup
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, err
		}
		groups = append(groups, *g)
	}
	return groups, rows.Err()
}

// GroupByFolder fetches a single workspace binding, or nil when the folder
// is unknown.
func (s *Store) GroupByFolder(folder string) (*RegisteredGroup, error) {
	row := s.db.QueryRow(`
		SELECT jid, name, folder, trigger_pattern, requires_trigger, added_at, container_config
		FROM registered_groups WHERE folder = ?`, folder)
	g, err := scanGroup(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get group %s: %w", folder, err)
	}
	return g, nil
}

func scanGroup(row rowScanner) (*RegisteredGroup, error) {
	var g RegisteredGroup
	var requiresTrigger int
	var cfgJSON sql.NullString
	if err := row.Scan(&g.JID, &g.Name, &g.Folder, &g.TriggerPattern, &requiresTrigger, &g.AddedAt, &cfgJSON); err != nil {
		return nil, err
	}
	g.RequiresTrigger = requiresTrigger != 0
	if cfgJSON.Valid && cfgJSON.String != "" {
		var cfg GroupConfig
		if err := json.Unmarshal([]byte(cfgJSON.String), &cfg); err != nil {
			slog.Warn("corrupt group config, resetting", "folder", g.Folder, "error", err)
		} else {
			g.Config = &cfg
		}
	}
	return &g, nil
}

func isUniqueViolation(err error) bool {
	// modernc sqlite surfaces constraint failures as string-typed errors.
	return err != nil && strings.Contains(err.Error(), "constraint failed")
}
