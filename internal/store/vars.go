package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
)

// Durable variables back the reference-resolution store across turns.
// Last-write-wins per key.

func (s *Store) SetVar(key string, value json.RawMessage) error {
	_, err := s.db.Exec(`
		INSERT INTO variables (key, value, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			updated_at = CURRENT_TIMESTAMP`,
		key, string(value))
	if err != nil {
		return fmt.Errorf("set variable: %w", err)
	}
	return nil
}

func (s *Store) GetVar(key string) (json.RawMessage, bool, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM variables WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get variable: %w", err)
	}
	return json.RawMessage(value), true, nil
}

func (s *Store) ListVars() (map[string]json.RawMessage, error) {
	rows, err := s.db.Query(`SELECT key, value FROM variables ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("list variables: %w", err)
	}
	defer rows.Close()

	out := make(map[string]json.RawMessage)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("scan variable: %w", err)
		}
		out[key] = json.RawMessage(value)
	}
	return out, rows.Err()
}
