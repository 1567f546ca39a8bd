package store

import (
	"database/sql"
	"fmt"
	"time"
)

// ScheduledPrompt opens a new turn on a schedule.
type ScheduledPrompt struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Schedule  string     `json:"schedule"`
	Prompt    string     `json:"prompt"`
	Status    string     `json:"status"`
	NextRunAt *time.Time `json:"next_run_at,omitempty"`
	LastRunAt *time.Time `json:"last_run_at,omitempty"`
	LastError string     `json:"last_error,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

func scanPrompt(scanner interface {
	Scan(dest ...any) error
}) (*ScheduledPrompt, error) {
	p := &ScheduledPrompt{}
	var lastError *string
	err := scanner.Scan(&p.ID, &p.Name, &p.Schedule, &p.Prompt, &p.Status,
		&p.NextRunAt, &p.LastRunAt, &lastError, &p.CreatedAt)
	if err != nil {
		return nil, err
	}
	if lastError != nil {
		p.LastError = *lastError
	}
	return p, nil
}

func (s *Store) SavePrompt(p *ScheduledPrompt) error {
	_, err := s.db.Exec(`
		INSERT INTO scheduled_prompts (id, name, schedule, prompt, status, next_run_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			schedule = excluded.schedule,
			prompt = excluded.prompt,
			status = excluded.status,
			next_run_at = excluded.next_run_at`,
		p.ID, p.Name, p.Schedule, p.Prompt, p.Status, p.NextRunAt)
	if err != nil {
		return fmt.Errorf("save prompt: %w", err)
	}
	return nil
}

func (s *Store) GetPrompt(id string) (*ScheduledPrompt, error) {
	row := s.db.QueryRow(`
		SELECT id, name, schedule, prompt, status, next_run_at, last_run_at, last_error, created_at
		FROM scheduled_prompts WHERE id = ?`, id)
	p, err := scanPrompt(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get prompt: %w", err)
	}
	return p, nil
}

func (s *Store) ListPrompts() ([]ScheduledPrompt, error) {
	rows, err := s.db.Query(`
		SELECT id, name, schedule, prompt, status, next_run_at, last_run_at, last_error, created_at
		FROM scheduled_prompts ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list prompts: %w", err)
	}
	defer rows.Close()

	var out []ScheduledPrompt
	for rows.Next() {
		p, err := scanPrompt(rows)
		if err != nil {
			return nil, fmt.Errorf("scan prompt: %w", err)
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// DuePrompts returns active prompts whose next run is at or before now.
func (s *Store) DuePrompts(now time.Time) ([]ScheduledPrompt, error) {
	rows, err := s.db.Query(`
		SELECT id, name, schedule, prompt, status, next_run_at, last_run_at, last_error, created_at
		FROM scheduled_prompts
		WHERE status = 'active' AND next_run_at IS NOT NULL AND next_run_at <= ?`, now)
	if err != nil {
		return nil, fmt.Errorf("due prompts: %w", err)
	}
	defer rows.Close()

	var out []ScheduledPrompt
	for rows.Next() {
		p, err := scanPrompt(rows)
		if err != nil {
			return nil, fmt.Errorf("scan prompt: %w", err)
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// MarkPromptRun records a run attempt and schedules the next one.
func (s *Store) MarkPromptRun(id string, next *time.Time, runErr string) error {
	status := "active"
	if next == nil {
		status = "done"
	}
	_, err := s.db.Exec(`
		UPDATE scheduled_prompts
		SET last_run_at = CURRENT_TIMESTAMP, last_error = ?, next_run_at = ?, status = ?
		WHERE id = ?`, runErr, next, status, id)
	if err != nil {
		return fmt.Errorf("mark prompt run: %w", err)
	}
	return nil
}

func (s *Store) DeletePrompt(id string) error {
	_, err := s.db.Exec(`DELETE FROM scheduled_prompts WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete prompt: %w", err)
	}
	return nil
}
