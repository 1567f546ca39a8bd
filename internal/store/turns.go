package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/weftlabs/weft/internal/action"
)

// TurnRecord is the persisted shape of one turn.
type TurnRecord struct {
	ID          string     `json:"id"`
	Status      string     `json:"status"`
	Terminating bool       `json:"terminating"`
	Source      string     `json:"source,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

func (s *Store) SaveTurn(t *TurnRecord) error {
	_, err := s.db.Exec(`
		INSERT INTO turns (id, status, terminating, source)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			terminating = excluded.terminating`,
		t.ID, t.Status, t.Terminating, t.Source)
	if err != nil {
		return fmt.Errorf("save turn: %w", err)
	}
	return nil
}

func (s *Store) CompleteTurn(id, status string, terminating bool) error {
	_, err := s.db.Exec(`
		UPDATE turns SET status = ?, terminating = ?, completed_at = CURRENT_TIMESTAMP
		WHERE id = ?`, status, terminating, id)
	if err != nil {
		return fmt.Errorf("complete turn: %w", err)
	}
	return nil
}

func (s *Store) GetTurn(id string) (*TurnRecord, error) {
	row := s.db.QueryRow(`
		SELECT id, status, terminating, source, started_at, completed_at
		FROM turns WHERE id = ?`, id)
	t := &TurnRecord{}
	var terminating sql.NullBool
	var source sql.NullString
	err := row.Scan(&t.ID, &t.Status, &terminating, &source, &t.StartedAt, &t.CompletedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get turn: %w", err)
	}
	t.Terminating = terminating.Valid && terminating.Bool
	t.Source = source.String
	return t, nil
}

func (s *Store) ListTurns(limit int) ([]TurnRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT id, status, terminating, source, started_at, completed_at
		FROM turns ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list turns: %w", err)
	}
	defer rows.Close()

	var out []TurnRecord
	for rows.Next() {
		var t TurnRecord
		var terminating sql.NullBool
		var source sql.NullString
		if err := rows.Scan(&t.ID, &t.Status, &terminating, &source, &t.StartedAt, &t.CompletedAt); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		t.Terminating = terminating.Valid && terminating.Bool
		t.Source = source.String
		out = append(out, t)
	}
	return out, rows.Err()
}

// SaveAction upserts one action's current state, including its result
// once terminal. Payloads are compressed at rest.
func (s *Store) SaveAction(turnID string, a *action.Action) error {
	params, _ := json.Marshal(a.Parameters)
	deps, _ := json.Marshal(a.DependsOn)

	var result []byte
	var failKind, failDetail sql.NullString
	var durationMs sql.NullInt64
	if a.Result != nil {
		result = compressPayload(a.Result.Payload)
		durationMs = sql.NullInt64{Int64: a.Result.Duration.Milliseconds(), Valid: true}
		if a.Result.Failure != nil {
			failKind = sql.NullString{String: string(a.Result.Failure.Kind), Valid: true}
			failDetail = sql.NullString{String: a.Result.Failure.Detail, Valid: true}
		}
	}

	_, err := s.db.Exec(`
		INSERT INTO actions (turn_id, id, kind, target, operation, status, parameters, depends_on, result, failure_kind, failure_detail, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(turn_id, id) DO UPDATE SET
			status = excluded.status,
			parameters = excluded.parameters,
			result = excluded.result,
			failure_kind = excluded.failure_kind,
			failure_detail = excluded.failure_detail,
			duration_ms = excluded.duration_ms`,
		turnID, a.ID, string(a.Kind), a.Target, a.Operation, string(a.Status),
		string(params), string(deps), result, failKind, failDetail, durationMs)
	if err != nil {
		return fmt.Errorf("save action: %w", err)
	}
	return nil
}

func (s *Store) ListActions(turnID string) ([]action.Action, error) {
	rows, err := s.db.Query(`
		SELECT id, kind, target, operation, status, parameters, depends_on, result, failure_kind, failure_detail, duration_ms
		FROM actions WHERE turn_id = ? ORDER BY rowid`, turnID)
	if err != nil {
		return nil, fmt.Errorf("list actions: %w", err)
	}
	defer rows.Close()

	var out []action.Action
	for rows.Next() {
		var a action.Action
		var kind, status string
		var params, deps sql.NullString
		var result []byte
		var failKind, failDetail sql.NullString
		var durationMs sql.NullInt64
		if err := rows.Scan(&a.ID, &kind, &a.Target, &a.Operation, &status, &params, &deps,
			&result, &failKind, &failDetail, &durationMs); err != nil {
			return nil, fmt.Errorf("scan action: %w", err)
		}
		a.Kind = action.Kind(kind)
		a.Status = action.Status(status)
		if params.Valid && params.String != "" {
			_ = json.Unmarshal([]byte(params.String), &a.Parameters)
		}
		if deps.Valid && deps.String != "" {
			_ = json.Unmarshal([]byte(deps.String), &a.DependsOn)
		}
		if durationMs.Valid || failKind.Valid || len(result) > 0 {
			payload, err := decompressPayload(result)
			if err != nil {
				return nil, err
			}
			a.Result = &action.ExecutionResult{
				ActionID: a.ID,
				TurnID:   turnID,
				Payload:  payload,
				Duration: time.Duration(durationMs.Int64) * time.Millisecond,
			}
			if failKind.Valid {
				a.Result.Failure = &action.Failure{
					Kind:   action.FailKind(failKind.String),
					Detail: failDetail.String,
				}
			}
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
