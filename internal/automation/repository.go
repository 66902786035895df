package automation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// FiringStatus is the outcome of one rule firing.
type FiringStatus string

// Firing statuses.
const (
	FiringCompleted FiringStatus = "completed" // every task ran without error
	FiringPartial   FiringStatus = "partial"   // some tasks failed
	FiringFailed    FiringStatus = "failed"    // every task failed
	FiringSkipped   FiringStatus = "skipped"   // guard blocked and nothing to run
	FiringSuspended FiringStatus = "suspended" // waiting on a delay
)

// Firing is the log record of one rule firing. A firing that suspends on
// a delay is updated again each time it resumes.
type Firing struct {
	ID          string       `json:"id"`
	RuleUID     string       `json:"rule_uid"`
	RuleSet     string       `json:"rule_set"`
	TriggerID   string       `json:"trigger_id,omitempty"`
	Item        string       `json:"item,omitempty"`
	State       string       `json:"state,omitempty"`
	Status      FiringStatus `json:"status"`
	TasksTotal  int          `json:"tasks_total"`
	TasksFailed int          `json:"tasks_failed"`
	Error       string       `json:"error,omitempty"`
	FiredAt     time.Time    `json:"fired_at"`
	FinishedAt  *time.Time   `json:"finished_at,omitempty"`
	DurationMS  int64        `json:"duration_ms"`
}

// Repository persists the firing log.
type Repository interface {
	CreateFiring(ctx context.Context, f *Firing) error
	UpdateFiring(ctx context.Context, f *Firing) error
	GetFiring(ctx context.Context, id string) (*Firing, error)
	ListFirings(ctx context.Context, ruleUID string, limit int) ([]Firing, error)
	PruneFirings(ctx context.Context, ruleUID string, keep int) (int64, error)
}

// timeLayout is fixed width so fired_at sorts correctly as TEXT.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// firingColumns is the SELECT column list for firing queries.
const firingColumns = `id, rule_uid, rule_set, trigger_id, item, state, status,
			tasks_total, tasks_failed, error, fired_at, finished_at, duration_ms`

// SQLiteRepository implements Repository using SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new SQLite-backed repository.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// CreateFiring inserts a firing record.
func (r *SQLiteRepository) CreateFiring(ctx context.Context, f *Firing) error {
	query := `
		INSERT INTO rule_firings (` + firingColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := r.db.ExecContext(ctx, query,
		f.ID,
		f.RuleUID,
		f.RuleSet,
		f.TriggerID,
		f.Item,
		f.State,
		string(f.Status),
		f.TasksTotal,
		f.TasksFailed,
		f.Error,
		f.FiredAt.UTC().Format(timeLayout),
		nullableTime(f.FinishedAt),
		f.DurationMS,
	)
	if err != nil {
		return fmt.Errorf("inserting firing: %w", err)
	}
	return nil
}

// UpdateFiring updates the outcome fields of a firing record.
func (r *SQLiteRepository) UpdateFiring(ctx context.Context, f *Firing) error {
	query := `
		UPDATE rule_firings SET
			status = ?, tasks_total = ?, tasks_failed = ?, error = ?,
			finished_at = ?, duration_ms = ?
		WHERE id = ?`

	result, err := r.db.ExecContext(ctx, query,
		string(f.Status),
		f.TasksTotal,
		f.TasksFailed,
		f.Error,
		nullableTime(f.FinishedAt),
		f.DurationMS,
		f.ID,
	)
	if err != nil {
		return fmt.Errorf("updating firing: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrFiringNotFound
	}
	return nil
}

// GetFiring retrieves a firing by ID.
func (r *SQLiteRepository) GetFiring(ctx context.Context, id string) (*Firing, error) {
	query := `SELECT ` + firingColumns + ` FROM rule_firings WHERE id = ?`

	f, err := scanFiring(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrFiringNotFound
		}
		return nil, fmt.Errorf("querying firing: %w", err)
	}
	return f, nil
}

// ListFirings returns the most recent firings of a rule, newest first.
func (r *SQLiteRepository) ListFirings(ctx context.Context, ruleUID string, limit int) ([]Firing, error) {
	if limit <= 0 {
		limit = 10
	}
	if limit > 100 {
		limit = 100
	}

	query := `
		SELECT ` + firingColumns + `
		FROM rule_firings
		WHERE rule_uid = ?
		ORDER BY fired_at DESC
		LIMIT ?`

	rows, err := r.db.QueryContext(ctx, query, ruleUID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying firings: %w", err)
	}
	defer rows.Close()

	var firings []Firing
	for rows.Next() {
		f, scanErr := scanFiring(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("scanning firing: %w", scanErr)
		}
		firings = append(firings, *f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating firings: %w", err)
	}
	return firings, nil
}

// PruneFirings deletes all but the newest keep firings of a rule.
func (r *SQLiteRepository) PruneFirings(ctx context.Context, ruleUID string, keep int) (int64, error) {
	query := `
		DELETE FROM rule_firings
		WHERE rule_uid = ? AND id NOT IN (
			SELECT id FROM rule_firings WHERE rule_uid = ?
			ORDER BY fired_at DESC LIMIT ?
		)`

	result, err := r.db.ExecContext(ctx, query, ruleUID, ruleUID, keep)
	if err != nil {
		return 0, fmt.Errorf("pruning firings: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking rows affected: %w", err)
	}
	return n, nil
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanFiring(scanner rowScanner) (*Firing, error) {
	var f Firing
	var status, firedAt string
	var finishedAt sql.NullString

	err := scanner.Scan(
		&f.ID,
		&f.RuleUID,
		&f.RuleSet,
		&f.TriggerID,
		&f.Item,
		&f.State,
		&status,
		&f.TasksTotal,
		&f.TasksFailed,
		&f.Error,
		&firedAt,
		&finishedAt,
		&f.DurationMS,
	)
	if err != nil {
		return nil, err
	}

	f.Status = FiringStatus(status)
	if f.FiredAt, err = time.Parse(time.RFC3339Nano, firedAt); err != nil {
		return nil, fmt.Errorf("parsing fired_at: %w", err)
	}
	if finishedAt.Valid {
		t, parseErr := time.Parse(time.RFC3339Nano, finishedAt.String)
		if parseErr != nil {
			return nil, fmt.Errorf("parsing finished_at: %w", parseErr)
		}
		f.FinishedAt = &t
	}
	return &f, nil
}

// nullableTime formats an optional timestamp for a nullable TEXT column.
func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(timeLayout)
}
