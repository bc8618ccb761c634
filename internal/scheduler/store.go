package scheduler

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Store handles task and execution persistence.
type Store struct {
	db *sql.DB
}

// NewStore creates a scheduler store on db. The schema is created
// automatically on first use.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		schedule_json TEXT NOT NULL,
		payload_json TEXT NOT NULL,
		enabled INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL,
		created_by TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS executions (
		id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL,
		scheduled_at TEXT NOT NULL,
		started_at TEXT,
		completed_at TEXT,
		status TEXT NOT NULL,
		result TEXT,
		FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_executions_task_id ON executions(task_id);
	CREATE INDEX IF NOT EXISTS idx_executions_status ON executions(status);
	CREATE INDEX IF NOT EXISTS idx_executions_scheduled_at ON executions(scheduled_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// NewID generates a new UUIDv7.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		// Fallback to v4 if v7 fails
		return uuid.New().String()
	}
	return id.String()
}

const taskColumns = `id, name, schedule_json, payload_json, enabled, created_at, created_by, updated_at`

const executionColumns = `id, task_id, scheduled_at, started_at, completed_at, status, result`

// tsFormat has a fixed-width fraction so stored instants sort as text.
const tsFormat = "2006-01-02T15:04:05.000000000Z07:00"

// CreateTask persists a new task.
func (s *Store) CreateTask(t *Task) error {
	if err := t.Schedule.Validate(); err != nil {
		return err
	}
	if t.ID == "" {
		t.ID = NewID()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	t.UpdatedAt = time.Now()

	scheduleJSON, payloadJSON, err := encodeTask(t)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(`
		INSERT INTO tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, t.ID, t.Name, scheduleJSON, payloadJSON, boolInt(t.Enabled),
		t.CreatedAt.Format(time.RFC3339Nano), t.CreatedBy, t.UpdatedAt.Format(time.RFC3339Nano))

	return err
}

// GetTask retrieves a task by ID.
func (s *Store) GetTask(id string) (*Task, error) {
	row := s.db.QueryRow(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	return scanTask(row)
}

// GetTaskByName retrieves a task by its name.
// Returns nil, nil when no task with the given name exists.
func (s *Store) GetTaskByName(name string) (*Task, error) {
	row := s.db.QueryRow(`SELECT `+taskColumns+` FROM tasks WHERE name = ? LIMIT 1`, name)

	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return t, err
}

// ListTasks returns all tasks, optionally filtered by enabled status.
func (s *Store) ListTasks(enabledOnly bool) ([]*Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks`
	if enabledOnly {
		query += ` WHERE enabled = 1`
	}
	query += ` ORDER BY name ASC`

	rows, err := s.db.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}

	return tasks, rows.Err()
}

// UpdateTask updates an existing task.
func (s *Store) UpdateTask(t *Task) error {
	if err := t.Schedule.Validate(); err != nil {
		return err
	}
	t.UpdatedAt = time.Now()

	scheduleJSON, payloadJSON, err := encodeTask(t)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(`
		UPDATE tasks SET name = ?, schedule_json = ?, payload_json = ?, enabled = ?, updated_at = ?
		WHERE id = ?
	`, t.Name, scheduleJSON, payloadJSON, boolInt(t.Enabled),
		t.UpdatedAt.Format(time.RFC3339Nano), t.ID)

	return err
}

// DeleteTask removes a task and its executions.
func (s *Store) DeleteTask(id string) error {
	if _, err := s.db.Exec(`DELETE FROM executions WHERE task_id = ?`, id); err != nil {
		return err
	}
	_, err := s.db.Exec(`DELETE FROM tasks WHERE id = ?`, id)
	return err
}

// CreateExecution records a new execution.
func (s *Store) CreateExecution(e *Execution) error {
	if e.ID == "" {
		e.ID = NewID()
	}

	_, err := s.db.Exec(`
		INSERT INTO executions (`+executionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.TaskID, e.ScheduledAt.UTC().Format(tsFormat),
		formatOptional(e.StartedAt), formatOptional(e.CompletedAt), e.Status, e.Result)

	return err
}

// UpdateExecution updates an execution record.
func (s *Store) UpdateExecution(e *Execution) error {
	_, err := s.db.Exec(`
		UPDATE executions SET started_at = ?, completed_at = ?, status = ?, result = ?
		WHERE id = ?
	`, formatOptional(e.StartedAt), formatOptional(e.CompletedAt), e.Status, e.Result, e.ID)

	return err
}

// ListExecutions returns executions for a task, newest first.
func (s *Store) ListExecutions(taskID string, limit int) ([]*Execution, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.Query(`
		SELECT `+executionColumns+`
		FROM executions WHERE task_id = ?
		ORDER BY scheduled_at DESC LIMIT ?
	`, taskID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var execs []*Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		execs = append(execs, e)
	}

	return execs, rows.Err()
}

// LastExecution returns the most recently scheduled execution of a task,
// or nil when it never ran.
func (s *Store) LastExecution(taskID string) (*Execution, error) {
	execs, err := s.ListExecutions(taskID, 1)
	if err != nil || len(execs) == 0 {
		return nil, err
	}
	return execs[0], nil
}

// FailInterrupted marks executions still running (left behind by a
// crash or kill) as failed and returns how many it changed.
func (s *Store) FailInterrupted() (int64, error) {
	res, err := s.db.Exec(`
		UPDATE executions SET status = ?, result = ?, completed_at = ?
		WHERE status = ?
	`, StatusFailed, "interrupted by restart", time.Now().Format(time.RFC3339Nano), StatusRunning)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*Task, error) {
	var t Task
	var scheduleJSON, payloadJSON string
	var enabled int
	var createdAt, updatedAt string

	err := row.Scan(&t.ID, &t.Name, &scheduleJSON, &payloadJSON, &enabled, &createdAt, &t.CreatedBy, &updatedAt)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(scheduleJSON), &t.Schedule); err != nil {
		return nil, fmt.Errorf("unmarshal schedule: %w", err)
	}
	if err := json.Unmarshal([]byte(payloadJSON), &t.Payload); err != nil {
		return nil, fmt.Errorf("unmarshal payload: %w", err)
	}

	t.Enabled = enabled == 1
	t.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	t.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)

	return &t, nil
}

func scanExecution(row rowScanner) (*Execution, error) {
	var e Execution
	var scheduledAt string
	var startedAt, completedAt, result sql.NullString

	err := row.Scan(&e.ID, &e.TaskID, &scheduledAt, &startedAt, &completedAt, &e.Status, &result)
	if err != nil {
		return nil, err
	}

	e.ScheduledAt, _ = time.Parse(time.RFC3339Nano, scheduledAt)
	e.StartedAt = parseOptional(startedAt)
	e.CompletedAt = parseOptional(completedAt)
	if result.Valid {
		e.Result = result.String
	}

	return &e, nil
}

func encodeTask(t *Task) (string, string, error) {
	scheduleJSON, err := json.Marshal(t.Schedule)
	if err != nil {
		return "", "", fmt.Errorf("marshal schedule: %w", err)
	}
	payloadJSON, err := json.Marshal(t.Payload)
	if err != nil {
		return "", "", fmt.Errorf("marshal payload: %w", err)
	}
	return string(scheduleJSON), string(payloadJSON), nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func formatOptional(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(tsFormat), Valid: true}
}

func parseOptional(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, ns.String)
	if err != nil {
		return nil
	}
	return &t
}
