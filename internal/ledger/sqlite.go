package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/nugget/dietbot/internal/retry"
)

// SQLiteStore is a [Store] backed by SQLite. All public methods are safe
// for concurrent use (SQLite serializes writes).
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the ledger database at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open ledger database: %w", err)
	}
	s, err := NewSQLiteStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLiteStore wraps an open database, running migrations on first use.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate ledger schema: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS messages (
		seq         INTEGER PRIMARY KEY AUTOINCREMENT,
		id          TEXT NOT NULL UNIQUE,
		user_id     TEXT NOT NULL,
		ts_ns       INTEGER NOT NULL,
		role        TEXT NOT NULL,
		type        TEXT NOT NULL,
		content     TEXT NOT NULL DEFAULT '',
		object_path TEXT,
		image_data  TEXT,
		food        TEXT,
		llm_params  TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_messages_user_ts ON messages(user_id, ts_ns DESC, seq DESC);

	CREATE TABLE IF NOT EXISTS profiles (
		user_id    TEXT PRIMARY KEY,
		data       TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// PutMessage appends m. An existing id yields [ErrDuplicate].
func (s *SQLiteStore) PutMessage(ctx context.Context, m *Message) error {
	if err := m.Validate(); err != nil {
		return retry.Permanent(err)
	}

	imageData, err := jsonColumn(m.ImageData, m.ImageData == nil)
	if err != nil {
		return retry.Permanent(err)
	}
	food, err := jsonColumn(m.Food, len(m.Food) == 0)
	if err != nil {
		return retry.Permanent(err)
	}
	llm, err := jsonColumn(m.LLM, m.LLM == nil)
	if err != nil {
		return retry.Permanent(err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO messages (id, user_id, ts_ns, role, type, content, object_path, image_data, food, llm_params)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.UserID, m.Timestamp.UTC().UnixNano(), string(m.Role), string(m.Type), m.Content,
		nullString(m.ObjectPath), imageData, food, llm,
	)
	if err != nil {
		return classifySQLiteError(fmt.Errorf("insert message %s: %w", m.ID, err))
	}
	return nil
}

// Messages returns the user's messages matching f, newest first.
func (s *SQLiteStore) Messages(ctx context.Context, userID string, f Filter) ([]Message, error) {
	query := `SELECT id, user_id, ts_ns, role, type, content, object_path, image_data, food, llm_params
		FROM messages WHERE user_id = ?`
	args := []any{userID}

	if !f.Since.IsZero() {
		query += ` AND ts_ns >= ?`
		args = append(args, f.Since.UTC().UnixNano())
	}
	if !f.Before.IsZero() {
		query += ` AND ts_ns < ?`
		args = append(args, f.Before.UTC().UnixNano())
	}
	query += ` ORDER BY ts_ns DESC, seq DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classifySQLiteError(fmt.Errorf("query messages: %w", err))
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var (
			m                             Message
			tsNS                          int64
			role, typ                     string
			objectPath, image, food, llmP sql.NullString
		)
		if err := rows.Scan(&m.ID, &m.UserID, &tsNS, &role, &typ, &m.Content, &objectPath, &image, &food, &llmP); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Timestamp = time.Unix(0, tsNS).UTC()
		m.Role = Role(role)
		m.Type = MessageType(typ)
		m.ObjectPath = objectPath.String
		if image.Valid {
			m.ImageData = &ImageData{}
			if err := json.Unmarshal([]byte(image.String), m.ImageData); err != nil {
				return nil, fmt.Errorf("decode image_data for %s: %w", m.ID, err)
			}
		}
		if food.Valid {
			if err := json.Unmarshal([]byte(food.String), &m.Food); err != nil {
				return nil, fmt.Errorf("decode food for %s: %w", m.ID, err)
			}
		}
		if llmP.Valid {
			m.LLM = &ModelParams{}
			if err := json.Unmarshal([]byte(llmP.String), m.LLM); err != nil {
				return nil, fmt.Errorf("decode llm_params for %s: %w", m.ID, err)
			}
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// Profile returns the user's profile or [ErrNotFound].
func (s *SQLiteStore) Profile(ctx context.Context, userID string) (*Profile, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM profiles WHERE user_id = ?`, userID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, classifySQLiteError(fmt.Errorf("query profile: %w", err))
	}

	var p Profile
	if err := json.Unmarshal([]byte(data), &p); err != nil {
		return nil, fmt.Errorf("decode profile: %w", err)
	}
	return &p, nil
}

// PutProfile writes p, replacing any previous record.
func (s *SQLiteStore) PutProfile(ctx context.Context, p *Profile) error {
	if p.UserID == "" {
		return retry.Permanent(errors.New("profile user_id is empty"))
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = time.Now().UTC()
	}
	data, err := json.Marshal(p)
	if err != nil {
		return retry.Permanent(fmt.Errorf("encode profile: %w", err))
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO profiles (user_id, data, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		p.UserID, string(data), p.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return classifySQLiteError(fmt.Errorf("upsert profile: %w", err))
	}
	return nil
}

func jsonColumn(v any, empty bool) (sql.NullString, error) {
	if empty {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// classifySQLiteError maps driver errors onto ledger and retry semantics.
// Matching on text keeps this independent of which SQLite driver is
// registered (mattn in production, modernc in tests).
func classifySQLiteError(err error) error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "UNIQUE constraint failed"):
		return retry.Permanent(fmt.Errorf("%w: %v", ErrDuplicate, err))
	case strings.Contains(msg, "database is locked"), strings.Contains(msg, "SQLITE_BUSY"):
		return retry.Transient(err)
	}
	return err
}
