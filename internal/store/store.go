// Package store persists templates and submissions in a local SQLite database.
package store

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rbright/caseform/internal/draft"
	"github.com/rbright/caseform/internal/form"
	"github.com/rbright/caseform/internal/template"
	_ "modernc.org/sqlite"
)

// CurrentSchemaVersion is the latest schema version. Bump when adding migrations.
const CurrentSchemaVersion = 1

// ErrNotFound is returned for unknown template or submission ids.
var ErrNotFound = errors.New("not found")

// Store is the SQLite-backed template source, draft loader, and persister.
type Store struct {
	db  *sql.DB
	now func() time.Time

	idMu    sync.Mutex
	entropy io.Reader
}

// TemplateInfo is a template listing row.
type TemplateInfo struct {
	ID        string
	Name      string
	Sections  int
	UpdatedAt time.Time
}

// SubmissionInfo is a submission listing row.
type SubmissionInfo struct {
	ID         string
	TemplateID string
	Status     draft.Status
	Fields     int
	UpdatedAt  time.Time
}

// Open creates the database file if needed and applies migrations.
func Open(path string) (*Store, error) {
	p := filepath.Clean(strings.TrimSpace(path))
	if p == "" || p == "." {
		return nil, errors.New("missing store path")
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}

	dsn := p + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	_ = os.Chmod(p, 0o600)

	return &Store{
		db:      db,
		now:     time.Now,
		entropy: ulid.Monotonic(rand.Reader, 0),
	}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func migrate(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version;").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	if version < 1 {
		schema := `
		CREATE TABLE IF NOT EXISTS templates (
		  id            TEXT PRIMARY KEY,
		  name          TEXT NOT NULL,
		  body_json     TEXT NOT NULL,
		  updated_at_ms INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS submissions (
		  id                 TEXT PRIMARY KEY,
		  template_id        TEXT NOT NULL REFERENCES templates(id),
		  status             TEXT NOT NULL CHECK (status IN ('draft', 'submitted')),
		  response_data_json TEXT NOT NULL,
		  created_at_ms      INTEGER NOT NULL,
		  updated_at_ms      INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_submissions_status_updated
		ON submissions(status, updated_at_ms DESC);
		`
		if _, err := db.Exec(schema); err != nil {
			return fmt.Errorf("migration 1 failed: %w", err)
		}
		if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d;", 1)); err != nil {
			return fmt.Errorf("set schema version: %w", err)
		}
	}
	return nil
}

func (s *Store) newID() string {
	s.idMu.Lock()
	defer s.idMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(s.now()), s.entropy).String()
}

// PutTemplate inserts or replaces a template after validating it.
func (s *Store) PutTemplate(ctx context.Context, tpl template.Template) error {
	if err := tpl.Validate(); err != nil {
		return err
	}
	body, err := json.Marshal(tpl)
	if err != nil {
		return fmt.Errorf("encode template %q: %w", tpl.ID, err)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO templates (id, name, body_json, updated_at_ms) VALUES (?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET name = excluded.name, body_json = excluded.body_json, updated_at_ms = excluded.updated_at_ms
`, tpl.ID, tpl.Name, string(body), s.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("store template %q: %w", tpl.ID, err)
	}
	return nil
}

// FetchTemplate loads one template.
func (s *Store) FetchTemplate(ctx context.Context, id string) (template.Template, error) {
	var body string
	err := s.db.QueryRowContext(ctx, `SELECT body_json FROM templates WHERE id = ?`, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return template.Template{}, fmt.Errorf("template %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return template.Template{}, fmt.Errorf("load template %q: %w", id, err)
	}
	tpl, err := template.Parse([]byte(body))
	if err != nil {
		return template.Template{}, fmt.Errorf("decode template %q: %w", id, err)
	}
	return tpl, nil
}

// ListTemplates returns every template ordered by id.
func (s *Store) ListTemplates(ctx context.Context) ([]TemplateInfo, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, body_json, updated_at_ms FROM templates ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list templates: %w", err)
	}
	defer rows.Close()

	var out []TemplateInfo
	for rows.Next() {
		var (
			info      TemplateInfo
			body      string
			updatedMS int64
		)
		if err := rows.Scan(&info.ID, &info.Name, &body, &updatedMS); err != nil {
			return nil, err
		}
		var shape struct {
			Sections []json.RawMessage `json:"sections"`
		}
		if err := json.Unmarshal([]byte(body), &shape); err == nil {
			info.Sections = len(shape.Sections)
		}
		info.UpdatedAt = time.UnixMilli(updatedMS)
		out = append(out, info)
	}
	return out, rows.Err()
}

// SaveSubmission inserts a new submission (empty ID) or updates an existing one.
func (s *Store) SaveSubmission(ctx context.Context, sub draft.Submission) (string, error) {
	data := sub.ResponseData
	if data == nil {
		data = map[string]form.Value{}
	}
	body, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("encode response data: %w", err)
	}
	now := s.now().UnixMilli()

	if sub.ID == "" {
		id := s.newID()
		_, err := s.db.ExecContext(ctx, `
INSERT INTO submissions (id, template_id, status, response_data_json, created_at_ms, updated_at_ms)
VALUES (?, ?, ?, ?, ?, ?)
`, id, sub.TemplateID, string(sub.Status), string(body), now, now)
		if err != nil {
			return "", fmt.Errorf("insert submission: %w", err)
		}
		return id, nil
	}

	res, err := s.db.ExecContext(ctx, `
UPDATE submissions SET template_id = ?, status = ?, response_data_json = ?, updated_at_ms = ?
WHERE id = ?
`, sub.TemplateID, string(sub.Status), string(body), now, sub.ID)
	if err != nil {
		return "", fmt.Errorf("update submission %q: %w", sub.ID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return "", fmt.Errorf("submission %q: %w", sub.ID, ErrNotFound)
	}
	return sub.ID, nil
}

// LoadDraft loads one stored submission with its raw response data.
func (s *Store) LoadDraft(ctx context.Context, id string) (draft.Stored, error) {
	var (
		stored    draft.Stored
		status    string
		body      string
		updatedMS int64
	)
	err := s.db.QueryRowContext(ctx, `
SELECT id, template_id, status, response_data_json, updated_at_ms FROM submissions WHERE id = ?
`, id).Scan(&stored.ID, &stored.TemplateID, &status, &body, &updatedMS)
	if errors.Is(err, sql.ErrNoRows) {
		return draft.Stored{}, fmt.Errorf("submission %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return draft.Stored{}, fmt.Errorf("load submission %q: %w", id, err)
	}
	if err := json.Unmarshal([]byte(body), &stored.ResponseData); err != nil {
		return draft.Stored{}, fmt.Errorf("decode submission %q: %w", id, err)
	}
	stored.Status = draft.Status(status)
	stored.UpdatedAt = time.UnixMilli(updatedMS)
	return stored, nil
}

// ListSubmissions returns submissions newest first, optionally filtered by status.
func (s *Store) ListSubmissions(ctx context.Context, status draft.Status) ([]SubmissionInfo, error) {
	query := `SELECT id, template_id, status, response_data_json, updated_at_ms FROM submissions`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY updated_at_ms DESC, id DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list submissions: %w", err)
	}
	defer rows.Close()

	var out []SubmissionInfo
	for rows.Next() {
		var (
			info      SubmissionInfo
			rawStatus string
			body      string
			updatedMS int64
		)
		if err := rows.Scan(&info.ID, &info.TemplateID, &rawStatus, &body, &updatedMS); err != nil {
			return nil, err
		}
		var data map[string]json.RawMessage
		if err := json.Unmarshal([]byte(body), &data); err == nil {
			info.Fields = len(data)
		}
		info.Status = draft.Status(rawStatus)
		info.UpdatedAt = time.UnixMilli(updatedMS)
		out = append(out, info)
	}
	return out, rows.Err()
}

// Ping checks that the database answers queries.
func (s *Store) Ping(ctx context.Context) error {
	var version int
	if err := s.db.QueryRowContext(ctx, "PRAGMA user_version;").Scan(&version); err != nil {
		return fmt.Errorf("query store: %w", err)
	}
	if version != CurrentSchemaVersion {
		return fmt.Errorf("store schema version %d, want %d", version, CurrentSchemaVersion)
	}
	return nil
}
