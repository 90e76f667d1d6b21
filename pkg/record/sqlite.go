// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package record

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/tombee/magnet/pkg/errors"
	_ "modernc.org/sqlite"
)

// SQLiteStore is a single-node Store backed by SQLite. Records are stored
// as JSON documents keyed by id, which matches the last-writer-wins
// semantics of the hosted key-value store it stands in for.
type SQLiteStore struct {
	db *sql.DB
}

// Compile-time interface assertions.
var (
	_ Store  = (*SQLiteStore)(nil)
	_ Seeder = (*SQLiteStore)(nil)
)

// SQLiteConfig contains SQLite connection configuration.
type SQLiteConfig struct {
	// Path is the database file path.
	Path string

	// WAL enables Write-Ahead Logging mode for concurrent reads.
	WAL bool
}

// NewSQLiteStore opens (and migrates) a SQLite-backed record store.
func NewSQLiteStore(cfg SQLiteConfig) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite serializes writes, so only 1 connection for writes.
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := &SQLiteStore{db: db}

	if err := s.configurePragmas(ctx, cfg.WAL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure pragmas: %w", err)
	}

	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return s, nil
}

// configurePragmas sets SQLite configuration options.
func (s *SQLiteStore) configurePragmas(ctx context.Context, enableWAL bool) error {
	pragmas := []string{
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	}

	if enableWAL {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL")
	}

	for _, pragma := range pragmas {
		if _, err := s.db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to execute %s: %w", pragma, err)
		}
	}

	return nil
}

// migrate runs database migrations.
func (s *SQLiteStore) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			status TEXT NOT NULL,
			doc TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status)`,
		`CREATE TABLE IF NOT EXISTS submissions (
			id TEXT PRIMARY KEY,
			doc TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS forms (
			id TEXT PRIMARY KEY,
			doc TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS workflows (
			id TEXT PRIMARY KEY,
			doc TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS templates (
			id TEXT NOT NULL,
			version INTEGER NOT NULL,
			doc TEXT NOT NULL,
			PRIMARY KEY (id, version)
		)`,
		`CREATE TABLE IF NOT EXISTS artifacts (
			id TEXT PRIMARY KEY,
			job_id TEXT NOT NULL,
			created_at TEXT NOT NULL,
			doc TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_artifacts_job ON artifacts(job_id)`,
		`CREATE TABLE IF NOT EXISTS usage_records (
			id TEXT PRIMARY KEY,
			job_id TEXT NOT NULL,
			created_at TEXT NOT NULL,
			doc TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_usage_job ON usage_records(job_id)`,
	}

	for _, migration := range migrations {
		if _, err := s.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	return nil
}

// Close releases the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// getDoc reads a JSON document by id into dst, mapping sql.ErrNoRows to a
// typed NotFoundError for the given resource name.
func getDoc[T any](ctx context.Context, db *sql.DB, query, resource, id string, args ...any) (*T, error) {
	var doc string
	err := db.QueryRowContext(ctx, query, args...).Scan(&doc)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, &errors.NotFoundError{Resource: resource, ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("query %s %s: %w", resource, id, err)
	}

	var out T
	if err := json.Unmarshal([]byte(doc), &out); err != nil {
		return nil, fmt.Errorf("decode %s %s: %w", resource, id, err)
	}
	return &out, nil
}

// GetJob returns the job by id.
func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*Job, error) {
	return getDoc[Job](ctx, s.db, `SELECT doc FROM jobs WHERE id = ?`, "job", id, id)
}

// PutJob writes the full job record, last-writer-wins.
func (s *SQLiteStore) PutJob(ctx context.Context, job *Job) error {
	doc, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job %s: %w", job.ID, err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, tenant_id, status, doc, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			tenant_id = excluded.tenant_id,
			status = excluded.status,
			doc = excluded.doc,
			updated_at = excluded.updated_at`,
		job.ID, job.TenantID, string(job.Status), string(doc), time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("write job %s: %w", job.ID, err)
	}
	return nil
}

// GetSubmission returns the submission by id.
func (s *SQLiteStore) GetSubmission(ctx context.Context, id string) (*Submission, error) {
	return getDoc[Submission](ctx, s.db, `SELECT doc FROM submissions WHERE id = ?`, "submission", id, id)
}

// GetForm returns the form by id.
func (s *SQLiteStore) GetForm(ctx context.Context, id string) (*Form, error) {
	return getDoc[Form](ctx, s.db, `SELECT doc FROM forms WHERE id = ?`, "form", id, id)
}

// GetWorkflow returns the workflow by id.
func (s *SQLiteStore) GetWorkflow(ctx context.Context, id string) (*Workflow, error) {
	return getDoc[Workflow](ctx, s.db, `SELECT doc FROM workflows WHERE id = ?`, "workflow", id, id)
}

// GetTemplate returns a template by id and version; version 0 selects the
// highest stored version.
func (s *SQLiteStore) GetTemplate(ctx context.Context, id string, version int) (*Template, error) {
	if version == 0 {
		return getDoc[Template](ctx, s.db,
			`SELECT doc FROM templates WHERE id = ? ORDER BY version DESC LIMIT 1`, "template", id, id)
	}
	return getDoc[Template](ctx, s.db,
		`SELECT doc FROM templates WHERE id = ? AND version = ?`, "template", id, id, version)
}

// PutArtifact writes an artifact record.
func (s *SQLiteStore) PutArtifact(ctx context.Context, artifact *Artifact) error {
	doc, err := json.Marshal(artifact)
	if err != nil {
		return fmt.Errorf("encode artifact %s: %w", artifact.ID, err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO artifacts (id, job_id, created_at, doc)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET doc = excluded.doc`,
		artifact.ID, artifact.JobID, artifact.CreatedAt.UTC().Format(time.RFC3339Nano), string(doc))
	if err != nil {
		return fmt.Errorf("write artifact %s: %w", artifact.ID, err)
	}
	return nil
}

// ListArtifactsByJob returns every artifact for a job ordered by creation time.
func (s *SQLiteStore) ListArtifactsByJob(ctx context.Context, jobID string) ([]*Artifact, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT doc FROM artifacts WHERE job_id = ? ORDER BY created_at, id`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list artifacts for job %s: %w", jobID, err)
	}
	defer rows.Close()

	var out []*Artifact
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scan artifact: %w", err)
		}
		var a Artifact
		if err := json.Unmarshal([]byte(doc), &a); err != nil {
			return nil, fmt.Errorf("decode artifact: %w", err)
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

// PutUsageRecord appends a per-call usage record.
func (s *SQLiteStore) PutUsageRecord(ctx context.Context, rec *UsageRecord) error {
	doc, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode usage record %s: %w", rec.ID, err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO usage_records (id, job_id, created_at, doc)
		VALUES (?, ?, ?, ?)`,
		rec.ID, rec.JobID, rec.CreatedAt.UTC().Format(time.RFC3339Nano), string(doc))
	if err != nil {
		return fmt.Errorf("write usage record %s: %w", rec.ID, err)
	}
	return nil
}

// ListUsageByJob returns every usage record for a job.
func (s *SQLiteStore) ListUsageByJob(ctx context.Context, jobID string) ([]*UsageRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT doc FROM usage_records WHERE job_id = ? ORDER BY created_at, id`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list usage for job %s: %w", jobID, err)
	}
	defer rows.Close()

	var out []*UsageRecord
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scan usage record: %w", err)
		}
		var rec UsageRecord
		if err := json.Unmarshal([]byte(doc), &rec); err != nil {
			return nil, fmt.Errorf("decode usage record: %w", err)
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}

// PutSubmission seeds a submission record.
func (s *SQLiteStore) PutSubmission(ctx context.Context, sub *Submission) error {
	return s.putDoc(ctx, "submissions", sub.ID, sub)
}

// PutForm seeds a form record.
func (s *SQLiteStore) PutForm(ctx context.Context, f *Form) error {
	return s.putDoc(ctx, "forms", f.ID, f)
}

// PutWorkflow seeds a workflow record.
func (s *SQLiteStore) PutWorkflow(ctx context.Context, w *Workflow) error {
	return s.putDoc(ctx, "workflows", w.ID, w)
}

// PutTemplate seeds a template record.
func (s *SQLiteStore) PutTemplate(ctx context.Context, t *Template) error {
	doc, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode template %s: %w", t.ID, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO templates (id, version, doc) VALUES (?, ?, ?)
		ON CONFLICT(id, version) DO UPDATE SET doc = excluded.doc`,
		t.ID, t.Version, string(doc))
	if err != nil {
		return fmt.Errorf("write template %s: %w", t.ID, err)
	}
	return nil
}

func (s *SQLiteStore) putDoc(ctx context.Context, table, id string, v any) error {
	doc, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s %s: %w", table, id, err)
	}
	// Table names come from a fixed internal set, never user input.
	query := fmt.Sprintf(`INSERT INTO %s (id, doc) VALUES (?, ?)
		ON CONFLICT(id) DO UPDATE SET doc = excluded.doc`, table)
	if _, err := s.db.ExecContext(ctx, query, id, string(doc)); err != nil {
		return fmt.Errorf("write %s %s: %w", table, id, err)
	}
	return nil
}
