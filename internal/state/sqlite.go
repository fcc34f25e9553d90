package state

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	logx "jobmill/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// timeFormat is RFC3339 with fixed-width nanoseconds so that stored
// timestamps compare correctly as strings (ORDER BY created_at).
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// minPrefixLen is the shortest accepted job-id prefix. Anything shorter
// resolves to not-found rather than risking an accidental match.
const minPrefixLen = 4

// Store is the SQLite-backed persistence layer.
//
// Every method is atomic on its own; no multi-statement transactions are
// exposed. Status monotonicity is the orchestrator's responsibility: the
// store writes whatever its single writer tells it to.
type Store struct {
	db  *sql.DB
	log logx.Logger
}

func Open(cfg Config, log logx.Logger) (*Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("state: db path is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db, log: log}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	s.log.Debug("state store ready", logx.String("path", cfg.Path))
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- modules ----

// SaveModule upserts by id; reinstall overwrites in place.
func (s *Store) SaveModule(ctx context.Context, m Module) error {
	if m.InstalledAt.IsZero() {
		m.InstalledAt = time.Now()
	}
	caps, err := json.Marshal(m.Capabilities)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO modules (id, name, version, description, entrypoint, inputs, settings, capabilities, installed_at, path)
		 VALUES (?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   name=excluded.name, version=excluded.version, description=excluded.description,
		   entrypoint=excluded.entrypoint, inputs=excluded.inputs, settings=excluded.settings,
		   capabilities=excluded.capabilities, installed_at=excluded.installed_at, path=excluded.path`,
		m.ID, m.Name, m.Version, nullStr(m.Description), m.Entrypoint,
		nullRaw(m.Inputs), nullRaw(m.Settings), string(caps),
		m.InstalledAt.UTC().Format(timeFormat), m.Path,
	)
	return err
}

func (s *Store) GetModule(ctx context.Context, id string) (*Module, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, version, description, entrypoint, inputs, settings, capabilities, installed_at, path
		 FROM modules WHERE id = ?`, id)

	var m Module
	var desc, inputs, settings, caps sql.NullString
	var installedAt string
	err := row.Scan(&m.ID, &m.Name, &m.Version, &desc, &m.Entrypoint, &inputs, &settings, &caps, &installedAt, &m.Path)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("module %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	m.Description = desc.String
	if inputs.Valid {
		m.Inputs = json.RawMessage(inputs.String)
	}
	if settings.Valid {
		m.Settings = json.RawMessage(settings.String)
	}
	if caps.Valid {
		_ = json.Unmarshal([]byte(caps.String), &m.Capabilities)
	}
	m.InstalledAt = parseTime(installedAt)
	return &m, nil
}

// ListModules returns the summary view ordered by name.
func (s *Store) ListModules(ctx context.Context) ([]ModuleSummary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, version, description, capabilities FROM modules ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ModuleSummary
	for rows.Next() {
		var m ModuleSummary
		var desc, caps sql.NullString
		if err := rows.Scan(&m.ID, &m.Name, &m.Version, &desc, &caps); err != nil {
			return nil, err
		}
		m.Description = desc.String
		if caps.Valid {
			_ = json.Unmarshal([]byte(caps.String), &m.Capabilities)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// DeleteModule reports whether a module record existed.
func (s *Store) DeleteModule(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM modules WHERE id = ?`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ---- jobs ----

// CreateJob inserts a new pending job and returns its generated id.
func (s *Store) CreateJob(ctx context.Context, moduleID string, inputs, settings map[string]any) (string, error) {
	jobID := uuid.NewString()
	in, err := marshalMap(inputs)
	if err != nil {
		return "", err
	}
	se, err := marshalMap(settings)
	if err != nil {
		return "", err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, module_id, status, inputs, settings, created_at)
		 VALUES (?,?,'pending',?,?,?)`,
		jobID, moduleID, in, se, time.Now().UTC().Format(timeFormat),
	)
	if err != nil {
		return "", err
	}
	return jobID, nil
}

// UpdateJobStatus applies status-dependent column updates:
// "running" sets started_at, terminal states set completed_at and error,
// anything else touches status only. A supplied checkpoint is persisted
// regardless of the status branch, so checkpoint saves can ride along
// with or without a status change.
func (s *Store) UpdateJobStatus(ctx context.Context, jobID string, status Status, errMsg string, checkpoint map[string]any) error {
	now := time.Now().UTC().Format(timeFormat)

	var err error
	switch {
	case status == StatusRunning:
		_, err = s.db.ExecContext(ctx,
			`UPDATE jobs SET status = ?, started_at = COALESCE(started_at, ?) WHERE id = ?`,
			status, now, jobID)
	case status.Terminal():
		_, err = s.db.ExecContext(ctx,
			`UPDATE jobs SET status = ?, completed_at = ?, error = ? WHERE id = ?`,
			status, now, nullStr(errMsg), jobID)
	default:
		_, err = s.db.ExecContext(ctx,
			`UPDATE jobs SET status = ? WHERE id = ?`, status, jobID)
	}
	if err != nil {
		return err
	}

	if checkpoint != nil {
		cp, merr := marshalMap(checkpoint)
		if merr != nil {
			return merr
		}
		_, err = s.db.ExecContext(ctx, `UPDATE jobs SET checkpoint = ? WHERE id = ?`, cp, jobID)
	}
	return err
}

// ResolveJobID resolves an exact id or an id prefix to a full job id.
//
// Exact match wins; otherwise the first prefix match in lexical order is
// taken (deterministic, but best-effort convenience rather than a
// uniqueness guarantee). Prefixes shorter than minPrefixLen are rejected.
func (s *Store) ResolveJobID(ctx context.Context, idOrPrefix string) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `SELECT id FROM jobs WHERE id = ?`, idOrPrefix).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", err
	}

	if len(idOrPrefix) < minPrefixLen {
		return "", fmt.Errorf("job %q: %w", idOrPrefix, ErrNotFound)
	}
	err = s.db.QueryRowContext(ctx,
		`SELECT id FROM jobs WHERE id LIKE ? ORDER BY id LIMIT 1`,
		idOrPrefix+"%").Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("job %q: %w", idOrPrefix, ErrNotFound)
	}
	if err != nil {
		return "", err
	}
	return id, nil
}

// GetJob fetches a job by exact id or unambiguous prefix.
func (s *Store) GetJob(ctx context.Context, idOrPrefix string) (*Job, error) {
	id, err := s.ResolveJobID(ctx, idOrPrefix)
	if err != nil {
		return nil, err
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT id, module_id, status, inputs, settings, created_at, started_at, completed_at, error, checkpoint
		 FROM jobs WHERE id = ?`, id)

	var j Job
	var inputs, settings, startedAt, completedAt, errMsg, checkpoint sql.NullString
	var createdAt string
	err = row.Scan(&j.ID, &j.ModuleID, &j.Status, &inputs, &settings, &createdAt, &startedAt, &completedAt, &errMsg, &checkpoint)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job %q: %w", idOrPrefix, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	j.Inputs = unmarshalMap(inputs)
	j.Settings = unmarshalMap(settings)
	j.CreatedAt = parseTime(createdAt)
	j.StartedAt = parseTimePtr(startedAt)
	j.CompletedAt = parseTimePtr(completedAt)
	j.Error = errMsg.String
	if checkpoint.Valid {
		j.Checkpoint = unmarshalMap(checkpoint)
	}
	return &j, nil
}

// ListJobs returns jobs newest-first, optionally filtered by status.
func (s *Store) ListJobs(ctx context.Context, status Status) ([]JobSummary, error) {
	var rows *sql.Rows
	var err error
	if status != "" {
		rows, err = s.db.QueryContext(ctx,
			`SELECT id, module_id, status, created_at, started_at, completed_at
			 FROM jobs WHERE status = ? ORDER BY created_at DESC`, status)
	} else {
		rows, err = s.db.QueryContext(ctx,
			`SELECT id, module_id, status, created_at, started_at, completed_at
			 FROM jobs ORDER BY created_at DESC`)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []JobSummary
	for rows.Next() {
		var j JobSummary
		var createdAt string
		var startedAt, completedAt sql.NullString
		if err := rows.Scan(&j.ID, &j.ModuleID, &j.Status, &createdAt, &startedAt, &completedAt); err != nil {
			return nil, err
		}
		j.CreatedAt = parseTime(createdAt)
		j.StartedAt = parseTimePtr(startedAt)
		j.CompletedAt = parseTimePtr(completedAt)
		out = append(out, j)
	}
	return out, rows.Err()
}

// ResumableJobs returns jobs still recorded as running, oldest-started
// first. No clean-shutdown path leaves a job in running, so these are
// presumptively orphaned by a crash.
func (s *Store) ResumableJobs(ctx context.Context) ([]Job, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, module_id, inputs, settings, checkpoint
		 FROM jobs WHERE status = 'running' ORDER BY started_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Job
	for rows.Next() {
		var j Job
		var inputs, settings, checkpoint sql.NullString
		if err := rows.Scan(&j.ID, &j.ModuleID, &inputs, &settings, &checkpoint); err != nil {
			return nil, err
		}
		j.Status = StatusRunning
		j.Inputs = unmarshalMap(inputs)
		j.Settings = unmarshalMap(settings)
		if checkpoint.Valid {
			j.Checkpoint = unmarshalMap(checkpoint)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// ---- logs ----

func (s *Store) AddLog(ctx context.Context, jobID, level, message string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO job_logs (job_id, level, message, timestamp) VALUES (?,?,?,?)`,
		jobID, level, message, time.Now().UTC().Format(timeFormat))
	return err
}

// Logs returns log entries for a job in ascending id order.
//
// With afterID <= 0 it tails: the most recent `limit` entries. With a
// cursor it pages forward: up to `limit` entries strictly after afterID.
func (s *Store) Logs(ctx context.Context, jobIDOrPrefix string, limit int, afterID int64) ([]LogEntry, error) {
	jobID, err := s.ResolveJobID(ctx, jobIDOrPrefix)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}

	var rows *sql.Rows
	if afterID > 0 {
		rows, err = s.db.QueryContext(ctx,
			`SELECT id, job_id, level, message, timestamp FROM job_logs
			 WHERE job_id = ? AND id > ? ORDER BY id LIMIT ?`,
			jobID, afterID, limit)
	} else {
		rows, err = s.db.QueryContext(ctx,
			`SELECT id, job_id, level, message, timestamp FROM job_logs
			 WHERE job_id = ? ORDER BY id DESC LIMIT ?`,
			jobID, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []LogEntry
	for rows.Next() {
		var e LogEntry
		var ts string
		if err := rows.Scan(&e.ID, &e.JobID, &e.Level, &e.Message, &ts); err != nil {
			return nil, err
		}
		e.Timestamp = parseTime(ts)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if afterID <= 0 {
		// tail mode selected DESC; flip back to ascending ids
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	return out, nil
}

// ---- results ----

func (s *Store) AddResult(ctx context.Context, jobID string, data map[string]any) error {
	b, err := marshalMap(data)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO job_results (job_id, data, created_at) VALUES (?,?,?)`,
		jobID, b, time.Now().UTC().Format(timeFormat))
	return err
}

func (s *Store) Results(ctx context.Context, jobIDOrPrefix string, limit int) ([]ResultEntry, error) {
	jobID, err := s.ResolveJobID(ctx, jobIDOrPrefix)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 1000
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, job_id, data, created_at FROM job_results
		 WHERE job_id = ? ORDER BY id LIMIT ?`, jobID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ResultEntry
	for rows.Next() {
		var e ResultEntry
		var data sql.NullString
		var createdAt string
		if err := rows.Scan(&e.ID, &e.JobID, &data, &createdAt); err != nil {
			return nil, err
		}
		e.Data = unmarshalMap(data)
		e.CreatedAt = parseTime(createdAt)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) ResultCount(ctx context.Context, jobIDOrPrefix string) (int64, error) {
	jobID, err := s.ResolveJobID(ctx, jobIDOrPrefix)
	if err != nil {
		return 0, err
	}
	var n int64
	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM job_results WHERE job_id = ?`, jobID).Scan(&n)
	return n, err
}

// ---- helpers ----

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func nullRaw(v json.RawMessage) any {
	if len(v) == 0 {
		return nil
	}
	return string(v)
}

func marshalMap(m map[string]any) (string, error) {
	if m == nil {
		m = map[string]any{}
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func unmarshalMap(v sql.NullString) map[string]any {
	if !v.Valid || v.String == "" {
		return map[string]any{}
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(v.String), &m); err != nil || m == nil {
		return map[string]any{}
	}
	return m
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func parseTimePtr(v sql.NullString) *time.Time {
	if !v.Valid || v.String == "" {
		return nil
	}
	t := parseTime(v.String)
	if t.IsZero() {
		return nil
	}
	return &t
}
