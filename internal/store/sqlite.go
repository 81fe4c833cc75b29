package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
	mu sync.Mutex
}

// NewSQLiteStore opens (or creates) the store at dbPath. Use ":memory:" for
// an in-memory database in tests.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// A single connection keeps the claim statement serialized and avoids
	// SQLITE_BUSY churn between pooled connections.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.initialize(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS deployments (
		deployment_id TEXT PRIMARY KEY,
		repo_owner TEXT NOT NULL,
		repo_name TEXT NOT NULL,
		commit_ref TEXT NOT NULL,
		event_kind TEXT NOT NULL,
		meta TEXT NOT NULL DEFAULT '',
		environment TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'pending',
		build_duration_seconds REAL,
		build_completed_at INTEGER,
		total_source_files INTEGER NOT NULL DEFAULT 0,
		snapshot TEXT,
		created_at INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS jobs (
		job_id TEXT PRIMARY KEY,
		deployment_id TEXT NOT NULL REFERENCES deployments(deployment_id) ON DELETE CASCADE,
		status TEXT NOT NULL DEFAULT 'queued',
		priority INTEGER NOT NULL DEFAULT 0,
		queued_at INTEGER NOT NULL,
		not_before INTEGER NOT NULL DEFAULT 0,
		started_at INTEGER,
		completed_at INTEGER,
		retry_count INTEGER NOT NULL DEFAULT 0,
		worker_id TEXT,
		progress INTEGER NOT NULL DEFAULT 0,
		logs TEXT,
		error_message TEXT,
		metadata TEXT NOT NULL DEFAULT '{}'
	);
	CREATE INDEX IF NOT EXISTS idx_jobs_claim ON jobs(status, priority, queued_at);
	CREATE INDEX IF NOT EXISTS idx_jobs_deployment ON jobs(deployment_id);
	CREATE TABLE IF NOT EXISTS artifacts (
		artifact_id TEXT PRIMARY KEY,
		job_id TEXT NOT NULL REFERENCES jobs(job_id) ON DELETE CASCADE,
		deployment_id TEXT NOT NULL REFERENCES deployments(deployment_id) ON DELETE CASCADE,
		file_name TEXT NOT NULL,
		file_path TEXT NOT NULL,
		file_size_bytes INTEGER NOT NULL DEFAULT 0,
		payload TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_artifacts_job ON artifacts(job_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// --- deployments ---

func (s *SQLiteStore) CreateDeployment(ctx context.Context, d *Deployment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if d.Status == "" {
		d.Status = DeploymentPending
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO deployments (deployment_id, repo_owner, repo_name, commit_ref, event_kind, meta, environment, status, total_source_files, snapshot, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.RepoOwner, d.RepoName, d.CommitRef, string(d.EventKind), d.Meta, d.Environment,
		string(d.Status), d.TotalSourceFiles, nullableJSON(d.Snapshot), d.CreatedAt.UnixMilli(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateDeployment
		}
		return fmt.Errorf("insert deployment: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetDeployment(ctx context.Context, id string) (*Deployment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.db.QueryRowContext(ctx, `
		SELECT deployment_id, repo_owner, repo_name, commit_ref, event_kind, meta, environment, status,
		       build_duration_seconds, build_completed_at, total_source_files, snapshot, created_at
		FROM deployments WHERE deployment_id = ?`, id)
	return scanDeployment(row)
}

func (s *SQLiteStore) UpdateDeployment(ctx context.Context, id string, upd DeploymentUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE deployments
		SET status = ?, build_duration_seconds = ?, build_completed_at = ?, total_source_files = ?, snapshot = ?
		WHERE deployment_id = ?`,
		string(upd.Status), upd.BuildDurationSeconds, upd.CompletedAt.UnixMilli(),
		upd.TotalSourceFiles, nullableJSON(upd.Snapshot), id,
	)
	if err != nil {
		return fmt.Errorf("update deployment: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- jobs ---

func (s *SQLiteStore) InsertJob(ctx context.Context, j *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if j.Status == "" {
		j.Status = JobQueued
	}
	if j.QueuedAt.IsZero() {
		j.QueuedAt = time.Now()
	}
	meta, err := json.Marshal(j.Metadata)
	if err != nil {
		return fmt.Errorf("marshal job metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO jobs (job_id, deployment_id, status, priority, queued_at, not_before, retry_count, progress, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.DeploymentID, string(j.Status), j.Priority, j.QueuedAt.UnixMilli(),
		j.NotBefore.UnixMilli(), j.RetryCount, j.Progress, string(meta),
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getJobLocked(ctx, id)
}

func (s *SQLiteStore) getJobLocked(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, jobSelect+` WHERE job_id = ?`, id)
	return scanJob(row)
}

const jobSelect = `
	SELECT job_id, deployment_id, status, priority, queued_at, not_before, started_at, completed_at,
	       retry_count, worker_id, progress, logs, error_message, metadata
	FROM jobs`

// ClaimNextJob implements the atomic claim: a single UPDATE with a subquery
// so two workers on the same backing store never claim the same row.
func (s *SQLiteStore) ClaimNextJob(ctx context.Context, workerID string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	var id string
	err := s.db.QueryRowContext(ctx, `
		UPDATE jobs
		SET status = 'processing', worker_id = ?, started_at = ?
		WHERE job_id = (
			SELECT job_id FROM jobs
			WHERE status = 'queued' AND not_before <= ?
			ORDER BY priority DESC, queued_at ASC
			LIMIT 1
		) AND status = 'queued'
		RETURNING job_id`,
		workerID, now.UnixMilli(), now.UnixMilli(),
	).Scan(&id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim next job: %w", err)
	}
	return s.getJobLocked(ctx, id)
}

// UpdateJobProgress updates progress and appends a log line in one statement.
// Progress is clamped non-decreasing at the SQL level so late progress events
// never move the bar backwards within an attempt.
func (s *SQLiteStore) UpdateJobProgress(ctx context.Context, jobID string, progress int, logLine string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET progress = max(progress, ?), logs = coalesce(logs, '') || ?
		WHERE job_id = ?`,
		progress, logLine, jobID,
	)
	if err != nil {
		return fmt.Errorf("update job progress: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// AppendJobLog appends a line via a store-level SQL concatenation rather than
// client-side read-modify-write, so concurrent writers cannot lose lines.
func (s *SQLiteStore) AppendJobLog(ctx context.Context, jobID, line string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET logs = coalesce(logs, '') || ? WHERE job_id = ?`, line, jobID)
	if err != nil {
		return fmt.Errorf("append job log: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) CompleteJob(ctx context.Context, jobID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = 'completed', completed_at = ?, progress = 100
		WHERE job_id = ? AND status = 'processing'`,
		time.Now().UnixMilli(), jobID,
	)
	if err != nil {
		return false, fmt.Errorf("complete job: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// FailJob is the terminal failure transition. The failed attempt counts
// toward retry_count, so a first-attempt non-retryable failure lands with
// retry_count = 1.
func (s *SQLiteStore) FailJob(ctx context.Context, jobID, errorMessage string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = 'failed', retry_count = retry_count + 1, completed_at = ?,
		    error_message = ?
		WHERE job_id = ? AND status = 'processing'`,
		time.Now().UnixMilli(), errorMessage, jobID,
	)
	if err != nil {
		return false, fmt.Errorf("fail job: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// RequeueJob transitions processing -> queued in a single update: retry_count
// incremented, worker released, progress reset, and the backoff encoded as
// not_before. No transient failed state is ever visible.
func (s *SQLiteStore) RequeueJob(ctx context.Context, jobID string, notBefore time.Time, errorMessage string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = 'queued', retry_count = retry_count + 1, worker_id = NULL,
		    started_at = NULL, progress = 0, not_before = ?, error_message = ?
		WHERE job_id = ? AND status = 'processing'`,
		notBefore.UnixMilli(), errorMessage, jobID,
	)
	if err != nil {
		return false, fmt.Errorf("requeue job: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// CancelJob is the external operator action. Queued and processing jobs may
// be cancelled; a processing attempt keeps running and its result is
// discarded when the terminal guard fails.
func (s *SQLiteStore) CancelJob(ctx context.Context, jobID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = 'cancelled', completed_at = ?
		WHERE job_id = ? AND status IN ('queued', 'processing')`,
		time.Now().UnixMilli(), jobID,
	)
	if err != nil {
		return false, fmt.Errorf("cancel job: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// --- artifacts ---

// InsertArtifacts persists the batch atomically: all rows become visible in
// one transaction or none do.
func (s *SQLiteStore) InsertArtifacts(ctx context.Context, artifacts []Artifact) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin artifact transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO artifacts (artifact_id, job_id, deployment_id, file_name, file_path, file_size_bytes, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare artifact insert: %w", err)
	}
	defer stmt.Close()

	now := time.Now()
	for _, a := range artifacts {
		createdAt := a.CreatedAt
		if createdAt.IsZero() {
			createdAt = now
		}
		if _, err := stmt.ExecContext(ctx, a.ID, a.JobID, a.DeploymentID, a.FileName, a.FilePath,
			a.FileSizeBytes, string(a.Payload), createdAt.UnixMilli()); err != nil {
			return fmt.Errorf("insert artifact %s: %w", a.FileName, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit artifacts: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetArtifact(ctx context.Context, id string) (*Artifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.db.QueryRowContext(ctx, `
		SELECT artifact_id, job_id, deployment_id, file_name, file_path, file_size_bytes, payload, created_at
		FROM artifacts WHERE artifact_id = ?`, id)
	a, err := scanArtifact(row)
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (s *SQLiteStore) ListArtifacts(ctx context.Context, jobID string) ([]Artifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT artifact_id, job_id, deployment_id, file_name, file_path, file_size_bytes, payload, created_at
		FROM artifacts WHERE job_id = ? ORDER BY file_name`, jobID)
	if err != nil {
		return nil, fmt.Errorf("query artifacts: %w", err)
	}
	defer rows.Close()

	var out []Artifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate artifacts: %w", err)
	}
	return out, nil
}

// --- queue bookkeeping ---

func (s *SQLiteStore) QueuedJobCount(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs WHERE status = 'queued'`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count queued jobs: %w", err)
	}
	return n, nil
}

// QueuePosition returns the 1-based claim position of a queued job, or 0 when
// the job is no longer queued.
func (s *SQLiteStore) QueuePosition(ctx context.Context, jobID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var status string
	if err := s.db.QueryRowContext(ctx, `SELECT status FROM jobs WHERE job_id = ?`, jobID).Scan(&status); err != nil {
		if err == sql.ErrNoRows {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("queue position status: %w", err)
	}
	if status != string(JobQueued) {
		return 0, nil
	}

	var pos int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) + 1 FROM jobs
		WHERE status = 'queued' AND (
			priority > (SELECT priority FROM jobs WHERE job_id = ?1)
			OR (priority = (SELECT priority FROM jobs WHERE job_id = ?1)
			    AND queued_at < (SELECT queued_at FROM jobs WHERE job_id = ?1))
		)`,
		jobID,
	).Scan(&pos)
	if err != nil {
		return 0, fmt.Errorf("queue position: %w", err)
	}
	return pos, nil
}

// RequeueStale recovers stuck processing jobs (worker crash): anything holding
// a lease longer than maxAttemptDuration moves back to queued with
// retry_count incremented, in one statement so each stale job is recovered
// exactly once.
func (s *SQLiteStore) RequeueStale(ctx context.Context, maxAttemptDuration time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-maxAttemptDuration)
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = 'queued', retry_count = retry_count + 1, worker_id = NULL,
		    started_at = NULL, progress = 0, not_before = ?
		WHERE status = 'processing' AND started_at < ?`,
		time.Now().UnixMilli(), cutoff.UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("requeue stale jobs: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

// --- scanning helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDeployment(row rowScanner) (*Deployment, error) {
	var d Deployment
	var eventKind, status string
	var durationSecs sql.NullFloat64
	var completedAt sql.NullInt64
	var snapshot sql.NullString
	var createdAt int64

	err := row.Scan(&d.ID, &d.RepoOwner, &d.RepoName, &d.CommitRef, &eventKind, &d.Meta, &d.Environment,
		&status, &durationSecs, &completedAt, &d.TotalSourceFiles, &snapshot, &createdAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan deployment: %w", err)
	}
	d.EventKind = EventKind(eventKind)
	d.Status = DeploymentStatus(status)
	if durationSecs.Valid {
		v := durationSecs.Float64
		d.BuildDurationSeconds = &v
	}
	if completedAt.Valid {
		t := time.UnixMilli(completedAt.Int64)
		d.BuildCompletedAt = &t
	}
	if snapshot.Valid && snapshot.String != "" {
		d.Snapshot = json.RawMessage(snapshot.String)
	}
	d.CreatedAt = time.UnixMilli(createdAt)
	return &d, nil
}

func scanJob(row rowScanner) (*Job, error) {
	var j Job
	var status string
	var queuedAt, notBefore int64
	var startedAt, completedAt sql.NullInt64
	var workerID, logs, errMsg sql.NullString
	var meta string

	err := row.Scan(&j.ID, &j.DeploymentID, &status, &j.Priority, &queuedAt, &notBefore,
		&startedAt, &completedAt, &j.RetryCount, &workerID, &j.Progress, &logs, &errMsg, &meta)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan job: %w", err)
	}
	j.Status = JobStatus(status)
	j.QueuedAt = time.UnixMilli(queuedAt)
	j.NotBefore = time.UnixMilli(notBefore)
	if startedAt.Valid {
		t := time.UnixMilli(startedAt.Int64)
		j.StartedAt = &t
	}
	if completedAt.Valid {
		t := time.UnixMilli(completedAt.Int64)
		j.CompletedAt = &t
	}
	j.WorkerID = workerID.String
	j.Logs = logs.String
	j.ErrorMessage = errMsg.String
	if err := json.Unmarshal([]byte(meta), &j.Metadata); err != nil {
		return nil, fmt.Errorf("unmarshal job metadata: %w", err)
	}
	return &j, nil
}

func scanArtifact(row rowScanner) (*Artifact, error) {
	var a Artifact
	var payload string
	var createdAt int64

	err := row.Scan(&a.ID, &a.JobID, &a.DeploymentID, &a.FileName, &a.FilePath,
		&a.FileSizeBytes, &payload, &createdAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan artifact: %w", err)
	}
	a.Payload = json.RawMessage(payload)
	a.CreatedAt = time.UnixMilli(createdAt)
	return &a, nil
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "constraint failed")
}
