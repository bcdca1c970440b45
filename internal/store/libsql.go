package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/TheGuidingPrincipels/agentflow/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=-20000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB for advanced usage (e.g. event log).
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// --- Executions ---

func (s *LibSQLStore) CreateExecution(ctx context.Context, exec *Execution) error {
	def, err := json.Marshal(exec.Definition)
	if err != nil {
		return fmt.Errorf("marshal definition: %w", err)
	}
	initial, err := marshalVarsOrDefault(exec.InitialVars)
	if err != nil {
		return fmt.Errorf("marshal initial_variables: %w", err)
	}
	final, err := marshalVarsOrNil(exec.FinalVars)
	if err != nil {
		return fmt.Errorf("marshal final_variables: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO executions (id, workflow_name, definition, status, initial_variables, final_variables, output, error, created_at, started_at, completed_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		exec.ID, exec.WorkflowName, string(def), string(exec.Status),
		string(initial), final, nullRaw(exec.Output), nullRaw(exec.Error),
		timeOrNow(exec.CreatedAt), nullTime(exec.StartedAt), nullTime(exec.CompletedAt), timeOrNow(exec.UpdatedAt),
	)
	return err
}

func (s *LibSQLStore) GetExecution(ctx context.Context, id string) (*Execution, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, workflow_name, definition, status, initial_variables, final_variables, output, error, created_at, started_at, completed_at, updated_at
		 FROM executions WHERE id = ?`, id,
	)
	exec, err := scanExecution(row.Scan)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("execution", id)
	}
	return exec, err
}

func (s *LibSQLStore) UpdateExecution(ctx context.Context, id string, update ExecutionUpdate) error {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.FinalVars != nil {
		final, err := json.Marshal(update.FinalVars)
		if err != nil {
			return fmt.Errorf("marshal final_variables: %w", err)
		}
		sets = append(sets, "final_variables = ?")
		args = append(args, string(final))
	}
	if update.Output != nil {
		sets = append(sets, "output = ?")
		args = append(args, string(update.Output))
	}
	if update.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, string(update.Error))
	}
	if update.StartedAt != nil {
		sets = append(sets, "started_at = ?")
		args = append(args, *update.StartedAt)
	}
	if update.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, *update.CompletedAt)
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = CURRENT_TIMESTAMP")
	args = append(args, id)

	query := fmt.Sprintf("UPDATE executions SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "execution", id)
}

func (s *LibSQLStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*Execution, error) {
	var where []string
	var args []any

	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.Since != nil {
		where = append(where, "created_at >= ?")
		args = append(args, *filter.Since)
	}

	query := "SELECT id, workflow_name, definition, status, initial_variables, final_variables, output, error, created_at, started_at, completed_at, updated_at FROM executions"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var executions []*Execution
	for rows.Next() {
		exec, err := scanExecution(rows.Scan)
		if err != nil {
			return nil, err
		}
		executions = append(executions, exec)
	}
	return executions, rows.Err()
}

func (s *LibSQLStore) DeleteExecution(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM executions WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "execution", id)
}

func scanExecution(scan func(...any) error) (*Execution, error) {
	exec := &Execution{}
	var (
		defJSON                string
		initialJSON, finalJSON sql.NullString
		outputJSON, errorJSON  sql.NullString
		startedAt, completedAt sql.NullTime
		status                 string
	)
	err := scan(&exec.ID, &exec.WorkflowName, &defJSON, &status, &initialJSON, &finalJSON,
		&outputJSON, &errorJSON, &exec.CreatedAt, &startedAt, &completedAt, &exec.UpdatedAt)
	if err != nil {
		return nil, err
	}
	exec.Status = schema.ExecutionStatus(status)
	if err := json.Unmarshal([]byte(defJSON), &exec.Definition); err != nil {
		return nil, fmt.Errorf("unmarshal definition: %w", err)
	}
	if initialJSON.Valid && initialJSON.String != "" {
		_ = json.Unmarshal([]byte(initialJSON.String), &exec.InitialVars)
	}
	if finalJSON.Valid && finalJSON.String != "" {
		_ = json.Unmarshal([]byte(finalJSON.String), &exec.FinalVars)
	}
	exec.Output = rawOrNil(outputJSON)
	exec.Error = rawOrNil(errorJSON)
	if startedAt.Valid {
		exec.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		exec.CompletedAt = &completedAt.Time
	}
	return exec, nil
}

// --- Events ---

func (s *LibSQLStore) AppendEvent(ctx context.Context, event *Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	// Get next sequence number for this execution
	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE execution_id = ?`, event.ExecutionID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	event.Sequence = seq

	payload := nullRaw(event.Payload)
	ts := timeOrNow(event.Timestamp)

	_, err = tx.ExecContext(ctx,
		`INSERT INTO events (execution_id, step_id, event_type, payload, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		event.ExecutionID, nullStr(event.StepID), event.Type, payload, ts, seq,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event: %w", err)
	}
	return nil
}

func (s *LibSQLStore) GetEvents(ctx context.Context, executionID string, since int64) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, execution_id, step_id, event_type, payload, timestamp, sequence
		 FROM events WHERE execution_id = ? AND sequence > ? ORDER BY sequence ASC`,
		executionID, since,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (s *LibSQLStore) GetEventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*Event, error) {
	var where []string
	var args []any

	where = append(where, "event_type = ?")
	args = append(args, eventType)

	if filter.ExecutionID != "" {
		where = append(where, "execution_id = ?")
		args = append(args, filter.ExecutionID)
	}
	if filter.StepID != "" {
		where = append(where, "step_id = ?")
		args = append(args, filter.StepID)
	}
	if filter.Since != nil {
		where = append(where, "timestamp >= ?")
		args = append(args, *filter.Since)
	}

	query := `SELECT id, execution_id, step_id, event_type, payload, timestamp, sequence FROM events`
	query += " WHERE " + strings.Join(where, " AND ")
	query += " ORDER BY timestamp DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]*Event, error) {
	var events []*Event
	for rows.Next() {
		e := &Event{}
		var stepID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.ExecutionID, &stepID, &e.Type, &payload, &e.Timestamp, &e.Sequence); err != nil {
			return nil, err
		}
		e.StepID = stepID.String
		e.Payload = rawOrNil(payload)
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Pending Reviews ---

func (s *LibSQLStore) CreateReview(ctx context.Context, review *PendingReview) error {
	status := review.Status
	if status == "" {
		status = ReviewStatusPending
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO pending_reviews (id, execution_id, step_id, prompt, timeout_at, on_timeout, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		review.ID, review.ExecutionID, review.StepID, nullStr(review.Prompt),
		nullTime(review.TimeoutAt), nullStr(review.OnTimeout), status, timeOrNow(review.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) GetReview(ctx context.Context, id string) (*PendingReview, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, execution_id, step_id, prompt, timeout_at, on_timeout, resolution, resolved_by, resolved_at, status, created_at
		 FROM pending_reviews WHERE id = ?`, id,
	)
	review, err := scanReview(row.Scan)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("pending_review", id)
	}
	return review, err
}

func (s *LibSQLStore) ResolveReview(ctx context.Context, id string, resolution *ReviewResolution) error {
	resJSON, err := json.Marshal(resolution)
	if err != nil {
		return fmt.Errorf("marshal resolution: %w", err)
	}
	status := ReviewStatusResolved
	if resolution.TimedOut {
		status = ReviewStatusTimedOut
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE pending_reviews SET resolution = ?, resolved_by = ?, resolved_at = CURRENT_TIMESTAMP, status = ?
		 WHERE id = ? AND status = 'pending'`,
		string(resJSON), nullStr(resolution.Reviewer), status, id,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "pending_review", id)
}

func (s *LibSQLStore) ListReviews(ctx context.Context, filter ReviewFilter) ([]*PendingReview, error) {
	var where []string
	var args []any

	if filter.ExecutionID != "" {
		where = append(where, "execution_id = ?")
		args = append(args, filter.ExecutionID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, filter.Status)
	}

	query := `SELECT id, execution_id, step_id, prompt, timeout_at, on_timeout, resolution, resolved_by, resolved_at, status, created_at FROM pending_reviews`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var reviews []*PendingReview
	for rows.Next() {
		review, err := scanReview(rows.Scan)
		if err != nil {
			return nil, err
		}
		reviews = append(reviews, review)
	}
	return reviews, rows.Err()
}

func scanReview(scan func(...any) error) (*PendingReview, error) {
	r := &PendingReview{}
	var prompt, onTimeout, resolution, resolvedBy sql.NullString
	var timeoutAt, resolvedAt sql.NullTime
	err := scan(&r.ID, &r.ExecutionID, &r.StepID, &prompt, &timeoutAt, &onTimeout,
		&resolution, &resolvedBy, &resolvedAt, &r.Status, &r.CreatedAt)
	if err != nil {
		return nil, err
	}
	r.Prompt = prompt.String
	r.OnTimeout = onTimeout.String
	r.Resolution = rawOrNil(resolution)
	r.ResolvedBy = resolvedBy.String
	if timeoutAt.Valid {
		r.TimeoutAt = &timeoutAt.Time
	}
	if resolvedAt.Valid {
		r.ResolvedAt = &resolvedAt.Time
	}
	return r, nil
}

// --- Scheduled Jobs ---

func (s *LibSQLStore) CreateScheduledJob(ctx context.Context, job *ScheduledJob) error {
	def, err := json.Marshal(job.Definition)
	if err != nil {
		return fmt.Errorf("marshal job definition: %w", err)
	}
	vars, err := marshalVarsOrNil(job.Variables)
	if err != nil {
		return fmt.Errorf("marshal job variables: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO scheduled_jobs (id, workflow_name, definition, cron_expression, variables, enabled, last_run_at, next_run_at, last_run_status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.WorkflowName, string(def), job.CronExpression, vars,
		boolToInt(job.Enabled), nullTime(job.LastRunAt), nullTime(job.NextRunAt),
		nullStr(job.LastRunStatus), timeOrNow(job.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) GetScheduledJob(ctx context.Context, id string) (*ScheduledJob, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, workflow_name, definition, cron_expression, variables, enabled, last_run_at, next_run_at, last_run_status, created_at
		 FROM scheduled_jobs WHERE id = ?`, id,
	)
	job, err := scanScheduledJob(row.Scan)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("scheduled_job", id)
	}
	return job, err
}

func (s *LibSQLStore) UpdateScheduledJob(ctx context.Context, id string, update ScheduledJobUpdate) error {
	var sets []string
	var args []any

	if update.Enabled != nil {
		sets = append(sets, "enabled = ?")
		args = append(args, boolToInt(*update.Enabled))
	}
	if update.LastRunAt != nil {
		sets = append(sets, "last_run_at = ?")
		args = append(args, *update.LastRunAt)
	}
	if update.NextRunAt != nil {
		sets = append(sets, "next_run_at = ?")
		args = append(args, *update.NextRunAt)
	}
	if update.LastRunStatus != "" {
		sets = append(sets, "last_run_status = ?")
		args = append(args, update.LastRunStatus)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	query := fmt.Sprintf("UPDATE scheduled_jobs SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "scheduled_job", id)
}

func (s *LibSQLStore) ListScheduledJobs(ctx context.Context, filter ScheduledJobFilter) ([]*ScheduledJob, error) {
	var where []string
	var args []any

	if filter.Enabled != nil {
		where = append(where, "enabled = ?")
		args = append(args, boolToInt(*filter.Enabled))
	}

	query := `SELECT id, workflow_name, definition, cron_expression, variables, enabled, last_run_at, next_run_at, last_run_status, created_at FROM scheduled_jobs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*ScheduledJob
	for rows.Next() {
		job, err := scanScheduledJob(rows.Scan)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func (s *LibSQLStore) DeleteScheduledJob(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_jobs WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "scheduled_job", id)
}

func scanScheduledJob(scan func(...any) error) (*ScheduledJob, error) {
	j := &ScheduledJob{}
	var defJSON string
	var vars, lastStatus sql.NullString
	var enabled int
	var lastRun, nextRun sql.NullTime
	err := scan(&j.ID, &j.WorkflowName, &defJSON, &j.CronExpression, &vars, &enabled,
		&lastRun, &nextRun, &lastStatus, &j.CreatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(defJSON), &j.Definition); err != nil {
		return nil, fmt.Errorf("unmarshal job definition: %w", err)
	}
	if vars.Valid && vars.String != "" {
		_ = json.Unmarshal([]byte(vars.String), &j.Variables)
	}
	j.Enabled = enabled != 0
	j.LastRunStatus = lastStatus.String
	if lastRun.Valid {
		j.LastRunAt = &lastRun.Time
	}
	if nextRun.Valid {
		j.NextRunAt = &nextRun.Time
	}
	return j, nil
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func marshalVarsOrDefault(m map[string]string) (json.RawMessage, error) {
	if len(m) == 0 {
		return json.RawMessage("{}"), nil
	}
	return json.Marshal(m)
}

func marshalVarsOrNil(m map[string]string) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(raw), nil
}
