package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/jobqueue/internal/retry"
	"github.com/kiranshivaraju/jobqueue/pkg/models"
)

var _ Store = (*PostgresStore)(nil)

const jobColumns = `job_id, job_type, status, data, result, error, attempts, max_attempts,
	run_at, claimed_by, claim_expires_at, created_at, updated_at, completed_at`

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{
		pool: pool,
		now:  func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) },
	}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) Enqueue(ctx context.Context, job *models.Job) error {
	p := job.Clone()
	prepareEnqueue(p, s.now())

	_, err := s.pool.Exec(ctx,
		`INSERT INTO job_queue (job_id, job_type, status, data, attempts, max_attempts, run_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		p.ID, p.Type, p.Status, []byte(p.Payload), p.Attempts, p.MaxAttempts,
		p.RunAt, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateJobID
		}
		return fmt.Errorf("enqueue job: %w", err)
	}
	*job = *p
	return nil
}

// ClaimNext locks the head of the pending queue with SKIP LOCKED so concurrent
// claimers, in this process or another, never receive the same row.
func (s *PostgresStore) ClaimNext(ctx context.Context, workerID string, visibility time.Duration) (*models.Job, error) {
	now := s.now()
	row := s.pool.QueryRow(ctx,
		`UPDATE job_queue
		 SET status = 'processing', attempts = attempts + 1, claimed_by = $1,
		     claim_expires_at = $2, updated_at = $3
		 WHERE status = 'pending' AND job_id = (
		     SELECT job_id FROM job_queue
		     WHERE status = 'pending' AND run_at <= $3
		     ORDER BY run_at ASC, job_id ASC
		     FOR UPDATE SKIP LOCKED
		     LIMIT 1)
		 RETURNING `+jobColumns,
		workerID, now.Add(visibility), now)

	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim next job: %w", err)
	}
	return job, nil
}

func (s *PostgresStore) Complete(ctx context.Context, id string, result json.RawMessage, opts ...TransitionOption) error {
	params := buildParams(opts)
	now := s.now()

	tag, err := s.pool.Exec(ctx,
		`UPDATE job_queue
		 SET status = 'completed', result = $2, claim_expires_at = NULL,
		     completed_at = $3, updated_at = $3
		 WHERE job_id = $1 AND status = 'processing'
		   AND ($4::text IS NULL OR claimed_by = $4)
		   AND ($5::int IS NULL OR attempts = $5)`,
		id, []byte(normalizeResult(result)), now, params.ClaimedBy, params.Attempt)
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.resolveMiss(ctx, id)
	}
	return nil
}

// Fail mirrors applyFail: the retry branch is only taken while attempts remain.
func (s *PostgresStore) Fail(ctx context.Context, id string, errMsg string, outcome retry.Outcome, opts ...TransitionOption) error {
	params := buildParams(opts)
	now := s.now()
	runAt := outcome.RunAt
	if runAt.IsZero() {
		runAt = now
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE job_queue
		 SET error = $2, claim_expires_at = NULL, updated_at = $3::timestamptz,
		     status = CASE WHEN $4::boolean AND attempts < max_attempts THEN 'pending' ELSE 'failed' END,
		     run_at = CASE WHEN $4::boolean AND attempts < max_attempts THEN $5::timestamptz ELSE run_at END,
		     completed_at = CASE WHEN $4::boolean AND attempts < max_attempts THEN completed_at ELSE $3::timestamptz END
		 WHERE job_id = $1 AND status = 'processing'
		   AND ($6::text IS NULL OR claimed_by = $6)
		   AND ($7::int IS NULL OR attempts = $7)`,
		id, errMsg, now, outcome.Decision == retry.Retry, runAt, params.ClaimedBy, params.Attempt)
	if err != nil {
		return fmt.Errorf("fail job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.resolveMiss(ctx, id)
	}
	return nil
}

// ReclaimExpired locks every expired claim, decides each job's next state in
// Go with policy, and writes the results back in one batch.
func (s *PostgresStore) ReclaimExpired(ctx context.Context, now time.Time, policy *retry.Policy) ([]*models.Job, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin reclaim: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	rows, err := tx.Query(ctx,
		`SELECT `+jobColumns+` FROM job_queue
		 WHERE status = 'processing' AND claim_expires_at < $1
		 ORDER BY claim_expires_at ASC, job_id ASC
		 FOR UPDATE SKIP LOCKED`, now)
	if err != nil {
		return nil, fmt.Errorf("select expired jobs: %w", err)
	}
	var expired []*models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan expired job: %w", err)
		}
		expired = append(expired, j)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("select expired jobs: %w", err)
	}
	if len(expired) == 0 {
		return []*models.Job{}, nil
	}

	batch := &pgx.Batch{}
	for _, j := range expired {
		applyExpire(j, policy, now)
		batch.Queue(
			`UPDATE job_queue
			 SET status = $2, error = $3, run_at = $4, claim_expires_at = NULL,
			     updated_at = $5, completed_at = $6
			 WHERE job_id = $1`,
			j.ID, j.Status, j.Error, j.RunAt, j.UpdatedAt, j.CompletedAt)
	}

	br := tx.SendBatch(ctx, batch)
	for range expired {
		if _, err := br.Exec(); err != nil {
			br.Close()
			return nil, fmt.Errorf("reclaim expired job: %w", err)
		}
	}
	if err := br.Close(); err != nil {
		return nil, fmt.Errorf("reclaim expired jobs: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit reclaim: %w", err)
	}
	return expired, nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id string) (*models.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM job_queue WHERE job_id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

func (s *PostgresStore) ListJobs(ctx context.Context, filter JobFilter) ([]*models.Job, int, error) {
	// Build WHERE clause dynamically
	conditions := []string{"TRUE"}
	var args []any
	argIdx := 1

	if filter.Status != "" {
		conditions = append(conditions, fmt.Sprintf("status = $%d", argIdx))
		args = append(args, filter.Status)
		argIdx++
	}
	if filter.Type != "" {
		conditions = append(conditions, fmt.Sprintf("job_type = $%d", argIdx))
		args = append(args, filter.Type)
		argIdx++
	}

	where := strings.Join(conditions, " AND ")

	var total int
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM job_queue WHERE "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count jobs: %w", err)
	}

	limit, offset := filter.pagination()
	dataQuery := fmt.Sprintf(
		`SELECT %s FROM job_queue WHERE %s ORDER BY created_at DESC, job_id ASC LIMIT $%d OFFSET $%d`,
		jobColumns, where, argIdx, argIdx+1)
	args = append(args, limit, offset)

	rows, err := s.pool.Query(ctx, dataQuery, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	jobs := []*models.Job{}
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, total, rows.Err()
}

func (s *PostgresStore) CountByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM job_queue GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count jobs by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int, 4)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// resolveMiss explains why a guarded update touched no rows.
func (s *PostgresStore) resolveMiss(ctx context.Context, id string) error {
	var status string
	err := s.pool.QueryRow(ctx, `SELECT status FROM job_queue WHERE job_id = $1`, id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get job status: %w", err)
	}
	return fmt.Errorf("%w: job %s is %s or held by another claim", ErrInvalidTransition, id, status)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*models.Job, error) {
	var j models.Job
	var data, result []byte
	err := row.Scan(&j.ID, &j.Type, &j.Status, &data, &result, &j.Error, &j.Attempts, &j.MaxAttempts,
		&j.RunAt, &j.ClaimedBy, &j.ClaimExpiresAt, &j.CreatedAt, &j.UpdatedAt, &j.CompletedAt)
	if err != nil {
		return nil, err
	}
	j.Payload = json.RawMessage(data)
	if result != nil {
		j.Result = json.RawMessage(result)
	}

	j.RunAt = j.RunAt.UTC()
	j.CreatedAt = j.CreatedAt.UTC()
	j.UpdatedAt = j.UpdatedAt.UTC()
	if j.ClaimExpiresAt != nil {
		t := j.ClaimExpiresAt.UTC()
		j.ClaimExpiresAt = &t
	}
	if j.CompletedAt != nil {
		t := j.CompletedAt.UTC()
		j.CompletedAt = &t
	}
	return &j, nil
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}
