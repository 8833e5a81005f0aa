package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kiranshivaraju/jobqueue/internal/retry"
	"github.com/kiranshivaraju/jobqueue/pkg/models"
	"github.com/mattn/go-sqlite3"
)

var _ Store = (*SQLiteStore)(nil)

// SQLiteStore keeps job records in a single SQLite file. Every state change
// runs in an IMMEDIATE transaction, so claims are exclusive across processes
// sharing the file. Timestamps are stored as unix nanoseconds.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStore opens (or creates) the database at path and ensures the
// schema exists.
func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &SQLiteStore{
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}
	if err := s.Init(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Init creates the job_queue table and its indexes if they are missing.
func (s *SQLiteStore) Init(ctx context.Context) error {
	createJobTable := `create table if not exists job_queue(
		job_id text primary key,
		job_type text not null,
		status text not null default 'pending',
		data text not null default '{}',
		result text,
		error text,
		attempts integer not null default 0,
		max_attempts integer not null default 3,
		run_at integer not null,
		claimed_by text,
		claim_expires_at integer,
		created_at integer not null,
		updated_at integer not null,
		completed_at integer
	);
	create index if not exists idx_job_queue_status on job_queue(status);
	create index if not exists idx_job_queue_job_type on job_queue(job_type);
	create index if not exists idx_job_queue_claim on job_queue(status, run_at, job_id);`

	if _, err := s.db.ExecContext(ctx, createJobTable); err != nil {
		return fmt.Errorf("init sqlite schema: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Enqueue(ctx context.Context, job *models.Job) error {
	p := job.Clone()
	prepareEnqueue(p, s.now())

	_, err := s.db.ExecContext(ctx,
		`insert into job_queue (job_id, job_type, status, data, attempts, max_attempts, run_at, created_at, updated_at)
		 values (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Type, p.Status, string(p.Payload), p.Attempts, p.MaxAttempts,
		p.RunAt.UnixNano(), p.CreatedAt.UnixNano(), p.UpdatedAt.UnixNano())
	if err != nil {
		if isSQLiteConstraint(err) {
			return ErrDuplicateJobID
		}
		return fmt.Errorf("enqueue job: %w", err)
	}
	*job = *p
	return nil
}

func (s *SQLiteStore) ClaimNext(ctx context.Context, workerID string, visibility time.Duration) (*models.Job, error) {
	var claimed *models.Job
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := s.now()
		row := tx.QueryRowContext(ctx,
			`select `+jobColumns+` from job_queue
			 where status = 'pending' and run_at <= ?
			 order by run_at asc, job_id asc
			 limit 1`, now.UnixNano())
		j, err := scanSQLiteJob(row)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}

		applyClaim(j, workerID, now, visibility)
		if err := writeSQLiteJob(ctx, tx, j); err != nil {
			return err
		}
		claimed = j
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("claim next job: %w", err)
	}
	return claimed, nil
}

func (s *SQLiteStore) Complete(ctx context.Context, id string, result json.RawMessage, opts ...TransitionOption) error {
	params := buildParams(opts)
	return s.transition(ctx, id, func(j *models.Job) error {
		if err := checkHeld(j, params); err != nil {
			return err
		}
		applyComplete(j, result, s.now())
		return nil
	})
}

func (s *SQLiteStore) Fail(ctx context.Context, id string, errMsg string, outcome retry.Outcome, opts ...TransitionOption) error {
	params := buildParams(opts)
	return s.transition(ctx, id, func(j *models.Job) error {
		if err := checkHeld(j, params); err != nil {
			return err
		}
		applyFail(j, errMsg, outcome, s.now())
		return nil
	})
}

func (s *SQLiteStore) ReclaimExpired(ctx context.Context, now time.Time, policy *retry.Policy) ([]*models.Job, error) {
	reclaimed := []*models.Job{}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			`select `+jobColumns+` from job_queue
			 where status = 'processing' and claim_expires_at < ?
			 order by claim_expires_at asc, job_id asc`, now.UnixNano())
		if err != nil {
			return err
		}
		var expired []*models.Job
		for rows.Next() {
			j, err := scanSQLiteJob(rows)
			if err != nil {
				rows.Close()
				return err
			}
			expired = append(expired, j)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, j := range expired {
			applyExpire(j, policy, now)
			if err := writeSQLiteJob(ctx, tx, j); err != nil {
				return err
			}
			reclaimed = append(reclaimed, j)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("reclaim expired jobs: %w", err)
	}
	return reclaimed, nil
}

func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*models.Job, error) {
	row := s.db.QueryRowContext(ctx, `select `+jobColumns+` from job_queue where job_id = ?`, id)
	j, err := scanSQLiteJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

func (s *SQLiteStore) ListJobs(ctx context.Context, filter JobFilter) ([]*models.Job, int, error) {
	conditions := []string{"1 = 1"}
	var args []any
	if filter.Status != "" {
		conditions = append(conditions, "status = ?")
		args = append(args, filter.Status)
	}
	if filter.Type != "" {
		conditions = append(conditions, "job_type = ?")
		args = append(args, filter.Type)
	}
	where := strings.Join(conditions, " and ")

	var total int
	if err := s.db.QueryRowContext(ctx, "select count(*) from job_queue where "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count jobs: %w", err)
	}

	limit, offset := filter.pagination()
	rows, err := s.db.QueryContext(ctx,
		`select `+jobColumns+` from job_queue where `+where+`
		 order by created_at desc, job_id asc limit ? offset ?`,
		append(args, limit, offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	jobs := []*models.Job{}
	for rows.Next() {
		j, err := scanSQLiteJob(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, total, rows.Err()
}

func (s *SQLiteStore) CountByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `select status, count(*) from job_queue group by status`)
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

// transition loads id inside a transaction, lets apply mutate it and writes it
// back. apply's error aborts the transaction unchanged.
func (s *SQLiteStore) transition(ctx context.Context, id string, apply func(*models.Job) error) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `select `+jobColumns+` from job_queue where job_id = ?`, id)
		j, err := scanSQLiteJob(row)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("load job: %w", err)
		}
		if err := apply(j); err != nil {
			return err
		}
		return writeSQLiteJob(ctx, tx, j)
	})
}

func (s *SQLiteStore) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback() //nolint:errcheck
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func writeSQLiteJob(ctx context.Context, tx *sql.Tx, j *models.Job) error {
	var result sql.NullString
	if j.Result != nil {
		result = sql.NullString{String: string(j.Result), Valid: true}
	}
	_, err := tx.ExecContext(ctx,
		`update job_queue set status = ?, result = ?, error = ?, attempts = ?, run_at = ?,
		     claimed_by = ?, claim_expires_at = ?, updated_at = ?, completed_at = ?
		 where job_id = ?`,
		j.Status, result, j.Error, j.Attempts, j.RunAt.UnixNano(),
		j.ClaimedBy, nanosOrNull(j.ClaimExpiresAt), j.UpdatedAt.UnixNano(), nanosOrNull(j.CompletedAt),
		j.ID)
	if err != nil {
		return fmt.Errorf("write job %s: %w", j.ID, err)
	}
	return nil
}

func scanSQLiteJob(row rowScanner) (*models.Job, error) {
	var j models.Job
	var data string
	var result, errMsg, claimedBy sql.NullString
	var runAt, createdAt, updatedAt int64
	var claimExpiresAt, completedAt sql.NullInt64

	err := row.Scan(&j.ID, &j.Type, &j.Status, &data, &result, &errMsg, &j.Attempts, &j.MaxAttempts,
		&runAt, &claimedBy, &claimExpiresAt, &createdAt, &updatedAt, &completedAt)
	if err != nil {
		return nil, err
	}

	j.Payload = json.RawMessage(data)
	if result.Valid {
		j.Result = json.RawMessage(result.String)
	}
	if errMsg.Valid {
		j.Error = &errMsg.String
	}
	if claimedBy.Valid {
		j.ClaimedBy = &claimedBy.String
	}
	j.RunAt = fromNanos(runAt)
	j.CreatedAt = fromNanos(createdAt)
	j.UpdatedAt = fromNanos(updatedAt)
	if claimExpiresAt.Valid {
		t := fromNanos(claimExpiresAt.Int64)
		j.ClaimExpiresAt = &t
	}
	if completedAt.Valid {
		t := fromNanos(completedAt.Int64)
		j.CompletedAt = &t
	}
	return &j, nil
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func nanosOrNull(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func isSQLiteConstraint(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	return false
}
