package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/digkill/restyle/internal/models"
)

const jobColumns = `id, generation_id, identity_key, style_key, COALESCE(prompt, ''), source_image_url, mime_type, status,
attempts, max_attempts, claimed_at, COALESCE(claimed_by, ''), next_attempt_at, COALESCE(last_error, ''), created_at, updated_at`

// JobRepository is the claim-based queue. Claims use FOR UPDATE SKIP LOCKED so
// concurrent workers never receive the same row.
type JobRepository struct {
	db     *sql.DB
	policy models.RetryPolicy
	now    func() time.Time
}

func NewJobRepository(db *sql.DB, policy models.RetryPolicy) *JobRepository {
	return &JobRepository{db: db, policy: policy, now: utcNow}
}

func (r *JobRepository) Enqueue(ctx context.Context, job *models.Job) error {
	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var owner string
	err = tx.QueryRowContext(ctx, `SELECT identity_key FROM generations WHERE id = ? FOR UPDATE`, job.GenerationID).Scan(&owner)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.ErrGenerationNotFound
		}
		return fmt.Errorf("lock generation: %w", err)
	}
	if owner != job.IdentityKey {
		return fmt.Errorf("enqueue job: owner %s does not match generation owner %s", job.IdentityKey, owner)
	}

	if job.MaxAttempts <= 0 {
		job.MaxAttempts = r.policy.MaxAttempts
	}
	job.Status = models.JobQueued
	job.CreatedAt, job.UpdatedAt = r.now(), r.now()
	if err := insertJob(ctx, tx, job); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit enqueue: %w", err)
	}
	return nil
}

func (r *JobRepository) ClaimNext(ctx context.Context, workerID string) (*models.Job, error) {
	now := r.now()

	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	const pick = `
SELECT id FROM generation_jobs
WHERE status = 'queued' AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
ORDER BY created_at ASC, id ASC
LIMIT 1
FOR UPDATE SKIP LOCKED`
	var id string
	if err := tx.QueryRowContext(ctx, pick, now).Scan(&id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.ErrNoJobAvailable
		}
		return nil, fmt.Errorf("pick job: %w", err)
	}

	const claim = `
UPDATE generation_jobs SET status = 'claimed', claimed_at = ?, claimed_by = ?, updated_at = ?
WHERE id = ? AND status = 'queued'`
	res, err := tx.ExecContext(ctx, claim, now, workerID, now, id)
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return nil, models.ErrNoJobAvailable
	}

	job, err := getJob(ctx, tx, id, false)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}
	return job, nil
}

func (r *JobRepository) Complete(ctx context.Context, jobID, workerID string) error {
	const query = `
UPDATE generation_jobs SET status = 'completed', live_generation_id = NULL, next_attempt_at = NULL, updated_at = ?
WHERE id = ? AND status = 'claimed' AND claimed_by = ?`
	res, err := r.db.ExecContext(ctx, query, r.now(), jobID, workerID)
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected > 0 {
		return nil
	}
	job, err := getJob(ctx, r.db, jobID, false)
	if err != nil {
		return err
	}
	if job.Status == models.JobCompleted {
		return nil
	}
	if job.Status == models.JobClaimed {
		return fmt.Errorf("%w: job %s is held by %s", models.ErrJobNotClaimed, jobID, job.ClaimedBy)
	}
	return fmt.Errorf("%w: job %s is %s", models.ErrJobNotClaimed, jobID, job.Status)
}

func (r *JobRepository) Fail(ctx context.Context, jobID, workerID, message string, permanent bool) (*models.Job, error) {
	return r.fail(ctx, jobID, message, permanent, ClaimGuard{WorkerID: workerID})
}

func (r *JobRepository) ReclaimStale(ctx context.Context, claimedBefore time.Time) ([]models.Job, error) {
	const query = `SELECT id FROM generation_jobs WHERE status = 'claimed' AND claimed_at < ? ORDER BY claimed_at ASC`
	rows, err := r.db.QueryContext(ctx, query, claimedBefore.UTC())
	if err != nil {
		return nil, fmt.Errorf("list stale jobs: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan stale job: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var reclaimed []models.Job
	for _, id := range ids {
		job, err := r.fail(ctx, id, "stale claim reclaimed", false, ClaimGuard{StaleBefore: &claimedBefore})
		if err != nil {
			// Finished or re-claimed between the scan and the lock.
			if errors.Is(err, models.ErrJobNotClaimed) || errors.Is(err, models.ErrJobNotFound) {
				continue
			}
			return reclaimed, err
		}
		reclaimed = append(reclaimed, *job)
	}
	return reclaimed, nil
}

func (r *JobRepository) Get(ctx context.Context, jobID string) (*models.Job, error) {
	return getJob(ctx, r.db, jobID, false)
}

// ClaimGuard limits which claims a failure may act on: the claim held by
// WorkerID, or when StaleBefore is set any claim older than that instant.
type ClaimGuard struct {
	WorkerID    string
	StaleBefore *time.Time
}

func (g ClaimGuard) Check(job *models.Job) error {
	if job.Status != models.JobClaimed {
		return fmt.Errorf("%w: job %s is %s", models.ErrJobNotClaimed, job.ID, job.Status)
	}
	if g.StaleBefore != nil {
		if job.ClaimedAt == nil || !job.ClaimedAt.Before(*g.StaleBefore) {
			return fmt.Errorf("%w: job %s claim is fresh", models.ErrJobNotClaimed, job.ID)
		}
		return nil
	}
	if job.ClaimedBy != g.WorkerID {
		return fmt.Errorf("%w: job %s is held by %s", models.ErrJobNotClaimed, job.ID, job.ClaimedBy)
	}
	return nil
}

// fail records one failed attempt on a claim the guard accepts.
func (r *JobRepository) fail(ctx context.Context, jobID, message string, permanent bool, guard ClaimGuard) (*models.Job, error) {
	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	job, err := getJob(ctx, tx, jobID, true)
	if err != nil {
		return nil, err
	}
	if err := guard.Check(job); err != nil {
		return nil, err
	}

	now := r.now()
	job.RecordFailure(message, permanent, r.policy, now)

	const query = `
UPDATE generation_jobs
SET status = ?, live_generation_id = ?, attempts = ?, last_error = ?, next_attempt_at = ?, claimed_at = ?, claimed_by = ?, updated_at = ?
WHERE id = ?`
	var live sql.NullString
	if job.Status.Live() {
		live = nullString(job.GenerationID)
	}
	if _, err := tx.ExecContext(ctx, query, job.Status, live, job.Attempts, nullString(job.LastError), nullTime(job.NextAttemptAt),
		nullTime(job.ClaimedAt), nullString(job.ClaimedBy), now, job.ID); err != nil {
		return nil, fmt.Errorf("fail job: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit fail: %w", err)
	}
	return job, nil
}

func insertJob(ctx context.Context, q querier, job *models.Job) error {
	const query = `
INSERT INTO generation_jobs (id, generation_id, live_generation_id, identity_key, style_key, prompt, source_image_url, mime_type,
    status, attempts, max_attempts, next_attempt_at, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, NULLIF(?, ''), ?, ?, 'queued', 0, ?, NULL, ?, ?)`
	_, err := q.ExecContext(ctx, query, job.ID, job.GenerationID, job.GenerationID, job.IdentityKey, job.StyleKey, job.Prompt,
		job.SourceImageURL, job.MimeType, job.MaxAttempts, job.CreatedAt, job.UpdatedAt)
	if err != nil {
		if isDuplicateKey(err) {
			return models.ErrDuplicateJob
		}
		return fmt.Errorf("insert job: %w", err)
	}
	job.Status = models.JobQueued
	job.Attempts = 0
	return nil
}

func getJob(ctx context.Context, q querier, id string, forUpdate bool) (*models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM generation_jobs WHERE id = ?`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	var j models.Job
	var claimedAt, nextAt sql.NullTime
	err := q.QueryRowContext(ctx, query, id).Scan(&j.ID, &j.GenerationID, &j.IdentityKey, &j.StyleKey, &j.Prompt, &j.SourceImageURL,
		&j.MimeType, &j.Status, &j.Attempts, &j.MaxAttempts, &claimedAt, &j.ClaimedBy, &nextAt, &j.LastError, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.ErrJobNotFound
		}
		return nil, fmt.Errorf("scan job: %w", err)
	}
	j.ClaimedAt = timePtr(claimedAt)
	j.NextAttemptAt = timePtr(nextAt)
	return &j, nil
}
