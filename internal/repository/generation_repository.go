package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/digkill/restyle/internal/models"
)

const generationColumns = `id, identity_key, style_key, COALESCE(prompt, ''), original_image_url, COALESCE(generated_image_url, ''),
status, is_edited, COALESCE(batch_id, ''), COALESCE(error_message, ''), created_at, updated_at`

type GenerationRepository struct {
	db  *sql.DB
	now func() time.Time
}

func NewGenerationRepository(db *sql.DB) *GenerationRepository {
	return &GenerationRepository{db: db, now: utcNow}
}

func (r *GenerationRepository) CreateWithJobs(ctx context.Context, recs []*models.GenerationRecord, jobs []*models.Job, cost int) error {
	if len(recs) == 0 || len(recs) != len(jobs) {
		return fmt.Errorf("create generations: %d records for %d jobs", len(recs), len(jobs))
	}
	owner := recs[0].IdentityKey
	for i, rec := range recs {
		if rec.IdentityKey != owner || jobs[i].IdentityKey != owner || jobs[i].GenerationID != rec.ID {
			return fmt.Errorf("create generations: record %s does not match its job or owner", rec.ID)
		}
	}

	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	// Locking the account row serializes submissions per identity so the
	// reservation below cannot be raced.
	acc, err := getAccount(ctx, tx, owner, true)
	if err != nil {
		return err
	}
	if acc.Inert() {
		return models.ErrAccountMigrated
	}
	if cost > 0 && !acc.IsSubscribed {
		var live int
		const countLive = `SELECT COUNT(*) FROM generation_jobs WHERE identity_key = ? AND status IN ('queued', 'claimed')`
		if err := tx.QueryRowContext(ctx, countLive, owner).Scan(&live); err != nil {
			return fmt.Errorf("count live jobs: %w", err)
		}
		if acc.Credits < cost*(live+len(jobs)) {
			return models.ErrInsufficientCredits
		}
	}

	now := r.now()
	for i, rec := range recs {
		rec.Status = models.GenerationPending
		rec.CreatedAt, rec.UpdatedAt = now, now
		if err := insertGeneration(ctx, tx, rec); err != nil {
			return err
		}
		jobs[i].CreatedAt, jobs[i].UpdatedAt = now, now
		if err := insertJob(ctx, tx, jobs[i]); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit generations: %w", err)
	}
	return nil
}

func (r *GenerationRepository) Get(ctx context.Context, id string) (*models.GenerationRecord, error) {
	query := `SELECT ` + generationColumns + ` FROM generations WHERE id = ?`
	return r.scanOne(r.db.QueryRowContext(ctx, query, id))
}

func (r *GenerationRepository) GetOwned(ctx context.Context, id string, owner models.Identity) (*models.GenerationRecord, error) {
	query := `SELECT ` + generationColumns + ` FROM generations WHERE id = ? AND identity_key = ?`
	return r.scanOne(r.db.QueryRowContext(ctx, query, id, owner.Key()))
}

func (r *GenerationRepository) ListOwned(ctx context.Context, owner models.Identity, limit int) ([]models.GenerationRecord, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	query := `SELECT ` + generationColumns + ` FROM generations WHERE identity_key = ? ORDER BY created_at DESC LIMIT ?`
	rows, err := r.db.QueryContext(ctx, query, owner.Key(), limit)
	if err != nil {
		return nil, fmt.Errorf("list generations: %w", err)
	}
	defer rows.Close()

	var recs []models.GenerationRecord
	for rows.Next() {
		rec, err := scanGeneration(rows)
		if err != nil {
			return nil, fmt.Errorf("scan generation list: %w", err)
		}
		recs = append(recs, *rec)
	}
	return recs, rows.Err()
}

func (r *GenerationRepository) MarkProcessing(ctx context.Context, id string) error {
	const query = `
UPDATE generations SET status = 'processing', error_message = NULL, updated_at = ?
WHERE id = ? AND status IN ('pending', 'processing', 'failed')`
	return r.transition(ctx, id, query, r.now(), id)
}

func (r *GenerationRepository) MarkCompleted(ctx context.Context, id, imageURL string) error {
	const query = `
UPDATE generations SET status = 'completed', generated_image_url = ?, error_message = NULL, updated_at = ?
WHERE id = ? AND status = 'processing'`
	return r.transition(ctx, id, query, imageURL, r.now(), id)
}

func (r *GenerationRepository) MarkFailed(ctx context.Context, id, message string) error {
	const query = `
UPDATE generations SET status = 'failed', error_message = ?, updated_at = ?
WHERE id = ? AND status IN ('pending', 'processing')`
	return r.transition(ctx, id, query, message, r.now(), id)
}

func (r *GenerationRepository) DeleteOwned(ctx context.Context, id string, owner models.Identity) error {
	// generation_jobs cascades, which also releases the credit reservation.
	const query = `DELETE FROM generations WHERE id = ? AND identity_key = ?`
	res, err := r.db.ExecContext(ctx, query, id, owner.Key())
	if err != nil {
		return fmt.Errorf("delete generation: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete rows affected: %w", err)
	}
	if affected == 0 {
		return models.ErrGenerationNotFound
	}
	return nil
}

func (r *GenerationRepository) transition(ctx context.Context, id, query string, args ...any) error {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update generation status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("generation rows affected: %w", err)
	}
	if affected > 0 {
		return nil
	}
	var status models.GenerationStatus
	if err := r.db.QueryRowContext(ctx, `SELECT status FROM generations WHERE id = ?`, id).Scan(&status); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.ErrGenerationNotFound
		}
		return fmt.Errorf("read generation status: %w", err)
	}
	return fmt.Errorf("%w: generation %s is %s", models.ErrInvalidTransition, id, status)
}

func (r *GenerationRepository) scanOne(row *sql.Row) (*models.GenerationRecord, error) {
	rec, err := scanGeneration(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.ErrGenerationNotFound
		}
		return nil, fmt.Errorf("scan generation: %w", err)
	}
	return rec, nil
}

func insertGeneration(ctx context.Context, q querier, rec *models.GenerationRecord) error {
	const query = `
INSERT INTO generations (id, identity_key, style_key, prompt, original_image_url, status, is_edited, batch_id, created_at, updated_at)
VALUES (?, ?, ?, NULLIF(?, ''), ?, ?, ?, NULLIF(?, ''), ?, ?)`
	if _, err := q.ExecContext(ctx, query, rec.ID, rec.IdentityKey, rec.StyleKey, rec.Prompt, rec.OriginalImageURL, rec.Status, boolInt(rec.IsEdited), rec.BatchID, rec.CreatedAt, rec.UpdatedAt); err != nil {
		return fmt.Errorf("insert generation: %w", err)
	}
	return nil
}

func scanGeneration(row scanner) (*models.GenerationRecord, error) {
	var g models.GenerationRecord
	if err := row.Scan(&g.ID, &g.IdentityKey, &g.StyleKey, &g.Prompt, &g.OriginalImageURL, &g.GeneratedImageURL,
		&g.Status, &g.IsEdited, &g.BatchID, &g.ErrorMessage, &g.CreatedAt, &g.UpdatedAt); err != nil {
		return nil, err
	}
	return &g, nil
}
