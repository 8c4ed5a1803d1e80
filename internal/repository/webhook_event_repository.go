package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/digkill/restyle/internal/models"
)

type WebhookEventRepository struct {
	db  *sql.DB
	now func() time.Time
}

func NewWebhookEventRepository(db *sql.DB) *WebhookEventRepository {
	return &WebhookEventRepository{db: db, now: utcNow}
}

func (r *WebhookEventRepository) Begin(ctx context.Context, provider, eventID, eventType string, payload []byte) error {
	const query = `
INSERT INTO webhook_events (provider, event_id, event_type, payload, created_at)
VALUES (?, ?, ?, ?, ?)`
	_, err := r.db.ExecContext(ctx, query, provider, eventID, eventType, string(payload), r.now())
	if err == nil {
		return nil
	}
	if !isDuplicateKey(err) {
		return fmt.Errorf("insert webhook event: %w", err)
	}

	var processed sql.NullTime
	const lookup = `SELECT processed_at FROM webhook_events WHERE provider = ? AND event_id = ?`
	if err := r.db.QueryRowContext(ctx, lookup, provider, eventID).Scan(&processed); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		return fmt.Errorf("lookup webhook event: %w", err)
	}
	if processed.Valid {
		return models.ErrIdempotencyConflict
	}
	// A previous delivery failed midway; the ledger calls are keyed so redoing them is safe.
	return nil
}

func (r *WebhookEventRepository) Finish(ctx context.Context, provider, eventID string, procErr error) error {
	var query string
	var args []any
	if procErr != nil {
		query = `UPDATE webhook_events SET processing_error = ? WHERE provider = ? AND event_id = ?`
		args = []any{procErr.Error(), provider, eventID}
	} else {
		query = `UPDATE webhook_events SET processed_at = ?, processing_error = NULL WHERE provider = ? AND event_id = ?`
		args = []any{r.now(), provider, eventID}
	}
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("finish webhook event: %w", err)
	}
	return nil
}
