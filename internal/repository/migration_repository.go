package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/digkill/restyle/internal/models"
)

// MigrationRepository moves a guest's generations and credits onto a user in
// one transaction.
type MigrationRepository struct {
	db  *sql.DB
	now func() time.Time
}

func NewMigrationRepository(db *sql.DB) *MigrationRepository {
	return &MigrationRepository{db: db, now: utcNow}
}

func (r *MigrationRepository) MigrateGuest(ctx context.Context, guest, user models.Identity) (*models.MigrationResult, error) {
	if !guest.IsGuest() || user.IsGuest() {
		return nil, fmt.Errorf("%w: migration needs a guest source and a user target", models.ErrInvalidIdentity)
	}
	if _, err := ensureAccount(ctx, r.db, guest, guest.ID); err != nil {
		return nil, err
	}
	if _, err := ensureAccount(ctx, r.db, user, ""); err != nil {
		return nil, err
	}

	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	// "guest:" sorts before "user:"; rows are always locked in key order.
	g, err := getAccount(ctx, tx, guest.Key(), true)
	if err != nil {
		return nil, err
	}
	u, err := getAccount(ctx, tx, user.Key(), true)
	if err != nil {
		return nil, err
	}

	result := &models.MigrationResult{Guest: guest.Key(), User: user.Key()}
	if g.Inert() {
		if g.MigratedTo != user.Key() {
			return nil, models.ErrGuestAlreadyMigrated
		}
		result.AlreadyMigrated = true
		return result, nil
	}
	if u.Inert() {
		return nil, models.ErrAccountMigrated
	}

	res, err := tx.ExecContext(ctx, `UPDATE generations SET identity_key = ? WHERE identity_key = ?`, user.Key(), guest.Key())
	if err != nil {
		return nil, fmt.Errorf("move generations: %w", err)
	}
	moved, _ := res.RowsAffected()
	result.MovedGenerations = int(moved)

	if _, err := tx.ExecContext(ctx, `UPDATE generation_jobs SET identity_key = ? WHERE identity_key = ?`, user.Key(), guest.Key()); err != nil {
		return nil, fmt.Errorf("move jobs: %w", err)
	}

	now := r.now()
	if g.Credits > 0 {
		out := &models.CreditTransaction{
			ID:             uuid.NewString(),
			IdentityKey:    guest.Key(),
			Delta:          -g.Credits,
			IdempotencyKey: "migration:" + guest.Key() + ":out",
			Type:           models.TxMigration,
			CreatedAt:      now,
		}
		in := &models.CreditTransaction{
			ID:             uuid.NewString(),
			IdentityKey:    user.Key(),
			Delta:          g.Credits,
			IdempotencyKey: "migration:" + guest.Key(),
			Type:           models.TxMigration,
			CreatedAt:      now,
		}
		for _, t := range []*models.CreditTransaction{out, in} {
			if err := insertTransaction(ctx, tx, t); err != nil {
				return nil, err
			}
		}
		result.MergedCredits = g.Credits
	}

	u.AbsorbGuest(g)
	const updateUser = `
UPDATE accounts
SET credits = credits + ?, bonus_credits = bonus_credits + ?, is_subscribed = ?, is_trial_active = ?, trial_started_at = ?, trial_ends_at = ?,
    credits_awarded = ?, rating_bonus_awarded = ?, verification_bonus_awarded = ?, device_id = NULLIF(?, ''), updated_at = ?
WHERE identity_key = ?`
	if _, err := tx.ExecContext(ctx, updateUser, g.Credits, g.BonusCredits, boolInt(u.IsSubscribed), boolInt(u.IsTrialActive),
		nullTime(u.TrialStartedAt), nullTime(u.TrialEndsAt), boolInt(u.CreditsAwarded), boolInt(u.RatingBonusAwarded),
		boolInt(u.VerificationBonusAwarded), u.DeviceID, now, user.Key()); err != nil {
		return nil, fmt.Errorf("merge into user: %w", err)
	}

	const retireGuest = `
UPDATE accounts SET credits = 0, bonus_credits = 0, is_subscribed = 0, is_trial_active = 0, migrated_to = ?, updated_at = ?
WHERE identity_key = ?`
	if _, err := tx.ExecContext(ctx, retireGuest, user.Key(), now, guest.Key()); err != nil {
		return nil, fmt.Errorf("retire guest: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit migration: %w", err)
	}
	return result, nil
}
