package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/digkill/restyle/internal/models"
)

const accountColumns = `identity_key, bonus_credits, credits, is_subscribed, is_trial_active, trial_started_at, trial_ends_at,
credits_awarded, rating_bonus_awarded, verification_bonus_awarded, COALESCE(device_id, ''), COALESCE(migrated_to, ''), created_at, updated_at`

type AccountRepository struct {
	db  *sql.DB
	now func() time.Time
}

func NewAccountRepository(db *sql.DB) *AccountRepository {
	return &AccountRepository{db: db, now: utcNow}
}

func (r *AccountRepository) Ensure(ctx context.Context, id models.Identity, deviceID string) (*models.Account, bool, error) {
	created, err := ensureAccount(ctx, r.db, id, deviceID)
	if err != nil {
		return nil, false, err
	}
	acc, err := r.Get(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return acc, created, nil
}

func (r *AccountRepository) Get(ctx context.Context, id models.Identity) (*models.Account, error) {
	return getAccount(ctx, r.db, id.Key(), false)
}

func (r *AccountRepository) Decrement(ctx context.Context, id models.Identity, amount int, ref string) (*models.CreditTransaction, bool, error) {
	if amount <= 0 {
		return nil, false, fmt.Errorf("decrement amount must be positive")
	}

	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return nil, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if ref != "" {
		existing, err := findTransactionByKey(ctx, tx, ref)
		if err != nil {
			return nil, false, err
		}
		if existing != nil {
			return existing, false, nil
		}
	}

	const query = `
UPDATE accounts SET credits = credits - ?, bonus_credits = GREATEST(bonus_credits - ?, 0), updated_at = ?
WHERE identity_key = ? AND migrated_to IS NULL AND credits >= ?`
	res, err := tx.ExecContext(ctx, query, amount, amount, r.now(), id.Key(), amount)
	if err != nil {
		return nil, false, fmt.Errorf("decrement credits: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("decrement rows affected: %w", err)
	}
	if affected == 0 {
		acc, err := getAccount(ctx, tx, id.Key(), false)
		if err != nil {
			return nil, false, err
		}
		if acc.Inert() {
			return nil, false, models.ErrAccountMigrated
		}
		return nil, false, models.ErrInsufficientCredits
	}

	record := &models.CreditTransaction{
		ID:             uuid.NewString(),
		IdentityKey:    id.Key(),
		Delta:          -amount,
		IdempotencyKey: ref,
		Type:           models.TxDecrement,
		CreatedAt:      r.now(),
	}
	if err := insertTransaction(ctx, tx, record); err != nil {
		if isDuplicateKey(err) {
			// A concurrent decrement with the same ref won; ours rolls back.
			tx.Rollback()
			existing, findErr := findTransactionByKey(ctx, r.db, ref)
			if findErr != nil {
				return nil, false, findErr
			}
			return existing, false, nil
		}
		return nil, false, err
	}

	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("commit decrement: %w", err)
	}
	return record, true, nil
}

func (r *AccountRepository) Grant(ctx context.Context, id models.Identity, amount int, key string, txType models.TransactionType) (*models.CreditTransaction, bool, error) {
	if amount <= 0 {
		return nil, false, fmt.Errorf("grant amount must be positive")
	}
	if key == "" {
		return nil, false, fmt.Errorf("grant requires an idempotency key")
	}

	existing, err := findTransactionByKey(ctx, r.db, key)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		return existing, false, nil
	}

	if _, err := ensureAccount(ctx, r.db, id, ""); err != nil {
		return nil, false, err
	}

	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return nil, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	acc, err := getAccount(ctx, tx, id.Key(), true)
	if err != nil {
		return nil, false, err
	}
	if acc.Inert() {
		return nil, false, models.ErrAccountMigrated
	}

	record := &models.CreditTransaction{
		ID:             uuid.NewString(),
		IdentityKey:    id.Key(),
		Delta:          amount,
		IdempotencyKey: key,
		Type:           txType,
		CreatedAt:      r.now(),
	}
	if err := insertTransaction(ctx, tx, record); err != nil {
		if isDuplicateKey(err) {
			tx.Rollback()
			existing, findErr := findTransactionByKey(ctx, r.db, key)
			if findErr != nil {
				return nil, false, findErr
			}
			return existing, false, nil
		}
		return nil, false, err
	}

	bonus := 0
	if txType.IsBonus() {
		bonus = amount
	}
	const query = `UPDATE accounts SET credits = credits + ?, bonus_credits = bonus_credits + ?, updated_at = ? WHERE identity_key = ?`
	if _, err := tx.ExecContext(ctx, query, amount, bonus, r.now(), id.Key()); err != nil {
		return nil, false, fmt.Errorf("grant credits: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("commit grant: %w", err)
	}
	return record, true, nil
}

func (r *AccountRepository) SetSubscriptionState(ctx context.Context, id models.Identity, state models.Entitlement) (*models.Account, error) {
	if _, err := ensureAccount(ctx, r.db, id, ""); err != nil {
		return nil, err
	}
	state = state.Normalize()

	const query = `
UPDATE accounts
SET is_subscribed = ?, is_trial_active = ?, trial_started_at = COALESCE(?, trial_started_at), trial_ends_at = COALESCE(?, trial_ends_at), updated_at = ?
WHERE identity_key = ? AND migrated_to IS NULL`
	res, err := r.db.ExecContext(ctx, query, boolInt(state.IsSubscribed), boolInt(state.IsTrialActive), nullTime(state.TrialStartedAt), nullTime(state.TrialEndsAt), r.now(), id.Key())
	if err != nil {
		return nil, fmt.Errorf("set subscription state: %w", err)
	}
	acc, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if affected, _ := res.RowsAffected(); affected == 0 && acc.Inert() {
		return nil, models.ErrAccountMigrated
	}
	return acc, nil
}

func (r *AccountRepository) AwardOneTimeBonus(ctx context.Context, id models.Identity, amount int, flag models.BonusFlag, txType models.TransactionType) (bool, error) {
	if !flag.Valid() {
		return false, fmt.Errorf("unknown bonus flag %q", flag)
	}
	if _, err := ensureAccount(ctx, r.db, id, ""); err != nil {
		return false, err
	}

	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	acc, err := getAccount(ctx, tx, id.Key(), true)
	if err != nil {
		return false, err
	}
	if acc.Inert() {
		return false, models.ErrAccountMigrated
	}
	if acc.Flag(flag) {
		return false, nil
	}

	// flag is whitelisted above, so it is safe to splice as a column name.
	query := fmt.Sprintf(`UPDATE accounts SET %s = 1, credits = credits + ?, bonus_credits = bonus_credits + ?, updated_at = ? WHERE identity_key = ? AND %s = 0`, flag, flag)
	res, err := tx.ExecContext(ctx, query, amount, amount, r.now(), id.Key())
	if err != nil {
		return false, fmt.Errorf("award bonus: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return false, nil
	}

	if amount > 0 {
		record := &models.CreditTransaction{
			ID:             uuid.NewString(),
			IdentityKey:    id.Key(),
			Delta:          amount,
			IdempotencyKey: fmt.Sprintf("bonus:%s:%s", flag, id.Key()),
			Type:           txType,
			CreatedAt:      r.now(),
		}
		if err := insertTransaction(ctx, tx, record); err != nil {
			if isDuplicateKey(err) {
				return false, nil
			}
			return false, err
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit bonus: %w", err)
	}
	return true, nil
}

func (r *AccountRepository) PropagateEntitlement(ctx context.Context, deviceID string, source models.Identity, state models.Entitlement) (int64, error) {
	if deviceID == "" {
		return 0, nil
	}
	state = state.Normalize()
	const query = `
UPDATE accounts
SET is_subscribed = ?, is_trial_active = ?, trial_started_at = COALESCE(?, trial_started_at), trial_ends_at = COALESCE(?, trial_ends_at), updated_at = ?
WHERE device_id = ? AND identity_key <> ? AND migrated_to IS NULL`
	res, err := r.db.ExecContext(ctx, query, boolInt(state.IsSubscribed), boolInt(state.IsTrialActive), nullTime(state.TrialStartedAt), nullTime(state.TrialEndsAt), r.now(), deviceID, source.Key())
	if err != nil {
		return 0, fmt.Errorf("propagate entitlement: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("propagate rows affected: %w", err)
	}
	return affected, nil
}

func (r *AccountRepository) ExpireTrials(ctx context.Context, now time.Time) (int64, error) {
	const query = `
UPDATE accounts SET is_trial_active = 0, updated_at = ?
WHERE is_trial_active = 1 AND trial_ends_at IS NOT NULL AND trial_ends_at < ?`
	res, err := r.db.ExecContext(ctx, query, r.now(), now.UTC())
	if err != nil {
		return 0, fmt.Errorf("expire trials: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("expire trials rows affected: %w", err)
	}
	return affected, nil
}

func (r *AccountRepository) ListTransactions(ctx context.Context, id models.Identity, limit int) ([]models.CreditTransaction, error) {
	if limit <= 0 {
		limit = 50
	}
	const query = `
SELECT id, identity_key, delta, COALESCE(idempotency_key, ''), tx_type, created_at
FROM credit_transactions WHERE identity_key = ?
ORDER BY created_at DESC LIMIT ?`
	rows, err := r.db.QueryContext(ctx, query, id.Key(), limit)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()

	var txs []models.CreditTransaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		txs = append(txs, *t)
	}
	return txs, rows.Err()
}

func ensureAccount(ctx context.Context, q querier, id models.Identity, deviceID string) (bool, error) {
	if err := id.Validate(); err != nil {
		return false, err
	}
	const insert = `INSERT IGNORE INTO accounts (identity_key, device_id) VALUES (?, NULLIF(?, ''))`
	res, err := q.ExecContext(ctx, insert, id.Key(), deviceID)
	if err != nil {
		return false, fmt.Errorf("ensure account: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("ensure account rows affected: %w", err)
	}
	if affected == 1 {
		return true, nil
	}
	if deviceID != "" {
		const link = `UPDATE accounts SET device_id = ? WHERE identity_key = ? AND device_id IS NULL`
		if _, err := q.ExecContext(ctx, link, deviceID, id.Key()); err != nil {
			return false, fmt.Errorf("link account device: %w", err)
		}
	}
	return false, nil
}

func getAccount(ctx context.Context, q querier, key string, forUpdate bool) (*models.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE identity_key = ?`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	acc, err := scanAccount(q.QueryRowContext(ctx, query, key))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.ErrAccountNotFound
		}
		return nil, fmt.Errorf("scan account: %w", err)
	}
	return acc, nil
}

func scanAccount(row scanner) (*models.Account, error) {
	var a models.Account
	var started, ends sql.NullTime
	if err := row.Scan(&a.IdentityKey, &a.BonusCredits, &a.Credits, &a.IsSubscribed, &a.IsTrialActive, &started, &ends,
		&a.CreditsAwarded, &a.RatingBonusAwarded, &a.VerificationBonusAwarded, &a.DeviceID, &a.MigratedTo, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	a.TrialStartedAt = timePtr(started)
	a.TrialEndsAt = timePtr(ends)
	return &a, nil
}

func insertTransaction(ctx context.Context, q querier, t *models.CreditTransaction) error {
	const query = `
INSERT INTO credit_transactions (id, identity_key, delta, idempotency_key, tx_type, created_at)
VALUES (?, ?, ?, ?, ?, ?)`
	if _, err := q.ExecContext(ctx, query, t.ID, t.IdentityKey, t.Delta, nullString(t.IdempotencyKey), t.Type, t.CreatedAt); err != nil {
		if isDuplicateKey(err) {
			return err
		}
		return fmt.Errorf("insert credit transaction: %w", err)
	}
	return nil
}

func findTransactionByKey(ctx context.Context, q querier, key string) (*models.CreditTransaction, error) {
	const query = `
SELECT id, identity_key, delta, COALESCE(idempotency_key, ''), tx_type, created_at
FROM credit_transactions WHERE idempotency_key = ?`
	t, err := scanTransaction(q.QueryRowContext(ctx, query, key))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("find credit transaction: %w", err)
	}
	return t, nil
}

func scanTransaction(row scanner) (*models.CreditTransaction, error) {
	var t models.CreditTransaction
	if err := row.Scan(&t.ID, &t.IdentityKey, &t.Delta, &t.IdempotencyKey, &t.Type, &t.CreatedAt); err != nil {
		return nil, err
	}
	return &t, nil
}
