package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/digkill/restyle/internal/models"
)

// AccountStore exposes the credit ledger primitives. Every balance change is a
// single atomic store operation that also appends a credit transaction.
type AccountStore interface {
	Ensure(ctx context.Context, id models.Identity, deviceID string) (*models.Account, bool, error)
	Get(ctx context.Context, id models.Identity) (*models.Account, error)
	Decrement(ctx context.Context, id models.Identity, amount int, ref string) (*models.CreditTransaction, bool, error)
	Grant(ctx context.Context, id models.Identity, amount int, key string, txType models.TransactionType) (*models.CreditTransaction, bool, error)
	SetSubscriptionState(ctx context.Context, id models.Identity, state models.Entitlement) (*models.Account, error)
	AwardOneTimeBonus(ctx context.Context, id models.Identity, amount int, flag models.BonusFlag, txType models.TransactionType) (bool, error)
	PropagateEntitlement(ctx context.Context, deviceID string, source models.Identity, state models.Entitlement) (int64, error)
	ExpireTrials(ctx context.Context, now time.Time) (int64, error)
	ListTransactions(ctx context.Context, id models.Identity, limit int) ([]models.CreditTransaction, error)
}

type GenerationStore interface {
	// CreateWithJobs inserts the records and their jobs in one transaction,
	// reserving cost per live job against the owner's balance.
	CreateWithJobs(ctx context.Context, recs []*models.GenerationRecord, jobs []*models.Job, cost int) error
	Get(ctx context.Context, id string) (*models.GenerationRecord, error)
	GetOwned(ctx context.Context, id string, owner models.Identity) (*models.GenerationRecord, error)
	ListOwned(ctx context.Context, owner models.Identity, limit int) ([]models.GenerationRecord, error)
	MarkProcessing(ctx context.Context, id string) error
	MarkCompleted(ctx context.Context, id, imageURL string) error
	MarkFailed(ctx context.Context, id, message string) error
	DeleteOwned(ctx context.Context, id string, owner models.Identity) error
}

type JobQueue interface {
	Enqueue(ctx context.Context, job *models.Job) error
	ClaimNext(ctx context.Context, workerID string) (*models.Job, error)
	// Complete and Fail only act on a claim held by workerID; a claim that
	// was reclaimed and handed to another worker yields ErrJobNotClaimed.
	Complete(ctx context.Context, jobID, workerID string) error
	Fail(ctx context.Context, jobID, workerID, message string, permanent bool) (*models.Job, error)
	ReclaimStale(ctx context.Context, claimedBefore time.Time) ([]models.Job, error)
	Get(ctx context.Context, jobID string) (*models.Job, error)
}

type WebhookEventStore interface {
	// Begin records the event; it returns models.ErrIdempotencyConflict when the
	// event was already processed.
	Begin(ctx context.Context, provider, eventID, eventType string, payload []byte) error
	Finish(ctx context.Context, provider, eventID string, procErr error) error
}

type Migrator interface {
	MigrateGuest(ctx context.Context, guest, user models.Identity) (*models.MigrationResult, error)
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

const mysqlDuplicateEntry = 1062

func isDuplicateKey(err error) bool {
	var me *mysql.MySQLError
	return errors.As(err, &me) && me.Number == mysqlDuplicateEntry
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func utcNow() time.Time {
	return time.Now().UTC()
}

var (
	_ AccountStore      = (*AccountRepository)(nil)
	_ GenerationStore   = (*GenerationRepository)(nil)
	_ JobQueue          = (*JobRepository)(nil)
	_ WebhookEventStore = (*WebhookEventRepository)(nil)
	_ Migrator          = (*MigrationRepository)(nil)
)
