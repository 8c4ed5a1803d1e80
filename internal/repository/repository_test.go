package repository

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/digkill/restyle/internal/models"
)

func newMock(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		db.Close()
	})
	return db, mock
}

var fixedNow = time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

var accountColumnNames = []string{"identity_key", "bonus_credits", "credits", "is_subscribed", "is_trial_active", "trial_started_at", "trial_ends_at",
	"credits_awarded", "rating_bonus_awarded", "verification_bonus_awarded", "device_id", "migrated_to", "created_at", "updated_at"}

func accountRow(key string, credits int, migratedTo string) *sqlmock.Rows {
	return sqlmock.NewRows(accountColumnNames).
		AddRow(key, 0, credits, 0, 0, nil, nil, 1, 0, 0, "", migratedTo, fixedNow, fixedNow)
}

func jobRow(id string, status models.JobStatus) *sqlmock.Rows {
	return claimedJobRow(id, status, "w1", fixedNow)
}

func claimedJobRow(id string, status models.JobStatus, claimedBy string, claimedAt time.Time) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "generation_id", "identity_key", "style_key", "prompt", "source_image_url", "mime_type", "status",
		"attempts", "max_attempts", "claimed_at", "claimed_by", "next_attempt_at", "last_error", "created_at", "updated_at"}).
		AddRow(id, "g1", "user:1", "anime", "", "https://cdn.example.com/a.jpg", "image/jpeg", string(status),
			0, 3, claimedAt, claimedBy, nil, "", fixedNow, fixedNow)
}

var txColumns = []string{"id", "identity_key", "delta", "idempotency_key", "tx_type", "created_at"}

func TestDecrementInsufficientCredits(t *testing.T) {
	db, mock := newMock(t)
	repo := NewAccountRepository(db)
	repo.now = func() time.Time { return fixedNow }

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FROM credit_transactions WHERE idempotency_key = ?")).
		WithArgs("generation:g1").
		WillReturnRows(sqlmock.NewRows(txColumns))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE accounts SET credits = credits - ?")).
		WithArgs(1, 1, fixedNow, "user:1", 1).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("FROM accounts WHERE identity_key = ?")).
		WithArgs("user:1").
		WillReturnRows(accountRow("user:1", 0, ""))
	mock.ExpectRollback()

	_, applied, err := repo.Decrement(context.Background(), models.UserIdentity("1"), 1, "generation:g1")
	assert.ErrorIs(t, err, models.ErrInsufficientCredits)
	assert.False(t, applied)
}

func TestDecrementMigratedAccount(t *testing.T) {
	db, mock := newMock(t)
	repo := NewAccountRepository(db)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FROM credit_transactions WHERE idempotency_key = ?")).
		WillReturnRows(sqlmock.NewRows(txColumns))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE accounts SET credits = credits - ?")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("FROM accounts WHERE identity_key = ?")).
		WillReturnRows(accountRow("guest:d1", 5, "user:1"))
	mock.ExpectRollback()

	_, _, err := repo.Decrement(context.Background(), models.GuestIdentity("d1"), 1, "generation:g1")
	assert.ErrorIs(t, err, models.ErrAccountMigrated)
}

func TestDecrementAppendsTransaction(t *testing.T) {
	db, mock := newMock(t)
	repo := NewAccountRepository(db)
	repo.now = func() time.Time { return fixedNow }

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FROM credit_transactions WHERE idempotency_key = ?")).
		WithArgs("generation:g1").
		WillReturnRows(sqlmock.NewRows(txColumns))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE accounts SET credits = credits - ?")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO credit_transactions")).
		WithArgs(sqlmock.AnyArg(), "user:1", -1, "generation:g1", models.TxDecrement, fixedNow).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	rec, applied, err := repo.Decrement(context.Background(), models.UserIdentity("1"), 1, "generation:g1")
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, -1, rec.Delta)
	assert.Equal(t, models.TxDecrement, rec.Type)
}

func TestGrantExistingKeyIsNoop(t *testing.T) {
	db, mock := newMock(t)
	repo := NewAccountRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta("FROM credit_transactions WHERE idempotency_key = ?")).
		WithArgs("revenuecat:evt_123").
		WillReturnRows(sqlmock.NewRows(txColumns).AddRow("tx-1", "user:7", 1000, "revenuecat:evt_123", "purchase", fixedNow))

	rec, applied, err := repo.Grant(context.Background(), models.UserIdentity("7"), 1000, "revenuecat:evt_123", models.TxPurchase)
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, "tx-1", rec.ID)
	assert.Equal(t, 1000, rec.Delta)
}

func TestClaimNextEmptyQueue(t *testing.T) {
	db, mock := newMock(t)
	repo := NewJobRepository(db, models.RetryPolicy{MaxAttempts: 3})

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FOR UPDATE SKIP LOCKED")).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectRollback()

	_, err := repo.ClaimNext(context.Background(), "w1")
	assert.ErrorIs(t, err, models.ErrNoJobAvailable)
}

func TestClaimNextClaimsOldestJob(t *testing.T) {
	db, mock := newMock(t)
	repo := NewJobRepository(db, models.RetryPolicy{MaxAttempts: 3})
	repo.now = func() time.Time { return fixedNow }

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("ORDER BY created_at ASC, id ASC")).
		WithArgs(fixedNow).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("job-1"))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE generation_jobs SET status = 'claimed'")).
		WithArgs(fixedNow, "w1", fixedNow, "job-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta("FROM generation_jobs WHERE id = ?")).
		WithArgs("job-1").
		WillReturnRows(jobRow("job-1", models.JobClaimed))
	mock.ExpectCommit()

	job, err := repo.ClaimNext(context.Background(), "w1")
	require.NoError(t, err)
	assert.Equal(t, "job-1", job.ID)
	assert.Equal(t, models.JobClaimed, job.Status)
	assert.Equal(t, "w1", job.ClaimedBy)
}

func TestCompleteIsIdempotent(t *testing.T) {
	db, mock := newMock(t)
	repo := NewJobRepository(db, models.RetryPolicy{})

	mock.ExpectExec(regexp.QuoteMeta("UPDATE generation_jobs SET status = 'completed'")).
		WithArgs(sqlmock.AnyArg(), "job-1", "w1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("FROM generation_jobs WHERE id = ?")).
		WithArgs("job-1").
		WillReturnRows(jobRow("job-1", models.JobCompleted))

	require.NoError(t, repo.Complete(context.Background(), "job-1", "w1"))
}

func TestCompleteRejectsOtherWorker(t *testing.T) {
	db, mock := newMock(t)
	repo := NewJobRepository(db, models.RetryPolicy{})

	mock.ExpectExec(regexp.QuoteMeta("AND status = 'claimed' AND claimed_by = ?")).
		WithArgs(sqlmock.AnyArg(), "job-1", "w-stale").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("FROM generation_jobs WHERE id = ?")).
		WithArgs("job-1").
		WillReturnRows(claimedJobRow("job-1", models.JobClaimed, "w2", fixedNow))

	err := repo.Complete(context.Background(), "job-1", "w-stale")
	assert.ErrorIs(t, err, models.ErrJobNotClaimed)
	assert.Contains(t, err.Error(), "held by w2")
}

func TestFailRequeuesWithBackoff(t *testing.T) {
	db, mock := newMock(t)
	repo := NewJobRepository(db, models.RetryPolicy{MaxAttempts: 3, BaseBackoff: time.Minute})
	repo.now = func() time.Time { return fixedNow }

	next := fixedNow.Add(time.Minute)
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FROM generation_jobs WHERE id = ? FOR UPDATE")).
		WithArgs("job-1").
		WillReturnRows(jobRow("job-1", models.JobClaimed))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE generation_jobs")).
		WithArgs(models.JobQueued, "g1", 1, "timeout", next, nil, nil, fixedNow, "job-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	job, err := repo.Fail(context.Background(), "job-1", "w1", "timeout", false)
	require.NoError(t, err)
	assert.Equal(t, models.JobQueued, job.Status)
	assert.Equal(t, 1, job.Attempts)
}

func TestFailRejectsOtherWorker(t *testing.T) {
	db, mock := newMock(t)
	repo := NewJobRepository(db, models.RetryPolicy{MaxAttempts: 3})

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FROM generation_jobs WHERE id = ? FOR UPDATE")).
		WithArgs("job-1").
		WillReturnRows(claimedJobRow("job-1", models.JobClaimed, "w2", fixedNow))
	mock.ExpectRollback()

	_, err := repo.Fail(context.Background(), "job-1", "w-stale", "timeout", false)
	assert.ErrorIs(t, err, models.ErrJobNotClaimed)
}

func TestReclaimStaleSkipsFreshClaim(t *testing.T) {
	db, mock := newMock(t)
	repo := NewJobRepository(db, models.RetryPolicy{MaxAttempts: 3})
	repo.now = func() time.Time { return fixedNow }
	cutoff := fixedNow.Add(-10 * time.Minute)

	mock.ExpectQuery(regexp.QuoteMeta("WHERE status = 'claimed' AND claimed_at < ?")).
		WithArgs(cutoff).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("job-1").AddRow("job-2"))

	// job-1 is still stale under the lock.
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FROM generation_jobs WHERE id = ? FOR UPDATE")).
		WithArgs("job-1").
		WillReturnRows(claimedJobRow("job-1", models.JobClaimed, "crashed", fixedNow.Add(-time.Hour)))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE generation_jobs")).
		WithArgs(models.JobQueued, "g1", 1, "stale claim reclaimed", fixedNow, nil, nil, fixedNow, "job-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	// job-2 was reclaimed and claimed again after the scan.
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FROM generation_jobs WHERE id = ? FOR UPDATE")).
		WithArgs("job-2").
		WillReturnRows(claimedJobRow("job-2", models.JobClaimed, "w2", fixedNow.Add(-time.Minute)))
	mock.ExpectRollback()

	jobs, err := repo.ReclaimStale(context.Background(), cutoff)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "job-1", jobs[0].ID)
	assert.Equal(t, models.JobQueued, jobs[0].Status)
	assert.Equal(t, 1, jobs[0].Attempts)
	assert.Empty(t, jobs[0].ClaimedBy)
}

func TestCreateWithJobsReservesAgainstLiveJobs(t *testing.T) {
	newBatch := func() ([]*models.GenerationRecord, []*models.Job) {
		rec := &models.GenerationRecord{ID: "g2", IdentityKey: "user:1", StyleKey: "anime", OriginalImageURL: "https://cdn.example.com/b.jpg"}
		return []*models.GenerationRecord{rec}, []*models.Job{models.NewJobFor("job-2", rec, "image/jpeg", 3)}
	}
	countLive := regexp.QuoteMeta("SELECT COUNT(*) FROM generation_jobs WHERE identity_key = ? AND status IN ('queued', 'claimed')")

	t.Run("balance covers live and new jobs", func(t *testing.T) {
		db, mock := newMock(t)
		repo := NewGenerationRepository(db)
		repo.now = func() time.Time { return fixedNow }

		mock.ExpectBegin()
		mock.ExpectQuery(regexp.QuoteMeta("FROM accounts WHERE identity_key = ? FOR UPDATE")).
			WithArgs("user:1").
			WillReturnRows(accountRow("user:1", 400, ""))
		mock.ExpectQuery(countLive).
			WithArgs("user:1").
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
		mock.ExpectExec(regexp.QuoteMeta("INSERT INTO generations")).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(regexp.QuoteMeta("INSERT INTO generation_jobs")).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		recs, jobs := newBatch()
		require.NoError(t, repo.CreateWithJobs(context.Background(), recs, jobs, 200))
		assert.Equal(t, models.GenerationPending, recs[0].Status)
		assert.Equal(t, models.JobQueued, jobs[0].Status)
		assert.Equal(t, fixedNow, recs[0].CreatedAt)
	})

	t.Run("live jobs exhaust the balance", func(t *testing.T) {
		db, mock := newMock(t)
		repo := NewGenerationRepository(db)

		mock.ExpectBegin()
		mock.ExpectQuery(regexp.QuoteMeta("FROM accounts WHERE identity_key = ? FOR UPDATE")).
			WithArgs("user:1").
			WillReturnRows(accountRow("user:1", 300, ""))
		mock.ExpectQuery(countLive).
			WithArgs("user:1").
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
		mock.ExpectRollback()

		recs, jobs := newBatch()
		err := repo.CreateWithJobs(context.Background(), recs, jobs, 200)
		assert.ErrorIs(t, err, models.ErrInsufficientCredits)
	})

	t.Run("migrated owner", func(t *testing.T) {
		db, mock := newMock(t)
		repo := NewGenerationRepository(db)

		mock.ExpectBegin()
		mock.ExpectQuery(regexp.QuoteMeta("FROM accounts WHERE identity_key = ? FOR UPDATE")).
			WillReturnRows(accountRow("user:1", 1000, "user:9"))
		mock.ExpectRollback()

		recs, jobs := newBatch()
		err := repo.CreateWithJobs(context.Background(), recs, jobs, 200)
		assert.ErrorIs(t, err, models.ErrAccountMigrated)
	})
}

func TestMigrateGuestMovesCreditsAndRecords(t *testing.T) {
	db, mock := newMock(t)
	repo := NewMigrationRepository(db)
	repo.now = func() time.Time { return fixedNow }

	mock.ExpectExec(regexp.QuoteMeta("INSERT IGNORE INTO accounts")).
		WithArgs("guest:d1", "d1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT IGNORE INTO accounts")).
		WithArgs("user:1", "").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FROM accounts WHERE identity_key = ? FOR UPDATE")).
		WithArgs("guest:d1").
		WillReturnRows(accountRow("guest:d1", 300, ""))
	mock.ExpectQuery(regexp.QuoteMeta("FROM accounts WHERE identity_key = ? FOR UPDATE")).
		WithArgs("user:1").
		WillReturnRows(accountRow("user:1", 100, ""))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE generations SET identity_key = ? WHERE identity_key = ?")).
		WithArgs("user:1", "guest:d1").
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE generation_jobs SET identity_key = ? WHERE identity_key = ?")).
		WithArgs("user:1", "guest:d1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO credit_transactions")).
		WithArgs(sqlmock.AnyArg(), "guest:d1", -300, "migration:guest:d1:out", models.TxMigration, fixedNow).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO credit_transactions")).
		WithArgs(sqlmock.AnyArg(), "user:1", 300, "migration:guest:d1", models.TxMigration, fixedNow).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("SET credits = credits + ?, bonus_credits = bonus_credits + ?, is_subscribed = ?")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE accounts SET credits = 0, bonus_credits = 0")).
		WithArgs("user:1", fixedNow, "guest:d1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	res, err := repo.MigrateGuest(context.Background(), models.GuestIdentity("d1"), models.UserIdentity("1"))
	require.NoError(t, err)
	assert.False(t, res.AlreadyMigrated)
	assert.Equal(t, 2, res.MovedGenerations)
	assert.Equal(t, 300, res.MergedCredits)
}

func TestMigrateGuestAlreadyMigrated(t *testing.T) {
	tests := []struct {
		name       string
		migratedTo string
		wantErr    error
	}{
		{name: "same user is a noop", migratedTo: "user:1"},
		{name: "other user is rejected", migratedTo: "user:2", wantErr: models.ErrGuestAlreadyMigrated},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, mock := newMock(t)
			repo := NewMigrationRepository(db)

			mock.ExpectExec(regexp.QuoteMeta("INSERT IGNORE INTO accounts")).WillReturnResult(sqlmock.NewResult(0, 0))
			mock.ExpectExec(regexp.QuoteMeta("UPDATE accounts SET device_id = ?")).WillReturnResult(sqlmock.NewResult(0, 0))
			mock.ExpectExec(regexp.QuoteMeta("INSERT IGNORE INTO accounts")).WillReturnResult(sqlmock.NewResult(0, 0))
			mock.ExpectBegin()
			mock.ExpectQuery(regexp.QuoteMeta("FOR UPDATE")).
				WithArgs("guest:d1").
				WillReturnRows(accountRow("guest:d1", 0, tt.migratedTo))
			mock.ExpectQuery(regexp.QuoteMeta("FOR UPDATE")).
				WithArgs("user:1").
				WillReturnRows(accountRow("user:1", 300, ""))
			mock.ExpectRollback()

			res, err := repo.MigrateGuest(context.Background(), models.GuestIdentity("d1"), models.UserIdentity("1"))
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.True(t, res.AlreadyMigrated)
			assert.Zero(t, res.MergedCredits)
		})
	}
}

func TestAwardOneTimeBonus(t *testing.T) {
	t.Run("first award credits the account", func(t *testing.T) {
		db, mock := newMock(t)
		repo := NewAccountRepository(db)
		repo.now = func() time.Time { return fixedNow }

		mock.ExpectExec(regexp.QuoteMeta("INSERT IGNORE INTO accounts")).WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectBegin()
		mock.ExpectQuery(regexp.QuoteMeta("FROM accounts WHERE identity_key = ? FOR UPDATE")).
			WithArgs("user:1").
			WillReturnRows(accountRow("user:1", 200, ""))
		mock.ExpectExec(regexp.QuoteMeta("UPDATE accounts SET rating_bonus_awarded = 1")).
			WithArgs(50, 50, fixedNow, "user:1").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(regexp.QuoteMeta("INSERT INTO credit_transactions")).
			WithArgs(sqlmock.AnyArg(), "user:1", 50, "bonus:rating_bonus_awarded:user:1", models.TxRatingBonus, fixedNow).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		awarded, err := repo.AwardOneTimeBonus(context.Background(), models.UserIdentity("1"), 50, models.FlagRatingBonus, models.TxRatingBonus)
		require.NoError(t, err)
		assert.True(t, awarded)
	})

	t.Run("flag already set", func(t *testing.T) {
		db, mock := newMock(t)
		repo := NewAccountRepository(db)

		mock.ExpectExec(regexp.QuoteMeta("INSERT IGNORE INTO accounts")).WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectBegin()
		mock.ExpectQuery(regexp.QuoteMeta("FOR UPDATE")).
			WillReturnRows(sqlmock.NewRows(accountColumnNames).
				AddRow("user:1", 50, 250, 0, 0, nil, nil, 1, 1, 0, "", "", fixedNow, fixedNow))
		mock.ExpectRollback()

		awarded, err := repo.AwardOneTimeBonus(context.Background(), models.UserIdentity("1"), 50, models.FlagRatingBonus, models.TxRatingBonus)
		require.NoError(t, err)
		assert.False(t, awarded)
	})

	t.Run("unknown flag", func(t *testing.T) {
		db, _ := newMock(t)
		repo := NewAccountRepository(db)

		_, err := repo.AwardOneTimeBonus(context.Background(), models.UserIdentity("1"), 50, models.BonusFlag("credits; DROP TABLE accounts"), models.TxRatingBonus)
		assert.Error(t, err)
	})
}

func TestSetSubscriptionState(t *testing.T) {
	t.Run("writes entitlement", func(t *testing.T) {
		db, mock := newMock(t)
		repo := NewAccountRepository(db)
		repo.now = func() time.Time { return fixedNow }

		mock.ExpectExec(regexp.QuoteMeta("INSERT IGNORE INTO accounts")).WillReturnResult(sqlmock.NewResult(0, 0))
		// A subscription switches the trial off.
		mock.ExpectExec(regexp.QuoteMeta("SET is_subscribed = ?, is_trial_active = ?")).
			WithArgs(1, 0, nil, nil, fixedNow, "user:1").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectQuery(regexp.QuoteMeta("FROM accounts WHERE identity_key = ?")).
			WithArgs("user:1").
			WillReturnRows(sqlmock.NewRows(accountColumnNames).
				AddRow("user:1", 0, 0, 1, 0, nil, nil, 1, 0, 0, "d1", "", fixedNow, fixedNow))

		acc, err := repo.SetSubscriptionState(context.Background(), models.UserIdentity("1"), models.Entitlement{IsSubscribed: true, IsTrialActive: true})
		require.NoError(t, err)
		assert.True(t, acc.IsSubscribed)
		assert.False(t, acc.IsTrialActive)
		assert.Equal(t, "d1", acc.DeviceID)
	})

	t.Run("migrated account", func(t *testing.T) {
		db, mock := newMock(t)
		repo := NewAccountRepository(db)

		mock.ExpectExec(regexp.QuoteMeta("INSERT IGNORE INTO accounts")).WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectExec(regexp.QuoteMeta("SET is_subscribed = ?, is_trial_active = ?")).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery(regexp.QuoteMeta("FROM accounts WHERE identity_key = ?")).
			WillReturnRows(accountRow("guest:d1", 0, "user:1"))

		_, err := repo.SetSubscriptionState(context.Background(), models.GuestIdentity("d1"), models.Entitlement{IsSubscribed: true})
		assert.ErrorIs(t, err, models.ErrAccountMigrated)
	})
}

func TestEnqueueDuplicateLiveJob(t *testing.T) {
	db, mock := newMock(t)
	repo := NewJobRepository(db, models.RetryPolicy{MaxAttempts: 3})

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT identity_key FROM generations WHERE id = ? FOR UPDATE")).
		WithArgs("g1").
		WillReturnRows(sqlmock.NewRows([]string{"identity_key"}).AddRow("user:1"))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO generation_jobs")).
		WillReturnError(&mysql.MySQLError{Number: 1062, Message: "Duplicate entry 'g1' for key 'uq_live_generation'"})
	mock.ExpectRollback()

	err := repo.Enqueue(context.Background(), &models.Job{ID: "job-2", GenerationID: "g1", IdentityKey: "user:1"})
	assert.ErrorIs(t, err, models.ErrDuplicateJob)
}

func TestWebhookBeginDuplicate(t *testing.T) {
	dup := &mysql.MySQLError{Number: 1062, Message: "Duplicate entry"}

	t.Run("processed event is a conflict", func(t *testing.T) {
		db, mock := newMock(t)
		repo := NewWebhookEventRepository(db)
		mock.ExpectExec(regexp.QuoteMeta("INSERT INTO webhook_events")).WillReturnError(dup)
		mock.ExpectQuery(regexp.QuoteMeta("SELECT processed_at FROM webhook_events")).
			WithArgs("revenuecat", "e1").
			WillReturnRows(sqlmock.NewRows([]string{"processed_at"}).AddRow(fixedNow))

		err := repo.Begin(context.Background(), "revenuecat", "e1", "RENEWAL", []byte(`{}`))
		assert.ErrorIs(t, err, models.ErrIdempotencyConflict)
	})

	t.Run("unfinished event is retried", func(t *testing.T) {
		db, mock := newMock(t)
		repo := NewWebhookEventRepository(db)
		mock.ExpectExec(regexp.QuoteMeta("INSERT INTO webhook_events")).WillReturnError(dup)
		mock.ExpectQuery(regexp.QuoteMeta("SELECT processed_at FROM webhook_events")).
			WillReturnRows(sqlmock.NewRows([]string{"processed_at"}).AddRow(nil))

		assert.NoError(t, repo.Begin(context.Background(), "revenuecat", "e1", "RENEWAL", []byte(`{}`)))
	})
}

func TestWebhookFinishRecordsError(t *testing.T) {
	db, mock := newMock(t)
	repo := NewWebhookEventRepository(db)
	mock.ExpectExec(regexp.QuoteMeta("SET processing_error = ?")).
		WithArgs("boom", "yookassa", "e1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.Finish(context.Background(), "yookassa", "e1", errors.New("boom")))
}
