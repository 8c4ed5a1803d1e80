package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseIdentity(t *testing.T) {
	id, err := ParseIdentity("user:42")
	require.NoError(t, err)
	assert.Equal(t, UserIdentity("42"), id)
	assert.False(t, id.IsGuest())

	id, err = ParseIdentity("guest:device:with:colons")
	require.NoError(t, err)
	assert.Equal(t, KindGuest, id.Kind)
	assert.Equal(t, "device:with:colons", id.ID)
	assert.Equal(t, "guest:device:with:colons", id.Key())

	for _, bad := range []string{"", "42", "admin:1", "user:", "guest:"} {
		_, err := ParseIdentity(bad)
		assert.ErrorIs(t, err, ErrInvalidIdentity, bad)
	}
}

func TestGenerationStatusTransitions(t *testing.T) {
	cases := []struct {
		from, to GenerationStatus
		ok       bool
	}{
		{GenerationPending, GenerationProcessing, true},
		{GenerationPending, GenerationFailed, true},
		{GenerationPending, GenerationCompleted, false},
		{GenerationProcessing, GenerationCompleted, true},
		{GenerationProcessing, GenerationFailed, true},
		{GenerationProcessing, GenerationPending, false},
		{GenerationFailed, GenerationProcessing, true},
		{GenerationFailed, GenerationCompleted, false},
		{GenerationCompleted, GenerationProcessing, false},
		{GenerationCompleted, GenerationFailed, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.ok, tc.from.CanTransition(tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestRetryPolicyDelay(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 5, BaseBackoff: time.Second, MaxBackoff: 5 * time.Second}
	assert.Equal(t, time.Second, p.Delay(1))
	assert.Equal(t, 2*time.Second, p.Delay(2))
	assert.Equal(t, 4*time.Second, p.Delay(3))
	assert.Equal(t, 5*time.Second, p.Delay(4))
	assert.Equal(t, 5*time.Second, p.Delay(30))
	assert.Zero(t, RetryPolicy{}.Delay(3))
}

func TestRecordFailure(t *testing.T) {
	now := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	policy := RetryPolicy{MaxAttempts: 3, BaseBackoff: time.Minute}
	claimed := now.Add(-time.Second)

	t.Run("transient failure requeues with backoff", func(t *testing.T) {
		j := &Job{Status: JobClaimed, MaxAttempts: 3, ClaimedAt: &claimed, ClaimedBy: "w1"}
		j.RecordFailure("timeout", false, policy, now)

		assert.Equal(t, JobQueued, j.Status)
		assert.Equal(t, 1, j.Attempts)
		assert.Equal(t, "timeout", j.LastError)
		assert.Nil(t, j.ClaimedAt)
		assert.Empty(t, j.ClaimedBy)
		require.NotNil(t, j.NextAttemptAt)
		assert.Equal(t, now.Add(time.Minute), *j.NextAttemptAt)
	})

	t.Run("permanent failure is terminal", func(t *testing.T) {
		j := &Job{Status: JobClaimed, MaxAttempts: 3}
		j.RecordFailure("bad image", true, policy, now)
		assert.Equal(t, JobFailed, j.Status)
		assert.Equal(t, 1, j.Attempts)
		assert.Nil(t, j.NextAttemptAt)
	})

	t.Run("exhausted attempts are terminal", func(t *testing.T) {
		j := &Job{Status: JobClaimed, MaxAttempts: 3, Attempts: 2}
		j.RecordFailure("boom", false, policy, now)
		assert.Equal(t, JobFailed, j.Status)
		assert.Equal(t, 3, j.Attempts)
	})

	t.Run("policy default applies without a per-job limit", func(t *testing.T) {
		j := &Job{Status: JobClaimed, Attempts: 2}
		j.RecordFailure("boom", false, policy, now)
		assert.Equal(t, JobFailed, j.Status)
	})
}

func TestJobStatusLive(t *testing.T) {
	assert.True(t, JobQueued.Live())
	assert.True(t, JobClaimed.Live())
	assert.False(t, JobFailed.Live())
	assert.False(t, JobCompleted.Live())
}

func TestEntitlementNormalize(t *testing.T) {
	e := Entitlement{IsSubscribed: true, IsTrialActive: true}.Normalize()
	assert.True(t, e.IsSubscribed)
	assert.False(t, e.IsTrialActive)

	e = Entitlement{IsTrialActive: true}.Normalize()
	assert.True(t, e.IsTrialActive)
}

func TestAbsorbGuest(t *testing.T) {
	start := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(72 * time.Hour)

	user := &Account{IdentityKey: "user:1", RatingBonusAwarded: true}
	guest := &Account{
		IdentityKey:              "guest:d1",
		IsTrialActive:            true,
		TrialStartedAt:           &start,
		TrialEndsAt:              &end,
		CreditsAwarded:           true,
		VerificationBonusAwarded: true,
		DeviceID:                 "d1",
	}
	user.AbsorbGuest(guest)

	assert.False(t, user.IsSubscribed)
	assert.True(t, user.IsTrialActive)
	assert.Equal(t, &start, user.TrialStartedAt)
	assert.Equal(t, &end, user.TrialEndsAt)
	assert.True(t, user.CreditsAwarded)
	assert.True(t, user.RatingBonusAwarded)
	assert.True(t, user.VerificationBonusAwarded)
	assert.Equal(t, "d1", user.DeviceID)

	subscribed := &Account{IdentityKey: "user:2", IsSubscribed: true, DeviceID: "other"}
	subscribed.AbsorbGuest(guest)
	assert.True(t, subscribed.IsSubscribed)
	assert.False(t, subscribed.IsTrialActive)
	assert.Equal(t, "other", subscribed.DeviceID)
}

func TestBonusFlags(t *testing.T) {
	var a Account
	for _, f := range []BonusFlag{FlagCreditsAwarded, FlagRatingBonus, FlagVerificationBonus} {
		require.True(t, f.Valid())
		assert.False(t, a.Flag(f))
		a.SetFlag(f)
		assert.True(t, a.Flag(f))
	}
	assert.False(t, BonusFlag("nope").Valid())
	assert.True(t, TxWelcomeBonus.IsBonus())
	assert.False(t, TxPurchase.IsBonus())
}
