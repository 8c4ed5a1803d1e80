package models

import "time"

type TransactionType string

const (
	TxPurchase          TransactionType = "purchase"
	TxRatingBonus       TransactionType = "rating_bonus"
	TxVerificationBonus TransactionType = "verification_bonus"
	TxWelcomeBonus      TransactionType = "welcome_bonus"
	TxDecrement         TransactionType = "decrement"
	TxSubscriptionGrant TransactionType = "subscription_grant"
	TxTrialGrant        TransactionType = "trial_grant"
	TxMigration         TransactionType = "migration"
)

// BonusFlag names a one-time grant guard column on the account.
type BonusFlag string

const (
	FlagCreditsAwarded    BonusFlag = "credits_awarded"
	FlagRatingBonus       BonusFlag = "rating_bonus_awarded"
	FlagVerificationBonus BonusFlag = "verification_bonus_awarded"
)

func (f BonusFlag) Valid() bool {
	switch f {
	case FlagCreditsAwarded, FlagRatingBonus, FlagVerificationBonus:
		return true
	}
	return false
}

type Account struct {
	IdentityKey              string     `json:"identity"`
	BonusCredits             int        `json:"bonus_credits"`
	Credits                  int        `json:"credits"`
	IsSubscribed             bool       `json:"is_subscribed"`
	IsTrialActive            bool       `json:"is_trial_active"`
	TrialStartedAt           *time.Time `json:"trial_started_at,omitempty"`
	TrialEndsAt              *time.Time `json:"trial_ends_at,omitempty"`
	CreditsAwarded           bool       `json:"credits_awarded"`
	RatingBonusAwarded       bool       `json:"rating_bonus_awarded"`
	VerificationBonusAwarded bool       `json:"verification_bonus_awarded"`
	DeviceID                 string     `json:"device_id,omitempty"`
	MigratedTo               string     `json:"migrated_to,omitempty"`
	CreatedAt                time.Time  `json:"created_at"`
	UpdatedAt                time.Time  `json:"updated_at"`
}

func (a *Account) Identity() Identity {
	id, _ := ParseIdentity(a.IdentityKey)
	return id
}

// Inert reports whether the account was merged into another identity.
func (a *Account) Inert() bool {
	return a.MigratedTo != ""
}

func (a *Account) Flag(flag BonusFlag) bool {
	switch flag {
	case FlagCreditsAwarded:
		return a.CreditsAwarded
	case FlagRatingBonus:
		return a.RatingBonusAwarded
	case FlagVerificationBonus:
		return a.VerificationBonusAwarded
	}
	return false
}

func (a *Account) SetFlag(flag BonusFlag) {
	switch flag {
	case FlagCreditsAwarded:
		a.CreditsAwarded = true
	case FlagRatingBonus:
		a.RatingBonusAwarded = true
	case FlagVerificationBonus:
		a.VerificationBonusAwarded = true
	}
}

func (a *Account) Entitlement() Entitlement {
	return Entitlement{
		IsSubscribed:   a.IsSubscribed,
		IsTrialActive:  a.IsTrialActive,
		TrialStartedAt: a.TrialStartedAt,
		TrialEndsAt:    a.TrialEndsAt,
	}
}

// Entitlement is the subscription state written by SetSubscriptionState.
type Entitlement struct {
	IsSubscribed   bool
	IsTrialActive  bool
	TrialStartedAt *time.Time
	TrialEndsAt    *time.Time
}

// Normalize keeps the trial and subscription flags mutually exclusive.
func (e Entitlement) Normalize() Entitlement {
	if e.IsSubscribed {
		e.IsTrialActive = false
	}
	return e
}

type CreditTransaction struct {
	ID             string          `json:"id"`
	IdentityKey    string          `json:"identity"`
	Delta          int             `json:"delta"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	Type           TransactionType `json:"type"`
	CreatedAt      time.Time       `json:"created_at"`
}

type GenerationStatus string

const (
	GenerationPending    GenerationStatus = "pending"
	GenerationProcessing GenerationStatus = "processing"
	GenerationCompleted  GenerationStatus = "completed"
	GenerationFailed     GenerationStatus = "failed"
)

// CanTransition encodes the forward-only lifecycle. A failed record may go back
// to processing when its job is retried; completed is absorbing.
func (s GenerationStatus) CanTransition(to GenerationStatus) bool {
	switch s {
	case GenerationPending:
		return to == GenerationProcessing || to == GenerationFailed
	case GenerationProcessing:
		return to == GenerationProcessing || to == GenerationCompleted || to == GenerationFailed
	case GenerationFailed:
		return to == GenerationProcessing
	}
	return false
}

type GenerationRecord struct {
	ID                string           `json:"id"`
	IdentityKey       string           `json:"identity"`
	StyleKey          string           `json:"style"`
	Prompt            string           `json:"prompt,omitempty"`
	OriginalImageURL  string           `json:"original_image_url"`
	GeneratedImageURL string           `json:"generated_image_url,omitempty"`
	Status            GenerationStatus `json:"status"`
	IsEdited          bool             `json:"is_edited"`
	BatchID           string           `json:"batch_id,omitempty"`
	ErrorMessage      string           `json:"error,omitempty"`
	CreatedAt         time.Time        `json:"created_at"`
	UpdatedAt         time.Time        `json:"updated_at"`
}

type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobClaimed   JobStatus = "claimed"
	JobFailed    JobStatus = "failed"
	JobCompleted JobStatus = "completed"
)

// Live jobs hold the per-generation uniqueness slot.
func (s JobStatus) Live() bool {
	return s == JobQueued || s == JobClaimed
}

type Job struct {
	ID             string     `json:"id"`
	GenerationID   string     `json:"generation_id"`
	IdentityKey    string     `json:"identity"`
	StyleKey       string     `json:"style"`
	Prompt         string     `json:"prompt,omitempty"`
	SourceImageURL string     `json:"source_image_url"`
	MimeType       string     `json:"mime_type"`
	Status         JobStatus  `json:"status"`
	Attempts       int        `json:"attempts"`
	MaxAttempts    int        `json:"max_attempts"`
	ClaimedAt      *time.Time `json:"claimed_at,omitempty"`
	ClaimedBy      string     `json:"claimed_by,omitempty"`
	NextAttemptAt  *time.Time `json:"next_attempt_at,omitempty"`
	LastError      string     `json:"last_error,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// NewJobFor builds the queued job that accompanies a freshly created record.
func NewJobFor(id string, rec *GenerationRecord, mimeType string, maxAttempts int) *Job {
	return &Job{
		ID:             id,
		GenerationID:   rec.ID,
		IdentityKey:    rec.IdentityKey,
		StyleKey:       rec.StyleKey,
		Prompt:         rec.Prompt,
		SourceImageURL: rec.OriginalImageURL,
		MimeType:       mimeType,
		Status:         JobQueued,
		MaxAttempts:    maxAttempts,
	}
}

type MigrationResult struct {
	Guest            string `json:"guest"`
	User             string `json:"user"`
	MovedGenerations int    `json:"moved_generations"`
	MergedCredits    int    `json:"merged_credits"`
	AlreadyMigrated  bool   `json:"already_migrated"`
}

// IsBonus reports whether credits of this type count toward the bonus balance.
func (t TransactionType) IsBonus() bool {
	switch t {
	case TxRatingBonus, TxVerificationBonus, TxWelcomeBonus, TxTrialGrant:
		return true
	}
	return false
}

// AbsorbGuest folds a guest's entitlement and one-time flags into the user
// account. Credits are merged separately as ledger transactions.
func (a *Account) AbsorbGuest(guest *Account) {
	a.IsSubscribed = a.IsSubscribed || guest.IsSubscribed
	a.IsTrialActive = !a.IsSubscribed && (a.IsTrialActive || guest.IsTrialActive)
	if a.TrialStartedAt == nil {
		a.TrialStartedAt = guest.TrialStartedAt
	}
	if a.TrialEndsAt == nil {
		a.TrialEndsAt = guest.TrialEndsAt
	}
	a.CreditsAwarded = a.CreditsAwarded || guest.CreditsAwarded
	a.RatingBonusAwarded = a.RatingBonusAwarded || guest.RatingBonusAwarded
	a.VerificationBonusAwarded = a.VerificationBonusAwarded || guest.VerificationBonusAwarded
	if a.DeviceID == "" {
		a.DeviceID = guest.DeviceID
	}
}
