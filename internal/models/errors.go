package models

import "errors"

var (
	ErrInsufficientCredits  = errors.New("insufficient credits, payment required")
	ErrDuplicateJob         = errors.New("live job already exists for generation")
	ErrNoJobAvailable       = errors.New("no job available")
	ErrIdempotencyConflict  = errors.New("idempotency key already applied")
	ErrGenerationNotFound   = errors.New("generation not found")
	ErrJobNotFound          = errors.New("job not found")
	ErrJobNotClaimed        = errors.New("job is not claimed")
	ErrAccountNotFound      = errors.New("account not found")
	ErrAccountMigrated      = errors.New("account was migrated to another identity")
	ErrGuestAlreadyMigrated = errors.New("guest already migrated to a different user")
	ErrInvalidTransition    = errors.New("invalid generation status transition")
	ErrInvalidIdentity      = errors.New("invalid identity")
	ErrUnknownStyle         = errors.New("unknown style")
	ErrInvalidRequest       = errors.New("invalid request")
)
