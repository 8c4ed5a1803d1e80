package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/digkill/restyle/internal/models"
	"github.com/digkill/restyle/internal/repository"
)

type MigrationService struct {
	log      *slog.Logger
	migrator repository.Migrator
}

func NewMigrationService(log *slog.Logger, migrator repository.Migrator) *MigrationService {
	return &MigrationService{log: log, migrator: migrator}
}

// MigrateGuestToUser moves a guest's generations and credits to the user and
// retires the guest account. Repeating the call is a no-op.
func (s *MigrationService) MigrateGuestToUser(ctx context.Context, guest, user models.Identity) (*models.MigrationResult, error) {
	if err := guest.Validate(); err != nil {
		return nil, err
	}
	if err := user.Validate(); err != nil {
		return nil, err
	}
	res, err := s.migrator.MigrateGuest(ctx, guest, user)
	if err != nil {
		return nil, fmt.Errorf("migrate %s to %s: %w", guest.Key(), user.Key(), err)
	}
	if res.AlreadyMigrated {
		s.log.Info("guest already migrated", "guest", guest.Key(), "user", user.Key())
	} else {
		s.log.Info("guest migrated", "guest", guest.Key(), "user", user.Key(),
			"generations", res.MovedGenerations, "credits", res.MergedCredits)
	}
	return res, nil
}
