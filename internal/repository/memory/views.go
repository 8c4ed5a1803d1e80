package memory

import (
	"context"

	"github.com/digkill/restyle/internal/models"
	"github.com/digkill/restyle/internal/repository"
)

var (
	_ repository.AccountStore      = (*Store)(nil)
	_ repository.WebhookEventStore = (*Store)(nil)
	_ repository.Migrator          = (*Store)(nil)
	_ repository.GenerationStore   = generationView{}
	_ repository.JobQueue          = jobView{}
)

// Accounts, Generations and Jobs expose the store through each repository
// interface; the interfaces disagree on what Get looks up.
func (s *Store) Accounts() repository.AccountStore { return s }

func (s *Store) Generations() repository.GenerationStore { return generationView{s} }

func (s *Store) Jobs() repository.JobQueue { return jobView{s} }

type generationView struct{ *Store }

func (v generationView) Get(ctx context.Context, id string) (*models.GenerationRecord, error) {
	return v.GetGeneration(ctx, id)
}

type jobView struct{ *Store }

func (v jobView) Get(ctx context.Context, jobID string) (*models.Job, error) {
	return v.GetJob(ctx, jobID)
}
