package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path"
	"strings"

	"github.com/google/uuid"

	"github.com/digkill/restyle/internal/config"
	"github.com/digkill/restyle/internal/metrics"
	"github.com/digkill/restyle/internal/models"
	"github.com/digkill/restyle/internal/repository"
	"github.com/digkill/restyle/internal/styles"
)

const maxBatchStyles = 8

var ErrInvalidImage = fmt.Errorf("%w: image must be a non-empty jpeg, png, webp or heic file", models.ErrInvalidRequest)

// ImageUploader stores client uploads.
type ImageUploader interface {
	Upload(ctx context.Context, prefix string, data []byte, contentType string) (string, error)
}

// BalanceReader reads an owner's account for the pre-upload balance check.
type BalanceReader interface {
	Account(ctx context.Context, id models.Identity) (*models.Account, error)
}

// Trigger wakes the worker after new work is enqueued.
type Trigger interface {
	Trigger()
}

type SubmitRequest struct {
	StyleKeys []string
	Image     []byte
	MimeType  string
	Prompt    string
}

type GenerationService struct {
	cfg         config.Config
	log         *slog.Logger
	generations repository.GenerationStore
	jobs        repository.JobQueue
	balances    BalanceReader
	styles      *styles.Catalog
	uploads     ImageUploader
	trigger     Trigger
	metrics     *metrics.Metrics
}

func NewGenerationService(cfg config.Config, log *slog.Logger, generations repository.GenerationStore, jobs repository.JobQueue, balances BalanceReader, catalog *styles.Catalog, uploads ImageUploader, trigger Trigger, m *metrics.Metrics) *GenerationService {
	return &GenerationService{
		cfg:         cfg,
		log:         log,
		generations: generations,
		jobs:        jobs,
		balances:    balances,
		styles:      catalog,
		uploads:     uploads,
		trigger:     trigger,
		metrics:     m,
	}
}

// SubmitGeneration creates one pending record and its job.
func (s *GenerationService) SubmitGeneration(ctx context.Context, owner models.Identity, styleKey string, image []byte, mimeType, prompt string) (*models.GenerationRecord, error) {
	recs, err := s.SubmitBatch(ctx, owner, SubmitRequest{StyleKeys: []string{styleKey}, Image: image, MimeType: mimeType, Prompt: prompt})
	if err != nil {
		return nil, err
	}
	return recs[0], nil
}

// SubmitBatch creates one record per style sharing a batch id. Either every
// record is created or none is.
func (s *GenerationService) SubmitBatch(ctx context.Context, owner models.Identity, req SubmitRequest) ([]*models.GenerationRecord, error) {
	if err := owner.Validate(); err != nil {
		return nil, err
	}
	keys, err := s.validateStyles(req.StyleKeys, req.Prompt)
	if err != nil {
		s.metrics.Submissions.WithLabelValues("invalid").Inc()
		return nil, err
	}
	mimeType, err := imageType(req.Image, req.MimeType)
	if err != nil {
		s.metrics.Submissions.WithLabelValues("invalid").Inc()
		return nil, err
	}

	if err := s.precheck(ctx, owner, len(keys)); err != nil {
		return nil, err
	}

	originalURL, err := s.uploads.Upload(ctx, s.cfg.S3OriginalsPrefix, req.Image, mimeType)
	if err != nil {
		return nil, fmt.Errorf("upload original: %w", err)
	}

	var batchID string
	if len(keys) > 1 {
		batchID = uuid.NewString()
	}
	recs := make([]*models.GenerationRecord, 0, len(keys))
	jobs := make([]*models.Job, 0, len(keys))
	for _, key := range keys {
		rec := &models.GenerationRecord{
			ID:               uuid.NewString(),
			IdentityKey:      owner.Key(),
			StyleKey:         key,
			Prompt:           strings.TrimSpace(req.Prompt),
			OriginalImageURL: originalURL,
			BatchID:          batchID,
		}
		recs = append(recs, rec)
		jobs = append(jobs, models.NewJobFor(uuid.NewString(), rec, mimeType, s.cfg.JobMaxAttempts))
	}

	if err := s.create(ctx, owner, recs, jobs); err != nil {
		return nil, err
	}
	return recs, nil
}

// SubmitEdit re-runs a completed generation's output through the provider
// with a new prompt.
func (s *GenerationService) SubmitEdit(ctx context.Context, owner models.Identity, sourceID, prompt string) (*models.GenerationRecord, error) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return nil, fmt.Errorf("%w: edit prompt is required", models.ErrInvalidRequest)
	}
	src, err := s.generations.GetOwned(ctx, sourceID, owner)
	if err != nil {
		return nil, err
	}
	if src.Status != models.GenerationCompleted || src.GeneratedImageURL == "" {
		return nil, fmt.Errorf("%w: generation %s is %s", models.ErrInvalidTransition, src.ID, src.Status)
	}
	if _, err := s.styles.Prompt(src.StyleKey, prompt); err != nil {
		return nil, err
	}

	rec := &models.GenerationRecord{
		ID:               uuid.NewString(),
		IdentityKey:      owner.Key(),
		StyleKey:         src.StyleKey,
		Prompt:           prompt,
		OriginalImageURL: src.GeneratedImageURL,
		IsEdited:         true,
	}
	job := models.NewJobFor(uuid.NewString(), rec, mimeFromURL(src.GeneratedImageURL), s.cfg.JobMaxAttempts)
	if err := s.create(ctx, owner, []*models.GenerationRecord{rec}, []*models.Job{job}); err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *GenerationService) GetGenerationStatus(ctx context.Context, id string, owner models.Identity) (*models.GenerationRecord, error) {
	return s.generations.GetOwned(ctx, id, owner)
}

func (s *GenerationService) ListGenerations(ctx context.Context, owner models.Identity, limit int) ([]models.GenerationRecord, error) {
	recs, err := s.generations.ListOwned(ctx, owner, limit)
	if err != nil {
		return nil, fmt.Errorf("list generations: %w", err)
	}
	return recs, nil
}

// DeleteGeneration removes the record and any live job.
func (s *GenerationService) DeleteGeneration(ctx context.Context, id string, owner models.Identity) error {
	if err := s.generations.DeleteOwned(ctx, id, owner); err != nil {
		return err
	}
	s.log.Info("generation deleted", "generation_id", id, "identity", owner.Key())
	return nil
}

// Requeue enqueues a fresh job for a terminally failed generation.
func (s *GenerationService) Requeue(ctx context.Context, id string) (*models.Job, error) {
	rec, err := s.generations.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Status != models.GenerationFailed {
		return nil, fmt.Errorf("%w: generation %s is %s", models.ErrInvalidTransition, id, rec.Status)
	}
	job := models.NewJobFor(uuid.NewString(), rec, mimeFromURL(rec.OriginalImageURL), s.cfg.JobMaxAttempts)
	if err := s.jobs.Enqueue(ctx, job); err != nil {
		return nil, err
	}
	s.log.Info("generation requeued", "generation_id", id, "job_id", job.ID)
	s.trigger.Trigger()
	return job, nil
}

func (s *GenerationService) Styles() []styles.Style {
	return s.styles.List()
}

// precheck rejects a submission the balance cannot cover before the original
// is uploaded. CreateWithJobs still makes the binding check under the lock.
func (s *GenerationService) precheck(ctx context.Context, owner models.Identity, n int) error {
	acc, err := s.balances.Account(ctx, owner)
	switch {
	case errors.Is(err, models.ErrAccountNotFound):
		return nil
	case err != nil:
		return fmt.Errorf("load account: %w", err)
	}
	if acc.Inert() {
		s.metrics.Submissions.WithLabelValues("migrated").Inc()
		return models.ErrAccountMigrated
	}
	if !acc.IsSubscribed && s.cfg.GenerationCost > 0 && acc.Credits < s.cfg.GenerationCost*n {
		s.metrics.Submissions.WithLabelValues("insufficient_credits").Inc()
		return models.ErrInsufficientCredits
	}
	return nil
}

func (s *GenerationService) create(ctx context.Context, owner models.Identity, recs []*models.GenerationRecord, jobs []*models.Job) error {
	if err := s.generations.CreateWithJobs(ctx, recs, jobs, s.cfg.GenerationCost); err != nil {
		switch {
		case errors.Is(err, models.ErrInsufficientCredits):
			s.metrics.Submissions.WithLabelValues("insufficient_credits").Inc()
		case errors.Is(err, models.ErrAccountMigrated):
			s.metrics.Submissions.WithLabelValues("migrated").Inc()
		default:
			s.metrics.Submissions.WithLabelValues("error").Inc()
		}
		return err
	}
	s.metrics.Submissions.WithLabelValues("accepted").Add(float64(len(recs)))
	for i, rec := range recs {
		s.log.Info("generation submitted", "generation_id", rec.ID, "job_id", jobs[i].ID, "identity", owner.Key(), "style", rec.StyleKey, "batch_id", rec.BatchID)
	}
	s.trigger.Trigger()
	return nil
}

func (s *GenerationService) validateStyles(keys []string, prompt string) ([]string, error) {
	seen := make(map[string]bool, len(keys))
	var out []string
	for _, key := range keys {
		key = strings.TrimSpace(key)
		if key == "" || seen[key] {
			continue
		}
		if _, err := s.styles.Prompt(key, prompt); err != nil {
			return nil, err
		}
		seen[key] = true
		out = append(out, key)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: no style selected", models.ErrInvalidRequest)
	}
	if len(out) > maxBatchStyles {
		return nil, fmt.Errorf("%w: at most %d styles per request", models.ErrInvalidRequest, maxBatchStyles)
	}
	return out, nil
}

func imageType(data []byte, declared string) (string, error) {
	if len(data) == 0 {
		return "", ErrInvalidImage
	}
	mime := strings.ToLower(strings.TrimSpace(declared))
	if i := strings.IndexByte(mime, ';'); i >= 0 {
		mime = mime[:i]
	}
	if mime == "" || mime == "application/octet-stream" {
		mime = http.DetectContentType(data)
	}
	switch mime {
	case "image/jpeg", "image/png", "image/webp", "image/heic":
		return mime, nil
	case "image/jpg":
		return "image/jpeg", nil
	}
	return "", ErrInvalidImage
}

func mimeFromURL(raw string) string {
	switch strings.ToLower(path.Ext(raw)) {
	case ".png":
		return "image/png"
	case ".webp":
		return "image/webp"
	case ".heic":
		return "image/heic"
	default:
		return "image/jpeg"
	}
}
