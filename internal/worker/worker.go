package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/digkill/restyle/internal/kie"
	"github.com/digkill/restyle/internal/metrics"
	"github.com/digkill/restyle/internal/models"
	"github.com/digkill/restyle/internal/notify"
	"github.com/digkill/restyle/internal/repository"
	"github.com/digkill/restyle/internal/styles"
)

type Provider interface {
	Generate(ctx context.Context, in kie.GenerateInput) (*kie.Image, error)
}

type ObjectStore interface {
	Fetch(ctx context.Context, url string) ([]byte, string, error)
	Upload(ctx context.Context, prefix string, data []byte, contentType string) (string, error)
}

// Charger takes the generation cost from the owner once the result is stored.
type Charger interface {
	ChargeGeneration(ctx context.Context, owner models.Identity, generationID string) (bool, error)
}

type Outcome int

const (
	OutcomeIdle Outcome = iota
	OutcomeBusy
	OutcomeCompleted
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeBusy:
		return "busy"
	case OutcomeCompleted:
		return "completed"
	case OutcomeFailed:
		return "failed"
	default:
		return "idle"
	}
}

type Options struct {
	ID            string
	PollInterval  time.Duration
	StaleAfter    time.Duration
	ResultsPrefix string
}

type Deps struct {
	Jobs        repository.JobQueue
	Generations repository.GenerationStore
	Provider    Provider
	Storage     ObjectStore
	Ledger      Charger
	Styles      *styles.Catalog
	Notifier    notify.Notifier
	Metrics     *metrics.Metrics
	Log         *slog.Logger
}

// Worker drains the job queue one job at a time. Several workers may share a
// queue; the store's atomic claim keeps them from running the same job.
type Worker struct {
	opts Options
	Deps

	inflight chan struct{}
	wake     chan struct{}
	now      func() time.Time
}

func New(opts Options, deps Deps) *Worker {
	if opts.ID == "" {
		opts.ID = "worker-" + uuid.NewString()[:8]
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Second
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = 10 * time.Minute
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.Nop{}
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.Nop()
	}
	return &Worker{
		opts:     opts,
		Deps:     deps,
		inflight: make(chan struct{}, 1),
		wake:     make(chan struct{}, 1),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (w *Worker) ID() string { return w.opts.ID }

// Trigger asks the loop to poll now. It never blocks.
func (w *Worker) Trigger() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Run polls until ctx is cancelled. An in-flight job finishes under ctx, so
// cancellation interrupts the provider call and the job is reclaimed later.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.opts.PollInterval)
	defer ticker.Stop()

	w.Log.Info("worker started", "worker_id", w.opts.ID, "poll_interval", w.opts.PollInterval)
	for {
		select {
		case <-ctx.Done():
			w.Log.Info("worker stopped", "worker_id", w.opts.ID)
			return nil
		case <-ticker.C:
		case <-w.wake:
		}
		w.Drain(ctx)
	}
}

// Drain processes jobs while they keep completing and returns how many ran.
func (w *Worker) Drain(ctx context.Context) int {
	n := 0
	for ctx.Err() == nil {
		outcome, err := w.ProcessOne(ctx)
		if err != nil {
			w.Log.Error("worker iteration", "worker_id", w.opts.ID, "err", err)
		}
		if outcome == OutcomeCompleted || outcome == OutcomeFailed {
			n++
		}
		if outcome != OutcomeCompleted {
			return n
		}
	}
	return n
}

// ProcessOne claims and runs at most one job. It returns OutcomeBusy when this
// worker already has a job in flight.
func (w *Worker) ProcessOne(ctx context.Context) (Outcome, error) {
	select {
	case w.inflight <- struct{}{}:
	default:
		return OutcomeBusy, nil
	}
	defer func() { <-w.inflight }()

	job, err := w.Jobs.ClaimNext(ctx, w.opts.ID)
	if err != nil {
		if errors.Is(err, models.ErrNoJobAvailable) {
			return OutcomeIdle, nil
		}
		return OutcomeIdle, fmt.Errorf("claim job: %w", err)
	}
	w.Metrics.JobsClaimed.Inc()
	return w.handle(ctx, job), nil
}

func (w *Worker) handle(ctx context.Context, job *models.Job) Outcome {
	log := w.Log.With("worker_id", w.opts.ID, "job_id", job.ID, "generation_id", job.GenerationID, "attempt", job.Attempts+1)

	if _, err := models.ParseIdentity(job.IdentityKey); err != nil {
		return w.fail(ctx, log, job, err, true)
	}

	if err := w.Generations.MarkProcessing(ctx, job.GenerationID); err != nil {
		switch {
		case errors.Is(err, models.ErrGenerationNotFound):
			log.Info("generation deleted before processing")
			return w.fail(ctx, log, job, err, true)
		case errors.Is(err, models.ErrInvalidTransition):
			// Only a completed record refuses processing: a previous run stored the
			// result and stopped before finishing the job.
			log.Warn("generation already completed, finishing job")
			return w.finish(ctx, log, job)
		default:
			return w.fail(ctx, log, job, fmt.Errorf("mark processing: %w", err), false)
		}
	}

	prompt, err := w.Styles.Prompt(job.StyleKey, job.Prompt)
	if err != nil {
		return w.fail(ctx, log, job, err, true)
	}

	source, mime, err := w.Storage.Fetch(ctx, job.SourceImageURL)
	if err != nil {
		return w.fail(ctx, log, job, fmt.Errorf("fetch source image: %w", err), false)
	}
	if job.MimeType != "" {
		mime = job.MimeType
	}

	start := time.Now()
	img, err := w.Provider.Generate(ctx, kie.GenerateInput{
		Image:    source,
		MimeType: mime,
		Prompt:   prompt,
	})
	w.Metrics.ObserveProvider(start, err)
	if err != nil {
		return w.fail(ctx, log, job, err, kie.IsPermanent(err))
	}

	resultURL, err := w.Storage.Upload(ctx, w.opts.ResultsPrefix, img.Bytes, img.Mime)
	if err != nil {
		return w.fail(ctx, log, job, fmt.Errorf("store result: %w", err), false)
	}

	if err := w.Generations.MarkCompleted(ctx, job.GenerationID, resultURL); err != nil {
		switch {
		case errors.Is(err, models.ErrGenerationNotFound):
			log.Info("generation deleted while processing, result discarded")
			return w.fail(ctx, log, job, err, true)
		case errors.Is(err, models.ErrInvalidTransition):
			// Another run finished the record, or a reclaim marked it failed.
			if rec, getErr := w.Generations.Get(ctx, job.GenerationID); getErr == nil && rec.Status == models.GenerationCompleted {
				log.Warn("generation completed by another run, result discarded")
				return w.finish(ctx, log, job)
			}
			return w.fail(ctx, log, job, fmt.Errorf("mark completed: %w", err), false)
		default:
			return w.fail(ctx, log, job, fmt.Errorf("mark completed: %w", err), false)
		}
	}
	log.Info("generation completed", "duration", time.Since(start))
	return w.finish(ctx, log, job)
}

// finish charges the record's current owner and then completes the job, so the
// live-job reservation covers the charge.
func (w *Worker) finish(ctx context.Context, log *slog.Logger, job *models.Job) Outcome {
	rec, err := w.Generations.Get(ctx, job.GenerationID)
	switch {
	case errors.Is(err, models.ErrGenerationNotFound):
		log.Info("generation deleted, not charging")
	case err != nil:
		log.Error("load generation for charge", "err", err)
	default:
		w.charge(ctx, log, rec)
	}

	if err := w.Jobs.Complete(ctx, job.ID, w.opts.ID); err != nil {
		switch {
		case errors.Is(err, models.ErrJobNotFound):
			log.Info("job removed with its generation")
		case errors.Is(err, models.ErrJobNotClaimed):
			// Reclaimed and handed to another worker; its charge is keyed by the
			// same generation and applies at most once.
			log.Warn("claim lost before completing job", "err", err)
		default:
			log.Error("complete job", "err", err)
		}
	}
	w.Metrics.JobOutcomes.WithLabelValues("completed").Inc()
	return OutcomeCompleted
}

func (w *Worker) charge(ctx context.Context, log *slog.Logger, rec *models.GenerationRecord) {
	// The record is re-keyed when its guest owner signs in, so it names the
	// account to charge rather than the claim-time owner.
	owner, err := models.ParseIdentity(rec.IdentityKey)
	if err != nil {
		log.Error("parse generation owner", "identity", rec.IdentityKey, "err", err)
		return
	}
	charged, err := w.Ledger.ChargeGeneration(ctx, owner, rec.ID)
	if err != nil {
		log.Error("charge generation", "identity", owner.Key(), "err", err)
		return
	}
	log.Info("generation charged", "identity", owner.Key(), "charged", charged)
}

// fail records the failure on the record and the job while this worker still
// holds the claim. Credits are untouched.
func (w *Worker) fail(ctx context.Context, log *slog.Logger, job *models.Job, cause error, permanent bool) Outcome {
	if !w.holdsClaim(ctx, log, job) {
		w.Metrics.JobOutcomes.WithLabelValues("failed").Inc()
		return OutcomeFailed
	}

	msg := cause.Error()
	if err := w.Generations.MarkFailed(ctx, job.GenerationID, msg); err != nil && !errors.Is(err, models.ErrGenerationNotFound) {
		log.Warn("mark generation failed", "err", err)
	}

	updated, err := w.Jobs.Fail(ctx, job.ID, w.opts.ID, msg, permanent)
	if err != nil {
		switch {
		case errors.Is(err, models.ErrJobNotFound):
		case errors.Is(err, models.ErrJobNotClaimed):
			log.Warn("claim lost before recording failure", "err", err)
		default:
			log.Error("fail job", "err", err)
		}
		w.Metrics.JobOutcomes.WithLabelValues("failed").Inc()
		return OutcomeFailed
	}

	if updated.Status == models.JobFailed {
		log.Error("job failed permanently", "attempts", updated.Attempts, "err", cause)
		w.Metrics.JobOutcomes.WithLabelValues("failed").Inc()
		w.Notifier.JobFailed(ctx, updated)
	} else {
		log.Warn("job failed, will retry", "attempts", updated.Attempts, "next_attempt_at", updated.NextAttemptAt, "err", cause)
		w.Metrics.JobOutcomes.WithLabelValues("retried").Inc()
	}
	return OutcomeFailed
}

// holdsClaim reports whether the job is still claimed by this worker. A lost
// claim belongs to whoever reclaimed it, so its record is left alone.
func (w *Worker) holdsClaim(ctx context.Context, log *slog.Logger, job *models.Job) bool {
	current, err := w.Jobs.Get(ctx, job.ID)
	switch {
	case errors.Is(err, models.ErrJobNotFound):
		return true
	case err != nil:
		log.Warn("load job", "err", err)
		return true
	}
	if err := (repository.ClaimGuard{WorkerID: w.opts.ID}).Check(current); err != nil {
		log.Warn("claim lost, leaving job to its current holder", "err", err)
		return false
	}
	return true
}
