package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/digkill/restyle/internal/models"
)

// ReclaimStale fails every job claimed longer than StaleAfter ago, counting it
// as an attempt. Jobs with attempts left go back to the queue.
func (w *Worker) ReclaimStale(ctx context.Context) (int, error) {
	cutoff := w.now().Add(-w.opts.StaleAfter)
	jobs, err := w.Jobs.ReclaimStale(ctx, cutoff)
	if err != nil {
		return len(jobs), fmt.Errorf("reclaim stale jobs: %w", err)
	}

	for i := range jobs {
		job := &jobs[i]
		log := w.Log.With("job_id", job.ID, "generation_id", job.GenerationID)
		if err := w.Generations.MarkFailed(ctx, job.GenerationID, job.LastError); err != nil &&
			!errors.Is(err, models.ErrGenerationNotFound) && !errors.Is(err, models.ErrInvalidTransition) {
			log.Warn("mark reclaimed generation failed", "err", err)
		}
		if job.Status == models.JobFailed {
			log.Error("stale job exhausted its attempts", "attempts", job.Attempts)
			w.Notifier.JobFailed(ctx, job)
		} else {
			log.Warn("stale job requeued", "attempts", job.Attempts)
		}
	}
	w.Metrics.StaleReclaimed.Add(float64(len(jobs)))
	if len(jobs) > 0 {
		w.Trigger()
	}
	return len(jobs), nil
}
