package models

import "time"

// RetryPolicy controls how a failed job re-enters the queue.
type RetryPolicy struct {
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// Delay returns the wait before attempt n+1 after n failures (n >= 1).
func (p RetryPolicy) Delay(failures int) time.Duration {
	if p.BaseBackoff <= 0 || failures <= 0 {
		return 0
	}
	d := p.BaseBackoff
	for i := 1; i < failures; i++ {
		d *= 2
		if p.MaxBackoff > 0 && d >= p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	if p.MaxBackoff > 0 && d > p.MaxBackoff {
		return p.MaxBackoff
	}
	return d
}

// Exhausted reports whether a job with the given failure count is out of attempts.
func (p RetryPolicy) Exhausted(failures, maxAttempts int) bool {
	if maxAttempts <= 0 {
		maxAttempts = p.MaxAttempts
	}
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	return failures >= maxAttempts
}

// RecordFailure moves a claimed job back to queued with backoff, or to terminal
// failed when the failure is permanent or attempts are exhausted.
func (j *Job) RecordFailure(message string, permanent bool, policy RetryPolicy, now time.Time) {
	j.Attempts++
	j.LastError = message
	j.UpdatedAt = now
	if permanent || policy.Exhausted(j.Attempts, j.MaxAttempts) {
		j.Status = JobFailed
		j.NextAttemptAt = nil
		return
	}
	j.Status = JobQueued
	j.ClaimedAt = nil
	j.ClaimedBy = ""
	next := now.Add(policy.Delay(j.Attempts))
	j.NextAttemptAt = &next
}
