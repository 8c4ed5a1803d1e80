// Package memory is a single-process store with the same semantics as the
// MySQL repositories. It backs STORE_DRIVER=memory and the service tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/digkill/restyle/internal/models"
	"github.com/digkill/restyle/internal/repository"
)

type Store struct {
	mu     sync.Mutex
	policy models.RetryPolicy
	now    func() time.Time

	accounts    map[string]*models.Account
	txs         []*models.CreditTransaction
	txByKey     map[string]*models.CreditTransaction
	generations map[string]*models.GenerationRecord
	jobs        map[string]*models.Job
	liveJob     map[string]string
	events      map[string]*webhookEvent
}

type webhookEvent struct {
	eventType string
	payload   []byte
	processed bool
	lastError string
}

func New(policy models.RetryPolicy) *Store {
	return &Store{
		policy:      policy,
		now:         func() time.Time { return time.Now().UTC() },
		accounts:    make(map[string]*models.Account),
		txByKey:     make(map[string]*models.CreditTransaction),
		generations: make(map[string]*models.GenerationRecord),
		jobs:        make(map[string]*models.Job),
		liveJob:     make(map[string]string),
		events:      make(map[string]*webhookEvent),
	}
}

// SetClock replaces the time source. Tests use it to step past backoff and
// staleness windows.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// ---- accounts ----

func (s *Store) Ensure(_ context.Context, id models.Identity, deviceID string) (*models.Account, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acc, created, err := s.ensureLocked(id, deviceID)
	if err != nil {
		return nil, false, err
	}
	return copyAccount(acc), created, nil
}

func (s *Store) Get(_ context.Context, id models.Identity) (*models.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acc, ok := s.accounts[id.Key()]
	if !ok {
		return nil, models.ErrAccountNotFound
	}
	return copyAccount(acc), nil
}

func (s *Store) Decrement(_ context.Context, id models.Identity, amount int, ref string) (*models.CreditTransaction, bool, error) {
	if amount <= 0 {
		return nil, false, fmt.Errorf("decrement amount must be positive")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.txByKey[ref]; ref != "" && ok {
		return copyTx(existing), false, nil
	}
	acc, ok := s.accounts[id.Key()]
	if !ok {
		return nil, false, models.ErrAccountNotFound
	}
	if acc.Inert() {
		return nil, false, models.ErrAccountMigrated
	}
	if acc.Credits < amount {
		return nil, false, models.ErrInsufficientCredits
	}
	acc.Credits -= amount
	acc.BonusCredits = max(acc.BonusCredits-amount, 0)
	acc.UpdatedAt = s.now()
	t := s.appendTx(id.Key(), -amount, ref, models.TxDecrement)
	return copyTx(t), true, nil
}

func (s *Store) Grant(_ context.Context, id models.Identity, amount int, key string, txType models.TransactionType) (*models.CreditTransaction, bool, error) {
	if amount <= 0 {
		return nil, false, fmt.Errorf("grant amount must be positive")
	}
	if key == "" {
		return nil, false, fmt.Errorf("grant requires an idempotency key")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.txByKey[key]; ok {
		return copyTx(existing), false, nil
	}
	acc, _, err := s.ensureLocked(id, "")
	if err != nil {
		return nil, false, err
	}
	if acc.Inert() {
		return nil, false, models.ErrAccountMigrated
	}
	acc.Credits += amount
	if txType.IsBonus() {
		acc.BonusCredits += amount
	}
	acc.UpdatedAt = s.now()
	t := s.appendTx(id.Key(), amount, key, txType)
	return copyTx(t), true, nil
}

func (s *Store) SetSubscriptionState(_ context.Context, id models.Identity, state models.Entitlement) (*models.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	acc, _, err := s.ensureLocked(id, "")
	if err != nil {
		return nil, err
	}
	if acc.Inert() {
		return nil, models.ErrAccountMigrated
	}
	s.applyEntitlement(acc, state.Normalize())
	return copyAccount(acc), nil
}

func (s *Store) AwardOneTimeBonus(_ context.Context, id models.Identity, amount int, flag models.BonusFlag, txType models.TransactionType) (bool, error) {
	if !flag.Valid() {
		return false, fmt.Errorf("unknown bonus flag %q", flag)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	acc, _, err := s.ensureLocked(id, "")
	if err != nil {
		return false, err
	}
	if acc.Inert() {
		return false, models.ErrAccountMigrated
	}
	if acc.Flag(flag) {
		return false, nil
	}
	acc.SetFlag(flag)
	acc.Credits += amount
	acc.BonusCredits += amount
	acc.UpdatedAt = s.now()
	if amount > 0 {
		s.appendTx(id.Key(), amount, fmt.Sprintf("bonus:%s:%s", flag, id.Key()), txType)
	}
	return true, nil
}

func (s *Store) PropagateEntitlement(_ context.Context, deviceID string, source models.Identity, state models.Entitlement) (int64, error) {
	if deviceID == "" {
		return 0, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	state = state.Normalize()
	var n int64
	for key, acc := range s.accounts {
		if acc.DeviceID != deviceID || key == source.Key() || acc.Inert() {
			continue
		}
		s.applyEntitlement(acc, state)
		n++
	}
	return n, nil
}

func (s *Store) ExpireTrials(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, acc := range s.accounts {
		if acc.IsTrialActive && acc.TrialEndsAt != nil && acc.TrialEndsAt.Before(now) {
			acc.IsTrialActive = false
			acc.UpdatedAt = s.now()
			n++
		}
	}
	return n, nil
}

func (s *Store) ListTransactions(_ context.Context, id models.Identity, limit int) ([]models.CreditTransaction, error) {
	if limit <= 0 {
		limit = 50
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.CreditTransaction
	for i := len(s.txs) - 1; i >= 0 && len(out) < limit; i-- {
		if s.txs[i].IdentityKey == id.Key() {
			out = append(out, *s.txs[i])
		}
	}
	return out, nil
}

// ---- generations ----

func (s *Store) CreateWithJobs(_ context.Context, recs []*models.GenerationRecord, jobs []*models.Job, cost int) error {
	if len(recs) == 0 || len(recs) != len(jobs) {
		return fmt.Errorf("create generations: %d records for %d jobs", len(recs), len(jobs))
	}
	owner := recs[0].IdentityKey
	for i, rec := range recs {
		if rec.IdentityKey != owner || jobs[i].IdentityKey != owner || jobs[i].GenerationID != rec.ID {
			return fmt.Errorf("create generations: record %s does not match its job or owner", rec.ID)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	acc, ok := s.accounts[owner]
	if !ok {
		return models.ErrAccountNotFound
	}
	if acc.Inert() {
		return models.ErrAccountMigrated
	}
	if cost > 0 && !acc.IsSubscribed {
		live := 0
		for _, j := range s.jobs {
			if j.IdentityKey == owner && j.Status.Live() {
				live++
			}
		}
		if acc.Credits < cost*(live+len(jobs)) {
			return models.ErrInsufficientCredits
		}
	}
	for _, rec := range recs {
		if _, exists := s.liveJob[rec.ID]; exists {
			return models.ErrDuplicateJob
		}
	}

	now := s.now()
	for i, rec := range recs {
		rec.Status = models.GenerationPending
		rec.CreatedAt, rec.UpdatedAt = now, now
		stored := *rec
		s.generations[rec.ID] = &stored
		s.insertJobLocked(jobs[i], now)
	}
	return nil
}

func (s *Store) GetGeneration(_ context.Context, id string) (*models.GenerationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.generations[id]
	if !ok {
		return nil, models.ErrGenerationNotFound
	}
	out := *rec
	return &out, nil
}

func (s *Store) GetOwned(_ context.Context, id string, owner models.Identity) (*models.GenerationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.generations[id]
	if !ok || rec.IdentityKey != owner.Key() {
		return nil, models.ErrGenerationNotFound
	}
	out := *rec
	return &out, nil
}

func (s *Store) ListOwned(_ context.Context, owner models.Identity, limit int) ([]models.GenerationRecord, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.GenerationRecord
	for _, rec := range s.generations {
		if rec.IdentityKey == owner.Key() {
			out = append(out, *rec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) MarkProcessing(_ context.Context, id string) error {
	return s.transition(id, models.GenerationProcessing, func(rec *models.GenerationRecord) {
		rec.ErrorMessage = ""
	})
}

func (s *Store) MarkCompleted(_ context.Context, id, imageURL string) error {
	return s.transition(id, models.GenerationCompleted, func(rec *models.GenerationRecord) {
		rec.GeneratedImageURL = imageURL
		rec.ErrorMessage = ""
	})
}

func (s *Store) MarkFailed(_ context.Context, id, message string) error {
	return s.transition(id, models.GenerationFailed, func(rec *models.GenerationRecord) {
		rec.ErrorMessage = message
	})
}

func (s *Store) DeleteOwned(_ context.Context, id string, owner models.Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.generations[id]
	if !ok || rec.IdentityKey != owner.Key() {
		return models.ErrGenerationNotFound
	}
	delete(s.generations, id)
	delete(s.liveJob, id)
	for jid, j := range s.jobs {
		if j.GenerationID == id {
			delete(s.jobs, jid)
		}
	}
	return nil
}

func (s *Store) transition(id string, to models.GenerationStatus, apply func(*models.GenerationRecord)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.generations[id]
	if !ok {
		return models.ErrGenerationNotFound
	}
	if !rec.Status.CanTransition(to) {
		return fmt.Errorf("%w: generation %s is %s", models.ErrInvalidTransition, id, rec.Status)
	}
	rec.Status = to
	rec.UpdatedAt = s.now()
	apply(rec)
	return nil
}

// ---- jobs ----

func (s *Store) Enqueue(_ context.Context, job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.generations[job.GenerationID]
	if !ok {
		return models.ErrGenerationNotFound
	}
	if rec.IdentityKey != job.IdentityKey {
		return fmt.Errorf("enqueue job: owner %s does not match generation owner %s", job.IdentityKey, rec.IdentityKey)
	}
	if _, exists := s.liveJob[job.GenerationID]; exists {
		return models.ErrDuplicateJob
	}
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = s.policy.MaxAttempts
	}
	s.insertJobLocked(job, s.now())
	return nil
}

func (s *Store) ClaimNext(_ context.Context, workerID string) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var next *models.Job
	for _, j := range s.jobs {
		if j.Status != models.JobQueued {
			continue
		}
		if j.NextAttemptAt != nil && j.NextAttemptAt.After(now) {
			continue
		}
		if next == nil || j.CreatedAt.Before(next.CreatedAt) || (j.CreatedAt.Equal(next.CreatedAt) && j.ID < next.ID) {
			next = j
		}
	}
	if next == nil {
		return nil, models.ErrNoJobAvailable
	}
	next.Status = models.JobClaimed
	next.ClaimedAt = &now
	next.ClaimedBy = workerID
	next.UpdatedAt = now
	return copyJob(next), nil
}

func (s *Store) Complete(_ context.Context, jobID, workerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok {
		return models.ErrJobNotFound
	}
	switch j.Status {
	case models.JobCompleted:
		return nil
	case models.JobClaimed:
		if j.ClaimedBy != workerID {
			return fmt.Errorf("%w: job %s is held by %s", models.ErrJobNotClaimed, jobID, j.ClaimedBy)
		}
	default:
		return fmt.Errorf("%w: job %s is %s", models.ErrJobNotClaimed, jobID, j.Status)
	}
	j.Status = models.JobCompleted
	j.NextAttemptAt = nil
	j.UpdatedAt = s.now()
	delete(s.liveJob, j.GenerationID)
	return nil
}

func (s *Store) Fail(_ context.Context, jobID, workerID, message string, permanent bool) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failLocked(jobID, message, permanent, repository.ClaimGuard{WorkerID: workerID})
}

func (s *Store) ReclaimStale(_ context.Context, claimedBefore time.Time) ([]models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stale []*models.Job
	for _, j := range s.jobs {
		if j.Status == models.JobClaimed && j.ClaimedAt != nil && j.ClaimedAt.Before(claimedBefore) {
			stale = append(stale, j)
		}
	}
	sort.Slice(stale, func(i, j int) bool { return stale[i].ClaimedAt.Before(*stale[j].ClaimedAt) })

	var out []models.Job
	for _, j := range stale {
		failed, err := s.failLocked(j.ID, "stale claim reclaimed", false, repository.ClaimGuard{StaleBefore: &claimedBefore})
		if err != nil {
			return out, err
		}
		out = append(out, *failed)
	}
	return out, nil
}

func (s *Store) GetJob(_ context.Context, jobID string) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return nil, models.ErrJobNotFound
	}
	return copyJob(j), nil
}

func (s *Store) failLocked(jobID, message string, permanent bool, guard repository.ClaimGuard) (*models.Job, error) {
	j, ok := s.jobs[jobID]
	if !ok {
		return nil, models.ErrJobNotFound
	}
	if err := guard.Check(j); err != nil {
		return nil, err
	}
	j.RecordFailure(message, permanent, s.policy, s.now())
	if !j.Status.Live() {
		delete(s.liveJob, j.GenerationID)
	}
	return copyJob(j), nil
}

func (s *Store) insertJobLocked(job *models.Job, now time.Time) {
	job.Status = models.JobQueued
	job.Attempts = 0
	job.CreatedAt, job.UpdatedAt = now, now
	stored := *job
	s.jobs[job.ID] = &stored
	s.liveJob[job.GenerationID] = job.ID
}

// ---- webhook events ----

func (s *Store) Begin(_ context.Context, provider, eventID, eventType string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := provider + "/" + eventID
	if ev, ok := s.events[key]; ok {
		if ev.processed {
			return models.ErrIdempotencyConflict
		}
		return nil
	}
	s.events[key] = &webhookEvent{eventType: eventType, payload: append([]byte(nil), payload...)}
	return nil
}

func (s *Store) Finish(_ context.Context, provider, eventID string, procErr error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[provider+"/"+eventID]
	if !ok {
		return nil
	}
	if procErr != nil {
		ev.lastError = procErr.Error()
		return nil
	}
	ev.processed = true
	ev.lastError = ""
	return nil
}

// ---- migration ----

func (s *Store) MigrateGuest(_ context.Context, guest, user models.Identity) (*models.MigrationResult, error) {
	if !guest.IsGuest() || user.IsGuest() {
		return nil, fmt.Errorf("%w: migration needs a guest source and a user target", models.ErrInvalidIdentity)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	g, _, err := s.ensureLocked(guest, guest.ID)
	if err != nil {
		return nil, err
	}
	u, _, err := s.ensureLocked(user, "")
	if err != nil {
		return nil, err
	}

	result := &models.MigrationResult{Guest: guest.Key(), User: user.Key()}
	if g.Inert() {
		if g.MigratedTo != user.Key() {
			return nil, models.ErrGuestAlreadyMigrated
		}
		result.AlreadyMigrated = true
		return result, nil
	}
	if u.Inert() {
		return nil, models.ErrAccountMigrated
	}

	for _, rec := range s.generations {
		if rec.IdentityKey == guest.Key() {
			rec.IdentityKey = user.Key()
			result.MovedGenerations++
		}
	}
	for _, j := range s.jobs {
		if j.IdentityKey == guest.Key() {
			j.IdentityKey = user.Key()
		}
	}

	if g.Credits > 0 {
		s.appendTx(guest.Key(), -g.Credits, "migration:"+guest.Key()+":out", models.TxMigration)
		s.appendTx(user.Key(), g.Credits, "migration:"+guest.Key(), models.TxMigration)
		result.MergedCredits = g.Credits
	}

	now := s.now()
	u.AbsorbGuest(g)
	u.Credits += g.Credits
	u.BonusCredits += g.BonusCredits
	u.UpdatedAt = now

	g.Credits, g.BonusCredits = 0, 0
	g.IsSubscribed, g.IsTrialActive = false, false
	g.MigratedTo = user.Key()
	g.UpdatedAt = now
	return result, nil
}

// ---- helpers ----

func (s *Store) ensureLocked(id models.Identity, deviceID string) (*models.Account, bool, error) {
	if err := id.Validate(); err != nil {
		return nil, false, err
	}
	if acc, ok := s.accounts[id.Key()]; ok {
		if acc.DeviceID == "" && deviceID != "" {
			acc.DeviceID = deviceID
		}
		return acc, false, nil
	}
	now := s.now()
	acc := &models.Account{IdentityKey: id.Key(), DeviceID: deviceID, CreatedAt: now, UpdatedAt: now}
	s.accounts[id.Key()] = acc
	return acc, true, nil
}

func (s *Store) applyEntitlement(acc *models.Account, state models.Entitlement) {
	acc.IsSubscribed = state.IsSubscribed
	acc.IsTrialActive = state.IsTrialActive
	if state.TrialStartedAt != nil {
		acc.TrialStartedAt = state.TrialStartedAt
	}
	if state.TrialEndsAt != nil {
		acc.TrialEndsAt = state.TrialEndsAt
	}
	acc.UpdatedAt = s.now()
}

func (s *Store) appendTx(key string, delta int, idemKey string, txType models.TransactionType) *models.CreditTransaction {
	t := &models.CreditTransaction{
		ID:             uuid.NewString(),
		IdentityKey:    key,
		Delta:          delta,
		IdempotencyKey: idemKey,
		Type:           txType,
		CreatedAt:      s.now(),
	}
	s.txs = append(s.txs, t)
	if idemKey != "" {
		s.txByKey[idemKey] = t
	}
	return t
}

func copyAccount(a *models.Account) *models.Account {
	out := *a
	return &out
}

func copyTx(t *models.CreditTransaction) *models.CreditTransaction {
	out := *t
	return &out
}

func copyJob(j *models.Job) *models.Job {
	out := *j
	return &out
}
