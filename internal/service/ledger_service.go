package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/digkill/restyle/internal/config"
	"github.com/digkill/restyle/internal/metrics"
	"github.com/digkill/restyle/internal/models"
	"github.com/digkill/restyle/internal/repository"
)

// BonusKind is the client-facing name of a one-time bonus.
type BonusKind string

const (
	BonusRating       BonusKind = "rating"
	BonusVerification BonusKind = "verification"
)

var ErrUnknownBonus = errors.New("unknown bonus kind")

// maxRedirects bounds the migrated_to chain walked by Resolve.
const maxRedirects = 4

// LedgerService is the Credit Ledger surface used by the API, the worker and
// the webhook reconciler.
type LedgerService struct {
	cfg      config.Config
	log      *slog.Logger
	accounts repository.AccountStore
	metrics  *metrics.Metrics
	now      func() time.Time
}

func NewLedgerService(cfg config.Config, log *slog.Logger, accounts repository.AccountStore, m *metrics.Metrics) *LedgerService {
	return &LedgerService{
		cfg:      cfg,
		log:      log,
		accounts: accounts,
		metrics:  m,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// EnsureAccount creates the account on first use and awards the welcome grant
// exactly once.
func (s *LedgerService) EnsureAccount(ctx context.Context, id models.Identity, deviceID string) (*models.Account, error) {
	acc, created, err := s.accounts.Ensure(ctx, id, deviceID)
	if err != nil {
		return nil, fmt.Errorf("ensure account: %w", err)
	}
	if acc.Inert() || acc.CreditsAwarded || s.cfg.WelcomeCredits <= 0 {
		return acc, nil
	}

	awarded, err := s.accounts.AwardOneTimeBonus(ctx, id, s.cfg.WelcomeCredits, models.FlagCreditsAwarded, models.TxWelcomeBonus)
	s.metrics.Ledger("welcome_bonus", err)
	if err != nil {
		return nil, fmt.Errorf("award welcome credits: %w", err)
	}
	if awarded {
		s.log.Info("welcome credits awarded", "identity", id.Key(), "credits", s.cfg.WelcomeCredits, "new_account", created)
		return s.accounts.Get(ctx, id)
	}
	return acc, nil
}

func (s *LedgerService) Account(ctx context.Context, id models.Identity) (*models.Account, error) {
	return s.accounts.Get(ctx, id)
}

func (s *LedgerService) Transactions(ctx context.Context, id models.Identity, limit int) ([]models.CreditTransaction, error) {
	txs, err := s.accounts.ListTransactions(ctx, id, limit)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	return txs, nil
}

// Resolve follows migrated_to so events addressed to a merged guest land on
// the account it was merged into. Unknown identities resolve to themselves.
func (s *LedgerService) Resolve(ctx context.Context, id models.Identity) (models.Identity, error) {
	current := id
	for range maxRedirects {
		acc, err := s.accounts.Get(ctx, current)
		if errors.Is(err, models.ErrAccountNotFound) {
			return current, nil
		}
		if err != nil {
			return models.Identity{}, err
		}
		if !acc.Inert() {
			return current, nil
		}
		next, err := models.ParseIdentity(acc.MigratedTo)
		if err != nil {
			return models.Identity{}, fmt.Errorf("resolve %s: %w", current.Key(), err)
		}
		current = next
	}
	return models.Identity{}, fmt.Errorf("resolve %s: migration chain too long", id.Key())
}

// ChargeGeneration takes the generation cost from a non-subscribed owner. The
// generation id keys the transaction, so a re-run after a crash charges once.
// A guest merged into a user is charged on the user.
func (s *LedgerService) ChargeGeneration(ctx context.Context, owner models.Identity, generationID string) (bool, error) {
	applied, err := s.charge(ctx, owner, generationID)
	if errors.Is(err, models.ErrAccountMigrated) {
		// Merged between resolving and decrementing.
		applied, err = s.charge(ctx, owner, generationID)
	}
	return applied, err
}

func (s *LedgerService) charge(ctx context.Context, owner models.Identity, generationID string) (bool, error) {
	current, err := s.Resolve(ctx, owner)
	if err != nil {
		return false, fmt.Errorf("resolve owner: %w", err)
	}
	acc, err := s.accounts.Get(ctx, current)
	if err != nil {
		return false, fmt.Errorf("load owner account: %w", err)
	}
	if acc.IsSubscribed {
		s.metrics.LedgerOps.WithLabelValues("decrement", "unlimited").Inc()
		return false, nil
	}
	_, applied, err := s.accounts.Decrement(ctx, current, s.cfg.GenerationCost, "generation:"+generationID)
	s.metrics.Ledger("decrement", err)
	if err != nil {
		return false, fmt.Errorf("decrement credits: %w", err)
	}
	if current != owner {
		s.log.Info("charge redirected to merged account", "identity", owner.Key(), "charged", current.Key(), "generation_id", generationID)
	}
	return applied, nil
}

func (s *LedgerService) Grant(ctx context.Context, id models.Identity, amount int, key string, txType models.TransactionType) (bool, error) {
	_, applied, err := s.accounts.Grant(ctx, id, amount, key, txType)
	s.metrics.Ledger("grant", err)
	if err != nil {
		return false, fmt.Errorf("grant %s: %w", txType, err)
	}
	return applied, nil
}

// SetSubscriptionState writes the entitlement and copies it to every other
// account on the same device. Propagation failures are logged only.
func (s *LedgerService) SetSubscriptionState(ctx context.Context, id models.Identity, state models.Entitlement) (*models.Account, error) {
	acc, err := s.accounts.SetSubscriptionState(ctx, id, state)
	s.metrics.Ledger("subscription_state", err)
	if err != nil {
		return nil, fmt.Errorf("set subscription state: %w", err)
	}
	if acc.DeviceID != "" {
		n, err := s.accounts.PropagateEntitlement(ctx, acc.DeviceID, id, acc.Entitlement())
		if err != nil {
			s.log.Warn("propagate entitlement", "identity", id.Key(), "device_id", acc.DeviceID, "err", err)
		} else if n > 0 {
			s.log.Info("entitlement propagated", "identity", id.Key(), "device_id", acc.DeviceID, "accounts", n)
		}
	}
	return acc, nil
}

// AwardBonus grants a rating or verification bonus once per account.
// Verification needs an authenticated user.
func (s *LedgerService) AwardBonus(ctx context.Context, id models.Identity, kind BonusKind) (bool, *models.Account, error) {
	var (
		flag   models.BonusFlag
		txType models.TransactionType
		amount int
	)
	switch kind {
	case BonusRating:
		flag, txType, amount = models.FlagRatingBonus, models.TxRatingBonus, s.cfg.RatingBonusCredits
	case BonusVerification:
		if id.IsGuest() {
			return false, nil, fmt.Errorf("%w: verification bonus requires a signed-in user", models.ErrInvalidIdentity)
		}
		flag, txType, amount = models.FlagVerificationBonus, models.TxVerificationBonus, s.cfg.VerificationBonusCredits
	default:
		return false, nil, fmt.Errorf("%w: %q", ErrUnknownBonus, kind)
	}

	awarded, err := s.accounts.AwardOneTimeBonus(ctx, id, amount, flag, txType)
	s.metrics.Ledger(string(txType), err)
	if err != nil {
		return false, nil, fmt.Errorf("award %s bonus: %w", kind, err)
	}
	acc, err := s.accounts.Get(ctx, id)
	if err != nil {
		return false, nil, err
	}
	if awarded {
		s.log.Info("bonus awarded", "identity", id.Key(), "kind", kind, "credits", amount)
	}
	return awarded, acc, nil
}

// ExpireTrials switches off trials whose window has passed.
func (s *LedgerService) ExpireTrials(ctx context.Context) (int64, error) {
	n, err := s.accounts.ExpireTrials(ctx, s.now())
	if err != nil {
		return 0, fmt.Errorf("expire trials: %w", err)
	}
	s.metrics.TrialsExpired.Add(float64(n))
	if n > 0 {
		s.log.Info("trials expired", "accounts", n)
	}
	return n, nil
}
