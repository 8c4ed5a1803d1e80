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

type EventType string

const (
	EventSubscriptionStarted EventType = "subscription_started"
	EventRenewal             EventType = "renewal"
	EventTrialStarted        EventType = "trial_started"
	EventTrialConverted      EventType = "trial_converted"
	EventCancellation        EventType = "cancellation"
	EventExpiration          EventType = "expiration"
	EventCreditPack          EventType = "credit_pack"
	EventUnknown             EventType = "unknown"
)

// Event is a payment provider notification normalised for the ledger.
type Event struct {
	Provider  string
	ID        string
	Type      EventType
	RawType   string
	Identity  models.Identity
	ProductID string
	Credits   int
	// Period is the trial or billing window when the provider sends one.
	PeriodStart *time.Time
	PeriodEnd   *time.Time
	Payload     []byte
}

// IdempotencyKey scopes the provider event id so two providers cannot collide.
func (e Event) IdempotencyKey() string {
	return e.Provider + ":" + e.ID
}

// WebhookService applies payment events to the Credit Ledger. Every ledger
// call is keyed by the event id, so redelivery is a no-op.
type WebhookService struct {
	cfg     config.Config
	log     *slog.Logger
	events  repository.WebhookEventStore
	ledger  *LedgerService
	metrics *metrics.Metrics
	now     func() time.Time
}

func NewWebhookService(cfg config.Config, log *slog.Logger, events repository.WebhookEventStore, ledger *LedgerService, m *metrics.Metrics) *WebhookService {
	return &WebhookService{
		cfg:     cfg,
		log:     log,
		events:  events,
		ledger:  ledger,
		metrics: m,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Apply records and applies one event. Already-processed events and unknown
// types return nil.
func (s *WebhookService) Apply(ctx context.Context, ev Event) error {
	log := s.log.With("provider", ev.Provider, "event_id", ev.ID, "event_type", ev.RawType)
	if ev.ID == "" {
		s.metrics.WebhookEvents.WithLabelValues(ev.Provider, ev.RawType, "invalid").Inc()
		return fmt.Errorf("%w: event without id", models.ErrInvalidRequest)
	}

	if err := s.events.Begin(ctx, ev.Provider, ev.ID, ev.RawType, ev.Payload); err != nil {
		if errors.Is(err, models.ErrIdempotencyConflict) {
			log.Info("webhook event already processed")
			s.metrics.WebhookEvents.WithLabelValues(ev.Provider, ev.RawType, "duplicate").Inc()
			return nil
		}
		return fmt.Errorf("record webhook event: %w", err)
	}

	procErr := s.apply(ctx, ev, log)
	if err := s.events.Finish(ctx, ev.Provider, ev.ID, procErr); err != nil {
		log.Error("finish webhook event", "err", err)
	}

	result := "applied"
	switch {
	case procErr != nil:
		result = "error"
	case ev.Type == EventUnknown:
		result = "ignored"
	}
	s.metrics.WebhookEvents.WithLabelValues(ev.Provider, ev.RawType, result).Inc()
	return procErr
}

func (s *WebhookService) apply(ctx context.Context, ev Event, log *slog.Logger) error {
	if ev.Type == EventUnknown {
		log.Info("ignoring unknown webhook event")
		return nil
	}
	if err := ev.Identity.Validate(); err != nil {
		return err
	}
	id, err := s.ledger.Resolve(ctx, ev.Identity)
	if err != nil {
		return err
	}
	if id != ev.Identity {
		log.Info("webhook redirected to migrated account", "from", ev.Identity.Key(), "to", id.Key())
	}
	log = log.With("identity", id.Key())
	now := s.now()

	switch ev.Type {
	case EventSubscriptionStarted, EventRenewal, EventTrialConverted:
		if _, err := s.ledger.SetSubscriptionState(ctx, id, models.Entitlement{IsSubscribed: true}); err != nil {
			return err
		}
		credits := s.cfg.SubscriptionCredits
		txType := models.TxSubscriptionGrant
		if ev.Type == EventRenewal {
			credits = s.cfg.RenewalCredits
		}
		if credits > 0 {
			if _, err := s.ledger.Grant(ctx, id, credits, ev.IdempotencyKey(), txType); err != nil {
				return err
			}
		}
		log.Info("subscription active", "credits", credits)

	case EventTrialStarted:
		start := now
		if ev.PeriodStart != nil {
			start = *ev.PeriodStart
		}
		end := start.AddDate(0, 0, s.cfg.TrialDays)
		if ev.PeriodEnd != nil {
			end = *ev.PeriodEnd
		}
		state := models.Entitlement{IsTrialActive: true, TrialStartedAt: &start, TrialEndsAt: &end}
		if _, err := s.ledger.SetSubscriptionState(ctx, id, state); err != nil {
			return err
		}
		if s.cfg.TrialCredits > 0 {
			if _, err := s.ledger.Grant(ctx, id, s.cfg.TrialCredits, ev.IdempotencyKey(), models.TxTrialGrant); err != nil {
				return err
			}
		}
		log.Info("trial started", "trial_ends_at", end, "credits", s.cfg.TrialCredits)

	case EventCancellation:
		acc, err := s.ledger.Account(ctx, id)
		if err != nil && !errors.Is(err, models.ErrAccountNotFound) {
			return err
		}
		// A cancelled trial ends now; a cancelled paid plan runs until EXPIRATION.
		if acc != nil && acc.IsTrialActive {
			if _, err := s.ledger.SetSubscriptionState(ctx, id, models.Entitlement{TrialEndsAt: &now}); err != nil {
				return err
			}
			log.Info("trial cancelled")
		} else {
			log.Info("subscription cancelled, entitlement kept until expiration")
		}

	case EventExpiration:
		if _, err := s.ledger.SetSubscriptionState(ctx, id, models.Entitlement{}); err != nil {
			return err
		}
		log.Info("subscription expired")

	case EventCreditPack:
		credits := ev.Credits
		if credits <= 0 {
			credits = s.cfg.CreditPacks[ev.ProductID]
		}
		if credits <= 0 {
			return fmt.Errorf("%w: unknown credit pack %q", models.ErrInvalidRequest, ev.ProductID)
		}
		applied, err := s.ledger.Grant(ctx, id, credits, ev.IdempotencyKey(), models.TxPurchase)
		if err != nil {
			return err
		}
		log.Info("credit pack granted", "product_id", ev.ProductID, "credits", credits, "applied", applied)

	default:
		log.Info("ignoring unhandled webhook event")
	}
	return nil
}
