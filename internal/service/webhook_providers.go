package service

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/digkill/restyle/internal/models"
)

const (
	ProviderRevenueCat = "revenuecat"
	ProviderYooKassa   = "yookassa"
)

// ParseRevenueCat decodes a RevenueCat webhook body.
func ParseRevenueCat(payload []byte) (Event, error) {
	var body struct {
		Event struct {
			ID                string `json:"id"`
			Type              string `json:"type"`
			AppUserID         string `json:"app_user_id"`
			ProductID         string `json:"product_id"`
			PeriodType        string `json:"period_type"`
			PurchasedAtMs     int64  `json:"purchased_at_ms"`
			ExpirationAtMs    int64  `json:"expiration_at_ms"`
			IsTrialConversion bool   `json:"is_trial_conversion"`
		} `json:"event"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		return Event{}, fmt.Errorf("%w: parse revenuecat webhook: %v", models.ErrInvalidRequest, err)
	}
	rc := body.Event
	ev := Event{
		Provider:    ProviderRevenueCat,
		ID:          rc.ID,
		RawType:     rc.Type,
		Identity:    identityFromAppUser(rc.AppUserID),
		ProductID:   rc.ProductID,
		PeriodStart: msTime(rc.PurchasedAtMs),
		PeriodEnd:   msTime(rc.ExpirationAtMs),
		Payload:     payload,
	}

	trial := strings.EqualFold(rc.PeriodType, "TRIAL")
	switch rc.Type {
	case "INITIAL_PURCHASE":
		if trial {
			ev.Type = EventTrialStarted
		} else {
			ev.Type = EventSubscriptionStarted
		}
	case "RENEWAL":
		if rc.IsTrialConversion {
			ev.Type = EventTrialConverted
		} else {
			ev.Type = EventRenewal
		}
	case "CANCELLATION":
		ev.Type = EventCancellation
	case "EXPIRATION":
		ev.Type = EventExpiration
	case "NON_RENEWING_PURCHASE":
		ev.Type = EventCreditPack
	default:
		ev.Type = EventUnknown
	}
	return ev, nil
}

// ParseYooKassa decodes a YooKassa notification. The payment is expected to
// carry metadata.identity and metadata.product_id.
func ParseYooKassa(payload []byte) (Event, error) {
	var evt struct {
		Event  string `json:"event"`
		Object struct {
			ID       string `json:"id"`
			Status   string `json:"status"`
			Metadata struct {
				Identity  string `json:"identity"`
				ProductID string `json:"product_id"`
			} `json:"metadata"`
		} `json:"object"`
	}
	if err := json.Unmarshal(payload, &evt); err != nil {
		return Event{}, fmt.Errorf("%w: parse yookassa webhook: %v", models.ErrInvalidRequest, err)
	}
	if evt.Object.ID == "" {
		return Event{}, fmt.Errorf("%w: yookassa webhook missing payment id", models.ErrInvalidRequest)
	}

	ev := Event{
		Provider: ProviderYooKassa,
		// One payment produces several notifications; only the event name tells them apart.
		ID:        evt.Event + ":" + evt.Object.ID,
		RawType:   evt.Event,
		Identity:  identityFromAppUser(evt.Object.Metadata.Identity),
		ProductID: evt.Object.Metadata.ProductID,
		Payload:   payload,
		Type:      EventUnknown,
	}
	if evt.Event == "payment.succeeded" && evt.Object.Status == "succeeded" {
		ev.Type = EventCreditPack
	}
	return ev, nil
}

// identityFromAppUser accepts our own "user:<id>"/"guest:<id>" keys and treats
// anything else as a user id.
func identityFromAppUser(raw string) models.Identity {
	if id, err := models.ParseIdentity(raw); err == nil {
		return id
	}
	return models.UserIdentity(raw)
}

func msTime(ms int64) *time.Time {
	if ms <= 0 {
		return nil
	}
	t := time.UnixMilli(ms).UTC()
	return &t
}
