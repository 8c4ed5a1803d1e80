package service

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/digkill/restyle/internal/models"
)

func TestParseRevenueCat(t *testing.T) {
	cases := []struct {
		name string
		body string
		want EventType
	}{
		{"trial", `{"event":{"id":"1","type":"INITIAL_PURCHASE","period_type":"TRIAL","app_user_id":"42"}}`, EventTrialStarted},
		{"purchase", `{"event":{"id":"2","type":"INITIAL_PURCHASE","period_type":"NORMAL","app_user_id":"42"}}`, EventSubscriptionStarted},
		{"renewal", `{"event":{"id":"3","type":"RENEWAL","app_user_id":"42"}}`, EventRenewal},
		{"conversion", `{"event":{"id":"4","type":"RENEWAL","is_trial_conversion":true,"app_user_id":"42"}}`, EventTrialConverted},
		{"cancellation", `{"event":{"id":"5","type":"CANCELLATION","app_user_id":"42"}}`, EventCancellation},
		{"expiration", `{"event":{"id":"6","type":"EXPIRATION","app_user_id":"42"}}`, EventExpiration},
		{"pack", `{"event":{"id":"7","type":"NON_RENEWING_PURCHASE","product_id":"credits_1000","app_user_id":"42"}}`, EventCreditPack},
		{"other", `{"event":{"id":"8","type":"TRANSFER","app_user_id":"42"}}`, EventUnknown},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ev, err := ParseRevenueCat([]byte(tc.body))
			require.NoError(t, err)
			assert.Equal(t, tc.want, ev.Type)
			assert.Equal(t, ProviderRevenueCat, ev.Provider)
			assert.Equal(t, models.UserIdentity("42"), ev.Identity)
		})
	}
}

func TestParseRevenueCatFields(t *testing.T) {
	body := `{"event":{"id":"evt_1","type":"INITIAL_PURCHASE","period_type":"TRIAL","app_user_id":"guest:dev-1",
		"product_id":"pro_monthly","purchased_at_ms":1735689600000,"expiration_at_ms":1735948800000}}`
	ev, err := ParseRevenueCat([]byte(body))
	require.NoError(t, err)
	assert.Equal(t, "evt_1", ev.ID)
	assert.Equal(t, models.GuestIdentity("dev-1"), ev.Identity)
	assert.Equal(t, "pro_monthly", ev.ProductID)
	require.NotNil(t, ev.PeriodStart)
	require.NotNil(t, ev.PeriodEnd)
	assert.Equal(t, time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), *ev.PeriodStart)
	assert.Equal(t, 72*time.Hour, ev.PeriodEnd.Sub(*ev.PeriodStart))

	_, err = ParseRevenueCat([]byte(`not json`))
	assert.ErrorIs(t, err, models.ErrInvalidRequest)
}

func TestParseYooKassa(t *testing.T) {
	body := `{"type":"notification","event":"payment.succeeded","object":{"id":"pay-1","status":"succeeded",
		"metadata":{"identity":"user:5","product_id":"credits_1000"}}}`
	ev, err := ParseYooKassa([]byte(body))
	require.NoError(t, err)
	assert.Equal(t, EventCreditPack, ev.Type)
	assert.Equal(t, "payment.succeeded:pay-1", ev.ID)
	assert.Equal(t, models.UserIdentity("5"), ev.Identity)
	assert.Equal(t, "credits_1000", ev.ProductID)

	canceled := `{"event":"payment.canceled","object":{"id":"pay-1","status":"canceled"}}`
	ev, err = ParseYooKassa([]byte(canceled))
	require.NoError(t, err)
	assert.Equal(t, EventUnknown, ev.Type)
	assert.Equal(t, "payment.canceled:pay-1", ev.ID)

	_, err = ParseYooKassa([]byte(`{"event":"payment.succeeded","object":{}}`))
	assert.ErrorIs(t, err, models.ErrInvalidRequest)
}
