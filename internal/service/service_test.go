package service

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/digkill/restyle/internal/config"
	"github.com/digkill/restyle/internal/metrics"
	"github.com/digkill/restyle/internal/models"
	"github.com/digkill/restyle/internal/repository/memory"
	"github.com/digkill/restyle/internal/styles"
	"github.com/digkill/restyle/pkg/logger"
)

var jpegBytes = []byte("\xff\xd8\xff\xe0\x00\x10JFIF\x00\x01\x01\x00\x00\x01\x00\x01\x00\x00")

type fakeUploader struct {
	mu      sync.Mutex
	uploads []string
	err     error
}

func (f *fakeUploader) Upload(_ context.Context, prefix string, _ []byte, contentType string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	url := fmt.Sprintf("https://cdn.example.com/%s/%d.jpg", prefix, len(f.uploads))
	f.uploads = append(f.uploads, url+"|"+contentType)
	return url, nil
}

type countingTrigger struct {
	mu sync.Mutex
	n  int
}

func (c *countingTrigger) Trigger() {
	c.mu.Lock()
	c.n++
	c.mu.Unlock()
}

func (c *countingTrigger) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

type env struct {
	cfg         config.Config
	store       *memory.Store
	ledger      *LedgerService
	generations *GenerationService
	webhooks    *WebhookService
	migrations  *MigrationService
	uploads     *fakeUploader
	trigger     *countingTrigger
}

func testConfig() config.Config {
	return config.Config{
		GenerationCost:           200,
		TrialCredits:             1000,
		TrialDays:                3,
		RatingBonusCredits:       200,
		VerificationBonusCredits: 200,
		JobMaxAttempts:           3,
		S3OriginalsPrefix:        "originals",
		S3ResultsPrefix:          "generated",
		CreditPacks:              map[string]int{"credits_1000": 1000},
	}
}

func newEnv(t *testing.T, mutate ...func(*config.Config)) *env {
	t.Helper()
	cfg := testConfig()
	for _, fn := range mutate {
		fn(&cfg)
	}
	log := logger.NewWithWriter(io.Discard, "error", "json")
	m := metrics.Nop()
	store := memory.New(models.RetryPolicy{MaxAttempts: cfg.JobMaxAttempts})
	uploads := &fakeUploader{}
	trigger := &countingTrigger{}
	ledger := NewLedgerService(cfg, log, store.Accounts(), m)
	return &env{
		cfg:         cfg,
		store:       store,
		ledger:      ledger,
		generations: NewGenerationService(cfg, log, store.Generations(), store.Jobs(), ledger, styles.Default(), uploads, trigger, m),
		webhooks:    NewWebhookService(cfg, log, store, ledger, m),
		migrations:  NewMigrationService(log, store),
		uploads:     uploads,
		trigger:     trigger,
	}
}

func (e *env) fund(t *testing.T, id models.Identity, credits int) {
	t.Helper()
	_, err := e.ledger.EnsureAccount(context.Background(), id, "")
	require.NoError(t, err)
	if credits > 0 {
		_, err = e.ledger.Grant(context.Background(), id, credits, "seed:"+id.Key(), models.TxPurchase)
		require.NoError(t, err)
	}
}

func (e *env) credits(t *testing.T, id models.Identity) int {
	t.Helper()
	acc, err := e.ledger.Account(context.Background(), id)
	require.NoError(t, err)
	return acc.Credits
}
