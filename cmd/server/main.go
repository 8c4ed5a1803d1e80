package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"log/slog"
	"os/signal"
	"sync"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/digkill/restyle/internal/api"
	"github.com/digkill/restyle/internal/config"
	"github.com/digkill/restyle/internal/database"
	"github.com/digkill/restyle/internal/kie"
	"github.com/digkill/restyle/internal/metrics"
	"github.com/digkill/restyle/internal/models"
	"github.com/digkill/restyle/internal/notify"
	"github.com/digkill/restyle/internal/repository"
	"github.com/digkill/restyle/internal/repository/memory"
	"github.com/digkill/restyle/internal/service"
	"github.com/digkill/restyle/internal/storage"
	"github.com/digkill/restyle/internal/styles"
	"github.com/digkill/restyle/internal/worker"
	"github.com/digkill/restyle/pkg/logger"
)

type stores struct {
	accounts    repository.AccountStore
	generations repository.GenerationStore
	jobs        repository.JobQueue
	events      repository.WebhookEventStore
	migrator    repository.Migrator
	db          *sql.DB
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logr := logger.New()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	policy := models.RetryPolicy{
		MaxAttempts: cfg.JobMaxAttempts,
		BaseBackoff: cfg.JobRetryBackoff,
		MaxBackoff:  cfg.JobRetryMaxBackoff,
	}
	st, err := openStores(ctx, cfg, policy, logr)
	if err != nil {
		log.Fatalf("store: %v", err)
	}
	if st.db != nil {
		defer st.db.Close()
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	uploader, err := storage.NewUploader(storage.Config{
		Endpoint:      cfg.S3Endpoint,
		Region:        cfg.S3Region,
		AccessKey:     cfg.S3AccessKey,
		SecretKey:     cfg.S3SecretKey,
		Bucket:        cfg.S3Bucket,
		PublicBaseURL: cfg.S3PublicBaseURL,
		UsePathStyle:  cfg.S3UsePathStyle,
	})
	if err != nil {
		log.Fatalf("storage uploader: %v", err)
	}

	alerts, err := notify.Dial(cfg.TelegramBotToken, cfg.TelegramAlertChatID, logr)
	if err != nil {
		logr.Warn("telegram alerts disabled", "err", err)
		alerts = notify.Nop{}
	}

	catalog := styles.Default()
	ledger := service.NewLedgerService(cfg, logr, st.accounts, m)

	w := worker.New(worker.Options{
		PollInterval:  cfg.WorkerPollInterval,
		StaleAfter:    cfg.JobStaleAfter,
		ResultsPrefix: cfg.S3ResultsPrefix,
	}, worker.Deps{
		Jobs:        st.jobs,
		Generations: st.generations,
		Provider:    kie.NewClient(cfg, logr),
		Storage:     uploader,
		Ledger:      ledger,
		Styles:      catalog,
		Notifier:    alerts,
		Metrics:     m,
		Log:         logr,
	})

	generations := service.NewGenerationService(cfg, logr, st.generations, st.jobs, ledger, catalog, uploader, w, m)
	migrations := service.NewMigrationService(logr, st.migrator)
	webhooks := service.NewWebhookService(cfg, logr, st.events, ledger, m)

	sweeps, err := scheduleSweeps(cfg, logr, w, ledger)
	if err != nil {
		log.Fatalf("schedule sweeps: %v", err)
	}
	sweeps.Start()
	defer func() { <-sweeps.Stop().Done() }()

	server := api.NewServer(api.Options{
		Addr:           cfg.HTTPListenAddr,
		JWTSecret:      cfg.JWTSecret,
		AdminUsername:  cfg.AdminUsername,
		AdminPassword:  cfg.AdminPassword,
		RevenueCatAuth: cfg.RevenueCatWebhookAuth,
	}, logr, ledger, generations, migrations, webhooks, w, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	var wg sync.WaitGroup
	if cfg.WorkerEnabled {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logr.Error("worker stopped", "err", err)
			}
		}()
	}

	if err := server.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logr.Error("http server stopped", "err", err)
		stop()
	}
	wg.Wait()
}

func openStores(ctx context.Context, cfg config.Config, policy models.RetryPolicy, logr *slog.Logger) (*stores, error) {
	if cfg.StoreDriver == "memory" {
		logr.Warn("using in-memory store, data is lost on restart")
		mem := memory.New(policy)
		return &stores{
			accounts:    mem.Accounts(),
			generations: mem.Generations(),
			jobs:        mem.Jobs(),
			events:      mem,
			migrator:    mem,
		}, nil
	}

	db, err := database.Connect(cfg)
	if err != nil {
		return nil, err
	}
	if err := database.Migrate(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return &stores{
		accounts:    repository.NewAccountRepository(db),
		generations: repository.NewGenerationRepository(db),
		jobs:        repository.NewJobRepository(db, policy),
		events:      repository.NewWebhookEventRepository(db),
		migrator:    repository.NewMigrationRepository(db),
		db:          db,
	}, nil
}
