package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/digkill/restyle/internal/service"
)

// WorkerControl is the admin view of the worker.
type WorkerControl interface {
	Trigger()
	ReclaimStale(ctx context.Context) (int, error)
}

type Options struct {
	Addr           string
	JWTSecret      string
	AdminUsername  string
	AdminPassword  string
	RevenueCatAuth string
}

type Server struct {
	opts        Options
	log         *slog.Logger
	ledger      *service.LedgerService
	generations *service.GenerationService
	migrations  *service.MigrationService
	webhooks    *service.WebhookService
	worker      WorkerControl
	router      *chi.Mux
}

func NewServer(opts Options, log *slog.Logger, ledger *service.LedgerService, generations *service.GenerationService, migrations *service.MigrationService, webhooks *service.WebhookService, worker WorkerControl, metricsHandler http.Handler) *Server {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	s := &Server{
		opts:        opts,
		log:         log,
		ledger:      ledger,
		generations: generations,
		migrations:  migrations,
		webhooks:    webhooks,
		worker:      worker,
		router:      r,
	}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if metricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", metricsHandler)
	}

	r.Route("/webhooks", func(r chi.Router) {
		r.Post("/revenuecat", s.handleRevenueCatWebhook)
		r.Post("/yookassa", s.handleYooKassaWebhook)
	})

	r.Route("/v1", func(r chi.Router) {
		r.Get("/styles", s.handleListStyles)
		r.Group(func(r chi.Router) {
			r.Use(s.identityMiddleware)
			r.Route("/generations", func(r chi.Router) {
				r.Post("/", s.handleSubmitGeneration)
				r.Get("/", s.handleListGenerations)
				r.Get("/{id}", s.handleGetGeneration)
				r.Delete("/{id}", s.handleDeleteGeneration)
				r.Post("/{id}/edits", s.handleSubmitEdit)
			})
			r.Route("/account", func(r chi.Router) {
				r.Get("/", s.handleGetAccount)
				r.Post("/bonuses/{kind}", s.handleAwardBonus)
				r.Post("/migrate", s.handleMigrate)
			})
		})
	})

	r.Route("/admin", func(r chi.Router) {
		r.Use(s.basicAuthMiddleware())
		r.Post("/worker/trigger", s.handleTriggerWorker)
		r.Post("/jobs/reclaim", s.handleReclaim)
		r.Post("/generations/{id}/requeue", s.handleRequeue)
		r.Get("/accounts/{identity}", s.handleAdminAccount)
	})
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.log.Error("http shutdown error", "err", err)
		}
	}()

	s.log.Info("http server listening", "addr", s.opts.Addr)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http listen: %w", err)
	}
	return nil
}
