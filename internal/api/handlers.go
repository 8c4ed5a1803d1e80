package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/digkill/restyle/internal/models"
	"github.com/digkill/restyle/internal/service"
)

const (
	maxUploadBytes  = 20 << 20
	maxWebhookBytes = 1 << 20
)

func (s *Server) handleListStyles(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{"styles": s.generations.Styles()})
}

func (s *Server) handleSubmitGeneration(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		s.writeError(w, r, fmt.Errorf("%w: %v", models.ErrInvalidRequest, err))
		return
	}
	file, header, err := r.FormFile("image")
	if err != nil {
		s.writeError(w, r, fmt.Errorf("%w: image file is required", models.ErrInvalidRequest))
		return
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		s.writeError(w, r, fmt.Errorf("%w: read image: %v", models.ErrInvalidRequest, err))
		return
	}

	keys := append([]string{}, r.MultipartForm.Value["styles"]...)
	if style := r.FormValue("style"); style != "" {
		keys = append([]string{style}, keys...)
	}
	prompt := r.FormValue("prompt")
	mime := header.Header.Get("Content-Type")
	owner := identityFrom(r.Context())

	if len(keys) <= 1 {
		var key string
		if len(keys) == 1 {
			key = keys[0]
		}
		rec, err := s.generations.SubmitGeneration(r.Context(), owner, key, data, mime, prompt)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		s.writeJSON(w, http.StatusAccepted, rec)
		return
	}

	recs, err := s.generations.SubmitBatch(r.Context(), owner, service.SubmitRequest{StyleKeys: keys, Image: data, MimeType: mime, Prompt: prompt})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]any{
		"batch_id":    recs[0].BatchID,
		"generations": recs,
	})
}

type editRequest struct {
	Prompt string `json:"prompt"`
}

func (s *Server) handleSubmitEdit(w http.ResponseWriter, r *http.Request) {
	var req editRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxWebhookBytes)).Decode(&req); err != nil {
		s.writeError(w, r, fmt.Errorf("%w: invalid json", models.ErrInvalidRequest))
		return
	}
	rec, err := s.generations.SubmitEdit(r.Context(), identityFrom(r.Context()), chi.URLParam(r, "id"), req.Prompt)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, rec)
}

func (s *Server) handleListGenerations(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	recs, err := s.generations.ListGenerations(r.Context(), identityFrom(r.Context()), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if recs == nil {
		recs = []models.GenerationRecord{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"generations": recs})
}

func (s *Server) handleGetGeneration(w http.ResponseWriter, r *http.Request) {
	rec, err := s.generations.GetGenerationStatus(r.Context(), chi.URLParam(r, "id"), identityFrom(r.Context()))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleDeleteGeneration(w http.ResponseWriter, r *http.Request) {
	if err := s.generations.DeleteGeneration(r.Context(), chi.URLParam(r, "id"), identityFrom(r.Context())); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r.Context())
	acc, err := s.ledger.Account(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, acc)
}

func (s *Server) handleAwardBonus(w http.ResponseWriter, r *http.Request) {
	kind := service.BonusKind(strings.ToLower(chi.URLParam(r, "kind")))
	awarded, acc, err := s.ledger.AwardBonus(r.Context(), identityFrom(r.Context()), kind)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"awarded": awarded, "account": acc})
}

// handleMigrate merges the guest named by the device header into the signed-in user.
func (s *Server) handleMigrate(w http.ResponseWriter, r *http.Request) {
	user := identityFrom(r.Context())
	device := deviceFrom(r.Context())
	if user.IsGuest() {
		s.writeError(w, r, errUnauthorized)
		return
	}
	if device == "" {
		s.writeError(w, r, fmt.Errorf("%w: %s header is required", models.ErrInvalidRequest, deviceHeader))
		return
	}
	res, err := s.migrations.MigrateGuestToUser(r.Context(), models.GuestIdentity(device), user)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleRevenueCatWebhook(w http.ResponseWriter, r *http.Request) {
	if s.opts.RevenueCatAuth != "" && !equal(r.Header.Get("Authorization"), s.opts.RevenueCatAuth) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	s.handleWebhook(w, r, service.ProviderRevenueCat, service.ParseRevenueCat)
}

func (s *Server) handleYooKassaWebhook(w http.ResponseWriter, r *http.Request) {
	s.handleWebhook(w, r, service.ProviderYooKassa, service.ParseYooKassa)
}

// handleWebhook acknowledges every delivery; failures are logged and left for
// provider redelivery or the reconciliation sweeps.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request, provider string, parse func([]byte) (service.Event, error)) {
	defer s.writeJSON(w, http.StatusOK, map[string]bool{"received": true})

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBytes))
	if err != nil {
		s.log.Error("read webhook body", "provider", provider, "err", err)
		return
	}
	ev, err := parse(body)
	if err != nil {
		s.log.Error("parse webhook", "provider", provider, "err", err)
		return
	}
	if err := s.webhooks.Apply(r.Context(), ev); err != nil {
		s.log.Error("apply webhook", "provider", provider, "event_id", ev.ID, "event_type", ev.RawType, "err", err)
	}
}

func (s *Server) handleTriggerWorker(w http.ResponseWriter, _ *http.Request) {
	s.worker.Trigger()
	s.writeJSON(w, http.StatusAccepted, map[string]bool{"triggered": true})
}

func (s *Server) handleReclaim(w http.ResponseWriter, r *http.Request) {
	n, err := s.worker.ReclaimStale(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]int{"reclaimed": n})
}

func (s *Server) handleRequeue(w http.ResponseWriter, r *http.Request) {
	job, err := s.generations.Requeue(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleAdminAccount(w http.ResponseWriter, r *http.Request) {
	id, err := models.ParseIdentity(chi.URLParam(r, "identity"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	acc, err := s.ledger.Account(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	txs, err := s.ledger.Transactions(r.Context(), id, 100)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if txs == nil {
		txs = []models.CreditTransaction{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"account": acc, "transactions": txs})
}
