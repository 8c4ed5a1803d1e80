package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/digkill/restyle/internal/models"
	"github.com/digkill/restyle/internal/service"
)

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := classify(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		s.log.Error("http handler error", "method", r.Method, "path", r.URL.Path, "request_id", middleware.GetReqID(r.Context()), "err", err)
		msg = "internal error"
	}
	s.writeJSON(w, status, errorResponse{Error: msg, Code: code})
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, errUnauthorized):
		return http.StatusUnauthorized, "unauthorized"
	case errors.Is(err, models.ErrInsufficientCredits):
		return http.StatusPaymentRequired, "insufficient_credits"
	case errors.Is(err, models.ErrGenerationNotFound), errors.Is(err, models.ErrJobNotFound), errors.Is(err, models.ErrAccountNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, models.ErrAccountMigrated):
		return http.StatusConflict, "account_migrated"
	case errors.Is(err, models.ErrGuestAlreadyMigrated):
		return http.StatusConflict, "guest_already_migrated"
	case errors.Is(err, models.ErrDuplicateJob):
		return http.StatusConflict, "duplicate_job"
	case errors.Is(err, models.ErrInvalidTransition):
		return http.StatusConflict, "invalid_state"
	case errors.Is(err, models.ErrUnknownStyle):
		return http.StatusBadRequest, "unknown_style"
	case errors.Is(err, models.ErrInvalidIdentity):
		return http.StatusBadRequest, "invalid_identity"
	case errors.Is(err, models.ErrInvalidRequest), errors.Is(err, service.ErrUnknownBonus):
		return http.StatusBadRequest, "invalid_request"
	default:
		return http.StatusInternalServerError, "internal"
	}
}
