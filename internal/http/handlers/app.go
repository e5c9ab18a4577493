package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"server/internal/credits"
	"server/internal/domain"
	"server/internal/infra"
	"server/internal/meshops"
	"server/internal/metrics"
	"server/internal/middleware"
	"server/internal/pipeline"
	"server/internal/sqlinline"
	"server/internal/storage"
)

// App bundles the dependencies HTTP handlers need.
type App struct {
	Engine   *pipeline.Engine
	Ledger   *credits.Ledger
	MeshOps  *meshops.Client
	Blobs    *storage.FileStore
	Recorder *metrics.Recorder
	SQL      infra.SQLExecutor
	Logger   zerolog.Logger
}

func (a *App) json(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (a *App) error(w http.ResponseWriter, code int, errCode, message string) {
	a.json(w, code, map[string]any{"error": map[string]string{"code": errCode, "message": message}})
}

// domainError maps sentinel domain errors onto HTTP status codes.
func (a *App) domainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		a.error(w, http.StatusNotFound, "not_found", "resource not found")
	case errors.Is(err, domain.ErrInvalidInput):
		a.error(w, http.StatusBadRequest, "invalid_input", err.Error())
	case errors.Is(err, domain.ErrInvalidTransition):
		a.error(w, http.StatusConflict, "invalid_transition", err.Error())
	case errors.Is(err, domain.ErrInsufficientCredits):
		a.error(w, http.StatusPaymentRequired, "insufficient_credits", "not enough credits for this operation")
	case errors.Is(err, domain.ErrDuplicateOperation):
		a.error(w, http.StatusConflict, "duplicate_operation", err.Error())
	case errors.Is(err, domain.ErrUnauthorized):
		a.error(w, http.StatusUnauthorized, "unauthorized", "unauthorized")
	default:
		a.Logger.Error().Err(err).Msg("handler: internal error")
		a.error(w, http.StatusInternalServerError, "internal", "internal error")
	}
}

func (a *App) currentUserID(r *http.Request) string {
	return middleware.UserIDFromContext(r.Context())
}

// audit appends a usage event for billing analytics. The request outcome
// stands on its own, so write failures are swallowed.
func (a *App) audit(r *http.Request, event string, success bool, started time.Time, props map[string]any) {
	if a.SQL == nil {
		return
	}
	payload := []byte(`{}`)
	if len(props) > 0 {
		if raw, err := json.Marshal(props); err == nil {
			payload = raw
		}
	}
	_, _ = a.SQL.Exec(r.Context(), sqlinline.QInsertUsageEvent,
		a.currentUserID(r),
		middleware.RequestIDFromContext(r.Context()),
		event, success, time.Since(started).Milliseconds(), payload)
}
