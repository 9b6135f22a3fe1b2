package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"genwatch/internal/domain"
	"genwatch/internal/middleware"
)

type jobStatusResponse struct {
	Status        domain.JobStatus  `json:"status"`
	Images        []domain.JobImage `json:"images"`
	QueuePosition int               `json:"queuePosition,omitempty"`
	Message       string            `json:"message,omitempty"`
}

// JobStatus answers the status-poll call.
func (a *App) JobStatus(w http.ResponseWriter, r *http.Request) {
	jobID := strings.TrimSpace(chi.URLParam(r, "job_id"))
	if jobID == "" {
		a.error(w, http.StatusBadRequest, "bad_request", "job_id required")
		return
	}
	snap, err := a.Jobs.GetStatus(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			a.error(w, http.StatusNotFound, "not_found", "job not found")
			return
		}
		a.Logger.Error().Err(err).Str("job_id", jobID).Str("request_id", middleware.RequestIDFromContext(r.Context())).Msg("jobs: status lookup failed")
		a.error(w, http.StatusInternalServerError, "internal", "failed to load job")
		return
	}

	resp := jobStatusResponse{
		Status:        snap.Status,
		Images:        snap.Images,
		QueuePosition: snap.QueuePosition,
	}
	if resp.Images == nil {
		resp.Images = []domain.JobImage{}
	}
	if snap.Status == domain.JobStatusFailed {
		resp.Message = snap.ErrorMessage
	}
	a.json(w, http.StatusOK, resp)
}

// JobStream upgrades to the job event websocket.
func (a *App) JobStream(w http.ResponseWriter, r *http.Request) {
	if a.Hub == nil {
		a.error(w, http.StatusServiceUnavailable, "unavailable", "stream disabled")
		return
	}
	a.Hub.ServeWS(w, r, middleware.LocaleFromContext(r.Context()))
}
