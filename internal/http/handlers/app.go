package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"genwatch/internal/domain"
	"genwatch/internal/hub"
)

type App struct {
	Jobs     domain.JobStatusRepository
	Hub      *hub.Hub
	Ping     func(ctx context.Context) error
	Gatherer prometheus.Gatherer
	Logger   zerolog.Logger
}

func NewApp(jobs domain.JobStatusRepository, h *hub.Hub, ping func(context.Context) error, gatherer prometheus.Gatherer, logger zerolog.Logger) *App {
	return &App{Jobs: jobs, Hub: h, Ping: ping, Gatherer: gatherer, Logger: logger}
}

func (a *App) json(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (a *App) error(w http.ResponseWriter, code int, kind, message string) {
	a.json(w, code, errorResponse{Error: kind, Message: message})
}
