package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"forge3d/internal/broadcast"
	"forge3d/internal/domain"
	"forge3d/internal/infra"
	"forge3d/internal/jobs"
	"forge3d/internal/middleware"
)

// JobService is the part of jobs.Service the handlers call.
type JobService interface {
	CreateJob(ctx context.Context, req jobs.CreateRequest) (*domain.Job, error)
	RefineJob(ctx context.Context, userID, messageID, channelID string) (*domain.Job, error)
	RevertJob(ctx context.Context, messageID string) (*domain.Job, error)
	ResumeJob(ctx context.Context, messageID string) (*domain.Job, error)
	GetJob(ctx context.Context, messageID string) (*domain.Job, error)
}

// HealthCheck reports whether a dependency is reachable.
type HealthCheck func(ctx context.Context) error

type App struct {
	Jobs     JobService
	Registry *broadcast.Registry
	Checks   map[string]HealthCheck
	Logger   infra.Logger

	// WSPingInterval is how often idle sockets are pinged. Zero uses 30s.
	WSPingInterval time.Duration
	// CheckOrigin gates WebSocket handshakes.
	CheckOrigin func(r *http.Request) bool
}

func NewApp(svc JobService, registry *broadcast.Registry, logger *infra.Logger) *App {
	return &App{
		Jobs:     svc,
		Registry: registry,
		Checks:   map[string]HealthCheck{},
		Logger:   infra.LoggerOrDiscard(logger),
	}
}

func (a *App) json(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (a *App) error(w http.ResponseWriter, status int, code, message string) {
	a.json(w, status, map[string]errorBody{"error": {Code: code, Message: message}})
}

func (a *App) currentUserID(r *http.Request) string {
	return middleware.UserIDFromContext(r.Context())
}
