package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

// Pinger reports storage reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ClientConfig is what the presentation layer needs to know about the gateway.
type ClientConfig struct {
	IssuerEnabled    bool     `json:"issuer_enabled"`
	KnowledgeEnabled bool     `json:"knowledge_enabled"`
	Model            string   `json:"model"`
	Voice            string   `json:"voice"`
	Tools            []string `json:"tools"`
	RetentionSeconds int64    `json:"retention_seconds,omitempty"`
}

// HealthHandler serves /health and /api/config.
type HealthHandler struct {
	db     Pinger
	client ClientConfig
}

// NewHealthHandler creates a health handler.
func NewHealthHandler(db Pinger, client ClientConfig) *HealthHandler {
	if client.Tools == nil {
		client.Tools = []string{}
	}
	return &HealthHandler{db: db, client: client}
}

// RegisterHealth registers the health and config routes.
func (h *HealthHandler) RegisterHealth(r chi.Router) {
	r.Get("/health", h.Health)
	r.Get("/api/config", h.Config)
}

// Health reports whether the local database answers.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := h.db.Ping(ctx); err != nil {
		JSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "database": err.Error()})
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "ok", "database": "ok"})
}

// Config returns the client configuration.
func (h *HealthHandler) Config(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, h.client)
}
