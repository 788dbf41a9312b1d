package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/krishimitra/farmvoice/internal/agent"
	"github.com/krishimitra/farmvoice/internal/identity"
)

// TokenIssuer mints ephemeral realtime credentials.
type TokenIssuer interface {
	Enabled() bool
	Mint(ctx context.Context) (*agent.SessionToken, error)
}

// TokenHandler serves POST /api/realtime/token for the voice controller.
type TokenHandler struct {
	issuer  TokenIssuer
	limiter *RateLimiter
	auth    string
	logger  *slog.Logger
}

// NewTokenHandler creates a token handler. When auth is set, callers must
// present it as a bearer token.
func NewTokenHandler(issuer TokenIssuer, limiter *RateLimiter, auth string, logger *slog.Logger) *TokenHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &TokenHandler{issuer: issuer, limiter: limiter, auth: auth, logger: logger}
}

// RegisterRoutes registers the token route.
func (h *TokenHandler) RegisterRoutes(r chi.Router) {
	r.Post("/api/realtime/token", h.Mint)
}

// Mint returns {"client_secret":{"value":...}} for one voice session.
func (h *TokenHandler) Mint(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(r) {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if h.issuer == nil || !h.issuer.Enabled() {
		Error(w, http.StatusServiceUnavailable, agent.ErrIssuerDisabled.Error())
		return
	}

	// Keyed by caller address: profile ids are client-chosen and could be rotated.
	key := identity.IPFromRequest(r)
	if h.limiter != nil && !h.limiter.Allow(key) {
		h.logger.Warn("Token rate limit exceeded", "ip", key)
		Error(w, http.StatusTooManyRequests, "rate_limited")
		return
	}

	token, err := h.issuer.Mint(r.Context())
	if err != nil {
		h.logger.Error("Failed to mint realtime credential", "error", err)
		status := http.StatusBadGateway
		if errors.Is(err, agent.ErrIssuerDisabled) {
			status = http.StatusServiceUnavailable
		}
		Error(w, status, "failed to create realtime session")
		return
	}
	h.logger.Info("Realtime credential issued",
		"profile_id", identity.ProfileIDFromContext(r.Context()), "realtime_session_id", token.ID)
	JSON(w, http.StatusOK, token)
}

func (h *TokenHandler) authorized(r *http.Request) bool {
	if h.auth == "" {
		return true
	}
	got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	return ok && subtle.ConstantTimeCompare([]byte(got), []byte(h.auth)) == 1
}
