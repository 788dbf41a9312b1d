package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/krishimitra/farmvoice/internal/domain"
	"github.com/krishimitra/farmvoice/internal/identity"
)

// PreferencesHandler serves the farmer profile.
type PreferencesHandler struct {
	*Handler
}

// NewPreferencesHandler creates a new preferences handler.
func NewPreferencesHandler(base *Handler) *PreferencesHandler {
	return &PreferencesHandler{Handler: base}
}

// RegisterRoutes registers preference routes.
func (h *PreferencesHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api/preferences", func(r chi.Router) {
		r.Get("/", h.Get)
		r.Put("/", h.Put)
	})
}

// Get returns the stored preferences, or an empty object.
func (h *PreferencesHandler) Get(w http.ResponseWriter, r *http.Request) {
	profileID := identity.ProfileIDFromContext(r.Context())
	prefs, err := h.repo.GetPreferences(r.Context(), profileID)
	if err != nil {
		h.writeError(w, r, "get preferences", err)
		return
	}
	JSON(w, http.StatusOK, prefs)
}

// Put overwrites the stored preferences. The voice controller picks them up at
// the next session start.
func (h *PreferencesHandler) Put(w http.ResponseWriter, r *http.Request) {
	profileID := identity.ProfileIDFromContext(r.Context())

	var prefs domain.FarmPreferences
	if err := decodeBody(w, r, &prefs); err != nil {
		h.writeError(w, r, "save preferences", err)
		return
	}
	if err := h.repo.SavePreferences(r.Context(), profileID, &prefs); err != nil {
		h.writeError(w, r, "save preferences", err)
		return
	}
	h.logger.Info("Preferences saved", "profile_id", profileID)
	JSON(w, http.StatusOK, &prefs)
}
