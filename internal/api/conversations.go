package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/krishimitra/farmvoice/internal/domain"
	"github.com/krishimitra/farmvoice/internal/identity"
	"github.com/krishimitra/farmvoice/internal/store"
)

// ConversationHandler serves saved conversations of the calling profile.
type ConversationHandler struct {
	*Handler
}

// NewConversationHandler creates a new conversation handler.
func NewConversationHandler(base *Handler) *ConversationHandler {
	return &ConversationHandler{Handler: base}
}

// RegisterRoutes registers conversation routes.
func (h *ConversationHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api/conversations", func(r chi.Router) {
		r.Get("/", h.List)
		r.Delete("/", h.Clear)
		r.Get("/{id}", h.Get)
		r.Delete("/{id}", h.Delete)
	})
}

// List returns the profile's conversations, most recent first.
func (h *ConversationHandler) List(w http.ResponseWriter, r *http.Request) {
	profileID := identity.ProfileIDFromContext(r.Context())
	convs, err := h.repo.ListConversations(r.Context(), profileID)
	if err != nil {
		h.writeError(w, r, "list conversations", err)
		return
	}
	if convs == nil {
		convs = []*domain.Conversation{}
	}
	JSON(w, http.StatusOK, convs)
}

// Get returns one conversation. Other profiles' conversations are reported as missing.
func (h *ConversationHandler) Get(w http.ResponseWriter, r *http.Request) {
	conv, ok := h.owned(w, r)
	if !ok {
		return
	}
	JSON(w, http.StatusOK, conv)
}

// Delete removes one conversation.
func (h *ConversationHandler) Delete(w http.ResponseWriter, r *http.Request) {
	conv, ok := h.owned(w, r)
	if !ok {
		return
	}
	if err := h.repo.DeleteConversation(r.Context(), conv.ID); err != nil {
		h.writeError(w, r, "delete conversation", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Clear removes every conversation of the profile.
func (h *ConversationHandler) Clear(w http.ResponseWriter, r *http.Request) {
	profileID := identity.ProfileIDFromContext(r.Context())
	n, err := h.repo.ClearConversations(r.Context(), profileID)
	if err != nil {
		h.writeError(w, r, "clear conversations", err)
		return
	}
	h.logger.Info("Conversations cleared", "profile_id", profileID, "count", n)
	JSON(w, http.StatusOK, map[string]int64{"deleted": n})
}

func (h *ConversationHandler) owned(w http.ResponseWriter, r *http.Request) (*domain.Conversation, bool) {
	profileID := identity.ProfileIDFromContext(r.Context())
	conv, err := h.repo.GetConversation(r.Context(), chi.URLParam(r, "id"))
	if err == nil && conv.ProfileID != profileID {
		err = store.ErrNotFound
	}
	if err != nil {
		h.writeError(w, r, "get conversation", err)
		return nil, false
	}
	return conv, true
}
