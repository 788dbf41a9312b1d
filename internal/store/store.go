// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/containerd/errdefs"
	"github.com/krishimitra/farmvoice/internal/domain"
)

// ErrNotFound is returned when a conversation does not exist.
var ErrNotFound = fmt.Errorf("conversation %w", errdefs.ErrNotFound)

// PreferenceStore persists the farmer profile. Last write wins.
type PreferenceStore interface {
	// GetPreferences returns the stored preferences, or an empty value when none exist.
	GetPreferences(ctx context.Context, profileID string) (*domain.FarmPreferences, error)

	// SavePreferences overwrites the stored preferences.
	SavePreferences(ctx context.Context, profileID string, prefs *domain.FarmPreferences) error
}

// ConversationStore persists completed voice conversations.
type ConversationStore interface {
	// SaveConversation inserts or updates a conversation by ID.
	// Conversations without turns are never written.
	SaveConversation(ctx context.Context, conv *domain.Conversation) error

	// GetConversation returns a conversation or ErrNotFound.
	GetConversation(ctx context.Context, id string) (*domain.Conversation, error)

	// ListConversations returns a profile's conversations, most recently updated first.
	ListConversations(ctx context.Context, profileID string) ([]*domain.Conversation, error)

	// DeleteConversation removes a conversation. Deleting a missing ID returns ErrNotFound.
	DeleteConversation(ctx context.Context, id string) error

	// ClearConversations removes every conversation of a profile.
	ClearConversations(ctx context.Context, profileID string) (int64, error)

	// DeleteConversationsBefore removes conversations last updated before cutoff.
	DeleteConversationsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Repository is the full local store used by the gateway.
type Repository interface {
	PreferenceStore
	ConversationStore

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
