// Package domain contains core domain types for the farm voice assistant.
package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// Role identifies who produced a conversation turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// titleLimit is the number of characters of the first user turn kept in a title.
const titleLimit = 30

// ConversationTurn is one transcript entry. Turns are never modified after creation.
type ConversationTurn struct {
	Role      Role      `json:"type"`
	Text      string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Conversation aggregates the turns of one voice session.
type Conversation struct {
	ID        string             `json:"id"`
	ProfileID string             `json:"-"`
	Title     string             `json:"title"`
	Turns     []ConversationTurn `json:"messages"`
	CreatedAt time.Time          `json:"createdAt"`
	UpdatedAt time.Time          `json:"updatedAt"`
}

// NewConversation starts an empty conversation.
func NewConversation(id, profileID string, now time.Time) *Conversation {
	return &Conversation{
		ID:        id,
		ProfileID: profileID,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// AppendTurn adds a turn to the transcript and refreshes the title.
func (c *Conversation) AppendTurn(role Role, text string, at time.Time) ConversationTurn {
	turn := ConversationTurn{Role: role, Text: text, Timestamp: at}
	c.Turns = append(c.Turns, turn)
	c.UpdatedAt = at
	c.Title = c.DeriveTitle()
	return turn
}

// IsEmpty reports whether the conversation has no turns.
func (c *Conversation) IsEmpty() bool {
	return len(c.Turns) == 0
}

// RecentTurns returns the last n turns.
func (c *Conversation) RecentTurns(n int) []ConversationTurn {
	if n >= len(c.Turns) {
		return c.Turns
	}
	return c.Turns[len(c.Turns)-n:]
}

// DeriveTitle returns the first user turn truncated to 30 characters, or a
// timestamp based fallback when the farmer never spoke.
func (c *Conversation) DeriveTitle() string {
	for _, turn := range c.Turns {
		if turn.Role != RoleUser || turn.Text == "" {
			continue
		}
		return TruncateTitle(turn.Text)
	}
	return fmt.Sprintf("Conversation %s", c.CreatedAt.Local().Format("02 Jan 2006 15:04"))
}

// TruncateTitle shortens text to the title limit, appending an ellipsis when cut.
func TruncateTitle(text string) string {
	runes := []rune(text)
	if len(runes) <= titleLimit {
		return text
	}
	return string(runes[:titleLimit]) + "..."
}

// Clone returns a deep copy safe to hand to another goroutine.
func (c *Conversation) Clone() *Conversation {
	cp := *c
	cp.Turns = append([]ConversationTurn(nil), c.Turns...)
	return &cp
}

// MessagesJSON encodes the turns in the persisted record format.
func (c *Conversation) MessagesJSON() (string, error) {
	turns := c.Turns
	if turns == nil {
		turns = []ConversationTurn{}
	}
	data, err := json.Marshal(turns)
	if err != nil {
		return "", fmt.Errorf("marshal conversation turns: %w", err)
	}
	return string(data), nil
}
