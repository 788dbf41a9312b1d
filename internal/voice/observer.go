package voice

import "github.com/krishimitra/farmvoice/internal/domain"

// UpdateKind names a presentation update.
type UpdateKind string

const (
	UpdateStage    UpdateKind = "stage"
	UpdateTurn     UpdateKind = "turn"
	UpdateAlert    UpdateKind = "alert"
	UpdateSpeaking UpdateKind = "speaking"
)

// Update is pushed to observers as the session progresses.
type Update struct {
	Kind      UpdateKind               `json:"type"`
	Stage     Stage                    `json:"stage"`
	SessionID string                   `json:"sessionId,omitempty"`
	Turn      *domain.ConversationTurn `json:"turn,omitempty"`
	Alert     *Alert                   `json:"alert,omitempty"`
	Speaking  *bool                    `json:"speaking,omitempty"`
}

// Observer receives updates. It is called synchronously and must not block.
type Observer func(Update)

// Subscribe registers an observer and returns a function that removes it.
func (c *Controller) Subscribe(fn Observer) (unsubscribe func()) {
	c.mu.Lock()
	id := c.nextObserver
	c.nextObserver++
	c.observers[id] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.observers, id)
		c.mu.Unlock()
	}
}

func (c *Controller) notify(u Update) {
	c.mu.Lock()
	if u.Kind != UpdateStage {
		u.Stage = c.stage
	}
	observers := make([]Observer, 0, len(c.observers))
	for _, fn := range c.observers {
		observers = append(observers, fn)
	}
	c.mu.Unlock()

	for _, fn := range observers {
		fn(u)
	}
}
