package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/krishimitra/farmvoice/internal/identity"
	"github.com/krishimitra/farmvoice/internal/voice"
)

const (
	outboundQueue = 64
	writeTimeout  = 5 * time.Second
)

// Client intents.
const (
	IntentStart  = "start"
	IntentStop   = "stop"
	IntentToggle = "toggle"
	IntentStatus = "status"
	IntentPing   = "ping"
)

// WebSocketHandler serves /ws/voice: intents in, controller updates out.
type WebSocketHandler struct {
	mgr           *Manager
	allowedOrigin string
	isDev         bool
	logger        *slog.Logger
}

// NewWebSocketHandler creates a new WebSocket handler.
func NewWebSocketHandler(mgr *Manager, allowedOrigin string, isDev bool, logger *slog.Logger) *WebSocketHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebSocketHandler{
		mgr:           mgr,
		allowedOrigin: allowedOrigin,
		isDev:         isDev,
		logger:        logger,
	}
}

type clientMessage struct {
	Type string `json:"type"`
}

type statusMessage struct {
	Type   string       `json:"type"`
	Status voice.Status `json:"status"`
}

type errorMessage struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

type client struct {
	ws        *websocket.Conn
	ctrl      *voice.Controller
	out       chan any
	logger    *slog.Logger
	profileID string
}

// ServeHTTP implements http.Handler for WebSocket upgrade.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	profileID := identity.ProfileIDFromContext(r.Context())
	sessionID := identity.SessionIDFromContext(r.Context())
	logger := h.logger.With("profile_id", profileID, "session_id", sessionID)
	logger.Info("WebSocket connection request", "ip", identity.IPFromRequest(r))

	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ctrl, err := h.mgr.Controller(profileID)
	if err != nil {
		logger.Error("Voice controller unavailable", "error", err)
		http.Error(w, "voice unavailable", http.StatusServiceUnavailable)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		logger.Error("Failed to accept WebSocket", "error", err)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			logger.Debug("Failed to close websocket", "error", closeErr)
		}
	}()

	h.mgr.Register(profileID, sessionID, ws)

	ctx, cancel := context.WithCancel(r.Context())
	c := &client{
		ws:        ws,
		ctrl:      ctrl,
		out:       make(chan any, outboundQueue),
		logger:    logger,
		profileID: profileID,
	}
	unsubscribe := ctrl.Subscribe(func(u voice.Update) { c.enqueue(u) })
	c.enqueue(statusMessage{Type: IntentStatus, Status: ctrl.Status()})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer cancel()
		c.outputLoop(ctx)
	}()

	c.inputLoop(ctx, &wg)
	cancel()
	unsubscribe()
	wg.Wait()

	if remaining := h.mgr.Unregister(profileID, sessionID, ws); remaining == 0 {
		if err := ctrl.Stop(context.Background()); err != nil {
			logger.Warn("Failed to stop voice session after disconnect", "error", err)
		}
	}
	logger.Info("Voice client session ended")
}

func (h *WebSocketHandler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "*" || origin == h.allowedOrigin {
		return true
	}
	h.logger.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}

// enqueue never blocks; controller observers run on the session goroutine.
func (c *client) enqueue(msg any) {
	select {
	case c.out <- msg:
	default:
		c.logger.Warn("Dropping update for slow client")
	}
}

func (c *client) inputLoop(ctx context.Context, wg *sync.WaitGroup) {
	for {
		_, data, err := c.ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 || ctx.Err() != nil {
				c.logger.Debug("WebSocket closed by client")
			} else {
				c.logger.Warn("WebSocket read error", "error", err)
			}
			return
		}

		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.enqueue(errorMessage{Type: "error", Error: "invalid message"})
			continue
		}

		switch msg.Type {
		case IntentStart:
			c.start(ctx, wg)
		case IntentStop:
			if err := c.ctrl.Stop(ctx); err != nil {
				c.logger.Warn("Stop failed", "error", err)
			}
		case IntentToggle:
			if c.ctrl.Stage() == voice.StageIdle {
				c.start(ctx, wg)
			} else if err := c.ctrl.Stop(ctx); err != nil {
				c.logger.Warn("Stop failed", "error", err)
			}
		case IntentStatus:
			c.enqueue(statusMessage{Type: IntentStatus, Status: c.ctrl.Status()})
		case IntentPing:
			c.enqueue(map[string]string{"type": "pong"})
		default:
			c.enqueue(errorMessage{Type: "error", Error: "unknown intent: " + msg.Type})
		}
	}
}

// start negotiates in the background so a stop intent can still be read.
func (c *client) start(ctx context.Context, wg *sync.WaitGroup) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		err := c.ctrl.Start(ctx)
		switch {
		case err == nil, errors.Is(err, voice.ErrAborted):
		case errors.Is(err, voice.ErrSessionActive):
			c.enqueue(errorMessage{Type: "error", Error: err.Error()})
		default:
			// The alert already reached the client through the observer.
			c.logger.Warn("Voice session failed to start", "error", err)
		}
	}()
}

func (c *client) outputLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-c.out:
			if err := c.writeJSON(ctx, msg); err != nil {
				if ctx.Err() == nil {
					c.logger.Debug("WebSocket write error", "error", err)
				}
				return
			}
		}
	}
}

func (c *client) writeJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return c.ws.Write(writeCtx, websocket.MessageText, data)
}
