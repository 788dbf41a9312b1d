package voice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/krishimitra/farmvoice/internal/agent"
	"github.com/krishimitra/farmvoice/internal/domain"
	"github.com/krishimitra/farmvoice/internal/media"
	"github.com/krishimitra/farmvoice/internal/rtc"
	"github.com/krishimitra/farmvoice/internal/tools"
	"github.com/oklog/ulid/v2"
)

const (
	sessionEventQueue = 64
	flushTimeout      = 10 * time.Second
)

// Microphone grants and opens local audio capture.
type Microphone interface {
	RequestPermission(ctx context.Context) error
	Open(ctx context.Context) (media.Capture, error)
}

// CredentialSource fetches the ephemeral key for one session.
type CredentialSource interface {
	Fetch(ctx context.Context) (string, error)
}

// Signaler exchanges the local offer for the backend's answer.
type Signaler interface {
	Exchange(ctx context.Context, ephemeralKey, offer string) (string, error)
}

// Transport establishes the peer connection.
type Transport interface {
	Connect(ctx context.Context, req rtc.ConnectRequest) (rtc.Link, error)
}

// Speaker reads assistant replies aloud.
type Speaker interface {
	Speak(ctx context.Context, text, language string) error
	Stop() error
}

// ToolSet is the set of local tools offered to the assistant.
type ToolSet interface {
	Has(name string) bool
	Schemas() []tools.Schema
	Invoke(ctx context.Context, inv domain.ToolInvocation) (string, bool)
}

// PreferenceSource supplies the farmer context read at session start.
type PreferenceSource interface {
	GetPreferences(ctx context.Context, profileID string) (*domain.FarmPreferences, error)
}

// ConversationSaver persists finished conversations.
type ConversationSaver interface {
	SaveConversation(ctx context.Context, conv *domain.Conversation) error
}

// Options wires a controller.
type Options struct {
	ProfileID string

	Microphone    Microphone
	Credentials   CredentialSource
	Signaler      Signaler
	Transport     Transport
	Tools         ToolSet
	Speaker       Speaker
	Preferences   PreferenceSource
	Conversations ConversationSaver
	EventLog      agent.ConversationLogger
	Logger        *slog.Logger

	Voice              string
	TranscriptionModel string
	EventBuffer        int
	AnswerUnknownTools bool
	NegotiationTimeout time.Duration
	ToolTimeout        time.Duration

	Now func() time.Time
}

// Controller drives one voice session at a time for a profile.
type Controller struct {
	opts   Options
	logger *slog.Logger
	now    func() time.Time

	mu           sync.Mutex
	stage        Stage
	sess         *session
	observers    map[int]Observer
	nextObserver int
}

type session struct {
	id       string
	ctx      context.Context
	cancel   context.CancelFunc
	events   chan loopEvent
	loopDone chan struct{}
	raw      *eventRing

	// Written during negotiation, before the loop starts.
	farm     domain.FarmerContext
	language string

	// Guarded by Controller.mu.
	link        rtc.Link
	capture     media.Capture
	loopStarted bool

	mu       sync.Mutex
	conv     *domain.Conversation
	pending  map[string]string
	answered map[string]struct{}
	speaking int
	flushed  bool
}

type loopEvent struct {
	link   rtc.Event
	result *toolResult
}

type toolResult struct {
	callID string
	name   string
	output string
}

// New creates an idle controller.
func New(opts Options) (*Controller, error) {
	switch {
	case opts.Microphone == nil:
		return nil, errors.New("voice: microphone is required")
	case opts.Credentials == nil:
		return nil, errors.New("voice: credential source is required")
	case opts.Signaler == nil:
		return nil, errors.New("voice: signaler is required")
	case opts.Transport == nil:
		return nil, errors.New("voice: transport is required")
	case opts.Tools == nil:
		return nil, errors.New("voice: tool set is required")
	}
	if opts.Speaker == nil {
		opts.Speaker = silentSpeaker{}
	}
	if opts.EventLog == nil {
		opts.EventLog = agent.NopConversationLogger()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Controller{
		opts:      opts,
		logger:    logger.With("profile_id", opts.ProfileID),
		now:       now,
		observers: make(map[int]Observer),
	}, nil
}

// ProfileID returns the profile this controller belongs to.
func (c *Controller) ProfileID() string { return c.opts.ProfileID }

// Start requests the microphone, fetches a credential, opens capture and
// negotiates the connection. It returns once the answer is applied; the stage
// moves to Connected when the control channel opens.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.sess != nil || c.stage != StageIdle {
		c.mu.Unlock()
		return ErrSessionActive
	}
	s := c.newSession(ctx)
	c.sess = s
	c.stage = StageNegotiating
	c.mu.Unlock()

	c.logger.Info("Voice session starting", "session_id", s.id)
	c.logLifecycle(s, "session.starting")
	c.notify(Update{Kind: UpdateStage, Stage: StageNegotiating, SessionID: s.id})

	if err := c.negotiate(ctx, s); err != nil {
		c.fail(s, err, false)
		return err
	}
	return nil
}

// Stop ends the current session: speech stops, the link and capture close and
// the conversation is saved once. Stopping an idle controller does nothing.
func (c *Controller) Stop(ctx context.Context) error {
	c.mu.Lock()
	s := c.sess
	if s == nil {
		c.mu.Unlock()
		return nil
	}
	c.sess = nil
	c.stage = StageClosing
	c.mu.Unlock()

	c.logger.Info("Voice session stopping", "session_id", s.id)
	c.notify(Update{Kind: UpdateStage, Stage: StageClosing, SessionID: s.id})
	c.teardown(ctx, s, false)
	c.setIdle(s)
	return nil
}

// Toggle starts an idle controller and stops a busy one.
func (c *Controller) Toggle(ctx context.Context) error {
	c.mu.Lock()
	idle := c.sess == nil && c.stage == StageIdle
	c.mu.Unlock()
	if idle {
		return c.Start(ctx)
	}
	return c.Stop(ctx)
}

// Stage returns the current stage.
func (c *Controller) Stage() Stage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stage
}

// Status is a point-in-time view of the controller.
type Status struct {
	ProfileID      string                    `json:"profileId"`
	Stage          Stage                     `json:"stage"`
	SessionID      string                    `json:"sessionId,omitempty"`
	ConversationID string                    `json:"conversationId,omitempty"`
	Turns          []domain.ConversationTurn `json:"turns"`
	Speaking       bool                      `json:"speaking"`
	AudioOpen      bool                      `json:"audioOpen"`
	LinkOpen       bool                      `json:"linkOpen"`
	PendingTools   int                       `json:"pendingTools"`
}

// Status returns a snapshot of the controller and its session.
func (c *Controller) Status() Status {
	c.mu.Lock()
	s := c.sess
	st := Status{ProfileID: c.opts.ProfileID, Stage: c.stage, Turns: []domain.ConversationTurn{}}
	if s != nil {
		st.SessionID = s.id
		st.AudioOpen = s.capture != nil
		st.LinkOpen = s.link != nil
	}
	c.mu.Unlock()

	if s != nil {
		s.mu.Lock()
		st.ConversationID = s.conv.ID
		st.Turns = append(st.Turns, s.conv.Turns...)
		st.Speaking = s.speaking > 0
		st.PendingTools = len(s.pending)
		s.mu.Unlock()
	}
	return st
}

// Events returns the raw inbound events of the current session, oldest first.
func (c *Controller) Events() []json.RawMessage {
	c.mu.Lock()
	s := c.sess
	c.mu.Unlock()
	if s == nil {
		return nil
	}
	return s.raw.Snapshot()
}

func (c *Controller) newSession(ctx context.Context) *session {
	sctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	return &session{
		id:       uuid.NewString(),
		ctx:      sctx,
		cancel:   cancel,
		events:   make(chan loopEvent, sessionEventQueue),
		loopDone: make(chan struct{}),
		raw:      newEventRing(c.opts.EventBuffer),
		conv:     domain.NewConversation(ulid.Make().String(), c.opts.ProfileID, c.now()),
		pending:  make(map[string]string),
		answered: make(map[string]struct{}),
	}
}

func (c *Controller) negotiate(ctx context.Context, s *session) error {
	stepCtx, cancel := context.WithCancel(s.ctx)
	defer cancel()
	stopAfter := context.AfterFunc(ctx, cancel)
	defer stopAfter()
	if c.opts.NegotiationTimeout > 0 {
		var cancelTimeout context.CancelFunc
		stepCtx, cancelTimeout = context.WithTimeout(stepCtx, c.opts.NegotiationTimeout)
		defer cancelTimeout()
	}

	stepErr := func(class error, step string, err error) error {
		if s.ctx.Err() != nil {
			return fmt.Errorf("%w: %s", ErrAborted, step)
		}
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %s: %w", ErrAborted, step, ctx.Err())
		}
		return wrapStep(class, step, err)
	}

	if err := c.opts.Microphone.RequestPermission(stepCtx); err != nil {
		return stepErr(ErrPermissionDenied, "request microphone", err)
	}

	c.loadFarmerContext(stepCtx, s)

	key, err := c.opts.Credentials.Fetch(stepCtx)
	if err != nil {
		return stepErr(ErrCredential, "fetch credential", err)
	}

	capture, err := c.opts.Microphone.Open(s.ctx)
	if err != nil {
		return stepErr(ErrCapture, "open microphone", err)
	}
	if !c.attach(s, func() { s.capture = capture }) {
		_ = capture.Close()
		return fmt.Errorf("%w: open microphone", ErrAborted)
	}

	link, err := c.opts.Transport.Connect(stepCtx, rtc.ConnectRequest{
		Label:   agent.DataChannelLabel,
		Audio:   capture.Frames(),
		OnEvent: s.deliver,
		Exchange: func(ctx context.Context, offer string) (string, error) {
			return c.opts.Signaler.Exchange(ctx, key, offer)
		},
	})
	if err != nil {
		return stepErr(ErrNegotiation, "connect", err)
	}
	if !c.attach(s, func() { s.link = link; s.loopStarted = true }) {
		_ = link.Close()
		return fmt.Errorf("%w: connect", ErrAborted)
	}
	go c.run(s)
	return nil
}

// attach hands a resource to the session unless the session has already been
// detached, in which case the caller must close it.
func (c *Controller) attach(s *session, assign func()) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess != s {
		return false
	}
	assign()
	return true
}

func (c *Controller) loadFarmerContext(ctx context.Context, s *session) {
	if c.opts.Preferences == nil {
		return
	}
	prefs, err := c.opts.Preferences.GetPreferences(ctx, c.opts.ProfileID)
	if err != nil {
		c.logger.Warn("Failed to load preferences, continuing without farm context", "session_id", s.id, "error", err)
		return
	}
	s.farm = prefs.Context()
	s.language = prefs.SpeechLanguage()
}

// fail moves the session to Error, publishes an alert and tears it down.
// Aborted starts skip the Error stage and the alert.
func (c *Controller) fail(s *session, err error, fromLoop bool) {
	c.mu.Lock()
	if c.sess != s {
		c.mu.Unlock()
		return
	}
	c.sess = nil
	alert, show := alertFor(err)
	if show {
		c.stage = StageError
	} else {
		c.stage = StageClosing
	}
	stage := c.stage
	c.mu.Unlock()

	if show {
		c.logger.Error("Voice session failed", "session_id", s.id, "error", err)
	} else {
		c.logger.Info("Voice session start aborted", "session_id", s.id, "error", err)
	}
	c.notify(Update{Kind: UpdateStage, Stage: stage, SessionID: s.id})
	if show {
		c.notify(Update{Kind: UpdateAlert, Alert: &alert, SessionID: s.id})
	}
	c.teardown(context.Background(), s, fromLoop)
	c.setIdle(s)
}

func (c *Controller) teardown(ctx context.Context, s *session, fromLoop bool) {
	s.cancel()

	c.mu.Lock()
	link, capture, started := s.link, s.capture, s.loopStarted
	c.mu.Unlock()

	if started && !fromLoop {
		<-s.loopDone
	}
	if err := c.opts.Speaker.Stop(); err != nil {
		c.logger.Debug("Stopping speech failed", "session_id", s.id, "error", err)
	}
	if link != nil {
		if err := link.Close(); err != nil {
			c.logger.Debug("Closing link failed", "session_id", s.id, "error", err)
		}
	}
	if capture != nil {
		if err := capture.Close(); err != nil {
			c.logger.Debug("Closing capture failed", "session_id", s.id, "error", err)
		}
	}
	c.flush(ctx, s)
	c.logLifecycle(s, "session.closed")
}

func (c *Controller) setIdle(s *session) {
	c.mu.Lock()
	if c.sess == nil {
		c.stage = StageIdle
	}
	c.mu.Unlock()
	c.logger.Info("Voice session ended", "session_id", s.id)
	c.notify(Update{Kind: UpdateStage, Stage: StageIdle, SessionID: s.id})
}

// flush saves the conversation at most once per session.
func (c *Controller) flush(ctx context.Context, s *session) {
	s.mu.Lock()
	if s.flushed {
		s.mu.Unlock()
		return
	}
	s.flushed = true
	conv := s.conv.Clone()
	s.mu.Unlock()

	if conv.IsEmpty() || c.opts.Conversations == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), flushTimeout)
	defer cancel()
	if err := c.opts.Conversations.SaveConversation(saveCtx, conv); err != nil {
		c.logger.Error("Failed to save conversation", "session_id", s.id, "conversation_id", conv.ID, "error", err)
		return
	}
	c.logger.Info("Conversation saved", "session_id", s.id, "conversation_id", conv.ID, "turns", len(conv.Turns))
}

// deliver is the transport callback. It preserves delivery order and gives up
// once the session ends.
func (s *session) deliver(ev rtc.Event) {
	select {
	case s.events <- loopEvent{link: ev}:
	case <-s.ctx.Done():
	}
}

func (c *Controller) run(s *session) {
	defer close(s.loopDone)
	for {
		select {
		case <-s.ctx.Done():
			return
		case ev := <-s.events:
			if ev.result != nil {
				c.sendToolResult(s, *ev.result)
				continue
			}
			if !c.handleLink(s, ev.link) {
				return
			}
		}
	}
}

func (c *Controller) handleLink(s *session, ev rtc.Event) bool {
	switch ev.Kind {
	case rtc.EventOpen:
		return c.onOpen(s)
	case rtc.EventMessage:
		c.onMessage(s, ev.Data)
		return true
	case rtc.EventClosed:
		c.onClosed(s, ev.Err)
		return false
	default:
		return true
	}
}

func (c *Controller) onOpen(s *session) bool {
	c.mu.Lock()
	if c.sess != s {
		c.mu.Unlock()
		return false
	}
	c.stage = StageConnected
	c.mu.Unlock()

	c.logger.Info("Voice session connected", "session_id", s.id)
	c.notify(Update{Kind: UpdateStage, Stage: StageConnected, SessionID: s.id})

	cfg := agent.NewSessionConfig(
		agent.Instructions(s.farm, s.language),
		c.opts.Voice,
		c.opts.TranscriptionModel,
		c.opts.Tools.Schemas(),
	)
	data, err := agent.EncodeSessionUpdate(cfg)
	if err == nil {
		err = c.send(s, agent.EventSessionUpdate, data)
	}
	if err != nil {
		c.fail(s, wrapStep(ErrNegotiation, "configure session", err), true)
		return false
	}
	return true
}

func (c *Controller) onClosed(s *session, cause error) {
	c.mu.Lock()
	owned := c.sess == s
	stage := c.stage
	c.mu.Unlock()
	if !owned {
		return
	}
	if cause == nil {
		cause = errors.New("link closed")
	}
	if stage == StageNegotiating {
		c.fail(s, wrapStep(ErrNegotiation, "control channel closed before open", cause), true)
		return
	}
	c.failLost(s, cause)
}

// failLost handles the link going away while connected.
func (c *Controller) failLost(s *session, cause error) {
	c.mu.Lock()
	if c.sess != s {
		c.mu.Unlock()
		return
	}
	c.sess = nil
	c.stage = StageError
	c.mu.Unlock()

	c.logger.Warn("Voice session connection lost", "session_id", s.id, "error", cause)
	alert := alertLost
	c.notify(Update{Kind: UpdateStage, Stage: StageError, SessionID: s.id})
	c.notify(Update{Kind: UpdateAlert, Alert: &alert, SessionID: s.id})
	c.teardown(context.Background(), s, true)
	c.setIdle(s)
}

func (c *Controller) onMessage(s *session, data []byte) {
	raw := append(json.RawMessage(nil), data...)
	s.raw.Add(raw)

	ev, err := agent.ParseEvent(raw)
	if err != nil {
		c.logger.Warn("Dropping malformed control message", "session_id", s.id, "error", err)
		c.logEvent(s, "inbound", "malformed", string(raw), "")
		return
	}
	c.logEvent(s, "inbound", ev.Type, string(raw), ev.Text)

	switch ev.Type {
	case agent.EventInputTranscript:
		c.addTurn(s, domain.RoleUser, ev.Text)
	case agent.EventTextDone, agent.EventMessageDone:
		if c.addTurn(s, domain.RoleAssistant, ev.Text) {
			go c.speak(s, ev.Text)
		}
	case agent.EventAudioTranscriptDone:
		c.addTurn(s, domain.RoleAssistant, ev.Text)
	case agent.EventFunctionCallDone:
		c.dispatchTool(s, *ev.Call)
	case agent.EventError:
		c.logger.Warn("Realtime backend reported an error",
			"session_id", s.id, "code", ev.ErrorCode, "message", ev.ErrorMessage)
	}
}

func (c *Controller) addTurn(s *session, role domain.Role, text string) bool {
	text = strings.TrimSpace(text)
	if text == "" {
		return false
	}
	s.mu.Lock()
	turn := s.conv.AppendTurn(role, text, c.now())
	s.mu.Unlock()
	c.notify(Update{Kind: UpdateTurn, Turn: &turn, SessionID: s.id})
	return true
}

func (c *Controller) dispatchTool(s *session, inv domain.ToolInvocation) {
	if inv.CallID == "" {
		c.logger.Warn("Ignoring tool call without call_id", "session_id", s.id, "tool", inv.Name)
		return
	}

	s.mu.Lock()
	_, pending := s.pending[inv.CallID]
	_, answered := s.answered[inv.CallID]
	s.mu.Unlock()
	if pending || answered {
		c.logger.Warn("Ignoring repeated tool call", "session_id", s.id, "call_id", inv.CallID)
		return
	}

	if !c.opts.Tools.Has(inv.Name) {
		if !c.opts.AnswerUnknownTools {
			c.logger.Warn("Ignoring call to unknown tool", "session_id", s.id, "tool", inv.Name, "call_id", inv.CallID)
			return
		}
		c.sendToolResult(s, toolResult{
			callID: inv.CallID,
			name:   inv.Name,
			output: tools.FailureJSON("Unknown tool: " + inv.Name),
		})
		return
	}

	s.mu.Lock()
	s.pending[inv.CallID] = inv.Name
	s.mu.Unlock()
	c.logger.Info("Calling local tool", "session_id", s.id, "tool", inv.Name, "call_id", inv.CallID)
	go c.invokeTool(s, inv)
}

func (c *Controller) invokeTool(s *session, inv domain.ToolInvocation) {
	ctx := s.ctx
	if c.opts.ToolTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.ToolTimeout)
		defer cancel()
	}
	output, ok := c.opts.Tools.Invoke(ctx, inv)
	if !ok {
		output = tools.FailureJSON("Unknown tool: " + inv.Name)
	}

	select {
	case s.events <- loopEvent{result: &toolResult{callID: inv.CallID, name: inv.Name, output: output}}:
	case <-s.ctx.Done():
		c.logger.Debug("Discarding tool result after session ended", "session_id", s.id, "call_id", inv.CallID)
	}
}

func (c *Controller) sendToolResult(s *session, r toolResult) {
	s.mu.Lock()
	delete(s.pending, r.callID)
	s.answered[r.callID] = struct{}{}
	s.mu.Unlock()

	data, err := agent.EncodeFunctionCallOutput(r.callID, r.output)
	if err == nil {
		err = c.send(s, agent.EventItemCreate, data)
	}
	if err == nil {
		err = c.send(s, agent.EventResponseCreate, agent.EncodeResponseCreate())
	}
	if err != nil {
		c.logger.Warn("Failed to return tool result", "session_id", s.id, "tool", r.name, "call_id", r.callID, "error", err)
	}
}

func (c *Controller) send(s *session, eventType string, data []byte) error {
	c.mu.Lock()
	link := s.link
	c.mu.Unlock()
	if link == nil {
		return rtc.ErrChannelNotOpen
	}
	if err := link.Send(data); err != nil {
		return err
	}
	c.logEvent(s, "outbound", eventType, string(data), "")
	return nil
}

func (c *Controller) speak(s *session, text string) {
	c.setSpeaking(s, 1)
	defer c.setSpeaking(s, -1)
	if err := c.opts.Speaker.Speak(s.ctx, text, s.language); err != nil && s.ctx.Err() == nil {
		c.logger.Warn("Speech synthesis failed", "session_id", s.id, "error", err)
	}
}

func (c *Controller) setSpeaking(s *session, delta int) {
	s.mu.Lock()
	before := s.speaking > 0
	s.speaking += delta
	after := s.speaking > 0
	s.mu.Unlock()
	if before != after {
		c.notify(Update{Kind: UpdateSpeaking, Speaking: &after, SessionID: s.id})
	}
}

func (c *Controller) logEvent(s *session, direction, eventType, raw, content string) {
	c.opts.EventLog.Log(agent.ConversationLogEvent{
		ProfileID:  c.opts.ProfileID,
		SessionID:  s.id,
		Channel:    "control_channel",
		Direction:  direction,
		EventType:  eventType,
		ContentRaw: raw,
		Content:    content,
	})
}

func (c *Controller) logLifecycle(s *session, eventType string) {
	c.opts.EventLog.Log(agent.ConversationLogEvent{
		ProfileID: c.opts.ProfileID,
		SessionID: s.id,
		Channel:   "session",
		Direction: "local",
		EventType: eventType,
		Meta:      map[string]any{"conversation_id": s.conv.ID},
	})
}

type silentSpeaker struct{}

func (silentSpeaker) Speak(context.Context, string, string) error { return nil }
func (silentSpeaker) Stop() error                                 { return nil }
