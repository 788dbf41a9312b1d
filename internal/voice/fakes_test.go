package voice

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/krishimitra/farmvoice/internal/domain"
	"github.com/krishimitra/farmvoice/internal/media"
	"github.com/krishimitra/farmvoice/internal/rtc"
	"github.com/krishimitra/farmvoice/internal/tools"
	"github.com/tidwall/gjson"
)

// tb is the subset of testing.TB that *rapid.T also provides.
type tb interface {
	Helper()
	Fatalf(format string, args ...any)
}

type fakeCapture struct {
	frames chan media.Frame
	mu     sync.Mutex
	closes int
}

func (c *fakeCapture) Frames() <-chan media.Frame { return c.frames }

func (c *fakeCapture) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closes++
	return nil
}

func (c *fakeCapture) closeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closes
}

type fakeMic struct {
	permErr error
	openErr error

	mu       sync.Mutex
	captures []*fakeCapture
}

func (m *fakeMic) RequestPermission(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return m.permErr
}

func (m *fakeMic) Open(context.Context) (media.Capture, error) {
	if m.openErr != nil {
		return nil, m.openErr
	}
	c := &fakeCapture{frames: make(chan media.Frame)}
	m.mu.Lock()
	m.captures = append(m.captures, c)
	m.mu.Unlock()
	return c, nil
}

func (m *fakeMic) opened() []*fakeCapture {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*fakeCapture(nil), m.captures...)
}

type fakeCreds struct {
	key   string
	err   error
	block bool

	mu    sync.Mutex
	calls int
}

func (f *fakeCreds) Fetch(ctx context.Context) (string, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	return f.key, f.err
}

func (f *fakeCreds) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeSignaler struct{}

func (fakeSignaler) Exchange(_ context.Context, key, _ string) (string, error) {
	return "v=0 answer for " + key, nil
}

type fakeLink struct {
	mu     sync.Mutex
	sent   [][]byte
	closed int
}

func (l *fakeLink) Send(data []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed > 0 {
		return rtc.ErrChannelNotOpen
	}
	l.sent = append(l.sent, append([]byte(nil), data...))
	return nil
}

func (l *fakeLink) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed++
	return nil
}

func (l *fakeLink) messages() [][]byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([][]byte(nil), l.sent...)
}

func (l *fakeLink) types() []string {
	var out []string
	for _, m := range l.messages() {
		out = append(out, gjson.GetBytes(m, "type").String())
	}
	return out
}

func (l *fakeLink) closeCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

type fakeTransport struct {
	err   error
	block bool

	mu    sync.Mutex
	req   rtc.ConnectRequest
	links []*fakeLink
}

func (f *fakeTransport) Connect(ctx context.Context, req rtc.ConnectRequest) (rtc.Link, error) {
	if _, err := req.Exchange(ctx, "v=0 offer"); err != nil {
		return nil, err
	}
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.err != nil {
		return nil, f.err
	}
	l := &fakeLink{}
	f.mu.Lock()
	f.req = req
	f.links = append(f.links, l)
	f.mu.Unlock()
	return l, nil
}

func (f *fakeTransport) emit(ev rtc.Event) {
	f.mu.Lock()
	deliver := f.req.OnEvent
	f.mu.Unlock()
	deliver(ev)
}

func (f *fakeTransport) link() *fakeLink {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.links) == 0 {
		return nil
	}
	return f.links[len(f.links)-1]
}

type fakeSpeaker struct {
	mu     sync.Mutex
	spoken []string
	stops  int
}

func (s *fakeSpeaker) Speak(_ context.Context, text, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.spoken = append(s.spoken, text)
	return nil
}

func (s *fakeSpeaker) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stops++
	return nil
}

func (s *fakeSpeaker) said() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.spoken...)
}

type fakeStore struct {
	prefs *domain.FarmPreferences

	mu    sync.Mutex
	saves []*domain.Conversation
}

func (f *fakeStore) GetPreferences(context.Context, string) (*domain.FarmPreferences, error) {
	if f.prefs == nil {
		return &domain.FarmPreferences{}, nil
	}
	return f.prefs, nil
}

func (f *fakeStore) SaveConversation(_ context.Context, conv *domain.Conversation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saves = append(f.saves, conv.Clone())
	return nil
}

func (f *fakeStore) saved() []*domain.Conversation {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*domain.Conversation(nil), f.saves...)
}

// echoTool returns its arguments.
type echoTool struct{ name string }

func (e echoTool) Name() string               { return e.name }
func (e echoTool) Description() string        { return "echo " + e.name }
func (e echoTool) Parameters() map[string]any { return nil }
func (e echoTool) Call(_ context.Context, args json.RawMessage) (any, error) {
	return map[string]any{"success": true, "echo": json.RawMessage(args)}, nil
}

// gateTool blocks until released or its context ends.
type gateTool struct {
	release chan struct{}
	started chan struct{}
}

func (g gateTool) Name() string               { return "slowTool" }
func (g gateTool) Description() string        { return "waits" }
func (g gateTool) Parameters() map[string]any { return nil }
func (g gateTool) Call(ctx context.Context, _ json.RawMessage) (any, error) {
	close(g.started)
	select {
	case <-g.release:
		return map[string]any{"success": true}, nil
	case <-ctx.Done():
		return nil, errors.New("gave up")
	}
}

type harness struct {
	ctrl      *Controller
	mic       *fakeMic
	creds     *fakeCreds
	transport *fakeTransport
	speaker   *fakeSpeaker
	store     *fakeStore
	registry  *tools.Registry

	mu      sync.Mutex
	updates []Update
}

func newHarness(t tb, configure func(*Options, *harness)) *harness {
	t.Helper()
	h := &harness{
		mic:       &fakeMic{},
		creds:     &fakeCreds{key: "ek_test"},
		transport: &fakeTransport{},
		speaker:   &fakeSpeaker{},
		store:     &fakeStore{},
		registry:  tools.NewRegistry(quietLogger()),
	}
	h.registry.Register(echoTool{name: "getBatteryLevel"})
	h.registry.Register(echoTool{name: "searchSchemes"})

	opts := Options{
		ProfileID:          "profile-1",
		Microphone:         h.mic,
		Credentials:        h.creds,
		Signaler:           fakeSignaler{},
		Transport:          h.transport,
		Tools:              h.registry,
		Speaker:            h.speaker,
		Preferences:        h.store,
		Conversations:      h.store,
		Logger:             quietLogger(),
		Voice:              "alloy",
		TranscriptionModel: "whisper-1",
	}
	if configure != nil {
		configure(&opts, h)
	}
	ctrl, err := New(opts)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	ctrl.Subscribe(func(u Update) {
		h.mu.Lock()
		h.updates = append(h.updates, u)
		h.mu.Unlock()
	})
	h.ctrl = ctrl
	return h
}

// connect starts a session and opens the control channel.
func (h *harness) connect(t tb) {
	t.Helper()
	if err := h.ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	h.transport.emit(rtc.Event{Kind: rtc.EventOpen})
	waitUntil(t, "connected with session.update sent", func() bool {
		l := h.transport.link()
		return h.ctrl.Stage() == StageConnected && l != nil && len(l.messages()) >= 1
	})
}

func (h *harness) message(raw string) {
	h.transport.emit(rtc.Event{Kind: rtc.EventMessage, Data: []byte(raw)})
}

func (h *harness) alerts() []Alert {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []Alert
	for _, u := range h.updates {
		if u.Kind == UpdateAlert && u.Alert != nil {
			out = append(out, *u.Alert)
		}
	}
	return out
}

func (h *harness) stages() []Stage {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []Stage
	for _, u := range h.updates {
		if u.Kind == UpdateStage {
			out = append(out, u.Stage)
		}
	}
	return out
}

func waitUntil(t tb, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func userTranscript(text string) string {
	data, _ := json.Marshal(map[string]string{
		"type":       "conversation.item.input_audio_transcription.completed",
		"transcript": text,
	})
	return string(data)
}

func assistantText(text string) string {
	data, _ := json.Marshal(map[string]string{"type": "response.text.done", "text": text})
	return string(data)
}

func functionCall(name, callID, args string) string {
	data, _ := json.Marshal(map[string]string{
		"type":      "response.function_call_arguments.done",
		"name":      name,
		"call_id":   callID,
		"arguments": args,
	})
	return string(data)
}
