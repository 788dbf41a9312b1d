package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/krishimitra/farmvoice/internal/identity"
	"github.com/krishimitra/farmvoice/internal/media"
	"github.com/krishimitra/farmvoice/internal/rtc"
	"github.com/krishimitra/farmvoice/internal/tools"
	"github.com/krishimitra/farmvoice/internal/voice"
)

type stubCapture struct{ frames chan media.Frame }

func (c stubCapture) Frames() <-chan media.Frame { return c.frames }
func (c stubCapture) Close() error               { return nil }

type stubMic struct{}

func (stubMic) RequestPermission(context.Context) error { return nil }
func (stubMic) Open(context.Context) (media.Capture, error) {
	return stubCapture{frames: make(chan media.Frame)}, nil
}

type stubCreds struct{}

func (stubCreds) Fetch(context.Context) (string, error) { return "ek_test", nil }

type stubSignaler struct{}

func (stubSignaler) Exchange(context.Context, string, string) (string, error) { return "v=0", nil }

type stubLink struct {
	mu     sync.Mutex
	closed bool
}

func (l *stubLink) Send([]byte) error { return nil }
func (l *stubLink) Close() error {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	return nil
}

type stubTransport struct{}

func (stubTransport) Connect(context.Context, rtc.ConnectRequest) (rtc.Link, error) {
	return &stubLink{}, nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestManager() *Manager {
	return NewManager(func(profileID string) (*voice.Controller, error) {
		return voice.New(voice.Options{
			ProfileID:   profileID,
			Microphone:  stubMic{},
			Credentials: stubCreds{},
			Signaler:    stubSignaler{},
			Transport:   stubTransport{},
			Tools:       tools.NewRegistry(quietLogger()),
			Logger:      quietLogger(),
		})
	}, quietLogger())
}

func dial(t *testing.T, mgr *Manager, profile string) *websocket.Conn {
	t.Helper()
	handler := identity.Middleware(true)(NewWebSocketHandler(mgr, "*", true, quietLogger()))
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/voice?profile=" + profile
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

func send(t *testing.T, conn *websocket.Conn, intent string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, []byte(`{"type":"`+intent+`"}`)); err != nil {
		t.Fatalf("write %s: %v", intent, err)
	}
}

// readUntil returns the first server message of the given type.
func readUntil(t *testing.T, conn *websocket.Conn, typ string, match func(map[string]any) bool) map[string]any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("waiting for %s: %v", typ, err)
		}
		var msg map[string]any
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("invalid server message %s: %v", data, err)
		}
		if msg["type"] == typ && (match == nil || match(msg)) {
			return msg
		}
	}
}

func waitStage(t *testing.T, ctrl *voice.Controller, want voice.Stage) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if ctrl.Stage() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("stage = %s, want %s", ctrl.Stage(), want)
}

func TestWebSocketIntents(t *testing.T) {
	mgr := newTestManager()
	conn := dial(t, mgr, "farm-1")

	status := readUntil(t, conn, "status", nil)
	inner, _ := status["status"].(map[string]any)
	if inner["stage"] != "idle" || inner["profileId"] != "farm-1" {
		t.Fatalf("unexpected initial status %v", status)
	}

	send(t, conn, IntentPing)
	readUntil(t, conn, "pong", nil)

	send(t, conn, IntentStart)
	readUntil(t, conn, "stage", func(m map[string]any) bool { return m["stage"] == "negotiating" })

	send(t, conn, IntentStart)
	errMsg := readUntil(t, conn, "error", nil)
	if !strings.Contains(errMsg["error"].(string), "already active") {
		t.Fatalf("unexpected error message %v", errMsg)
	}

	send(t, conn, "dance")
	readUntil(t, conn, "error", func(m map[string]any) bool {
		return strings.Contains(m["error"].(string), "unknown intent")
	})

	send(t, conn, IntentStop)
	readUntil(t, conn, "stage", func(m map[string]any) bool { return m["stage"] == "idle" })

	send(t, conn, IntentToggle)
	readUntil(t, conn, "stage", func(m map[string]any) bool { return m["stage"] == "negotiating" })

	ctrl, ok := mgr.Lookup("farm-1")
	if !ok {
		t.Fatal("controller not registered")
	}

	// Closing the last socket stops the session.
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
	waitStage(t, ctrl, voice.StageIdle)
}

func TestCloseAllStopsControllers(t *testing.T) {
	mgr := newTestManager()
	conn := dial(t, mgr, "farm-2")
	readUntil(t, conn, "status", nil)

	send(t, conn, IntentStart)
	readUntil(t, conn, "stage", func(m map[string]any) bool { return m["stage"] == "negotiating" })

	ctrl, _ := mgr.Lookup("farm-2")
	mgr.CloseAll(context.Background())
	if ctrl.Stage() != voice.StageIdle {
		t.Fatalf("controller still %s after CloseAll", ctrl.Stage())
	}
	if _, err := mgr.Controller("farm-3"); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestManagerReusesControllerPerProfile(t *testing.T) {
	mgr := newTestManager()
	a, err := mgr.Controller("p")
	if err != nil {
		t.Fatal(err)
	}
	b, _ := mgr.Controller("p")
	c, _ := mgr.Controller("q")
	if a != b || a == c {
		t.Fatal("expected one controller per profile")
	}
	if got := mgr.Profiles(); len(got) != 2 || got[0] != "p" || got[1] != "q" {
		t.Fatalf("profiles = %v", got)
	}
	if n := mgr.Unregister("p", "tab", nil); n != 0 {
		t.Fatalf("unregister of unknown socket returned %d", n)
	}
}
