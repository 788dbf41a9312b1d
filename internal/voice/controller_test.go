package voice

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/containerd/errdefs"
	"github.com/krishimitra/farmvoice/internal/domain"
	"github.com/krishimitra/farmvoice/internal/media"
	"github.com/krishimitra/farmvoice/internal/rtc"
	"github.com/tidwall/gjson"
)

func TestStartConnectsAndConfiguresSession(t *testing.T) {
	h := newHarness(t, func(_ *Options, h *harness) {
		h.store.prefs = &domain.FarmPreferences{
			Location:        "Karnal",
			Crops:           []string{"wheat", "basmati"},
			PersonalDetails: &domain.PersonalDetails{Name: "Harjit"},
		}
	})

	if err := h.ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if got := h.ctrl.Stage(); got != StageNegotiating {
		t.Fatalf("expected negotiating until the channel opens, got %s", got)
	}
	st := h.ctrl.Status()
	if !st.AudioOpen || !st.LinkOpen || st.SessionID == "" || st.ConversationID == "" {
		t.Fatalf("expected handles to be held, got %+v", st)
	}

	h.transport.emit(rtc.Event{Kind: rtc.EventOpen})
	waitUntil(t, "session.update", func() bool { return len(h.transport.link().messages()) == 1 })

	if got := h.ctrl.Stage(); got != StageConnected {
		t.Fatalf("expected connected, got %s", got)
	}
	update := h.transport.link().messages()[0]
	if gjson.GetBytes(update, "type").String() != "session.update" {
		t.Fatalf("first message should be session.update, got %s", update)
	}
	instructions := gjson.GetBytes(update, "session.instructions").String()
	for _, want := range []string{"Farm Context:", "Karnal", "wheat, basmati", "Harjit"} {
		if !strings.Contains(instructions, want) {
			t.Errorf("instructions missing %q:\n%s", want, instructions)
		}
	}
	if n := len(gjson.GetBytes(update, "session.tools").Array()); n != 2 {
		t.Errorf("expected 2 tool schemas, got %d", n)
	}
	if gjson.GetBytes(update, "session.input_audio_transcription.model").String() != "whisper-1" {
		t.Errorf("transcription model not configured: %s", update)
	}

	if err := h.ctrl.Stop(context.Background()); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
}

func TestStartRejectsSecondSession(t *testing.T) {
	h := newHarness(t, nil)
	h.connect(t)
	defer func() { _ = h.ctrl.Stop(context.Background()) }()

	err := h.ctrl.Start(context.Background())
	if !errors.Is(err, ErrSessionActive) || !errdefs.IsFailedPrecondition(err) {
		t.Fatalf("expected ErrSessionActive, got %v", err)
	}
}

func TestPermissionDenied(t *testing.T) {
	h := newHarness(t, func(_ *Options, h *harness) {
		h.mic.permErr = media.ErrPermissionDenied
	})

	err := h.ctrl.Start(context.Background())
	if !errors.Is(err, ErrPermissionDenied) || !errdefs.IsPermissionDenied(err) {
		t.Fatalf("expected permission error, got %v", err)
	}
	alerts := h.alerts()
	if len(alerts) != 1 || alerts[0].Title != "Permission Required" ||
		alerts[0].Message != "Please grant microphone access to use voice features" {
		t.Fatalf("unexpected alerts %+v", alerts)
	}
	if h.creds.callCount() != 0 {
		t.Error("credential should not be requested without permission")
	}
	if len(h.mic.opened()) != 0 || h.transport.link() != nil {
		t.Error("no capture or link should be created")
	}
	if got := h.ctrl.Stage(); got != StageIdle {
		t.Fatalf("expected idle, got %s", got)
	}
	if len(h.store.saved()) != 0 {
		t.Error("nothing should be saved")
	}
}

func TestStartFailuresTearDown(t *testing.T) {
	tests := []struct {
		name      string
		configure func(*Options, *harness)
		wantErr   error
		captures  int
	}{
		{
			name:      "credential",
			configure: func(_ *Options, h *harness) { h.creds.err = errors.New("token endpoint down") },
			wantErr:   ErrCredential,
		},
		{
			name:      "capture",
			configure: func(_ *Options, h *harness) { h.mic.openErr = errors.New("device busy") },
			wantErr:   ErrCapture,
		},
		{
			name:      "negotiation",
			configure: func(_ *Options, h *harness) { h.transport.err = errors.New("ice failed") },
			wantErr:   ErrNegotiation,
			captures:  1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, tt.configure)
			err := h.ctrl.Start(context.Background())
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
			if !errdefs.IsUnavailable(err) {
				t.Errorf("expected unavailable class, got %v", err)
			}
			alerts := h.alerts()
			if len(alerts) != 1 || alerts[0] != alertStart {
				t.Fatalf("unexpected alerts %+v", alerts)
			}
			captures := h.mic.opened()
			if len(captures) != tt.captures {
				t.Fatalf("expected %d captures, got %d", tt.captures, len(captures))
			}
			for _, c := range captures {
				if c.closeCount() != 1 {
					t.Errorf("capture closed %d times", c.closeCount())
				}
			}
			if got := h.ctrl.Stage(); got != StageIdle {
				t.Fatalf("expected idle, got %s", got)
			}
			stages := h.stages()
			if len(stages) < 3 || stages[len(stages)-2] != StageError || stages[len(stages)-1] != StageIdle {
				t.Fatalf("expected ... error, idle; got %v", stages)
			}
		})
	}
}

func TestTranscriptTitleAndSingleFlush(t *testing.T) {
	h := newHarness(t, nil)
	h.connect(t)

	long := "What fertilizer should I use for my wheat crop this season?"
	h.message(userTranscript(long))
	h.message(assistantText("Apply nitrogen in two splits."))
	h.message(userTranscript("How much per acre?"))
	h.message(`{"type":"response.audio_transcript.done","transcript":"About 50 kilograms."}`)
	h.message(userTranscript("Thanks"))

	waitUntil(t, "five turns", func() bool { return len(h.ctrl.Status().Turns) == 5 })

	turns := h.ctrl.Status().Turns
	wantRoles := []domain.Role{domain.RoleUser, domain.RoleAssistant, domain.RoleUser, domain.RoleAssistant, domain.RoleUser}
	for i, turn := range turns {
		if turn.Role != wantRoles[i] {
			t.Fatalf("turn %d role = %s, want %s", i, turn.Role, wantRoles[i])
		}
	}
	waitUntil(t, "assistant text spoken", func() bool { return len(h.speaker.said()) == 1 })
	if got := h.speaker.said()[0]; got != "Apply nitrogen in two splits." {
		t.Fatalf("unexpected speech %q", got)
	}

	if err := h.ctrl.Stop(context.Background()); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if err := h.ctrl.Stop(context.Background()); err != nil {
		t.Fatalf("second Stop failed: %v", err)
	}

	saved := h.store.saved()
	if len(saved) != 1 {
		t.Fatalf("expected exactly one save, got %d", len(saved))
	}
	conv := saved[0]
	if len(conv.Turns) != 5 {
		t.Fatalf("expected 5 saved turns, got %d", len(conv.Turns))
	}
	if want := long[:30] + "..."; conv.Title != want {
		t.Fatalf("title = %q, want %q", conv.Title, want)
	}
	if conv.ProfileID != "profile-1" {
		t.Fatalf("conversation saved under %q", conv.ProfileID)
	}
}

func TestEmptyConversationNotSaved(t *testing.T) {
	h := newHarness(t, nil)
	h.connect(t)
	if err := h.ctrl.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(h.store.saved()) != 0 {
		t.Fatal("empty conversation must not be saved")
	}
}

func TestToolCallRoundTrip(t *testing.T) {
	h := newHarness(t, nil)
	h.connect(t)
	defer func() { _ = h.ctrl.Stop(context.Background()) }()

	h.message(functionCall("searchSchemes", "call_42", `{"query":"drip subsidy"}`))
	waitUntil(t, "tool output", func() bool { return len(h.transport.link().messages()) == 3 })

	msgs := h.transport.link().messages()
	item := msgs[1]
	if gjson.GetBytes(item, "type").String() != "conversation.item.create" ||
		gjson.GetBytes(item, "item.type").String() != "function_call_output" ||
		gjson.GetBytes(item, "item.call_id").String() != "call_42" {
		t.Fatalf("unexpected tool output message %s", item)
	}
	output := gjson.GetBytes(item, "item.output").String()
	if gjson.Get(output, "echo.query").String() != "drip subsidy" {
		t.Fatalf("tool did not receive arguments: %s", output)
	}
	if gjson.GetBytes(msgs[2], "type").String() != "response.create" {
		t.Fatalf("expected response.create after the output, got %s", msgs[2])
	}
	if h.ctrl.Status().PendingTools != 0 {
		t.Fatal("tool call still pending")
	}

	// A repeated call_id is not answered twice.
	h.message(functionCall("searchSchemes", "call_42", `{"query":"again"}`))
	h.message(userTranscript("marker"))
	waitUntil(t, "marker turn", func() bool { return len(h.ctrl.Status().Turns) == 1 })
	if n := len(h.transport.link().messages()); n != 3 {
		t.Fatalf("repeated call answered again, %d messages", n)
	}
}

func TestUnknownToolIgnored(t *testing.T) {
	h := newHarness(t, nil)
	h.connect(t)
	defer func() { _ = h.ctrl.Stop(context.Background()) }()

	h.message(functionCall("foo", "call_1", `{}`))
	h.message(userTranscript("still here?"))
	waitUntil(t, "turn after unknown tool", func() bool { return len(h.ctrl.Status().Turns) == 1 })

	if types := h.transport.link().types(); len(types) != 1 || types[0] != "session.update" {
		t.Fatalf("unknown tool must not be answered, sent %v", types)
	}
	if got := h.ctrl.Stage(); got != StageConnected {
		t.Fatalf("session should stay connected, got %s", got)
	}
}

func TestUnknownToolAnsweredWhenEnabled(t *testing.T) {
	h := newHarness(t, func(o *Options, _ *harness) { o.AnswerUnknownTools = true })
	h.connect(t)
	defer func() { _ = h.ctrl.Stop(context.Background()) }()

	h.message(functionCall("foo", "call_1", `{}`))
	waitUntil(t, "failure output", func() bool { return len(h.transport.link().messages()) == 3 })

	item := h.transport.link().messages()[1]
	output := gjson.GetBytes(item, "item.output").String()
	if gjson.Get(output, "success").Bool() || !strings.Contains(gjson.Get(output, "error").String(), "foo") {
		t.Fatalf("unexpected failure payload %s", output)
	}
}

func TestToolResultAfterStopDiscarded(t *testing.T) {
	gate := gateTool{release: make(chan struct{}), started: make(chan struct{})}
	h := newHarness(t, func(_ *Options, h *harness) { h.registry.Register(gate) })
	h.connect(t)

	h.message(functionCall("slowTool", "call_slow", `{}`))
	select {
	case <-gate.started:
	case <-time.After(3 * time.Second):
		t.Fatal("tool never started")
	}
	if h.ctrl.Status().PendingTools != 1 {
		t.Fatal("expected one outstanding tool call")
	}

	if err := h.ctrl.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}
	close(gate.release)
	time.Sleep(50 * time.Millisecond)

	if types := h.transport.link().types(); len(types) != 1 {
		t.Fatalf("late tool result was sent: %v", types)
	}
	if h.transport.link().closeCount() != 1 {
		t.Fatal("link not closed exactly once")
	}
}

func TestStopDuringCredentialFetch(t *testing.T) {
	h := newHarness(t, func(_ *Options, h *harness) { h.creds.block = true })

	errCh := make(chan error, 1)
	go func() { errCh <- h.ctrl.Start(context.Background()) }()
	waitUntil(t, "credential request", func() bool { return h.creds.callCount() == 1 })

	if err := h.ctrl.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}
	select {
	case err := <-errCh:
		if !errors.Is(err, ErrAborted) || !errdefs.IsCanceled(err) {
			t.Fatalf("expected ErrAborted, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Start did not return after Stop")
	}
	if got := h.ctrl.Stage(); got != StageIdle {
		t.Fatalf("expected idle, got %s", got)
	}
	if len(h.mic.opened()) != 0 {
		t.Fatal("capture opened after stop")
	}
	if len(h.alerts()) != 0 {
		t.Fatalf("aborted start should not alert, got %+v", h.alerts())
	}
}

func TestStopDuringNegotiationReleasesCapture(t *testing.T) {
	h := newHarness(t, func(_ *Options, h *harness) { h.transport.block = true })

	errCh := make(chan error, 1)
	go func() { errCh <- h.ctrl.Start(context.Background()) }()
	waitUntil(t, "capture opened", func() bool { return len(h.mic.opened()) == 1 })

	if err := h.ctrl.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := <-errCh; !errors.Is(err, ErrAborted) {
		t.Fatalf("expected ErrAborted, got %v", err)
	}
	if n := h.mic.opened()[0].closeCount(); n != 1 {
		t.Fatalf("capture closed %d times", n)
	}
	if got := h.ctrl.Stage(); got != StageIdle {
		t.Fatalf("expected idle, got %s", got)
	}
}

func TestStartCanceledByCaller(t *testing.T) {
	h := newHarness(t, func(_ *Options, h *harness) { h.creds.block = true })

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- h.ctrl.Start(ctx) }()
	waitUntil(t, "credential request", func() bool { return h.creds.callCount() == 1 })
	cancel()

	if err := <-errCh; !errors.Is(err, ErrAborted) {
		t.Fatalf("expected ErrAborted, got %v", err)
	}
	waitUntil(t, "idle", func() bool { return h.ctrl.Stage() == StageIdle })
}

func TestNegotiationTimeout(t *testing.T) {
	h := newHarness(t, func(o *Options, h *harness) {
		h.creds.block = true
		o.NegotiationTimeout = 20 * time.Millisecond
	})
	err := h.ctrl.Start(context.Background())
	if !errors.Is(err, ErrCredential) {
		t.Fatalf("expected credential failure on timeout, got %v", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline in cause, got %v", err)
	}
}

func TestConnectionLostWhileConnected(t *testing.T) {
	h := newHarness(t, nil)
	h.connect(t)
	h.message(userTranscript("Is it going to rain?"))
	waitUntil(t, "turn", func() bool { return len(h.ctrl.Status().Turns) == 1 })

	h.transport.emit(rtc.Event{Kind: rtc.EventClosed, Err: errors.New("peer connection failed")})
	waitUntil(t, "idle after loss", func() bool { return h.ctrl.Stage() == StageIdle && len(h.store.saved()) == 1 })

	alerts := h.alerts()
	if len(alerts) != 1 || alerts[0].Title != "Connection lost" {
		t.Fatalf("unexpected alerts %+v", alerts)
	}
	if h.transport.link().closeCount() != 1 || h.mic.opened()[0].closeCount() != 1 {
		t.Fatal("resources not released")
	}
	if err := h.ctrl.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(h.store.saved()) != 1 {
		t.Fatal("conversation flushed twice")
	}
}

func TestChannelClosedBeforeOpen(t *testing.T) {
	h := newHarness(t, nil)
	if err := h.ctrl.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	h.transport.emit(rtc.Event{Kind: rtc.EventClosed})
	waitUntil(t, "idle", func() bool { return h.ctrl.Stage() == StageIdle })

	alerts := h.alerts()
	if len(alerts) != 1 || alerts[0] != alertStart {
		t.Fatalf("unexpected alerts %+v", alerts)
	}
}

func TestMalformedAndUnknownEventsAreRecorded(t *testing.T) {
	h := newHarness(t, func(o *Options, _ *harness) { o.EventBuffer = 2 })
	h.connect(t)
	defer func() { _ = h.ctrl.Stop(context.Background()) }()

	h.message(`not json`)
	h.message(`{"type":"rate_limits.updated"}`)
	h.message(`{"type":"error","error":{"code":"x","message":"y"}}`)
	waitUntil(t, "events buffered", func() bool {
		ev := h.ctrl.Events()
		return len(ev) == 2 && gjson.GetBytes(ev[1], "type").String() == "error"
	})

	if got := gjson.GetBytes(h.ctrl.Events()[0], "type").String(); got != "rate_limits.updated" {
		t.Fatalf("ring should keep the newest events, oldest is %q", got)
	}
	if h.ctrl.Stage() != StageConnected {
		t.Fatal("malformed events must not end the session")
	}
}

func TestToggle(t *testing.T) {
	h := newHarness(t, nil)
	if err := h.ctrl.Toggle(context.Background()); err != nil {
		t.Fatal(err)
	}
	if h.ctrl.Stage() != StageNegotiating {
		t.Fatalf("toggle should start, stage %s", h.ctrl.Stage())
	}
	if err := h.ctrl.Toggle(context.Background()); err != nil {
		t.Fatal(err)
	}
	if h.ctrl.Stage() != StageIdle {
		t.Fatalf("toggle should stop, stage %s", h.ctrl.Stage())
	}
	if h.ctrl.Events() != nil {
		t.Fatal("events should be gone after stop")
	}
}

func TestRestartAfterStopStartsClean(t *testing.T) {
	h := newHarness(t, nil)
	h.connect(t)
	first := h.transport.link()
	firstConv := h.ctrl.Status().ConversationID
	h.message(userTranscript("Is it too late to sow mustard?"))
	waitUntil(t, "first turn", func() bool { return len(h.ctrl.Status().Turns) == 1 })

	if err := h.ctrl.Stop(context.Background()); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	h.connect(t)
	second := h.transport.link()
	st := h.ctrl.Status()
	if len(st.Turns) != 0 {
		t.Fatalf("restarted session carried %d turns", len(st.Turns))
	}
	if second == first {
		t.Fatal("restart reused the previous link")
	}
	if st.ConversationID == "" || st.ConversationID == firstConv {
		t.Fatalf("restart should begin a new conversation, got %q", st.ConversationID)
	}
	if n := first.closeCount(); n != 1 {
		t.Fatalf("first link closed %d times, want 1", n)
	}
	if n := second.closeCount(); n != 0 {
		t.Fatalf("second link closed %d times while live", n)
	}
	captures := h.mic.opened()
	if len(captures) != 2 || captures[0].closeCount() != 1 || captures[1].closeCount() != 0 {
		t.Fatalf("unexpected capture lifecycle: %d opened", len(captures))
	}

	if err := h.ctrl.Stop(context.Background()); err != nil {
		t.Fatalf("second Stop failed: %v", err)
	}
	if n := first.closeCount(); n != 1 {
		t.Fatalf("first link closed again by the second stop (%d)", n)
	}
	if saved := h.store.saved(); len(saved) != 1 || saved[0].ID != firstConv {
		t.Fatalf("expected only the first conversation to be saved, got %d", len(saved))
	}
}

func TestStartErrorClasses(t *testing.T) {
	tests := []struct {
		name string
		err  error
		is   func(error) bool
	}{
		{name: "permission", err: ErrPermissionDenied, is: errdefs.IsPermissionDenied},
		{name: "credential", err: ErrCredential, is: errdefs.IsUnavailable},
		{name: "capture", err: ErrCapture, is: errdefs.IsUnavailable},
		{name: "negotiation", err: ErrNegotiation, is: errdefs.IsUnavailable},
		{name: "active", err: ErrSessionActive, is: errdefs.IsFailedPrecondition},
		{name: "aborted", err: ErrAborted, is: errdefs.IsCanceled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !tt.is(fmt.Errorf("start: %w", tt.err)) {
				t.Fatalf("%v lost its class when wrapped", tt.err)
			}
		})
	}
	if !errors.Is(ErrAborted, context.Canceled) {
		t.Fatal("ErrAborted should match context.Canceled")
	}
}

func TestStopWhenIdleIsNoop(t *testing.T) {
	h := newHarness(t, nil)
	if err := h.ctrl.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(h.stages()) != 0 {
		t.Fatalf("idle stop published stages %v", h.stages())
	}
	if h.speaker.stops != 0 {
		t.Fatal("idle stop touched the speaker")
	}
}

func TestNewRequiresDependencies(t *testing.T) {
	if _, err := New(Options{}); err == nil {
		t.Fatal("expected error for missing dependencies")
	}
}
