package app

import (
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"

	"github.com/krishimitra/farmvoice/internal/config"
	"github.com/krishimitra/farmvoice/internal/store"
	"github.com/krishimitra/farmvoice/internal/voice"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	return &config.Config{
		Port:   "0",
		DBPath: filepath.Join(dir, "app.db"),
		Realtime: config.RealtimeConfig{
			Model:              "gpt-4o-realtime-preview",
			Voice:              "alloy",
			URL:                "https://api.example.test/v1/realtime",
			TokenURL:           "http://127.0.0.1:0/api/realtime/token",
			TranscriptionModel: "whisper-1",
		},
		Media: config.MediaConfig{MicCommand: "true", TTSCommand: "true"},
		Voice: config.VoiceConfig{EventBuffer: 10},
		ConversationLog: config.ConversationLogConfig{
			Dir:        filepath.Join(dir, "logs"),
			GlobalPath: filepath.Join(dir, "logs", "all.ndjson"),
			QueueSize:  10,
		},
	}
}

func TestDepsBuildController(t *testing.T) {
	cfg := testConfig(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	deps := NewDeps(cfg, logger)
	if got := strings.Join(deps.Tools.Names(), ","); got != "getBatteryLevel,searchCropRotation,searchSchemes" {
		t.Fatalf("registered tools = %s", got)
	}
	if deps.Knowledge != nil {
		t.Fatal("knowledge index should be disabled without VECTOR_URL")
	}

	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = repo.Close() }()

	eventLog, err := NewEventLog(cfg, logger)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = eventLog.Close() }()

	ctrl, err := voice.New(deps.ControllerOptions(cfg, "farm-1", repo, eventLog, logger))
	if err != nil {
		t.Fatalf("controller: %v", err)
	}
	if ctrl.ProfileID() != "farm-1" || ctrl.Stage() != voice.StageIdle {
		t.Fatalf("unexpected controller state %+v", ctrl.Status())
	}
}

func TestIssuerFollowsAPIKey(t *testing.T) {
	cfg := testConfig(t)
	if NewIssuer(cfg).Enabled() {
		t.Fatal("issuer enabled without API key")
	}
	cfg.Realtime.APIKey = "sk-test"
	if !NewIssuer(cfg).Enabled() {
		t.Fatal("issuer disabled with API key")
	}
}
