// Package app assembles the voice stack from configuration for the binaries.
package app

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/krishimitra/farmvoice/internal/agent"
	"github.com/krishimitra/farmvoice/internal/config"
	"github.com/krishimitra/farmvoice/internal/media"
	"github.com/krishimitra/farmvoice/internal/rtc"
	"github.com/krishimitra/farmvoice/internal/store"
	"github.com/krishimitra/farmvoice/internal/tools"
	"github.com/krishimitra/farmvoice/internal/voice"
)

const httpTimeout = 30 * time.Second

// Deps are the device-wide resources shared by every controller.
type Deps struct {
	Tools       *tools.Registry
	Knowledge   *tools.VectorIndex
	Microphone  *media.CommandMicrophone
	Speaker     *media.SystemSpeaker
	Transport   *rtc.Transport
	Credentials *agent.CredentialClient
	Signaler    *agent.SignalingClient
}

// NewDeps builds the shared resources from cfg.
func NewDeps(cfg *config.Config, logger *slog.Logger) *Deps {
	if logger == nil {
		logger = slog.Default()
	}
	client := &http.Client{Timeout: httpTimeout}

	kb := tools.NewVectorIndex(cfg.Knowledge.URL, cfg.Knowledge.Token, client)
	registry := tools.NewRegistry(logger)
	registry.Register(tools.NewBatteryTool(nil))
	registry.Register(tools.NewCropRotationTool(kb))
	registry.Register(tools.NewSchemesTool(kb))

	return &Deps{
		Tools:      registry,
		Knowledge:  kb,
		Microphone: media.NewCommandMicrophone(cfg.Media.MicCommand, cfg.Media.MicDevice, logger),
		Speaker:    media.NewSystemSpeaker(cfg.Media.TTSCommand, cfg.Media.TTSVoice, cfg.Media.TTSRate, logger),
		Transport: rtc.New(rtc.Config{
			ICEServers: cfg.Realtime.STUNURLs,
			Player:     media.NewCommandPlayer(cfg.Media.PlayerCommand, logger),
			Logger:     logger,
		}),
		Credentials: agent.NewCredentialClient(cfg.Realtime.TokenURL, cfg.Realtime.TokenAuth, client),
		// Signaling is not bounded by httpTimeout; the negotiation context governs it.
		Signaler: agent.NewSignalingClient(cfg.Realtime.URL, cfg.Realtime.Model, &http.Client{}),
	}
}

// ControllerOptions returns the options for one profile's controller.
func (d *Deps) ControllerOptions(cfg *config.Config, profileID string, repo store.Repository, eventLog agent.ConversationLogger, logger *slog.Logger) voice.Options {
	return voice.Options{
		ProfileID:          profileID,
		Microphone:         d.Microphone,
		Credentials:        d.Credentials,
		Signaler:           d.Signaler,
		Transport:          d.Transport,
		Tools:              d.Tools,
		Speaker:            d.Speaker,
		Preferences:        repo,
		Conversations:      repo,
		EventLog:           eventLog,
		Logger:             logger,
		Voice:              cfg.Realtime.Voice,
		TranscriptionModel: cfg.Realtime.TranscriptionModel,
		EventBuffer:        cfg.Voice.EventBuffer,
		AnswerUnknownTools: cfg.Voice.AnswerUnknownTools,
		NegotiationTimeout: cfg.Voice.NegotiationTimeout,
		ToolTimeout:        cfg.Voice.ToolTimeout,
	}
}

// NewEventLog opens the NDJSON conversation event log.
func NewEventLog(cfg *config.Config, logger *slog.Logger) (agent.ConversationLogger, error) {
	return agent.NewConversationLogger(agent.ConversationLogConfig{
		Enabled:       cfg.ConversationLog.Enabled,
		Dir:           cfg.ConversationLog.Dir,
		GlobalEnabled: cfg.ConversationLog.GlobalEnabled,
		GlobalPath:    cfg.ConversationLog.GlobalPath,
		QueueSize:     cfg.ConversationLog.QueueSize,
	}, logger)
}

// NewIssuer creates the credential issuer; it is disabled without an API key.
func NewIssuer(cfg *config.Config) *agent.Issuer {
	return agent.NewIssuer(agent.IssuerConfig{
		APIKey:             cfg.Realtime.APIKey,
		BaseURL:            cfg.Realtime.BaseURL,
		Model:              cfg.Realtime.Model,
		Voice:              cfg.Realtime.Voice,
		TranscriptionModel: cfg.Realtime.TranscriptionModel,
	})
}
