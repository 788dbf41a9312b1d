package agent

import (
	"context"
	"errors"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// ErrIssuerDisabled is returned when no API key is configured for minting.
var ErrIssuerDisabled = errors.New("credential issuer not configured")

// ClientSecret is the ephemeral key handed to the device.
type ClientSecret struct {
	Value     string `json:"value"`
	ExpiresAt int64  `json:"expires_at,omitempty"`
}

// SessionToken is the realtime session the backend created for one device session.
type SessionToken struct {
	ID           string       `json:"id,omitempty"`
	Object       string       `json:"object,omitempty"`
	Model        string       `json:"model,omitempty"`
	ClientSecret ClientSecret `json:"client_secret"`
}

type sessionRequest struct {
	Model                   string               `json:"model"`
	Voice                   string               `json:"voice,omitempty"`
	Modalities              []string             `json:"modalities"`
	InputAudioTranscription *TranscriptionConfig `json:"input_audio_transcription,omitempty"`
}

// IssuerConfig configures the credential issuer.
type IssuerConfig struct {
	APIKey             string
	BaseURL            string
	Model              string
	Voice              string
	TranscriptionModel string
}

// Issuer mints ephemeral realtime credentials from a long-lived API key.
type Issuer struct {
	client  openai.Client
	cfg     IssuerConfig
	enabled bool
}

// NewIssuer creates an issuer. Without an API key every Mint fails with ErrIssuerDisabled.
func NewIssuer(cfg IssuerConfig, opts ...option.RequestOption) *Issuer {
	base := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		base = append(base, option.WithBaseURL(cfg.BaseURL))
	}
	return &Issuer{
		client:  openai.NewClient(append(base, opts...)...),
		cfg:     cfg,
		enabled: cfg.APIKey != "",
	}
}

// Enabled reports whether the issuer has an API key.
func (i *Issuer) Enabled() bool { return i != nil && i.enabled }

// Mint creates a realtime session and returns its ephemeral credential.
func (i *Issuer) Mint(ctx context.Context) (*SessionToken, error) {
	if !i.Enabled() {
		return nil, ErrIssuerDisabled
	}
	body := sessionRequest{
		Model:      i.cfg.Model,
		Voice:      i.cfg.Voice,
		Modalities: []string{"text", "audio"},
	}
	if i.cfg.TranscriptionModel != "" {
		body.InputAudioTranscription = &TranscriptionConfig{Model: i.cfg.TranscriptionModel}
	}

	var token SessionToken
	if err := i.client.Post(ctx, "realtime/sessions", body, &token); err != nil {
		return nil, fmt.Errorf("create realtime session: %w", err)
	}
	if token.ClientSecret.Value == "" {
		return nil, ErrNoCredential
	}
	return &token, nil
}
