// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Port            string
	FrontendURL     string
	DBPath          string
	GRPCHealthAddr  string // empty disables the gRPC health service
	Realtime        RealtimeConfig
	Knowledge       KnowledgeConfig
	Media           MediaConfig
	Voice           VoiceConfig
	MDNS            MDNSConfig
	ConversationLog ConversationLogConfig
	Retention       time.Duration // 0 keeps conversations forever
}

// RealtimeConfig configures the hosted realtime AI backend.
type RealtimeConfig struct {
	APIKey             string // long-lived key used only by the token issuer
	BaseURL            string
	Model              string
	Voice              string
	URL                string // signaling endpoint; model is appended as a query parameter
	TokenURL           string // ephemeral credential endpoint
	TokenAuth          string // optional bearer sent to TokenURL
	TranscriptionModel string
	STUNURLs           []string
}

// KnowledgeConfig points at the vector index used by the search tools.
type KnowledgeConfig struct {
	URL   string
	Token string
}

// MediaConfig configures local audio capture, playback and speech synthesis.
type MediaConfig struct {
	MicCommand    string
	MicDevice     string
	PlayerCommand string
	TTSCommand    string
	TTSVoice      string
	TTSRate       int
}

// VoiceConfig tunes the session controller.
type VoiceConfig struct {
	EventBuffer        int
	AnswerUnknownTools bool
	NegotiationTimeout time.Duration // 0 = no timeout
	ToolTimeout        time.Duration // 0 = no timeout
}

// MDNSConfig controls LAN advertisement of the gateway.
type MDNSConfig struct {
	Enabled bool
	Name    string
}

// ConversationLogConfig controls JSON conversation logging.
type ConversationLogConfig struct {
	Enabled       bool
	Dir           string
	GlobalEnabled bool
	GlobalPath    string
	QueueSize     int
}

const (
	defaultRealtimeURL  = "https://api.openai.com/v1/realtime"
	defaultModel        = "gpt-4o-realtime-preview-2024-12-17"
	defaultMicCommand   = "ffmpeg -hide_banner -loglevel error -f alsa -i default -ac 1 -ar 48000 -c:a libopus -page_duration 20000 -f ogg -"
	defaultPlayerCmd    = "ffplay -hide_banner -loglevel error -nodisp -autoexit -i -"
	defaultTTSCommand   = "espeak-ng"
	defaultSTUNURL      = "stun:stun.l.google.com:19302"
	defaultEventBuffer  = 500
	defaultLogQueueSize = 1000
)

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	queueSize := getEnvInt("CONVERSATION_LOG_QUEUE_SIZE", defaultLogQueueSize)
	if queueSize <= 0 {
		queueSize = defaultLogQueueSize
	}

	port := getEnv("PORT", "8080")
	cfg := &Config{
		Port:           port,
		FrontendURL:    getEnv("FRONTEND_URL", ""),
		DBPath:         getEnv("DB_PATH", "./data/farmvoice.db"),
		GRPCHealthAddr: getEnv("GRPC_HEALTH_ADDR", ""),
		Realtime: RealtimeConfig{
			APIKey:             getEnv("OPENAI_API_KEY", ""),
			BaseURL:            getEnv("OPENAI_BASE_URL", ""),
			Model:              getEnv("REALTIME_MODEL", defaultModel),
			Voice:              getEnv("REALTIME_VOICE", "alloy"),
			URL:                getEnv("REALTIME_URL", defaultRealtimeURL),
			TokenURL:           getEnv("TOKEN_URL", "http://127.0.0.1:"+port+"/api/realtime/token"),
			TokenAuth:          getEnv("TOKEN_AUTH", ""),
			TranscriptionModel: getEnv("TRANSCRIPTION_MODEL", "whisper-1"),
			STUNURLs:           getEnvList("STUN_URLS", []string{defaultSTUNURL}),
		},
		Knowledge: KnowledgeConfig{
			URL:   getEnv("VECTOR_URL", ""),
			Token: getEnv("VECTOR_TOKEN", ""),
		},
		Media: MediaConfig{
			MicCommand:    getEnv("MIC_COMMAND", defaultMicCommand),
			MicDevice:     getEnv("MIC_DEVICE", "/dev/snd"),
			PlayerCommand: getEnv("PLAYER_COMMAND", defaultPlayerCmd),
			TTSCommand:    getEnv("TTS_COMMAND", defaultTTSCommand),
			TTSVoice:      getEnv("TTS_VOICE", "en-IN"),
			TTSRate:       getEnvInt("TTS_RATE", 157),
		},
		Voice: VoiceConfig{
			EventBuffer:        getEnvInt("VOICE_EVENT_BUFFER", defaultEventBuffer),
			AnswerUnknownTools: getEnvBool("VOICE_ANSWER_UNKNOWN_TOOLS", false),
			NegotiationTimeout: getEnvDuration("VOICE_NEGOTIATION_TIMEOUT", 0),
			ToolTimeout:        getEnvDuration("VOICE_TOOL_TIMEOUT", 0),
		},
		MDNS: MDNSConfig{
			Enabled: getEnvBool("MDNS_ENABLED", false),
			Name:    getEnv("MDNS_NAME", "farmvoice"),
		},
		ConversationLog: ConversationLogConfig{
			Enabled:       getEnvBool("CONVERSATION_LOG_ENABLED", true),
			Dir:           getEnv("CONVERSATION_LOG_DIR", "./data/logs/conversations"),
			GlobalEnabled: getEnvBool("CONVERSATION_LOG_GLOBAL_ENABLED", false),
			GlobalPath:    getEnv("CONVERSATION_LOG_GLOBAL_PATH", "./data/logs/conversations/all.ndjson"),
			QueueSize:     queueSize,
		},
		Retention: getEnvDuration("CONVERSATION_RETENTION", 0),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.Realtime.Model == "" {
		return fmt.Errorf("REALTIME_MODEL cannot be empty")
	}
	if c.Realtime.URL == "" {
		return fmt.Errorf("REALTIME_URL cannot be empty")
	}
	if c.Realtime.TokenURL == "" {
		return fmt.Errorf("TOKEN_URL cannot be empty")
	}
	if c.Voice.EventBuffer <= 0 {
		return fmt.Errorf("VOICE_EVENT_BUFFER must be > 0")
	}
	if c.Voice.NegotiationTimeout < 0 || c.Voice.ToolTimeout < 0 {
		return fmt.Errorf("voice timeouts cannot be negative")
	}
	if c.Retention < 0 {
		return fmt.Errorf("CONVERSATION_RETENTION cannot be negative")
	}
	if c.ConversationLog.Dir == "" {
		return fmt.Errorf("CONVERSATION_LOG_DIR cannot be empty")
	}
	if c.ConversationLog.GlobalPath == "" {
		return fmt.Errorf("CONVERSATION_LOG_GLOBAL_PATH cannot be empty")
	}
	if c.ConversationLog.QueueSize <= 0 {
		return fmt.Errorf("CONVERSATION_LOG_QUEUE_SIZE must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

// IssuerEnabled reports whether this gateway can mint ephemeral credentials itself.
func (c *Config) IssuerEnabled() bool {
	return c.Realtime.APIKey != ""
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}

func getEnvList(key string, fallback []string) []string {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
