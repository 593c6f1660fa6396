package config

import (
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all runtime configuration for the voicebridge server.
// Precedence: CLI flags > env vars > defaults.
type Config struct {
	HTTPPort  int
	PublicURL string // external base URL, used to build connect/stream URLs

	ProviderAPIBase    string // telephony provider REST API root
	ProviderAccountSID string
	ProviderAuthToken  string
	ProviderNumber     string // E.164 caller ID for outbound calls

	AIURL               string // AI live WebSocket endpoint
	AIAPIKey            string
	AIModel             string
	AIVoice             string // default voice profile
	AISystemInstruction string // default system instruction

	Codec             string // telephony companding law: "ulaw" or "alaw"
	StreamTokenSecret string // hex-encoded 32-byte secret for stream tokens

	MaxCallDuration   time.Duration
	InactivityTimeout time.Duration
	AIConnectTimeout  time.Duration

	LogLevel  string
	LogFormat string // "text" or "json"
}

// defaults
const (
	defaultHTTPPort          = 8080
	defaultProviderAPIBase   = "https://api.twilio.com/2010-04-01"
	defaultAIModel           = "live-audio-1"
	defaultCodec             = "ulaw"
	defaultMaxCallDuration   = time.Hour
	defaultInactivityTimeout = 30 * time.Second
	defaultAIConnectTimeout  = 10 * time.Second
	defaultLogLevel          = "info"
	defaultLogFormat         = "text"
)

// envPrefix is the prefix for all voicebridge environment variables.
const envPrefix = "VOICEBRIDGE_"

// Load parses configuration from CLI flags and environment variables.
// Precedence: CLI flags > env vars > defaults.
func Load() (*Config, error) {
	return load(os.Args[1:], os.LookupEnv)
}

func load(args []string, lookupEnv func(string) (string, bool)) (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("voicebridge", flag.ContinueOnError)

	fs.IntVar(&cfg.HTTPPort, "http-port", defaultHTTPPort, "HTTP server listen port")
	fs.StringVar(&cfg.PublicURL, "public-url", "", "external base URL of this server (e.g., https://bridge.example.com)")
	fs.StringVar(&cfg.ProviderAPIBase, "provider-api-base", defaultProviderAPIBase, "telephony provider REST API root URL")
	fs.StringVar(&cfg.ProviderAccountSID, "provider-account-sid", "", "telephony provider account SID")
	fs.StringVar(&cfg.ProviderAuthToken, "provider-auth-token", "", "telephony provider auth token")
	fs.StringVar(&cfg.ProviderNumber, "provider-number", "", "E.164 caller ID for outbound calls")
	fs.StringVar(&cfg.AIURL, "ai-url", "", "AI live WebSocket endpoint (ws:// or wss://)")
	fs.StringVar(&cfg.AIAPIKey, "ai-api-key", "", "API key for the AI live service")
	fs.StringVar(&cfg.AIModel, "ai-model", defaultAIModel, "conversational model name")
	fs.StringVar(&cfg.AIVoice, "ai-voice", "", "default voice profile for AI speech")
	fs.StringVar(&cfg.AISystemInstruction, "ai-system-instruction", "", "default system instruction for AI sessions")
	fs.StringVar(&cfg.Codec, "codec", defaultCodec, "telephony companding law (ulaw, alaw)")
	fs.StringVar(&cfg.StreamTokenSecret, "stream-token-secret", "", "hex-encoded 32-byte secret for media-stream tokens (auto-generated if empty)")
	fs.DurationVar(&cfg.MaxCallDuration, "max-call-duration", defaultMaxCallDuration, "hard cap on bridged call duration")
	fs.DurationVar(&cfg.InactivityTimeout, "inactivity-timeout", defaultInactivityTimeout, "drain calls with no media for this long")
	fs.DurationVar(&cfg.AIConnectTimeout, "ai-connect-timeout", defaultAIConnectTimeout, "timeout for AI session dial and setup")
	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")

	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	applyEnvOverrides(fs, cfg, lookupEnv)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides checks environment variables for any flag that was not
// explicitly provided on the command line. This preserves the precedence:
// CLI flags > env vars > defaults.
func applyEnvOverrides(fs *flag.FlagSet, cfg *Config, lookupEnv func(string) (string, bool)) {
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	envMap := map[string]string{
		"http-port":             envPrefix + "HTTP_PORT",
		"public-url":            envPrefix + "PUBLIC_URL",
		"provider-api-base":     envPrefix + "PROVIDER_API_BASE",
		"provider-account-sid":  envPrefix + "PROVIDER_ACCOUNT_SID",
		"provider-auth-token":   envPrefix + "PROVIDER_AUTH_TOKEN",
		"provider-number":       envPrefix + "PROVIDER_NUMBER",
		"ai-url":                envPrefix + "AI_URL",
		"ai-api-key":            envPrefix + "AI_API_KEY",
		"ai-model":              envPrefix + "AI_MODEL",
		"ai-voice":              envPrefix + "AI_VOICE",
		"ai-system-instruction": envPrefix + "AI_SYSTEM_INSTRUCTION",
		"codec":                 envPrefix + "CODEC",
		"stream-token-secret":   envPrefix + "STREAM_TOKEN_SECRET",
		"max-call-duration":     envPrefix + "MAX_CALL_DURATION",
		"inactivity-timeout":    envPrefix + "INACTIVITY_TIMEOUT",
		"ai-connect-timeout":    envPrefix + "AI_CONNECT_TIMEOUT",
		"log-level":             envPrefix + "LOG_LEVEL",
		"log-format":            envPrefix + "LOG_FORMAT",
	}

	for flagName, envVar := range envMap {
		if set[flagName] {
			continue
		}
		val, ok := lookupEnv(envVar)
		if !ok || val == "" {
			continue
		}
		switch flagName {
		case "http-port":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.HTTPPort = v
			}
		case "public-url":
			cfg.PublicURL = val
		case "provider-api-base":
			cfg.ProviderAPIBase = val
		case "provider-account-sid":
			cfg.ProviderAccountSID = val
		case "provider-auth-token":
			cfg.ProviderAuthToken = val
		case "provider-number":
			cfg.ProviderNumber = val
		case "ai-url":
			cfg.AIURL = val
		case "ai-api-key":
			cfg.AIAPIKey = val
		case "ai-model":
			cfg.AIModel = val
		case "ai-voice":
			cfg.AIVoice = val
		case "ai-system-instruction":
			cfg.AISystemInstruction = val
		case "codec":
			cfg.Codec = val
		case "stream-token-secret":
			cfg.StreamTokenSecret = val
		case "max-call-duration":
			if v, err := time.ParseDuration(val); err == nil {
				cfg.MaxCallDuration = v
			}
		case "inactivity-timeout":
			if v, err := time.ParseDuration(val); err == nil {
				cfg.InactivityTimeout = v
			}
		case "ai-connect-timeout":
			if v, err := time.ParseDuration(val); err == nil {
				cfg.AIConnectTimeout = v
			}
		case "log-level":
			cfg.LogLevel = val
		case "log-format":
			cfg.LogFormat = val
		}
	}
}

// validate checks that the config values are sane.
func (c *Config) validate() error {
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("http-port must be between 1 and 65535, got %d", c.HTTPPort)
	}

	if c.PublicURL != "" {
		u, err := url.Parse(c.PublicURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return fmt.Errorf("public-url must be an http(s) URL, got %q", c.PublicURL)
		}
		c.PublicURL = strings.TrimRight(c.PublicURL, "/")
	}

	c.Codec = strings.ToLower(c.Codec)
	if c.Codec != "ulaw" && c.Codec != "alaw" {
		return fmt.Errorf("codec must be ulaw or alaw, got %q", c.Codec)
	}

	if c.MaxCallDuration <= 0 {
		return fmt.Errorf("max-call-duration must be positive, got %s", c.MaxCallDuration)
	}
	if c.InactivityTimeout <= 0 {
		return fmt.Errorf("inactivity-timeout must be positive, got %s", c.InactivityTimeout)
	}
	if c.AIConnectTimeout <= 0 {
		return fmt.Errorf("ai-connect-timeout must be positive, got %s", c.AIConnectTimeout)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("log-level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	c.LogLevel = strings.ToLower(c.LogLevel)

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.LogFormat)] {
		return fmt.Errorf("log-format must be one of text, json; got %q", c.LogFormat)
	}
	c.LogFormat = strings.ToLower(c.LogFormat)

	return nil
}

// ConnectURL returns the URL the provider fetches for the connect document.
func (c *Config) ConnectURL() string {
	return c.PublicURL + "/api/v1/telephony/connect"
}

// StreamURL returns the media-stream WebSocket URL with the given token,
// derived from the public URL with the scheme swapped to ws(s).
func (c *Config) StreamURL(token string) string {
	base := c.PublicURL
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/api/v1/telephony/stream?token=" + url.QueryEscape(token)
}

// StreamTokenSecretBytes returns the decoded 32-byte stream token secret.
// If no secret is configured, it generates a random key for the process
// lifetime; outstanding tokens will not survive a restart.
func (c *Config) StreamTokenSecretBytes() ([]byte, error) {
	if c.StreamTokenSecret == "" {
		key := make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("generating stream token secret: %w", err)
		}
		c.StreamTokenSecret = hex.EncodeToString(key)
		slog.Warn("no stream-token-secret configured, generated ephemeral key (tokens will not survive restart)")
		return key, nil
	}
	key, err := hex.DecodeString(c.StreamTokenSecret)
	if err != nil {
		return nil, fmt.Errorf("decoding stream token secret: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("stream token secret must decode to 32 bytes, got %d", len(key))
	}
	return key, nil
}

// SlogHandler returns a slog.Handler configured with the appropriate format
// (text or json) and log level.
func (c *Config) SlogHandler(w *os.File) slog.Handler {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.LogFormat == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// SlogLevel returns the slog.Level corresponding to the configured log level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
