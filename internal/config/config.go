package config

import (
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all runtime configuration for the WirePBX server.
// Precedence: CLI flags > env vars > defaults.
type Config struct {
	DataDir         string
	HTTPPort        int
	MaxSessions     int    // maximum concurrent signaling sessions
	SessionIdleSecs int    // idle timeout for sessions with no call attached
	ICEServers      string // comma-separated STUN/TURN URLs handed to browser endpoints
	EntryMenu       string // IVR menu id callers enter at ("main")
	DigitTimeoutSec int    // per-menu digit collection timeout
	MaxRetries      int    // invalid/timeout retries before fallback
	OperatorExt     string // fallback destination extension
	SIPListenAddr   string // listen address for the SIP fabric adapter, host:port
	CORSOrigins     string
	APIRateLimit    int    // per-IP requests/second on the API surface
	AuthRateLimit   int    // per-IP requests/second on login and setup
	JWTSecret       string // hex-encoded 32-byte secret for API token signing
	LogLevel        string
	LogFormat       string // "text" or "json"
}

// defaults
const (
	defaultDataDir         = "./data"
	defaultHTTPPort        = 8080
	defaultMaxSessions     = 500
	defaultSessionIdleSecs = 120
	defaultICEServers      = "stun:stun.l.google.com:19302"
	defaultEntryMenu       = "main"
	defaultDigitTimeout    = 10
	defaultMaxRetries      = 3
	defaultOperatorExt     = "0"
	defaultSIPListenAddr   = "127.0.0.1:5080"
	defaultAPIRateLimit    = 20
	defaultAuthRateLimit   = 5
	defaultLogLevel        = "info"
	defaultLogFormat       = "text"
)

// envPrefix is the prefix for all WirePBX environment variables.
const envPrefix = "WIREPBX_"

// Load parses configuration from CLI flags and environment variables.
// Precedence: CLI flags > env vars > defaults.
func Load() (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("wirepbxd", flag.ContinueOnError)

	fs.StringVar(&cfg.DataDir, "data-dir", defaultDataDir, "data directory for database and file storage")
	fs.IntVar(&cfg.HTTPPort, "http-port", defaultHTTPPort, "HTTP server listen port")
	fs.IntVar(&cfg.MaxSessions, "max-sessions", defaultMaxSessions, "maximum concurrent signaling sessions")
	fs.IntVar(&cfg.SessionIdleSecs, "session-idle-timeout", defaultSessionIdleSecs, "seconds before an idle session with no call is reaped")
	fs.StringVar(&cfg.ICEServers, "ice-servers", defaultICEServers, "comma-separated STUN/TURN server URLs for browser endpoints")
	fs.StringVar(&cfg.EntryMenu, "entry-menu", defaultEntryMenu, "IVR menu id that inbound callers enter at")
	fs.IntVar(&cfg.DigitTimeoutSec, "digit-timeout", defaultDigitTimeout, "seconds to wait for an IVR digit before a timeout retry")
	fs.IntVar(&cfg.MaxRetries, "max-retries", defaultMaxRetries, "invalid/timeout retries before falling back to the operator")
	fs.StringVar(&cfg.OperatorExt, "operator-extension", defaultOperatorExt, "extension the IVR falls back to when retries are exhausted")
	fs.StringVar(&cfg.SIPListenAddr, "sip-listen-addr", defaultSIPListenAddr, "listen address (host:port) for the SIP call fabric adapter")
	fs.StringVar(&cfg.CORSOrigins, "cors-origins", "", "comma-separated list of allowed CORS origins (use * for all)")
	fs.IntVar(&cfg.APIRateLimit, "api-rate-limit", defaultAPIRateLimit, "per-IP requests per second allowed on the API")
	fs.IntVar(&cfg.AuthRateLimit, "auth-rate-limit", defaultAuthRateLimit, "per-IP requests per second allowed on login and setup")
	fs.StringVar(&cfg.JWTSecret, "jwt-secret", "", "hex-encoded 32-byte secret for API token signing (auto-generated if empty)")
	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")

	if err := fs.Parse(os.Args[1:]); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	applyEnvOverrides(fs, cfg)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides checks environment variables for any flag that was not
// explicitly provided on the command line. This preserves the precedence:
// CLI flags > env vars > defaults.
func applyEnvOverrides(fs *flag.FlagSet, cfg *Config) {
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	envMap := map[string]string{
		"data-dir":             envPrefix + "DATA_DIR",
		"http-port":            envPrefix + "HTTP_PORT",
		"max-sessions":         envPrefix + "MAX_SESSIONS",
		"session-idle-timeout": envPrefix + "SESSION_IDLE_TIMEOUT",
		"ice-servers":          envPrefix + "ICE_SERVERS",
		"entry-menu":           envPrefix + "ENTRY_MENU",
		"digit-timeout":        envPrefix + "DIGIT_TIMEOUT",
		"max-retries":          envPrefix + "MAX_RETRIES",
		"operator-extension":   envPrefix + "OPERATOR_EXTENSION",
		"sip-listen-addr":      envPrefix + "SIP_LISTEN_ADDR",
		"cors-origins":         envPrefix + "CORS_ORIGINS",
		"api-rate-limit":       envPrefix + "API_RATE_LIMIT",
		"auth-rate-limit":      envPrefix + "AUTH_RATE_LIMIT",
		"jwt-secret":           envPrefix + "JWT_SECRET",
		"log-level":            envPrefix + "LOG_LEVEL",
		"log-format":           envPrefix + "LOG_FORMAT",
	}

	for flagName, envVar := range envMap {
		if set[flagName] {
			continue
		}
		val, ok := os.LookupEnv(envVar)
		if !ok || val == "" {
			continue
		}
		switch flagName {
		case "data-dir":
			cfg.DataDir = val
		case "http-port":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.HTTPPort = v
			}
		case "max-sessions":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.MaxSessions = v
			}
		case "session-idle-timeout":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.SessionIdleSecs = v
			}
		case "ice-servers":
			cfg.ICEServers = val
		case "entry-menu":
			cfg.EntryMenu = val
		case "digit-timeout":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.DigitTimeoutSec = v
			}
		case "max-retries":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.MaxRetries = v
			}
		case "operator-extension":
			cfg.OperatorExt = val
		case "sip-listen-addr":
			cfg.SIPListenAddr = val
		case "cors-origins":
			cfg.CORSOrigins = val
		case "api-rate-limit":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.APIRateLimit = v
			}
		case "auth-rate-limit":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.AuthRateLimit = v
			}
		case "jwt-secret":
			cfg.JWTSecret = val
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
	if c.MaxSessions < 1 {
		return fmt.Errorf("max-sessions must be at least 1, got %d", c.MaxSessions)
	}
	if c.SessionIdleSecs < 1 {
		return fmt.Errorf("session-idle-timeout must be at least 1 second, got %d", c.SessionIdleSecs)
	}
	if c.DigitTimeoutSec < 1 {
		return fmt.Errorf("digit-timeout must be at least 1 second, got %d", c.DigitTimeoutSec)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max-retries must not be negative, got %d", c.MaxRetries)
	}
	if c.EntryMenu == "" {
		return fmt.Errorf("entry-menu must not be empty")
	}
	if c.OperatorExt == "" {
		return fmt.Errorf("operator-extension must not be empty")
	}
	if _, _, ok := strings.Cut(c.SIPListenAddr, ":"); !ok {
		return fmt.Errorf("sip-listen-addr must be host:port, got %q", c.SIPListenAddr)
	}
	if c.APIRateLimit < 1 {
		return fmt.Errorf("api-rate-limit must be at least 1, got %d", c.APIRateLimit)
	}
	if c.AuthRateLimit < 1 {
		return fmt.Errorf("auth-rate-limit must be at least 1, got %d", c.AuthRateLimit)
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

// ICEServerList splits the configured ICE server string into a slice of URLs.
func (c *Config) ICEServerList() []string {
	return splitCSV(c.ICEServers)
}

// CORSOriginList splits the configured CORS origins into a slice. Empty
// configuration returns nil, which disables CORS handling entirely.
func (c *Config) CORSOriginList() []string {
	return splitCSV(c.CORSOrigins)
}

// splitCSV splits a comma-separated value, trimming whitespace and dropping
// empty entries. Returns nil for blank input.
func splitCSV(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// DigitTimeout returns the digit-collection timeout as a duration.
func (c *Config) DigitTimeout() time.Duration {
	return time.Duration(c.DigitTimeoutSec) * time.Second
}

// SessionIdleTimeout returns the session idle timeout as a duration.
func (c *Config) SessionIdleTimeout() time.Duration {
	return time.Duration(c.SessionIdleSecs) * time.Second
}

// JWTSecretBytes returns the decoded 32-byte token signing secret.
// If no secret is configured, it generates a random 32-byte key and stores
// the hex-encoded value back in the config for the process lifetime.
func (c *Config) JWTSecretBytes() ([]byte, error) {
	if c.JWTSecret == "" {
		key := make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("generating jwt secret: %w", err)
		}
		c.JWTSecret = hex.EncodeToString(key)
		slog.Warn("no jwt-secret configured, generated ephemeral key (tokens will not survive restart)")
		return key, nil
	}
	key, err := hex.DecodeString(c.JWTSecret)
	if err != nil {
		return nil, fmt.Errorf("decoding jwt secret: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("jwt secret must decode to 32 bytes, got %d", len(key))
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
