package config

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all runtime configuration for the Voxline calling agent.
// Precedence: CLI flags > env vars > defaults.
type Config struct {
	DataDir       string
	BundleID      string // bundle identity, namespaces keystore entries
	HTTPPort      int    // push receiver + metrics listen port
	APIBaseURL    string // account service (token fetch, contact lookup)
	SocketBaseURL string // call correlation websocket endpoint
	CloudBaseURL  string // cloud telephony provider REST API
	FlagsURL      string // remote feature flag document
	SIPHost       string // SIP provider registrar/proxy host
	SIPPort       int
	SIPTransport  string // udp, tcp or tls
	NumberID      int64  // the line this agent answers for
	UserID        string // account user id, used for correlation channel naming
	LineKind      string // telephony backend for the line: "sip" or "cloud"
	PushGWURL     string // push gateway base URL (device token registration)
	PushPlatform  string // push transport this device receives on: "fcm" or "apns"
	PushDeadline  time.Duration
	KeySecret     string // secret the keystore sealing key is derived from
	LogLevel      string
	LogFormat     string // log output format: "text" or "json"
}

// defaults
const (
	defaultDataDir      = "./data"
	defaultBundleID     = "com.voxline.agent"
	defaultHTTPPort     = 8089
	defaultSIPPort      = 5060
	defaultSIPTransport = "udp"
	defaultLineKind     = "sip"
	defaultPushPlatform = "fcm"
	defaultPushDeadline = 5 * time.Second
	defaultLogLevel     = "info"
	defaultLogFormat    = "text"
)

// envPrefix is the prefix for all Voxline environment variables.
const envPrefix = "VOXLINE_"

// Load parses configuration from CLI flags and environment variables.
// Precedence: CLI flags > env vars > defaults.
func Load() (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("voxlined", flag.ContinueOnError)

	fs.StringVar(&cfg.DataDir, "data-dir", defaultDataDir, "data directory for the local keystore")
	fs.StringVar(&cfg.BundleID, "bundle-id", defaultBundleID, "bundle identity used to namespace stored credentials")
	fs.IntVar(&cfg.HTTPPort, "http-port", defaultHTTPPort, "HTTP listen port for the push receiver and metrics")
	fs.StringVar(&cfg.APIBaseURL, "api-base-url", "", "base URL of the account service (token fetch, contacts)")
	fs.StringVar(&cfg.SocketBaseURL, "socket-base-url", "", "base URL of the call correlation websocket")
	fs.StringVar(&cfg.CloudBaseURL, "cloud-base-url", "", "base URL of the cloud telephony provider API")
	fs.StringVar(&cfg.FlagsURL, "flags-url", "", "URL of the remote feature flag document")
	fs.StringVar(&cfg.SIPHost, "sip-host", "", "SIP provider registrar/proxy host")
	fs.IntVar(&cfg.SIPPort, "sip-port", defaultSIPPort, "SIP provider registrar/proxy port")
	fs.StringVar(&cfg.SIPTransport, "sip-transport", defaultSIPTransport, "SIP transport (udp, tcp, tls)")
	fs.Int64Var(&cfg.NumberID, "number-id", 0, "the line this agent answers for")
	fs.StringVar(&cfg.UserID, "user-id", "", "account user id for the call correlation channel")
	fs.StringVar(&cfg.LineKind, "line-kind", defaultLineKind, "telephony backend for the line (sip, cloud)")
	fs.StringVar(&cfg.PushGWURL, "pushgw-url", "", "push gateway base URL for device token registration")
	fs.StringVar(&cfg.PushPlatform, "push-platform", defaultPushPlatform, "push transport this device receives on (fcm, apns)")
	fs.DurationVar(&cfg.PushDeadline, "push-deadline", defaultPushDeadline, "maximum time allowed to process one push payload")
	fs.StringVar(&cfg.KeySecret, "key-secret", "", "secret the keystore sealing key is derived from (plaintext storage if empty)")
	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")

	if err := fs.Parse(os.Args[1:]); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	// Apply env var overrides for any flags not explicitly set on the command
	// line. CLI flags take precedence over env vars.
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
	// Track which flags were explicitly set via CLI.
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	// Map of flag name to env var name.
	envMap := map[string]string{
		"data-dir":        envPrefix + "DATA_DIR",
		"bundle-id":       envPrefix + "BUNDLE_ID",
		"http-port":       envPrefix + "HTTP_PORT",
		"api-base-url":    envPrefix + "API_BASE_URL",
		"socket-base-url": envPrefix + "SOCKET_BASE_URL",
		"cloud-base-url":  envPrefix + "CLOUD_BASE_URL",
		"flags-url":       envPrefix + "FLAGS_URL",
		"sip-host":        envPrefix + "SIP_HOST",
		"sip-port":        envPrefix + "SIP_PORT",
		"sip-transport":   envPrefix + "SIP_TRANSPORT",
		"number-id":       envPrefix + "NUMBER_ID",
		"user-id":         envPrefix + "USER_ID",
		"line-kind":       envPrefix + "LINE_KIND",
		"pushgw-url":      envPrefix + "PUSHGW_URL",
		"push-platform":   envPrefix + "PUSH_PLATFORM",
		"push-deadline":   envPrefix + "PUSH_DEADLINE",
		"key-secret":      envPrefix + "KEY_SECRET",
		"log-level":       envPrefix + "LOG_LEVEL",
		"log-format":      envPrefix + "LOG_FORMAT",
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
		case "bundle-id":
			cfg.BundleID = val
		case "http-port":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.HTTPPort = v
			}
		case "api-base-url":
			cfg.APIBaseURL = val
		case "socket-base-url":
			cfg.SocketBaseURL = val
		case "cloud-base-url":
			cfg.CloudBaseURL = val
		case "flags-url":
			cfg.FlagsURL = val
		case "sip-host":
			cfg.SIPHost = val
		case "sip-port":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.SIPPort = v
			}
		case "sip-transport":
			cfg.SIPTransport = val
		case "number-id":
			if v, err := strconv.ParseInt(val, 10, 64); err == nil {
				cfg.NumberID = v
			}
		case "user-id":
			cfg.UserID = val
		case "line-kind":
			cfg.LineKind = val
		case "pushgw-url":
			cfg.PushGWURL = val
		case "push-platform":
			cfg.PushPlatform = val
		case "push-deadline":
			if v, err := time.ParseDuration(val); err == nil {
				cfg.PushDeadline = v
			}
		case "key-secret":
			cfg.KeySecret = val
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
	if c.SIPPort < 1 || c.SIPPort > 65535 {
		return fmt.Errorf("sip-port must be between 1 and 65535, got %d", c.SIPPort)
	}

	validTransports := map[string]bool{"udp": true, "tcp": true, "tls": true}
	if !validTransports[strings.ToLower(c.SIPTransport)] {
		return fmt.Errorf("sip-transport must be one of udp, tcp, tls; got %q", c.SIPTransport)
	}
	c.SIPTransport = strings.ToLower(c.SIPTransport)

	validKinds := map[string]bool{"sip": true, "cloud": true}
	if !validKinds[strings.ToLower(c.LineKind)] {
		return fmt.Errorf("line-kind must be sip or cloud; got %q", c.LineKind)
	}
	c.LineKind = strings.ToLower(c.LineKind)

	validPlatforms := map[string]bool{"fcm": true, "apns": true}
	if !validPlatforms[strings.ToLower(c.PushPlatform)] {
		return fmt.Errorf("push-platform must be fcm or apns; got %q", c.PushPlatform)
	}
	c.PushPlatform = strings.ToLower(c.PushPlatform)

	if c.PushDeadline <= 0 {
		return fmt.Errorf("push-deadline must be positive, got %s", c.PushDeadline)
	}

	if c.BundleID == "" {
		return fmt.Errorf("bundle-id must not be empty")
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
