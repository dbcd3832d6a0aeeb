package config

import (
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all runtime configuration for the flowphone daemon.
// Precedence: CLI flags > env vars > .env file > defaults.
type Config struct {
	DataDir     string `env:"DATA_DIR" envDefault:"./data"`
	HTTPAddr    string `env:"HTTP_ADDR" envDefault:"127.0.0.1:8686"`
	CORSOrigins string `env:"CORS_ORIGINS"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat   string `env:"LOG_FORMAT" envDefault:"text"`

	// APIToken is the bearer token required on the local API. Empty
	// disables API authentication.
	APIToken string `env:"API_TOKEN"`

	// EncryptionKey is a 32-byte hex-encoded key for sealing stored secrets.
	EncryptionKey string `env:"ENCRYPTION_KEY"`

	// PBXURL is the FlowPBX base URL for accounts that do not carry one.
	PBXURL     string        `env:"PBX_URL"`
	PBXTimeout time.Duration `env:"PBX_TIMEOUT" envDefault:"10s"`

	SIPServer      string        `env:"SIP_SERVER"`
	SIPDomain      string        `env:"SIP_DOMAIN"`
	SIPTransport   string        `env:"SIP_TRANSPORT" envDefault:"udp"`
	SIPListen      string        `env:"SIP_LISTEN" envDefault:"0.0.0.0:5070"`
	SIPContactHost string        `env:"SIP_CONTACT_HOST"`
	SIPExpiry      int           `env:"SIP_EXPIRY" envDefault:"600"`
	RingTimeout    time.Duration `env:"RING_TIMEOUT" envDefault:"60s"`
	Video          bool          `env:"VIDEO" envDefault:"true"`

	PushPlatform string `env:"PUSH_PLATFORM" envDefault:"ios"`
	PushProvider string `env:"PUSH_PROVIDER" envDefault:"apns"`
	PushParam    string `env:"PUSH_PARAM"`

	PushBudget       time.Duration `env:"PUSH_BUDGET" envDefault:"5s"`
	AuthTimeout      time.Duration `env:"AUTH_TIMEOUT" envDefault:"15s"`
	AnswerTimeout    time.Duration `env:"ANSWER_TIMEOUT" envDefault:"10s"`
	EndTimeout       time.Duration `env:"END_TIMEOUT" envDefault:"5s"`
	UIAckTimeout     time.Duration `env:"UI_ACK_TIMEOUT" envDefault:"5s"`
	SessionRetention time.Duration `env:"SESSION_RETENTION" envDefault:"30s"`
}

// envPrefix is the prefix for all flowphone environment variables.
const envPrefix = "FLOWPHONE_"

// envFileVar names an alternative .env file.
const envFileVar = envPrefix + "ENV_FILE"

// Load parses configuration from the process arguments, environment and
// .env file.
func Load() (*Config, error) {
	return load(os.Args[1:])
}

func load(args []string) (*Config, error) {
	if err := loadEnvFile(); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: envPrefix}); err != nil {
		return nil, fmt.Errorf("parsing environment: %w", err)
	}

	// Flags default to the env-derived values so only explicit flags win.
	flags := flag.NewFlagSet("flowphone", flag.ContinueOnError)

	flags.StringVar(&cfg.DataDir, "data-dir", cfg.DataDir, "data directory for the database")
	flags.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "local API listen address")
	flags.StringVar(&cfg.APIToken, "api-token", cfg.APIToken, "bearer token required on the local API")
	flags.StringVar(&cfg.CORSOrigins, "cors-origins", cfg.CORSOrigins, "comma-separated list of allowed CORS origins (use * for all)")
	flags.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	flags.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "log output format (text, json)")
	flags.StringVar(&cfg.EncryptionKey, "encryption-key", cfg.EncryptionKey, "hex-encoded 32-byte key for sealing stored secrets")
	flags.StringVar(&cfg.PBXURL, "pbx-url", cfg.PBXURL, "FlowPBX base URL")
	flags.DurationVar(&cfg.PBXTimeout, "pbx-timeout", cfg.PBXTimeout, "timeout for FlowPBX API requests")
	flags.StringVar(&cfg.SIPServer, "sip-server", cfg.SIPServer, "SIP registrar host[:port]")
	flags.StringVar(&cfg.SIPDomain, "sip-domain", cfg.SIPDomain, "SIP domain (defaults to the registrar host)")
	flags.StringVar(&cfg.SIPTransport, "sip-transport", cfg.SIPTransport, "SIP transport (udp, tcp)")
	flags.StringVar(&cfg.SIPListen, "sip-listen", cfg.SIPListen, "local SIP listen address")
	flags.StringVar(&cfg.SIPContactHost, "sip-contact-host", cfg.SIPContactHost, "address advertised in Contact and SDP")
	flags.IntVar(&cfg.SIPExpiry, "sip-expiry", cfg.SIPExpiry, "requested registration lifetime in seconds")
	flags.DurationVar(&cfg.RingTimeout, "ring-timeout", cfg.RingTimeout, "how long an outbound call may ring")
	flags.BoolVar(&cfg.Video, "video", cfg.Video, "allow video calls")
	flags.StringVar(&cfg.PushPlatform, "push-platform", cfg.PushPlatform, "push platform reported to the PBX (ios, android)")
	flags.StringVar(&cfg.PushProvider, "push-provider", cfg.PushProvider, "RFC 8599 pn-provider")
	flags.StringVar(&cfg.PushParam, "push-param", cfg.PushParam, "RFC 8599 pn-param")
	flags.DurationVar(&cfg.PushBudget, "push-budget", cfg.PushBudget, "time allowed to resolve one push")
	flags.DurationVar(&cfg.AuthTimeout, "auth-timeout", cfg.AuthTimeout, "time allowed for one authentication attempt")
	flags.DurationVar(&cfg.AnswerTimeout, "answer-timeout", cfg.AnswerTimeout, "time allowed for an answered call to connect")
	flags.DurationVar(&cfg.EndTimeout, "end-timeout", cfg.EndTimeout, "time allowed for the SIP stack to end a call")
	flags.DurationVar(&cfg.UIAckTimeout, "ui-ack-timeout", cfg.UIAckTimeout, "time allowed for the telephony UI to acknowledge a report")
	flags.DurationVar(&cfg.SessionRetention, "session-retention", cfg.SessionRetention, "how long ended calls stay resolvable")

	if err := flags.Parse(args); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// loadEnvFile loads FLOWPHONE_ENV_FILE, or .env when unset. Variables
// already present in the environment are not overridden. A missing default
// file is not an error.
func loadEnvFile() error {
	path := os.Getenv(envFileVar)
	if path != "" {
		if err := godotenv.Load(path); err != nil {
			return fmt.Errorf("loading %s: %w", path, err)
		}
		return nil
	}
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("loading .env: %w", err)
	}
	return nil
}

// validate checks that the config values are sane.
func (c *Config) validate() error {
	if err := validateAddr("http-addr", c.HTTPAddr); err != nil {
		return err
	}
	if err := validateAddr("sip-listen", c.SIPListen); err != nil {
		return err
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

	c.SIPTransport = strings.ToLower(c.SIPTransport)
	if c.SIPTransport != "udp" && c.SIPTransport != "tcp" {
		return fmt.Errorf("sip-transport must be udp or tcp, got %q", c.SIPTransport)
	}
	if c.SIPExpiry < 60 || c.SIPExpiry > 86400 {
		return fmt.Errorf("sip-expiry must be between 60 and 86400, got %d", c.SIPExpiry)
	}

	c.PushPlatform = strings.ToLower(c.PushPlatform)
	if c.PushPlatform != "ios" && c.PushPlatform != "android" {
		return fmt.Errorf("push-platform must be ios or android, got %q", c.PushPlatform)
	}

	durations := []struct {
		name string
		d    time.Duration
	}{
		{"pbx-timeout", c.PBXTimeout},
		{"ring-timeout", c.RingTimeout},
		{"push-budget", c.PushBudget},
		{"auth-timeout", c.AuthTimeout},
		{"answer-timeout", c.AnswerTimeout},
		{"end-timeout", c.EndTimeout},
		{"ui-ack-timeout", c.UIAckTimeout},
	}
	for _, d := range durations {
		if d.d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", d.name, d.d)
		}
	}
	if c.SessionRetention < 0 {
		return fmt.Errorf("session-retention must not be negative, got %s", c.SessionRetention)
	}

	if _, err := c.EncryptionKeyBytes(); err != nil {
		return err
	}

	return nil
}

func validateAddr(name, addr string) error {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("%s must be host:port, got %q", name, addr)
	}
	p, err := strconv.Atoi(port)
	if err != nil || p < 1 || p > 65535 {
		return fmt.Errorf("%s port must be between 1 and 65535, got %q", name, port)
	}
	return nil
}

// EncryptionKeyBytes returns the decoded 32-byte encryption key, or nil if
// no key is configured.
func (c *Config) EncryptionKeyBytes() ([]byte, error) {
	if c.EncryptionKey == "" {
		return nil, nil
	}
	key, err := hex.DecodeString(c.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("decoding encryption key: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("encryption key must decode to 32 bytes, got %d", len(key))
	}
	return key, nil
}

// Origins returns the configured CORS origins.
func (c *Config) Origins() []string {
	var out []string
	for _, o := range strings.Split(c.CORSOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}

// ContactHost returns the address to advertise in SIP Contact headers and
// SDP. If SIPContactHost is configured it is returned directly. Otherwise
// the machine's primary non-loopback IPv4 address is used, falling back to
// "127.0.0.1".
func (c *Config) ContactHost() string {
	if c.SIPContactHost != "" {
		return c.SIPContactHost
	}
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "127.0.0.1"
	}
	for _, addr := range addrs {
		if ipNet, ok := addr.(*net.IPNet); ok && !ipNet.IP.IsLoopback() {
			if ipNet.IP.To4() != nil {
				return ipNet.IP.String()
			}
		}
	}
	return "127.0.0.1"
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
