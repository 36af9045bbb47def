// Package config provides configuration management for the idkit engine.
// It handles loading and parsing YAML configuration files with an optional
// .env overlay, and provides structured access to client identity, provider
// endpoints, and the engine's tuning knobs.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Config is the engine configuration, loaded from a YAML file.
type Config struct {
	// ClientID identifies the application registered with the identity provider.
	ClientID string `yaml:"client-id" json:"client-id"`

	// APIHost is the provider's REST API host the interceptor pipeline targets.
	APIHost string `yaml:"api-host" json:"api-host"`

	// OAuthHost serves the interactive authorization endpoints.
	OAuthHost string `yaml:"oauth-host" json:"oauth-host"`

	// RedirectScheme overrides the callback URL scheme. Empty means the
	// scheme is computed from the client id.
	RedirectScheme string `yaml:"redirect-scheme,omitempty" json:"redirect-scheme,omitempty"`

	// Scope is the authorization scope requested during the flow.
	Scope string `yaml:"scope,omitempty" json:"scope,omitempty"`

	// Appearance is the UI appearance hint embedded in authorization URLs
	// ("light" or "dark").
	Appearance string `yaml:"appearance,omitempty" json:"appearance,omitempty"`

	// Locale is the locale hint embedded in authorization URLs.
	Locale string `yaml:"locale,omitempty" json:"locale,omitempty"`

	// ProxyURL is the URL of an optional proxy server for outbound requests.
	ProxyURL string `yaml:"proxy-url,omitempty" json:"proxy-url,omitempty"`

	// KeystoreDir is the directory the file-backed credential store uses.
	KeystoreDir string `yaml:"keystore-dir,omitempty" json:"keystore-dir,omitempty"`

	// KeystoreDSN selects the Postgres-backed credential store instead of the
	// file store when non-empty. Used by server-side embeddings that have no
	// platform keychain.
	KeystoreDSN string `yaml:"keystore-dsn,omitempty" json:"keystore-dsn,omitempty"`

	// Debug enables verbose logging.
	Debug bool `yaml:"debug" json:"debug"`

	// LoggingToFile routes logs to a rotating file instead of stderr.
	LoggingToFile bool `yaml:"logging-to-file" json:"logging-to-file"`

	// LogDir is where rotated log files are written when LoggingToFile is set.
	LogDir string `yaml:"log-dir,omitempty" json:"log-dir,omitempty"`

	// Tuning holds timing knobs that are implementation defaults, not
	// protocol requirements.
	Tuning Tuning `yaml:"tuning" json:"tuning"`
}

// Tuning collects the engine's timing defaults. Zero values fall back to the
// documented defaults at read time.
type Tuning struct {
	// SettleDelay is the pause between a foreground transition and the start
	// of deferred interactive web auth. Default 500ms.
	SettleDelay time.Duration `yaml:"settle-delay,omitempty" json:"settle-delay,omitempty"`

	// ChallengePoll is the wait between checks while another out-of-band
	// challenge is being presented. Default 1s.
	ChallengePoll time.Duration `yaml:"challenge-poll,omitempty" json:"challenge-poll,omitempty"`

	// TokenFreshness is the window before expiry inside which an access
	// token is refreshed ahead of use. Default 60s.
	TokenFreshness time.Duration `yaml:"token-freshness,omitempty" json:"token-freshness,omitempty"`

	// WalletTTL bounds the lifetime of PKCE secrets. Default 15m.
	WalletTTL time.Duration `yaml:"wallet-ttl,omitempty" json:"wallet-ttl,omitempty"`

	// AuthTimeout bounds one interactive authorization attempt. Default 5m.
	AuthTimeout time.Duration `yaml:"auth-timeout,omitempty" json:"auth-timeout,omitempty"`
}

// UnmarshalYAML decodes tuning durations from "500ms"/"1m" style strings,
// which yaml cannot map onto time.Duration by itself.
func (t *Tuning) UnmarshalYAML(node *yaml.Node) error {
	var raw struct {
		SettleDelay    string `yaml:"settle-delay"`
		ChallengePoll  string `yaml:"challenge-poll"`
		TokenFreshness string `yaml:"token-freshness"`
		WalletTTL      string `yaml:"wallet-ttl"`
		AuthTimeout    string `yaml:"auth-timeout"`
	}
	if err := node.Decode(&raw); err != nil {
		return err
	}
	for _, field := range []struct {
		value string
		dst   *time.Duration
	}{
		{raw.SettleDelay, &t.SettleDelay},
		{raw.ChallengePoll, &t.ChallengePoll},
		{raw.TokenFreshness, &t.TokenFreshness},
		{raw.WalletTTL, &t.WalletTTL},
		{raw.AuthTimeout, &t.AuthTimeout},
	} {
		if strings.TrimSpace(field.value) == "" {
			continue
		}
		parsed, err := time.ParseDuration(strings.TrimSpace(field.value))
		if err != nil {
			return fmt.Errorf("idkit config: bad duration %q: %w", field.value, err)
		}
		*field.dst = parsed
	}
	return nil
}

// SettleDelayOrDefault returns the configured settle delay or 500ms.
func (t Tuning) SettleDelayOrDefault() time.Duration {
	if t.SettleDelay > 0 {
		return t.SettleDelay
	}
	return 500 * time.Millisecond
}

// ChallengePollOrDefault returns the configured challenge poll or 1s.
func (t Tuning) ChallengePollOrDefault() time.Duration {
	if t.ChallengePoll > 0 {
		return t.ChallengePoll
	}
	return time.Second
}

// TokenFreshnessOrDefault returns the configured freshness window or 60s.
func (t Tuning) TokenFreshnessOrDefault() time.Duration {
	if t.TokenFreshness > 0 {
		return t.TokenFreshness
	}
	return 60 * time.Second
}

// WalletTTLOrDefault returns the configured wallet TTL or 15m.
func (t Tuning) WalletTTLOrDefault() time.Duration {
	if t.WalletTTL > 0 {
		return t.WalletTTL
	}
	return 15 * time.Minute
}

// AuthTimeoutOrDefault returns the configured auth timeout or 5m.
func (t Tuning) AuthTimeoutOrDefault() time.Duration {
	if t.AuthTimeout > 0 {
		return t.AuthTimeout
	}
	return 5 * time.Minute
}

// ComputedRedirectScheme returns the callback scheme: the explicit override
// when present, otherwise "id" + client id, the scheme the provider registers
// for native clients.
func (c *Config) ComputedRedirectScheme() string {
	if scheme := strings.TrimSpace(c.RedirectScheme); scheme != "" {
		return scheme
	}
	return "id" + strings.TrimSpace(c.ClientID)
}

// Load reads the YAML file at path, applies the optional .env overlay, and
// validates required fields.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Debug("config: no .env overlay loaded")
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("idkit config: read %s failed: %w", path, err)
	}

	var cfg Config
	if err = yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("idkit config: parse %s failed: %w", path, err)
	}

	cfg.applyEnvOverrides()
	if err = cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the fields the engine cannot run without.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.ClientID) == "" {
		return fmt.Errorf("idkit config: client-id is required")
	}
	if _, err := strconv.ParseInt(strings.TrimSpace(c.ClientID), 10, 64); err != nil {
		return fmt.Errorf("idkit config: client-id must be numeric: %w", err)
	}
	if strings.TrimSpace(c.APIHost) == "" {
		return fmt.Errorf("idkit config: api-host is required")
	}
	if strings.TrimSpace(c.OAuthHost) == "" {
		return fmt.Errorf("idkit config: oauth-host is required")
	}
	return nil
}

func (c *Config) applyEnvOverrides() {
	if v := strings.TrimSpace(os.Getenv("IDKIT_CLIENT_ID")); v != "" {
		c.ClientID = v
	}
	if v := strings.TrimSpace(os.Getenv("IDKIT_API_HOST")); v != "" {
		c.APIHost = v
	}
	if v := strings.TrimSpace(os.Getenv("IDKIT_OAUTH_HOST")); v != "" {
		c.OAuthHost = v
	}
	if v := strings.TrimSpace(os.Getenv("IDKIT_PROXY_URL")); v != "" {
		c.ProxyURL = v
	}
	if v := strings.TrimSpace(os.Getenv("IDKIT_KEYSTORE_DSN")); v != "" {
		c.KeystoreDSN = v
	}
	if v := strings.TrimSpace(os.Getenv("IDKIT_DEBUG")); v != "" {
		if parsed, err := strconv.ParseBool(v); err == nil {
			c.Debug = parsed
		}
	}
}
