// Package config loads mirage configuration from YAML with environment
// overrides for deployment-sensitive values.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"mirage/internal/browser"
	"mirage/internal/extract"
)

// Config holds all mirage configuration.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Auth        AuthConfig        `yaml:"auth"`
	Upstream    UpstreamConfig    `yaml:"upstream"`
	Browser     BrowserConfig     `yaml:"browser"`
	Session     SessionConfig     `yaml:"session"`
	Credentials CredentialsConfig `yaml:"credentials"`
	Extraction  ExtractionConfig  `yaml:"extraction"`
}

// ServerConfig configures the HTTP/WebSocket listener.
type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr"`
	// AllowedOrigin restricts WebSocket upgrades: empty enforces same-origin,
	// "*" accepts any origin, anything else must match the Origin header.
	AllowedOrigin string `yaml:"allowed_origin"`
}

// AuthConfig configures credential-token verification.
type AuthConfig struct {
	// Secret verifies credential-token signatures. Override with
	// MIRAGE_AUTH_SECRET in deployments.
	Secret string `yaml:"secret"`
}

// UpstreamConfig identifies the remote application under automation.
type UpstreamConfig struct {
	BaseURL     string `yaml:"base_url"`
	LandingPath string `yaml:"landing_path"`
}

// BrowserConfig configures the shared automation engine.
type BrowserConfig struct {
	DebuggerURL         string   `yaml:"debugger_url"`
	Launch              []string `yaml:"launch"`
	Headless            bool     `yaml:"headless"`
	ViewportWidth       int      `yaml:"viewport_width"`
	ViewportHeight      int      `yaml:"viewport_height"`
	NavigationTimeoutMs int      `yaml:"navigation_timeout_ms"`
}

// SessionConfig configures the session registry.
type SessionConfig struct {
	IdleTTL       string `yaml:"idle_ttl"`
	SweepInterval string `yaml:"sweep_interval"`
}

// CredentialsConfig locates the persisted upstream credentials.
type CredentialsConfig struct {
	DatabasePath string `yaml:"database_path"`
	BundlePath   string `yaml:"bundle_path"`
}

// ExtractionConfig carries selector overrides for the remote surface.
type ExtractionConfig struct {
	Selectors extract.Selectors `yaml:"selectors"`
}

// Default returns the baseline configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{ListenAddr: ":8799"},
		Upstream: UpstreamConfig{
			LandingPath: "/",
		},
		Browser: BrowserConfig{
			Headless:            true,
			ViewportWidth:       1440,
			ViewportHeight:      900,
			NavigationTimeoutMs: 30000,
		},
		Session: SessionConfig{
			IdleTTL:       "30m",
			SweepInterval: "1m",
		},
		Credentials: CredentialsConfig{
			DatabasePath: "data/credentials.db",
		},
		Extraction: ExtractionConfig{
			Selectors: extract.DefaultSelectors(),
		},
	}
}

// Load reads the config file if present, layers it over defaults, and
// applies environment overrides. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		}
	}

	cfg.applyEnvOverrides()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("MIRAGE_LISTEN_ADDR"); v != "" {
		c.Server.ListenAddr = v
	}
	if v := os.Getenv("MIRAGE_AUTH_SECRET"); v != "" {
		c.Auth.Secret = v
	}
	if v := os.Getenv("MIRAGE_UPSTREAM_URL"); v != "" {
		c.Upstream.BaseURL = v
	}
	if v := os.Getenv("MIRAGE_BROWSER_DEBUGGER_URL"); v != "" {
		c.Browser.DebuggerURL = v
	}
	if v := os.Getenv("MIRAGE_CREDENTIALS_DB"); v != "" {
		c.Credentials.DatabasePath = v
	}
}

func (c *Config) validate() error {
	if c.Auth.Secret == "" {
		return fmt.Errorf("auth.secret is required (or set MIRAGE_AUTH_SECRET)")
	}
	if c.Upstream.BaseURL == "" {
		return fmt.Errorf("upstream.base_url is required (or set MIRAGE_UPSTREAM_URL)")
	}
	if _, err := c.IdleTTL(); err != nil {
		return err
	}
	if _, err := c.SweepInterval(); err != nil {
		return err
	}
	return nil
}

// IdleTTL parses the session idle threshold.
func (c *Config) IdleTTL() (time.Duration, error) {
	return parseDuration(c.Session.IdleTTL, 30*time.Minute, "session.idle_ttl")
}

// SweepInterval parses the sweep cadence.
func (c *Config) SweepInterval() (time.Duration, error) {
	return parseDuration(c.Session.SweepInterval, time.Minute, "session.sweep_interval")
}

// LandingURL joins the upstream base with the landing path.
func (c *Config) LandingURL() string {
	return c.Upstream.BaseURL + c.Upstream.LandingPath
}

// BrowserEngineConfig converts to the engine's config type.
func (c *Config) BrowserEngineConfig() browser.Config {
	return browser.Config{
		DebuggerURL:         c.Browser.DebuggerURL,
		Launch:              c.Browser.Launch,
		Headless:            c.Browser.Headless,
		ViewportWidth:       c.Browser.ViewportWidth,
		ViewportHeight:      c.Browser.ViewportHeight,
		NavigationTimeoutMs: c.Browser.NavigationTimeoutMs,
	}
}

func parseDuration(value string, fallback time.Duration, field string) (time.Duration, error) {
	if value == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", field, value, err)
	}
	return d, nil
}
