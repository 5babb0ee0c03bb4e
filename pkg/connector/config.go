// Copyright 2024-2026 Aiku AI

package connector

import (
	_ "embed"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/rs/zerolog"
	up "go.mau.fi/util/configupgrade"
	"go.mau.fi/zeroconfig"
	"gopkg.in/yaml.v3"
)

//go:embed example-config.yaml
var ExampleConfig string

// Mode selects the inbound filter. It is fixed at boot.
type Mode string

const (
	// ModeSelf forwards only the operator's notes to themselves.
	ModeSelf Mode = "self"
	// ModeProduction forwards direct messages from other people.
	ModeProduction Mode = "production"
)

// ErrInvalidMode is returned for operating modes other than self and production.
var ErrInvalidMode = errors.New("invalid operating mode")

// ParseMode parses an operating mode, ignoring case and surrounding space.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeSelf:
		return ModeSelf, nil
	case ModeProduction:
		return ModeProduction, nil
	default:
		return "", fmt.Errorf("%w %q (expected %q or %q)", ErrInvalidMode, s, ModeSelf, ModeProduction)
	}
}

// Config holds the bridge configuration.
type Config struct {
	Bridge  BridgeConfig      `yaml:"bridge"`
	Session SessionConfig     `yaml:"session"`
	Webhook WebhookConfig     `yaml:"webhook"`
	API     APIConfig         `yaml:"api"`
	Logging zeroconfig.Config `yaml:"logging"`

	// LogLevel overrides logging.min_level. Only read from the environment.
	LogLevel string `yaml:"-" env:"LOG_LEVEL"`
}

type BridgeConfig struct {
	Mode Mode `yaml:"mode" env:"WA_BRIDGE_MODE"`
	// InstanceID is reported as the entry and phone number ID of every
	// webhook payload. Falls back to the own number when empty.
	InstanceID string `yaml:"instance_id" env:"WA_BRIDGE_INSTANCE_ID"`
}

type SessionConfig struct {
	// Directory holds the credential store. Deleting it forces a new pairing.
	Directory string `yaml:"directory" env:"WA_BRIDGE_AUTH_DIR"`
	// ReconnectDelay is the flat delay in seconds before a reconnect attempt.
	ReconnectDelay int  `yaml:"reconnect_delay" env:"WA_BRIDGE_RECONNECT_DELAY"`
	PrintQR        bool `yaml:"print_qr" env:"WA_BRIDGE_PRINT_QR"`
}

type WebhookConfig struct {
	URL string `yaml:"url" env:"WA_BRIDGE_WEBHOOK_URL"`
	// Timeout is the delivery timeout in seconds.
	Timeout int `yaml:"timeout" env:"WA_BRIDGE_WEBHOOK_TIMEOUT"`
}

type APIConfig struct {
	Host string `yaml:"host" env:"WA_BRIDGE_HOST"`
	Port int    `yaml:"port" env:"WA_BRIDGE_PORT"`
}

const (
	defaultReconnectDelay = 3
	defaultWebhookTimeout = 10
	defaultPort           = 3001
)

func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	type rawConfig Config
	return node.Decode((*rawConfig)(c))
}

// PostProcess validates the config and fills in defaults for zero values.
func (c *Config) PostProcess() error {
	mode, err := ParseMode(string(c.Bridge.Mode))
	if err != nil {
		return err
	}
	c.Bridge.Mode = mode

	if c.Webhook.URL == "" {
		return errors.New("webhook.url is required")
	}
	u, err := url.Parse(c.Webhook.URL)
	if err != nil {
		return fmt.Errorf("invalid webhook.url: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("invalid webhook.url %q: must be an absolute http(s) URL", c.Webhook.URL)
	}
	if c.Webhook.Timeout <= 0 {
		c.Webhook.Timeout = defaultWebhookTimeout
	}

	if c.Session.Directory == "" {
		c.Session.Directory = "auth"
	}
	if c.Session.ReconnectDelay <= 0 {
		c.Session.ReconnectDelay = defaultReconnectDelay
	}

	if c.API.Port == 0 {
		c.API.Port = defaultPort
	}
	if c.API.Port < 0 || c.API.Port > 65535 {
		return fmt.Errorf("invalid api.port %d", c.API.Port)
	}

	if c.LogLevel != "" {
		level, err := zerolog.ParseLevel(strings.ToLower(c.LogLevel))
		if err != nil {
			return fmt.Errorf("invalid LOG_LEVEL: %w", err)
		}
		c.Logging.MinLevel = &level
	}
	return nil
}

// ListenAddr returns the Control Surface listen address.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.API.Host, c.API.Port)
}

func (c *Config) WebhookTimeout() time.Duration {
	return time.Duration(c.Webhook.Timeout) * time.Second
}

func (c *Config) ReconnectDelay() time.Duration {
	return time.Duration(c.Session.ReconnectDelay) * time.Second
}

func upgradeConfig(helper up.Helper) {
	helper.Copy(up.Str, "bridge", "mode")
	helper.Copy(up.Str|up.Null, "bridge", "instance_id")
	helper.Copy(up.Str, "session", "directory")
	helper.Copy(up.Int, "session", "reconnect_delay")
	helper.Copy(up.Bool, "session", "print_qr")
	helper.Copy(up.Str, "webhook", "url")
	helper.Copy(up.Int, "webhook", "timeout")
	helper.Copy(up.Str, "api", "host")
	helper.Copy(up.Int, "api", "port")
	helper.Copy(up.Map, "logging")
}

// Upgrader returns the config upgrader used to bring old config files up to
// date with the embedded example config.
func Upgrader() up.BaseUpgrader {
	return &up.StructUpgrader{
		SimpleUpgrader: up.SimpleUpgrader(upgradeConfig),
		Blocks: [][]string{
			{"bridge"},
			{"session"},
			{"webhook"},
			{"api"},
			{"logging"},
		},
		Base: ExampleConfig,
	}
}

// LoadConfig reads the config file at path, upgrading it in place, and
// applies environment overrides. A missing file is not an error: the
// embedded example config provides the defaults, so the bridge can be
// configured through the environment alone.
func LoadConfig(path string) (*Config, error) {
	data := []byte(ExampleConfig)
	if _, err := os.Stat(path); err == nil {
		data, _, err = up.Do(path, true, Upgrader())
		if err != nil {
			return nil, fmt.Errorf("failed to upgrade config: %w", err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to stat config: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig decodes YAML config data and applies environment overrides.
func ParseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to read environment: %w", err)
	}
	if err := cfg.PostProcess(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
