package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Settings models stageline.yml. Every key can be overridden by an
// environment variable with the STAGELINE_ prefix, e.g. STAGELINE_SERVER_ADDR.
type Settings struct {
	Server struct {
		Addr            string `mapstructure:"addr" yaml:"addr"`
		BasePath        string `mapstructure:"base_path" yaml:"base_path"`
		JWTSecret       string `mapstructure:"jwt_secret" yaml:"jwt_secret"`
		AllowUserHeader bool   `mapstructure:"allow_user_header" yaml:"allow_user_header"`
	} `mapstructure:"server" yaml:"server"`
	Webhook struct {
		Timeout    time.Duration `mapstructure:"timeout" yaml:"timeout"`
		MaxRetries int           `mapstructure:"max_retries" yaml:"max_retries"`
	} `mapstructure:"webhook" yaml:"webhook"`
	Engine struct {
		LockTTL  time.Duration `mapstructure:"lock_ttl" yaml:"lock_ttl"`
		MaxDepth int           `mapstructure:"max_depth" yaml:"max_depth"`
	} `mapstructure:"engine" yaml:"engine"`
	Telemetry struct {
		Enabled bool `mapstructure:"enabled" yaml:"enabled"`
		Stdout  bool `mapstructure:"stdout" yaml:"stdout"`
	} `mapstructure:"telemetry" yaml:"telemetry"`
	EventHooks []EventHook `mapstructure:"event_hooks" yaml:"event_hooks"`
}

// EventHook subscribes an endpoint to the event log.
type EventHook struct {
	URL            string   `mapstructure:"url" yaml:"url"`
	Events         []string `mapstructure:"events" yaml:"events"`
	Secret         string   `mapstructure:"secret" yaml:"secret"`
	TimeoutSeconds int      `mapstructure:"timeout_seconds" yaml:"timeout_seconds"`
	Enabled        *bool    `mapstructure:"enabled" yaml:"enabled"`
}

const (
	DefaultAddr       = "127.0.0.1:8080"
	DefaultBasePath   = "/v0"
	DefaultLockTTL    = 30 * time.Second
	DefaultMaxDepth   = 64
	DefaultTimeout    = 5 * time.Second
	// MaxWebhookTimeout keeps a webhook call, retries included, shorter than
	// the wait of a writer queued behind the transaction that issues it.
	MaxWebhookTimeout = 8 * time.Second
	DefaultMaxRetries = 2
)

// Path returns the settings file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "stageline.yml")
}

// Default returns settings with every default applied.
func Default() *Settings {
	s, _ := load(newViper(), "")
	return s
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("STAGELINE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	v.SetDefault("server.addr", DefaultAddr)
	v.SetDefault("server.base_path", DefaultBasePath)
	v.SetDefault("server.jwt_secret", "")
	v.SetDefault("server.allow_user_header", false)
	v.SetDefault("webhook.timeout", DefaultTimeout)
	v.SetDefault("webhook.max_retries", DefaultMaxRetries)
	v.SetDefault("engine.lock_ttl", DefaultLockTTL)
	v.SetDefault("engine.max_depth", DefaultMaxDepth)
	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.stdout", false)
	return v
}

// Load reads the workspace settings file if present and applies env overrides.
func Load(workspace string) (*Settings, error) {
	path := Path(workspace)
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			path = ""
		} else {
			return nil, err
		}
	}
	return load(newViper(), path)
}

// FromFile reads settings from an explicit path.
func FromFile(path string) (*Settings, error) {
	return load(newViper(), path)
}

func load(v *viper.Viper, path string) (*Settings, error) {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read settings %s: %w", path, err)
		}
	}
	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("invalid settings: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Validate ensures the settings are usable.
func (s *Settings) Validate() error {
	if s.Webhook.Timeout < 0 {
		return fmt.Errorf("webhook.timeout must not be negative")
	}
	if s.Webhook.Timeout > MaxWebhookTimeout {
		return fmt.Errorf("webhook.timeout must not exceed %s", MaxWebhookTimeout)
	}
	if s.Engine.LockTTL <= 0 {
		return fmt.Errorf("engine.lock_ttl must be positive")
	}
	if s.Engine.MaxDepth <= 0 {
		return fmt.Errorf("engine.max_depth must be positive")
	}
	if s.Server.BasePath != "" && !strings.HasPrefix(s.Server.BasePath, "/") {
		return fmt.Errorf("server.base_path must start with /")
	}
	for i, hook := range s.EventHooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("event_hooks[%d].url is required", i)
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("event_hooks[%d].timeout_seconds must not be negative", i)
		}
	}
	return nil
}

// GenerateDefault returns a commented settings file.
func GenerateDefault() string {
	return defaultTemplate
}

const defaultTemplate = `server:
  addr: 127.0.0.1:8080
  base_path: /v0
  # jwt_secret signs bearer tokens; leave empty to rely on X-User-Id
  jwt_secret: ""
  allow_user_header: true

webhook:
  timeout: 5s
  max_retries: 2

engine:
  lock_ttl: 30s
  max_depth: 64

telemetry:
  enabled: false
  stdout: false

# event_hooks:
#   - url: https://example.org/hooks/stageline
#     events: [task.completed, rank.granted]
#     secret: change-me
`
