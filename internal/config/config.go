package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"regexp"
	"time"
)

// Config is the top-level configuration structure.
type Config struct {
	Server    ServerConfig     `json:"server"`
	Engine    EngineConfig     `json:"engine"`
	Providers []ProviderConfig `json:"providers"`
	Database  DatabaseConfig   `json:"database"`
	Notify    NotifyConfig     `json:"notify"`
}

type ServerConfig struct {
	Port        int       `json:"port"`
	CORSOrigins []string  `json:"cors_origins,omitempty"`
	Log         LogConfig `json:"log"`
}

// LogConfig selects the level, encoding and destination of process logs.
type LogConfig struct {
	Level      string `json:"level"`  // debug, info, warn, error
	Format     string `json:"format"` // json, console
	Output     string `json:"output"` // stdout, file, both
	FilePath   string `json:"file_path,omitempty"`
	MaxSize    int    `json:"max_size,omitempty"` // MB
	MaxBackups int    `json:"max_backups,omitempty"`
	MaxAge     int    `json:"max_age,omitempty"` // days
}

type EngineConfig struct {
	Workers         int      `json:"workers"`
	QueueSize       int      `json:"queue_size"`
	Admission       string   `json:"admission"`
	TaskTimeout     Duration `json:"task_timeout"`
	WorkflowTimeout Duration `json:"workflow_timeout"`
	Retention       Duration `json:"retention"`
	ReapInterval    Duration `json:"reap_interval"`
	PublishTimeout  Duration `json:"publish_timeout"`
	HistoryLimit    int      `json:"history_limit"`
}

type ProviderConfig struct {
	ID        string            `json:"id"`
	Type      string            `json:"type"`
	Name      string            `json:"name"`
	Endpoint  string            `json:"endpoint"`
	APIKey    string            `json:"api_key"`
	Models    []string          `json:"models,omitempty"`
	Fallbacks []string          `json:"fallbacks,omitempty"`
	Default   bool              `json:"default,omitempty"`
	Extra     map[string]string `json:"extra,omitempty"`
}

type DatabaseConfig struct {
	Postgres PostgresConfig `json:"postgres"`
	Redis    RedisConfig    `json:"redis"`
}

type PostgresConfig struct {
	DSN           string `json:"dsn"`
	MigrationsDir string `json:"migrations_dir"`
}

type RedisConfig struct {
	URL string `json:"url"`
}

type NotifyConfig struct {
	QueueSize int           `json:"queue_size"`
	Slack     SlackConfig   `json:"slack"`
	Discord   DiscordConfig `json:"discord"`
}

type SlackConfig struct {
	Enabled  bool   `json:"enabled"`
	BotToken string `json:"bot_token"`
	Channel  string `json:"channel"`
}

type DiscordConfig struct {
	Enabled   bool   `json:"enabled"`
	BotToken  string `json:"bot_token"`
	ChannelID string `json:"channel_id"`
}

// Duration reads either a Go duration string ("90s", "1h") or a number of
// seconds.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch x := v.(type) {
	case float64:
		*d = Duration(time.Duration(x * float64(time.Second)))
	case string:
		if x == "" {
			*d = 0
			return nil
		}
		parsed, err := time.ParseDuration(x)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", x, err)
		}
		*d = Duration(parsed)
	case nil:
		*d = 0
	default:
		return fmt.Errorf("invalid duration %s", b)
	}
	return nil
}

// envVarRe matches ${VAR} and ${VAR:default} patterns.
var envVarRe = regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

// Load reads a JSON config file, substitutes environment variable
// references, fills defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes config JSON the same way Load does.
func Parse(data []byte) (*Config, error) {
	// Substitute ${VAR} and ${VAR:default} with environment values.
	resolved := envVarRe.ReplaceAllStringFunc(string(data), func(match string) string {
		parts := envVarRe.FindStringSubmatch(match)
		name := parts[1]
		defaultVal := parts[2]
		if v := os.Getenv(name); v != "" {
			return v
		}
		return defaultVal
	})

	var cfg Config
	if err := json.Unmarshal([]byte(resolved), &cfg); err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyDefaults fills every unset field.
func (c *Config) ApplyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	l := &c.Server.Log
	if l.Level == "" {
		l.Level = "info"
	}
	if l.Format == "" {
		l.Format = "console"
	}
	if l.Output == "" {
		l.Output = "stdout"
	}
	if l.FilePath == "" {
		l.FilePath = "logs/crewnexus.log"
	}
	if l.MaxSize == 0 {
		l.MaxSize = 100
	}
	if l.MaxBackups == 0 {
		l.MaxBackups = 5
	}
	if l.MaxAge == 0 {
		l.MaxAge = 30
	}

	e := &c.Engine
	if e.Workers == 0 {
		e.Workers = 10
	}
	if e.Admission == "" {
		e.Admission = "reject"
	}
	if e.Retention == 0 {
		e.Retention = Duration(time.Hour)
	}
	if e.ReapInterval == 0 {
		e.ReapInterval = Duration(time.Minute)
	}
	if e.PublishTimeout == 0 {
		e.PublishTimeout = Duration(5 * time.Second)
	}
	if e.HistoryLimit == 0 {
		e.HistoryLimit = 50
	}

	if c.Database.Postgres.MigrationsDir == "" {
		c.Database.Postgres.MigrationsDir = "migrations"
	}
	if c.Notify.QueueSize == 0 {
		c.Notify.QueueSize = 64
	}
}

// Validate reports every impossible setting at once.
func (c *Config) Validate() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.Server.Port < 0 || c.Server.Port > 65535 {
		bad("server.port %d out of range", c.Server.Port)
	}
	switch c.Server.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		bad("server.log.level %q unknown", c.Server.Log.Level)
	}
	switch c.Server.Log.Format {
	case "json", "console":
	default:
		bad("server.log.format %q unknown", c.Server.Log.Format)
	}
	switch c.Server.Log.Output {
	case "stdout", "file", "both":
	default:
		bad("server.log.output %q unknown", c.Server.Log.Output)
	}

	e := c.Engine
	if e.Workers < 0 {
		bad("engine.workers must not be negative")
	}
	if e.QueueSize < 0 {
		bad("engine.queue_size must not be negative")
	}
	switch e.Admission {
	case "reject", "block", "drop_oldest":
	default:
		bad("engine.admission %q unknown", e.Admission)
	}
	for name, d := range map[string]Duration{
		"task_timeout":     e.TaskTimeout,
		"workflow_timeout": e.WorkflowTimeout,
		"retention":        e.Retention,
		"reap_interval":    e.ReapInterval,
		"publish_timeout":  e.PublishTimeout,
	} {
		if d < 0 {
			bad("engine.%s must not be negative", name)
		}
	}

	seen := make(map[string]bool)
	for i, p := range c.Providers {
		if p.ID == "" {
			bad("providers[%d].id is required", i)
		} else if seen[p.ID] {
			bad("providers[%d].id %q duplicated", i, p.ID)
		}
		seen[p.ID] = true
		switch p.Type {
		case "openai", "anthropic":
		default:
			bad("providers[%d].type %q unknown", i, p.Type)
		}
	}

	if s := c.Notify.Slack; s.Enabled && (s.BotToken == "" || s.Channel == "") {
		bad("notify.slack needs bot_token and channel when enabled")
	}
	if d := c.Notify.Discord; d.Enabled && (d.BotToken == "" || d.ChannelID == "") {
		bad("notify.discord needs bot_token and channel_id when enabled")
	}
	return errors.Join(errs...)
}
