package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Store backends.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
)

// Answer window bounds.
const (
	MinAnswerWindow = 10 * time.Second
	MaxAnswerWindow = 20 * time.Second
)

// NLU backends.
const (
	NLUDialogflow = "dialogflow"
	NLULLM        = "llm"
)

type Config struct {
	Server struct {
		Port string `yaml:"port"`
	} `yaml:"server"`
	Log struct {
		Level string `yaml:"level"`
	} `yaml:"log"`
	Circuit struct {
		Domain       string `yaml:"domain"`
		ClientID     string `yaml:"client_id"`
		ClientSecret string `yaml:"client_secret"`
		WebhookHost  string `yaml:"webhook_host"`
		Timeout      string `yaml:"timeout"`
	} `yaml:"circuit"`
	Store struct {
		Backend       string `yaml:"backend"`
		Namespace     string `yaml:"namespace"`
		CredentialTTL string `yaml:"credential_ttl"`
	} `yaml:"store"`
	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	} `yaml:"redis"`
	Postgres struct {
		URL string `yaml:"url"`
	} `yaml:"postgres"`
	SQLite struct {
		Path string `yaml:"path"`
	} `yaml:"sqlite"`
	Rounds struct {
		AnswerWindow string `yaml:"answer_window"`
		Grace        string `yaml:"grace"`
		LookupBatch  int    `yaml:"lookup_batch"`
		Scheduler    string `yaml:"scheduler"`
		PollInterval string `yaml:"poll_interval"`
		CloseTimeout string `yaml:"close_timeout"`
	} `yaml:"rounds"`
	Provider struct {
		BaseURL string `yaml:"base_url"`
	} `yaml:"provider"`
	NLU struct {
		Backend   string `yaml:"backend"`
		ProjectID string `yaml:"project_id"`
		Session   string `yaml:"session"`
		Language  string `yaml:"language"`
		LLM       struct {
			BaseURL string `yaml:"base_url"`
			Model   string `yaml:"model"`
			Token   string `yaml:"token"`
		} `yaml:"llm"`
	} `yaml:"nlu"`
	Stats struct {
		LegacyPercentage bool `yaml:"legacy_percentage"`
	} `yaml:"stats"`
}

// Load reads YAML config from path, then applies a .env file from the working directory
// and environment overrides. A missing config file leaves the defaults.
func Load(path string) (Config, error) {
	cfg := Config{}
	cfg.Store.Backend = BackendMemory
	cfg.NLU.Backend = NLUDialogflow
	cfg.Log.Level = "info"

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return cfg, err
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return cfg, fmt.Errorf("load .env: %w", err)
	}
	applyEnv(&cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	str := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	str(&cfg.Circuit.Domain, "DOMAIN")
	str(&cfg.Circuit.ClientID, "CLIENT_ID")
	str(&cfg.Circuit.ClientSecret, "CLIENT_SECRET")
	str(&cfg.Circuit.WebhookHost, "WEBHOOK_HOST")
	str(&cfg.Store.Backend, "STORE_BACKEND")
	str(&cfg.Redis.Addr, "REDIS_ADDR")
	str(&cfg.Redis.Password, "REDIS_PASSWORD")
	str(&cfg.Postgres.URL, "POSTGRES_URL")
	str(&cfg.SQLite.Path, "SQLITE_PATH")
	str(&cfg.NLU.LLM.Token, "OPENAI_API_KEY")
	str(&cfg.Log.Level, "LOG_LEVEL")
	if v, err := strconv.Atoi(os.Getenv("REDIS_DB")); err == nil {
		cfg.Redis.DB = v
	}
}

// Namespace isolates one deployment's records: the configured namespace, or trivia_<domain host>.
func (c Config) Namespace() string {
	if c.Store.Namespace != "" {
		return c.Store.Namespace
	}
	host := c.Circuit.Domain
	if u, err := url.Parse(c.Circuit.Domain); err == nil && u.Host != "" {
		host = u.Host
	}
	return "trivia_" + strings.TrimSuffix(host, "/")
}

// DomainURL returns the Circuit domain with a scheme.
func (c Config) DomainURL() string {
	d := strings.TrimRight(c.Circuit.Domain, "/")
	if d != "" && !strings.Contains(d, "://") {
		d = "https://" + d
	}
	return d
}

// Validate checks what every bot command needs.
func (c Config) Validate() error {
	if c.Circuit.Domain == "" {
		return fmt.Errorf("circuit domain not configured (set DOMAIN)")
	}
	switch c.Store.Backend {
	case BackendMemory, BackendSQLite:
	case BackendRedis:
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis store selected but redis addr not configured")
		}
	case BackendPostgres:
		if c.Postgres.URL == "" {
			return fmt.Errorf("postgres store selected but postgres url not configured")
		}
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
	if raw := c.Rounds.AnswerWindow; raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("rounds.answer_window: %w", err)
		}
		if d < MinAnswerWindow || d > MaxAnswerWindow {
			return fmt.Errorf("rounds.answer_window %s outside %s..%s", d, MinAnswerWindow, MaxAnswerWindow)
		}
	}
	return nil
}

// TTLDuration parses a duration string or returns the fallback if empty.
func TTLDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return d
	}
	return fallback
}
