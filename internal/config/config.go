package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/caarlos0/env/v10"
	"gopkg.in/yaml.v3"
)

const envPrefix = "CORPUSCHAT_"

// Config represents runtime configuration for the service.
type Config struct {
	Server        ServerConfig              `json:"server" yaml:"server" envPrefix:"SERVER_"`
	Database      DatabaseConfig            `json:"database" yaml:"database" envPrefix:"DB_"`
	Redis         RedisConfig               `json:"redis" yaml:"redis" envPrefix:"REDIS_"`
	Auth          AuthConfig                `json:"auth" yaml:"auth" envPrefix:"AUTH_"`
	Providers     map[string]ProviderConfig `json:"providers" yaml:"providers"`
	Retrieval     RetrievalConfig           `json:"retrieval" yaml:"retrieval" envPrefix:"RETRIEVAL_"`
	Worker        WorkerConfig              `json:"worker" yaml:"worker" envPrefix:"WORKER_"`
	Generation    GenerationConfig          `json:"generation" yaml:"generation" envPrefix:"GENERATION_"`
	Log           LogConfig                 `json:"log" yaml:"log" envPrefix:"LOG_"`
	CredentialKey string                    `json:"credential_key" yaml:"credential_key" env:"CREDENTIAL_KEY"`
	Tenants       []TenantSeed              `json:"tenants" yaml:"tenants"`
}

type ServerConfig struct {
	Address     string `json:"address" yaml:"address" env:"ADDRESS"`
	Mode        string `json:"mode" yaml:"mode" env:"MODE"`
	TurnsPerMin int    `json:"turns_per_minute" yaml:"turns_per_minute" env:"TURNS_PER_MINUTE"`
}

type DatabaseConfig struct {
	Driver   string `json:"driver" yaml:"driver" env:"DRIVER"`
	DSN      string `json:"dsn" yaml:"dsn" env:"DSN"`
	Host     string `json:"host" yaml:"host" env:"HOST"`
	Port     int    `json:"port" yaml:"port" env:"PORT"`
	Username string `json:"username" yaml:"username" env:"USERNAME"`
	Password string `json:"password" yaml:"password" env:"PASSWORD"`
	DBName   string `json:"db_name" yaml:"db_name" env:"NAME"`
	Params   string `json:"params" yaml:"params" env:"PARAMS"`
}

type RedisConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled" env:"ENABLED"`
	Host     string `json:"host" yaml:"host" env:"HOST"`
	Port     int    `json:"port" yaml:"port" env:"PORT"`
	Username string `json:"username" yaml:"username" env:"USERNAME"`
	Password string `json:"password" yaml:"password" env:"PASSWORD"`
	DB       int    `json:"db" yaml:"db" env:"DB"`
	// TenantCacheTTLSeconds bounds how long tenant records stay cached.
	TenantCacheTTLSeconds int `json:"tenant_cache_ttl_seconds" yaml:"tenant_cache_ttl_seconds" env:"TENANT_CACHE_TTL_SECONDS"`
}

// AuthConfig describes how bearer tokens issued by the identity provider are verified.
// Either JWTSecret (HS256) or JWKSURL must be set.
type AuthConfig struct {
	JWTSecret      string `json:"jwt_secret" yaml:"jwt_secret" env:"JWT_SECRET"`
	JWKSURL        string `json:"jwks_url" yaml:"jwks_url" env:"JWKS_URL"`
	Issuer         string `json:"issuer" yaml:"issuer" env:"ISSUER"`
	Audience       string `json:"audience" yaml:"audience" env:"AUDIENCE"`
	CookieName     string `json:"cookie_name" yaml:"cookie_name" env:"COOKIE_NAME"`
	CSRFCookieName string `json:"csrf_cookie_name" yaml:"csrf_cookie_name" env:"CSRF_COOKIE_NAME"`
	CSRFHeaderName string `json:"csrf_header_name" yaml:"csrf_header_name" env:"CSRF_HEADER_NAME"`
}

type ProviderConfig struct {
	BaseURL   string `json:"base_url" yaml:"base_url"`
	APIKey    string `json:"api_key" yaml:"api_key"`
	MaxTokens int    `json:"max_tokens" yaml:"max_tokens"`
}

type RetrievalConfig struct {
	// Backend is "http" for the hosted retrieval service or "local" for a directory of documents.
	Backend        string `json:"backend" yaml:"backend" env:"BACKEND"`
	BaseURL        string `json:"base_url" yaml:"base_url" env:"BASE_URL"`
	APIKey         string `json:"api_key" yaml:"api_key" env:"API_KEY"`
	TimeoutSeconds int    `json:"timeout_seconds" yaml:"timeout_seconds" env:"TIMEOUT_SECONDS"`
	LocalDir       string `json:"local_dir" yaml:"local_dir" env:"LOCAL_DIR"`
	BreadthTopK    int    `json:"breadth_top_k" yaml:"breadth_top_k" env:"BREADTH_TOP_K"`
	DepthTopK      int    `json:"depth_top_k" yaml:"depth_top_k" env:"DEPTH_TOP_K"`
	SoftFail       bool   `json:"soft_fail" yaml:"soft_fail" env:"SOFT_FAIL"`
}

type WorkerConfig struct {
	MinWorkers         int `json:"min_workers" yaml:"min_workers" env:"MIN"`
	MaxWorkers         int `json:"max_workers" yaml:"max_workers" env:"MAX"`
	QueueSize          int `json:"queue_size" yaml:"queue_size" env:"QUEUE_SIZE"`
	IdleTimeoutSeconds int `json:"idle_timeout_seconds" yaml:"idle_timeout_seconds" env:"IDLE_TIMEOUT_SECONDS"`
}

type GenerationConfig struct {
	TimeoutSeconds       int `json:"timeout_seconds" yaml:"timeout_seconds" env:"TIMEOUT_SECONDS"`
	StalePlaceholderMins int `json:"stale_placeholder_minutes" yaml:"stale_placeholder_minutes" env:"STALE_PLACEHOLDER_MINUTES"`
	SweepIntervalMinutes int `json:"sweep_interval_minutes" yaml:"sweep_interval_minutes" env:"SWEEP_INTERVAL_MINUTES"`
	// LockTTLSeconds is the conversation lock expiry; a live holder renews it.
	LockTTLSeconds       int `json:"lock_ttl_seconds" yaml:"lock_ttl_seconds" env:"LOCK_TTL_SECONDS"`
}

type LogConfig struct {
	Level  string `json:"level" yaml:"level" env:"LEVEL"`
	Format string `json:"format" yaml:"format" env:"FORMAT"`
}

// TenantSeed is upserted into the tenants table at startup.
type TenantSeed struct {
	ID           int64  `json:"id" yaml:"id"`
	Name         string `json:"name" yaml:"name"`
	Partition    string `json:"partition" yaml:"partition"`
	SystemPrompt string `json:"system_prompt" yaml:"system_prompt"`
}

// Load reads configuration from the provided path (defaults to config.json),
// applies CORPUSCHAT_* environment overrides and fills defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.json"
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	raw, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("open config %s: %w", absPath, err)
	}

	var cfg Config
	switch strings.ToLower(filepath.Ext(absPath)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return nil, fmt.Errorf("decode yaml config: %w", err)
		}
	default:
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
	}

	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: envPrefix}); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	cfg.applyDefaults()

	if cfg.Database.Driver == "sqlite3" && cfg.Database.DSN != "" && !strings.HasPrefix(cfg.Database.DSN, "file:") &&
		cfg.Database.DSN != ":memory:" && !filepath.IsAbs(cfg.Database.DSN) {
		cfg.Database.DSN = filepath.Join(filepath.Dir(absPath), cfg.Database.DSN)
	}
	if cfg.Retrieval.LocalDir != "" && !filepath.IsAbs(cfg.Retrieval.LocalDir) {
		cfg.Retrieval.LocalDir = filepath.Join(filepath.Dir(absPath), cfg.Retrieval.LocalDir)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Address == "" {
		c.Server.Address = ":8090"
	}
	if c.Server.TurnsPerMin <= 0 {
		c.Server.TurnsPerMin = 20
	}
	c.Database.Driver = strings.ToLower(strings.TrimSpace(c.Database.Driver))
	switch c.Database.Driver {
	case "", "sqlite":
		c.Database.Driver = "sqlite3"
	}
	if c.Redis.Host == "" {
		c.Redis.Host = "127.0.0.1"
	}
	if c.Redis.Port == 0 {
		c.Redis.Port = 6379
	}
	if c.Redis.TenantCacheTTLSeconds <= 0 {
		c.Redis.TenantCacheTTLSeconds = 300
	}
	if c.Auth.CookieName == "" {
		c.Auth.CookieName = "auth_token"
	}
	if c.Auth.CSRFCookieName == "" {
		c.Auth.CSRFCookieName = "csrf_token"
	}
	if c.Auth.CSRFHeaderName == "" {
		c.Auth.CSRFHeaderName = "X-CSRF-Token"
	}
	if c.Providers == nil {
		c.Providers = make(map[string]ProviderConfig)
	}
	if c.Retrieval.Backend == "" {
		c.Retrieval.Backend = "http"
	}
	if c.Retrieval.TimeoutSeconds <= 0 {
		c.Retrieval.TimeoutSeconds = 10
	}
	if c.Retrieval.BreadthTopK <= 0 {
		c.Retrieval.BreadthTopK = 10
	}
	if c.Retrieval.DepthTopK <= 0 {
		c.Retrieval.DepthTopK = 4
	}
	if c.Worker.MinWorkers <= 0 {
		c.Worker.MinWorkers = 2
	}
	if c.Worker.MaxWorkers < c.Worker.MinWorkers {
		c.Worker.MaxWorkers = c.Worker.MinWorkers * 4
	}
	if c.Worker.QueueSize <= 0 {
		c.Worker.QueueSize = 64
	}
	if c.Worker.IdleTimeoutSeconds <= 0 {
		c.Worker.IdleTimeoutSeconds = 60
	}
	if c.Generation.TimeoutSeconds <= 0 {
		c.Generation.TimeoutSeconds = 120
	}
	if c.Generation.StalePlaceholderMins <= 0 {
		c.Generation.StalePlaceholderMins = 15
	}
	if c.Generation.SweepIntervalMinutes <= 0 {
		c.Generation.SweepIntervalMinutes = 10
	}
	if c.Generation.LockTTLSeconds <= 0 {
		c.Generation.LockTTLSeconds = 30
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
	c.Log.Level = strings.ToLower(c.Log.Level)
	c.Log.Format = strings.ToLower(c.Log.Format)
}

// Validate reports configuration that cannot produce a working service.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite3":
		if c.Database.DSN == "" {
			return errors.New("database.dsn must be configured for sqlite3")
		}
	case "mysql":
		if c.Database.Host == "" || c.Database.DBName == "" {
			return errors.New("database.host and database.db_name must be configured for mysql")
		}
	default:
		return fmt.Errorf("unsupported database driver: %s", c.Database.Driver)
	}
	if c.Auth.JWTSecret == "" && c.Auth.JWKSURL == "" {
		return errors.New("either auth.jwt_secret or auth.jwks_url must be configured")
	}
	switch c.Retrieval.Backend {
	case "http":
		if c.Retrieval.BaseURL == "" {
			return errors.New("retrieval.base_url must be configured for the http backend")
		}
	case "local":
		if c.Retrieval.LocalDir == "" {
			return errors.New("retrieval.local_dir must be configured for the local backend")
		}
	default:
		return fmt.Errorf("unsupported retrieval backend: %s", c.Retrieval.Backend)
	}
	for _, t := range c.Tenants {
		if t.ID <= 0 || strings.TrimSpace(t.Name) == "" {
			return fmt.Errorf("tenant seed requires id and name: %+v", t)
		}
	}
	return nil
}

// Provider returns the provider section for name, or an empty config.
func (c *Config) Provider(name string) ProviderConfig {
	if c == nil || c.Providers == nil {
		return ProviderConfig{}
	}
	return c.Providers[name]
}
