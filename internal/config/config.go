// Package config loads the chat layer configuration from the environment,
// an optional .env file and an optional YAML limits file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
)

// Store backends.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreSupabase = "supabase"
)

// Config is the process configuration.
type Config struct {
	Env       string `env:"CHAT_ENV,default=development"`
	Port      int    `env:"PORT,default=8080"`
	LogLevel  string `env:"LOG_LEVEL,default=info"`
	LogFormat string `env:"LOG_FORMAT,default=json"`

	// Store selects memory, postgres or supabase. Empty picks supabase when
	// SUPABASE_URL is set, postgres when DATABASE_URL is set, else memory.
	Store       string `env:"CHAT_STORE"`
	SeedFile    string `env:"CHAT_SEED_FILE"`
	DatabaseURL string `env:"DATABASE_URL"`
	Migrate     bool   `env:"CHAT_MIGRATE,default=true"`

	SupabaseURL     string        `env:"SUPABASE_URL"`
	SupabaseKey     string        `env:"SUPABASE_SERVICE_ROLE_KEY"`
	SupabaseTimeout time.Duration `env:"SUPABASE_TIMEOUT,default=10s"`

	// RateLimitBackend is redis, rpc or memory. Empty picks redis when
	// REDIS_ADDR is set, rpc when supabase is configured, else memory.
	RateLimitBackend string `env:"RATE_LIMIT_BACKEND"`
	RedisAddr        string `env:"REDIS_ADDR"`
	RedisPassword    string `env:"REDIS_PASSWORD"`
	RedisDB          int    `env:"REDIS_DB,default=0"`
	RedisPrefix      string `env:"REDIS_PREFIX,default=ratelimit:"`
	LimitsFile       string `env:"CHAT_LIMITS_FILE"`

	// RequireCredential has no effect unless ProfileRegistry and RPCURL
	// are both set.
	RequireCredential bool          `env:"REQUIRE_CREDENTIAL,default=false"`
	ProfileRegistry   string        `env:"PROFILE_REGISTRY_ADDRESS"`
	RPCURL            string        `env:"CHAIN_RPC_URL"`
	RPCTimeout        time.Duration `env:"CHAIN_RPC_TIMEOUT,default=10s"`

	CORSOrigins   []string `env:"CORS_ALLOWED_ORIGINS"`
	ThrottleRPS   float64  `env:"THROTTLE_RPS,default=20"`
	ThrottleBurst int      `env:"THROTTLE_BURST,default=40"`

	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT,default=15s"`
}

// Load reads envFile when it exists, then decodes the environment.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", envFile, err)
		}
	}

	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode environment: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) normalize() {
	c.Store = strings.ToLower(strings.TrimSpace(c.Store))
	if c.Store == "" {
		switch {
		case c.SupabaseURL != "":
			c.Store = StoreSupabase
		case c.DatabaseURL != "":
			c.Store = StorePostgres
		default:
			c.Store = StoreMemory
		}
	}

	c.RateLimitBackend = strings.ToLower(strings.TrimSpace(c.RateLimitBackend))
	if c.RateLimitBackend == "" {
		switch {
		case c.RedisAddr != "":
			c.RateLimitBackend = "redis"
		case c.SupabaseURL != "" && c.SupabaseKey != "":
			c.RateLimitBackend = "rpc"
		default:
			c.RateLimitBackend = "memory"
		}
	}

	origins := c.CORSOrigins[:0]
	for _, o := range c.CORSOrigins {
		for _, part := range strings.Split(o, ",") {
			if part = strings.TrimSpace(part); part != "" {
				origins = append(origins, part)
			}
		}
	}
	c.CORSOrigins = origins
}

// Validate reports settings that cannot work together.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("PORT %d out of range", c.Port)
	}
	switch c.Store {
	case StoreMemory:
	case StorePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for the postgres store")
		}
	case StoreSupabase:
		if c.SupabaseURL == "" || c.SupabaseKey == "" {
			return fmt.Errorf("SUPABASE_URL and SUPABASE_SERVICE_ROLE_KEY are required for the supabase store")
		}
	default:
		return fmt.Errorf("unknown CHAT_STORE %q", c.Store)
	}
	switch c.RateLimitBackend {
	case "memory":
	case "redis":
		if c.RedisAddr == "" {
			return fmt.Errorf("REDIS_ADDR is required for the redis rate limit backend")
		}
	case "rpc":
		if c.SupabaseURL == "" || c.SupabaseKey == "" {
			return fmt.Errorf("the rpc rate limit backend needs SUPABASE_URL and SUPABASE_SERVICE_ROLE_KEY")
		}
	default:
		return fmt.Errorf("unknown RATE_LIMIT_BACKEND %q", c.RateLimitBackend)
	}
	return nil
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}
