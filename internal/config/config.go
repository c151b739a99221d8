// Package config loads the service configuration: defaults, then an optional
// YAML file, then environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"sdg-inference/internal/cache"
	"sdg-inference/internal/engine"
	"sdg-inference/internal/llm"
	"sdg-inference/internal/tokenizer/hf"
	"sdg-inference/pkg/logging/logging"
)

var ErrInvalid = errors.New("config: invalid")

type ServerConfig struct {
	Port            string        `yaml:"port"`
	RequestTimeout  time.Duration `yaml:"request_timeout"` // 0 disables
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`
}

// EngineConfig applies to every engine endpoint.
type EngineConfig struct {
	Timeout     time.Duration `yaml:"timeout"`
	MaxRetries  int           `yaml:"max_retries"`
	BaseBackoff time.Duration `yaml:"base_backoff"`
	RateLimit   float64       `yaml:"rate_limit"` // requests/s per endpoint, 0 = unlimited
	RateBurst   int           `yaml:"rate_burst"`
}

type Config struct {
	Server    ServerConfig   `yaml:"server"`
	Logging   logging.Config `yaml:"logging"`
	Cache     cache.Config   `yaml:"cache"`
	Engine    EngineConfig   `yaml:"engine"`
	Tokenizer hf.Config      `yaml:"tokenizer"`
	Generator llm.Config     `yaml:"generator"`
}

// Default is the configuration before any file or environment is applied.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Port:            "8080",
			RequestTimeout:  30 * time.Minute,
			ShutdownTimeout: 30 * time.Second,
			MaxBodyBytes:    32 << 20,
		},
		Cache: cache.Config{
			Backend: cache.BackendSQLite,
			Path:    "cache/sdg-inference.db",
			Prefix:  "sdg",
		},
		Engine: EngineConfig{
			Timeout: 10 * time.Minute,
		},
		Tokenizer: hf.Config{Backend: hf.BackendAuto},
	}
}

// Load reads path (if not empty) over the defaults and applies environment
// overrides from getenv. Pass os.Getenv outside tests.
func Load(path string, getenv func(string) string) (Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	if getenv == nil {
		getenv = os.Getenv
	}
	cfg.applyEnv(getenv)

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(getenv func(string) string) {
	if v := getenv("PORT"); v != "" {
		c.Server.Port = v
	}
	if v := getenv("CACHE_BACKEND"); v != "" {
		c.Cache.Backend = v
	}
	if v := getenv("CACHE_PATH"); v != "" {
		c.Cache.Path = v
	}
	if v := getenv("REDIS_ADDR"); v != "" {
		c.Cache.RedisAddr = v
	}
	if v := getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := getenv("ENV"); v != "" {
		c.Logging.Development = logging.IsDevelopment(v)
	}
	if v := getenv("VLLM_ENDPOINTS"); v != "" {
		var eps []string
		for _, e := range strings.Split(v, ",") {
			if e = strings.TrimSpace(e); e != "" {
				eps = append(eps, e)
			}
		}
		c.Generator.Endpoints = eps
	}
	if v := getenv("VLLM_API_KEY"); v != "" {
		c.Generator.APIKey = v
	}
	if v := getenv("HF_TOKEN"); v != "" {
		c.Tokenizer.AuthToken = v
	}
}

func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("%w: server.port is required", ErrInvalid)
	}
	switch c.Cache.Backend {
	case cache.BackendSQLite, "":
		if c.Cache.Path == "" {
			return fmt.Errorf("%w: cache.path is required for the sqlite backend", ErrInvalid)
		}
	case cache.BackendRedis:
		if c.Cache.RedisAddr == "" {
			return fmt.Errorf("%w: cache.redis_addr is required for the redis backend", ErrInvalid)
		}
	case cache.BackendMemory:
	default:
		return fmt.Errorf("%w: unknown cache.backend %q", ErrInvalid, c.Cache.Backend)
	}
	switch c.Tokenizer.Backend {
	case hf.BackendAuto, hf.BackendHuggingFace, hf.BackendTiktoken, "":
	default:
		return fmt.Errorf("%w: unknown tokenizer.backend %q", ErrInvalid, c.Tokenizer.Backend)
	}
	if len(c.Generator.Endpoints) == 0 {
		return fmt.Errorf("%w: generator.endpoints (or VLLM_ENDPOINTS) needs at least one engine URL", ErrInvalid)
	}
	if n := c.Generator.DataParallelSize; n > 0 && n != len(c.Generator.Endpoints) {
		return fmt.Errorf("%w: data_parallel_size is %d but %d endpoints are configured", ErrInvalid, n, len(c.Generator.Endpoints))
	}
	return c.Generator.Validate()
}

// TokenizerName is generator.tokenizer, or the served model when unset.
func (c *Config) TokenizerName() string {
	if c.Generator.Tokenizer != "" {
		return c.Generator.Tokenizer
	}
	return c.Generator.ModelIDOrPath
}

// EngineConfigs returns one engine client config per endpoint.
func (c *Config) EngineConfigs() []engine.Config {
	out := make([]engine.Config, len(c.Generator.Endpoints))
	for i, ep := range c.Generator.Endpoints {
		out[i] = engine.Config{
			BaseURL:         ep,
			Model:           c.Generator.ModelIDOrPath,
			APIKey:          c.Generator.APIKey,
			UpstreamTimeout: c.Engine.Timeout,
			MaxRetries:      c.Engine.MaxRetries,
			BaseBackoff:     c.Engine.BaseBackoff,
			RateLimit:       c.Engine.RateLimit,
			RateBurst:       c.Engine.RateBurst,
		}
	}
	return out
}
