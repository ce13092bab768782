// Package config loads the daemon configuration from an optional YAML file
// with TILLSYNC_* environment overrides on top.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	BackendFile     = "file"
	BackendPostgres = "postgres"

	CacheMemory = "memory"
	CacheFile   = "file"
	CacheRedis  = "redis"
)

type Config struct {
	Addr           string        `yaml:"addr"`
	AuthorityURL   string        `yaml:"authorityUrl"`
	DataDir        string        `yaml:"dataDir"`
	BackendProfile string        `yaml:"backendProfile"`
	PostgresDSN    string        `yaml:"postgresDsn"`
	CacheDriver    string        `yaml:"cacheDriver"`
	RedisAddr      string        `yaml:"redisAddr"`
	RedisPassword  string        `yaml:"redisPassword"`
	RedisDB        int           `yaml:"redisDb"`
	CacheTTL       time.Duration `yaml:"cacheTtl"`
	MaxQueueSize   int           `yaml:"maxQueueSize"`
	RetryCeiling   int           `yaml:"retryCeiling"`
	ApplyTimeout   time.Duration `yaml:"applyTimeout"`
	AdminToken     string        `yaml:"adminToken"`
	AuditMode      bool          `yaml:"auditMode"`
}

func Default() Config {
	return Config{
		Addr:           ":8787",
		AuthorityURL:   "http://localhost:8080",
		DataDir:        "./data",
		BackendProfile: BackendFile,
		CacheDriver:    CacheMemory,
		MaxQueueSize:   50,
		RetryCeiling:   3,
		ApplyTimeout:   15 * time.Second,
	}
}

// Load reads the YAML file at path (missing file is fine, defaults apply) and
// layers environment overrides on top.
func Load(path string) (Config, error) {
	cfg := Default()
	path = strings.TrimSpace(path)
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return Config{}, err
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	applyEnv(&cfg)
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.BackendProfile {
	case BackendFile, BackendPostgres:
	default:
		return fmt.Errorf("config: unknown backend profile %q", c.BackendProfile)
	}
	if c.BackendProfile == BackendPostgres && strings.TrimSpace(c.PostgresDSN) == "" {
		return errors.New("config: postgres backend requires postgresDsn")
	}
	switch c.CacheDriver {
	case CacheMemory, CacheFile, CacheRedis:
	default:
		return fmt.Errorf("config: unknown cache driver %q", c.CacheDriver)
	}
	if c.CacheDriver == CacheRedis && strings.TrimSpace(c.RedisAddr) == "" {
		return errors.New("config: redis cache requires redisAddr")
	}
	if strings.TrimSpace(c.AuthorityURL) == "" {
		return errors.New("config: authorityUrl is required")
	}
	return nil
}

func applyEnv(cfg *Config) {
	cfg.Addr = stringEnv("TILLSYNC_ADDR", cfg.Addr)
	cfg.AuthorityURL = stringEnv("TILLSYNC_AUTHORITY_URL", cfg.AuthorityURL)
	cfg.DataDir = stringEnv("TILLSYNC_DATA_DIR", cfg.DataDir)
	cfg.BackendProfile = stringEnv("TILLSYNC_BACKEND_PROFILE", cfg.BackendProfile)
	cfg.PostgresDSN = stringEnv("TILLSYNC_POSTGRES_DSN", cfg.PostgresDSN)
	cfg.CacheDriver = stringEnv("TILLSYNC_CACHE_DRIVER", cfg.CacheDriver)
	cfg.RedisAddr = stringEnv("TILLSYNC_REDIS_ADDR", cfg.RedisAddr)
	cfg.RedisPassword = stringEnv("TILLSYNC_REDIS_PASSWORD", cfg.RedisPassword)
	cfg.RedisDB = intEnv("TILLSYNC_REDIS_DB", cfg.RedisDB)
	cfg.CacheTTL = durationEnv("TILLSYNC_CACHE_TTL", cfg.CacheTTL)
	cfg.MaxQueueSize = intEnv("TILLSYNC_MAX_QUEUE_SIZE", cfg.MaxQueueSize)
	cfg.RetryCeiling = intEnv("TILLSYNC_RETRY_CEILING", cfg.RetryCeiling)
	cfg.ApplyTimeout = durationEnv("TILLSYNC_APPLY_TIMEOUT", cfg.ApplyTimeout)
	cfg.AdminToken = stringEnv("TILLSYNC_ADMIN_TOKEN", cfg.AdminToken)
	cfg.AuditMode = boolEnv("TILLSYNC_AUDIT_MODE", cfg.AuditMode)
}

func stringEnv(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func intEnv(name string, fallback int) int {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func boolEnv(name string, fallback bool) bool {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}
