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

// ConfigPath is the default config file location.
const ConfigPath = "config.yaml"

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port                       string `yaml:"port"`
	DatabaseURL                string `yaml:"databaseURL"`
	RedisAddr                  string `yaml:"redisAddr"`
	RedisPassword              string `yaml:"redisPassword"`
	LogLevel                   string `yaml:"logLevel"`
	BotToken                   string `yaml:"botToken"`
	BotAPIBaseURL              string `yaml:"botApiBaseURL"`
	AllowUnverifiedAuth        bool   `yaml:"allowUnverifiedAuth"`
	SessionSecret              string `yaml:"sessionSecret"`
	SessionTTL                 string `yaml:"sessionTTL"`
	PublicBaseURL              string `yaml:"publicBaseURL"`
	StagingDir                 string `yaml:"stagingDir"`
	MediaDir                   string `yaml:"mediaDir"`
	StagedTTL                  string `yaml:"stagedTTL"`
	SweepInterval              string `yaml:"sweepInterval"`
	StoreTimeout               string `yaml:"storeTimeout"`
	MutationRateLimitPerMinute int    `yaml:"mutationRateLimitPerMinute"`
}

// Load reads config from path (defaults to config.yaml).
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	// Override with environment variables
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	if v := os.Getenv("BOT_TOKEN"); v != "" {
		cfg.BotToken = v
	}
	if v := os.Getenv("BOT_API_BASE_URL"); v != "" {
		cfg.BotAPIBaseURL = v
	}
	if v := os.Getenv("ALLOW_UNVERIFIED_AUTH"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.AllowUnverifiedAuth = b
		}
	}
	if v := os.Getenv("SESSION_SECRET"); v != "" {
		cfg.SessionSecret = v
	}
	if v := os.Getenv("SESSION_TTL"); v != "" {
		cfg.SessionTTL = v
	}
	if v := os.Getenv("PUBLIC_BASE_URL"); v != "" {
		cfg.PublicBaseURL = v
	}
	if v := os.Getenv("STAGING_DIR"); v != "" {
		cfg.StagingDir = v
	}
	if v := os.Getenv("MEDIA_DIR"); v != "" {
		cfg.MediaDir = v
	}
	if v := os.Getenv("MUTATION_RATE_LIMIT_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MutationRateLimitPerMinute = n
		}
	}
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml)")
	}
	if cfg.DatabaseURL == "" {
		return errors.New("config: databaseURL is required (set in config.yaml)")
	}
	if strings.TrimSpace(cfg.BotToken) == "" && !cfg.AllowUnverifiedAuth {
		return errors.New("config: botToken is required (set BOT_TOKEN)")
	}
	if strings.TrimSpace(cfg.SessionSecret) == "" {
		return errors.New("config: sessionSecret is required (set SESSION_SECRET)")
	}
	if strings.TrimSpace(cfg.StagingDir) == "" {
		return errors.New("config: stagingDir is required (set in config.yaml)")
	}
	if strings.TrimSpace(cfg.MediaDir) == "" {
		return errors.New("config: mediaDir is required (set in config.yaml)")
	}
	if strings.TrimSpace(cfg.PublicBaseURL) == "" {
		return errors.New("config: publicBaseURL is required (set in config.yaml)")
	}
	if cfg.MutationRateLimitPerMinute < 0 {
		return errors.New("config: mutationRateLimitPerMinute must be >= 0")
	}
	if cfg.MutationRateLimitPerMinute > 0 && strings.TrimSpace(cfg.RedisAddr) == "" {
		return errors.New("config: redisAddr is required when rate limiting is enabled")
	}
	return nil
}

// ParseSessionTTL parses the optional session TTL duration string.
func ParseSessionTTL(ttlStr string) (time.Duration, error) {
	if ttlStr == "" {
		return 0, nil
	}
	dur, err := time.ParseDuration(ttlStr)
	if err != nil {
		return 0, fmt.Errorf("invalid sessionTTL duration: %w", err)
	}
	return dur, nil
}

// ParseStagedTTL parses the optional quarantine age limit. Staged files
// older than this are swept.
func ParseStagedTTL(ttlStr string) (time.Duration, error) {
	if ttlStr == "" {
		return 0, nil
	}
	dur, err := time.ParseDuration(ttlStr)
	if err != nil {
		return 0, fmt.Errorf("invalid stagedTTL duration: %w", err)
	}
	return dur, nil
}

// ParseSweepInterval parses the optional sweep cadence.
func ParseSweepInterval(raw string) (time.Duration, error) {
	if raw == "" {
		return 0, nil
	}
	dur, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid sweepInterval duration: %w", err)
	}
	return dur, nil
}

// ParseStoreTimeout parses the optional per-call database timeout.
func ParseStoreTimeout(raw string) (time.Duration, error) {
	if raw == "" {
		return 0, nil
	}
	dur, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid storeTimeout duration: %w", err)
	}
	return dur, nil
}
