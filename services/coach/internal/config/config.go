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

// ConfigPath is the default config file location, relative to the working
// directory.
const ConfigPath = "config.yaml"

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"

	ArchiveBackendMinio  = "minio"
	ArchiveBackendMemory = "memory"

	RateLimitBackendRedis  = "redis"
	RateLimitBackendMemory = "memory"
)

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port     string `yaml:"port"`
	LogLevel string `yaml:"logLevel"`

	DatabaseDriver string `yaml:"databaseDriver"`
	DatabaseURL    string `yaml:"databaseURL"`
	SQLitePath     string `yaml:"sqlitePath"`

	RedisAddr     string `yaml:"redisAddr"`
	RedisPassword string `yaml:"redisPassword"`

	AuthJWKSURL   string `yaml:"authJwksURL"`
	JWTHMACSecret string `yaml:"jwtHmacSecret"`
	JWTIssuer     string `yaml:"jwtIssuer"`
	JWTAudience   string `yaml:"jwtAudience"`
	JWTLeeway     string `yaml:"jwtLeeway"`

	GenerationProvider string `yaml:"generationProvider"`
	GenerationBaseURL  string `yaml:"generationBaseURL"`
	GenerationAPIKey   string `yaml:"generationAPIKey"`
	GenerationModel    string `yaml:"generationModel"`
	AITimeout          string `yaml:"aiTimeout"`

	QuotaDefault int `yaml:"quotaDefault"`
	QuotaPremium int `yaml:"quotaPremium"`
	QuotaAdmin   int `yaml:"quotaAdmin"`

	RateLimitBackend          string  `yaml:"rateLimitBackend"`
	MessageRateLimit          int     `yaml:"messageRateLimit"`
	MessageRateWindow         string  `yaml:"messageRateWindow"`
	SessionRateLimitPerMinute int     `yaml:"sessionRateLimitPerMinute"`
	ConfidenceThreshold       float64 `yaml:"confidenceThreshold"`
	HistoryLimit              int     `yaml:"historyLimit"`

	TrustedProxyCIDRs []string `yaml:"trustedProxyCidrs"`

	ArchiveBackend   string `yaml:"archiveBackend"`
	ArchiveURLExpiry string `yaml:"archiveURLExpiry"`
	ArchiveWorkers   int    `yaml:"archiveWorkers"`
	MinioEndpoint    string `yaml:"minioEndpoint"`
	MinioAccessKey   string `yaml:"minioAccessKey"`
	MinioSecretKey   string `yaml:"minioSecretKey"`
	MinioBucket      string `yaml:"minioBucket"`
	MinioUseSSL      bool   `yaml:"minioUseSSL"`
}

func defaults() FileConfig {
	return FileConfig{
		Port:                      "8090",
		LogLevel:                  "info",
		DatabaseDriver:            DriverPostgres,
		GenerationProvider:        "gemini",
		AITimeout:                 "45s",
		QuotaDefault:              200,
		QuotaPremium:              1000,
		QuotaAdmin:                -1,
		RateLimitBackend:          RateLimitBackendRedis,
		MessageRateLimit:          10,
		MessageRateWindow:         "1m",
		SessionRateLimitPerMinute: 5,
		ConfidenceThreshold:       0.7,
		HistoryLimit:              20,
		ArchiveURLExpiry:          "15m",
		ArchiveWorkers:            2,
	}
}

// Load reads config from path (defaults to config.yaml). A missing file is
// fine when the environment supplies the required settings.
func Load(path string) (FileConfig, error) {
	cfg := defaults()
	if path == "" {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return cfg, fmt.Errorf("read config: %w", err)
	}
	applyEnv(&cfg)
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *FileConfig) {
	setString := func(key string, dst *string) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}
	setInt := func(key string, dst *int) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}

	setString("COACH_PORT", &cfg.Port)
	setString("LOG_LEVEL", &cfg.LogLevel)
	setString("COACH_DATABASE_DRIVER", &cfg.DatabaseDriver)
	setString("DATABASE_URL", &cfg.DatabaseURL)
	setString("COACH_SQLITE_PATH", &cfg.SQLitePath)
	setString("REDIS_ADDR", &cfg.RedisAddr)
	setString("REDIS_PASSWORD", &cfg.RedisPassword)

	setString("COACH_AUTH_JWKS_URL", &cfg.AuthJWKSURL)
	setString("COACH_JWT_HMAC_SECRET", &cfg.JWTHMACSecret)
	setString("JWT_ISSUER", &cfg.JWTIssuer)
	setString("JWT_AUDIENCE", &cfg.JWTAudience)
	setString("JWT_LEEWAY", &cfg.JWTLeeway)

	setString("COACH_GENERATION_PROVIDER", &cfg.GenerationProvider)
	setString("COACH_GENERATION_BASE_URL", &cfg.GenerationBaseURL)
	setString("COACH_GENERATION_API_KEY", &cfg.GenerationAPIKey)
	if cfg.GenerationAPIKey == "" {
		setString("GEMINI_API_KEY", &cfg.GenerationAPIKey)
	}
	setString("COACH_GENERATION_MODEL", &cfg.GenerationModel)
	setString("COACH_AI_TIMEOUT", &cfg.AITimeout)

	setInt("COACH_QUOTA_DEFAULT", &cfg.QuotaDefault)
	setInt("COACH_QUOTA_PREMIUM", &cfg.QuotaPremium)
	setInt("COACH_QUOTA_ADMIN", &cfg.QuotaAdmin)
	setString("COACH_RATE_LIMIT_BACKEND", &cfg.RateLimitBackend)
	setInt("COACH_MESSAGE_RATE_LIMIT", &cfg.MessageRateLimit)
	setString("COACH_MESSAGE_RATE_WINDOW", &cfg.MessageRateWindow)
	setInt("COACH_SESSION_RATE_LIMIT_PER_MINUTE", &cfg.SessionRateLimitPerMinute)
	if v := strings.TrimSpace(os.Getenv("COACH_CONFIDENCE_THRESHOLD")); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.ConfidenceThreshold = f
		}
	}
	setInt("COACH_HISTORY_LIMIT", &cfg.HistoryLimit)
	if v := os.Getenv("COACH_TRUSTED_PROXY_CIDRS"); v != "" {
		cfg.TrustedProxyCIDRs = splitCSV(v)
	}

	setString("COACH_ARCHIVE_BACKEND", &cfg.ArchiveBackend)
	setString("COACH_ARCHIVE_URL_EXPIRY", &cfg.ArchiveURLExpiry)
	setInt("COACH_ARCHIVE_WORKERS", &cfg.ArchiveWorkers)
	setString("MINIO_ENDPOINT", &cfg.MinioEndpoint)
	setString("MINIO_ACCESS_KEY", &cfg.MinioAccessKey)
	setString("MINIO_SECRET_KEY", &cfg.MinioSecretKey)
	setString("MINIO_BUCKET", &cfg.MinioBucket)
	if v := strings.TrimSpace(os.Getenv("MINIO_USE_SSL")); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.MinioUseSSL = b
		}
	}
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml or COACH_PORT)")
	}
	switch cfg.DatabaseDriver {
	case DriverPostgres:
		if strings.TrimSpace(cfg.DatabaseURL) == "" {
			return errors.New("config: databaseURL is required for postgres (set in config.yaml or DATABASE_URL)")
		}
	case DriverSQLite:
		if strings.TrimSpace(cfg.SQLitePath) == "" {
			return errors.New("config: sqlitePath is required for sqlite (set in config.yaml or COACH_SQLITE_PATH)")
		}
	default:
		return fmt.Errorf("config: unknown databaseDriver %q (want postgres or sqlite)", cfg.DatabaseDriver)
	}
	if strings.TrimSpace(cfg.RedisAddr) == "" {
		return errors.New("config: redisAddr is required for quota and rate limiting")
	}
	if strings.TrimSpace(cfg.AuthJWKSURL) == "" && strings.TrimSpace(cfg.JWTHMACSecret) == "" {
		return errors.New("config: authJwksURL or jwtHmacSecret is required")
	}
	if strings.TrimSpace(cfg.GenerationModel) == "" {
		return errors.New("config: generationModel is required (set in config.yaml or COACH_GENERATION_MODEL)")
	}
	if cfg.GenerationProvider == "gemini" && strings.TrimSpace(cfg.GenerationAPIKey) == "" {
		return errors.New("config: generationAPIKey is required for gemini (set in config.yaml or GEMINI_API_KEY)")
	}
	if cfg.QuotaDefault < -1 || cfg.QuotaPremium < -1 || cfg.QuotaAdmin < -1 {
		return errors.New("config: quotas must be >= 0, or -1 for unlimited")
	}
	if cfg.RateLimitBackend != RateLimitBackendRedis && cfg.RateLimitBackend != RateLimitBackendMemory {
		return fmt.Errorf("config: unknown rateLimitBackend %q (want redis or memory)", cfg.RateLimitBackend)
	}
	if cfg.MessageRateLimit < 0 || cfg.SessionRateLimitPerMinute < 0 {
		return errors.New("config: rate limits must be >= 0")
	}
	if cfg.ConfidenceThreshold < 0 || cfg.ConfidenceThreshold > 1 {
		return errors.New("config: confidenceThreshold must be within [0,1]")
	}
	for name, raw := range map[string]string{
		"aiTimeout":         cfg.AITimeout,
		"messageRateWindow": cfg.MessageRateWindow,
		"archiveURLExpiry":  cfg.ArchiveURLExpiry,
	} {
		if _, err := ParseDuration(raw); err != nil {
			return fmt.Errorf("config: invalid %s: %w", name, err)
		}
	}
	switch cfg.ArchiveBackend {
	case "", ArchiveBackendMemory:
	case ArchiveBackendMinio:
		if strings.TrimSpace(cfg.MinioEndpoint) == "" || strings.TrimSpace(cfg.MinioBucket) == "" {
			return errors.New("config: minioEndpoint and minioBucket are required for the minio archive backend")
		}
	default:
		return fmt.Errorf("config: unknown archiveBackend %q (want minio, memory or empty)", cfg.ArchiveBackend)
	}
	return nil
}

func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}

// ParseDuration parses an optional duration string; empty means zero.
func ParseDuration(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	dur, err := time.ParseDuration(raw)
	if err != nil {
		return 0, err
	}
	if dur < 0 {
		return 0, fmt.Errorf("negative duration %s", raw)
	}
	return dur, nil
}

// ParseJWTLeeway parses optional JWT leeway duration string.
func ParseJWTLeeway(leewayStr string) (time.Duration, error) {
	dur, err := ParseDuration(leewayStr)
	if err != nil {
		return 0, fmt.Errorf("invalid jwtLeeway duration: %w", err)
	}
	return dur, nil
}
