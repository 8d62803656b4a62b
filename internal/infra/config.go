package infra

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config represents application configuration loaded from environment variables.
type Config struct {
	AppEnv      string
	Port        string
	DatabaseURL string
	RedisURL    string
	JWTSecret   string
	DBMaxConns  int

	DefaultLocale  string
	AllowedOrigins []string

	MeshyAPIKey      string
	MeshyAPIKeyFile  string
	MeshyBaseURL     string
	MeshyArtStyle    string
	MeshyEnablePBR   bool
	MeshyRatePerSec  int
	SubmitTimeout    time.Duration
	StatusTimeout    time.Duration
	PollInterval     time.Duration
	MaxPollDuration  time.Duration
	MockStepDelay    time.Duration
	MockModelURL     string
	SubmitRateWindow time.Duration
	SubmitRateLimit  int
	JobLockTTL       time.Duration
	RecoveryLimit    int
	RecoverySchedule string

	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration
	RateLimitPerMin  int
}

// LoadConfig loads configuration from environment variables and applies defaults where needed.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		AppEnv:           getEnv("APP_ENV", "development"),
		Port:             getEnv("PORT", "8080"),
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		RedisURL:         getEnv("REDIS_URL", "redis://localhost:6379/0"),
		JWTSecret:        os.Getenv("JWT_SECRET"),
		DBMaxConns:       getEnvInt("DB_MAX_CONNS", 20),
		DefaultLocale:    getEnv("DEFAULT_LOCALE", "en"),
		AllowedOrigins:   splitList(os.Getenv("CORS_ALLOWED_ORIGINS")),
		MeshyAPIKey:      strings.TrimSpace(os.Getenv("MESHY_API_KEY")),
		MeshyAPIKeyFile:  getEnv("MESHY_API_KEY_FILE", "/run/secrets/meshy_api_key"),
		MeshyBaseURL:     getEnv("MESHY_BASE_URL", "https://api.meshy.ai/openapi/v2"),
		MeshyArtStyle:    getEnv("MESHY_ART_STYLE", "realistic"),
		MeshyEnablePBR:   getEnvBool("MESHY_ENABLE_PBR", true),
		MeshyRatePerSec:  getEnvInt("MESHY_REQUESTS_PER_SECOND", 10),
		SubmitTimeout:    getEnvDuration("PROVIDER_SUBMIT_TIMEOUT", 60*time.Second),
		StatusTimeout:    getEnvDuration("PROVIDER_STATUS_TIMEOUT", 30*time.Second),
		PollInterval:     getEnvDuration("JOB_POLL_INTERVAL", 5*time.Second),
		MaxPollDuration:  getEnvDuration("JOB_MAX_POLL_DURATION", 30*time.Minute),
		MockStepDelay:    getEnvDuration("MOCK_STEP_DELAY", 2*time.Second),
		MockModelURL:     getEnv("MOCK_MODEL_URL", "https://assets.forge3d.local/placeholder/cube.glb"),
		SubmitRateWindow: time.Second * time.Duration(getEnvInt("SUBMIT_RATE_WINDOW_SECONDS", 180)),
		SubmitRateLimit:  getEnvInt("SUBMIT_RATE_LIMIT", 1),
		JobLockTTL:       time.Second * time.Duration(getEnvInt("JOB_LOCK_TTL_SECONDS", 600)),
		RecoveryLimit:    getEnvInt("RECOVERY_LIMIT", 20),
		RecoverySchedule: strings.TrimSpace(os.Getenv("RECOVERY_SCHEDULE")),
		HTTPReadTimeout:  time.Second * time.Duration(getEnvInt("HTTP_READ_TIMEOUT_SECONDS", 15)),
		HTTPWriteTimeout: time.Second * time.Duration(getEnvInt("HTTP_WRITE_TIMEOUT_SECONDS", 30)),
		HTTPIdleTimeout:  time.Second * time.Duration(getEnvInt("HTTP_IDLE_TIMEOUT_SECONDS", 60)),
		RateLimitPerMin:  getEnvInt("RATE_LIMIT_PER_MINUTE", 30),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.JWTSecret == "" && cfg.AppEnv != "development" {
		return nil, fmt.Errorf("JWT_SECRET is required outside development")
	}
	if cfg.PollInterval <= 0 {
		return nil, fmt.Errorf("JOB_POLL_INTERVAL must be positive")
	}
	if cfg.SubmitRateLimit < 1 {
		cfg.SubmitRateLimit = 1
	}

	return cfg, nil
}

// UsesSQLite reports whether DatabaseURL selects the embedded SQLite store.
func (c *Config) UsesSQLite() bool {
	return strings.HasPrefix(c.DatabaseURL, "sqlite:") || strings.HasPrefix(c.DatabaseURL, "file:")
}

// SQLitePath strips the scheme from a sqlite DatabaseURL.
func (c *Config) SQLitePath() string {
	path := strings.TrimPrefix(c.DatabaseURL, "sqlite://")
	path = strings.TrimPrefix(path, "sqlite:")
	return strings.TrimPrefix(path, "file:")
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

// getEnvDuration accepts Go duration strings ("5s") or bare seconds ("5").
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if i, err := strconv.Atoi(v); err == nil {
		return time.Duration(i) * time.Second
	}
	return fallback
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
