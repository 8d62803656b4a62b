package infra

import (
	"testing"
	"time"
)

func TestLoadConfigRequiresDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "")

	if _, err := LoadConfig(); err == nil {
		t.Fatalf("expected error when DATABASE_URL is missing")
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://example")
	t.Setenv("JOB_POLL_INTERVAL", "")
	t.Setenv("SUBMIT_RATE_WINDOW_SECONDS", "")
	t.Setenv("JOB_LOCK_TTL_SECONDS", "")
	t.Setenv("PROVIDER_SUBMIT_TIMEOUT", "")
	t.Setenv("MESHY_API_KEY", "")
	t.Setenv("DB_MAX_CONNS", "")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.PollInterval != 5*time.Second {
		t.Fatalf("PollInterval mismatch: got %s want 5s", cfg.PollInterval)
	}
	if cfg.SubmitRateWindow != 180*time.Second {
		t.Fatalf("SubmitRateWindow mismatch: got %s want 180s", cfg.SubmitRateWindow)
	}
	if cfg.JobLockTTL != 600*time.Second {
		t.Fatalf("JobLockTTL mismatch: got %s want 600s", cfg.JobLockTTL)
	}
	if cfg.SubmitTimeout != 60*time.Second {
		t.Fatalf("SubmitTimeout mismatch: got %s want 60s", cfg.SubmitTimeout)
	}
	if cfg.MeshyAPIKey != "" {
		t.Fatalf("MeshyAPIKey should be empty, got %q", cfg.MeshyAPIKey)
	}
	if cfg.RecoveryLimit != 20 {
		t.Fatalf("RecoveryLimit mismatch: got %d want 20", cfg.RecoveryLimit)
	}
	if cfg.DBMaxConns != 20 {
		t.Fatalf("DBMaxConns mismatch: got %d want 20", cfg.DBMaxConns)
	}
}

func TestLoadConfigDurationFormats(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://example")
	t.Setenv("JOB_POLL_INTERVAL", "250ms")
	t.Setenv("JOB_MAX_POLL_DURATION", "90")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.PollInterval != 250*time.Millisecond {
		t.Fatalf("PollInterval mismatch: got %s", cfg.PollInterval)
	}
	if cfg.MaxPollDuration != 90*time.Second {
		t.Fatalf("MaxPollDuration mismatch: got %s", cfg.MaxPollDuration)
	}
}

func TestLoadConfigRejectsZeroPollInterval(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://example")
	t.Setenv("JOB_POLL_INTERVAL", "0s")

	if _, err := LoadConfig(); err == nil {
		t.Fatalf("expected error for zero poll interval")
	}
}

func TestConfigSQLitePath(t *testing.T) {
	tests := []struct {
		url    string
		sqlite bool
		path   string
	}{
		{url: "sqlite:///var/lib/forge3d/jobs.db", sqlite: true, path: "/var/lib/forge3d/jobs.db"},
		{url: "sqlite:jobs.db", sqlite: true, path: "jobs.db"},
		{url: "file:jobs.db", sqlite: true, path: "jobs.db"},
		{url: "postgres://example", sqlite: false},
	}
	for _, tc := range tests {
		cfg := &Config{DatabaseURL: tc.url}
		if got := cfg.UsesSQLite(); got != tc.sqlite {
			t.Fatalf("UsesSQLite(%q) = %v, want %v", tc.url, got, tc.sqlite)
		}
		if tc.sqlite && cfg.SQLitePath() != tc.path {
			t.Fatalf("SQLitePath(%q) = %q, want %q", tc.url, cfg.SQLitePath(), tc.path)
		}
	}
}

func TestLoadConfigAllowedOrigins(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://example")
	t.Setenv("CORS_ALLOWED_ORIGINS", " https://app.example.com, ,http://localhost:5173 ")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	expected := []string{"https://app.example.com", "http://localhost:5173"}
	if len(cfg.AllowedOrigins) != len(expected) {
		t.Fatalf("AllowedOrigins mismatch: got %#v want %#v", cfg.AllowedOrigins, expected)
	}
	for i, origin := range expected {
		if cfg.AllowedOrigins[i] != origin {
			t.Fatalf("AllowedOrigins[%d] = %q, want %q", i, cfg.AllowedOrigins[i], origin)
		}
	}
}

func TestLoadConfigRequiresJWTSecretInProduction(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://example")
	t.Setenv("APP_ENV", "production")
	t.Setenv("JWT_SECRET", "")

	if _, err := LoadConfig(); err == nil {
		t.Fatalf("expected error when JWT_SECRET is missing in production")
	}

	t.Setenv("JWT_SECRET", "s3cret")
	if _, err := LoadConfig(); err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
}
