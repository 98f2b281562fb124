package infra

import (
	"testing"
	"time"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://example")
	t.Setenv("PORT", "")
	t.Setenv("PUBLIC_BASE_URL", "")
	t.Setenv("STORAGE_DRIVER", "")
	t.Setenv("TIMER_BACKEND", "")
	t.Setenv("REQUEST_TIMEOUT_SECONDS", "")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.PublicBaseURL != "http://localhost:8080" {
		t.Fatalf("PublicBaseURL mismatch: got %q", cfg.PublicBaseURL)
	}
	if cfg.RequestTimeout != 5*time.Minute {
		t.Fatalf("RequestTimeout mismatch: got %s", cfg.RequestTimeout)
	}
	if cfg.StorageDriver != "filesystem" || cfg.TimerBackend != "local" {
		t.Fatalf("driver defaults mismatch: %q %q", cfg.StorageDriver, cfg.TimerBackend)
	}
	if cfg.WebhookTolerance != 5*time.Minute {
		t.Fatalf("WebhookTolerance mismatch: got %s", cfg.WebhookTolerance)
	}
}

func TestLoadConfigInheritsPortInPublicBaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://example")
	t.Setenv("PORT", "1919")
	t.Setenv("PUBLIC_BASE_URL", "")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.PublicBaseURL != "http://localhost:1919" {
		t.Fatalf("PublicBaseURL mismatch: got %q", cfg.PublicBaseURL)
	}
}

func TestLoadConfigTrimsPublicBaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://example")
	t.Setenv("PUBLIC_BASE_URL", "https://api.example.com/")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.PublicBaseURL != "https://api.example.com" {
		t.Fatalf("PublicBaseURL mismatch: got %q", cfg.PublicBaseURL)
	}
}

func TestLoadConfigRequiresDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	if _, err := LoadConfig(); err == nil {
		t.Fatal("expected error without DATABASE_URL")
	}
}

func TestLoadConfigValidatesDrivers(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://example")
	t.Setenv("STORAGE_DRIVER", "s3")
	t.Setenv("S3_ENDPOINT", "")
	if _, err := LoadConfig(); err == nil {
		t.Fatal("expected error for s3 without endpoint")
	}

	t.Setenv("STORAGE_DRIVER", "filesystem")
	t.Setenv("TIMER_BACKEND", "cron")
	if _, err := LoadConfig(); err == nil {
		t.Fatal("expected error for unknown timer backend")
	}
}

func TestLoadConfigTypedParsing(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://example")
	t.Setenv("STORAGE_DRIVER", "")
	t.Setenv("TIMER_BACKEND", "")
	t.Setenv("S3_USE_SSL", "false")
	t.Setenv("DISPATCH_RATE_PER_SECOND", "2.5")
	t.Setenv("ACTOR_PARTITIONS", "0")
	t.Setenv("PROJECTION_SURFACE_ERRORS", "not-a-bool")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.S3UseSSL {
		t.Fatal("S3UseSSL should be false")
	}
	if cfg.DispatchRatePerSecond != 2.5 {
		t.Fatalf("DispatchRatePerSecond = %v", cfg.DispatchRatePerSecond)
	}
	if cfg.ActorPartitions != 1 {
		t.Fatalf("ActorPartitions = %d, want clamp to 1", cfg.ActorPartitions)
	}
	if cfg.ProjectionSurfaceErrors {
		t.Fatal("invalid bool should fall back to false")
	}
}

func TestLoadConfigCORSOrigins(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://example")
	t.Setenv("CORS_ALLOWED_ORIGINS", " https://a.example.com, ,https://b.example.com ")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if len(cfg.CORSOrigins) != 2 || cfg.CORSOrigins[1] != "https://b.example.com" {
		t.Fatalf("CORSOrigins mismatch: %q", cfg.CORSOrigins)
	}
}
