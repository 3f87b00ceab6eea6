package app

import (
	"testing"
	"time"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("AI_MODELS", "")
	t.Setenv("PASS_THRESHOLD", "")
	t.Setenv("AI_CALL_TIMEOUT_SECONDS", "")
	t.Setenv("AI_UPLOAD_TIMEOUT_SECONDS", "")

	cfg := LoadConfig()
	if cfg.PassThreshold != 60 {
		t.Fatalf("expected default pass threshold 60, got %v", cfg.PassThreshold)
	}
	if len(cfg.AIModels) != 3 || cfg.AIModels[0] != "gemini-2.5-flash" {
		t.Fatalf("unexpected default models: %v", cfg.AIModels)
	}
	if cfg.AICallTimeout != 60*time.Second {
		t.Fatalf("unexpected call timeout: %v", cfg.AICallTimeout)
	}
	if cfg.AIUploadTimeout != 2*time.Minute {
		t.Fatalf("unexpected upload timeout: %v", cfg.AIUploadTimeout)
	}
}

func TestLoadConfigOverrides(t *testing.T) {
	t.Setenv("AI_MODELS", " model-a, ,model-b ")
	t.Setenv("PASS_THRESHOLD", "75.5")
	t.Setenv("DB_AUTO_MIGRATE", "yes")
	t.Setenv("STORAGE_DRIVER", "GCS")

	cfg := LoadConfig()
	if len(cfg.AIModels) != 2 || cfg.AIModels[0] != "model-a" || cfg.AIModels[1] != "model-b" {
		t.Fatalf("unexpected models: %v", cfg.AIModels)
	}
	if cfg.PassThreshold != 75.5 {
		t.Fatalf("expected 75.5, got %v", cfg.PassThreshold)
	}
	if !cfg.DBAutoMigrate {
		t.Fatalf("expected auto migrate enabled")
	}
	if cfg.StorageDriver != "gcs" {
		t.Fatalf("expected lower-cased driver, got %q", cfg.StorageDriver)
	}
}

func TestFloatOrDefaultRejectsOutOfRange(t *testing.T) {
	t.Setenv("PASS_THRESHOLD", "140")
	if got := floatOrDefault("PASS_THRESHOLD", 60); got != 60 {
		t.Fatalf("expected fallback, got %v", got)
	}
}

func TestRatioOrDefaultClamps(t *testing.T) {
	tests := []struct {
		raw  string
		want float64
	}{
		{"", 0.1},
		{"0.5", 0.5},
		{"-1", 0},
		{"3", 1},
		{"abc", 0.1},
	}
	for _, tt := range tests {
		t.Setenv("OTEL_SAMPLER_RATIO", tt.raw)
		if got := ratioOrDefault("OTEL_SAMPLER_RATIO", 0.1); got != tt.want {
			t.Fatalf("ratio %q: expected %v, got %v", tt.raw, tt.want, got)
		}
	}
}
