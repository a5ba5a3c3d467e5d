package config

import (
	"testing"
	"time"
)

// TestDefaults verifies the documented default values.
func TestDefaults(t *testing.T) {
	cfg := defaults()

	if cfg.Server.Port != 4500 {
		t.Errorf("Server.Port = %d, want 4500", cfg.Server.Port)
	}
	if !cfg.Vector.Enabled {
		t.Error("Vector.Enabled = false, want true")
	}
	if cfg.Vector.BaseURL != "http://127.0.0.1:8000" {
		t.Errorf("Vector.BaseURL = %q, want %q", cfg.Vector.BaseURL, "http://127.0.0.1:8000")
	}
	if cfg.Vector.TimeoutMS != 5000 {
		t.Errorf("Vector.TimeoutMS = %d, want 5000", cfg.Vector.TimeoutMS)
	}
	if cfg.Vector.RetryAttempts != 3 {
		t.Errorf("Vector.RetryAttempts = %d, want 3", cfg.Vector.RetryAttempts)
	}
	if cfg.Vector.RetryDelayMS != 1000 {
		t.Errorf("Vector.RetryDelayMS = %d, want 1000", cfg.Vector.RetryDelayMS)
	}
	if cfg.Vector.SimilarityThreshold != 0.7 {
		t.Errorf("Vector.SimilarityThreshold = %g, want 0.7", cfg.Vector.SimilarityThreshold)
	}
	if cfg.Vector.MaxResponseLength != 2000 {
		t.Errorf("Vector.MaxResponseLength = %d, want 2000", cfg.Vector.MaxResponseLength)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("KBASE_SERVER_PORT", "9000")
	t.Setenv("KBASE_VECTOR_BASE_URL", "http://vector:8000")
	t.Setenv("KBASE_VECTOR_ENABLED", "false")
	t.Setenv("KBASE_VECTOR_SIMILARITY_THRESHOLD", "0.85")

	cfg := Load()

	if cfg.Server.Port != 9000 {
		t.Errorf("Server.Port = %d, want 9000", cfg.Server.Port)
	}
	if cfg.Vector.BaseURL != "http://vector:8000" {
		t.Errorf("Vector.BaseURL = %q, want %q", cfg.Vector.BaseURL, "http://vector:8000")
	}
	if cfg.Vector.Enabled {
		t.Error("Vector.Enabled = true, want false")
	}
	if cfg.Vector.SimilarityThreshold != 0.85 {
		t.Errorf("Vector.SimilarityThreshold = %g, want 0.85", cfg.Vector.SimilarityThreshold)
	}
}

// TestClamping verifies out-of-range values are clamped, not rejected.
func TestClamping(t *testing.T) {
	tests := []struct {
		env   string
		value string
		check func(cfg Config) (got, want any)
	}{
		{
			env: "KBASE_VECTOR_TIMEOUT_MS", value: "50",
			check: func(cfg Config) (any, any) { return cfg.Vector.TimeoutMS, 1000 },
		},
		{
			env: "KBASE_VECTOR_TIMEOUT_MS", value: "100000",
			check: func(cfg Config) (any, any) { return cfg.Vector.TimeoutMS, 30000 },
		},
		{
			env: "KBASE_VECTOR_RETRY_ATTEMPTS", value: "0",
			check: func(cfg Config) (any, any) { return cfg.Vector.RetryAttempts, 1 },
		},
		{
			env: "KBASE_VECTOR_RETRY_ATTEMPTS", value: "50",
			check: func(cfg Config) (any, any) { return cfg.Vector.RetryAttempts, 10 },
		},
		{
			env: "KBASE_VECTOR_RETRY_DELAY_MS", value: "5",
			check: func(cfg Config) (any, any) { return cfg.Vector.RetryDelayMS, 100 },
		},
		{
			env: "KBASE_VECTOR_SIMILARITY_THRESHOLD", value: "0.01",
			check: func(cfg Config) (any, any) { return cfg.Vector.SimilarityThreshold, 0.1 },
		},
		{
			env: "KBASE_VECTOR_SIMILARITY_THRESHOLD", value: "1.5",
			check: func(cfg Config) (any, any) { return cfg.Vector.SimilarityThreshold, 1.0 },
		},
		{
			env: "KBASE_VECTOR_MAX_RESPONSE_LENGTH", value: "20",
			check: func(cfg Config) (any, any) { return cfg.Vector.MaxResponseLength, 100 },
		},
	}

	for _, tt := range tests {
		t.Run(tt.env+"="+tt.value, func(t *testing.T) {
			t.Setenv(tt.env, tt.value)
			cfg := Load()
			if got, want := tt.check(cfg); got != want {
				t.Errorf("%s=%s: got %v, want %v", tt.env, tt.value, got, want)
			}
		})
	}
}

// TestInvalidValuesKeepDefaults verifies unparsable values fall back to defaults.
func TestInvalidValuesKeepDefaults(t *testing.T) {
	t.Setenv("KBASE_VECTOR_TIMEOUT_MS", "not-a-number")
	t.Setenv("KBASE_VECTOR_ENABLED", "maybe")

	cfg := Load()

	if cfg.Vector.TimeoutMS != 5000 {
		t.Errorf("Vector.TimeoutMS = %d, want default 5000", cfg.Vector.TimeoutMS)
	}
	if !cfg.Vector.Enabled {
		t.Error("Vector.Enabled = false, want default true")
	}
}

func TestDurationHelpers(t *testing.T) {
	v := VectorConfig{TimeoutMS: 2500, RetryDelayMS: 250}

	if got := v.Timeout(); got != 2500*time.Millisecond {
		t.Errorf("Timeout() = %v, want 2.5s", got)
	}
	if got := v.RetryDelay(); got != 250*time.Millisecond {
		t.Errorf("RetryDelay() = %v, want 250ms", got)
	}
}
