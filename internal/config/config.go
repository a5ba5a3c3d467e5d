package config

import (
	"os"
	"path/filepath"
	"time"
)

type Config struct {
	Server  ServerConfig
	Storage StorageConfig
	Log     LogConfig
	Vector  VectorConfig
}

type ServerConfig struct {
	Port     int
	APIToken string
}

type StorageConfig struct {
	DataDir string
}

type LogConfig struct {
	Level string
}

// VectorConfig controls the connection to the external embedding/similarity
// service. It is loaded once at startup and shared by reference; all numeric
// fields are clamped to their valid ranges during Load.
type VectorConfig struct {
	Enabled             bool
	BaseURL             string
	TimeoutMS           int
	RetryAttempts       int
	RetryDelayMS        int
	SimilarityThreshold float64
	MaxResponseLength   int
}

// Timeout returns the per-request timeout as a duration.
func (v VectorConfig) Timeout() time.Duration {
	return time.Duration(v.TimeoutMS) * time.Millisecond
}

// RetryDelay returns the base retry delay as a duration. The actual delay
// before retrying attempt n is RetryDelay * 2^(n-1).
func (v VectorConfig) RetryDelay() time.Duration {
	return time.Duration(v.RetryDelayMS) * time.Millisecond
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4500,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Log: LogConfig{
			Level: "info",
		},
		Vector: VectorConfig{
			Enabled:             true,
			BaseURL:             "http://127.0.0.1:8000",
			TimeoutMS:           5000,
			RetryAttempts:       3,
			RetryDelayMS:        1000,
			SimilarityThreshold: 0.7,
			MaxResponseLength:   2000,
		},
	}
}

func defaultDataDir() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "kbase")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}
	return filepath.Join(home, ".local", "share", "kbase")
}

// Load builds the configuration from defaults and KBASE_* environment
// variables. Invalid numeric values are clamped to their valid range with a
// warning rather than rejected, so a misconfigured deployment still starts.
func Load() Config {
	cfg := defaults()
	applyEnvOverrides(&cfg)
	return cfg
}
