package config

import (
	"fmt"
	"os"
	"strconv"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kFloat
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	min     float64 // clamp range for numeric keys; min == max means unclamped
	max     float64
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "KBASE_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.api_token", typ: kString, env: "KBASE_API_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Server.APIToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.APIToken },
	},
	{
		key: "storage.data_dir", typ: kString, env: "KBASE_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "log.level", typ: kString, env: "KBASE_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "vector.enabled", typ: kBool, env: "KBASE_VECTOR_ENABLED",
		apply:   func(cfg *Config, v any) { cfg.Vector.Enabled = v.(bool) },
		extract: func(cfg Config) any { return cfg.Vector.Enabled },
	},
	{
		key: "vector.base_url", typ: kString, env: "KBASE_VECTOR_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Vector.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Vector.BaseURL },
	},
	{
		key: "vector.timeout_ms", typ: kInt, env: "KBASE_VECTOR_TIMEOUT_MS",
		min:     1000, max: 30000,
		apply:   func(cfg *Config, v any) { cfg.Vector.TimeoutMS = v.(int) },
		extract: func(cfg Config) any { return cfg.Vector.TimeoutMS },
	},
	{
		key: "vector.retry_attempts", typ: kInt, env: "KBASE_VECTOR_RETRY_ATTEMPTS",
		min:     1, max: 10,
		apply:   func(cfg *Config, v any) { cfg.Vector.RetryAttempts = v.(int) },
		extract: func(cfg Config) any { return cfg.Vector.RetryAttempts },
	},
	{
		key: "vector.retry_delay_ms", typ: kInt, env: "KBASE_VECTOR_RETRY_DELAY_MS",
		min:     100, max: 10000,
		apply:   func(cfg *Config, v any) { cfg.Vector.RetryDelayMS = v.(int) },
		extract: func(cfg Config) any { return cfg.Vector.RetryDelayMS },
	},
	{
		key: "vector.similarity_threshold", typ: kFloat, env: "KBASE_VECTOR_SIMILARITY_THRESHOLD",
		min:     0.1, max: 1.0,
		apply:   func(cfg *Config, v any) { cfg.Vector.SimilarityThreshold = v.(float64) },
		extract: func(cfg Config) any { return cfg.Vector.SimilarityThreshold },
	},
	{
		key: "vector.max_response_length", typ: kInt, env: "KBASE_VECTOR_MAX_RESPONSE_LENGTH",
		min:     100, max: 10000,
		apply:   func(cfg *Config, v any) { cfg.Vector.MaxResponseLength = v.(int) },
		extract: func(cfg Config) any { return cfg.Vector.MaxResponseLength },
	},
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kInt:
			i, err := strconv.Atoi(raw)
			if err != nil {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
				continue
			}
			s.apply(cfg, clampInt(s, i))
		case kBool:
			b, err := strconv.ParseBool(raw)
			if err != nil {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse bool from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
				continue
			}
			s.apply(cfg, b)
		case kFloat:
			f, err := strconv.ParseFloat(raw, 64)
			if err != nil {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse float from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
				continue
			}
			s.apply(cfg, clampFloat(s, f))
		}
	}
}

func clampInt(s keySpec, v int) int {
	if s.min == s.max {
		return v
	}
	if float64(v) < s.min {
		fmt.Fprintf(os.Stderr, "[WARN] %s=%d below minimum, clamping to %d\n", s.env, v, int(s.min))
		return int(s.min)
	}
	if float64(v) > s.max {
		fmt.Fprintf(os.Stderr, "[WARN] %s=%d above maximum, clamping to %d\n", s.env, v, int(s.max))
		return int(s.max)
	}
	return v
}

func clampFloat(s keySpec, v float64) float64 {
	if s.min == s.max {
		return v
	}
	if v < s.min {
		fmt.Fprintf(os.Stderr, "[WARN] %s=%g below minimum, clamping to %g\n", s.env, v, s.min)
		return s.min
	}
	if v > s.max {
		fmt.Fprintf(os.Stderr, "[WARN] %s=%g above maximum, clamping to %g\n", s.env, v, s.max)
		return s.max
	}
	return v
}

// KeyInfo describes a config key for display purposes.
type KeyInfo struct {
	Key    string
	EnvVar string
	Value  string
}

// ShowAll returns all non-secret config key/value pairs from the current config.
func ShowAll(cfg Config) []KeyInfo {
	var result []KeyInfo
	for _, s := range specs {
		if s.secret {
			continue
		}
		result = append(result, KeyInfo{
			Key:    s.key,
			EnvVar: s.env,
			Value:  fmt.Sprintf("%v", s.extract(cfg)),
		})
	}
	return result
}
