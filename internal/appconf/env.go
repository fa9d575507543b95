package appconf

import (
	"fmt"
	"strconv"
)

// LookupFunc matches os.LookupEnv.
type LookupFunc func(key string) (string, bool)

// ApplyEnvOverrides copies LOKAL_* variables over cfg.
func ApplyEnvOverrides(cfg *Config, lookup LookupFunc) error {
	if v, ok := lookup("LOKAL_PORT"); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid LOKAL_PORT %q: %w", v, err)
		}
		cfg.Port = port
	}
	if v, ok := lookup("LOKAL_ENV"); ok && v != "" {
		env, err := EnvFlagToEnvironment(v)
		if err != nil {
			return fmt.Errorf("invalid LOKAL_ENV: %w", err)
		}
		cfg.Env = env
	}
	if v, ok := lookup("LOKAL_API_KEYS"); ok && v != "" {
		cfg.ApiKeys = ParseAPIKeys(v)
	}

	strs := []struct {
		name string
		dst  *string
	}{
		{"LOKAL_UPSTREAM_URL", &cfg.Upstream.BaseURL},
		{"LOKAL_REDIS_URL", &cfg.Cache.RedisURL},
		{"LOKAL_SNAPSHOT_DSN", &cfg.Snapshot.DSN},
		{"LOKAL_NATS_URL", &cfg.NATS.URL},
		{"LOKAL_PLACES_URL", &cfg.Places.URL},
	}
	for _, s := range strs {
		if v, ok := lookup(s.name); ok && v != "" {
			*s.dst = v
		}
	}
	return nil
}
