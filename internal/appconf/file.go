package appconf

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// FileConfig is the on-disk configuration document. JSON documents are
// accepted too since they are valid YAML.
type FileConfig struct {
	Port        int      `yaml:"port" validate:"gte=0,lte=65535"`
	Env         string   `yaml:"env" validate:"omitempty,oneof=development dev test production prod"`
	ApiKeys     []string `yaml:"api-keys"`
	Verbose     bool     `yaml:"verbose"`
	RateLimit   *int     `yaml:"rate-limit" validate:"omitempty,gte=0"`
	CorsOrigins []string `yaml:"cors-origins"`

	Upstream struct {
		BaseURL             string        `yaml:"base-url" validate:"omitempty,url"`
		Timeout             time.Duration `yaml:"timeout"`
		Timezone            string        `yaml:"timezone"`
		AuthHeaderKey       string        `yaml:"auth-header-key"`
		AuthHeaderValue     string        `yaml:"auth-header-value"`
		MaxRetries          *uint64       `yaml:"max-retries"`
		RequestsPerSecond   *float64      `yaml:"requests-per-second"`
		VehiclePositionsURL string        `yaml:"vehicle-positions-url" validate:"omitempty,url"`
	} `yaml:"upstream"`

	Cache struct {
		RedisURL           string        `yaml:"redis-url"`
		KeyPrefix          string        `yaml:"key-prefix"`
		MaxValueBytes      int           `yaml:"max-value-bytes"`
		CompressAboveBytes *int          `yaml:"compress-above-bytes"`
		ScanBatch          int64         `yaml:"scan-batch"`
		ShutdownTimeout    time.Duration `yaml:"shutdown-timeout"`
		CoalesceMisses     bool          `yaml:"coalesce-misses"`
		MemoryCapacity     int           `yaml:"memory-capacity"`
	} `yaml:"cache"`

	Snapshot struct {
		Driver string `yaml:"driver" validate:"omitempty,oneof=sqlite postgres"`
		DSN    string `yaml:"dsn"`
	} `yaml:"snapshot"`

	Planner struct {
		WalkingSpeedMetersPerMinute float64 `yaml:"walking-speed-meters-per-minute"`
		MinutesPerStop              float64 `yaml:"minutes-per-stop"`
		DefaultLimit                int     `yaml:"default-limit" validate:"omitempty,min=1,max=5"`
	} `yaml:"planner"`

	NATS struct {
		URL           string `yaml:"url" validate:"omitempty,url"`
		SubjectPrefix string `yaml:"subject-prefix"`
	} `yaml:"nats"`

	Places struct {
		URL string `yaml:"url" validate:"omitempty,url"`
	} `yaml:"places"`
}

// LoadFromFile reads and validates a configuration document.
func LoadFromFile(path string) (*FileConfig, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var fc FileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := validator.New().Struct(&fc); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &fc, nil
}

// ToAppConfig overlays the document onto Defaults.
func (fc *FileConfig) ToAppConfig() Config {
	cfg := Defaults()
	if fc.Port != 0 {
		cfg.Port = fc.Port
	}
	if env, err := EnvFlagToEnvironment(fc.Env); err == nil {
		cfg.Env = env
	}
	cfg.ApiKeys = fc.ApiKeys
	cfg.Verbose = fc.Verbose
	if fc.RateLimit != nil {
		cfg.RateLimit = *fc.RateLimit
	}
	cfg.CorsOrigins = fc.CorsOrigins

	u := fc.Upstream
	setString(&cfg.Upstream.BaseURL, u.BaseURL)
	setDuration(&cfg.Upstream.Timeout, u.Timeout)
	setString(&cfg.Upstream.Timezone, u.Timezone)
	cfg.Upstream.AuthHeaderKey = u.AuthHeaderKey
	cfg.Upstream.AuthHeaderValue = u.AuthHeaderValue
	if u.MaxRetries != nil {
		cfg.Upstream.MaxRetries = *u.MaxRetries
	}
	if u.RequestsPerSecond != nil {
		cfg.Upstream.RequestsPerSecond = *u.RequestsPerSecond
	}
	cfg.Upstream.VehiclePositionsURL = u.VehiclePositionsURL

	c := fc.Cache
	cfg.Cache.RedisURL = c.RedisURL
	setString(&cfg.Cache.KeyPrefix, c.KeyPrefix)
	if c.MaxValueBytes > 0 {
		cfg.Cache.MaxValueBytes = c.MaxValueBytes
	}
	if c.CompressAboveBytes != nil {
		cfg.Cache.CompressAboveBytes = *c.CompressAboveBytes
	}
	if c.ScanBatch > 0 {
		cfg.Cache.ScanBatch = c.ScanBatch
	}
	setDuration(&cfg.Cache.ShutdownTimeout, c.ShutdownTimeout)
	cfg.Cache.CoalesceMisses = c.CoalesceMisses
	if c.MemoryCapacity > 0 {
		cfg.Cache.MemoryCapacity = c.MemoryCapacity
	}

	setString(&cfg.Snapshot.Driver, fc.Snapshot.Driver)
	setString(&cfg.Snapshot.DSN, fc.Snapshot.DSN)

	p := fc.Planner
	if p.WalkingSpeedMetersPerMinute > 0 {
		cfg.Planner.WalkingSpeedMetersPerMinute = p.WalkingSpeedMetersPerMinute
	}
	if p.MinutesPerStop > 0 {
		cfg.Planner.MinutesPerStop = p.MinutesPerStop
	}
	if p.DefaultLimit != 0 {
		cfg.Planner.DefaultLimit = p.DefaultLimit
	}

	cfg.NATS.URL = fc.NATS.URL
	setString(&cfg.NATS.SubjectPrefix, fc.NATS.SubjectPrefix)
	cfg.Places.URL = fc.Places.URL
	return cfg
}

// Validate checks cfg and returns it unchanged when it is usable.
func (cfg Config) Validate() (Config, error) {
	if err := validator.New().Struct(cfg); err != nil {
		return cfg, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Load builds the runtime configuration: .env file, optional config
// document, LOKAL_* environment overrides, then validation.
func Load(path string) (Config, error) {
	// A missing .env is normal outside development.
	_ = godotenv.Load()

	cfg := Defaults()
	if path != "" {
		fc, err := LoadFromFile(path)
		if err != nil {
			return Config{}, err
		}
		cfg = fc.ToAppConfig()
	}
	if err := ApplyEnvOverrides(&cfg, os.LookupEnv); err != nil {
		return Config{}, err
	}
	return cfg.Validate()
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setDuration(dst *time.Duration, v time.Duration) {
	if v > 0 {
		*dst = v
	}
}

// ParseAPIKeys splits a comma separated key list, dropping blanks.
func ParseAPIKeys(s string) []string {
	keys := []string{}
	for _, k := range strings.Split(s, ",") {
		if k = strings.TrimSpace(k); k != "" {
			keys = append(keys, k)
		}
	}
	return keys
}
