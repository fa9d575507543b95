package appconf

import (
	"fmt"
	"strings"
	"time"
)

type Environment int

const (
	Development Environment = iota
	Test
	Production
)

func (e Environment) String() string {
	switch e {
	case Test:
		return "test"
	case Production:
		return "production"
	default:
		return "development"
	}
}

// EnvFlagToEnvironment maps the -env flag value onto an Environment.
func EnvFlagToEnvironment(env string) (Environment, error) {
	switch strings.ToLower(strings.TrimSpace(env)) {
	case "", "development", "dev":
		return Development, nil
	case "test":
		return Test, nil
	case "production", "prod":
		return Production, nil
	default:
		return Development, fmt.Errorf("unknown environment %q", env)
	}
}

// Config holds the application-wide settings.
type Config struct {
	Port        int `validate:"gt=0,lte=65535"`
	Env         Environment
	ApiKeys     []string
	Verbose     bool
	RateLimit   int `validate:"gte=0"`
	CorsOrigins []string

	Upstream UpstreamConfig
	Cache    CacheConfig
	Snapshot SnapshotConfig
	Planner  PlannerConfig
	NATS     NATSConfig
	Places   PlacesConfig
}

type UpstreamConfig struct {
	BaseURL             string        `validate:"required,url"`
	Timeout             time.Duration `validate:"gt=0"`
	Timezone            string        `validate:"required"`
	AuthHeaderKey       string
	AuthHeaderValue     string
	MaxRetries          uint64
	RequestsPerSecond   float64 `validate:"gte=0"`
	VehiclePositionsURL string  `validate:"omitempty,url"`
}

type CacheConfig struct {
	// RedisURL selects the Redis store; empty means the in-process store.
	RedisURL           string `validate:"omitempty,url"`
	KeyPrefix          string
	MaxValueBytes      int           `validate:"gt=0"`
	CompressAboveBytes int           `validate:"gte=0"`
	ScanBatch          int64         `validate:"gt=0"`
	ShutdownTimeout    time.Duration `validate:"gt=0"`
	CoalesceMisses     bool
	MemoryCapacity     int `validate:"gt=0"`
}

type SnapshotConfig struct {
	Driver string `validate:"oneof=sqlite postgres"`
	DSN    string `validate:"required"`
}

type PlannerConfig struct {
	WalkingSpeedMetersPerMinute float64 `validate:"gt=0"`
	MinutesPerStop              float64 `validate:"gt=0"`
	DefaultLimit                int     `validate:"min=1,max=5"`
}

type NATSConfig struct {
	URL           string `validate:"omitempty,url"`
	SubjectPrefix string
}

type PlacesConfig struct {
	URL string `validate:"omitempty,url"`
}

// Defaults returns a Config with every optional setting filled in.
func Defaults() Config {
	return Config{
		Port:      4000,
		Env:       Development,
		RateLimit: 100,
		Upstream: UpstreamConfig{
			Timeout:           10 * time.Second,
			Timezone:          "UTC",
			MaxRetries:        3,
			RequestsPerSecond: 10,
		},
		Cache: CacheConfig{
			KeyPrefix:          "lokal:",
			MaxValueBytes:      1 << 20,
			CompressAboveBytes: 8 << 10,
			ScanBatch:          100,
			ShutdownTimeout:    5 * time.Second,
			MemoryCapacity:     10000,
		},
		Snapshot: SnapshotConfig{
			Driver: "sqlite",
			DSN:    "lokal-snapshot.db",
		},
		Planner: PlannerConfig{
			WalkingSpeedMetersPerMinute: 80,
			MinutesPerStop:              2,
			DefaultLimit:                3,
		},
		NATS: NATSConfig{
			SubjectPrefix: "lokal.vehicles",
		},
	}
}
