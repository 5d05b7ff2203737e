package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is the server configuration, read from PROPOZAL_* variables.
type Config struct {
	Addr string `env:"PROPOZAL_ADDR" envDefault:":8080"`

	// Backends are chosen by DSN scheme: memory://, postgres://, sqlite://,
	// redis://, file://.
	StorageDSN  string `env:"PROPOZAL_STORAGE_DSN" envDefault:"memory://"`
	CounterDSN  string `env:"PROPOZAL_COUNTER_DSN"`
	QueueDSN    string `env:"PROPOZAL_QUEUE_DSN" envDefault:"memory://"`
	QueueSize   int    `env:"PROPOZAL_QUEUE_SIZE" envDefault:"1024"`
	Workers     int    `env:"PROPOZAL_WEBHOOK_WORKERS" envDefault:"4"`
	PlanFile    string `env:"PROPOZAL_PLAN_FILE"`
	MaxBodySize int64  `env:"PROPOZAL_MAX_BODY_BYTES" envDefault:"65536"`

	// QueueWait is how long a lifecycle or engagement event may wait for room
	// in a full delivery queue before it is dropped. Zero drops at once.
	QueueWait time.Duration `env:"PROPOZAL_QUEUE_ENQUEUE_TIMEOUT" envDefault:"0s"`

	// TrustForwardedFor keys public limits on X-Forwarded-For. Enable only
	// behind a proxy that overwrites the header.
	TrustForwardedFor bool `env:"PROPOZAL_TRUST_FORWARDED_FOR" envDefault:"false"`

	JWTSecret      string `env:"PROPOZAL_JWT_SECRET"`
	JWTAudience    string `env:"PROPOZAL_JWT_AUDIENCE" envDefault:"propozal"`
	InternalSecret string `env:"PROPOZAL_INTERNAL_SECRET"`

	GenerationLimit  int           `env:"PROPOZAL_GENERATION_LIMIT" envDefault:"5"`
	GenerationWindow time.Duration `env:"PROPOZAL_GENERATION_WINDOW" envDefault:"1m"`
	PublicLimit      int           `env:"PROPOZAL_PUBLIC_LIMIT" envDefault:"120"`
	PublicWindow     time.Duration `env:"PROPOZAL_PUBLIC_WINDOW" envDefault:"1m"`

	ShutdownTimeout time.Duration `env:"PROPOZAL_SHUTDOWN_TIMEOUT" envDefault:"15s"`
	LogLevel        string        `env:"PROPOZAL_LOG_LEVEL" envDefault:"info"`
	LogFormat       string        `env:"PROPOZAL_LOG_FORMAT" envDefault:"json"`
	OTelEndpoint    string        `env:"PROPOZAL_OTEL_ENDPOINT"`
}

// Load parses the environment and checks the result.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.JWTSecret) == "" {
		errs = append(errs, errors.New("PROPOZAL_JWT_SECRET is required"))
	}
	if strings.TrimSpace(c.InternalSecret) == "" {
		errs = append(errs, errors.New("PROPOZAL_INTERNAL_SECRET is required"))
	}
	if c.GenerationLimit <= 0 || c.GenerationWindow <= 0 {
		errs = append(errs, errors.New("generation limit and window must be positive"))
	}
	if c.PublicLimit <= 0 || c.PublicWindow <= 0 {
		errs = append(errs, errors.New("public limit and window must be positive"))
	}
	if c.QueueSize <= 0 {
		errs = append(errs, errors.New("PROPOZAL_QUEUE_SIZE must be positive"))
	}
	if c.QueueWait < 0 {
		errs = append(errs, errors.New("PROPOZAL_QUEUE_ENQUEUE_TIMEOUT must not be negative"))
	}
	if c.MaxBodySize <= 0 {
		errs = append(errs, errors.New("PROPOZAL_MAX_BODY_BYTES must be positive"))
	}
	switch strings.ToLower(c.LogFormat) {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("PROPOZAL_LOG_FORMAT %q must be json or text", c.LogFormat))
	}
	return errors.Join(errs...)
}
