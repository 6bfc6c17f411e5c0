// Package config loads the coordinator daemon configuration.
//
// Values are layered from lowest to highest priority:
//  1. defaults compiled into the binary
//  2. a YAML file
//  3. SEC_* environment variables
//
// The merged result is checked with validator struct tags before use.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/fortressi/sec"
	"github.com/fortressi/sec/transport/httpdispatch"
	"github.com/fortressi/sec/transport/redisdispatch"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Config is the full daemon configuration.
type Config struct {
	Server      Server               `yaml:"server"`
	Logging     Logging              `yaml:"logging"`
	Store       Store                `yaml:"store"`
	Dispatcher  Dispatcher           `yaml:"dispatcher"`
	Coordinator Coordinator          `yaml:"coordinator"`
	Definitions []sec.SagaDefinition `yaml:"definitions"`

	// LoadedFrom lists the sources that contributed, in order.
	LoadedFrom []string `yaml:"-"`
}

type Server struct {
	Addr            string        `yaml:"addr" validate:"required"`
	ReadTimeout     time.Duration `yaml:"read_timeout" validate:"gte=0"`
	WriteTimeout    time.Duration `yaml:"write_timeout" validate:"gte=0"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"gt=0"`
}

type Logging struct {
	Level string `yaml:"level" validate:"oneof=debug info warn error"`
	// Format is "json" for production output or "console" for development.
	Format string `yaml:"format" validate:"oneof=json console"`
}

// Store selects the state store backend.
type Store struct {
	Kind string `yaml:"kind" validate:"oneof=memory file sqlite postgres"`
	// Path is the directory used by the file store.
	Path string `yaml:"path"`
	// DSN is the data source name for the SQL stores.
	DSN     string `yaml:"dsn"`
	Migrate bool   `yaml:"migrate"`
}

// Dispatcher selects how commands reach participants.
type Dispatcher struct {
	Kind  string              `yaml:"kind" validate:"oneof=http nats redis"`
	HTTP  httpdispatch.Config `yaml:"http"`
	NATS  NATS                `yaml:"nats"`
	Redis Redis               `yaml:"redis"`
}

type NATS struct {
	URL    string `yaml:"url"`
	Prefix string `yaml:"prefix"`
}

type Redis struct {
	Addr     string                `yaml:"addr"`
	Password string                `yaml:"password"`
	DB       int                   `yaml:"db" validate:"gte=0"`
	Streams  redisdispatch.Options `yaml:"streams"`
}

// Coordinator tunes the coordinator's worker pool and timer sweep.
type Coordinator struct {
	Workers       int           `yaml:"workers" validate:"gte=1"`
	QueueSize     int           `yaml:"queue_size" validate:"gte=1"`
	SweepInterval time.Duration `yaml:"sweep_interval" validate:"gt=0"`
}

// Default returns a configuration that runs without any file: an in-memory
// store and an HTTP dispatcher posting to a local participant gateway.
func Default() *Config {
	return &Config{
		Server: Server{
			Addr:            ":8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Logging: Logging{Level: "info", Format: "json"},
		Store:   Store{Kind: "memory", Path: "sagas", Migrate: true},
		Dispatcher: Dispatcher{
			Kind: "http",
			HTTP: httpdispatch.Config{
				BaseURL: "http://127.0.0.1:9000/commands",
				Timeout: 10 * time.Second,
				Breaker: httpdispatch.DefaultBreakerConfig(),
			},
			NATS:  NATS{URL: "nats://127.0.0.1:4222", Prefix: "sec"},
			Redis: Redis{Addr: "127.0.0.1:6379"},
		},
		Coordinator: Coordinator{
			Workers:       8,
			QueueSize:     256,
			SweepInterval: 50 * time.Millisecond,
		},
	}
}

// Load reads path (optional) over the defaults, then applies environment
// overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	cfg.LoadedFrom = append(cfg.LoadedFrom, "defaults")

	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	if cfg.applyEnv(os.LookupEnv) {
		cfg.LoadedFrom = append(cfg.LoadedFrom, "environment")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}
	c.LoadedFrom = append(c.LoadedFrom, path)
	return nil
}

// applyEnv overlays SEC_* variables and reports whether any was set.
func (c *Config) applyEnv(lookup func(string) (string, bool)) bool {
	applied := false
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
			applied = true
		}
	}
	num := func(key string, dst *int) {
		if v, ok := lookup(key); ok {
			if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
				*dst = n
				applied = true
			}
		}
	}

	str("SEC_SERVER_ADDR", &c.Server.Addr)
	str("SEC_LOG_LEVEL", &c.Logging.Level)
	str("SEC_LOG_FORMAT", &c.Logging.Format)
	str("SEC_STORE_KIND", &c.Store.Kind)
	str("SEC_STORE_PATH", &c.Store.Path)
	str("SEC_STORE_DSN", &c.Store.DSN)
	str("SEC_DISPATCHER_KIND", &c.Dispatcher.Kind)
	str("SEC_HTTP_BASE_URL", &c.Dispatcher.HTTP.BaseURL)
	str("SEC_NATS_URL", &c.Dispatcher.NATS.URL)
	str("SEC_REDIS_ADDR", &c.Dispatcher.Redis.Addr)
	str("SEC_REDIS_PASSWORD", &c.Dispatcher.Redis.Password)
	num("SEC_WORKERS", &c.Coordinator.Workers)
	num("SEC_QUEUE_SIZE", &c.Coordinator.QueueSize)
	return applied
}

var validate = validator.New()

// Validate checks struct tags and the cross-field rules tags cannot express.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}

	var errs []error
	switch c.Store.Kind {
	case "file":
		if c.Store.Path == "" {
			errs = append(errs, errors.New("store.path is required for the file store"))
		}
	case "sqlite", "postgres":
		if c.Store.DSN == "" {
			errs = append(errs, fmt.Errorf("store.dsn is required for the %s store", c.Store.Kind))
		}
	}
	switch c.Dispatcher.Kind {
	case "http":
		if c.Dispatcher.HTTP.BaseURL == "" && len(c.Dispatcher.HTTP.Endpoints) == 0 {
			errs = append(errs, errors.New("dispatcher.http needs base_url or endpoints"))
		}
	case "nats":
		if c.Dispatcher.NATS.URL == "" {
			errs = append(errs, errors.New("dispatcher.nats.url is required"))
		}
	case "redis":
		if c.Dispatcher.Redis.Addr == "" {
			errs = append(errs, errors.New("dispatcher.redis.addr is required"))
		}
	}
	seen := make(map[string]bool, len(c.Definitions))
	for _, def := range c.Definitions {
		if seen[def.ID] {
			errs = append(errs, fmt.Errorf("definition %q declared twice", def.ID))
		}
		seen[def.ID] = true
	}
	return errors.Join(errs...)
}

// RegisterDefinitions registers every declared definition with r.
func (c *Config) RegisterDefinitions(r *sec.Registry) error {
	for i := range c.Definitions {
		if err := r.Register(&c.Definitions[i]); err != nil {
			return fmt.Errorf("definition %q: %w", c.Definitions[i].ID, err)
		}
	}
	return nil
}

// NewLogger builds the zap logger described by the logging section.
func (l Logging) NewLogger() (*zap.Logger, error) {
	var zc zap.Config
	if l.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
	}
	level, err := zap.ParseAtomicLevel(l.Level)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	zc.Level = level
	return zc.Build()
}
