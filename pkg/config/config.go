package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/cuemby/perimeter/pkg/dispatch"
	"github.com/cuemby/perimeter/pkg/log"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	BackendBolt     = "bolt"
	BackendPostgres = "postgres"

	// EnvPrefix prefixes every environment override
	EnvPrefix = "PERIMETER_"
)

// Config is the complete engine configuration
type Config struct {
	DataDir    string           `yaml:"dataDir"`
	Store      StoreConfig      `yaml:"store"`
	Detector   DetectorConfig   `yaml:"detector"`
	Geofences  GeofencesConfig  `yaml:"geofences"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	Reconciler ReconcilerConfig `yaml:"reconciler"`
	Dispatch   DispatchConfig   `yaml:"dispatch"`
	API        APIConfig        `yaml:"api"`
	Log        LogConfig        `yaml:"log"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

type StoreConfig struct {
	Backend      string        `yaml:"backend"`
	PostgresDSN  string        `yaml:"postgresDSN"`
	LeaseTimeout time.Duration `yaml:"leaseTimeout"`
	// EventBucket is the occurred_at width of the event idempotency key
	EventBucket time.Duration `yaml:"eventBucket"`
}

type DetectorConfig struct {
	MarginM        float64       `yaml:"marginM"`
	MinInterval    time.Duration `yaml:"minInterval"`
	MaxCASAttempts int           `yaml:"maxCASAttempts"`
}

type GeofencesConfig struct {
	CacheTTL time.Duration `yaml:"cacheTTL"`
}

type SchedulerConfig struct {
	Workers    int `yaml:"workers"`
	QueueSize  int `yaml:"queueSize"`
	MaxRetries int `yaml:"maxRetries"`
}

type ReconcilerConfig struct {
	Interval            time.Duration `yaml:"interval"`
	BatchSize           int           `yaml:"batchSize"`
	PendingAfter        time.Duration `yaml:"pendingAfter"`
	RedispatchAfter     time.Duration `yaml:"redispatchAfter"`
	MaxDeliveryAttempts int           `yaml:"maxDeliveryAttempts"`
}

type DispatchConfig struct {
	RecipientTimeout time.Duration        `yaml:"recipientTimeout"`
	Workers          int                  `yaml:"workers"`
	TitleTemplate    string               `yaml:"titleTemplate"`
	BodyTemplate     string               `yaml:"bodyTemplate"`
	Timezone         string               `yaml:"timezone"`
	Recipients       []dispatch.Recipient `yaml:"recipients"`
}

type APIConfig struct {
	Addr     string `yaml:"addr"`
	GRPCAddr string `yaml:"grpcAddr"`
	// RateLimit is the number of ingress requests allowed per client IP per
	// minute. Zero disables limiting.
	RateLimit int `yaml:"rateLimit"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

type MetricsConfig struct {
	StatsWindow time.Duration `yaml:"statsWindow"`
}

// Default returns a configuration that runs a single bbolt-backed engine
// logging every alert
func Default() *Config {
	return &Config{
		DataDir: "./perimeter-data",
		Store: StoreConfig{
			Backend:      BackendBolt,
			LeaseTimeout: 2 * time.Minute,
			EventBucket:  time.Second,
		},
		Detector: DetectorConfig{
			MarginM:        200,
			MinInterval:    15 * time.Second,
			MaxCASAttempts: 3,
		},
		Geofences: GeofencesConfig{
			CacheTTL: 5 * time.Minute,
		},
		Scheduler: SchedulerConfig{
			Workers:    4,
			QueueSize:  1024,
			MaxRetries: 3,
		},
		Reconciler: ReconcilerConfig{
			Interval:            30 * time.Second,
			BatchSize:           256,
			PendingAfter:        30 * time.Second,
			RedispatchAfter:     5 * time.Minute,
			MaxDeliveryAttempts: 5,
		},
		Dispatch: DispatchConfig{
			RecipientTimeout: 10 * time.Second,
			Workers:          4,
			Timezone:         "UTC",
			Recipients: []dispatch.Recipient{
				{Name: "log", Channel: dispatch.ChannelLog},
			},
		},
		API: APIConfig{
			Addr:      "127.0.0.1:8080",
			GRPCAddr:  "127.0.0.1:8081",
			RateLimit: 600,
		},
		Log: LogConfig{
			Level: string(log.InfoLevel),
		},
		Metrics: MetricsConfig{
			StatsWindow: 24 * time.Hour,
		},
	}
}

// Load builds the configuration from defaults, then the YAML file at path
// (skipped when empty), then PERIMETER_* environment variables. envFiles are
// loaded into the environment first without overriding variables already
// set; with none given, ./.env is loaded if present.
func Load(path string, envFiles ...string) (*Config, error) {
	if err := loadEnvFiles(envFiles); err != nil {
		return nil, err
	}

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := cfg.decode(bytes.NewReader(data)); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadEnvFiles(files []string) error {
	if len(files) == 0 {
		if _, err := os.Stat(".env"); err != nil {
			return nil
		}
		files = []string{".env"}
	}
	if err := godotenv.Load(files...); err != nil {
		return fmt.Errorf("failed to load env file: %w", err)
	}
	return nil
}

func (c *Config) decode(r io.Reader) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// ApplyEnv overrides fields from PERIMETER_* variables
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	get := func(name string) (string, bool) {
		v, ok := lookup(EnvPrefix + name)
		return strings.TrimSpace(v), ok && strings.TrimSpace(v) != ""
	}

	if v, ok := get("DATA_DIR"); ok {
		c.DataDir = v
	}
	if v, ok := get("STORE_BACKEND"); ok {
		c.Store.Backend = v
	}
	if v, ok := get("POSTGRES_DSN"); ok {
		c.Store.PostgresDSN = v
	}
	if v, ok := get("API_ADDR"); ok {
		c.API.Addr = v
	}
	if v, ok := get("GRPC_ADDR"); ok {
		c.API.GRPCAddr = v
	}
	if v, ok := get("LOG_LEVEL"); ok {
		c.Log.Level = v
	}
	if v, ok := get("TIMEZONE"); ok {
		c.Dispatch.Timezone = v
	}
	if v, ok := get("LOG_JSON"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%sLOG_JSON: %w", EnvPrefix, err)
		}
		c.Log.JSON = b
	}
	if v, ok := get("WORKERS"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%sWORKERS: %w", EnvPrefix, err)
		}
		c.Scheduler.Workers = n
	}
	if v, ok := get("REDISPATCH_AFTER"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%sREDISPATCH_AFTER: %w", EnvPrefix, err)
		}
		c.Reconciler.RedispatchAfter = d
	}

	// Secrets stay out of the config file
	if v, ok := get("TELEGRAM_BOT_TOKEN"); ok {
		for i := range c.Dispatch.Recipients {
			r := &c.Dispatch.Recipients[i]
			if r.Channel == dispatch.ChannelTelegram && r.BotToken == "" {
				r.BotToken = v
			}
		}
	}
	if v, ok := get("REDIS_PASSWORD"); ok {
		for i := range c.Dispatch.Recipients {
			r := &c.Dispatch.Recipients[i]
			if r.Channel == dispatch.ChannelRedis && r.Password == "" {
				r.Password = v
			}
		}
	}
	return nil
}

// Validate checks the configuration for values the engine cannot run with
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case BackendBolt:
		if c.DataDir == "" {
			return errors.New("dataDir is required for the bolt backend")
		}
	case BackendPostgres:
		if c.Store.PostgresDSN == "" {
			return errors.New("store.postgresDSN is required for the postgres backend")
		}
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}

	if c.Store.LeaseTimeout <= 0 {
		return errors.New("store.leaseTimeout must be positive")
	}
	if c.Store.EventBucket < time.Second {
		return errors.New("store.eventBucket must be at least 1s")
	}
	if c.Detector.MarginM < 0 {
		return errors.New("detector.marginM must not be negative")
	}
	if c.Detector.MinInterval < 0 {
		return errors.New("detector.minInterval must not be negative")
	}
	if c.Geofences.CacheTTL <= 0 {
		return errors.New("geofences.cacheTTL must be positive")
	}
	if c.Scheduler.Workers <= 0 {
		return errors.New("scheduler.workers must be positive")
	}
	if c.Reconciler.Interval <= 0 || c.Reconciler.RedispatchAfter <= 0 {
		return errors.New("reconciler.interval and reconciler.redispatchAfter must be positive")
	}
	if c.Reconciler.PendingAfter <= 0 {
		return errors.New("reconciler.pendingAfter must be positive")
	}
	if c.Reconciler.MaxDeliveryAttempts <= 0 {
		return errors.New("reconciler.maxDeliveryAttempts must be positive")
	}
	if c.Dispatch.RecipientTimeout <= 0 {
		return errors.New("dispatch.recipientTimeout must be positive")
	}
	if _, err := time.LoadLocation(c.Dispatch.Timezone); err != nil {
		return fmt.Errorf("dispatch.timezone: %w", err)
	}

	seen := make(map[string]bool, len(c.Dispatch.Recipients))
	for i, r := range c.Dispatch.Recipients {
		switch r.Channel {
		case dispatch.ChannelWebhook, dispatch.ChannelTelegram, dispatch.ChannelSMTP,
			dispatch.ChannelRedis, dispatch.ChannelLog:
		default:
			return fmt.Errorf("dispatch.recipients[%d]: unknown channel %q", i, r.Channel)
		}
		name := r.DisplayName()
		if seen[name] {
			return fmt.Errorf("dispatch.recipients[%d]: duplicate recipient name %q", i, name)
		}
		seen[name] = true
	}

	if c.API.Addr == "" {
		return errors.New("api.addr is required")
	}
	if _, err := log.ParseLevel(c.Log.Level); err != nil {
		return err
	}
	return nil
}

// Location returns the timezone alerts are rendered in
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Dispatch.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
