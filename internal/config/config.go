// Package config loads and validates configuration at startup.
// Fail-fast: a missing or invalid value aborts the process before any
// connection is opened.
//
// Sources, lowest to highest precedence: built-in defaults, the YAML file
// (with ${VAR} expansion), then environment variables (a .env file is
// loaded first when present).
package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"careers/jobboard/internal/model"
)

// Geocode modes.
const (
	GeocodeInline   = "inline"
	GeocodeDeferred = "deferred"
)

// Reconcile scopes.
const (
	ReconcileFetched = "fetched"
	ReconcileAll     = "all"
)

// RunFinishGrace bounds the bookkeeping after a sync run (recording,
// reporting, cache invalidation). The run lock must outlive
// run_timeout plus this grace.
const RunFinishGrace = 30 * time.Second

// Config holds all runtime configuration for the job-board service.
type Config struct {
	Server struct {
		Port            string        `yaml:"port" validate:"required,numeric"`
		ReadTimeout     time.Duration `yaml:"read_timeout" validate:"gt=0"`
		WriteTimeout    time.Duration `yaml:"write_timeout" validate:"gt=0"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"gt=0"`
	} `yaml:"server"`

	DatabaseURL string `yaml:"database_url"`
	RedisURL    string `yaml:"redis_url"`

	Feed struct {
		URLTemplate string        `yaml:"url_template" validate:"required,contains={category}"`
		SystemID    string        `yaml:"system_id"`
		Timeout     time.Duration `yaml:"timeout" validate:"gt=0"`
	} `yaml:"feed"`

	Geocoder struct {
		BaseURL       string        `yaml:"base_url" validate:"required,url"`
		APIKey        string        `yaml:"api_key"`
		Timeout       time.Duration `yaml:"timeout" validate:"gt=0"`
		RatePerSecond float64       `yaml:"rate_per_second" validate:"gt=0"`
		CacheTTL      time.Duration `yaml:"cache_ttl" validate:"gte=0"`
	} `yaml:"geocoder"`

	Sync struct {
		IntervalHours  int           `yaml:"interval_hours" validate:"gte=1"`
		Concurrency    int           `yaml:"concurrency" validate:"gte=1,lte=24"`
		GeocodeMode    string        `yaml:"geocode_mode" validate:"oneof=inline deferred"`
		ReconcileScope string        `yaml:"reconcile_scope" validate:"oneof=fetched all"`
		LockTTL        time.Duration `yaml:"lock_ttl" validate:"gt=0,gtfield=RunTimeout"`
		RunTimeout     time.Duration `yaml:"run_timeout" validate:"gt=0"`
	} `yaml:"sync"`

	Enrich struct {
		IntervalMinutes int `yaml:"interval_minutes" validate:"gte=1"`
		BatchSize       int `yaml:"batch_size" validate:"gte=1"`
	} `yaml:"enrich"`

	Search struct {
		PageSize       int           `yaml:"page_size" validate:"gte=1,lte=200"`
		ZipRadiusMiles float64       `yaml:"zip_radius_miles" validate:"gt=0"`
		FacetCacheTTL  time.Duration `yaml:"facet_cache_ttl" validate:"gte=0"`
	} `yaml:"search"`

	Logging struct {
		Level  string `yaml:"level" validate:"oneof=trace debug info warn warning error fatal panic"`
		Format string `yaml:"format" validate:"oneof=json text"`
	} `yaml:"logging"`

	Categories []model.Category `yaml:"categories" validate:"required,min=1,unique=Code,dive"`
}

// Default returns a Config populated with built-in defaults only.
func Default() *Config {
	c := &Config{}

	c.Server.Port = "8083"
	c.Server.ReadTimeout = 10 * time.Second
	c.Server.WriteTimeout = 10 * time.Second
	c.Server.ShutdownTimeout = 10 * time.Second

	c.Feed.Timeout = 15 * time.Second

	c.Geocoder.BaseURL = "https://maps.googleapis.com/maps/api/geocode/json"
	c.Geocoder.Timeout = 10 * time.Second
	c.Geocoder.RatePerSecond = 10
	c.Geocoder.CacheTTL = 30 * 24 * time.Hour

	c.Sync.IntervalHours = 6
	c.Sync.Concurrency = 1
	c.Sync.GeocodeMode = GeocodeInline
	c.Sync.ReconcileScope = ReconcileAll
	c.Sync.LockTTL = 30 * time.Minute
	c.Sync.RunTimeout = 20 * time.Minute

	c.Enrich.IntervalMinutes = 15
	c.Enrich.BatchSize = 100

	c.Search.PageSize = 10
	c.Search.ZipRadiusMiles = 50
	c.Search.FacetCacheTTL = 10 * time.Minute

	c.Logging.Level = "info"
	c.Logging.Format = "json"

	return c
}

// Load reads defaults, the YAML file at path (skipped when path is empty or
// the file does not exist) and environment overrides, and returns a
// validated Config.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal([]byte(expandEnvVars(string(data))), cfg); err != nil {
				return nil, fmt.Errorf("parse %s: %w", path, err)
			}
		case !os.IsNotExist(err):
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
	}

	if err := cfg.loadFromEnv(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field constraints. Connection URLs are checked separately
// by RequireConnections because memory mode runs without them.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if floor := c.Sync.RunTimeout + RunFinishGrace; c.Sync.LockTTL <= floor {
		return fmt.Errorf("invalid config: sync.lock_ttl (%s) must exceed sync.run_timeout plus %s (%s)",
			c.Sync.LockTTL, RunFinishGrace, floor)
	}
	return nil
}

// RequireConnections fails when DATABASE_URL or REDIS_URL is missing.
func (c *Config) RequireConnections() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.RedisURL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}
	return nil
}

// CategoryMapping returns the configured code → name mapping.
func (c *Config) CategoryMapping() model.CategoryMapping {
	return model.NewCategoryMapping(c.Categories)
}

// CategoryCodes returns the configured codes in file order.
func (c *Config) CategoryCodes() []string {
	codes := make([]string, 0, len(c.Categories))
	for _, cat := range c.Categories {
		codes = append(codes, cat.Code)
	}
	return codes
}

func (c *Config) loadFromEnv() error {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.DatabaseURL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		c.RedisURL = v
	}
	if v := os.Getenv("JOBBOARD_PORT"); v != "" {
		c.Server.Port = v
	}
	if v := os.Getenv("FEED_SYSTEM_ID"); v != "" {
		c.Feed.SystemID = v
	}
	if v := os.Getenv("GEOCODER_API_KEY"); v != "" {
		c.Geocoder.APIKey = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		c.Logging.Format = strings.ToLower(v)
	}
	if v := os.Getenv("SYNC_INTERVAL_HOURS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return fmt.Errorf("SYNC_INTERVAL_HOURS must be a positive integer, got %q", v)
		}
		c.Sync.IntervalHours = n
	}
	if v := os.Getenv("SYNC_GEOCODE_MODE"); v != "" {
		c.Sync.GeocodeMode = v
	}
	if v := os.Getenv("SYNC_RECONCILE_SCOPE"); v != "" {
		c.Sync.ReconcileScope = v
	}
	return nil
}

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnvVars replaces ${VAR} with its value. Unset variables expand to
// the empty string so a placeholder never masquerades as a real value.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(match[2 : len(match)-1])
	})
}
