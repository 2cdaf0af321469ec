package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Directory  DirectoryConfig  `yaml:"directory" mapstructure:"directory"`
	Geonames   GeonamesConfig   `yaml:"geonames" mapstructure:"geonames"`
	Cache      CacheConfig      `yaml:"cache" mapstructure:"cache"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// DirectoryConfig configures the member directory API.
type DirectoryConfig struct {
	BaseURL  string `yaml:"base_url" mapstructure:"base_url"`
	Token    string `yaml:"token" mapstructure:"token"`
	PageSize int    `yaml:"page_size" mapstructure:"page_size"`
}

// GeonamesConfig configures the GeoNames search client.
type GeonamesConfig struct {
	BaseURL        string   `yaml:"base_url" mapstructure:"base_url"`
	Username       string   `yaml:"username" mapstructure:"username"`
	MinIntervalMs  int      `yaml:"min_interval_ms" mapstructure:"min_interval_ms"`
	MaxRetries     int      `yaml:"max_retries" mapstructure:"max_retries"`
	TimeoutSecs    int      `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	FeatureClasses []string `yaml:"feature_classes" mapstructure:"feature_classes"`
}

// CacheConfig configures the optional geocode result cache.
type CacheConfig struct {
	RedisURL string `yaml:"redis_url" mapstructure:"redis_url"`
	TTLHours int    `yaml:"ttl_hours" mapstructure:"ttl_hours"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port               int      `yaml:"port" mapstructure:"port"`
	CORSOrigins        []string `yaml:"cors_origins" mapstructure:"cors_origins"`
	ResolveTimeoutSecs int      `yaml:"resolve_timeout_secs" mapstructure:"resolve_timeout_secs"`
}

// MonitoringConfig configures run log alerting.
type MonitoringConfig struct {
	WebhookURL          string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	CheckIntervalSecs   int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LookbackWindowHours int     `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
	SkipRateThreshold   float64 `yaml:"skip_rate_threshold" mapstructure:"skip_rate_threshold"`
	StaleAfterHours     int     `yaml:"stale_after_hours" mapstructure:"stale_after_hours"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from .env, file and environment.
func Load() (*Config, error) {
	// .env (optional); existing environment variables win.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, eris.Wrap(err, "config: load .env")
	}

	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("WORLDMAP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.database_url", "")
	v.SetDefault("store.max_conns", 5)
	v.SetDefault("store.min_conns", 1)
	v.SetDefault("directory.base_url", "https://www.recurse.com/api/v1/profiles")
	v.SetDefault("directory.token", "")
	v.SetDefault("directory.page_size", 50)
	v.SetDefault("geonames.base_url", "http://api.geonames.org/searchJSON")
	v.SetDefault("geonames.username", "")
	v.SetDefault("geonames.min_interval_ms", 2500)
	v.SetDefault("geonames.max_retries", 10)
	v.SetDefault("geonames.timeout_secs", 20)
	v.SetDefault("geonames.feature_classes", []string{"A", "P"})
	v.SetDefault("cache.redis_url", "")
	v.SetDefault("cache.ttl_hours", 720)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{})
	v.SetDefault("server.resolve_timeout_secs", 120)
	v.SetDefault("monitoring.webhook_url", "")
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.lookback_window_hours", 24)
	v.SetDefault("monitoring.skip_rate_threshold", 0.25)
	v.SetDefault("monitoring.stale_after_hours", 168)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the keys a command mode needs. Modes: "store",
// "directory", "geonames", "serve".
func (c *Config) Validate(modes ...string) error {
	var problems []string
	for _, mode := range modes {
		switch mode {
		case "store":
			problems = append(problems, c.validateStore()...)
		case "directory":
			if c.Directory.Token == "" {
				problems = append(problems, "directory.token is required")
			}
			if c.Directory.PageSize < 1 {
				problems = append(problems, "directory.page_size must be > 0")
			}
		case "geonames":
			if c.Geonames.Username == "" {
				problems = append(problems, "geonames.username is required")
			}
			if c.Geonames.MaxRetries < 0 {
				problems = append(problems, "geonames.max_retries must be >= 0")
			}
			if c.Geonames.MinIntervalMs < 0 {
				problems = append(problems, "geonames.min_interval_ms must be >= 0")
			}
		case "serve":
			if c.Server.Port <= 0 || c.Server.Port > 65535 {
				problems = append(problems, "server.port must be > 0 and <= 65535")
			}
			if c.Monitoring.SkipRateThreshold < 0 || c.Monitoring.SkipRateThreshold > 1 {
				problems = append(problems, "monitoring.skip_rate_threshold must be between 0 and 1")
			}
		default:
			return eris.Errorf("config: unknown mode %q", mode)
		}
	}
	if len(problems) > 0 {
		return eris.Errorf("config: validation failed: %s", strings.Join(problems, "; "))
	}
	return nil
}

func (c *Config) validateStore() []string {
	var problems []string
	switch c.Store.Driver {
	case "postgres", "":
		if c.Store.DatabaseURL == "" {
			problems = append(problems, "store.database_url is required")
		}
		if c.Store.MaxConns < 1 {
			problems = append(problems, "store.max_conns must be > 0")
		}
	case "sqlite":
		if c.Store.DatabaseURL == "" {
			problems = append(problems, "store.database_url is required")
		}
	default:
		problems = append(problems, fmt.Sprintf("store.driver %q is not supported", c.Store.Driver))
	}
	return problems
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
