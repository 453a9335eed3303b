package cacheserver

import (
	"errors"
	"fmt"
	"os"
	"path"
	"time"

	"github.com/always-cache/cacheserver/analytics"
	"github.com/always-cache/cacheserver/pagecache"
	responserules "github.com/always-cache/cacheserver/pkg/response-rules"
	"github.com/always-cache/cacheserver/store"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is prepended to the name of every configuration environment variable.
const EnvPrefix = "CACHESERVER_"

// Store providers.
const (
	ProviderRedis    = "redis"
	ProviderSQLite   = "sqlite"
	ProviderPostgres = "postgres"
	ProviderMemory   = "memory"
)

type Config struct {
	Server    ServerConfig        `yaml:"server"`
	Site      SiteConfig          `yaml:",inline"`
	Store     StoreConfig         `yaml:"store"`
	Analytics AnalyticsConfig     `yaml:"analytics"`
	Rules     responserules.Rules `yaml:"rules"`
}

type ServerConfig struct {
	Addr string `yaml:"addr" env:"ADDR"`
	Port int    `yaml:"port" env:"PORT"`
	// Name is sent in the Server response header.
	Name         string        `yaml:"name" env:"NAME"`
	ReadTimeout  time.Duration `yaml:"readTimeout" env:"READ_TIMEOUT"`
	WriteTimeout time.Duration `yaml:"writeTimeout" env:"WRITE_TIMEOUT"`
}

// SiteConfig describes the served document root.
type SiteConfig struct {
	Root string `yaml:"root" env:"ROOT"`
	// NotFoundPath is served for paths that do not exist or have no extension.
	NotFoundPath string `yaml:"notFoundPath" env:"NOT_FOUND_PATH"`
	// LogFile is the server's log file, relative to the working directory.
	LogFile string `yaml:"logFile" env:"LOG_FILE"`
	// HideLogFile serves NotFoundPath instead of the log file if it lives in Root.
	HideLogFile bool `yaml:"hideLogFile" env:"HIDE_LOG_FILE"`
}

type StoreConfig struct {
	Provider      string        `yaml:"provider" env:"PROVIDER"`
	Addr          string        `yaml:"addr" env:"ADDR"`
	Port          int           `yaml:"port" env:"PORT"`
	Password      string        `yaml:"password" env:"PASSWORD"`
	DB            int           `yaml:"db" env:"DB"`
	File          string        `yaml:"file" env:"FILE"`
	DSN           string        `yaml:"dsn" env:"DSN"`
	MaxRetryCount int           `yaml:"maxRetryCount" env:"MAX_RETRY_COUNT"`
	DialTimeout   time.Duration `yaml:"dialTimeout" env:"DIAL_TIMEOUT"`
	Keys          StoreKeys     `yaml:"keys" envPrefix:"KEYS_"`
}

type StoreKeys struct {
	PageCache    string `yaml:"pageCache" env:"PAGE_CACHE"`
	TotalVisits  string `yaml:"totalVisits" env:"TOTAL_VISITS"`
	VisitRanking string `yaml:"visitRanking" env:"VISIT_RANKING"`
}

// Analytics returns the analytics keys.
func (k StoreKeys) Analytics() analytics.Keys {
	return analytics.Keys{
		TotalVisits:  k.TotalVisits,
		VisitRanking: k.VisitRanking,
	}
}

type AnalyticsConfig struct {
	// Path is the route of the visit info page.
	Path           string `yaml:"path" env:"PATH"`
	WantVisitCount int    `yaml:"wantVisitCount" env:"WANT_VISIT_COUNT"`
	AtomicVisits   bool   `yaml:"atomicVisits" env:"ATOMIC_VISITS"`
}

// DefaultConfig returns the configuration used when nothing is overridden.
func DefaultConfig() Config {
	keys := analytics.DefaultKeys()
	return Config{
		Server: ServerConfig{
			Addr:         "127.0.0.1",
			Port:         8080,
			Name:         "HTTP v1.1",
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 5 * time.Second,
		},
		Site: SiteConfig{
			Root:         ".",
			NotFoundPath: "404.html",
			LogFile:      "website.log",
			HideLogFile:  true,
		},
		Store: StoreConfig{
			Provider:      ProviderRedis,
			Addr:          "127.0.0.1",
			Port:          6379,
			File:          "cache.db",
			MaxRetryCount: store.DefaultMaxRetryCount,
			DialTimeout:   5 * time.Second,
			Keys: StoreKeys{
				PageCache:    pagecache.DefaultKey,
				TotalVisits:  keys.TotalVisits,
				VisitRanking: keys.VisitRanking,
			},
		},
		Analytics: AnalyticsConfig{
			Path:           "/visit_info",
			WantVisitCount: analytics.DefaultWantVisitCount,
		},
	}
}

// LoadConfig returns the defaults overridden by filename (if not empty)
// and then by the environment.
func LoadConfig(filename string) (Config, error) {
	config := DefaultConfig()
	if filename != "" {
		configBytes, err := os.ReadFile(filename)
		if err != nil {
			return config, err
		}
		if err := yaml.Unmarshal(configBytes, &config); err != nil {
			return config, fmt.Errorf("parse %s: %w", filename, err)
		}
	}
	if err := config.loadEnv(); err != nil {
		return config, err
	}
	return config, nil
}

// loadEnv overrides the fields whose environment variable is set.
func (c *Config) loadEnv() error {
	target := struct {
		Server    *ServerConfig    `envPrefix:"SERVER_"`
		Store     *StoreConfig     `envPrefix:"STORE_"`
		Analytics *AnalyticsConfig `envPrefix:"ANALYTICS_"`
		Site      *SiteConfig
	}{&c.Server, &c.Store, &c.Analytics, &c.Site}
	if err := env.ParseWithOptions(&target, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Validate reports the first setting the server cannot run with.
func (c Config) Validate() error {
	if c.Site.NotFoundPath == "" {
		return errors.New("notFoundPath is empty")
	}
	if path.Ext(c.Site.NotFoundPath) == "" {
		return fmt.Errorf("notFoundPath %q has no extension", c.Site.NotFoundPath)
	}
	if c.Analytics.WantVisitCount <= 0 {
		return fmt.Errorf("wantVisitCount must be positive, is %d", c.Analytics.WantVisitCount)
	}
	if c.Store.MaxRetryCount < 0 {
		return fmt.Errorf("maxRetryCount must not be negative, is %d", c.Store.MaxRetryCount)
	}
	switch c.Store.Provider {
	case ProviderRedis, ProviderSQLite, ProviderPostgres, ProviderMemory:
	default:
		return fmt.Errorf("unknown store provider %q", c.Store.Provider)
	}
	if c.Store.Provider == ProviderPostgres && c.Store.DSN == "" {
		return errors.New("postgres store needs a dsn")
	}
	if c.Analytics.Path == "" || c.Analytics.Path[0] != '/' {
		return fmt.Errorf("analytics path %q must start with /", c.Analytics.Path)
	}
	return c.Rules.Validate()
}
