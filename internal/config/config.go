package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server    ServerConfig     `yaml:"server"`
	Listeners []ListenerConfig `yaml:"listeners"`
	Clusters  []ClusterConfig  `yaml:"clusters"`
	Routes    []RouteConfig    `yaml:"routes"`
	Offline   OfflineConfig    `yaml:"offline"`
	DataCache DataCacheConfig  `yaml:"dataCache"`
	Backend   BackendConfig    `yaml:"backend"`
	RateLimit RateLimitConfig  `yaml:"rateLimit"`
	Telemetry TelemetryConfig  `yaml:"telemetry"`
	Logging   LoggingConfig    `yaml:"logging"`
}

type ServerConfig struct {
	Address string    `yaml:"address"`
	TLS     TLSConfig `yaml:"tls"`
}

type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"certFile"`
	KeyFile  string `yaml:"keyFile"`
}

type ListenerConfig struct {
	Name    string    `yaml:"name"`
	Address string    `yaml:"address"`
	TLS     TLSConfig `yaml:"tls"`
	// RedirectTo names a TLS listener that plain HTTP requests are redirected to.
	RedirectTo string `yaml:"redirectTo"`
}

type ClusterConfig struct {
	Name           string                `yaml:"name"`
	Endpoints      []string              `yaml:"endpoints"`
	HealthCheck    *HealthCheckConfig    `yaml:"healthCheck,omitempty"`
	CircuitBreaker *CircuitBreakerConfig `yaml:"circuitBreaker,omitempty"`
}

type HealthCheckConfig struct {
	Path               string        `yaml:"path"`
	Interval           time.Duration `yaml:"interval"`
	Timeout            time.Duration `yaml:"timeout"`
	UnhealthyThreshold int           `yaml:"unhealthyThreshold"`
	HealthyThreshold   int           `yaml:"healthyThreshold"`
}

type CircuitBreakerConfig struct {
	ConsecutiveFailures int           `yaml:"consecutiveFailures"`
	Cooldown            time.Duration `yaml:"cooldown"`
}

type RouteConfig struct {
	Name       string            `yaml:"name"`
	PathPrefix string            `yaml:"pathPrefix"`
	Cluster    string            `yaml:"cluster"`
	Cache      *RouteCacheConfig `yaml:"cache,omitempty"`
}

type RouteCacheConfig struct {
	Enabled *bool `yaml:"enabled,omitempty"`
}

type OfflineConfig struct {
	Version        string      `yaml:"version"`
	Scope          string      `yaml:"scope"`
	Manifest       []string    `yaml:"manifest"`
	Fallbacks      []string    `yaml:"fallbacks"`
	BypassPatterns []string    `yaml:"bypassPatterns"`
	MaxBodyBytes   int64       `yaml:"maxBodyBytes"`
	Store          StoreConfig `yaml:"store"`
}

type StoreConfig struct {
	// Driver is "memory" or "sqlite".
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
}

type DataCacheConfig struct {
	MaxEntries int           `yaml:"maxEntries"`
	DefaultTTL time.Duration `yaml:"defaultTTL"`
}

type BackendConfig struct {
	URL      string         `yaml:"url"`
	APIKey   string         `yaml:"apiKey"`
	Timeout  time.Duration  `yaml:"timeout"`
	Realtime RealtimeConfig `yaml:"realtime"`
}

type RealtimeConfig struct {
	Enabled bool     `yaml:"enabled"`
	Tables  []string `yaml:"tables"`
}

type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requestsPerSecond"`
	Burst             int     `yaml:"burst"`
}

type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlpEndpoint"`
	ServiceName  string `yaml:"serviceName"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// envOverrides lists the settings that may be supplied by the environment.
// Secrets such as the backend API key should come from here rather than the file.
type envOverrides struct {
	Address        string `env:"SHELLGATE_ADDRESS"`
	LogLevel       string `env:"SHELLGATE_LOG_LEVEL"`
	LogFormat      string `env:"SHELLGATE_LOG_FORMAT"`
	OfflineVersion string `env:"SHELLGATE_OFFLINE_VERSION"`
	StoreDriver    string `env:"SHELLGATE_STORE_DRIVER"`
	StorePath      string `env:"SHELLGATE_STORE_PATH"`
	BackendURL     string `env:"SHELLGATE_BACKEND_URL"`
	BackendAPIKey  string `env:"SHELLGATE_BACKEND_API_KEY"`
	OTLPEndpoint   string `env:"SHELLGATE_OTLP_ENDPOINT"`
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML, applies environment overrides and fills in defaults.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal yaml: %w", err)
	}

	var ov envOverrides
	if err := env.Parse(&ov); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	cfg.applyOverrides(ov)
	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (cfg *Config) applyOverrides(ov envOverrides) {
	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&cfg.Server.Address, ov.Address)
	set(&cfg.Logging.Level, ov.LogLevel)
	set(&cfg.Logging.Format, ov.LogFormat)
	set(&cfg.Offline.Version, ov.OfflineVersion)
	set(&cfg.Offline.Store.Driver, ov.StoreDriver)
	set(&cfg.Offline.Store.Path, ov.StorePath)
	set(&cfg.Backend.URL, ov.BackendURL)
	set(&cfg.Backend.APIKey, ov.BackendAPIKey)
	set(&cfg.Telemetry.OTLPEndpoint, ov.OTLPEndpoint)
}

func (cfg *Config) applyDefaults() {
	if cfg.Server.Address == "" {
		cfg.Server.Address = ":8080"
	}

	if cfg.Offline.Scope == "" {
		cfg.Offline.Scope = "http://shell/"
	}
	if cfg.Offline.MaxBodyBytes <= 0 {
		cfg.Offline.MaxBodyBytes = 8 << 20 // 8 MiB
	}
	if cfg.Offline.Store.Driver == "" {
		cfg.Offline.Store.Driver = "memory"
	}

	if cfg.DataCache.MaxEntries <= 0 {
		cfg.DataCache.MaxEntries = 50
	}
	if cfg.DataCache.DefaultTTL <= 0 {
		cfg.DataCache.DefaultTTL = 5 * time.Minute
	}

	if cfg.Backend.Timeout <= 0 {
		cfg.Backend.Timeout = 10 * time.Second
	}

	if cfg.RateLimit.RequestsPerSecond > 0 && cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = int(cfg.RateLimit.RequestsPerSecond)
		if cfg.RateLimit.Burst < 1 {
			cfg.RateLimit.Burst = 1
		}
	}

	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "shellgate"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
}

func (cfg *Config) validate() error {
	if cfg.Offline.Version == "" {
		return fmt.Errorf("offline.version is required")
	}
	switch cfg.Offline.Store.Driver {
	case "memory":
	case "sqlite":
		if cfg.Offline.Store.Path == "" {
			return fmt.Errorf("offline.store.path is required for the sqlite driver")
		}
	default:
		return fmt.Errorf("unknown offline.store.driver %q", cfg.Offline.Store.Driver)
	}

	clusters := make(map[string]bool, len(cfg.Clusters))
	for _, c := range cfg.Clusters {
		if c.Name == "" {
			return fmt.Errorf("cluster without name")
		}
		if len(c.Endpoints) == 0 {
			return fmt.Errorf("cluster %s has no endpoints", c.Name)
		}
		clusters[c.Name] = true
	}
	for _, r := range cfg.Routes {
		if !clusters[r.Cluster] {
			return fmt.Errorf("route %q references unknown cluster %q", r.Name, r.Cluster)
		}
	}
	return nil
}

// RouteCacheEnabled reports whether responses on rc may be stored in the
// offline snapshot. Routes cache by default.
func (cfg *Config) RouteCacheEnabled(rc RouteConfig) bool {
	if rc.Cache != nil && rc.Cache.Enabled != nil {
		return *rc.Cache.Enabled
	}
	return true
}
