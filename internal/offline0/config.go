package offline0

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

const (
	StorageLevelDB = "leveldb"
	StorageMemory  = "memory"

	SyncBackendLevelDB = "leveldb"
	SyncBackendMemory  = "memory"
	SyncBackendRedis   = "redis"
)

type Config struct {
	Server struct {
		Port   int    `yaml:"port"`
		Origin string `yaml:"origin"`
		// PublicOrigin is the origin pages see. Defaults to Origin.
		PublicOrigin string `yaml:"publicOrigin"`
	} `yaml:"server"`

	Storage struct {
		Kind        string `yaml:"kind"`
		Path        string `yaml:"path"`
		MaxBodySize string `yaml:"maxBodySize"`

		maxBodyBytes int64
	} `yaml:"storage"`

	Cache struct {
		Prefix     string `yaml:"prefix"`
		Generation string `yaml:"generation"`
		APIPrefix  string `yaml:"apiPrefix"`
		Limits     struct {
			Static  int `yaml:"static"`
			Images  int `yaml:"images"`
			Dynamic int `yaml:"dynamic"`
		} `yaml:"limits"`
		Precache         []string `yaml:"precache"`
		PrecacheSitemaps []string `yaml:"precacheSitemaps"`
	} `yaml:"cache"`

	Fetch struct {
		Timeout    string `yaml:"timeout"`
		APITimeout string `yaml:"apiTimeout"`

		timeoutDur    time.Duration
		apiTimeoutDur time.Duration
	} `yaml:"fetch"`

	Sync struct {
		Backend    string `yaml:"backend"`
		Tag        string `yaml:"tag"`
		MaxRetries int    `yaml:"maxRetries"`
		Redis      struct {
			URL       string `yaml:"url"`
			KeyPrefix string `yaml:"keyPrefix"`
		} `yaml:"redis"`
	} `yaml:"sync"`

	Connectivity struct {
		ProbeEvery string `yaml:"probeEvery"`
		ProbePath  string `yaml:"probePath"`

		probeEveryDur time.Duration
	} `yaml:"connectivity"`

	Lifecycle struct {
		SkipWaiting *bool `yaml:"skipWaiting"`
	} `yaml:"lifecycle"`

	Logging struct {
		Level         string `yaml:"level"`
		Format        string `yaml:"format"`
		LogStatsEvery string `yaml:"logStatsEvery"`

		logStatsEveryDur time.Duration
	} `yaml:"logging"`
}

func LoadConfig(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return ParseConfig(b)
}

// ParseConfig applies defaults and validates a YAML document.
func ParseConfig(b []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}

	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Origin == "" {
		return Config{}, fmt.Errorf("server.origin is required")
	}
	cfg.Server.Origin = strings.TrimRight(cfg.Server.Origin, "/")
	if _, err := parseOrigin(cfg.Server.Origin); err != nil {
		return Config{}, fmt.Errorf("server.origin: %w", err)
	}
	if cfg.Server.PublicOrigin == "" {
		cfg.Server.PublicOrigin = cfg.Server.Origin
	}
	cfg.Server.PublicOrigin = strings.TrimRight(cfg.Server.PublicOrigin, "/")
	if _, err := parseOrigin(cfg.Server.PublicOrigin); err != nil {
		return Config{}, fmt.Errorf("server.publicOrigin: %w", err)
	}

	switch cfg.Storage.Kind {
	case "":
		cfg.Storage.Kind = StorageLevelDB
	case StorageLevelDB, StorageMemory:
	default:
		return Config{}, fmt.Errorf("storage.kind: unknown %q", cfg.Storage.Kind)
	}
	if cfg.Storage.Path == "" {
		cfg.Storage.Path = "./data/leveldb"
	}
	if cfg.Storage.MaxBodySize == "" {
		cfg.Storage.MaxBodySize = "10mb"
	}
	n, err := humanize.ParseBytes(cfg.Storage.MaxBodySize)
	if err != nil {
		return Config{}, fmt.Errorf("storage.maxBodySize: %w", err)
	}
	cfg.Storage.maxBodyBytes = int64(n)

	if cfg.Cache.Prefix == "" {
		return Config{}, fmt.Errorf("cache.prefix is required")
	}
	if cfg.Cache.Generation == "" {
		return Config{}, fmt.Errorf("cache.generation is required")
	}
	if strings.Contains(cfg.Cache.Generation, "-") {
		return Config{}, fmt.Errorf("cache.generation: must not contain '-'")
	}
	if cfg.Cache.APIPrefix == "" {
		cfg.Cache.APIPrefix = "/api/"
	}
	if cfg.Cache.Limits.Static <= 0 {
		cfg.Cache.Limits.Static = 50
	}
	if cfg.Cache.Limits.Images <= 0 {
		cfg.Cache.Limits.Images = 200
	}
	if cfg.Cache.Limits.Dynamic <= 0 {
		cfg.Cache.Limits.Dynamic = 100
	}
	if cfg.Cache.Precache == nil {
		cfg.Cache.Precache = []string{"/", "/index.html"}
	}

	if cfg.Fetch.timeoutDur, err = durationOr(cfg.Fetch.Timeout, 10*time.Second); err != nil {
		return Config{}, fmt.Errorf("fetch.timeout: %w", err)
	}
	if cfg.Fetch.apiTimeoutDur, err = durationOr(cfg.Fetch.APITimeout, 5*time.Second); err != nil {
		return Config{}, fmt.Errorf("fetch.apiTimeout: %w", err)
	}

	switch cfg.Sync.Backend {
	case "":
		cfg.Sync.Backend = SyncBackendLevelDB
		if cfg.Storage.Kind == StorageMemory {
			cfg.Sync.Backend = SyncBackendMemory
		}
	case SyncBackendMemory:
	case SyncBackendLevelDB:
		if cfg.Storage.Kind != StorageLevelDB {
			return Config{}, fmt.Errorf("sync.backend leveldb needs storage.kind leveldb")
		}
	case SyncBackendRedis:
		if cfg.Sync.Redis.URL == "" {
			return Config{}, fmt.Errorf("sync.redis.url is required for the redis backend")
		}
	default:
		return Config{}, fmt.Errorf("sync.backend: unknown %q", cfg.Sync.Backend)
	}
	if cfg.Sync.Tag == "" {
		cfg.Sync.Tag = "background-upload"
	}
	if cfg.Sync.MaxRetries == 0 {
		cfg.Sync.MaxRetries = 3
	}
	if cfg.Sync.Redis.KeyPrefix == "" {
		cfg.Sync.Redis.KeyPrefix = "offline0"
	}

	if cfg.Connectivity.probeEveryDur, err = durationOr(cfg.Connectivity.ProbeEvery, 15*time.Second); err != nil {
		return Config{}, fmt.Errorf("connectivity.probeEvery: %w", err)
	}
	if cfg.Connectivity.ProbePath == "" {
		cfg.Connectivity.ProbePath = "/"
	}

	if cfg.Lifecycle.SkipWaiting == nil {
		t := true
		cfg.Lifecycle.SkipWaiting = &t
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Logging.logStatsEveryDur, err = durationOr(cfg.Logging.LogStatsEvery, 0); err != nil {
		return Config{}, fmt.Errorf("logging.logStatsEvery: %w", err)
	}

	return cfg, nil
}

func (c Config) MaxBodyBytes() int64          { return c.Storage.maxBodyBytes }
func (c Config) Timeout() time.Duration       { return c.Fetch.timeoutDur }
func (c Config) APITimeout() time.Duration    { return c.Fetch.apiTimeoutDur }
func (c Config) ProbeEvery() time.Duration    { return c.Connectivity.probeEveryDur }
func (c Config) LogStatsEvery() time.Duration { return c.Logging.logStatsEveryDur }
func (c Config) SkipWaiting() bool            { return c.Lifecycle.SkipWaiting == nil || *c.Lifecycle.SkipWaiting }

func durationOr(s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	return time.ParseDuration(s)
}

func parseOrigin(s string) (*url.URL, error) {
	u, err := url.Parse(s)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("host is required")
	}
	return u, nil
}
