package swcache

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

const defaultExclude = "PathPrefix(/api/) | PathPrefix(/admin/) | PathPrefix(/auth/)"

type Config struct {
	Server struct {
		Port          int    `yaml:"port"`
		Origin        string `yaml:"origin"`
		ControlPrefix string `yaml:"controlPrefix"`
	} `yaml:"server"`

	Storage struct {
		Path string `yaml:"path"`
		RAM  struct {
			Max string `yaml:"max"`
		} `yaml:"ram"`
		Disk struct {
			Max string `yaml:"max"`
		} `yaml:"disk"`
	} `yaml:"storage"`

	Cache struct {
		Name        string   `yaml:"name"`
		Version     string   `yaml:"version"`
		Manifest    []string `yaml:"manifest"`
		Sitemaps    []string `yaml:"sitemaps"`
		OfflinePath string   `yaml:"offlinePath"`
		Exclude     string   `yaml:"exclude"`
		InstallJobs int      `yaml:"installJobs"`
	} `yaml:"cache"`

	Queue struct {
		ProbeEvery string `yaml:"probeEvery"`
		ProbePath  string `yaml:"probePath"`
	} `yaml:"queue"`

	Notifications struct {
		Title       string `yaml:"title"`
		DefaultBody string `yaml:"defaultBody"`
		Icon        string `yaml:"icon"`
		Badge       string `yaml:"badge"`
		TargetURL   string `yaml:"targetURL"`
	} `yaml:"notifications"`

	Logging struct {
		LogStatsEvery string `yaml:"logStatsEvery"`
	} `yaml:"logging"`

	// compiled
	exclude          []pathPrefixMatcher
	ramMax           int64
	diskMax          int64
	probeEveryDur    time.Duration
	logStatsEveryDur time.Duration
}

// envOverrides are applied on top of the yaml file. Zero values leave the file
// setting untouched.
type envOverrides struct {
	Origin       string `env:"SWCACHE_ORIGIN"`
	Port         int    `env:"SWCACHE_PORT"`
	CacheVersion string `env:"SWCACHE_CACHE_VERSION"`
	StoragePath  string `env:"SWCACHE_STORAGE_PATH"`
}

type pathPrefixMatcher struct{ Prefix string }

func (m pathPrefixMatcher) Match(path string) bool { return strings.HasPrefix(path, m.Prefix) }

func LoadConfig(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return ParseConfig(b)
}

// ParseConfig decodes a yaml document, applies environment overrides and
// defaults, and compiles derived fields.
func ParseConfig(b []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}

	var ov envOverrides
	if err := env.Parse(&ov); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if ov.Origin != "" {
		cfg.Server.Origin = ov.Origin
	}
	if ov.Port != 0 {
		cfg.Server.Port = ov.Port
	}
	if ov.CacheVersion != "" {
		cfg.Cache.Version = ov.CacheVersion
	}
	if ov.StoragePath != "" {
		cfg.Storage.Path = ov.StoragePath
	}

	if err := cfg.normalize(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg *Config) normalize() error {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Origin == "" {
		return fmt.Errorf("server.origin is required")
	}
	cfg.Server.Origin = strings.TrimRight(cfg.Server.Origin, "/")
	if u, err := url.Parse(cfg.Server.Origin); err != nil || u.Host == "" {
		return fmt.Errorf("server.origin: invalid url %q", cfg.Server.Origin)
	}
	if cfg.Server.ControlPrefix == "" {
		cfg.Server.ControlPrefix = "/__sw/"
	}
	if !strings.HasSuffix(cfg.Server.ControlPrefix, "/") {
		cfg.Server.ControlPrefix += "/"
	}

	if cfg.Storage.Path == "" {
		cfg.Storage.Path = "./data/swcache"
	}
	if cfg.Storage.RAM.Max == "" {
		cfg.Storage.RAM.Max = "16m"
	}
	if cfg.Storage.Disk.Max == "" {
		cfg.Storage.Disk.Max = "512m"
	}
	var err error
	if cfg.ramMax, err = parseBytes(cfg.Storage.RAM.Max); err != nil {
		return fmt.Errorf("storage.ram.max: %w", err)
	}
	if cfg.diskMax, err = parseBytes(cfg.Storage.Disk.Max); err != nil {
		return fmt.Errorf("storage.disk.max: %w", err)
	}

	if cfg.Cache.Name == "" {
		cfg.Cache.Name = "site"
	}
	if cfg.Cache.Version == "" {
		return fmt.Errorf("cache.version is required")
	}
	if strings.ContainsAny(cfg.Cache.Version, "\x00") || strings.ContainsAny(cfg.Cache.Name, "\x00") {
		return fmt.Errorf("cache.name and cache.version must not contain NUL")
	}
	if cfg.Cache.OfflinePath == "" {
		cfg.Cache.OfflinePath = "/offline.html"
	}
	if !strings.HasPrefix(cfg.Cache.OfflinePath, "/") {
		return fmt.Errorf("cache.offlinePath must start with /")
	}
	if cfg.Cache.Exclude == "" {
		cfg.Cache.Exclude = defaultExclude
	}
	ms, err := parseMatch(cfg.Cache.Exclude)
	if err != nil {
		return fmt.Errorf("cache.exclude: %w", err)
	}
	cfg.exclude = ms
	if cfg.Cache.InstallJobs <= 0 {
		cfg.Cache.InstallJobs = 4
	}
	for i, p := range cfg.Cache.Manifest {
		p = strings.TrimSpace(p)
		if p == "" {
			return fmt.Errorf("cache.manifest[%d]: empty path", i)
		}
		cfg.Cache.Manifest[i] = p
	}

	if cfg.Queue.ProbeEvery == "" {
		cfg.Queue.ProbeEvery = "15s"
	}
	if cfg.probeEveryDur, err = time.ParseDuration(cfg.Queue.ProbeEvery); err != nil {
		return fmt.Errorf("queue.probeEvery: %w", err)
	}
	if cfg.Queue.ProbePath == "" {
		cfg.Queue.ProbePath = "/"
	}

	if cfg.Notifications.Title == "" {
		cfg.Notifications.Title = "New update"
	}
	if cfg.Notifications.DefaultBody == "" {
		cfg.Notifications.DefaultBody = "You have a new notification."
	}
	if cfg.Notifications.Icon == "" {
		cfg.Notifications.Icon = "/static/icons/icon-192.png"
	}
	if cfg.Notifications.Badge == "" {
		cfg.Notifications.Badge = "/static/icons/badge-72.png"
	}
	if cfg.Notifications.TargetURL == "" {
		cfg.Notifications.TargetURL = "/"
	}

	if cfg.Logging.LogStatsEvery != "" {
		if cfg.logStatsEveryDur, err = time.ParseDuration(cfg.Logging.LogStatsEvery); err != nil {
			return fmt.Errorf("logging.logStatsEvery: %w", err)
		}
	}
	return nil
}

// GenerationName is the label of the generation this deployment owns.
func (cfg Config) GenerationName() string {
	return cfg.Cache.Name + "-" + cfg.Cache.Version
}

func parseMatch(expr string) ([]pathPrefixMatcher, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("empty match")
	}

	parts := strings.Split(expr, "|")
	out := make([]pathPrefixMatcher, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if !strings.HasPrefix(p, "PathPrefix(") || !strings.HasSuffix(p, ")") {
			return nil, fmt.Errorf("only PathPrefix(...) supported, got %q", p)
		}
		inside := strings.TrimSuffix(strings.TrimPrefix(p, "PathPrefix("), ")")
		inside = strings.TrimSpace(inside)
		if inside == "" || !strings.HasPrefix(inside, "/") {
			return nil, fmt.Errorf("invalid prefix %q", inside)
		}
		out = append(out, pathPrefixMatcher{Prefix: inside})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no valid matchers")
	}
	return out, nil
}

// parseBytes reads sizes such as "512", "64k", "16mb" or "1.5g" (binary
// multiples, case-insensitive, optional trailing "b").
func parseBytes(s string) (int64, error) {
	s = strings.TrimSuffix(strings.TrimSpace(strings.ToLower(s)), "b")
	if s == "" {
		return 0, fmt.Errorf("empty size")
	}
	mult := float64(1)
	switch s[len(s)-1] {
	case 'k':
		mult = 1 << 10
	case 'm':
		mult = 1 << 20
	case 'g':
		mult = 1 << 30
	}
	if mult > 1 {
		s = strings.TrimSpace(s[:len(s)-1])
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q", s)
	}
	if v < 0 {
		return 0, fmt.Errorf("negative size")
	}
	return int64(v * mult), nil
}
