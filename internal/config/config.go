// Package config loads configuration for the relay daemon and the pipeline
// runner from a YAML file with environment overrides.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"scanrelay/internal/domain"
)

// Config is the root of both binaries' configuration. The relay daemon reads
// relay/downstream; the pipeline runner reads pipeline/store/downstream.
type Config struct {
	Relay      RelayConfig      `koanf:"relay"`
	Store      StoreConfig      `koanf:"store"`
	Downstream DownstreamConfig `koanf:"downstream"`
	Pipeline   PipelineConfig   `koanf:"pipeline"`
}

type RelayConfig struct {
	Port           int            `koanf:"port"`
	RequestTimeout string         `koanf:"request_timeout"`
	QueueDepth     int            `koanf:"queue_depth"`
	Workers        int            `koanf:"workers"`
	ImportAttempts int            `koanf:"import_attempts"`
	Watchdog       string         `koanf:"watchdog"`
	FetchTimeout   string         `koanf:"fetch_timeout"`
	MaxFetchBytes  int64          `koanf:"max_fetch_bytes"`
	JobStore       JobStoreConfig `koanf:"job_store"`
}

type JobStoreConfig struct {
	Type string `koanf:"type"` // sqlite, memory
	Path string `koanf:"path"` // sqlite only
}

type StoreConfig struct {
	Endpoint  string `koanf:"endpoint"`
	AccessKey string `koanf:"access_key"`
	SecretKey string `koanf:"secret_key"`
	Bucket    string `koanf:"bucket"`
	UseTLS    bool   `koanf:"use_tls"`
	TTL       string `koanf:"ttl"` // presigned URL validity window
}

type DownstreamConfig struct {
	BaseURL string `koanf:"base_url"`
	APIKey  string `koanf:"api_key"`
	Timeout string `koanf:"timeout"`
}

type PipelineConfig struct {
	Engagement string        `koanf:"engagement"`
	BuildID    string        `koanf:"build_id"`
	Mode       string        `koanf:"mode"` // DIRECT or RELAYED
	RelayURL   string        `koanf:"relay_url"`
	Stages     []StageConfig `koanf:"stages"`
}

// StageConfig reifies a stage's gating policy as configuration: whether a
// scan blocks the build is a reviewable line in the pipeline definition, not
// a control-flow difference buried in scripts.
type StageConfig struct {
	Name     string        `koanf:"name"`
	Policy   string        `koanf:"policy"` // blocking, non_blocking, time_boxed
	Deadline string        `koanf:"deadline"`
	Command  []string      `koanf:"command"`
	Report   *ReportConfig `koanf:"report"`
}

// ReportConfig declares the artifact a stage leaves behind for delivery.
type ReportConfig struct {
	Kind   string `koanf:"kind"` // one of the domain scan types
	Path   string `koanf:"path"`
	Format string `koanf:"format"`
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// Load reads path (optional), overlays SCANRELAY_* environment variables
// ("__" maps to nesting), applies defaults, and validates.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("load %s: %w", path, err)
			}
		}
	}

	if err := k.Load(env.Provider("SCANRELAY_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, "SCANRELAY_")), "__", ".", -1)
	}), nil); err != nil {
		return nil, err
	}

	defaults := map[string]any{
		"relay.port":            8484,
		"relay.request_timeout": "30s",
		"relay.queue_depth":     64,
		"relay.workers":         4,
		"relay.import_attempts": 3,
		"relay.watchdog":        "10m",
		"relay.fetch_timeout":   "2m",
		"relay.max_fetch_bytes": int64(64 << 20),
		"relay.job_store.type":  "sqlite",
		"relay.job_store.path":  "./data/relay.db",
		"store.ttl":             "1h",
		"downstream.timeout":    "60s",
		"pipeline.mode":         "RELAYED",
	}
	for key, val := range defaults {
		if !k.Exists(key) {
			k.Set(key, val)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	// Secrets may reference environment variables.
	cfg.Store.AccessKey = substituteEnvVars(cfg.Store.AccessKey)
	cfg.Store.SecretKey = substituteEnvVars(cfg.Store.SecretKey)
	cfg.Downstream.APIKey = substituteEnvVars(cfg.Downstream.APIKey)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks durations and cross-field invariants. In particular, an
// access reference must stay valid at least until the relay's watchdog would
// have forced the job terminal, so store.ttl < relay.watchdog is a
// configuration error, not a runtime surprise.
func (c *Config) Validate() error {
	for _, d := range []struct {
		key, val string
	}{
		{"relay.request_timeout", c.Relay.RequestTimeout},
		{"relay.watchdog", c.Relay.Watchdog},
		{"relay.fetch_timeout", c.Relay.FetchTimeout},
		{"store.ttl", c.Store.TTL},
		{"downstream.timeout", c.Downstream.Timeout},
	} {
		if _, err := time.ParseDuration(d.val); err != nil {
			return fmt.Errorf("%w: %s: %v", domain.ErrConfig, d.key, err)
		}
	}

	ttl := mustDuration(c.Store.TTL)
	watchdog := mustDuration(c.Relay.Watchdog)
	if ttl < watchdog {
		return fmt.Errorf("%w: store.ttl (%s) must not be shorter than relay.watchdog (%s); "+
			"references could expire while jobs are still being processed", domain.ErrConfig, ttl, watchdog)
	}

	switch c.Relay.JobStore.Type {
	case "sqlite", "memory":
	default:
		return fmt.Errorf("%w: relay.job_store.type must be sqlite or memory, got %q",
			domain.ErrConfig, c.Relay.JobStore.Type)
	}

	switch c.Pipeline.Mode {
	case "DIRECT", "RELAYED":
	default:
		return fmt.Errorf("%w: pipeline.mode must be DIRECT or RELAYED, got %q",
			domain.ErrConfig, c.Pipeline.Mode)
	}

	for _, s := range c.Pipeline.Stages {
		if s.Deadline != "" {
			if _, err := time.ParseDuration(s.Deadline); err != nil {
				return fmt.Errorf("%w: stage %q deadline: %v", domain.ErrConfig, s.Name, err)
			}
		}
		if s.Report != nil && !domain.ScanType(s.Report.Kind).Valid() {
			return fmt.Errorf("%w: stage %q report kind %q is not a known scan type",
				domain.ErrConfig, s.Name, s.Report.Kind)
		}
	}
	return nil
}

// Duration accessors. Validate has already run by the time these are called.

func (c RelayConfig) RequestTimeoutDuration() time.Duration { return mustDuration(c.RequestTimeout) }
func (c RelayConfig) WatchdogDuration() time.Duration       { return mustDuration(c.Watchdog) }
func (c RelayConfig) FetchTimeoutDuration() time.Duration   { return mustDuration(c.FetchTimeout) }
func (c StoreConfig) TTLDuration() time.Duration            { return mustDuration(c.TTL) }
func (c DownstreamConfig) TimeoutDuration() time.Duration   { return mustDuration(c.Timeout) }

func mustDuration(s string) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}
	return d
}

func substituteEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}
