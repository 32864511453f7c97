// Package config loads the orchestrator configuration file (conductor.yaml
// or conductor.json), applies defaults, and validates it before anything
// else starts.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/leaderpass/conductor/internal/wire"
)

// WorkerSpawn describes how to launch one worker process.
type WorkerSpawn struct {
	Executable string            `json:"executable" yaml:"executable"`
	Args       []string          `json:"args,omitempty" yaml:"args,omitempty"`
	Dir        string            `json:"dir,omitempty" yaml:"dir,omitempty"`
	Env        map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
}

// HealthConfig tunes the supervisor's periodic worker pings.
type HealthConfig struct {
	IntervalMS    int `json:"interval_ms" yaml:"interval_ms"`
	PingTimeoutMS int `json:"ping_timeout_ms" yaml:"ping_timeout_ms"`
}

// EngineConfig tunes job execution.
type EngineConfig struct {
	// TimeoutMS is the default per-job timeout applied when a plan does not
	// carry its own. Zero disables the default timeout.
	TimeoutMS int64 `json:"timeout_ms" yaml:"timeout_ms"`
	// KillDelayMS is how long after a canceled step resolves as failed the
	// owning worker is forcibly restarted.
	KillDelayMS int `json:"kill_delay_ms" yaml:"kill_delay_ms"`
	// EventHistory is the control-plane ring buffer size.
	EventHistory int `json:"event_history" yaml:"event_history"`
}

// CacheConfig tunes the step cache. The cache is on unless disabled;
// individual steps still opt in through their recipe's cache policy.
type CacheConfig struct {
	Disabled bool `json:"disabled,omitempty" yaml:"disabled,omitempty"`
	// TTLMS is the default entry lifetime. Zero means entries never expire
	// unless a recipe's cache policy says otherwise.
	TTLMS int64 `json:"ttl_ms,omitempty" yaml:"ttl_ms,omitempty"`
}

// File is the top-level configuration document.
type File struct {
	Version     int    `json:"version" yaml:"version"`
	ListenAddr  string `json:"listen_addr" yaml:"listen_addr"`
	DataDir     string `json:"data_dir" yaml:"data_dir"`
	CatalogPath string `json:"catalog_path,omitempty" yaml:"catalog_path,omitempty"`

	Workers map[string]WorkerSpawn `json:"workers" yaml:"workers"`

	Health HealthConfig `json:"health,omitempty" yaml:"health,omitempty"`
	Engine EngineConfig `json:"engine,omitempty" yaml:"engine,omitempty"`
	Cache  CacheConfig  `json:"cache,omitempty" yaml:"cache,omitempty"`

	// ToolVersions pins a version string per worker for step-cache
	// fingerprinting (e.g. the detected media transcoder build).
	ToolVersions map[string]string `json:"tool_versions,omitempty" yaml:"tool_versions,omitempty"`
}

// Load reads, decodes, defaults, and validates a configuration file. JSON
// and YAML are both accepted; unknown fields are rejected in either form.
func Load(path string) (*File, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg File
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		if err := decodeJSONStrict(b, &cfg); err != nil {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
	default:
		if err := decodeYAMLStrict(b, &cfg); err != nil {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a configuration with every field at its default, suitable
// for running without a config file.
func Default() *File {
	cfg := &File{}
	cfg.applyDefaults()
	return cfg
}

func decodeJSONStrict(b []byte, cfg *File) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return err
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return fmt.Errorf("json: multiple top-level values are not allowed")
		}
		return err
	}
	return nil
}

func decodeYAMLStrict(b []byte, cfg *File) error {
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return err
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return fmt.Errorf("yaml: multiple documents are not allowed")
		}
		return err
	}
	return nil
}

func (cfg *File) applyDefaults() {
	if cfg.Version == 0 {
		cfg.Version = 1
	}
	if strings.TrimSpace(cfg.ListenAddr) == "" {
		cfg.ListenAddr = "127.0.0.1:8787"
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		cfg.DataDir = defaultDataDir()
	}
	if cfg.Workers == nil {
		cfg.Workers = map[string]WorkerSpawn{}
	}
	if cfg.Health.IntervalMS == 0 {
		cfg.Health.IntervalMS = 15_000
	}
	if cfg.Health.PingTimeoutMS == 0 {
		cfg.Health.PingTimeoutMS = 3_000
	}
	if cfg.Engine.KillDelayMS == 0 {
		cfg.Engine.KillDelayMS = 1_000
	}
	if cfg.Engine.EventHistory == 0 {
		cfg.Engine.EventHistory = 2_000
	}
	if cfg.ToolVersions == nil {
		cfg.ToolVersions = map[string]string{}
	}
}

func (cfg *File) validate() error {
	if cfg.Version != 1 {
		return fmt.Errorf("unsupported config version: %d", cfg.Version)
	}
	for name, spawn := range cfg.Workers {
		w := wire.Worker(name)
		if !w.Valid() {
			return fmt.Errorf("workers.%s: unknown worker (want one of %v)", name, wire.Workers())
		}
		if strings.TrimSpace(spawn.Executable) == "" {
			return fmt.Errorf("workers.%s.executable is required", name)
		}
	}
	for name := range cfg.ToolVersions {
		if !wire.Worker(name).Valid() {
			return fmt.Errorf("tool_versions.%s: unknown worker", name)
		}
	}
	if cfg.Health.IntervalMS < 0 {
		return fmt.Errorf("health.interval_ms must be >= 0")
	}
	if cfg.Health.PingTimeoutMS < 0 {
		return fmt.Errorf("health.ping_timeout_ms must be >= 0")
	}
	if cfg.Engine.TimeoutMS < 0 {
		return fmt.Errorf("engine.timeout_ms must be >= 0")
	}
	if cfg.Engine.KillDelayMS < 0 {
		return fmt.Errorf("engine.kill_delay_ms must be >= 0")
	}
	if cfg.Engine.EventHistory <= 0 {
		return fmt.Errorf("engine.event_history must be > 0")
	}
	if cfg.Cache.TTLMS < 0 {
		return fmt.Errorf("cache.ttl_ms must be >= 0")
	}
	return nil
}

// SpawnFor returns the spawn configuration for a worker, if configured.
func (cfg *File) SpawnFor(w wire.Worker) (WorkerSpawn, bool) {
	spawn, ok := cfg.Workers[string(w)]
	return spawn, ok
}

// Paths derived from the data directory. Callers create DataDir themselves.
func (cfg *File) JobLogPath() string      { return filepath.Join(cfg.DataDir, "jobs.ndjson") }
func (cfg *File) CacheStorePath() string  { return filepath.Join(cfg.DataDir, "stepcache.json") }
func (cfg *File) PreferencesPath() string { return filepath.Join(cfg.DataDir, "preferences.json") }

func defaultDataDir() string {
	base := os.Getenv("XDG_STATE_HOME")
	if base == "" {
		home := os.Getenv("HOME")
		if home == "" {
			base = "."
		} else {
			base = filepath.Join(home, ".local", "state")
		}
	}
	return filepath.Join(base, "conductor")
}
