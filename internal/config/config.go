// Package config loads the structured configuration value from spec.md §6,
// the same way evalgo-org-eve/cli wires viper: a dedicated instance (not the
// global viper singleton, so multiple repositories in one process don't
// stomp on each other), a config file plus COREKIT_-prefixed environment
// variables, decoded into a typed struct and validated before use.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Metric selects the HNSW distance function.
type Metric string

const (
	MetricCosine    Metric = "cosine"
	MetricEuclidean Metric = "euclidean"
)

// ChunkingPreset selects a named chunker configuration.
type ChunkingPreset string

const (
	ChunkingParent ChunkingPreset = "parent"
	ChunkingChild  ChunkingPreset = "child"
	ChunkingCustom ChunkingPreset = "custom"
)

// SnapshotOnly is the sentinel cadence value meaning "snapshot on create
// only, never again" (spec.md §3 Versionable: "a positive integer, or
// snapshot-only-on-create").
const SnapshotOnly = 0

// Config is the structured configuration recognized per repository, per
// spec.md §6, plus the ambient knobs the teacher's services take as
// constructor arguments (queue cadence, log format, native backend path).
type Config struct {
	// Per-repository options (spec.md §6).
	Dimension       int            `mapstructure:"dimension"`
	Metric          Metric         `mapstructure:"metric"`
	M               int            `mapstructure:"m"`
	EfConstruction  int            `mapstructure:"ef_construction"`
	EfSearch        int            `mapstructure:"ef_search"`
	SnapshotCadence int            `mapstructure:"snapshot_cadence"`
	ChunkingPreset  ChunkingPreset `mapstructure:"chunking_preset"`

	// Ambient: embedding queue (spec.md §4.9).
	BatchSize                 int `mapstructure:"batch_size"`
	ProcessingIntervalSeconds int `mapstructure:"processing_interval_seconds"`
	MaxRetries                int `mapstructure:"max_retries"`

	// Ambient: logging.
	LogLevel string `mapstructure:"log_level"`
	LogJSON  bool   `mapstructure:"log_json"`

	// Ambient: native storage backend.
	NativeDBPath string `mapstructure:"native_db_path"`
}

// Default returns the reference configuration: D=384 per spec.md §6,
// M=16/efConstruction=200/efSearch=50 per spec.md §4.2, parent chunking
// preset, cadence 20, and the embedding-queue defaults from spec.md §4.9.
func Default() Config {
	return Config{
		Dimension:                 384,
		Metric:                    MetricCosine,
		M:                         16,
		EfConstruction:            200,
		EfSearch:                  50,
		SnapshotCadence:           20,
		ChunkingPreset:            ChunkingParent,
		BatchSize:                 10,
		ProcessingIntervalSeconds: 2,
		MaxRetries:                3,
		LogLevel:                  "info",
		LogJSON:                   false,
		NativeDBPath:              "corekit.db",
	}
}

// Load reads configFile (if non-empty) plus COREKIT_-prefixed environment
// variables into a Config, seeded with Default() so unset fields keep
// sensible values, then validates the result.
func Load(configFile string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("COREKIT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := Default()
	v.SetDefault("dimension", def.Dimension)
	v.SetDefault("metric", def.Metric)
	v.SetDefault("m", def.M)
	v.SetDefault("ef_construction", def.EfConstruction)
	v.SetDefault("ef_search", def.EfSearch)
	v.SetDefault("snapshot_cadence", def.SnapshotCadence)
	v.SetDefault("chunking_preset", def.ChunkingPreset)
	v.SetDefault("batch_size", def.BatchSize)
	v.SetDefault("processing_interval_seconds", def.ProcessingIntervalSeconds)
	v.SetDefault("max_retries", def.MaxRetries)
	v.SetDefault("log_level", def.LogLevel)
	v.SetDefault("log_json", def.LogJSON)
	v.SetDefault("native_db_path", def.NativeDBPath)

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", configFile, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: decode: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the invariants spec.md §6 implies (positive dimension,
// known metric, positive HNSW parameters, positive-or-snapshot-only cadence).
func (c Config) Validate() error {
	if c.Dimension <= 0 {
		return fmt.Errorf("config: dimension must be positive, got %d", c.Dimension)
	}
	if c.Metric != MetricCosine && c.Metric != MetricEuclidean {
		return fmt.Errorf("config: unknown metric %q", c.Metric)
	}
	if c.M <= 0 {
		return fmt.Errorf("config: M must be positive, got %d", c.M)
	}
	if c.EfConstruction <= 0 {
		return fmt.Errorf("config: efConstruction must be positive, got %d", c.EfConstruction)
	}
	if c.EfSearch <= 0 {
		return fmt.Errorf("config: efSearch must be positive, got %d", c.EfSearch)
	}
	if c.SnapshotCadence < 0 {
		return fmt.Errorf("config: snapshot_cadence must be >= 0 (0 means snapshot-only), got %d", c.SnapshotCadence)
	}
	switch c.ChunkingPreset {
	case ChunkingParent, ChunkingChild, ChunkingCustom:
	default:
		return fmt.Errorf("config: unknown chunking_preset %q", c.ChunkingPreset)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("config: batch_size must be positive, got %d", c.BatchSize)
	}
	if c.ProcessingIntervalSeconds <= 0 {
		return fmt.Errorf("config: processing_interval_seconds must be positive, got %d", c.ProcessingIntervalSeconds)
	}
	if c.MaxRetries <= 0 {
		return fmt.Errorf("config: max_retries must be positive, got %d", c.MaxRetries)
	}
	return nil
}
