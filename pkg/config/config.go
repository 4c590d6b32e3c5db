// Package config holds the options recognized by the ingestion engine
// core, applied either as functional options or loaded from a YAML file
// distributed by the control plane.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// BufferReplayPolicy selects how a topic switch computes its rewind start
// timestamp when the broker is asked to decide.
type BufferReplayPolicy string

const (
	ReplayFromStartOfPush BufferReplayPolicy = "REWIND_FROM_SOP"
	ReplayFromEndOfPush   BufferReplayPolicy = "REWIND_FROM_EOP"
)

// Config is the engine-wide configuration recognized by this core.
type Config struct {
	ParticipantMessageStoreEnabled   bool               `yaml:"participant_message_store_enabled"`
	ServerConsumerPoolSizePerCluster int                `yaml:"server_consumer_pool_size_per_cluster"`
	AAWCParallelProcessingEnabled    bool               `yaml:"aa_wc_parallel_processing_enabled"`
	AAWCParallelProcessingPoolSize   int                `yaml:"aa_wc_parallel_processing_pool_size"`
	ConsumerPoolSizeForAAWCLeader    int                `yaml:"consumer_pool_size_for_aa_wc_leader"`
	RewindTimeSeconds                int                `yaml:"rewind_time_seconds"`
	BufferReplayPolicy               BufferReplayPolicy `yaml:"buffer_replay_policy"`
	OffsetLagThresholdToGoOnline     int64              `yaml:"offset_lag_threshold_to_go_online"`

	// RegionCount is not itself a recognized config key and is never read
	// from YAML. Nothing in this module fills it in; the ingestion task
	// takes its region count from ingest.TaskConfig.RegionCount instead.
	RegionCount int `yaml:"-"`
}

// Default returns conservative defaults, safe to use directly or as the
// seed Opts are applied over.
func Default() Config {
	return Config{
		ParticipantMessageStoreEnabled:   false,
		ServerConsumerPoolSizePerCluster: 2,
		AAWCParallelProcessingEnabled:    false,
		AAWCParallelProcessingPoolSize:   8,
		ConsumerPoolSizeForAAWCLeader:    4,
		RewindTimeSeconds:                5,
		BufferReplayPolicy:               ReplayFromEndOfPush,
		OffsetLagThresholdToGoOnline:     1000,
	}
}

// Opt mutates a Config. Options compose left to right.
type Opt func(*Config)

// Apply folds opts over Default().
func Apply(opts ...Opt) Config {
	cfg := Default()
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

func WithRewindTime(d time.Duration) Opt {
	return func(c *Config) { c.RewindTimeSeconds = int(d.Seconds()) }
}

func WithParallelProcessing(enabled bool, poolSize int) Opt {
	return func(c *Config) {
		c.AAWCParallelProcessingEnabled = enabled
		c.AAWCParallelProcessingPoolSize = poolSize
	}
}

func WithBufferReplayPolicy(p BufferReplayPolicy) Opt {
	return func(c *Config) { c.BufferReplayPolicy = p }
}

// RewindDuration is RewindTimeSeconds as a time.Duration.
func (c Config) RewindDuration() time.Duration {
	return time.Duration(c.RewindTimeSeconds) * time.Second
}

// Load reads a YAML config file into a Config seeded with defaults, as an
// alternative to functional options when the engine is driven from a
// control-plane-distributed file.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}
