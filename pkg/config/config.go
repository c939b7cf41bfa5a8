// Package config loads the cluster-wide tunables the original Themis
// coordinator read from an on-disk YAML app-config file: sampling
// parameters, replication level, keepalive timing, and the store address.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Cluster holds the tunables shared by every component of one Themis
// deployment. Per-job params (§6.1) override the phase-skip fields here,
// through the Skipped* methods below. The sampling fields apply unchanged to
// every job in a batch; no job param overrides them.
type Cluster struct {
	// Redis connection for the coordination store.
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password,omitempty"`
	RedisDB       int    `yaml:"redis_db"`

	// Keepalive timing (§3, §5). Refresh must be well under Timeout.
	KeepaliveRefresh time.Duration `yaml:"keepalive_refresh"`
	KeepaliveTimeout time.Duration `yaml:"keepalive_timeout"`

	// Phase-zero sampling (§4.3).
	SampleRate               float64 `yaml:"sample_rate"`
	SamplesPerFile           int     `yaml:"samples_per_file"`
	MapInputFixedKeyLength   int64   `yaml:"map_input_fixed_key_length"`
	MapInputFixedValueLength int64   `yaml:"map_input_fixed_value_length"`

	// OutputReplicationLevel > 1 enables phases two and three (§4.5.2).
	OutputReplicationLevel int `yaml:"output_replication_level"`

	// Phase skips at cluster scope; a job's own params (§6.1) override these.
	SkipPhaseZero  bool `yaml:"skip_phase_zero"`
	SkipPhaseOne   bool `yaml:"skip_phase_one"`
	SkipPhaseTwo   bool `yaml:"skip_phase_two"`
	SkipPhaseThree bool `yaml:"skip_phase_three"`

	// Data-plane invocation (§6.2).
	DataPlaneBinary string `yaml:"data_plane_binary"`
	DefaultConfig   string `yaml:"default_config"`
	LogDirectory    string `yaml:"log_directory"`
	DumpCore        bool   `yaml:"dump_core"`

	// ssh invocation used by C5 to spawn/tear down node coordinators, and by
	// C2 to list input files on each live host.
	SSHCommand string `yaml:"ssh_command"`

	// NodeCoordinatorBinary is the themisctl-built binary C5 execs over ssh
	// to start a node coordinator on a remote host (§4.5 supplement).
	NodeCoordinatorBinary string `yaml:"node_coordinator_binary"`

	// MainLoopInterval is the cluster coordinator's polling cadence (§4.5,
	// "a fixed 0.5s sleep between iterations").
	MainLoopInterval time.Duration `yaml:"main_loop_interval"`

	// TupleStartOffset, when positive, is the fixed-size-tuple boundary C3's
	// sample-window rounding must respect (§4.3). Zero disables rounding.
	TupleStartOffset int64 `yaml:"tuple_start_offset"`
}

// Default returns the tunables the original coordinator shipped as defaults.
func Default() Cluster {
	return Cluster{
		RedisAddr:        "127.0.0.1:6379",
		RedisDB:          0,
		KeepaliveRefresh: 2 * time.Second,
		KeepaliveTimeout: 10 * time.Second,
		SampleRate:       0.25,
		SamplesPerFile:   1,
		SSHCommand:       "ssh",
		MainLoopInterval: 500 * time.Millisecond,
	}
}

// Load reads a YAML cluster config file, applying it on top of Default().
func Load(path string) (Cluster, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading cluster config %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing cluster config %q: %w", path, err)
	}
	return cfg, nil
}

// SkippedPhaseZero reports whether phase zero is skipped: the params'
// SKIP_PHASE_ZERO value when present, else the cluster config's own value.
func (c Cluster) SkippedPhaseZero(params map[string]any) bool {
	return boolParamOr(params, "SKIP_PHASE_ZERO", c.SkipPhaseZero)
}

// SkippedPhaseOne reports whether phase one is skipped: the params'
// SKIP_PHASE_ONE value when present, else the cluster config's own value.
func (c Cluster) SkippedPhaseOne(params map[string]any) bool {
	return boolParamOr(params, "SKIP_PHASE_ONE", c.SkipPhaseOne)
}

// SkippedPhaseTwo returns true if replication is disabled (phase two never
// runs without it, §4.5.2); otherwise the params' SKIP_PHASE_TWO value when
// present, else the cluster config's own value.
func (c Cluster) SkippedPhaseTwo(params map[string]any) bool {
	if c.OutputReplicationLevel <= 1 {
		return true
	}
	return boolParamOr(params, "SKIP_PHASE_TWO", c.SkipPhaseTwo)
}

// SkippedPhaseThree mirrors SkippedPhaseTwo for phase three.
func (c Cluster) SkippedPhaseThree(params map[string]any) bool {
	if c.OutputReplicationLevel <= 1 {
		return true
	}
	return boolParamOr(params, "SKIP_PHASE_THREE", c.SkipPhaseThree)
}

// DaytonaMinutesort reports whether params force the "run phase zero only"
// mode (§4.4 step 5).
func DaytonaMinutesort(params map[string]any) bool {
	v, ok := params["DAYTONA_MINUTESORT"]
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

func boolParamOr(params map[string]any, key string, fallback bool) bool {
	v, ok := params[key]
	if !ok {
		return fallback
	}
	switch t := v.(type) {
	case bool:
		return t
	case int:
		return t != 0
	case float64:
		return t != 0
	case string:
		if parsed, err := strconv.ParseBool(t); err == nil {
			return parsed
		}
	}
	return fallback
}
