// Copyright 2025 Certen Protocol
//
// Protocol configuration loader.
// Unlike Config (per-process, env-var driven), ProtocolConfig describes
// network-wide constants that every validator in a committee must agree on
// byte-for-byte: shard granularity, pacemaker timing, quorum and size limits.
// It is loaded from YAML with ${VAR} environment substitution, the same
// convention the teacher's anchor configuration loader uses.

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// ProtocolConfig holds network-wide consensus parameters.
type ProtocolConfig struct {
	Network   NetworkSettings   `yaml:"network"`
	Pacemaker PacemakerSettings `yaml:"pacemaker"`
	Block     BlockSettings     `yaml:"block"`
	Sync      SyncSettings      `yaml:"sync"`
	Suspend   SuspendSettings   `yaml:"suspend"`
}

// NetworkSettings describes the preshard space and network identity.
type NetworkSettings struct {
	NetworkTag    uint8  `yaml:"network_tag"`
	ShardBits     uint32 `yaml:"shard_bits"`      // k: preshard space is 2^k
	ChainIDPrefix string `yaml:"chain_id_prefix"` // e.g. "dan-validator"
}

// PacemakerSettings controls block cadence and view-change timing.
type PacemakerSettings struct {
	BlockTime     Duration `yaml:"block_time"`     // default 10s
	LeaderTimeout Duration `yaml:"leader_timeout"` // default 10s, must be >= BlockTime
}

// BlockSettings bounds block construction.
type BlockSettings struct {
	MaxSizeBytes    int `yaml:"max_size_bytes"`
	MaxCommands     int `yaml:"max_commands"`
	MaxExecutorJobs int `yaml:"max_executor_jobs"` // executor task-pool size
}

// SyncSettings bounds sync server responses.
type SyncSettings struct {
	MaxBlocksPerSync       int `yaml:"max_blocks_per_sync"`
	MaxTransitionsPerFetch int `yaml:"max_transitions_per_fetch"`
}

// SuspendSettings controls missed-proposal accounting.
type SuspendSettings struct {
	MissedProposalCap       int     `yaml:"missed_proposal_cap"`
	SuspendThreshold        int     `yaml:"suspend_threshold"`
	ParticipationDecayShare float64 `yaml:"participation_decay_share"`
}

// Duration wraps time.Duration for human-readable YAML ("10s", "1m").
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// DefaultProtocolConfig returns the network defaults named in the spec:
// 10s block time, 10s leader timeout, 100 blocks per sync response.
func DefaultProtocolConfig() *ProtocolConfig {
	return &ProtocolConfig{
		Network: NetworkSettings{
			NetworkTag:    1,
			ShardBits:     8,
			ChainIDPrefix: "dan-validator",
		},
		Pacemaker: PacemakerSettings{
			BlockTime:     Duration(10 * time.Second),
			LeaderTimeout: Duration(10 * time.Second),
		},
		Block: BlockSettings{
			MaxSizeBytes:    1 << 20,
			MaxCommands:     1000,
			MaxExecutorJobs: 8,
		},
		Sync: SyncSettings{
			MaxBlocksPerSync:       100,
			MaxTransitionsPerFetch: 1000,
		},
		Suspend: SuspendSettings{
			MissedProposalCap:       50,
			SuspendThreshold:        10,
			ParticipationDecayShare: 0.1,
		},
	}
}

// LoadProtocolConfig loads protocol configuration from a YAML file, applying
// ${VAR_NAME} / ${VAR_NAME:-default} environment substitution before parsing,
// then filling any zero-valued shard, pacemaker, block, sync or suspend
// limit with the network default. network_tag, chain_id_prefix and
// participation_decay_share are kept as written, zero included.
func LoadProtocolConfig(path string) (*ProtocolConfig, error) {
	cfg := DefaultProtocolConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read protocol config %s: %w", path, err)
	}

	expanded := substituteEnvVars(string(data))
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse protocol config %s: %w", path, err)
	}

	cfg.applyDefaults()
	return cfg, nil
}

func (c *ProtocolConfig) applyDefaults() {
	d := DefaultProtocolConfig()
	if c.Network.ShardBits == 0 {
		c.Network.ShardBits = d.Network.ShardBits
	}
	if c.Pacemaker.BlockTime == 0 {
		c.Pacemaker.BlockTime = d.Pacemaker.BlockTime
	}
	if c.Pacemaker.LeaderTimeout == 0 {
		c.Pacemaker.LeaderTimeout = d.Pacemaker.LeaderTimeout
	}
	if c.Block.MaxSizeBytes == 0 {
		c.Block.MaxSizeBytes = d.Block.MaxSizeBytes
	}
	if c.Block.MaxCommands == 0 {
		c.Block.MaxCommands = d.Block.MaxCommands
	}
	if c.Block.MaxExecutorJobs == 0 {
		c.Block.MaxExecutorJobs = d.Block.MaxExecutorJobs
	}
	if c.Sync.MaxBlocksPerSync == 0 {
		c.Sync.MaxBlocksPerSync = d.Sync.MaxBlocksPerSync
	}
	if c.Sync.MaxTransitionsPerFetch == 0 {
		c.Sync.MaxTransitionsPerFetch = d.Sync.MaxTransitionsPerFetch
	}
	if c.Suspend.MissedProposalCap == 0 {
		c.Suspend.MissedProposalCap = d.Suspend.MissedProposalCap
	}
	if c.Suspend.SuspendThreshold == 0 {
		c.Suspend.SuspendThreshold = d.Suspend.SuspendThreshold
	}
}

// Validate checks internal consistency the spec requires (§5: leader_timeout
// must be >= block_time).
func (c *ProtocolConfig) Validate() error {
	if c.Pacemaker.LeaderTimeout.Duration() < c.Pacemaker.BlockTime.Duration() {
		return fmt.Errorf("leader_timeout (%s) must be >= block_time (%s)",
			c.Pacemaker.LeaderTimeout.Duration(), c.Pacemaker.BlockTime.Duration())
	}
	if c.Network.ShardBits == 0 {
		return fmt.Errorf("shard_bits must be a positive power-of-two exponent")
	}
	return nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}:]+)(:-([^}]*))?\}`)

func substituteEnvVars(content string) string {
	return envVarPattern.ReplaceAllStringFunc(content, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		varName := groups[1]
		defaultValue := ""
		if len(groups) >= 4 {
			defaultValue = groups[3]
		}
		if value := os.Getenv(varName); value != "" {
			return value
		}
		return defaultValue
	})
}
