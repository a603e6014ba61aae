package taskplane

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// BucketConfig configures NATS JetStream KV bucket names.
type BucketConfig struct {
	// Tasks is the bucket name for task records.
	Tasks string `yaml:"tasks"`

	// Owners is the bucket name for the owner-attachment index.
	Owners string `yaml:"owners"`

	// Credentials is the bucket name for account credentials.
	Credentials string `yaml:"credentials"`

	// Replicas is the JetStream replica count for all buckets.
	Replicas int `yaml:"replicas"`
}

// SweepConfig configures the liveness sweep.
type SweepConfig struct {
	// Interval is the time between sweep passes.
	//
	// Default: 30 seconds. Keep it at or below the smallest task timeout in
	// the policy table, otherwise reassignment after a crash is delayed by
	// up to a full interval beyond the timeout.
	Interval time.Duration `yaml:"interval"`

	// Shard and NumShards restrict this instance's passes to the slice of
	// task ids hashing into Shard. Instances with distinct shards sweep
	// disjoint records; overlap is safe, only wasteful.
	Shard     uint32 `yaml:"shard"`
	NumShards uint32 `yaml:"numShards"`

	// BatchLimit bounds records examined per pass.
	BatchLimit int `yaml:"batchLimit"`
}

// AuthConfig configures the delegate-channel auth gate caches.
type AuthConfig struct {
	// AccountKeyTTL is the account key cache TTL (default: 5 minutes).
	AccountKeyTTL time.Duration `yaml:"accountKeyTtl"`

	// TokenStatusTTL is the default-token status cache TTL (default: 2
	// minutes). A revoked token may still authenticate for up to this
	// window; that staleness is an accepted, bounded trade-off for keeping
	// the gate off the credential store on the hot path.
	TokenStatusTTL time.Duration `yaml:"tokenStatusTtl"`

	// CacheSize bounds each cache's entry count.
	CacheSize int `yaml:"cacheSize"`
}

// RPCConfig configures the delegate-facing RPC service.
type RPCConfig struct {
	// SubjectPrefix is the subject namespace for the three calls.
	SubjectPrefix string `yaml:"subjectPrefix"`

	// QueueGroup is the queue group shared by control-plane instances.
	QueueGroup string `yaml:"queueGroup"`

	// HandlerTimeout bounds the store work of one call.
	HandlerTimeout time.Duration `yaml:"handlerTimeout"`

	// ListLimit bounds new assignments per List call.
	ListLimit int `yaml:"listLimit"`
}

// Config is the Server's runtime configuration.
type Config struct {
	Buckets BucketConfig `yaml:"buckets"`
	Sweep   SweepConfig  `yaml:"sweep"`
	Auth    AuthConfig   `yaml:"auth"`
	RPC     RPCConfig    `yaml:"rpc"`
}

// SetDefaults fills in missing configuration values with defaults.
//
// Bucket names, cache TTLs, the sweep cadence and RPC tuning all have
// working defaults; an empty Config is fully usable for a single-instance
// deployment.
func SetDefaults(cfg *Config) {
	if cfg.Buckets.Tasks == "" {
		cfg.Buckets.Tasks = "taskplane-tasks"
	}
	if cfg.Buckets.Owners == "" {
		cfg.Buckets.Owners = "taskplane-owners"
	}
	if cfg.Buckets.Credentials == "" {
		cfg.Buckets.Credentials = "taskplane-credentials"
	}
	if cfg.Buckets.Replicas <= 0 {
		cfg.Buckets.Replicas = 1
	}

	if cfg.Sweep.Interval <= 0 {
		cfg.Sweep.Interval = 30 * time.Second
	}
	if cfg.Sweep.NumShards == 0 {
		cfg.Sweep.NumShards = 1
	}
	if cfg.Sweep.BatchLimit <= 0 {
		cfg.Sweep.BatchLimit = 500
	}

	if cfg.Auth.AccountKeyTTL <= 0 {
		cfg.Auth.AccountKeyTTL = 5 * time.Minute
	}
	if cfg.Auth.TokenStatusTTL <= 0 {
		cfg.Auth.TokenStatusTTL = 2 * time.Minute
	}
	if cfg.Auth.CacheSize <= 0 {
		cfg.Auth.CacheSize = 4096
	}

	if cfg.RPC.SubjectPrefix == "" {
		cfg.RPC.SubjectPrefix = "taskplane.rpc"
	}
	if cfg.RPC.QueueGroup == "" {
		cfg.RPC.QueueGroup = "taskplane-ctl"
	}
	if cfg.RPC.HandlerTimeout <= 0 {
		cfg.RPC.HandlerTimeout = 10 * time.Second
	}
	if cfg.RPC.ListLimit <= 0 {
		cfg.RPC.ListLimit = 50
	}
}

// Validate checks the configuration for inconsistent values.
//
// Call after SetDefaults.
func (c *Config) Validate() error {
	if c.Sweep.Shard >= c.Sweep.NumShards {
		return fmt.Errorf("%w: sweep shard %d out of range for %d shards",
			ErrInvalidConfig, c.Sweep.Shard, c.Sweep.NumShards)
	}

	if c.Auth.TokenStatusTTL > c.Auth.AccountKeyTTL {
		return fmt.Errorf("%w: token status TTL %v exceeds account key TTL %v",
			ErrInvalidConfig, c.Auth.TokenStatusTTL, c.Auth.AccountKeyTTL)
	}

	return nil
}

// LoadConfig reads a yaml configuration file.
//
// Missing fields are left zero for SetDefaults to fill during NewServer.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}
