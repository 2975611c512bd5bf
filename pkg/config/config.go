// Package config loads the engine's YAML configuration file, grounded on
// the struct-tag shape the examples use for server configuration, backed
// by gopkg.in/yaml.v3 rather than a hand-rolled parser.
package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"

	kerrors "github.com/kinesis-db/kinesis/pkg/errors"
	"github.com/kinesis-db/kinesis/pkg/txn"
)

// Backing selects which Pager/WAL combination an Engine wires up.
type Backing string

const (
	InMemory Backing = "in_memory"
	OnDisk   Backing = "on_disk"
	Hybrid   Backing = "hybrid"
)

// RecoveryPolicy selects how recovery, run when an OnDisk or Hybrid engine
// is opened, treats operations whose transaction never reached a commit
// record.
type RecoveryPolicy string

const (
	// DiscardPending never applies an uncommitted operation during redo.
	DiscardPending RecoveryPolicy = "discard_pending"
	// RecoverPending applies the logged operations of every transaction
	// that reached neither a commit nor an abort record, then immediately
	// undoes them, writing a compensation (CLR) record for each undo.
	RecoverPending RecoveryPolicy = "recover_pending"
)

type Config struct {
	Backing Backing `yaml:"backing"`
	DataDir string  `yaml:"dataDir"`

	PageSize        int `yaml:"pageSize"`
	BufferPoolPages int `yaml:"bufferPoolPages"`

	WAL WALConfig `yaml:"wal"`

	DefaultIsolation txn.IsolationLevel `yaml:"-"`
	IsolationName    string             `yaml:"defaultIsolation"`
	LockTimeout      time.Duration      `yaml:"lockTimeoutMs"`

	RecoveryPolicy RecoveryPolicy `yaml:"recoveryPolicy"`

	MetricsEnabled bool `yaml:"metricsEnabled"`
}

type WALConfig struct {
	SegmentMaxBytes int64         `yaml:"segmentMaxBytes"`
	BufferSize      int           `yaml:"bufferSize"`
	SyncPolicy      string        `yaml:"syncPolicy"`
	SyncInterval    time.Duration `yaml:"syncIntervalMs"`
	SyncBatchBytes  int64         `yaml:"syncBatchBytes"`
}

// Default returns the configuration an Engine uses when none is supplied.
func Default() *Config {
	return &Config{
		Backing:          OnDisk,
		DataDir:          "./data",
		PageSize:         4096,
		BufferPoolPages:  1024,
		DefaultIsolation: txn.ReadCommitted,
		IsolationName:    "read_committed",
		LockTimeout:      5 * time.Second,
		RecoveryPolicy:   RecoverPending,
		MetricsEnabled:   true,
		WAL: WALConfig{
			SegmentMaxBytes: 64 << 20,
			BufferSize:      64 << 10,
			SyncPolicy:      "every_write",
			SyncBatchBytes:  1 << 20,
		},
	}
}

// Load reads a YAML configuration file, starting from Default() and
// overlaying whatever fields the file sets.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, kerrors.Wrap(err, "read config file")
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, kerrors.Wrap(err, "parse config yaml")
	}
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) normalize() error {
	switch c.IsolationName {
	case "", "read_committed":
		c.DefaultIsolation = txn.ReadCommitted
	case "read_uncommitted":
		c.DefaultIsolation = txn.ReadUncommitted
	case "repeatable_read":
		c.DefaultIsolation = txn.RepeatableRead
	case "serializable":
		c.DefaultIsolation = txn.Serializable
	default:
		return kerrors.Newf("unknown defaultIsolation %q", c.IsolationName)
	}
	if c.RecoveryPolicy == "" {
		c.RecoveryPolicy = RecoverPending
	}
	return nil
}
