package cache

// config.go defines the engine configuration and the functional options
// passed to NewEngine.  Scalar knobs live in Config — which can register
// itself on a pflag.FlagSet so viewers expose the standard option names —
// while collaborator objects (logger, metrics registry) arrive as options.
//
// All fields are immutable once the engine is constructed; there is no live
// mutation from user land.

import (
	"errors"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

// Defaults.
const (
	DefaultMemoryBudgetMiB = 256
	DefaultShardSizeMiB    = 64
	DefaultMinRectArea     = 10000
)

var (
	errInvalidMemoryBudget = errors.New("cache: memory budget must be > 0")
	errInvalidShardSize    = errors.New("cache: shard size must be > 0")
)

// Config carries the recognised cache options.
type Config struct {
	// PersistentCache enables the disk-backed cache protocol.
	PersistentCache bool

	// ContentCache enables the session-only alias.  When PersistentCache
	// is off but ContentCache is on, the engine runs memory-only and
	// FlushDirty is a no-op.
	ContentCache bool

	// MemoryBudgetMiB is the in-memory ARC budget.
	MemoryBudgetMiB int

	// DiskBudgetMiB bounds live payload bytes on disk; 0 means twice the
	// memory budget.
	DiskBudgetMiB int

	// ShardSizeMiB is the target payload shard file size.
	ShardSizeMiB int

	// CachePath overrides the cache directory; empty selects the
	// platform cache dir.
	CachePath string

	// BBoxCache enables whole-region bounding-box lookups on the server.
	BBoxCache bool

	// MinRectArea is the pixel area below which rectangles are never
	// cached.
	MinRectArea int
}

// DefaultConfig returns the stock configuration.
func DefaultConfig() Config {
	return Config{
		PersistentCache: true,
		ContentCache:    true,
		MemoryBudgetMiB: DefaultMemoryBudgetMiB,
		ShardSizeMiB:    DefaultShardSizeMiB,
		MinRectArea:     DefaultMinRectArea,
	}
}

// AddFlags registers the standard option names on a flag set.
func (c *Config) AddFlags(fs *pflag.FlagSet) {
	fs.BoolVar(&c.PersistentCache, "PersistentCache", c.PersistentCache,
		"enable the disk-backed persistent cache protocol")
	fs.BoolVar(&c.ContentCache, "ContentCache", c.ContentCache,
		"enable the session-only content cache alias")
	fs.IntVar(&c.MemoryBudgetMiB, "PersistentCacheSize", c.MemoryBudgetMiB,
		"in-memory cache budget (MiB)")
	fs.IntVar(&c.DiskBudgetMiB, "PersistentCacheDiskSize", c.DiskBudgetMiB,
		"on-disk cache budget (MiB, 0 = 2x memory)")
	fs.IntVar(&c.ShardSizeMiB, "PersistentCacheShardSize", c.ShardSizeMiB,
		"target shard file size (MiB)")
	fs.StringVar(&c.CachePath, "PersistentCachePath", c.CachePath,
		"override cache directory")
	fs.BoolVar(&c.BBoxCache, "BBoxCache", c.BBoxCache,
		"enable bounding-box whole-region cache lookups")
	fs.IntVar(&c.MinRectArea, "PersistentCacheMinRectSize", c.MinRectArea,
		"minimum rectangle area (pixels) worth caching")
}

// validate checks invariants and resolves derived values.
func (c *Config) validate() error {
	if c.MemoryBudgetMiB <= 0 {
		return errInvalidMemoryBudget
	}
	if c.ShardSizeMiB <= 0 {
		return errInvalidShardSize
	}
	if c.DiskBudgetMiB == 0 {
		c.DiskBudgetMiB = 2 * c.MemoryBudgetMiB
	}
	if c.CachePath == "" {
		base, err := os.UserCacheDir()
		if err != nil {
			base = os.TempDir()
		}
		c.CachePath = filepath.Join(base, "pixelcache")
	}
	return nil
}

// MemoryBudgetBytes returns the ARC budget in bytes.
func (c *Config) MemoryBudgetBytes() uint64 { return uint64(c.MemoryBudgetMiB) << 20 }

// DiskBudgetBytes returns the disk budget in bytes.
func (c *Config) DiskBudgetBytes() uint64 { return uint64(c.DiskBudgetMiB) << 20 }

// ShardSizeBytes returns the shard target in bytes.
func (c *Config) ShardSizeBytes() uint64 { return uint64(c.ShardSizeMiB) << 20 }

/*
   ---------------- Functional options ----------------
*/

type options struct {
	logger   *zap.Logger
	registry *prometheus.Registry
}

// Option customises engine collaborators.
type Option func(*options)

// WithLogger plugs an external zap.Logger.  The engine never logs on the hot
// path; only slow events (index load, elections, disk failures) are emitted.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithMetrics enables Prometheus metrics on the given registry.  Passing nil
// disables metrics (default).
func WithMetrics(reg *prometheus.Registry) Option {
	return func(o *options) {
		o.registry = reg
	}
}

func applyOptions(opts []Option) options {
	o := options{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
