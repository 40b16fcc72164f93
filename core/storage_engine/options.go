package storageengine

import (
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sushant-115/gojostore/core/indexing/btree"
	"github.com/sushant-115/gojostore/core/storage_engine/common"
	pagemanager "github.com/sushant-115/gojostore/core/write_engine/page_manager"
	"github.com/sushant-115/gojostore/core/write_engine/wal"
	"github.com/sushant-115/gojostore/pkg/logger"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// ByteSize is a size in bytes. In YAML it may be written as a plain number or
// a humanized string such as "64MiB" or "8 KB".
type ByteSize uint64

func (b ByteSize) String() string { return humanize.IBytes(uint64(b)) }

func (b ByteSize) MarshalText() ([]byte, error) { return []byte(b.String()), nil }

func (b *ByteSize) UnmarshalText(text []byte) error {
	n, err := humanize.ParseBytes(string(text))
	if err != nil {
		return fmt.Errorf("%w: size %q: %v", common.ErrInvalidOptions, text, err)
	}
	*b = ByteSize(n)
	return nil
}

func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("%w: size at line %d must be a scalar", common.ErrInvalidOptions, value.Line)
	}
	return b.UnmarshalText([]byte(value.Value))
}

// Options configures an environment.
type Options struct {
	PageSize ByteSize `yaml:"page_size"`
	// Durability is the default commit durability; WriteTx.CommitWith overrides it.
	Durability      wal.DurabilityMode `yaml:"durability"`
	InitialSize     ByteSize           `yaml:"initial_size"`
	GrowthIncrement ByteSize           `yaml:"growth_increment"`

	MaxJournalFileSize ByteSize `yaml:"max_journal_file_size"`
	// JournalSyncInterval flushes buffered commits in the background. 0 disables it.
	JournalSyncInterval time.Duration `yaml:"journal_sync_interval"`
	// CheckpointInterval runs checkpoints in the background. 0 disables it.
	CheckpointInterval time.Duration `yaml:"checkpoint_interval"`
	// WriteTimeout bounds the wait for the writer slot. 0 waits for the context only.
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	LongReaderWarning time.Duration `yaml:"long_reader_warning"`
	VerifyChecksums   bool          `yaml:"verify_checksums"`
	// NodeCacheSize bounds the decoded node cache of read transactions. 0 disables it.
	NodeCacheSize ByteSize `yaml:"node_cache_size"`
	// RebalanceThreshold is the fill fraction below which B+tree nodes merge
	// after deletes. 0 disables merging.
	RebalanceThreshold float64 `yaml:"rebalance_threshold"`

	Log logger.Config `yaml:"log"`

	// Comparators are made available to CreateTree by name, next to the
	// built-in "bytes" order.
	Comparators map[string]btree.Comparator `yaml:"-"`
	// Logger takes precedence over Log.
	Logger *zap.Logger  `yaml:"-"`
	Meter  metric.Meter `yaml:"-"`
	Tracer trace.Tracer `yaml:"-"`
}

// DefaultOptions returns the recommended options. Open fills zero sizes from
// them; booleans, durations and the rebalance threshold are taken as given.
func DefaultOptions() Options {
	return Options{
		PageSize:           pagemanager.DefaultPageSize,
		Durability:         wal.Sync,
		InitialSize:        4 << 20,
		GrowthIncrement:    4 << 20,
		MaxJournalFileSize: wal.DefaultMaxFileSize,
		CheckpointInterval: time.Minute,
		LongReaderWarning:  time.Minute,
		VerifyChecksums:    true,
		NodeCacheSize:      32 << 20,
		RebalanceThreshold: btree.DefaultRebalanceThreshold,
	}
}

// LoadOptions reads YAML options from path. Keys that are absent keep their
// default value.
func LoadOptions(path string) (Options, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Options{}, fmt.Errorf("failed to read options file %s: %w", path, err)
	}
	return ParseOptions(data)
}

// ParseOptions decodes YAML options on top of DefaultOptions.
func ParseOptions(data []byte) (Options, error) {
	opts := DefaultOptions()
	if err := yaml.Unmarshal(data, &opts); err != nil {
		return Options{}, fmt.Errorf("%w: %v", common.ErrInvalidOptions, err)
	}
	if err := opts.validate(); err != nil {
		return Options{}, err
	}
	return opts, nil
}

// withDefaults fills zero sizes. Booleans and durations are taken as given.
func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.PageSize == 0 {
		o.PageSize = d.PageSize
	}
	if o.InitialSize == 0 {
		o.InitialSize = d.InitialSize
	}
	if o.GrowthIncrement == 0 {
		o.GrowthIncrement = d.GrowthIncrement
	}
	if o.MaxJournalFileSize == 0 {
		o.MaxJournalFileSize = d.MaxJournalFileSize
	}
	if o.LongReaderWarning == 0 {
		o.LongReaderWarning = d.LongReaderWarning
	}
	return o
}

func (o Options) validate() error {
	if !pagemanager.ValidPageSize(int(o.PageSize)) {
		return fmt.Errorf("%w: page size %d must be a power of two in [%d, %d]",
			common.ErrInvalidOptions, o.PageSize, pagemanager.MinPageSize, pagemanager.MaxPageSize)
	}
	if o.Durability < wal.Buffered || o.Durability > wal.SyncVerify {
		return fmt.Errorf("%w: durability mode %v", common.ErrInvalidOptions, o.Durability)
	}
	if o.MaxJournalFileSize < 2*o.PageSize {
		return fmt.Errorf("%w: max journal file size %s below two pages", common.ErrInvalidOptions, o.MaxJournalFileSize)
	}
	if o.RebalanceThreshold < 0 || o.RebalanceThreshold >= 0.5 {
		return fmt.Errorf("%w: rebalance threshold %v outside [0, 0.5)", common.ErrInvalidOptions, o.RebalanceThreshold)
	}
	if o.WriteTimeout < 0 || o.CheckpointInterval < 0 || o.JournalSyncInterval < 0 || o.LongReaderWarning < 0 {
		return fmt.Errorf("%w: durations must not be negative", common.ErrInvalidOptions)
	}
	for name, cmp := range o.Comparators {
		if name == "" || name == BytesComparator || cmp == nil {
			return fmt.Errorf("%w: comparator %q", common.ErrInvalidOptions, name)
		}
		if len(name) > maxComparatorName {
			return fmt.Errorf("%w: comparator name %q longer than %d bytes", common.ErrInvalidOptions, name, maxComparatorName)
		}
	}
	return nil
}

// pagesOf converts a size to whole pages, rounding up.
func (o Options) pagesOf(size ByteSize) uint64 {
	return (uint64(size) + uint64(o.PageSize) - 1) / uint64(o.PageSize)
}

func (o Options) buildLogger() (*zap.Logger, error) {
	if o.Logger != nil {
		return o.Logger, nil
	}
	if o.Log.Level == "" && o.Log.OutputFile == "" {
		return zap.NewNop(), nil
	}
	return logger.New(o.Log)
}
