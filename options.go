package recordpack

import (
	"golang.org/x/time/rate"

	"github.com/hupe1980/recordpack/internal/fs"
	"github.com/hupe1980/recordpack/shard"
)

const defaultCommitEvery = 1024

type options struct {
	fsys           fs.FileSystem
	compression    shard.Compression
	rowRegionBytes uint64
	maxValueBytes  uint32
	commitEvery    int
	strictBatch    bool
	overwrite      bool
	firstShardID   uint32
	recordLimit    uint64
	ioLimit        *rate.Limiter
	logger         *Logger
}

func defaultOptions() options {
	return options{
		fsys:        fs.Default,
		commitEvery: defaultCommitEvery,
		logger:      NoopLogger(),
	}
}

// Option configures dataset creation and Writer behavior.
type Option func(*options)

// WithCompression selects the blob compression codec for all shards of the
// dataset. The default is CompressionNone.
func WithCompression(c shard.Compression) Option {
	return func(o *options) {
		o.compression = c
	}
}

// WithRowRegionBytes sets the size of the preallocated fixed-row region per
// shard, which bounds how many records a shard holds before the writer rolls
// over to a new one. Zero keeps the default of 64 MiB.
func WithRowRegionBytes(n uint64) Option {
	return func(o *options) {
		o.rowRegionBytes = n
	}
}

// WithShardRecordLimit caps records per shard. It is a convenience over
// WithRowRegionBytes; the writer converts the limit into a row region size
// once the schema's row width is known.
func WithShardRecordLimit(n uint64) Option {
	return func(o *options) {
		// Sentinel resolved in CreateDataset where the row width is known.
		o.rowRegionBytes = 0
		o.recordLimit = n
	}
}

// WithMaxValueBytes bounds the encoded size of a single variable-length
// value. Larger values fail with an encoding error.
func WithMaxValueBytes(n uint32) Option {
	return func(o *options) {
		o.maxValueBytes = n
	}
}

// WithCommitEvery sets the auto-commit interval in records. Every n written
// records the writer runs a full Commit. n <= 0 disables auto-commit;
// the default is 1024.
func WithCommitEvery(n int) Option {
	return func(o *options) {
		o.commitEvery = n
	}
}

// WithStrictBatch makes WriteBatch fail fast on the first bad record instead
// of collecting per-record errors and writing the rest.
func WithStrictBatch() Option {
	return func(o *options) {
		o.strictBatch = true
	}
}

// WithOverwrite allows writes to replace an existing record id. Without it a
// duplicate id fails with ErrDuplicateID.
func WithOverwrite() Option {
	return func(o *options) {
		o.overwrite = true
	}
}

// WithFirstShardID offsets shard numbering. Parallel jobs producing parts of
// one logical dataset into separate directories use disjoint shard id ranges
// so the parts can later be merged without renames.
func WithFirstShardID(id uint32) Option {
	return func(o *options) {
		o.firstShardID = id
	}
}

// WithIOLimit throttles the writer's append bandwidth to roughly
// bytesPerSec, smoothing I/O pressure next to a serving workload. Zero or
// negative disables throttling.
func WithIOLimit(bytesPerSec float64) Option {
	return func(o *options) {
		if bytesPerSec <= 0 {
			o.ioLimit = nil
			return
		}
		burst := int(bytesPerSec)
		if burst < 1<<20 {
			burst = 1 << 20
		}
		o.ioLimit = rate.NewLimiter(rate.Limit(bytesPerSec), burst)
	}
}

// withFileSystem swaps the backing filesystem. Only fault-injection tests
// need it.
func withFileSystem(fsys fs.FileSystem) Option {
	return func(o *options) {
		o.fsys = fsys
	}
}

// WithLogger sets the structured logger. The default discards all output.
func WithLogger(logger *Logger) Option {
	return func(o *options) {
		if logger == nil {
			logger = NoopLogger()
		}
		o.logger = logger
	}
}

type readerOptions struct {
	fsys     fs.FileSystem
	mmap     bool
	recovery bool
	logger   *Logger
}

func defaultReaderOptions() readerOptions {
	return readerOptions{
		fsys:   fs.Default,
		mmap:   true,
		logger: NoopLogger(),
	}
}

// ReaderOption configures OpenDataset behavior.
type ReaderOption func(*readerOptions)

// WithRecovery opens unsealed or damaged datasets by scanning each shard for
// its valid committed prefix. Index entries pointing past a recovered extent
// are dropped; Stats reports how much survived.
func WithRecovery() ReaderOption {
	return func(o *readerOptions) {
		o.recovery = true
	}
}

// WithoutMmap disables memory-mapping of sealed shards and uses positioned
// file reads instead.
func WithoutMmap() ReaderOption {
	return func(o *readerOptions) {
		o.mmap = false
	}
}

// WithReaderLogger sets the structured logger for the reader. The default
// discards all output.
func WithReaderLogger(logger *Logger) ReaderOption {
	return func(o *readerOptions) {
		if logger == nil {
			logger = NoopLogger()
		}
		o.logger = logger
	}
}
