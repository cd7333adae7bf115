package recordpack

import (
	"errors"
	"fmt"

	"github.com/hupe1980/recordpack/index"
	"github.com/hupe1980/recordpack/record"
	"github.com/hupe1980/recordpack/schema"
	"github.com/hupe1980/recordpack/shard"
)

var (
	// ErrNotFound is returned when a record id has no live entry.
	ErrNotFound = errors.New("record not found")

	// ErrInvalidRange is returned for a range whose start exceeds its end or
	// a page request with a non-positive page size.
	ErrInvalidRange = errors.New("invalid range")

	// ErrInvalidState is returned when an operation is called in a dataset
	// state that does not permit it, for example writing after Seal.
	ErrInvalidState = errors.New("invalid dataset state")

	// ErrCorrupted is returned when on-disk data fails validation. Opening
	// with WithRecovery can often still read the intact prefix.
	ErrCorrupted = errors.New("dataset corrupted")

	// ErrLocked is returned when another writer holds the dataset lock.
	ErrLocked = errors.New("dataset locked by another writer")

	// ErrClosed is returned when the writer or reader has been closed.
	ErrClosed = errors.New("closed")

	// ErrDuplicateID is returned when writing an id that already exists and
	// overwriting is not enabled.
	ErrDuplicateID = errors.New("record id already exists")

	// ErrDatasetExists is returned by Create when the directory already
	// holds a dataset.
	ErrDatasetExists = errors.New("dataset already exists")
)

// BatchError reports the per-record failures of a batch write. The batch's
// valid records were still written.
type BatchError struct {
	// Failed maps batch positions to their errors.
	Failed map[int]error
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("batch write: %d of the records failed", len(e.Failed))
}

// translateError maps internal package errors onto the public taxonomy so
// callers only match against the sentinels above (plus the schema and record
// sentinels, which are already public API).
func translateError(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, index.ErrDuplicateID) {
		return fmt.Errorf("%w: %w", ErrDuplicateID, err)
	}
	if errors.Is(err, index.ErrCorrupted) || errors.Is(err, index.ErrInvalidIndex) ||
		errors.Is(err, shard.ErrCorrupted) || errors.Is(err, shard.ErrInvalidHeader) ||
		errors.Is(err, shard.ErrDigestMismatch) || errors.Is(err, shard.ErrIncompatibleVersion) {
		return fmt.Errorf("%w: %w", ErrCorrupted, err)
	}
	if errors.Is(err, shard.ErrSealed) || errors.Is(err, shard.ErrNotSealed) {
		return fmt.Errorf("%w: %w", ErrInvalidState, err)
	}

	// Schema and encoding errors pass through untranslated.
	if errors.Is(err, schema.ErrInvalidSchema) || errors.Is(err, record.ErrEncoding) {
		return err
	}

	return err
}
