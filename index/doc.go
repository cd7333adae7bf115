// Package index maps record ids to their physical placements and maintains
// an optional secondary index over fields declared indexable in the schema.
//
// The primary index is an append-only file of fixed-size entries. Commits
// append staged entries and sync; sealing adds a footer carrying the entry
// count and a checksum over the entry region. A file without a footer can
// still be loaded in recovery mode, which treats the entry region as a
// prefix and ignores a torn trailing entry.
//
// The secondary index keeps one Roaring Bitmap of record ids per distinct
// value of each indexable field. Keys are encoded so byte order matches
// value order, which makes range filters a contiguous key scan. Postings are
// written to their own file at seal time.
//
// Example:
//
//	ids, err := ix.Query(
//	    index.Filter{Field: "label", Op: index.OpEqual, Value: record.Int32(7)},
//	    index.Filter{Field: "score", Op: index.OpRange, Low: record.Float32(0.5), High: record.Float32(1.0)},
//	)
package index
