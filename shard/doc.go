// Package shard manages the physical shard files of a dataset.
//
// A shard file holds a fixed header, a reserved fixed-width row region and a
// growing blob region. Rows carry per-row checksums over both their payload
// and their blob span, so a torn write never surfaces as a partially decoded
// record: recovery keeps exactly the prefix that validates.
package shard
