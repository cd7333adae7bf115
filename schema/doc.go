// Package schema defines the typed field layout shared by all records in a
// dataset and its stable digest.
//
// A Schema is validated once at construction and immutable afterwards. The
// digest ties shard files and the index to the exact field layout they were
// written with.
package schema
