// Package record provides the typed value model and the binary codec that
// turns records into a fixed-width row plus a variable-length blob buffer.
//
// The split keeps scalar scans cache-friendly: the fixed row carries the null
// bitmap and all scalars, while strings, byte payloads and ndarrays are
// concatenated length-prefixed in a separate buffer destined for the shard's
// blob region.
package record
