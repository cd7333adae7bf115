// Package mmap provides read-only memory mapping of sealed shard files.
package mmap
