// Package fs abstracts file system access behind small interfaces and
// provides a fault-injecting implementation for crash and disk-failure tests.
package fs
