// Package storage defines the disk-backed store that maps server instances onto
// StoragePath/<instance>/<path> files. The store exposes read/write primitives
// with safe semantics (temp file + rename), per-entry locking, and whole-tree
// removal so the fetcher, process controller and log reader never duplicate
// filesystem logic.
package storage
