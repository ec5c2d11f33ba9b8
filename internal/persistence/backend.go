// Package persistence stores document snapshots and version counters.
//
// A Manager writes through a fast, possibly volatile primary Backend
// (Redis) and falls back to a durable one (local files) whenever the
// primary errors, times out or is missing. Which backend serves a call is
// decided per call, so a Redis outage in the middle of a session degrades
// to disk without a restart.
package persistence

import (
	"context"
	"fmt"
)

// Backend is one snapshot and version store.
type Backend interface {
	// Name identifies the backend in logs.
	Name() string

	// Load returns the stored snapshot, or domain.ErrNotFound.
	Load(ctx context.Context, docID string) ([]byte, error)

	// Save replaces the stored snapshot.
	Save(ctx context.Context, docID string, snapshot []byte) error

	// Version returns the current version counter, 0 when absent.
	Version(ctx context.Context, docID string) (int64, error)

	// IncrVersion atomically sets the counter to max(counter, floor)+1 and
	// returns the new value.
	IncrVersion(ctx context.Context, docID string, floor int64) (int64, error)
}

// SnapshotKey is the key holding the latest snapshot of a document.
func SnapshotKey(docID string) string {
	return fmt.Sprintf("doc:%s", docID)
}

// VersionKey is the key holding the version counter of a document.
func VersionKey(docID string) string {
	return fmt.Sprintf("doc:%s:version", docID)
}
