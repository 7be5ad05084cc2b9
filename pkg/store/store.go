// Package store models persisted rollout state (flags, assignments, rollback
// points, experiments) as key-value records. Keys are namespaced with a
// prefix per record type, e.g. "flag:NightMode" or
// "assignment:<experiment>:<user>". Three implementations are provided:
// in-memory (tests, single node), Redis, and Postgres.
package store

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a key has no record.
var ErrNotFound = errors.New("store: key not found")

// KV is the persistence boundary for all engine state.
type KV interface {
	// Get returns the value for key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)
	// Put stores value under key, replacing any previous value.
	Put(ctx context.Context, key string, value []byte) error
	// PutIfAbsent stores value only when key has no record yet and reports
	// whether this call won. Losing callers must re-read the winning value.
	PutIfAbsent(ctx context.Context, key string, value []byte) (bool, error)
	// List returns all records whose key starts with prefix.
	List(ctx context.Context, prefix string) (map[string][]byte, error)
	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
	// Close releases any underlying resources.
	Close() error
}

// Key prefixes for the engine's record types.
const (
	PrefixFlag          = "flag:"
	PrefixFeature       = "feature:"
	PrefixExperiment    = "experiment:"
	PrefixAssignment    = "assignment:"
	PrefixRollbackPoint = "rollbackpoint:"
	PrefixRolloutState  = "rollout:"
)
