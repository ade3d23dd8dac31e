// Package coordination provides a hierarchical, versioned compare-and-swap
// key/value store standing in for the ZooKeeper coordination tree the
// source system uses for pipeline locks, semaphore holder lists, and
// change caches. Every write is an optimistic-concurrency CAS keyed by a
// version stat; callers retry on conflict.
package coordination

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a path has no node.
var ErrNotFound = errors.New("coordination: no node at path")

// ErrVersionConflict is returned by CAS when the stored version no longer
// matches the expected version (a concurrent writer won the race).
var ErrVersionConflict = errors.New("coordination: version conflict")

// Store is the minimal hierarchical versioned store the pipeline manager
// needs: get-with-version, and compare-and-swap-set.
type Store interface {
	// Get returns the data and version stat at path, or ErrNotFound.
	Get(ctx context.Context, path string) (data []byte, version int64, err error)
	// CAS writes data at path iff the stored version equals
	// expectedVersion (or the path does not yet exist and expectedVersion
	// is 0). Returns ErrVersionConflict on mismatch.
	CAS(ctx context.Context, path string, expectedVersion int64, data []byte) error
	// Delete removes path, ignoring ErrNotFound.
	Delete(ctx context.Context, path string) error
}

// Transform computes the next value for a versioned update given the
// current data and whether the path currently exists (version is 0 and
// data is nil when !exists).
type Transform func(current []byte, version int64, exists bool) (next []byte, err error)

// UpdateVersioned implements the generic CAS retry loop every store
// mutation goes through: read, transform, CAS, retry on version
// conflict. transform returning (nil, nil) with exists==false is treated
// as "leave absent" and is a no-op.
func UpdateVersioned(ctx context.Context, store Store, path string, transform Transform) error {
	for {
		data, version, err := store.Get(ctx, path)
		exists := true
		if errors.Is(err, ErrNotFound) {
			exists = false
			data, version = nil, 0
		} else if err != nil {
			return err
		}

		next, err := transform(data, version, exists)
		if err != nil {
			return err
		}
		if next == nil && !exists {
			return nil
		}

		err = store.CAS(ctx, path, version, next)
		if errors.Is(err, ErrVersionConflict) {
			continue
		}
		return err
	}
}
