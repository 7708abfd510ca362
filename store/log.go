package store

import (
	"context"
	"errors"
	"slices"

	"github.com/utilitywarehouse/mirror-sync/internal/lock"
	"github.com/utilitywarehouse/mirror-sync/mirror"
)

// LogStore keeps the last mirror.LogCapacity log entries of each repository,
// newest first.
type LogStore struct {
	db          *DB
	permissions mirror.Permissions
	locks       lock.KeyedMutex
}

// NewLogStore returns a LogStore backed by db. permissions is consulted on
// every List call.
func NewLogStore(db *DB, permissions mirror.Permissions) *LogStore {
	return &LogStore{db: db, permissions: permissions}
}

// Append inserts entry at the head of the repository's log and evicts the
// oldest entries beyond capacity.
func (s *LogStore) Append(_ context.Context, repositoryID string, entry mirror.LogEntry) error {
	unlock := s.locks.Lock(repositoryID)
	defer unlock()

	entries, err := s.read(repositoryID)
	if err != nil {
		return err
	}

	entries = slices.Insert(entries, 0, entry)
	if len(entries) > mirror.LogCapacity {
		entries = entries[:mirror.LogCapacity]
	}

	return s.db.putJSON(logPrefix+repositoryID, entries)
}

// List returns the log of the repository newest first if the user of ctx may
// read it, mirror.ErrPermissionDenied otherwise.
func (s *LogStore) List(ctx context.Context, repositoryID string) ([]mirror.LogEntry, error) {
	if s.permissions == nil || !s.permissions.CanReadMirrorLog(ctx, repositoryID) {
		return nil, mirror.ErrPermissionDenied
	}

	unlock := s.locks.Lock(repositoryID)
	defer unlock()

	return s.read(repositoryID)
}

// Delete removes the log of the repository
func (s *LogStore) Delete(_ context.Context, repositoryID string) error {
	unlock := s.locks.Lock(repositoryID)
	defer unlock()

	return s.db.delete(logPrefix + repositoryID)
}

func (s *LogStore) read(repositoryID string) ([]mirror.LogEntry, error) {
	var entries []mirror.LogEntry
	err := s.db.getJSON(logPrefix+repositoryID, &entries)
	if errors.Is(err, mirror.ErrNotFound) {
		return []mirror.LogEntry{}, nil
	}
	return entries, err
}
