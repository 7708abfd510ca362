package store

import (
	"context"
	"errors"
	"time"

	"github.com/utilitywarehouse/mirror-sync/internal/lock"
	"github.com/utilitywarehouse/mirror-sync/mirror"
)

// StatusStore keeps the current mirror status of each repository
type StatusStore struct {
	db    *DB
	locks lock.KeyedMutex
}

// NewStatusStore returns a StatusStore backed by db
func NewStatusStore(db *DB) *StatusStore {
	return &StatusStore{db: db}
}

// Get returns the stored status or mirror.ErrNotFound if there is none
func (s *StatusStore) Get(_ context.Context, repositoryID string) (mirror.Status, error) {
	var st mirror.Status
	if err := s.db.getJSON(statusPrefix+repositoryID, &st); err != nil {
		return mirror.Status{}, err
	}
	return st, nil
}

// Set overwrites the status of the repository
func (s *StatusStore) Set(_ context.Context, repositoryID string, status mirror.Status) error {
	unlock := s.locks.Lock(repositoryID)
	defer unlock()

	return s.db.putJSON(statusPrefix+repositoryID, status)
}

// Init stores the NOT_YET_RUN status started at now unless the repository
// already has a status. It returns true if the status was written.
func (s *StatusStore) Init(_ context.Context, repositoryID string, now time.Time) (bool, error) {
	unlock := s.locks.Lock(repositoryID)
	defer unlock()

	ok, err := s.db.has(statusPrefix + repositoryID)
	if err != nil {
		return false, err
	}
	if ok {
		return false, nil
	}
	return true, s.db.putJSON(statusPrefix+repositoryID, mirror.InitialStatus(now))
}

// Delete removes the status of the repository, missing status is not an error
func (s *StatusStore) Delete(_ context.Context, repositoryID string) error {
	unlock := s.locks.Lock(repositoryID)
	defer unlock()

	return s.db.delete(statusPrefix + repositoryID)
}

// Previous returns the stored result, NOT_YET_RUN if nothing is stored
func (s *StatusStore) Previous(ctx context.Context, repositoryID string) (mirror.Result, error) {
	st, err := s.Get(ctx, repositoryID)
	if errors.Is(err, mirror.ErrNotFound) {
		return mirror.ResultNotYetRun, nil
	}
	if err != nil {
		return "", err
	}
	return st.Result, nil
}
