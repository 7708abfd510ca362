package config

import (
	"context"
	"slices"

	"github.com/utilitywarehouse/mirror-sync/internal/lock"
	"github.com/utilitywarehouse/mirror-sync/mirror"
)

// Store keeps the current configuration snapshot. It implements
// mirror.ConfigurationProvider and mirror.Permissions.
type Store struct {
	lock    lock.RWMutex
	current *Config
}

var (
	_ mirror.ConfigurationProvider = (*Store)(nil)
	_ mirror.Permissions           = (*Store)(nil)
)

// NewStore returns an empty store, every lookup returns ErrNotConfigured
// until the first Set.
func NewStore() *Store {
	return &Store{current: &Config{}}
}

// Set replaces current snapshot. conf must be validated already.
func (s *Store) Set(conf *Config) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.current = conf
}

// Get returns current snapshot, it must not be modified.
func (s *Store) Get() *Config {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return s.current
}

// Configuration returns applicable configuration of the repository
func (s *Store) Configuration(_ context.Context, repositoryID string) (mirror.Configuration, error) {
	return s.Get().Applicable(repositoryID)
}

// ManagingUsers returns managing users of the mirror, used to address
// notifications.
func (s *Store) ManagingUsers(_ context.Context, repositoryID string) []string {
	m, ok := s.Get().Mirror(repositoryID)
	if !ok {
		return nil
	}
	return slices.Clone(m.ManagingUsers)
}

// CanReadMirrorLog returns true for admins and managing users of the mirror
func (s *Store) CanReadMirrorLog(ctx context.Context, repositoryID string) bool {
	return s.allowed(ctx, repositoryID)
}

// CanConfigureMirror returns true for admins and managing users of the mirror
func (s *Store) CanConfigureMirror(ctx context.Context, repositoryID string) bool {
	return s.allowed(ctx, repositoryID)
}

func (s *Store) allowed(ctx context.Context, repositoryID string) bool {
	user, ok := mirror.UserFrom(ctx)
	if !ok {
		return false
	}

	conf := s.Get()
	if slices.Contains(conf.Global.Admins, user) {
		return true
	}
	m, ok := conf.Mirror(repositoryID)
	return ok && slices.Contains(m.ManagingUsers, user)
}
