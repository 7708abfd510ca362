package mirror

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotConfigured is returned when there is no mirror configuration for
	// the repository
	ErrNotConfigured = errors.New("mirror is not configured")
	// ErrNotFound is returned when there is no stored record
	ErrNotFound = errors.New("not found")
	// ErrPermissionDenied is returned when current user is not allowed to
	// perform the operation
	ErrPermissionDenied = errors.New("permission denied")
	// ErrInsecureConnection is returned when only https urls are allowed
	ErrInsecureConnection = errors.New("insecure connection not allowed")
)

// SyncRequest carries everything a Syncer needs for one attempt
type SyncRequest struct {
	RepositoryID string
	URL          string
	Credentials  Credentials
	Proxy        *Proxy

	Filter          UpdateFilter
	Verification    VerificationMode
	TrustedKeys     []RawKey
	FastForwardOnly bool
	IgnoreLFS       bool
}

// SyncResult is the outcome reported by a Syncer. A result with Success false
// and RejectedUpdates > 0 means the transfer itself worked but some ref
// updates were refused.
type SyncResult struct {
	Success         bool
	RejectedUpdates int
	Log             []string
	Duration        time.Duration
}

// Syncer performs the actual pull of the remote into the local repository
type Syncer interface {
	Sync(ctx context.Context, req SyncRequest) (SyncResult, error)
}

// ConfigurationProvider returns the applicable mirror configuration of a
// repository, ErrNotConfigured if there is none.
type ConfigurationProvider interface {
	Configuration(ctx context.Context, repositoryID string) (Configuration, error)
}

// Permissions answers access questions for the user of the given context
type Permissions interface {
	CanReadMirrorLog(ctx context.Context, repositoryID string) bool
	CanConfigureMirror(ctx context.Context, repositoryID string) bool
}

type userCtxKey struct{}

// WithUser returns a copy of ctx carrying the name of the current user
func WithUser(ctx context.Context, user string) context.Context {
	return context.WithValue(ctx, userCtxKey{}, user)
}

// UserFrom returns the user stored in ctx by WithUser
func UserFrom(ctx context.Context) (string, bool) {
	user, ok := ctx.Value(userCtxKey{}).(string)
	return user, ok && user != ""
}
