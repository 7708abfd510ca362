package mirror

import (
	"fmt"
	"time"
)

// MinSyncPeriod is the smallest allowed time between two sync attempts
const MinSyncPeriod = time.Second

// VerificationMode decides which signatures make a ref update acceptable.
type VerificationMode string

const (
	// VerificationNone accepts updates without looking at signatures
	VerificationNone VerificationMode = "NONE"
	// VerificationAnySignature requires at least one verified signature
	VerificationAnySignature VerificationMode = "ANY_SIGNATURE"
	// VerificationKeyList requires a verified signature made by one of the
	// configured trusted keys
	VerificationKeyList VerificationMode = "KEY_LIST"
	// VerificationRepositoryUser requires a verified signature of a key
	// known to the local host
	VerificationRepositoryUser VerificationMode = "REPOSITORY_USER_SIGNATURE"
)

// Valid returns whether or not mode is one of the known verification modes
func (m VerificationMode) Valid() bool {
	switch m {
	case VerificationNone, VerificationAnySignature, VerificationKeyList, VerificationRepositoryUser:
		return true
	}
	return false
}

// ParseVerificationMode returns the mode for the given name. Empty string is
// treated as VerificationNone.
func ParseVerificationMode(s string) (VerificationMode, error) {
	if s == "" {
		return VerificationNone, nil
	}
	m := VerificationMode(s)
	if !m.Valid() {
		return "", fmt.Errorf("invalid verification mode %q, valid values are %q, %q, %q or %q",
			s, VerificationNone, VerificationAnySignature, VerificationKeyList, VerificationRepositoryUser)
	}
	return m, nil
}

// RawKey is an armored public key as entered by the user
type RawKey struct {
	DisplayName string `json:"display_name"`
	Raw         string `json:"raw"`
}

// UsernamePassword is basic auth credential for the remote
type UsernamePassword struct {
	Username string
	Password string
}

// Certificate is a PKCS#12 client certificate for the remote
type Certificate struct {
	Data     []byte
	Password string
}

// Credentials used to contact the remote. Both can be set at the same time.
type Credentials struct {
	UsernamePassword *UsernamePassword
	Certificate      *Certificate
}

// Proxy is the http(s) proxy used to reach the remote
type Proxy struct {
	Host     string
	Port     int
	Username string
	Password string
}

// Configuration is the applicable mirror configuration of a repository. It is
// read fresh from the ConfigurationProvider on every sync attempt.
type Configuration struct {
	RepositoryID string
	URL          string
	SyncPeriod   time.Duration

	// ManagingUsers are notified on status change and may read mirror logs
	ManagingUsers []string

	Credentials Credentials
	Proxy       *Proxy

	// Patterns is the list of ref name glob patterns. empty means all refs.
	Patterns        []string
	Verification    VerificationMode
	TrustedKeys     []RawKey
	FastForwardOnly bool

	IgnoreLFS bool
	HTTPSOnly bool
}

// Validate checks the fields every sync attempt depends on
func (c Configuration) Validate() error {
	if c.RepositoryID == "" {
		return fmt.Errorf("repository id is required")
	}
	if c.URL == "" {
		return fmt.Errorf("repository url is required")
	}
	if c.SyncPeriod < MinSyncPeriod {
		return fmt.Errorf("sync period must be at least %s", MinSyncPeriod)
	}
	if !c.Verification.Valid() {
		return fmt.Errorf("invalid verification mode %q", c.Verification)
	}
	return nil
}
