// Package filter decides which ref updates of a sync attempt are accepted.
package filter

import (
	"fmt"
	"strings"

	"github.com/gobwas/glob"
	"github.com/utilitywarehouse/mirror-sync/mirror"
)

const (
	reasonPatternMismatch = "skipped: does not match configured patterns"
	reasonNoValidSig      = "skipped: no valid signature"
)

// PublicKey is a resolved trusted key
type PublicKey struct {
	ID          string
	SubkeyIDs   []string
	DisplayName string
}

// Filter is bound to one configuration snapshot and one set of trusted keys.
// It holds no state between calls and is safe for concurrent use.
type Filter struct {
	mode     mirror.VerificationMode
	patterns []glob.Glob
	trusted  map[string]struct{}
}

var _ mirror.UpdateFilter = Filter{}

// New returns a Filter for the given configuration. keys are only used when
// verification mode is KEY_LIST.
func New(conf mirror.Configuration, keys []PublicKey) (Filter, error) {
	mode := conf.Verification
	if mode == "" {
		mode = mirror.VerificationNone
	}
	if !mode.Valid() {
		return Filter{}, fmt.Errorf("invalid verification mode %q", conf.Verification)
	}

	f := Filter{mode: mode}

	for _, p := range conf.Patterns {
		// no separators so that '*' also matches '/' in 'feature/a/b'
		g, err := glob.Compile(strings.TrimSpace(p))
		if err != nil {
			return Filter{}, fmt.Errorf("invalid pattern %q err:%w", p, err)
		}
		f.patterns = append(f.patterns, g)
	}

	if mode == mirror.VerificationKeyList {
		f.trusted = make(map[string]struct{})
		for _, k := range keys {
			f.trusted[normaliseKeyID(k.ID)] = struct{}{}
			for _, s := range k.SubkeyIDs {
				f.trusted[normaliseKeyID(s)] = struct{}{}
			}
		}
	}

	return f, nil
}

// AcceptBranch returns whether the branch update may be applied
func (f Filter) AcceptBranch(u mirror.BranchUpdate) bool {
	return f.DecideBranch(u).Accepted
}

// AcceptTag returns whether the tag update may be applied
func (f Filter) AcceptTag(u mirror.TagUpdate) bool {
	return f.DecideTag(u).Accepted
}

// DecideBranch is AcceptBranch with the reason of a rejection
func (f Filter) DecideBranch(u mirror.BranchUpdate) mirror.Decision {
	return f.decide(u.Name, u.Signatures)
}

// DecideTag is AcceptTag with the reason of a rejection
func (f Filter) DecideTag(u mirror.TagUpdate) mirror.Decision {
	return f.decide(u.Name, u.Signatures)
}

// MatchesName returns true if patterns are empty or at least one matches name
func (f Filter) MatchesName(name string) bool {
	if len(f.patterns) == 0 {
		return true
	}
	for _, g := range f.patterns {
		if g.Match(name) {
			return true
		}
	}
	return false
}

// RequiresSignatures returns false when signatures are never looked at
func (f Filter) RequiresSignatures() bool {
	return f.mode != mirror.VerificationNone
}

func (f Filter) decide(name string, sigs []mirror.Signature) mirror.Decision {
	if !f.MatchesName(name) {
		return mirror.Decision{Reason: reasonPatternMismatch}
	}
	if f.mode == mirror.VerificationNone {
		return mirror.Decision{Accepted: true}
	}
	if f.signaturesAccepted(sigs) {
		return mirror.Decision{Accepted: true}
	}
	return mirror.Decision{Reason: reasonNoValidSig, Issue: true}
}

func (f Filter) signaturesAccepted(sigs []mirror.Signature) bool {
	for _, s := range sigs {
		if f.signatureAccepted(s) {
			return true
		}
	}
	return false
}

func (f Filter) signatureAccepted(s mirror.Signature) bool {
	switch f.mode {
	case mirror.VerificationAnySignature:
		return s.Status == mirror.SignatureVerified || s.Status == mirror.SignatureNotFound
	case mirror.VerificationKeyList:
		return s.Status == mirror.SignatureVerified && f.isTrusted(s)
	case mirror.VerificationRepositoryUser:
		return s.Status == mirror.SignatureVerified
	default:
		// New never builds a filter with an unknown mode
		panic(fmt.Sprintf("unexpected verification mode %q", f.mode))
	}
}

func (f Filter) isTrusted(s mirror.Signature) bool {
	if _, ok := f.trusted[normaliseKeyID(s.KeyID)]; ok {
		return true
	}
	for _, id := range s.SubkeyIDs {
		if _, ok := f.trusted[normaliseKeyID(id)]; ok {
			return true
		}
	}
	return false
}

// normaliseKeyID makes key ids from gpg output and from parsed keys comparable
func normaliseKeyID(id string) string {
	return strings.ToUpper(strings.TrimPrefix(strings.TrimSpace(id), "0x"))
}
