package filter

import (
	"testing"

	"github.com/utilitywarehouse/mirror-sync/mirror"
)

func sig(keyID string, status mirror.SignatureStatus) mirror.Signature {
	return mirror.Signature{KeyID: keyID, Algorithm: "gpg", Status: status}
}

func mustNew(t *testing.T, conf mirror.Configuration, keys []PublicKey) Filter {
	t.Helper()
	f, err := New(conf, keys)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return f
}

func TestFilter_patterns(t *testing.T) {
	tests := []struct {
		name     string
		patterns []string
		ref      string
		want     bool
	}{
		{"empty patterns", nil, "anything/goes", true},
		{"exact", []string{"main"}, "main", true},
		{"exact mismatch", []string{"main"}, "develop", false},
		{"wildcard", []string{"feature/*"}, "feature/nice", true},
		{"wildcard other prefix", []string{"feature/*"}, "testing/something", false},
		{"wildcard nested", []string{"feature/*"}, "feature/a/b", true},
		{"any of many", []string{"main", "release-*"}, "release-1.0", true},
		{"none of many", []string{"main", "release-*"}, "hotfix", false},
		{"question mark", []string{"v?"}, "v1", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := mustNew(t, mirror.Configuration{Patterns: tt.patterns, Verification: mirror.VerificationNone}, nil)

			if got := f.AcceptBranch(mirror.BranchUpdate{Name: tt.ref}); got != tt.want {
				t.Errorf("AcceptBranch() = %v, want %v", got, tt.want)
			}
			if got := f.AcceptTag(mirror.TagUpdate{Name: tt.ref}); got != tt.want {
				t.Errorf("AcceptTag() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestFilter_signatures(t *testing.T) {
	trusted := []PublicKey{
		{ID: "accepted", SubkeyIDs: []string{"accepted-sub"}},
	}

	tests := []struct {
		name string
		mode mirror.VerificationMode
		sigs []mirror.Signature
		want bool
	}{
		// NONE only looks at names
		{"none no sigs", mirror.VerificationNone, nil, true},
		{"none invalid sig", mirror.VerificationNone, []mirror.Signature{sig("x", mirror.SignatureInvalid)}, true},

		{"any no sigs", mirror.VerificationAnySignature, nil, false},
		{"any verified", mirror.VerificationAnySignature, []mirror.Signature{sig("x", mirror.SignatureVerified)}, true},
		{"any not found", mirror.VerificationAnySignature, []mirror.Signature{sig("x", mirror.SignatureNotFound)}, true},
		{"any invalid", mirror.VerificationAnySignature, []mirror.Signature{sig("x", mirror.SignatureInvalid)}, false},
		{"any invalid and not found", mirror.VerificationAnySignature, []mirror.Signature{
			sig("x", mirror.SignatureInvalid), sig("y", mirror.SignatureNotFound),
		}, true},

		{"key list no sigs", mirror.VerificationKeyList, nil, false},
		{"key list trusted", mirror.VerificationKeyList, []mirror.Signature{sig("accepted", mirror.SignatureVerified)}, true},
		{"key list trusted case", mirror.VerificationKeyList, []mirror.Signature{sig("ACCEPTED", mirror.SignatureVerified)}, true},
		{"key list trusted subkey", mirror.VerificationKeyList, []mirror.Signature{sig("accepted-sub", mirror.SignatureVerified)}, true},
		{"key list untrusted", mirror.VerificationKeyList, []mirror.Signature{sig("other", mirror.SignatureVerified)}, false},
		{"key list trusted not verified", mirror.VerificationKeyList, []mirror.Signature{sig("accepted", mirror.SignatureNotFound)}, false},
		{"key list trusted invalid", mirror.VerificationKeyList, []mirror.Signature{sig("accepted", mirror.SignatureInvalid)}, false},
		{"key list signature subkey", mirror.VerificationKeyList, []mirror.Signature{
			{KeyID: "primary", Status: mirror.SignatureVerified, SubkeyIDs: []string{"accepted-sub"}},
		}, true},
		{"key list one of many", mirror.VerificationKeyList, []mirror.Signature{
			sig("other", mirror.SignatureVerified), sig("accepted", mirror.SignatureVerified),
		}, true},

		{"user no sigs", mirror.VerificationRepositoryUser, nil, false},
		{"user verified any key", mirror.VerificationRepositoryUser, []mirror.Signature{sig("whoever", mirror.SignatureVerified)}, true},
		{"user not found", mirror.VerificationRepositoryUser, []mirror.Signature{sig("whoever", mirror.SignatureNotFound)}, false},
		{"user invalid", mirror.VerificationRepositoryUser, []mirror.Signature{sig("whoever", mirror.SignatureInvalid)}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := mustNew(t, mirror.Configuration{Verification: tt.mode}, trusted)

			if got := f.AcceptBranch(mirror.BranchUpdate{Name: "main", Signatures: tt.sigs}); got != tt.want {
				t.Errorf("AcceptBranch() = %v, want %v", got, tt.want)
			}
			if got := f.AcceptTag(mirror.TagUpdate{Name: "v1", Signatures: tt.sigs}); got != tt.want {
				t.Errorf("AcceptTag() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestFilter_nameGateShortCircuits(t *testing.T) {
	f := mustNew(t, mirror.Configuration{
		Patterns:     []string{"main"},
		Verification: mirror.VerificationRepositoryUser,
	}, nil)

	d := f.DecideBranch(mirror.BranchUpdate{
		Name:       "develop",
		Signatures: []mirror.Signature{sig("x", mirror.SignatureVerified)},
	})
	if d.Accepted {
		t.Fatalf("expected develop to be rejected")
	}
	if d.Issue {
		t.Errorf("pattern mismatch must not be reported as an issue")
	}
	if d.Reason != reasonPatternMismatch {
		t.Errorf("Reason = %q, want %q", d.Reason, reasonPatternMismatch)
	}

	d = f.DecideBranch(mirror.BranchUpdate{Name: "main"})
	if d.Accepted || !d.Issue || d.Reason != reasonNoValidSig {
		t.Errorf("unexpected decision for unsigned main: %+v", d)
	}
}

func TestFilter_scenarioA(t *testing.T) {
	f := mustNew(t, mirror.Configuration{Patterns: []string{"main"}, Verification: mirror.VerificationNone}, nil)

	if !f.AcceptBranch(mirror.BranchUpdate{Name: "main", NewRevision: "1a2b3c"}) {
		t.Errorf("expected new branch main to be accepted")
	}
	if f.AcceptBranch(mirror.BranchUpdate{Name: "develop", NewRevision: "1a2b3c"}) {
		t.Errorf("expected new branch develop to be rejected")
	}
}

func TestFilter_scenarioB(t *testing.T) {
	f := mustNew(t, mirror.Configuration{Verification: mirror.VerificationKeyList}, []PublicKey{{ID: "accepted"}})

	tag := mirror.TagUpdate{Name: "v1.0", NewRevision: "1a2b3c"}

	tag.Signatures = []mirror.Signature{sig("accepted", mirror.SignatureVerified)}
	if !f.AcceptTag(tag) {
		t.Errorf("expected tag signed by trusted key to be accepted")
	}

	tag.Signatures = []mirror.Signature{sig("other", mirror.SignatureVerified)}
	if f.AcceptTag(tag) {
		t.Errorf("expected tag signed by untrusted key to be rejected")
	}
}

func TestFilter_keysIgnoredOutsideKeyList(t *testing.T) {
	f := mustNew(t, mirror.Configuration{Verification: mirror.VerificationAnySignature}, []PublicKey{{ID: "accepted"}})
	if f.trusted != nil {
		t.Errorf("trusted key set should only be built for KEY_LIST")
	}
}

func TestNew_errors(t *testing.T) {
	tests := []struct {
		name string
		conf mirror.Configuration
	}{
		{"bad mode", mirror.Configuration{Verification: "ALL"}},
		{"bad pattern", mirror.Configuration{Verification: mirror.VerificationNone, Patterns: []string{"feature/[a"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.conf, nil); err == nil {
				t.Errorf("New() expected error")
			}
		})
	}
}

func TestFilter_RequiresSignatures(t *testing.T) {
	if mustNew(t, mirror.Configuration{}, nil).RequiresSignatures() {
		t.Errorf("empty mode should not require signatures")
	}
	if !mustNew(t, mirror.Configuration{Verification: mirror.VerificationAnySignature}, nil).RequiresSignatures() {
		t.Errorf("ANY_SIGNATURE should require signatures")
	}
}
