package mirror

// SignatureStatus is the verification status of a single signature
type SignatureStatus string

const (
	SignatureVerified SignatureStatus = "VERIFIED"
	SignatureNotFound SignatureStatus = "NOT_FOUND"
	SignatureInvalid  SignatureStatus = "INVALID"
)

// Signature found on a commit or a tag object
type Signature struct {
	KeyID     string
	Algorithm string
	Status    SignatureStatus
	// Subject is the owner of the key (user id) if known
	Subject   string
	SubkeyIDs []string
}

// BranchUpdate is a proposed change of a branch. OldRevision is empty for new
// branches.
type BranchUpdate struct {
	Name        string
	NewRevision string
	OldRevision string
	// Forced is true if OldRevision is not an ancestor of NewRevision
	Forced     bool
	Signatures []Signature
}

// TagUpdate is a proposed creation or move of a tag
type TagUpdate struct {
	Name        string
	NewRevision string
	OldRevision string
	Forced      bool
	Signatures  []Signature
}

// Decision is the verdict on a single ref update. Issue is set when the
// rejection must be reported as a failed update, a plain pattern mismatch
// is not an issue.
type Decision struct {
	Accepted bool
	Reason   string
	Issue    bool
}

// UpdateFilter decides per ref update whether it may be applied to the
// local repository.
type UpdateFilter interface {
	AcceptBranch(BranchUpdate) bool
	AcceptTag(TagUpdate) bool

	DecideBranch(BranchUpdate) Decision
	DecideTag(TagUpdate) Decision

	// MatchesName reports whether the short ref name is covered by the
	// configured patterns
	MatchesName(name string) bool
	// RequiresSignatures reports whether decisions depend on signatures
	RequiresSignatures() bool
}
