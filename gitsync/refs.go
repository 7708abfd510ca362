package gitsync

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/utilitywarehouse/mirror-sync/internal/utils"
	"github.com/utilitywarehouse/mirror-sync/mirror"
)

const (
	// fetched refs are written here first so that nothing reaches
	// refs/heads or refs/tags without passing the filter
	stagingHeads = "refs/mirror-staging/heads/"
	stagingTags  = "refs/mirror-staging/tags/"

	localHeads = "refs/heads/"
	localTags  = "refs/tags/"
)

// listRefs returns short name to object name map of all refs under prefix
func (r *run) listRefs(ctx context.Context, prefix string) (map[string]string, error) {
	// git for-each-ref --format=%(refname) %(objectname) <prefix>
	out, err := r.git(ctx, nil, "for-each-ref", "--format=%(refname) %(objectname)", prefix)
	if err != nil {
		return nil, fmt.Errorf("unable to list refs err:%w", err)
	}
	return parseRefList(out, prefix), nil
}

func parseRefList(out, prefix string) map[string]string {
	refs := make(map[string]string)
	for _, line := range strings.Split(out, "\n") {
		ref, obj, ok := strings.Cut(strings.TrimSpace(line), " ")
		if !ok {
			continue
		}
		name, ok := strings.CutPrefix(ref, prefix)
		if !ok || name == "" {
			continue
		}
		refs[name] = obj
	}
	return refs
}

// isAncestor reports whether old is an ancestor of new. Any failure other
// than a clean "no" is treated as a non fast forward.
func (r *run) isAncestor(ctx context.Context, old, new string) bool {
	// git merge-base --is-ancestor <old> <new>
	_, _, err := r.gitWithOutput(ctx, nil, "merge-base", "--is-ancestor", old, new)
	if err != nil && utils.ExitCode(err) != 1 {
		r.log.Warn("unable to check ancestry", "old", old, "new", new, "err", err)
	}
	return err == nil
}

// applyUpdates compares staged remote refs with local refs and applies every
// change accepted by the filter.
func (r *run) applyUpdates(ctx context.Context) error {
	if err := r.applyBranches(ctx); err != nil {
		return err
	}
	return r.applyTags(ctx)
}

func (r *run) applyBranches(ctx context.Context) error {
	remote, err := r.listRefs(ctx, stagingHeads)
	if err != nil {
		return err
	}
	local, err := r.listRefs(ctx, localHeads)
	if err != nil {
		return err
	}

	for _, name := range sortedKeys(remote) {
		u := mirror.BranchUpdate{
			Name:        name,
			NewRevision: remote[name],
			OldRevision: local[name],
		}
		if u.NewRevision == u.OldRevision {
			continue
		}
		if u.OldRevision != "" {
			u.Forced = !r.isAncestor(ctx, u.OldRevision, u.NewRevision)
		}
		// pattern gate first, then fast forward, then signatures
		if r.req.FastForwardOnly && u.Forced && r.req.Filter.MatchesName(name) {
			r.reject("branch", name, mirror.Decision{Reason: "skipped: no fast forward", Issue: true})
			continue
		}
		if r.req.Filter.RequiresSignatures() {
			u.Signatures = r.commitSignatures(ctx, u.NewRevision)
		}

		d := r.req.Filter.DecideBranch(u)
		if !d.Accepted {
			r.reject("branch", name, d)
			continue
		}

		if err := r.updateRef(ctx, localHeads+name, u.NewRevision, u.OldRevision); err != nil {
			return err
		}
		r.logUpdate("branch", name, u.OldRevision, u.NewRevision, u.Forced)
	}

	for _, name := range sortedKeys(local) {
		if _, ok := remote[name]; ok || !r.req.Filter.MatchesName(name) {
			continue
		}
		if err := r.deleteRef(ctx, localHeads+name, local[name]); err != nil {
			return err
		}
		r.logf("branch %s: deleted", name)
		r.updated++
	}

	return nil
}

func (r *run) applyTags(ctx context.Context) error {
	remote, err := r.listRefs(ctx, stagingTags)
	if err != nil {
		return err
	}
	local, err := r.listRefs(ctx, localTags)
	if err != nil {
		return err
	}

	for _, name := range sortedKeys(remote) {
		u := mirror.TagUpdate{
			Name:        name,
			NewRevision: remote[name],
			OldRevision: local[name],
		}
		if u.NewRevision == u.OldRevision {
			continue
		}
		// tags are never expected to move
		u.Forced = u.OldRevision != ""
		if r.req.Filter.RequiresSignatures() {
			u.Signatures = r.tagSignatures(ctx, u.NewRevision)
		}

		d := r.req.Filter.DecideTag(u)
		if !d.Accepted {
			r.reject("tag", name, d)
			continue
		}

		if err := r.updateRef(ctx, localTags+name, u.NewRevision, u.OldRevision); err != nil {
			return err
		}
		r.logUpdate("tag", name, u.OldRevision, u.NewRevision, u.Forced)
	}

	for _, name := range sortedKeys(local) {
		if _, ok := remote[name]; ok || !r.req.Filter.MatchesName(name) {
			continue
		}
		if err := r.deleteRef(ctx, localTags+name, local[name]); err != nil {
			return err
		}
		r.logf("tag %s: deleted", name)
		r.updated++
	}

	return nil
}

func (r *run) reject(kind, name string, d mirror.Decision) {
	r.logf("%s %s: %s", kind, name, d.Reason)
	if d.Issue {
		r.rejected++
	}
}

func (r *run) logUpdate(kind, name, old, new string, forced bool) {
	switch {
	case old == "":
		r.logf("%s %s: created at %s", kind, name, short(new))
	case forced:
		r.logf("%s %s: forced update %s...%s", kind, name, short(old), short(new))
	default:
		r.logf("%s %s: updated %s..%s", kind, name, short(old), short(new))
	}
	r.updated++
}

// updateRef moves ref to new only if it still points at old. an empty old
// value means ref must not exist yet.
func (r *run) updateRef(ctx context.Context, ref, new, old string) error {
	// git update-ref <ref> <new> <old>
	if _, err := r.git(ctx, nil, "update-ref", ref, new, old); err != nil {
		return fmt.Errorf("unable to update %s err:%w", ref, err)
	}
	return nil
}

func (r *run) deleteRef(ctx context.Context, ref, old string) error {
	// git update-ref -d <ref> <old>
	if _, err := r.git(ctx, nil, "update-ref", "-d", ref, old); err != nil {
		return fmt.Errorf("unable to delete %s err:%w", ref, err)
	}
	return nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

func short(rev string) string {
	if len(rev) > 7 {
		return rev[:7]
	}
	return rev
}
