package gitsync

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"regexp"

	"github.com/utilitywarehouse/mirror-sync/giturl"
	"github.com/utilitywarehouse/mirror-sync/internal/utils"
)

const defaultDirMode fs.FileMode = os.FileMode(0755) // 'rwxr-xr-x'

var remoteDefaultBranchRgx = regexp.MustCompile(`^ref:\s+([^\s]+)\s+HEAD`)

// init examines the local repository and determines if it is usable or not.
// If not, it will (re)initialize it. An existing repository whose remote
// url has changed is re-pointed at the new remote.
func (r *run) init(ctx context.Context) error {
	_, err := os.Stat(r.dir)
	switch {
	case os.IsNotExist(err):
		// initial mirror
		r.log.Info("repo directory does not exist, creating it", "path", r.dir)
		if err := os.MkdirAll(r.dir, defaultDirMode); err != nil {
			return fmt.Errorf("unable to create repo dir err:%w", err)
		}
	case err != nil:
		return fmt.Errorf("unable to verify repo dir err:%w", err)
	default:
		// Make sure the directory we found is actually usable.
		if r.sanityCheckRepo(ctx) {
			r.log.Log(ctx, -8, "existing repo directory is valid", "path", r.dir)
			return r.ensureRemote(ctx)
		}
		r.log.Error("repo directory was empty or failed checks, re-creating...", "path", r.dir)
		// Maybe a previous run crashed? Git won't use this dir.
		if err := utils.ReCreate(r.dir); err != nil {
			return fmt.Errorf("unable to re-create repo dir err:%w", err)
		}
	}

	r.log.Info("initializing repo directory", "path", r.dir)
	r.logf("initializing local repository")
	// git init -q --bare
	if _, err := r.git(ctx, nil, "init", "-q", "--bare"); err != nil {
		return fmt.Errorf("unable to init repo err:%w", err)
	}

	// git remote add origin <remote>
	if _, err := r.git(ctx, nil, "remote", "add", "origin", r.req.URL); err != nil {
		return fmt.Errorf("unable to set remote err:%w", err)
	}

	if !r.sanityCheckRepo(ctx) {
		return fmt.Errorf("can't initialize git repo directory")
	}
	r.fresh = true

	return nil
}

// ensureRemote updates origin's url if it doesn't match requested url
func (r *run) ensureRemote(ctx context.Context) error {
	// git config --get remote.origin.url
	current, err := r.git(ctx, nil, "config", "--get", "remote.origin.url")
	if err != nil {
		return fmt.Errorf("unable to read remote url err:%w", err)
	}
	if current == r.req.URL {
		return nil
	}

	r.log.Info("remote url changed, updating origin", "from", giturl.Redact(current), "to", giturl.Redact(r.req.URL))
	r.logf("remote url changed from %s", giturl.Redact(current))
	// git remote set-url origin <remote>
	if _, err := r.git(ctx, nil, "remote", "set-url", "origin", r.req.URL); err != nil {
		return fmt.Errorf("unable to update remote url err:%w", err)
	}
	// remote's default branch might be different now
	r.fresh = true
	return nil
}

// setHead sets local HEAD to the default branch of the remote. HEAD is only
// informational for a mirror so failures are logged and ignored.
func (r *run) setHead(ctx context.Context) {
	headBranch, err := r.getRemoteDefaultBranch(ctx)
	if err != nil {
		r.log.Warn("unable to get remote default branch", "err", err)
		return
	}

	// git symbolic-ref HEAD <headBranch>(refs/heads/master)
	if _, err := r.git(ctx, nil, "symbolic-ref", "HEAD", headBranch); err != nil {
		r.log.Warn("unable to set local HEAD", "err", err)
	}
}

// getRemoteDefaultBranch will run ls-remote to get HEAD of the remote
// and parse output to get default branch name
func (r *run) getRemoteDefaultBranch(ctx context.Context) (string, error) {
	// git ls-remote --symref origin HEAD
	out, err := r.remoteGit(ctx, "ls-remote", "--symref", "origin", "HEAD")
	if err != nil {
		return "", fmt.Errorf("unable to get default branch err:%w", err)
	}

	sections := remoteDefaultBranchRgx.FindStringSubmatch(out)

	if len(sections) == 2 {
		r.log.Debug("fetched remote symbolic ref", "default-branch", sections[1])
		return sections[1], nil
	}

	return "", fmt.Errorf("unable to parse ls-remote output:%s sections:%s", out, sections)
}

// sanityCheckRepo tries to make sure that the repo dir is a valid git repository.
func (r *run) sanityCheckRepo(ctx context.Context) bool {
	// If it is empty, we are done.
	if empty, err := utils.DirIsEmpty(r.dir); err != nil {
		r.log.Error("can't list repo directory", "path", r.dir, "err", err)
		return false
	} else if empty {
		r.log.Info("repo directory is empty", "path", r.dir)
		return false
	}

	// make sure repo is bare repository
	// git rev-parse --is-bare-repository
	if ok, err := r.git(ctx, nil, "rev-parse", "--is-bare-repository"); err != nil {
		r.log.Error("unable to verify bare repo", "path", r.dir, "err", err)
		return false
	} else if ok != "true" {
		r.log.Error("repo is not a bare repository", "path", r.dir)
		return false
	}

	// Check that this is actually the root of the repo.
	// git rev-parse --absolute-git-dir
	if root, err := r.git(ctx, nil, "rev-parse", "--absolute-git-dir"); err != nil {
		r.log.Error("can't get repo git dir", "path", r.dir, "err", err)
		return false
	} else if root != r.dir {
		r.log.Error("repo directory is under another repo", "path", r.dir, "parent", root)
		return false
	}

	// git config --get remote.origin.url
	if _, err := r.git(ctx, nil, "config", "--get", "remote.origin.url"); err != nil {
		r.log.Error("can't get repo config remote.origin.url", "path", r.dir, "err", err)
		return false
	}

	// Consistency-check the repo. Don't use --verbose because it can be
	// REALLY verbose.
	// git fsck --no-progress --connectivity-only
	if _, err := r.git(ctx, nil, "fsck", "--no-progress", "--connectivity-only"); err != nil {
		r.log.Error("repo fsck failed", "path", r.dir, "err", err)
		return false
	}

	return true
}
