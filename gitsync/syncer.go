// Package gitsync mirrors remote repositories into local bare repositories
// using the git cli. Ref updates are staged in a hidden namespace first and
// only copied to refs/heads and refs/tags once accepted by the mirror filter.
package gitsync

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/utilitywarehouse/mirror-sync/giturl"
	"github.com/utilitywarehouse/mirror-sync/internal/ghapp"
	"github.com/utilitywarehouse/mirror-sync/internal/utils"
	"github.com/utilitywarehouse/mirror-sync/mirror"
)

const (
	gcAuto       = "auto"
	gcAlways     = "always"
	gcAggressive = "aggressive"
	gcOff        = "off"
)

var gitExecutablePath string

func init() {
	gitExecutablePath = exec.Command("git").String()
}

// Syncer implements mirror.Syncer. It is safe for concurrent use as long as
// attempts for the same repository don't overlap.
type Syncer struct {
	conf     Config
	envs     []string // envs which will be passed to all commands
	ghTokens *ghapp.Tokens
	log      *slog.Logger
}

var _ mirror.Syncer = (*Syncer)(nil)

// New returns a Syncer. envs are passed to every git command, the process
// environment is not.
func New(conf Config, envs []string, log *slog.Logger) (*Syncer, error) {
	if err := conf.ValidateAndApplyDefaults(); err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}

	if err := os.MkdirAll(conf.Root, defaultDirMode); err != nil {
		return nil, fmt.Errorf("unable to create root dir err:%w", err)
	}

	s := &Syncer{
		conf: conf,
		envs: envs,
		log:  log,
	}
	if conf.Auth.GithubAppID != "" {
		s.ghTokens = &ghapp.Tokens{App: conf.Auth.githubApp()}
	}
	return s, nil
}

// Dir returns path of the local repository of the given repository id
func (s *Syncer) Dir(repositoryID string) (string, error) {
	name, err := DirName(repositoryID)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.conf.Root, name), nil
}

// Root returns the dir under which repositories are created
func (s *Syncer) Root() string {
	return s.conf.Root
}

// Remove deletes the local repository
func (s *Syncer) Remove(repositoryID string) error {
	dir, err := s.Dir(repositoryID)
	if err != nil {
		return err
	}
	s.log.Info("removing mirror dir", "repo", repositoryID, "path", dir)
	return os.RemoveAll(dir)
}

// Sync fetches the remote and applies all updates accepted by req.Filter.
// Errors are returned for failures which prevented the sync, rejected updates
// are reported in the result.
func (s *Syncer) Sync(ctx context.Context, req mirror.SyncRequest) (mirror.SyncResult, error) {
	start := time.Now()
	log := s.log.With("repo", req.RepositoryID)

	r := &run{
		Syncer: s,
		req:    req,
		log:    log,
	}
	defer r.cleanup()

	err := r.sync(ctx)

	return mirror.SyncResult{
		Success:         err == nil && r.rejected == 0,
		RejectedUpdates: r.rejected,
		Log:             r.lines,
		Duration:        time.Since(start),
	}, err
}

// run holds the state of a single sync attempt
type run struct {
	*Syncer
	req mirror.SyncRequest
	log *slog.Logger

	dir      string
	authEnvs []string
	cfgArgs  []string
	gpgEnvs  []string
	tmpFiles []string

	fresh    bool
	lines    []string
	rejected int
	updated  int
}

func (r *run) logf(format string, args ...any) {
	r.lines = append(r.lines, fmt.Sprintf(format, args...))
}

func (r *run) sync(ctx context.Context) error {
	if r.req.Filter == nil {
		return fmt.Errorf("update filter is required")
	}

	dir, err := r.Dir(r.req.RepositoryID)
	if err != nil {
		return err
	}
	r.dir = dir

	r.logf("mirroring %s", giturl.Redact(r.req.URL))

	if err := r.init(ctx); err != nil {
		return err
	}

	if err := r.setupAuth(ctx); err != nil {
		return fmt.Errorf("unable to setup credentials err:%w", err)
	}

	fetchStart := time.Now()
	if err := r.fetch(ctx); err != nil {
		return err
	}
	r.log.Debug("fetched remote", "time", time.Since(fetchStart))

	if r.fresh {
		r.setHead(ctx)
	}

	if r.req.Filter.RequiresSignatures() {
		if err := r.setupGPG(ctx); err != nil {
			return fmt.Errorf("unable to setup signature verification err:%w", err)
		}
	}

	if err := r.applyUpdates(ctx); err != nil {
		return err
	}

	if !r.req.IgnoreLFS && r.updated > 0 {
		if err := r.fetchLFS(ctx); err != nil {
			return err
		}
	}

	if r.updated > 0 {
		if err := r.gc(ctx); err != nil {
			r.log.Error("git cleanup failed", "err", err)
		}
	}

	r.logf("%d refs updated, %d updates rejected", r.updated, r.rejected)
	return nil
}

func (r *run) cleanup() {
	for _, f := range r.tmpFiles {
		if err := os.RemoveAll(f); err != nil {
			r.log.Error("unable to remove temporary file", "path", f, "err", err)
		}
	}
}

// git runs git command with given arguments in the repository dir
func (r *run) git(ctx context.Context, envs []string, args ...string) (string, error) {
	allEnvs := append(append([]string{}, r.envs...), envs...)
	return utils.RunCommand(ctx, r.log, allEnvs, r.dir, gitExecutablePath, args...)
}

// gitWithOutput is like git but returns stderr and doesn't wrap errors
func (r *run) gitWithOutput(ctx context.Context, envs []string, args ...string) (string, string, error) {
	allEnvs := append(append([]string{}, r.envs...), envs...)
	return utils.RunCommandWithOutput(ctx, r.log, allEnvs, r.dir, gitExecutablePath, args...)
}

// remoteGit runs git command which contacts the remote
func (r *run) remoteGit(ctx context.Context, args ...string) (string, error) {
	return r.git(ctx, r.authEnvs, append(append([]string{}, r.cfgArgs...), args...)...)
}

func (r *run) fetch(ctx context.Context) error {
	args := []string{"fetch", "origin", "--prune", "--no-tags", "--no-progress", "--no-auto-gc",
		"+refs/heads/*:" + stagingHeads + "*",
		"+refs/tags/*:" + stagingTags + "*",
	}
	// git fetch origin --prune --no-tags --no-progress --no-auto-gc <refspecs>
	if _, err := r.remoteGit(ctx, args...); err != nil {
		r.logf("fetch failed: %s", strings.ReplaceAll(err.Error(), r.req.URL, giturl.Redact(r.req.URL)))
		return fmt.Errorf("unable to fetch remote err:%w", err)
	}
	return nil
}

func (r *run) fetchLFS(ctx context.Context) error {
	if _, err := r.git(ctx, nil, "lfs", "version"); err != nil {
		r.logf("git-lfs is not available, large files are not fetched")
		return nil
	}
	// git lfs fetch --all origin
	if _, err := r.remoteGit(ctx, "lfs", "fetch", "--all", "origin"); err != nil {
		r.logf("unable to fetch large files: %s", err)
		return fmt.Errorf("unable to fetch lfs objects err:%w", err)
	}
	return nil
}

// gc expires old refs and runs git's garbage collection.
func (r *run) gc(ctx context.Context) error {
	var cleanupErrs []error

	// git reflog expire --expire-unreachable=all --all
	if _, err := r.git(ctx, nil, "reflog", "expire", "--expire-unreachable=all", "--all"); err != nil {
		cleanupErrs = append(cleanupErrs, err)
	}

	if r.conf.GitGC != gcOff {
		args := []string{"gc"}
		switch r.conf.GitGC {
		case gcAuto:
			args = append(args, "--auto")
		case gcAggressive:
			args = append(args, "--aggressive")
		}
		if _, err := r.git(ctx, nil, args...); err != nil {
			cleanupErrs = append(cleanupErrs, err)
		}
	}

	if len(cleanupErrs) > 0 {
		return fmt.Errorf("%s", cleanupErrs)
	}
	return nil
}
