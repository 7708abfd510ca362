package main

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/utilitywarehouse/mirror-sync/config"
	"github.com/utilitywarehouse/mirror-sync/internal/utils"
)

// mirrorDirs is implemented by gitsync.Syncer
type mirrorDirs interface {
	Root() string
	Dir(repositoryID string) (string, error)
}

// cleanupOrphanedMirrors deletes directory of the mirrors from the root
// which are no longer referenced in config and it was removed while app was down.
// Any removal while app is running is already handled by ensureConfig() hence
// this function should be called once
func cleanupOrphanedMirrors(conf *config.Config, mirrors mirrorDirs) {
	// never delete anything based on a config which might be wrong
	if err := conf.ValidateAndApplyDefaults(); err != nil {
		logger.Error("skipping orphaned mirror cleanup, invalid config", "err", err)
		return
	}

	var mirrorPaths []string
	for _, id := range conf.IDs() {
		dir, err := mirrors.Dir(id)
		if err != nil {
			logger.Error("unable to get mirror dir", "repo", id, "err", err)
			return
		}
		mirrorPaths = append(mirrorPaths, dir)
	}

	entries, err := os.ReadDir(mirrors.Root())
	if err != nil {
		logger.Error("unable to read root dir for clean up", "err", err)
		return
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		fullPath := filepath.Join(mirrors.Root(), entry.Name())

		if slices.Contains(mirrorPaths, fullPath) {
			continue
		}

		// since mirrors are bare repositories
		// non-repo dir or non-bare repo dir must be skipped
		ok, err := isBareRepo(fullPath)
		if err != nil {
			logger.Error("unable to check if bare repo", "path", fullPath, "err", err)
			continue
		}

		if !ok {
			continue
		}

		logger.Info("removing orphaned mirror dir...", "path", fullPath)
		if err := os.RemoveAll(fullPath); err != nil {
			logger.Error("unable to remove orphaned mirror dir", "path", fullPath, "err", err)
			continue
		}
	}
}

func isInsideGitDir(cwd string) bool {
	// err is expected here
	output, _ := runGitCommand(cwd, "rev-parse", "--is-inside-git-dir")
	return output == "true"
}

func isBareRepo(cwd string) (bool, error) {
	// bare repository doesn't have worktrees
	if !isInsideGitDir(cwd) {
		return false, nil
	}

	output, err := runGitCommand(cwd, "rev-parse", "--is-bare-repository")
	if err != nil {
		return false, err
	}

	return strconv.ParseBool(output)
}

// runGitCommand runs git command with given arguments on given CWD
func runGitCommand(cwd string, args ...string) (string, error) {
	output, err := utils.RunCommand(context.TODO(), logger, nil, cwd, "git", args...)
	return strings.TrimSpace(output), err
}
