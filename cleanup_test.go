package main

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

type fakeDirs string

func (f fakeDirs) Root() string { return string(f) }

func (f fakeDirs) Dir(id string) (string, error) {
	return filepath.Join(string(f), strings.ReplaceAll(id, "/", "-")), nil
}

func mustGitInit(t *testing.T, dir string, bare bool) {
	t.Helper()

	args := []string{"init", "-q"}
	if bare {
		args = append(args, "--bare")
	}
	cmd := exec.Command("git", append(args, dir)...)
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("unable to init repo err:%v out:%s", err, out)
	}
}

func Test_cleanupOrphanedMirrors(t *testing.T) {
	root := t.TempDir()
	dirs := fakeDirs(root)

	mustGitInit(t, filepath.Join(root, "scm-keep"), true)
	mustGitInit(t, filepath.Join(root, "scm-orphan"), true)
	mustGitInit(t, filepath.Join(root, "worktree"), false)
	if err := os.MkdirAll(filepath.Join(root, "plain"), 0700); err != nil {
		t.Fatal(err)
	}

	conf := testConfig("scm/keep")

	t.Run("invalid config", func(t *testing.T) {
		invalid := testConfig("scm/keep", "scm/keep")
		cleanupOrphanedMirrors(invalid, dirs)

		if _, err := os.Stat(filepath.Join(root, "scm-orphan")); err != nil {
			t.Errorf("nothing should be removed with invalid config: %v", err)
		}
	})

	t.Run("valid config", func(t *testing.T) {
		cleanupOrphanedMirrors(conf, dirs)

		for _, name := range []string{"scm-keep", "worktree", "plain"} {
			if _, err := os.Stat(filepath.Join(root, name)); err != nil {
				t.Errorf("%s should be kept: %v", name, err)
			}
		}
		if _, err := os.Stat(filepath.Join(root, "scm-orphan")); !os.IsNotExist(err) {
			t.Errorf("orphaned mirror should be removed, err: %v", err)
		}
	})
}
