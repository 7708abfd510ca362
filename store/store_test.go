package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/utilitywarehouse/mirror-sync/mirror"
)

var testCtx = context.TODO()

type allowAll bool

func (a allowAll) CanReadMirrorLog(context.Context, string) bool   { return bool(a) }
func (a allowAll) CanConfigureMirror(context.Context, string) bool { return bool(a) }

func mustOpenMemory(t *testing.T) *DB {
	t.Helper()
	db, err := OpenMemory()
	if err != nil {
		t.Fatalf("unable to open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestStatusStore(t *testing.T) {
	s := NewStatusStore(mustOpenMemory(t))
	initTime := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

	if _, err := s.Get(testCtx, "repo"); !errors.Is(err, mirror.ErrNotFound) {
		t.Fatalf("Get() expected ErrNotFound but got %v", err)
	}

	if got, err := s.Previous(testCtx, "repo"); err != nil || got != mirror.ResultNotYetRun {
		t.Errorf("Previous() = %v, %v want NOT_YET_RUN", got, err)
	}

	written, err := s.Init(testCtx, "repo", initTime)
	if err != nil || !written {
		t.Fatalf("Init() = %v, %v want true", written, err)
	}

	got, err := s.Get(testCtx, "repo")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if diff := cmp.Diff(mirror.InitialStatus(initTime), got); diff != "" {
		t.Errorf("Get() mismatch (-want +got):\n%s", diff)
	}

	ended := initTime.Add(time.Minute)
	want := mirror.Status{Result: mirror.ResultFailed, Started: initTime.Add(time.Second), Ended: &ended}
	if err := s.Set(testCtx, "repo", want); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Init must not overwrite existing status
	if written, err := s.Init(testCtx, "repo", initTime); err != nil || written {
		t.Errorf("Init() = %v, %v want false", written, err)
	}

	got, err = s.Get(testCtx, "repo")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Get() mismatch (-want +got):\n%s", diff)
	}

	// other repositories are independent
	if _, err := s.Get(testCtx, "other"); !errors.Is(err, mirror.ErrNotFound) {
		t.Errorf("Get() expected ErrNotFound for other repo but got %v", err)
	}

	if err := s.Delete(testCtx, "repo"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := s.Get(testCtx, "repo"); !errors.Is(err, mirror.ErrNotFound) {
		t.Errorf("Get() expected ErrNotFound after delete but got %v", err)
	}
	if err := s.Delete(testCtx, "repo"); err != nil {
		t.Errorf("Delete() of missing status should not fail: %v", err)
	}
}

func logEntry(i int) mirror.LogEntry {
	start := time.Date(2024, 1, 1, 0, 0, i, 0, time.UTC)
	return mirror.LogEntry{
		Result:   mirror.ResultSuccess,
		Success:  true,
		Started:  start,
		Finished: start.Add(time.Second),
		Duration: time.Second,
		Lines:    []string{fmt.Sprintf("entry-%d", i)},
	}
}

func TestLogStore_eviction(t *testing.T) {
	s := NewLogStore(mustOpenMemory(t), allowAll(true))

	for i := 0; i < 25; i++ {
		if err := s.Append(testCtx, "repo", logEntry(i)); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	var want []mirror.LogEntry
	for i := 24; i >= 5; i-- {
		want = append(want, logEntry(i))
	}

	got, err := s.List(testCtx, "repo")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != mirror.LogCapacity {
		t.Errorf("expected %d entries but got %d", mirror.LogCapacity, len(got))
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("List() mismatch (-want +got):\n%s", diff)
	}
}

func TestLogStore_readAfterAppend(t *testing.T) {
	s := NewLogStore(mustOpenMemory(t), allowAll(true))

	got, err := s.List(testCtx, "repo")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected empty log but got %v", got)
	}

	if err := s.Append(testCtx, "repo", logEntry(1)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, err = s.List(testCtx, "repo")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if diff := cmp.Diff([]mirror.LogEntry{logEntry(1)}, got); diff != "" {
		t.Errorf("List() mismatch (-want +got):\n%s", diff)
	}

	if err := s.Delete(testCtx, "repo"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got, _ := s.List(testCtx, "repo"); len(got) != 0 {
		t.Errorf("expected empty log after delete but got %v", got)
	}
}

func TestLogStore_permissionDenied(t *testing.T) {
	s := NewLogStore(mustOpenMemory(t), allowAll(false))

	if err := s.Append(testCtx, "repo", logEntry(1)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := s.List(testCtx, "repo"); !errors.Is(err, mirror.ErrPermissionDenied) {
		t.Errorf("List() expected ErrPermissionDenied but got %v", err)
	}
}

func TestLogStore_concurrentAppends(t *testing.T) {
	s := NewLogStore(mustOpenMemory(t), allowAll(true))

	wg := &sync.WaitGroup{}
	for _, repo := range []string{"repo-a", "repo-b"} {
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := s.Append(testCtx, repo, logEntry(i)); err != nil {
					t.Errorf("unexpected error: %v", err)
				}
			}()
		}
	}
	wg.Wait()

	for _, repo := range []string{"repo-a", "repo-b"} {
		got, err := s.List(testCtx, repo)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(got) != 10 {
			t.Errorf("%s: expected 10 entries but got %d", repo, len(got))
		}
	}
}
