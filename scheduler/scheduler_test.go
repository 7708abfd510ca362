package scheduler

import (
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/utilitywarehouse/mirror-sync/mirror"
)

var testLog = slog.Default()

type recordingSubmitter struct {
	mu    sync.Mutex
	calls map[string]int
}

func (r *recordingSubmitter) Submit(repositoryID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.calls == nil {
		r.calls = make(map[string]int)
	}
	r.calls[repositoryID]++
}

func (r *recordingSubmitter) count(repositoryID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[repositoryID]
}

func conf(id string, period time.Duration) mirror.Configuration {
	return mirror.Configuration{RepositoryID: id, SyncPeriod: period}
}

func TestFixedRate_Next(t *testing.T) {
	first := time.Date(2024, 1, 1, 0, 0, 5, 0, time.UTC)
	s := fixedRate{first: first, period: 10 * time.Second}

	tests := []struct {
		name string
		in   time.Time
		want time.Time
	}{
		{"before first", first.Add(-4 * time.Second), first},
		{"at first", first, first.Add(10 * time.Second)},
		{"between", first.Add(3 * time.Second), first.Add(10 * time.Second)},
		{"at second", first.Add(10 * time.Second), first.Add(20 * time.Second)},
		{"missed many", first.Add(95 * time.Second), first.Add(100 * time.Second)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := s.Next(tt.in); !got.Equal(tt.want) {
				t.Errorf("Next() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestScheduler_scheduleIsIdempotent(t *testing.T) {
	s := New(&recordingSubmitter{}, testLog)

	if err := s.Schedule(conf("repo", time.Minute)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.Schedule(conf("repo", time.Minute)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got := s.Len(); got != 1 {
		t.Errorf("Len() = %d, want 1", got)
	}
	if got := len(s.cron.Entries()); got != 1 {
		t.Errorf("expected 1 cron entry but got %d", got)
	}

	s.Cancel("repo")
	if s.Active("repo") || s.Len() != 0 || len(s.cron.Entries()) != 0 {
		t.Errorf("expected no active timers after cancel")
	}

	// cancel of missing timer is a no-op
	s.Cancel("repo")
	s.Cancel("unknown")
	if s.Len() != 0 {
		t.Errorf("expected no active timers")
	}
}

func TestScheduler_firstActivation(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s := New(&recordingSubmitter{}, testLog)
	s.now = func() time.Time { return now }

	if err := s.Schedule(conf("later", time.Hour)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.ScheduleNow(conf("soon", time.Hour)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if next, ok := s.Next("later"); !ok || !next.Equal(now.Add(time.Hour)) {
		t.Errorf("Next(later) = %v, %v want %v", next, ok, now.Add(time.Hour))
	}
	if next, ok := s.Next("soon"); !ok || !next.Equal(now.Add(DefaultFirstDelay)) {
		t.Errorf("Next(soon) = %v, %v want %v", next, ok, now.Add(DefaultFirstDelay))
	}
	if _, ok := s.Next("missing"); ok {
		t.Errorf("Next(missing) expected no timer")
	}
}

func TestScheduler_invalid(t *testing.T) {
	s := New(&recordingSubmitter{}, testLog)

	if err := s.Schedule(conf("", time.Minute)); err == nil {
		t.Errorf("Schedule() expected error for empty id")
	}
	if err := s.Schedule(conf("repo", 0)); err == nil {
		t.Errorf("Schedule() expected error for zero period")
	}
	if s.Len() != 0 {
		t.Errorf("expected no active timers")
	}
}

func TestScheduler_fires(t *testing.T) {
	sub := &recordingSubmitter{}
	s := New(sub, testLog)
	s.firstDelay = 10 * time.Millisecond

	s.Start()
	defer s.Stop()

	if err := s.ScheduleNow(conf("repo", 100*time.Millisecond)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for sub.count("repo") < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("expected at least 2 submissions but got %d", sub.count("repo"))
		}
		time.Sleep(10 * time.Millisecond)
	}

	s.Cancel("repo")
	// let any activation already in flight finish
	time.Sleep(50 * time.Millisecond)
	after := sub.count("repo")

	time.Sleep(300 * time.Millisecond)
	if got := sub.count("repo"); got != after {
		t.Errorf("timer fired after cancel, count went from %d to %d", after, got)
	}
}
