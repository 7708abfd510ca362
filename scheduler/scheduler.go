// Package scheduler keeps one recurring timer per mirrored repository and
// hands repository ids to a Submitter whenever a timer fires.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/utilitywarehouse/mirror-sync/internal/lock"
	"github.com/utilitywarehouse/mirror-sync/mirror"
)

// DefaultFirstDelay is the delay of the first run armed by ScheduleNow
const DefaultFirstDelay = 5 * time.Second

// Submitter receives repository ids of due sync attempts. Submit must not
// block.
type Submitter interface {
	Submit(repositoryID string)
}

// Scheduler is safe for concurrent use
type Scheduler struct {
	lock    lock.Mutex
	cron    *cron.Cron
	entries map[string]cron.EntryID

	submitter  Submitter
	firstDelay time.Duration
	now        func() time.Time
	log        *slog.Logger
}

// New returns a Scheduler. Timers do not fire until Start is called.
func New(submitter Submitter, log *slog.Logger) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{
		cron:       cron.New(cron.WithLogger(cronLogger{log: log})),
		entries:    make(map[string]cron.EntryID),
		submitter:  submitter,
		firstDelay: DefaultFirstDelay,
		now:        time.Now,
		log:        log,
	}
}

// Start starts firing timers
func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info("scheduler started")
}

// Stop stops all timers. Already submitted attempts are not affected.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.log.Info("scheduler stopped")
}

// ScheduleNow replaces the timer of the repository with one which fires
// after a short delay and then every sync period.
func (s *Scheduler) ScheduleNow(conf mirror.Configuration) error {
	return s.schedule(conf, s.firstDelay)
}

// Schedule replaces the timer of the repository with one which fires first
// after one full sync period.
func (s *Scheduler) Schedule(conf mirror.Configuration) error {
	return s.schedule(conf, conf.SyncPeriod)
}

// Cancel removes the timer of the repository. It is a no-op if there is none.
func (s *Scheduler) Cancel(repositoryID string) {
	s.lock.Lock()
	defer s.lock.Unlock()

	s.cancel(repositoryID)
}

// Active returns whether the repository has a timer
func (s *Scheduler) Active(repositoryID string) bool {
	s.lock.Lock()
	defer s.lock.Unlock()

	_, ok := s.entries[repositoryID]
	return ok
}

// Len returns number of active timers
func (s *Scheduler) Len() int {
	s.lock.Lock()
	defer s.lock.Unlock()

	return len(s.entries)
}

// Next returns the next activation of the repository's timer
func (s *Scheduler) Next(repositoryID string) (time.Time, bool) {
	s.lock.Lock()
	defer s.lock.Unlock()

	id, ok := s.entries[repositoryID]
	if !ok {
		return time.Time{}, false
	}
	e := s.cron.Entry(id)
	if !e.Valid() {
		return time.Time{}, false
	}
	if !e.Next.IsZero() {
		return e.Next, true
	}
	// cron is not started yet
	return e.Schedule.Next(s.now()), true
}

func (s *Scheduler) schedule(conf mirror.Configuration, delay time.Duration) error {
	if conf.RepositoryID == "" {
		return fmt.Errorf("repository id is required")
	}
	if conf.SyncPeriod <= 0 {
		return fmt.Errorf("invalid sync period %s for %s", conf.SyncPeriod, conf.RepositoryID)
	}

	repoID := conf.RepositoryID
	sched := fixedRate{first: s.now().Add(delay), period: conf.SyncPeriod}

	s.lock.Lock()
	defer s.lock.Unlock()

	s.cancel(repoID)

	s.entries[repoID] = s.cron.Schedule(sched, cron.FuncJob(func() {
		s.log.Log(context.TODO(), -8, "timer fired", "repo", repoID)
		s.submitter.Submit(repoID)
	}))

	recordScheduled(len(s.entries))
	s.log.Debug("sync scheduled", "repo", repoID, "first", sched.first, "period", conf.SyncPeriod)
	return nil
}

// cancel must be called with lock held
func (s *Scheduler) cancel(repositoryID string) {
	id, ok := s.entries[repositoryID]
	if !ok {
		return
	}
	s.cron.Remove(id)
	delete(s.entries, repositoryID)

	recordScheduled(len(s.entries))
	s.log.Debug("sync schedule cancelled", "repo", repositoryID)
}

// cronLogger adapts slog to cron.Logger
type cronLogger struct {
	log *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Log(context.TODO(), -8, msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error(msg, append(keysAndValues, "err", err)...)
}
