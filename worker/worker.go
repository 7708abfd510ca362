// Package worker runs sync attempts and records their outcome.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/utilitywarehouse/mirror-sync/filter"
	"github.com/utilitywarehouse/mirror-sync/giturl"
	"github.com/utilitywarehouse/mirror-sync/internal/lock"
	"github.com/utilitywarehouse/mirror-sync/mirror"
)

// StatusStore is the part of store.StatusStore used by the worker
type StatusStore interface {
	Previous(ctx context.Context, repositoryID string) (mirror.Result, error)
	Set(ctx context.Context, repositoryID string, status mirror.Status) error
	Delete(ctx context.Context, repositoryID string) error
}

// LogStore is the part of store.LogStore used by the worker
type LogStore interface {
	Append(ctx context.Context, repositoryID string, entry mirror.LogEntry) error
	Delete(ctx context.Context, repositoryID string) error
}

// FilterFactory builds the filter of a configuration snapshot
type FilterFactory interface {
	Create(conf mirror.Configuration) (filter.Filter, error)
}

// Config holds the collaborators of a Worker
type Config struct {
	Configurations mirror.ConfigurationProvider
	Filters        FilterFactory
	Syncer         mirror.Syncer
	Statuses       StatusStore
	Logs           LogStore

	// OnStatusChange is called synchronously after the new status is stored
	// and only if the result differs from the previous one
	OnStatusChange func(mirror.StatusChange)
}

// Outcome describes a finished call to Run. Skipped attempts didn't write
// any record.
type Outcome struct {
	Skipped bool
	Status  mirror.Status
	Entry   mirror.LogEntry
	Change  *mirror.StatusChange
}

// Worker executes sync attempts. A Worker is safe for concurrent use, at most
// one attempt per repository runs at a time.
type Worker struct {
	Config

	lock    lock.Mutex
	running map[string]struct{}

	// records serializes writing the outcome of an attempt with Forget
	records lock.KeyedMutex

	now func() time.Time
	log *slog.Logger
}

// New returns a Worker with given collaborators
func New(conf Config, log *slog.Logger) *Worker {
	if log == nil {
		log = slog.Default()
	}
	if conf.Filters == nil {
		conf.Filters = filter.NewFactory()
	}
	return &Worker{
		Config:  conf,
		running: make(map[string]struct{}),
		now:     time.Now,
		log:     log,
	}
}

// Run executes one sync attempt for the repository and records the outcome.
// Errors of the attempt are recorded as FAILED status, they are never
// returned.
func (w *Worker) Run(ctx context.Context, repositoryID string) Outcome {
	log := w.log.With("repo", repositoryID)

	if !w.begin(repositoryID) {
		log.Info("skipping sync, other sync still running")
		recordSkipped(repositoryID)
		return Outcome{Skipped: true}
	}
	defer w.end(repositoryID)

	addInFlight(1)
	defer addInFlight(-1)

	start := w.now()
	result, lines, skip := w.attempt(ctx, repositoryID, log)
	if skip {
		return Outcome{Skipped: true}
	}
	ended := w.now()

	unlock := w.records.Lock(repositoryID)
	defer unlock()

	// mirror might have been removed while the attempt was running
	if _, err := w.Configurations.Configuration(ctx, repositoryID); errors.Is(err, mirror.ErrNotConfigured) {
		log.Info("mirror is not configured anymore, dropping sync result")
		return Outcome{Skipped: true}
	}

	previous, err := w.Statuses.Previous(ctx, repositoryID)
	if err != nil {
		log.Error("unable to read previous mirror status", "err", err)
		previous = mirror.ResultNotYetRun
	}

	out := Outcome{
		Status: mirror.Status{Result: result, Started: start, Ended: &ended},
		Entry: mirror.LogEntry{
			Result:   result,
			Success:  result == mirror.ResultSuccess,
			Started:  start,
			Finished: ended,
			Duration: ended.Sub(start),
			Lines:    lines,
		},
	}

	if err := w.Statuses.Set(ctx, repositoryID, out.Status); err != nil {
		log.Error("unable to store mirror status", "err", err)
	}
	if err := w.Logs.Append(ctx, repositoryID, out.Entry); err != nil {
		log.Error("unable to store mirror log", "err", err)
	}

	recordSync(repositoryID, result, out.Entry.Duration)
	log.Info("sync attempt finished", "result", result, "time", out.Entry.Duration)

	if previous != result {
		out.Change = &mirror.StatusChange{
			RepositoryID: repositoryID,
			Previous:     previous,
			New:          result,
			At:           ended,
		}
		recordStatusChange(*out.Change)
		if w.OnStatusChange != nil {
			w.OnStatusChange(*out.Change)
		}
	}

	return out
}

// attempt returns the result and log lines of a sync attempt. skip is set if
// the repository is not configured anymore.
func (w *Worker) attempt(ctx context.Context, repositoryID string, log *slog.Logger) (result mirror.Result, lines []string, skip bool) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("sync attempt panicked", "panic", r, "stack", string(debug.Stack()))
			result = mirror.ResultFailed
			lines = append(lines, fmt.Sprintf("sync failed: %v", r))
			skip = false
		}
	}()

	conf, err := w.Configurations.Configuration(ctx, repositoryID)
	if errors.Is(err, mirror.ErrNotConfigured) {
		log.Info("mirror is not configured anymore, skipping sync")
		return "", nil, true
	}
	if err != nil {
		return failed(log, fmt.Sprintf("unable to read mirror configuration: %s", err))
	}

	f, err := w.Filters.Create(conf)
	if err != nil {
		return failed(log, fmt.Sprintf("invalid mirror configuration: %s", err))
	}

	if conf.HTTPSOnly && !giturl.IsSecure(conf.URL) {
		return failed(log, fmt.Sprintf("%s: %s", mirror.ErrInsecureConnection, giturl.Redact(conf.URL)))
	}

	log.Debug("starting sync attempt", "url", giturl.Redact(conf.URL))

	res, err := w.Syncer.Sync(ctx, mirror.SyncRequest{
		RepositoryID:    repositoryID,
		URL:             conf.URL,
		Credentials:     conf.Credentials,
		Proxy:           conf.Proxy,
		Filter:          f,
		Verification:    conf.Verification,
		TrustedKeys:     conf.TrustedKeys,
		FastForwardOnly: conf.FastForwardOnly,
		IgnoreLFS:       conf.IgnoreLFS,
	})
	lines = res.Log
	if err != nil {
		log.Error("sync failed", "err", err)
		return mirror.ResultFailed, append(lines, fmt.Sprintf("sync failed: %s", err)), false
	}

	return resultOf(res), lines, false
}

func failed(log *slog.Logger, line string) (mirror.Result, []string, bool) {
	log.Error("sync failed", "reason", line)
	return mirror.ResultFailed, []string{line}, false
}

func resultOf(res mirror.SyncResult) mirror.Result {
	switch {
	case res.Success:
		return mirror.ResultSuccess
	case res.RejectedUpdates > 0:
		return mirror.ResultFailedUpdates
	default:
		return mirror.ResultFailed
	}
}

// Forget deletes the status and log of a repository which is not configured
// anymore. Results of attempts finishing afterwards are dropped as long as
// the repository stays unconfigured.
func (w *Worker) Forget(ctx context.Context, repositoryID string) error {
	unlock := w.records.Lock(repositoryID)
	defer unlock()

	var errs []error
	if err := w.Statuses.Delete(ctx, repositoryID); err != nil {
		errs = append(errs, fmt.Errorf("unable to remove mirror status err:%w", err))
	}
	if err := w.Logs.Delete(ctx, repositoryID); err != nil {
		errs = append(errs, fmt.Errorf("unable to remove mirror log err:%w", err))
	}
	return errors.Join(errs...)
}

func (w *Worker) begin(repositoryID string) bool {
	w.lock.Lock()
	defer w.lock.Unlock()

	if _, ok := w.running[repositoryID]; ok {
		return false
	}
	w.running[repositoryID] = struct{}{}
	return true
}

func (w *Worker) end(repositoryID string) {
	w.lock.Lock()
	defer w.lock.Unlock()

	delete(w.running, repositoryID)
}

// Running returns whether an attempt for the repository is in progress
func (w *Worker) Running(repositoryID string) bool {
	w.lock.Lock()
	defer w.lock.Unlock()

	_, ok := w.running[repositoryID]
	return ok
}
