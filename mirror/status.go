package mirror

import "time"

// LogCapacity is the number of log entries kept per repository
const LogCapacity = 20

// Result is the outcome of a sync attempt
type Result string

const (
	ResultNotYetRun     Result = "NOT_YET_RUN"
	ResultSuccess       Result = "SUCCESS"
	ResultFailedUpdates Result = "FAILED_UPDATES"
	ResultFailed        Result = "FAILED"
)

// Status is the current mirror status of a repository. Ended is nil until
// the first attempt finished.
type Status struct {
	Result  Result     `json:"result"`
	Started time.Time  `json:"started"`
	Ended   *time.Time `json:"ended,omitempty"`
}

// InitialStatus returns the status of a mirror which was never synced
func InitialStatus(now time.Time) Status {
	return Status{Result: ResultNotYetRun, Started: now}
}

// LogEntry is the record of a finished sync attempt
type LogEntry struct {
	Result   Result        `json:"result"`
	Success  bool          `json:"success"`
	Started  time.Time     `json:"started"`
	Finished time.Time     `json:"finished"`
	Duration time.Duration `json:"duration"`
	Lines    []string      `json:"lines"`
}

// StatusChange is emitted when a sync attempt produces a result different from
// the previously stored one
type StatusChange struct {
	RepositoryID string    `json:"repository_id"`
	Previous     Result    `json:"previous"`
	New          Result    `json:"new"`
	At           time.Time `json:"at"`
}
