// Package poll decides when each tracked user is prompted: it arms one poll
// job per user from their UserPollConfig and, when the job fires, postpones
// the prompt while the user is busy in a dialog.
package poll

import (
	"context"
	"time"

	"checkinbot/internal/jobs"
	"checkinbot/internal/timewindow"
)

// State is the per-user poll lifecycle state.
type State int

const (
	Idle State = iota
	Armed
	Postponed
)

func (s State) String() string {
	switch s {
	case Armed:
		return "armed"
	case Postponed:
		return "postponed"
	default:
		return "idle"
	}
}

// DefaultPostponeDelay is how long a due poll waits while the user is in a dialog.
const DefaultPostponeDelay = 5 * time.Minute

// SendFunc delivers the check-in prompt to a user.
type SendFunc func(ctx context.Context, userKey string) error

// DialogStates reads the user's current dialog state; "" means idle.
type DialogStates interface {
	Get(ctx context.Context, userKey string) (string, error)
}

// LastPollRecorder is notified after each successful prompt.
type LastPollRecorder interface {
	RecordLastPollTime(ctx context.Context, userKey string, at time.Time) error
}

// Scheduler is the subset of *jobs.Scheduler the coordinator needs.
type Scheduler interface {
	Schedule(key string, fireAt time.Time, job jobs.Job) (string, error)
	Cancel(key string) bool
	Pending(key string) (jobs.JobInfo, bool)
}

// ConfigSource returns the current config for a user at re-arm time.
// ok=false means the user is no longer tracked.
type ConfigSource func(ctx context.Context, userKey string) (cfg timewindow.UserPollConfig, ok bool, err error)

// Config controls the coordinator.
type Config struct {
	PostponeDelay time.Duration
}

// JobKey is the scheduler key of a user's poll job.
func JobKey(userKey string) string { return "poll:" + userKey }
