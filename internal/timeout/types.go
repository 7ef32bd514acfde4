// Package timeout recovers abandoned dialogs: once a user enters a tracked
// dialog state a reminder is armed; if the reminder goes unanswered a cleanup
// clears the stale state and fires the user's poll immediately.
package timeout

import (
	"context"
	"time"

	"checkinbot/internal/jobs"
)

// State is the per-user escalation state.
type State int

const (
	None State = iota
	ReminderPending
	CleanupPending
)

func (s State) String() string {
	switch s {
	case ReminderPending:
		return "reminder_pending"
	case CleanupPending:
		return "cleanup_pending"
	default:
		return "none"
	}
}

// DefaultCleanupDelay is the wait between the reminder and the cleanup.
const DefaultCleanupDelay = 3 * time.Minute

// Dialogs is the dialog-state collaborator; "" means idle.
type Dialogs interface {
	Get(ctx context.Context, userKey string) (string, error)
	Clear(ctx context.Context, userKey string) error
}

// ReminderFunc sends the "still there?" prompt for the dialog the user is stuck in.
type ReminderFunc func(ctx context.Context, userKey, dialogState string) error

// FireNowFunc triggers the user's poll immediately after a cleanup.
type FireNowFunc func(ctx context.Context, userKey string) error

// Scheduler is the subset of *jobs.Scheduler the supervisor needs.
type Scheduler interface {
	Schedule(key string, fireAt time.Time, job jobs.Job) (string, error)
	Cancel(key string) bool
}

// Config controls the supervisor.
type Config struct {
	// CleanupDelay is used when Arm is called without an explicit cleanup delay.
	CleanupDelay time.Duration
}

func ReminderJobKey(userKey string) string { return "reminder:" + userKey }
func CleanupJobKey(userKey string) string  { return "cleanup:" + userKey }
