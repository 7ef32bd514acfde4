// Package jobs schedules keyed one-shot jobs at absolute times plus named
// recurring cron jobs.
//
// The scheduler only triggers. When a timer fires it validates the job's
// generation and hands the body to a Dispatcher (normally the runtime loop),
// so job bodies always run on the owning execution context. The generation is
// checked again when the body starts; a Cancel or Schedule that reached the
// dispatcher first turns the queued body into a no-op.
package jobs
