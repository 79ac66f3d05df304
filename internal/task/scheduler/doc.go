// Package scheduler turns cron expressions into task-engine submissions.
//
// It owns the robfig/cron instance and the set of registered schedules; the
// engine owns execution. Each registration returns a Handle whose Cancel is
// synchronous: once it returns, no later trigger reaches the job.
package scheduler
