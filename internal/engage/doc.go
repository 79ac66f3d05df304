// Package engage schedules recurring engage messages.
//
// A message's ScheduleDate is compiled into a five-field cron rule
// (CompileRule), registered with a recurring runtime, and tracked in a
// Tracker keyed by message id. On startup Bootstrap rebuilds the registry from
// the live auto messages in the store, since entries are never persisted.
// Manager wraps the store mutations and keeps the registry in step with them.
package engage
