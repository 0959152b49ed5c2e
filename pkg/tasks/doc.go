// Package tasks implements the recovery task scheduler and the
// per-family task runners.
//
// The scheduler deduplicates and persists tasks; the runner set polls
// each family on an interval and advances pending tasks one re-entrant
// step at a time. Tasks are never deleted and all progress state lives
// in the task record, so the whole subsystem survives a service
// restart with no in-memory state to rebuild.
package tasks
