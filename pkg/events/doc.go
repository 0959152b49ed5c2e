// Package events provides the cluster event log: a persisted,
// fire-and-forget record of every status transition and task
// lifecycle change, plus an in-process broker for streaming
// subscribers. Emission never blocks or fails the triggering
// transition.
package events
