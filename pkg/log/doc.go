// Package log wraps zerolog with a process-wide logger and child
// loggers scoped to components and entities (cluster, node, device,
// task).
package log
