/*
Package types defines the control plane's domain model: clusters with
their erasure-coding parameters, storage node aggregates with their
NVMe and journal devices, and the recovery task records driven by the
task runners.

Statuses are closed enumerations with explicit allowed-edge transition
tables, so an illegal transition is rejected at the state-machine
boundary instead of slipping through as a string mismatch. Task
parameters have typed per-family views decoded from the persisted
key/value form at the point of use.
*/
package types
