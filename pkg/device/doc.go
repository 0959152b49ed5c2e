// Package device implements the per-device status state machine.
// Transitions persist the owning node aggregate, emit status-change
// events, and broadcast the new status to consuming nodes keyed by
// the device's cluster-wide ordinal. Devices carrying a sticky
// io_error are never flipped back online by monitors; only Restart
// clears the guard.
package device
