// Package node implements the per-node status state machine layered
// on top of the device state machine. Losing a node cascades its
// online devices to unavailable; regaining it restores exactly that
// set, with io_error devices exempt in both directions. A node is
// only declared Online after it has been reachable for the
// stabilization window.
package node
