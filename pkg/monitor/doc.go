// Package monitor implements the health monitor loop: ordered
// reachability probes per node, outcome classification into node and
// device transitions, recovery task creation, and the cluster status
// update that closes each pass.
package monitor
