/*
Package cluster computes and applies the cluster-wide availability
verdict.

NextStatus is the pure erasure-coding arithmetic: given the node and
device statuses plus the cluster's data/parity shard counts, it
decides between Active, Degraded and Suspended. Ops wraps it with the
transition policy (automatic degraded recovery, gated suspended
reactivation, operator-only read-only exits) and the operator
suspend/resume/read-only verbs.
*/
package cluster
