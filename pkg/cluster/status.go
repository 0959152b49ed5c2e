package cluster

import (
	"github.com/simplyblock-io/sbctl/pkg/types"
)

// Tally is the classification of one monitor pass, kept around for
// logging and metrics.
type Tally struct {
	OnlineNodes    int
	OfflineNodes   int
	AffectedNodes  int
	OnlineDevices  int
	OfflineDevices int
	TotalNodes     int
}

// NextStatus maps the current node and device statuses plus the
// cluster's erasure-coding parameters to an availability verdict.
//
// newMigrated reports whether a node is still receiving migrated-in
// data; such a node is excluded from the online tally for this pass
// because it is not yet trusted to hold its shards. Pass nil when the
// exclusion does not apply.
//
// The check ordering is load-bearing: a cluster can have enough total
// online devices yet be unsafe because they sit behind too few
// surviving nodes, so the affected-node check runs before the raw
// device count, and suspend checks run before degrade checks.
func NextStatus(cluster *types.Cluster, nodes []*types.StorageNode, newMigrated func(*types.StorageNode) bool) (types.ClusterStatus, Tally) {
	var t Tally

	if cluster.Status == types.ClusterStatusUnready || cluster.Status == types.ClusterStatusInActivation {
		return cluster.Status, t
	}

	for _, node := range nodes {
		if node.Status == types.NodeStatusInCreation || node.IsSecondary {
			continue
		}
		t.TotalNodes++

		if node.Status == types.NodeStatusOnline {
			if newMigrated != nil && newMigrated(node) {
				t.TotalNodes--
				continue
			}
			t.OnlineNodes++
		} else if node.Status != types.NodeStatusRemoved {
			t.OfflineNodes++
		}

		nodeOnline := 0
		nodeOffline := 0
		for _, dev := range node.Devices {
			switch {
			case dev.IsOnlineForAccounting():
				nodeOnline++
			case dev.Status == types.DeviceStatusFailedAndMigrated:
				// already rebuilt elsewhere, out of the arithmetic
			default:
				nodeOffline++
			}
		}

		if nodeOffline > 0 || (nodeOnline == 0 && node.Status != types.NodeStatusRemoved) {
			t.AffectedNodes++
		}
		t.OnlineDevices += nodeOnline
		t.OfflineDevices += nodeOffline
	}

	n := cluster.NDCS
	k := cluster.NPCS

	// More independently-failing nodes than parity shards tolerate:
	// some stripes cannot be read.
	if t.AffectedNodes > k {
		return types.ClusterStatusSuspended, t
	}
	// Not enough shards left to reconstruct a stripe.
	if t.OnlineDevices < n+k {
		return types.ClusterStatusSuspended, t
	}

	// Node-count thresholds. Strict anti-affinity refuses to operate
	// without the spare capacity to restore placement; non-strict only
	// degrades. The n+2 threshold applies only to k == 2 profiles and
	// is kept exactly as shipped; larger parity counts are rejected at
	// configuration time.
	nodeShortfall := t.OnlineNodes < t.TotalNodes-k ||
		t.OnlineNodes < n+1 ||
		(k == 2 && t.OnlineNodes < n+2)

	if nodeShortfall {
		if cluster.StrictNodeAntiAffinity {
			return types.ClusterStatusSuspended, t
		}
		return types.ClusterStatusDegraded, t
	}

	return types.ClusterStatusActive, t
}
