package cluster

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/simplyblock-io/sbctl/pkg/events"
	"github.com/simplyblock-io/sbctl/pkg/log"
	"github.com/simplyblock-io/sbctl/pkg/storage"
	"github.com/simplyblock-io/sbctl/pkg/types"
)

// Ops applies computed and operator-driven cluster status changes.
// Task runners never mutate cluster status directly; everything goes
// through here.
type Ops struct {
	store  storage.Store
	events *events.Logger
	window time.Duration
	logger zerolog.Logger

	now func() time.Time
}

// NewOps creates the cluster status applier. window is the node
// stabilization window consulted by the reactivation gate.
func NewOps(store storage.Store, ev *events.Logger, window time.Duration) *Ops {
	return &Ops{
		store:  store,
		events: ev,
		window: window,
		logger: log.WithComponent("cluster"),
		now:    time.Now,
	}
}

// SetStatus records a cluster status, suppressing no-op writes.
func (o *Ops) SetStatus(ctx context.Context, clusterID string, status types.ClusterStatus, causedBy string) error {
	cluster, err := o.store.GetCluster(clusterID)
	if err != nil {
		return err
	}
	if cluster.Status == status {
		return nil
	}
	oldStatus := cluster.Status
	cluster.Status = status
	cluster.UpdatedAt = o.now()
	if err := o.store.PutCluster(cluster); err != nil {
		return fmt.Errorf("failed to persist cluster status: %w", err)
	}
	o.logger.Info().
		Str("cluster_id", clusterID).
		Str("old_status", string(oldStatus)).
		Str("new_status", string(status)).
		Msg("cluster status changed")
	o.events.Emit(clusterID, events.DomainCluster, events.KindStatusChange, clusterID, causedBy,
		fmt.Sprintf("cluster status changed from %s to %s", oldStatus, status))
	return nil
}

// Suspend is the explicit operator suspend.
func (o *Ops) Suspend(ctx context.Context, clusterID string) error {
	return o.SetStatus(ctx, clusterID, types.ClusterStatusSuspended, "operator")
}

// Resume is the explicit operator resume.
func (o *Ops) Resume(ctx context.Context, clusterID string) error {
	return o.SetStatus(ctx, clusterID, types.ClusterStatusActive, "operator")
}

// SetReadOnly is the explicit operator read-only switch. Leaving
// read-only is likewise an operator decision; the monitor never exits
// it automatically.
func (o *Ops) SetReadOnly(ctx context.Context, clusterID string) error {
	return o.SetStatus(ctx, clusterID, types.ClusterStatusReadOnly, "operator")
}

// Update recomputes the cluster's availability verdict and applies it
// under the transition policy:
//
//   - Degraded -> Active applies immediately.
//   - ReadOnly -> Active/Degraded is ignored (operator decision).
//   - Suspended -> Active/Degraded only auto-reactivates when every
//     node is Online or Removed, no node-restart task is in flight,
//     and every online node has been online past the stabilization
//     window.
//   - Anything else applies the computed status directly.
//
// It also refreshes is_re_balancing from the pending-task count.
func (o *Ops) Update(ctx context.Context, clusterID string) error {
	cluster, err := o.store.GetCluster(clusterID)
	if err != nil {
		return err
	}
	if cluster.Status == types.ClusterStatusUnready || cluster.Status == types.ClusterStatusInActivation {
		return nil
	}

	nodes, err := o.store.ListStorageNodesByCluster(clusterID)
	if err != nil {
		return err
	}
	tasks, err := o.store.ListTasksByCluster(clusterID)
	if err != nil {
		return err
	}

	next, tally := NextStatus(cluster, nodes, func(n *types.StorageNode) bool {
		return isNewMigratedNode(tasks, n)
	})
	o.logger.Debug().
		Str("cluster_id", clusterID).
		Int("online_nodes", tally.OnlineNodes).
		Int("affected_nodes", tally.AffectedNodes).
		Int("online_devices", tally.OnlineDevices).
		Int("offline_devices", tally.OfflineDevices).
		Str("next_status", string(next)).
		Msg("cluster status computed")

	pending := 0
	for _, task := range tasks {
		if task.Status != types.TaskStatusDone {
			pending++
		}
	}
	if rebalancing := pending > 0; rebalancing != cluster.IsReBalancing {
		cluster.IsReBalancing = rebalancing
		cluster.UpdatedAt = o.now()
		if err := o.store.PutCluster(cluster); err != nil {
			return fmt.Errorf("failed to persist re-balancing flag: %w", err)
		}
	}

	current := cluster.Status
	switch {
	case current == types.ClusterStatusDegraded && next == types.ClusterStatusActive:
		return o.SetStatus(ctx, clusterID, types.ClusterStatusActive, "monitor")

	case current == types.ClusterStatusReadOnly &&
		(next == types.ClusterStatusActive || next == types.ClusterStatusDegraded):
		return nil

	case current == types.ClusterStatusSuspended &&
		(next == types.ClusterStatusActive || next == types.ClusterStatusDegraded):
		if !o.canReactivate(nodes, tasks) {
			return nil
		}
		return o.SetStatus(ctx, clusterID, next, "monitor")

	default:
		return o.SetStatus(ctx, clusterID, next, "monitor")
	}
}

// canReactivate gates automatic recovery out of Suspended.
func (o *Ops) canReactivate(nodes []*types.StorageNode, tasks []*types.JobTask) bool {
	for _, n := range nodes {
		if n.Status != types.NodeStatusOnline && n.Status != types.NodeStatusRemoved {
			o.logger.Warn().Str("node_id", n.ID).Str("status", string(n.Status)).
				Msg("cannot reactivate cluster: node is not online")
			return false
		}
		if n.Status == types.NodeStatusOnline && o.now().Sub(n.OnlineSince) < o.window {
			o.logger.Warn().Str("node_id", n.ID).
				Msg("cannot reactivate cluster: node online for less than the stabilization window")
			return false
		}
		for _, task := range tasks {
			if task.Function == types.TaskNodeRestart && task.NodeID == n.ID &&
				task.Status == types.TaskStatusRunning && !task.Canceled {
				o.logger.Warn().Str("node_id", n.ID).Str("task_id", task.ID).
					Msg("cannot reactivate cluster: node restart in flight")
				return false
			}
		}
	}
	return true
}

// isNewMigratedNode reports whether a node is still being populated
// by a new-device migration: it has an online device with a pending
// migration task for one of the node's redundancy groups.
func isNewMigratedNode(tasks []*types.JobTask, n *types.StorageNode) bool {
	for _, dev := range n.Devices {
		if dev.Status != types.DeviceStatusOnline {
			continue
		}
		for _, group := range n.RedundancyGroups {
			for _, task := range tasks {
				if task.Function != types.TaskNewDeviceMigration || task.NodeID != n.ID {
					continue
				}
				if task.Canceled || task.Status == types.TaskStatusDone {
					continue
				}
				if task.DeviceID == dev.ID && types.GroupNameOf(task) == group.Name {
					return true
				}
			}
		}
	}
	return false
}
