package tasks

import (
	"context"
	"fmt"

	"github.com/simplyblock-io/sbctl/pkg/device"
	"github.com/simplyblock-io/sbctl/pkg/events"
	"github.com/simplyblock-io/sbctl/pkg/log"
	"github.com/simplyblock-io/sbctl/pkg/probe"
	"github.com/simplyblock-io/sbctl/pkg/storage"
	"github.com/simplyblock-io/sbctl/pkg/types"
)

// MigrationRunner drives one of the three data migration families.
// All three share the same engine protocol: start a migration on the
// task's node for one redundancy group, persist the returned handles,
// then poll them until every one completes. They differ only in the
// precondition gate and in what happens on completion.
type MigrationRunner struct {
	baseRunner
	family    types.TaskFunction
	devices   *device.Controller
	engineFor probe.EngineClientFactory
}

// NewMigrationRunner creates a runner for one migration family.
// family must be one of the migration task functions.
func NewMigrationRunner(family types.TaskFunction, store storage.Store, ev *events.Logger, devices *device.Controller, engineFor probe.EngineClientFactory) *MigrationRunner {
	return &MigrationRunner{
		baseRunner: baseRunner{store: store, events: ev, logger: log.WithComponent(string(family))},
		family:     family,
		devices:    devices,
		engineFor:  engineFor,
	}
}

func (r *MigrationRunner) Family() types.TaskFunction { return r.family }

// Step advances a migration by one re-entrant step. Progress lives in
// the task's params, so a restarted service resumes polling the same
// migration handles instead of starting the rebalance over.
func (r *MigrationRunner) Step(ctx context.Context, task *types.JobTask) (bool, error) {
	if task.Canceled {
		return true, r.finish(task, "canceled")
	}

	n, err := r.store.GetStorageNode(task.NodeID)
	if err != nil {
		return true, r.finish(task, fmt.Sprintf("node not found: %v", err))
	}
	if n.Status == types.NodeStatusRemoved {
		return true, r.finish(task, "node is removed")
	}

	if err := r.markRunning(task); err != nil {
		return false, err
	}

	if n.Status != types.NodeStatusOnline {
		return false, r.retryLater(task, "node is not online, retrying")
	}

	params := types.MigrationParamsFrom(task)
	if len(params.Handles) == 0 {
		return r.start(ctx, task, n, params)
	}
	return r.poll(ctx, task, n, params)
}

func (r *MigrationRunner) start(ctx context.Context, task *types.JobTask, n *types.StorageNode, params types.MigrationParams) (bool, error) {
	// After the first couple of attempts the rebalance is assumed to
	// be waiting on a wider outage, so it holds until every device is
	// back online rather than rewriting onto a flapping peer. Failed
	// device migration is exempt: its source is gone for good.
	if r.family != types.TaskFailedDevMigration && task.Retry >= 2 {
		if ok, err := r.clusterDevicesOnline(task.ClusterID, task.DeviceID); err != nil {
			return false, err
		} else if !ok {
			return false, r.retryLater(task, "some devices are offline, retrying")
		}
	}

	dev, err := r.store.GetDevice(task.DeviceID)
	if err != nil {
		return true, r.finish(task, fmt.Sprintf("device not found: %v", err))
	}

	engine := r.engineFor(n)
	handles, err := engine.StartMigration(ctx, params.GroupName, dev.ClusterDeviceOrder)
	if err != nil {
		return false, r.retryLater(task, fmt.Sprintf("failed to start migration: %v", err))
	}
	if len(handles) == 0 {
		// Nothing to move within this group.
		return r.complete(ctx, task)
	}

	params.Handles = handles
	params.Apply(task)
	return false, r.progress(task, fmt.Sprintf("started %d migrations", len(handles)))
}

func (r *MigrationRunner) poll(ctx context.Context, task *types.JobTask, n *types.StorageNode, params types.MigrationParams) (bool, error) {
	engine := r.engineFor(n)

	completed, failed := 0, 0
	progressSum := 0
	for _, handle := range params.Handles {
		state, err := engine.MigrationStatus(ctx, handle)
		if err != nil {
			return false, r.retryLater(task, fmt.Sprintf("failed to read migration status: %v", err))
		}
		switch state.Status {
		case probe.MigrationCompleted:
			completed++
			progressSum += 100
		case probe.MigrationFailed:
			failed++
			progressSum += 100
		default:
			progressSum += state.Progress
		}
	}

	if completed+failed == len(params.Handles) {
		if failed > 0 {
			// Start over with fresh handles rather than leaving part of
			// the group unrebalanced.
			params.Handles = nil
			params.Apply(task)
			return false, r.retryLater(task, "completed with errors, retrying")
		}
		return r.complete(ctx, task)
	}

	pct := progressSum / len(params.Handles)
	return false, r.progress(task, fmt.Sprintf("progress: %d%%, errors: %d", pct, failed))
}

func (r *MigrationRunner) complete(ctx context.Context, task *types.JobTask) (bool, error) {
	if r.family == types.TaskFailedDevMigration {
		dev, err := r.store.GetDevice(task.DeviceID)
		if err == nil && dev.Status == types.DeviceStatusFailed {
			if err := r.devices.SetStatus(ctx, dev.ID, types.DeviceStatusFailedAndMigrated, "task"); err != nil {
				return false, r.retryLater(task, fmt.Sprintf("failed to mark device migrated: %v", err))
			}
		}
	}
	return true, r.finish(task, "done")
}

// clusterDevicesOnline reports whether every data device in the
// cluster other than the migrating one is Online. Removed and already
// migrated devices do not count.
func (r *MigrationRunner) clusterDevicesOnline(clusterID, migratingDeviceID string) (bool, error) {
	nodes, err := r.store.ListStorageNodesByCluster(clusterID)
	if err != nil {
		return false, err
	}
	for _, n := range nodes {
		if n.Status == types.NodeStatusRemoved {
			continue
		}
		for _, dev := range n.Devices {
			if dev.ID == migratingDeviceID {
				continue
			}
			switch dev.Status {
			case types.DeviceStatusRemoved, types.DeviceStatusFailed, types.DeviceStatusFailedAndMigrated, types.DeviceStatusJM:
				continue
			case types.DeviceStatusOnline:
				continue
			default:
				return false, nil
			}
		}
	}
	return true, nil
}
