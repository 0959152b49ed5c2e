package tasks

import (
	"context"
	"fmt"

	"github.com/simplyblock-io/sbctl/pkg/device"
	"github.com/simplyblock-io/sbctl/pkg/events"
	"github.com/simplyblock-io/sbctl/pkg/log"
	"github.com/simplyblock-io/sbctl/pkg/storage"
	"github.com/simplyblock-io/sbctl/pkg/types"
)

// softRestartAttempts is how many times a device is assumed to have
// had a transient blip and is simply flipped back online before a
// real restart of its bdev stack is attempted.
const softRestartAttempts = 3

// DeviceRestartRunner recovers devices that dropped out of service.
type DeviceRestartRunner struct {
	baseRunner
	devices   *device.Controller
	scheduler *Scheduler
}

// NewDeviceRestartRunner creates the device restart runner.
func NewDeviceRestartRunner(store storage.Store, ev *events.Logger, devices *device.Controller, scheduler *Scheduler) *DeviceRestartRunner {
	return &DeviceRestartRunner{
		baseRunner: baseRunner{store: store, events: ev, logger: log.WithComponent("device-restart")},
		devices:    devices,
		scheduler:  scheduler,
	}
}

func (r *DeviceRestartRunner) Family() types.TaskFunction { return types.TaskDeviceRestart }

// Step advances a device restart by one re-entrant step.
func (r *DeviceRestartRunner) Step(ctx context.Context, task *types.JobTask) (bool, error) {
	dev, err := r.store.GetDevice(task.DeviceID)
	if err != nil {
		return true, r.finish(task, fmt.Sprintf("device not found: %v", err))
	}

	if task.RetryBudgetExceeded() {
		// Giving up is terminal and observable: the device is forced
		// unavailable and blocked from further automatic restarts.
		if err := r.devices.SetUnavailable(ctx, dev.ID, "task"); err != nil {
			return false, err
		}
		if err := r.devices.SetRetriesExhausted(ctx, dev.ID, true); err != nil {
			return false, err
		}
		return true, r.finish(task, "max retry reached")
	}

	// A node-level recovery supersedes this device-level one.
	pending, err := r.scheduler.HasPendingNodeRestart(task.ClusterID, task.NodeID)
	if err != nil {
		return false, err
	}
	if pending {
		if err := r.devices.SetUnavailable(ctx, dev.ID, "task"); err != nil {
			return false, err
		}
		return true, r.finish(task, "canceled: node restart found")
	}

	if task.Canceled {
		return true, r.finish(task, "canceled")
	}

	node, err := r.store.GetStorageNode(task.NodeID)
	if err != nil {
		return false, err
	}
	if node.Status != types.NodeStatusOnline {
		return false, r.retryLater(task, "node is offline, retrying")
	}

	if dev.Status == types.DeviceStatusOnline && !dev.IOError {
		return true, r.finish(task, "device is online")
	}
	if dev.Status == types.DeviceStatusRemoved || dev.Status == types.DeviceStatusFailed {
		return true, r.finish(task, fmt.Sprintf("stopped: device is %s", dev.Status))
	}

	if err := r.markRunning(task); err != nil {
		return false, err
	}

	if task.Retry < softRestartAttempts {
		r.logger.Info().Str("device_id", dev.ID).Msg("setting device online")
		if err := r.devices.SetOnline(ctx, dev.ID, "task"); err != nil {
			return false, r.retryLater(task, fmt.Sprintf("failed to set device online: %v", err))
		}
	} else {
		r.logger.Info().Str("device_id", dev.ID).Msg("restarting device stack")
		if err := r.devices.Restart(ctx, dev.ID); err != nil {
			return false, r.retryLater(task, fmt.Sprintf("device restart failed: %v", err))
		}
	}

	dev, err = r.store.GetDevice(task.DeviceID)
	if err != nil {
		return false, err
	}
	if dev.Status == types.DeviceStatusOnline && !dev.IOError {
		return true, r.finish(task, "done")
	}
	return false, r.retryLater(task, "device still not online")
}
