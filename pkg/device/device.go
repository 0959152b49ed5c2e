package device

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/simplyblock-io/sbctl/pkg/events"
	"github.com/simplyblock-io/sbctl/pkg/log"
	"github.com/simplyblock-io/sbctl/pkg/probe"
	"github.com/simplyblock-io/sbctl/pkg/storage"
	"github.com/simplyblock-io/sbctl/pkg/types"
)

// Controller drives per-device status transitions and their side
// effects: persistence through the owning node aggregate, event
// emission, and the device-status broadcast to consuming nodes.
type Controller struct {
	store     storage.Store
	events    *events.Logger
	engineFor probe.EngineClientFactory
	logger    zerolog.Logger
}

// NewController creates a device controller.
func NewController(store storage.Store, ev *events.Logger, engineFor probe.EngineClientFactory) *Controller {
	return &Controller{
		store:     store,
		events:    ev,
		engineFor: engineFor,
		logger:    log.WithComponent("device"),
	}
}

// SetStatus transitions a device to the given status. A no-op write
// (status already in effect) emits nothing and does not touch the
// record.
func (c *Controller) SetStatus(ctx context.Context, deviceID string, status types.DeviceStatus, causedBy string) error {
	dev, err := c.store.GetDevice(deviceID)
	if err != nil {
		return err
	}
	node, err := c.store.GetStorageNode(dev.NodeID)
	if err != nil {
		return err
	}
	dev = node.Device(deviceID)
	if dev == nil {
		return fmt.Errorf("device not found on node %s: %s", node.ID, deviceID)
	}

	if dev.Status == status {
		return nil
	}
	if !dev.Status.CanTransition(status) {
		return fmt.Errorf("illegal device transition %s -> %s for %s", dev.Status, status, deviceID)
	}

	oldStatus := dev.Status
	dev.Status = status
	dev.UpdatedAt = time.Now()
	node.UpdatedAt = dev.UpdatedAt

	if err := c.store.PutStorageNode(node); err != nil {
		return fmt.Errorf("failed to persist device status: %w", err)
	}

	dlog := log.WithDeviceID(deviceID)
	dlog.Info().
		Str("old_status", string(oldStatus)).
		Str("new_status", string(status)).
		Str("caused_by", causedBy).
		Msg("device status changed")

	c.events.Emit(dev.ClusterID, events.DomainDevice, events.KindStatusChange, deviceID, causedBy,
		fmt.Sprintf("device status changed from %s to %s", oldStatus, status))

	c.broadcastStatus(ctx, dev)
	return nil
}

// SetOnline transitions a device to Online.
func (c *Controller) SetOnline(ctx context.Context, deviceID, causedBy string) error {
	return c.SetStatus(ctx, deviceID, types.DeviceStatusOnline, causedBy)
}

// SetUnavailable transitions a device to Unavailable.
func (c *Controller) SetUnavailable(ctx context.Context, deviceID, causedBy string) error {
	return c.SetStatus(ctx, deviceID, types.DeviceStatusUnavailable, causedBy)
}

// SetIOError flips the sticky io_error guard. No event is emitted for
// a no-op write.
func (c *Controller) SetIOError(ctx context.Context, deviceID string, ioError bool) error {
	return c.mutate(deviceID, func(dev *types.NVMeDevice) bool {
		if dev.IOError == ioError {
			return false
		}
		dev.IOError = ioError
		return true
	}, func(dev *types.NVMeDevice) {
		c.events.Emit(dev.ClusterID, events.DomainDevice, events.KindIOError, deviceID, "monitor",
			fmt.Sprintf("device io_error set to %t", ioError))
	})
}

// SetHealthCheck records the last probe result without driving status.
func (c *Controller) SetHealthCheck(ctx context.Context, deviceID string, healthy bool) error {
	return c.mutate(deviceID, func(dev *types.NVMeDevice) bool {
		if dev.HealthCheck == healthy {
			return false
		}
		dev.HealthCheck = healthy
		return true
	}, func(dev *types.NVMeDevice) {
		c.events.Emit(dev.ClusterID, events.DomainDevice, events.KindHealthCheckChange, deviceID, "monitor",
			fmt.Sprintf("device health check is %t", healthy))
	})
}

// SetRetriesExhausted blocks or re-enables automatic restarts for a
// device.
func (c *Controller) SetRetriesExhausted(ctx context.Context, deviceID string, exhausted bool) error {
	return c.mutate(deviceID, func(dev *types.NVMeDevice) bool {
		if dev.RetriesExhausted == exhausted {
			return false
		}
		dev.RetriesExhausted = exhausted
		return true
	}, nil)
}

// SetJMStatus transitions a node's journal device.
func (c *Controller) SetJMStatus(ctx context.Context, nodeID string, status types.JMDeviceStatus, causedBy string) error {
	node, err := c.store.GetStorageNode(nodeID)
	if err != nil {
		return err
	}
	if node.JMDevice == nil {
		return fmt.Errorf("node has no journal device: %s", nodeID)
	}
	if node.JMDevice.Status == status {
		return nil
	}
	oldStatus := node.JMDevice.Status
	node.JMDevice.Status = status
	node.JMDevice.UpdatedAt = time.Now()
	node.UpdatedAt = node.JMDevice.UpdatedAt
	if err := c.store.PutStorageNode(node); err != nil {
		return fmt.Errorf("failed to persist journal device status: %w", err)
	}
	c.events.Emit(node.ClusterID, events.DomainDevice, events.KindStatusChange, node.JMDevice.ID, causedBy,
		fmt.Sprintf("journal device status changed from %s to %s", oldStatus, status))
	return nil
}

// Restart rebuilds the device's local bdev stack and reconnects every
// online peer to it. A successful restart clears the sticky io_error
// guard.
func (c *Controller) Restart(ctx context.Context, deviceID string) error {
	dev, err := c.store.GetDevice(deviceID)
	if err != nil {
		return err
	}
	node, err := c.store.GetStorageNode(dev.NodeID)
	if err != nil {
		return err
	}
	dev = node.Device(deviceID)

	if err := c.SetStatus(ctx, deviceID, types.DeviceStatusUnavailable, "restart"); err != nil {
		return err
	}

	engine := c.engineFor(node)
	if err := engine.RecreateDeviceStack(ctx, deviceID); err != nil {
		return fmt.Errorf("failed to recreate device stack for %s: %w", deviceID, err)
	}

	// Reconnect the remote fan-out on every online peer.
	peers, err := c.store.ListStorageNodesByCluster(node.ClusterID)
	if err != nil {
		return err
	}
	for _, peer := range peers {
		if peer.ID == node.ID || peer.Status != types.NodeStatusOnline {
			continue
		}
		peerEngine := c.engineFor(peer)
		name := fmt.Sprintf("remote_alceml_%s", dev.ID)
		if err := peerEngine.AttachRemoteDevice(ctx, name, dev.NQN, dev.NVMfIP, dev.NVMfPort); err != nil {
			c.logger.Error().Err(err).
				Str("device_id", deviceID).
				Str("peer_id", peer.ID).
				Msg("failed to reconnect peer to restarted device")
			continue
		}
	}

	if err := c.SetIOError(ctx, deviceID, false); err != nil {
		return err
	}
	return c.SetStatus(ctx, deviceID, types.DeviceStatusOnline, "restart")
}

// mutate applies a field change through the owning node aggregate,
// suppressing no-op writes. after runs only when a real change was
// persisted.
func (c *Controller) mutate(deviceID string, apply func(*types.NVMeDevice) bool, after func(*types.NVMeDevice)) error {
	dev, err := c.store.GetDevice(deviceID)
	if err != nil {
		return err
	}
	node, err := c.store.GetStorageNode(dev.NodeID)
	if err != nil {
		return err
	}
	dev = node.Device(deviceID)
	if dev == nil {
		return fmt.Errorf("device not found on node %s: %s", node.ID, deviceID)
	}
	if !apply(dev) {
		return nil
	}
	dev.UpdatedAt = time.Now()
	node.UpdatedAt = dev.UpdatedAt
	if err := c.store.PutStorageNode(node); err != nil {
		return fmt.Errorf("failed to persist device change: %w", err)
	}
	if after != nil {
		after(dev)
	}
	return nil
}

// broadcastStatus notifies every online peer node so it revises its
// local view of the cluster map. Failures are logged and dropped;
// peers reconverge on the next status event.
func (c *Controller) broadcastStatus(ctx context.Context, dev *types.NVMeDevice) {
	nodes, err := c.store.ListStorageNodesByCluster(dev.ClusterID)
	if err != nil {
		c.logger.Error().Err(err).Msg("failed to list nodes for device status broadcast")
		return
	}
	for _, node := range nodes {
		if node.Status != types.NodeStatusOnline {
			continue
		}
		engine := c.engineFor(node)
		if err := engine.SendDeviceStatus(ctx, dev.ClusterDeviceOrder, dev.Status); err != nil {
			c.logger.Warn().Err(err).
				Str("node_id", node.ID).
				Int("device_order", dev.ClusterDeviceOrder).
				Msg("device status broadcast failed")
		}
	}
}
