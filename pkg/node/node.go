package node

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/simplyblock-io/sbctl/pkg/device"
	"github.com/simplyblock-io/sbctl/pkg/events"
	"github.com/simplyblock-io/sbctl/pkg/log"
	"github.com/simplyblock-io/sbctl/pkg/storage"
	"github.com/simplyblock-io/sbctl/pkg/types"
)

// ErrStabilizing is returned when a node passed its probes but has
// not been reachable long enough to be declared Online.
var ErrStabilizing = fmt.Errorf("node is inside the stabilization window")

// Controller drives per-node status transitions. Node transitions
// cascade onto the node's devices: losing the node forces its online
// devices unavailable, regaining it restores exactly that set.
type Controller struct {
	store   storage.Store
	events  *events.Logger
	devices *device.Controller
	window  time.Duration
	logger  zerolog.Logger

	now func() time.Time
}

// NewController creates a node controller. window is the minimum time
// a node must have been reachable before SetOnline succeeds.
func NewController(store storage.Store, ev *events.Logger, devices *device.Controller, window time.Duration) *Controller {
	return &Controller{
		store:   store,
		events:  ev,
		devices: devices,
		window:  window,
		logger:  log.WithComponent("node"),
		now:     time.Now,
	}
}

// SetStatus transitions a node without cascading onto devices. A
// no-op write is suppressed; an illegal edge is an error.
func (c *Controller) SetStatus(ctx context.Context, nodeID string, status types.NodeStatus, causedBy string) error {
	node, err := c.store.GetStorageNode(nodeID)
	if err != nil {
		return err
	}
	_, err = c.setStatus(node, status, causedBy)
	return err
}

func (c *Controller) setStatus(node *types.StorageNode, status types.NodeStatus, causedBy string) (*types.StorageNode, error) {
	if node.Status == status {
		return node, nil
	}
	if !node.Status.CanTransition(status) {
		return nil, fmt.Errorf("illegal node transition %s -> %s for %s", node.Status, status, node.ID)
	}

	oldStatus := node.Status
	node.Status = status
	node.UpdatedAt = c.now()
	if status == types.NodeStatusOnline {
		node.OnlineSince = node.UpdatedAt
	}

	if err := c.store.PutStorageNode(node); err != nil {
		return nil, fmt.Errorf("failed to persist node status: %w", err)
	}

	nlog := log.WithNodeID(node.ID)
	nlog.Info().
		Str("old_status", string(oldStatus)).
		Str("new_status", string(status)).
		Str("caused_by", causedBy).
		Msg("node status changed")

	c.events.Emit(node.ClusterID, events.DomainNode, events.KindStatusChange, node.ID, causedBy,
		fmt.Sprintf("node status changed from %s to %s", oldStatus, status))
	return node, nil
}

// SetOnline declares a node Online and restores its devices. Devices
// currently Unavailable return to Online, the journal device is
// re-enabled; a device carrying io_error is exempt and keeps waiting
// for an explicit restart.
func (c *Controller) SetOnline(ctx context.Context, nodeID, causedBy string) error {
	node, err := c.store.GetStorageNode(nodeID)
	if err != nil {
		return err
	}
	if node.Status == types.NodeStatusOnline {
		return nil
	}
	if c.window > 0 {
		if node.ReachableSince.IsZero() || c.now().Sub(node.ReachableSince) < c.window {
			return ErrStabilizing
		}
	}

	node, err = c.setStatus(node, types.NodeStatusOnline, causedBy)
	if err != nil {
		return err
	}

	if node.JMDevice != nil && node.JMDevice.Status == types.JMDeviceStatusUnavailable {
		if err := c.devices.SetJMStatus(ctx, node.ID, types.JMDeviceStatusOnline, causedBy); err != nil {
			c.logger.Error().Err(err).Str("node_id", node.ID).Msg("failed to re-enable journal device")
		}
	}

	for _, dev := range node.Devices {
		if dev.Status != types.DeviceStatusUnavailable || dev.IOError {
			continue
		}
		if err := c.devices.SetOnline(ctx, dev.ID, causedBy); err != nil {
			c.logger.Error().Err(err).Str("device_id", dev.ID).Msg("failed to restore device")
		}
	}
	return nil
}

// SetUnreachable declares a node unreachable and forces every device
// currently Online or ReadOnly to Unavailable, except devices holding
// a sticky io_error.
func (c *Controller) SetUnreachable(ctx context.Context, nodeID, causedBy string) error {
	node, err := c.store.GetStorageNode(nodeID)
	if err != nil {
		return err
	}
	if node.Status == types.NodeStatusUnreachable {
		return nil
	}
	node, err = c.setStatus(node, types.NodeStatusUnreachable, causedBy)
	if err != nil {
		return err
	}
	c.cascadeUnavailable(ctx, node, causedBy)
	return nil
}

// SetSchedulable marks a node eligible for cold restart elsewhere and
// forces its devices unavailable.
func (c *Controller) SetSchedulable(ctx context.Context, nodeID, causedBy string) error {
	node, err := c.store.GetStorageNode(nodeID)
	if err != nil {
		return err
	}
	if node.Status == types.NodeStatusSchedulable {
		return nil
	}
	node, err = c.setStatus(node, types.NodeStatusSchedulable, causedBy)
	if err != nil {
		return err
	}
	c.cascadeUnavailable(ctx, node, causedBy)
	return nil
}

// SetDown marks a node alive but unable to serve traffic. When
// devicesUnavailable is set the data plane is definitely blocked and
// the devices are forced unavailable; otherwise their status is left
// untouched.
func (c *Controller) SetDown(ctx context.Context, nodeID string, devicesUnavailable bool, causedBy string) error {
	node, err := c.store.GetStorageNode(nodeID)
	if err != nil {
		return err
	}
	if node.Status == types.NodeStatusDown {
		return nil
	}
	node, err = c.setStatus(node, types.NodeStatusDown, causedBy)
	if err != nil {
		return err
	}
	if devicesUnavailable {
		c.cascadeUnavailable(ctx, node, causedBy)
	}
	return nil
}

// MarkReachable stamps the start of the current reachability streak.
// It is a no-op while a streak is already running.
func (c *Controller) MarkReachable(ctx context.Context, nodeID string) error {
	node, err := c.store.GetStorageNode(nodeID)
	if err != nil {
		return err
	}
	if !node.ReachableSince.IsZero() {
		return nil
	}
	node.ReachableSince = c.now()
	return c.store.PutStorageNode(node)
}

// MarkUnreachable clears the reachability streak after a failed probe.
func (c *Controller) MarkUnreachable(ctx context.Context, nodeID string) error {
	node, err := c.store.GetStorageNode(nodeID)
	if err != nil {
		return err
	}
	if node.ReachableSince.IsZero() {
		return nil
	}
	node.ReachableSince = time.Time{}
	return c.store.PutStorageNode(node)
}

// SetHealthCheck records the aggregate probe result without driving
// node status. A no-op write emits nothing.
func (c *Controller) SetHealthCheck(ctx context.Context, nodeID string, healthy bool) error {
	node, err := c.store.GetStorageNode(nodeID)
	if err != nil {
		return err
	}
	if node.HealthCheck == healthy {
		return nil
	}
	node.HealthCheck = healthy
	node.UpdatedAt = c.now()
	if err := c.store.PutStorageNode(node); err != nil {
		return err
	}
	c.events.Emit(node.ClusterID, events.DomainNode, events.KindHealthCheckChange, node.ID, "monitor",
		fmt.Sprintf("node health check is %t", healthy))
	return nil
}

func (c *Controller) cascadeUnavailable(ctx context.Context, node *types.StorageNode, causedBy string) {
	for _, dev := range node.Devices {
		if dev.IOError {
			continue
		}
		if dev.Status != types.DeviceStatusOnline && dev.Status != types.DeviceStatusReadOnly {
			continue
		}
		if err := c.devices.SetUnavailable(ctx, dev.ID, causedBy); err != nil {
			c.logger.Error().Err(err).Str("device_id", dev.ID).Msg("failed to force device unavailable")
		}
	}
}
