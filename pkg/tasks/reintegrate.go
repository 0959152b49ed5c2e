package tasks

import (
	"context"
	"fmt"

	"github.com/simplyblock-io/sbctl/pkg/probe"
	"github.com/simplyblock-io/sbctl/pkg/storage"
	"github.com/simplyblock-io/sbctl/pkg/types"
)

// Shared reintegration steps used by the node add and port allow
// runners to bring a node's engine back in sync with the cluster
// before it is put on the data path again.

// reattachPeerDevices attaches every online device of the node's
// online peers to the node's engine.
func reattachPeerDevices(ctx context.Context, store storage.Store, engine probe.EngineClient, n *types.StorageNode) error {
	peers, err := store.ListStorageNodesByCluster(n.ClusterID)
	if err != nil {
		return err
	}
	for _, peer := range peers {
		if peer.ID == n.ID || peer.Status != types.NodeStatusOnline {
			continue
		}
		for _, dev := range peer.Devices {
			if dev.Status != types.DeviceStatusOnline {
				continue
			}
			name := fmt.Sprintf("remote_alceml_%s", dev.ID)
			if err := engine.AttachRemoteDevice(ctx, name, dev.NQN, dev.NVMfIP, dev.NVMfPort); err != nil {
				return fmt.Errorf("attach device %s: %w", dev.ID, err)
			}
		}
	}
	return nil
}

// replayDeviceStatuses re-sends the authoritative status of every
// known device in the cluster to the node's engine, which may carry a
// stale view after being away.
func replayDeviceStatuses(ctx context.Context, store storage.Store, engine probe.EngineClient, n *types.StorageNode) error {
	peers, err := store.ListStorageNodesByCluster(n.ClusterID)
	if err != nil {
		return err
	}
	for _, peer := range peers {
		if peer.Status == types.NodeStatusRemoved {
			continue
		}
		for _, dev := range peer.Devices {
			if err := engine.SendDeviceStatus(ctx, dev.ClusterDeviceOrder, dev.Status); err != nil {
				return fmt.Errorf("send device status %s: %w", dev.ID, err)
			}
		}
	}
	return nil
}

// verifyRedundancyGroups checks that every redundancy group hosted on
// the node exists as a bdev and has a populated cluster map.
func verifyRedundancyGroups(ctx context.Context, engine probe.EngineClient, n *types.StorageNode) error {
	for _, group := range n.RedundancyGroups {
		found, err := engine.GetBdev(ctx, group.Name)
		if err != nil {
			return fmt.Errorf("get bdev %s: %w", group.Name, err)
		}
		if !found {
			return fmt.Errorf("redundancy group %s not present", group.Name)
		}
		cmap, err := engine.GetClusterMap(ctx, group.Name)
		if err != nil {
			return fmt.Errorf("cluster map for %s: %w", group.Name, err)
		}
		if len(cmap) == 0 {
			return fmt.Errorf("cluster map for %s is empty", group.Name)
		}
	}
	return nil
}
