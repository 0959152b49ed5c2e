package types

// Allowed status edges per entity. Removed/Failed states are terminal;
// attempting to leave them is a programming error surfaced at the
// state-machine boundary instead of a silent string mismatch.

var nodeTransitions = map[NodeStatus][]NodeStatus{
	NodeStatusInCreation:  {NodeStatusOnline, NodeStatusUnreachable, NodeStatusRemoved},
	NodeStatusOnline:      {NodeStatusUnreachable, NodeStatusSuspended, NodeStatusInShutdown, NodeStatusDown, NodeStatusSchedulable, NodeStatusRemoved},
	NodeStatusUnreachable: {NodeStatusOnline, NodeStatusRestarting, NodeStatusSchedulable, NodeStatusDown, NodeStatusRemoved},
	NodeStatusSuspended:   {NodeStatusOnline, NodeStatusInShutdown, NodeStatusRemoved},
	NodeStatusInShutdown:  {NodeStatusRestarting, NodeStatusOnline, NodeStatusRemoved},
	NodeStatusRestarting:  {NodeStatusOnline, NodeStatusUnreachable, NodeStatusRemoved},
	NodeStatusDown:        {NodeStatusOnline, NodeStatusUnreachable, NodeStatusSchedulable, NodeStatusRemoved},
	NodeStatusSchedulable: {NodeStatusOnline, NodeStatusRestarting, NodeStatusUnreachable, NodeStatusRemoved},
	NodeStatusRemoved:     nil,
}

var deviceTransitions = map[DeviceStatus][]DeviceStatus{
	DeviceStatusNew:            {DeviceStatusOnline, DeviceStatusJM, DeviceStatusUnavailable, DeviceStatusRemoved},
	DeviceStatusOnline:         {DeviceStatusReadOnly, DeviceStatusUnavailable, DeviceStatusCannotAllocate, DeviceStatusRemoved, DeviceStatusFailed},
	DeviceStatusReadOnly:       {DeviceStatusOnline, DeviceStatusUnavailable, DeviceStatusRemoved, DeviceStatusFailed},
	DeviceStatusUnavailable:    {DeviceStatusOnline, DeviceStatusReadOnly, DeviceStatusRemoved, DeviceStatusFailed},
	DeviceStatusCannotAllocate: {DeviceStatusOnline, DeviceStatusUnavailable, DeviceStatusRemoved, DeviceStatusFailed},
	DeviceStatusJM:             {DeviceStatusUnavailable, DeviceStatusRemoved},
	DeviceStatusFailed:         {DeviceStatusFailedAndMigrated},
	DeviceStatusFailedAndMigrated: nil,
	DeviceStatusRemoved:           nil,
}

// CanTransition reports whether a node may move between the two statuses.
func (s NodeStatus) CanTransition(to NodeStatus) bool {
	if s == to {
		return true
	}
	for _, next := range nodeTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// CanTransition reports whether a device may move between the two statuses.
func (s DeviceStatus) CanTransition(to DeviceStatus) bool {
	if s == to {
		return true
	}
	for _, next := range deviceTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// DeviceOnlineStatuses are the statuses counted as online by the
// cluster status arithmetic.
var DeviceOnlineStatuses = []DeviceStatus{
	DeviceStatusOnline,
	DeviceStatusJM,
	DeviceStatusReadOnly,
	DeviceStatusCannotAllocate,
}

// IsOnlineForAccounting reports whether the device counts toward the
// cluster's online-device tally.
func (d *NVMeDevice) IsOnlineForAccounting() bool {
	for _, s := range DeviceOnlineStatuses {
		if d.Status == s {
			return true
		}
	}
	return false
}

// MonitoredNodeStatuses are the node statuses the health monitor
// actively probes. Other statuses are externally driven phases.
var MonitoredNodeStatuses = []NodeStatus{
	NodeStatusOnline,
	NodeStatusUnreachable,
	NodeStatusSchedulable,
	NodeStatusDown,
}

// IsMonitored reports whether the monitor loop should probe the node.
func (n *StorageNode) IsMonitored() bool {
	for _, s := range MonitoredNodeStatuses {
		if n.Status == s {
			return true
		}
	}
	return false
}
