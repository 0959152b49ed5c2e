package types

import (
	"time"
)

// ClusterStatus represents the availability verdict for a cluster.
type ClusterStatus string

const (
	ClusterStatusActive       ClusterStatus = "active"
	ClusterStatusDegraded     ClusterStatus = "degraded"
	ClusterStatusSuspended    ClusterStatus = "suspended"
	ClusterStatusReadOnly     ClusterStatus = "read_only"
	ClusterStatusUnready      ClusterStatus = "unready"
	ClusterStatusInActivation ClusterStatus = "in_activation"
)

// Cluster holds the erasure-coding parameters and the computed
// cluster-wide availability status.
type Cluster struct {
	ID string

	// NDCS and NPCS are the data and parity shard counts of the
	// cluster's erasure code. They define how many device or node
	// failures the cluster tolerates before data becomes
	// unreconstructable.
	NDCS int
	NPCS int

	// StrictNodeAntiAffinity refuses to place or repair data when the
	// spare node capacity needed to restore anti-affinity is not
	// guaranteed. Node-count shortfalls suspend instead of degrade.
	StrictNodeAntiAffinity bool

	Status        ClusterStatus
	IsReBalancing bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

// NodeStatus represents the current state of a storage node.
type NodeStatus string

const (
	NodeStatusOnline      NodeStatus = "online"
	NodeStatusUnreachable NodeStatus = "unreachable"
	NodeStatusSuspended   NodeStatus = "suspended"
	NodeStatusInShutdown  NodeStatus = "in_shutdown"
	NodeStatusRestarting  NodeStatus = "in_restart"
	NodeStatusDown        NodeStatus = "down"
	NodeStatusSchedulable NodeStatus = "schedulable"
	NodeStatusRemoved     NodeStatus = "removed"
	NodeStatusInCreation  NodeStatus = "in_creation"
)

// LVStoreStatus tracks the node's logical volume store lifecycle.
type LVStoreStatus string

const (
	LVStoreInCreation LVStoreStatus = "in_creation"
	LVStoreReady      LVStoreStatus = "ready"
)

// DataNIC is a data-plane network interface on a storage node.
type DataNIC struct {
	Name string
	IP4  string
}

// RedundancyGroup is one logical striping unit (a distrib bdev)
// hosted on a node. Migration tasks operate on groups independently.
type RedundancyGroup struct {
	Name string
}

// StorageNode is the aggregate persisted as one record: the node and
// every device it owns, including the journal device.
type StorageNode struct {
	ID        string
	ClusterID string
	Hostname  string

	MgmtIP      string
	RPCPort     int
	RPCUsername string
	RPCPassword string

	// LvolSubsysPort is the node's NVMe-oF subsystem listener for
	// logical volumes, probed alongside the fixed data port.
	LvolSubsysPort int

	DataNICs []DataNIC

	Status        NodeStatus
	LVStoreStatus LVStoreStatus

	// HealthCheck is the last aggregate probe result. It is decoupled
	// from Status: a node can be Online with HealthCheck=false
	// transiently.
	HealthCheck bool

	// OnlineSince is stamped each time the node becomes Online and
	// gates reactivation behind a stabilization window.
	OnlineSince time.Time

	// ReachableSince is stamped when the node first passes all probes
	// after an outage and cleared when any probe fails. A node is only
	// declared Online once it has been reachable for the stabilization
	// window.
	ReachableSince time.Time

	Devices  []*NVMeDevice
	JMDevice *JMDevice

	// RedundancyGroups lists the distrib bdevs stacked on this node.
	RedundancyGroups []RedundancyGroup

	// SecondaryNodeID pairs this node with its HA peer. A secondary
	// node serves the lvol ports of its primaries.
	SecondaryNodeID string
	IsSecondary     bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Device returns the owned device with the given id, or nil.
func (n *StorageNode) Device(id string) *NVMeDevice {
	for _, dev := range n.Devices {
		if dev.ID == id {
			return dev
		}
	}
	return nil
}

// DeviceStatus represents the current state of an NVMe device.
type DeviceStatus string

const (
	DeviceStatusOnline            DeviceStatus = "online"
	DeviceStatusReadOnly          DeviceStatus = "read_only"
	DeviceStatusUnavailable       DeviceStatus = "unavailable"
	DeviceStatusCannotAllocate    DeviceStatus = "cannot_allocate"
	DeviceStatusRemoved           DeviceStatus = "removed"
	DeviceStatusFailed            DeviceStatus = "failed"
	DeviceStatusFailedAndMigrated DeviceStatus = "failed_and_migrated"
	DeviceStatusNew               DeviceStatus = "new"
	DeviceStatusJM                DeviceStatus = "jm"
)

// NVMeDevice is a physical device owned by a storage node.
type NVMeDevice struct {
	ID        string
	NodeID    string
	ClusterID string

	Status DeviceStatus

	// ClusterDeviceOrder is the device's cluster-wide ordinal, the key
	// used when broadcasting device status to consuming nodes.
	ClusterDeviceOrder int

	// NVMe-oF address under which peers attach to this device.
	NQN      string
	NVMfIP   string
	NVMfPort int

	// IOError is sticky: once set, monitors must not flip the device
	// back online. Only an explicit restart clears it.
	IOError bool

	// RetriesExhausted blocks further automatic restarts until an
	// operator intervenes.
	RetriesExhausted bool

	// HealthCheck is the last probe result, decoupled from Status.
	HealthCheck bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

// JMDeviceStatus represents the state of a journal device.
type JMDeviceStatus string

const (
	JMDeviceStatusOnline      JMDeviceStatus = "online"
	JMDeviceStatusUnavailable JMDeviceStatus = "unavailable"
	JMDeviceStatusRemoved     JMDeviceStatus = "removed"
)

// JMDevice is the node's write-ahead journal device, monitored and
// restarted separately from data devices.
type JMDevice struct {
	ID     string
	Status JMDeviceStatus

	UpdatedAt time.Time
}

// TaskFunction identifies a recovery task family.
type TaskFunction string

const (
	TaskDeviceRestart      TaskFunction = "device_restart"
	TaskNodeRestart        TaskFunction = "node_restart"
	TaskDeviceMigration    TaskFunction = "device_migration"
	TaskNewDeviceMigration TaskFunction = "new_device_migration"
	TaskFailedDevMigration TaskFunction = "failed_device_migration"
	TaskNodeAdd            TaskFunction = "node_add"
	TaskPortAllow          TaskFunction = "port_allow"
)

// TaskStatus represents the lifecycle state of a recovery task.
type TaskStatus string

const (
	TaskStatusNew     TaskStatus = "new"
	TaskStatusRunning TaskStatus = "running"
	// TaskStatusSuspended holds a task whose structural preconditions
	// failed; it is retried later without burning the retry budget.
	TaskStatusSuspended TaskStatus = "suspended"
	TaskStatusDone      TaskStatus = "done"
)

// UnlimitedRetry disables the retry ceiling for a task.
const UnlimitedRetry = -1

// JobTask is one persisted recovery job. Tasks are never deleted,
// only driven to Done, so the table doubles as an audit trail.
type JobTask struct {
	ID        string
	ClusterID string
	NodeID    string
	DeviceID  string

	Function TaskFunction
	Status   TaskStatus

	Retry    int
	MaxRetry int

	// Canceled is set externally and observed cooperatively by the
	// owning runner on its next step.
	Canceled bool

	// Result is the human-readable last outcome.
	Result string

	// Params carries runner-specific progress state. Decoded into the
	// family's typed parameter struct at the point of use.
	Params map[string]string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// RetryBudgetExceeded reports whether the task has used up its retry
// ceiling. A negative MaxRetry means unlimited.
func (t *JobTask) RetryBudgetExceeded() bool {
	return t.MaxRetry >= 0 && t.Retry >= t.MaxRetry
}
