package storage

import (
	"github.com/simplyblock-io/sbctl/pkg/types"
)

// Store is the authoritative persistence for cluster state. Reads
// return the latest committed state; the control loops never cache
// records across iterations.
type Store interface {
	// Clusters
	PutCluster(cluster *types.Cluster) error
	GetCluster(id string) (*types.Cluster, error)
	ListClusters() ([]*types.Cluster, error)

	// Storage nodes. A node record is one aggregate: the node plus
	// its full device list and journal device, written back as a
	// whole.
	PutStorageNode(node *types.StorageNode) error
	GetStorageNode(id string) (*types.StorageNode, error)
	ListStorageNodesByCluster(clusterID string) ([]*types.StorageNode, error)

	// GetDevice resolves a device id to its owning node's copy.
	GetDevice(id string) (*types.NVMeDevice, error)

	// Tasks
	PutTask(task *types.JobTask) error
	GetTask(id string) (*types.JobTask, error)
	ListTasksByCluster(clusterID string) ([]*types.JobTask, error)

	// Events, append-only.
	PutEvent(event *Event) error

	Close() error
}

// Event is one persisted event-log record.
type Event struct {
	ID        string
	ClusterID string
	Domain    string
	Kind      string
	SubjectID string
	CausedBy  string
	Message   string
	Timestamp int64
}
