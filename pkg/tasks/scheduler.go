package tasks

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/simplyblock-io/sbctl/pkg/device"
	"github.com/simplyblock-io/sbctl/pkg/events"
	"github.com/simplyblock-io/sbctl/pkg/log"
	"github.com/simplyblock-io/sbctl/pkg/metrics"
	"github.com/simplyblock-io/sbctl/pkg/storage"
	"github.com/simplyblock-io/sbctl/pkg/types"
)

// Scheduler creates, deduplicates and cancels recovery tasks. Task
// records are the only coordination between the monitor and the
// runners; the dedup rules here are the concurrency-safety mechanism.
type Scheduler struct {
	store        storage.Store
	events       *events.Logger
	devices      *device.Controller
	defaultRetry int
	logger       zerolog.Logger
}

// NewScheduler creates a task scheduler. defaultRetry is the retry
// ceiling used when the caller does not specify one.
func NewScheduler(store storage.Store, ev *events.Logger, devices *device.Controller, defaultRetry int) *Scheduler {
	return &Scheduler{
		store:        store,
		events:       ev,
		devices:      devices,
		defaultRetry: defaultRetry,
		logger:       log.WithComponent("tasks"),
	}
}

func isMigration(fn types.TaskFunction) bool {
	switch fn {
	case types.TaskDeviceMigration, types.TaskNewDeviceMigration, types.TaskFailedDevMigration:
		return true
	}
	return false
}

// AddTask persists a new recovery task unless an equivalent non-Done
// task already exists. It returns the new task id and whether a task
// was created.
func (s *Scheduler) AddTask(ctx context.Context, fn types.TaskFunction, clusterID, nodeID, deviceID string,
	maxRetry int, params map[string]string) (string, bool, error) {

	existing, err := s.store.ListTasksByCluster(clusterID)
	if err != nil {
		return "", false, err
	}

	if dup := s.findDuplicate(existing, fn, nodeID, deviceID, params); dup != nil {
		s.logger.Info().
			Str("task_id", dup.ID).
			Str("function", string(fn)).
			Msg("equivalent task exists, skip adding new task")
		return "", false, nil
	}

	task := &types.JobTask{
		ID:        uuid.New().String(),
		ClusterID: clusterID,
		NodeID:    nodeID,
		DeviceID:  deviceID,
		Function:  fn,
		Status:    types.TaskStatusNew,
		MaxRetry:  maxRetry,
		Params:    params,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	if err := s.store.PutTask(task); err != nil {
		return "", false, fmt.Errorf("failed to persist task: %w", err)
	}

	s.logger.Info().
		Str("task_id", task.ID).
		Str("function", string(fn)).
		Str("node_id", nodeID).
		Str("device_id", deviceID).
		Msg("task created")
	s.events.Emit(clusterID, events.DomainTask, events.KindTaskCreated, task.ID, "scheduler",
		fmt.Sprintf("%s task created", fn))
	metrics.TasksCreated.WithLabelValues(string(fn)).Inc()
	return task.ID, true, nil
}

// findDuplicate applies the per-family dedup rules against the
// cluster's non-Done, non-canceled tasks.
func (s *Scheduler) findDuplicate(existing []*types.JobTask, fn types.TaskFunction,
	nodeID, deviceID string, params map[string]string) *types.JobTask {

	groupName := ""
	if params != nil {
		groupName = params["distr_name"]
	}

	for _, t := range existing {
		if t.Canceled || t.Status == types.TaskStatusDone {
			continue
		}
		switch fn {
		case types.TaskDeviceRestart:
			// A node-level recovery supersedes device-level ones.
			if t.Function == types.TaskDeviceRestart && t.DeviceID == deviceID {
				return t
			}
			if t.Function == types.TaskNodeRestart && t.NodeID == nodeID {
				return t
			}
		case types.TaskDeviceMigration, types.TaskNewDeviceMigration, types.TaskFailedDevMigration:
			// A node can run several redundancy groups concurrently,
			// each needing its own migration tracking.
			if t.Function == fn && t.NodeID == nodeID && t.DeviceID == deviceID &&
				types.GroupNameOf(t) == groupName {
				return t
			}
			if t.Function == types.TaskNodeRestart && t.NodeID == nodeID {
				return t
			}
		case types.TaskNodeRestart:
			if t.Function == types.TaskNodeRestart && t.NodeID == nodeID {
				return t
			}
		case types.TaskPortAllow:
			if t.Function == types.TaskPortAllow && t.NodeID == nodeID &&
				t.Params["port_number"] == params["port_number"] {
				return t
			}
		}
	}
	return nil
}

// AddDeviceRestart enqueues an automatic restart for a device.
func (s *Scheduler) AddDeviceRestart(ctx context.Context, dev *types.NVMeDevice) (bool, error) {
	_, created, err := s.AddTask(ctx, types.TaskDeviceRestart, dev.ClusterID, dev.NodeID, dev.ID, s.defaultRetry, nil)
	return created, err
}

// AddNodeRestart enqueues an automatic restart for a node.
func (s *Scheduler) AddNodeRestart(ctx context.Context, n *types.StorageNode) (bool, error) {
	_, created, err := s.AddTask(ctx, types.TaskNodeRestart, n.ClusterID, n.ID, "", s.defaultRetry, nil)
	return created, err
}

// AddNodeAdd enqueues a node-addition task.
func (s *Scheduler) AddNodeAdd(ctx context.Context, clusterID, nodeID string) (bool, error) {
	_, created, err := s.AddTask(ctx, types.TaskNodeAdd, clusterID, nodeID, "", s.defaultRetry, nil)
	return created, err
}

// AddPortAllow enqueues a firewall port-allow task.
func (s *Scheduler) AddPortAllow(ctx context.Context, clusterID, nodeID string, port int) (bool, error) {
	task := &types.JobTask{}
	types.PortAllowParams{Port: port}.Apply(task)
	_, created, err := s.AddTask(ctx, types.TaskPortAllow, clusterID, nodeID, "", s.defaultRetry, task.Params)
	return created, err
}

// addMigrationFanOut creates one migration task per redundancy group
// on every non-removed node, with unlimited retries.
func (s *Scheduler) addMigrationFanOut(ctx context.Context, fn types.TaskFunction, deviceID string) error {
	dev, err := s.store.GetDevice(deviceID)
	if err != nil {
		return err
	}
	nodes, err := s.store.ListStorageNodesByCluster(dev.ClusterID)
	if err != nil {
		return err
	}
	for _, n := range nodes {
		if n.Status == types.NodeStatusRemoved {
			continue
		}
		for _, group := range n.RedundancyGroups {
			params := map[string]string{"distr_name": group.Name}
			if _, _, err := s.AddTask(ctx, fn, dev.ClusterID, n.ID, deviceID, types.UnlimitedRetry, params); err != nil {
				return err
			}
		}
	}
	return nil
}

// AddDeviceMigration fans out ordinary migration tasks for a device.
func (s *Scheduler) AddDeviceMigration(ctx context.Context, deviceID string) error {
	return s.addMigrationFanOut(ctx, types.TaskDeviceMigration, deviceID)
}

// AddNewDeviceMigration fans out expansion migration tasks for a
// freshly added device.
func (s *Scheduler) AddNewDeviceMigration(ctx context.Context, deviceID string) error {
	return s.addMigrationFanOut(ctx, types.TaskNewDeviceMigration, deviceID)
}

// AddFailedDeviceMigration fans out rebuild tasks for a failed device.
func (s *Scheduler) AddFailedDeviceMigration(ctx context.Context, deviceID string) error {
	return s.addMigrationFanOut(ctx, types.TaskFailedDevMigration, deviceID)
}

// Cancel flags a task for cooperative cancellation. The owning runner
// observes the flag on its next step. The targeted device, if any, is
// marked retries-exhausted so the monitor does not immediately
// re-enqueue it.
func (s *Scheduler) Cancel(ctx context.Context, taskID string) error {
	task, err := s.store.GetTask(taskID)
	if err != nil {
		return err
	}
	if task.DeviceID != "" {
		if err := s.devices.SetRetriesExhausted(ctx, task.DeviceID, true); err != nil {
			s.logger.Warn().Err(err).Str("device_id", task.DeviceID).
				Msg("failed to mark device retries exhausted on cancel")
		}
	}
	task.Canceled = true
	task.UpdatedAt = time.Now()
	if err := s.store.PutTask(task); err != nil {
		return fmt.Errorf("failed to persist task cancellation: %w", err)
	}
	s.events.Emit(task.ClusterID, events.DomainTask, events.KindTaskCanceled, task.ID, "operator", "task canceled")
	return nil
}

// GetActiveNodeRestartTask returns the Running, non-canceled node
// restart task for a node, if any.
func (s *Scheduler) GetActiveNodeRestartTask(clusterID, nodeID string) (*types.JobTask, error) {
	return s.findActive(clusterID, func(t *types.JobTask) bool {
		return t.Function == types.TaskNodeRestart && t.NodeID == nodeID
	})
}

// GetActiveDeviceRestartTask returns the Running, non-canceled device
// restart task for a device, if any.
func (s *Scheduler) GetActiveDeviceRestartTask(clusterID, deviceID string) (*types.JobTask, error) {
	return s.findActive(clusterID, func(t *types.JobTask) bool {
		return t.Function == types.TaskDeviceRestart && t.DeviceID == deviceID
	})
}

// GetActiveNodeMigrationTask returns the Running, non-canceled
// migration task targeting a node, if any.
func (s *Scheduler) GetActiveNodeMigrationTask(clusterID, nodeID string) (*types.JobTask, error) {
	return s.findActive(clusterID, func(t *types.JobTask) bool {
		return isMigration(t.Function) && t.NodeID == nodeID
	})
}

func (s *Scheduler) findActive(clusterID string, match func(*types.JobTask) bool) (*types.JobTask, error) {
	tasks, err := s.store.ListTasksByCluster(clusterID)
	if err != nil {
		return nil, err
	}
	for _, t := range tasks {
		if t.Status == types.TaskStatusRunning && !t.Canceled && match(t) {
			return t, nil
		}
	}
	return nil, nil
}

// HasPendingNodeRestart reports whether any non-Done node restart
// exists for the node, canceled or not yet started included.
func (s *Scheduler) HasPendingNodeRestart(clusterID, nodeID string) (bool, error) {
	tasks, err := s.store.ListTasksByCluster(clusterID)
	if err != nil {
		return false, err
	}
	for _, t := range tasks {
		if t.Function == types.TaskNodeRestart && t.NodeID == nodeID && t.Status != types.TaskStatusDone {
			return true, nil
		}
	}
	return false, nil
}
