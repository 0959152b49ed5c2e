package tasks

import (
	"context"
	"fmt"

	"github.com/simplyblock-io/sbctl/pkg/events"
	"github.com/simplyblock-io/sbctl/pkg/log"
	"github.com/simplyblock-io/sbctl/pkg/probe"
	"github.com/simplyblock-io/sbctl/pkg/storage"
	"github.com/simplyblock-io/sbctl/pkg/types"
)

// NodeAddRunner reintegrates a node into the data path: it reattaches
// the remote devices of its peers, replays current device statuses to
// the node's engine, and verifies the node's redundancy groups before
// declaring the node a full cluster member.
type NodeAddRunner struct {
	baseRunner
	engineFor probe.EngineClientFactory
}

// NewNodeAddRunner creates the node add runner.
func NewNodeAddRunner(store storage.Store, ev *events.Logger, engineFor probe.EngineClientFactory) *NodeAddRunner {
	return &NodeAddRunner{
		baseRunner: baseRunner{store: store, events: ev, logger: log.WithComponent("node-add")},
		engineFor:  engineFor,
	}
}

func (r *NodeAddRunner) Family() types.TaskFunction { return types.TaskNodeAdd }

// Step advances a node add by one re-entrant step.
func (r *NodeAddRunner) Step(ctx context.Context, task *types.JobTask) (bool, error) {
	if task.Canceled {
		return true, r.finish(task, "canceled")
	}

	n, err := r.store.GetStorageNode(task.NodeID)
	if err != nil {
		return true, r.finish(task, fmt.Sprintf("node not found: %v", err))
	}
	if n.Status != types.NodeStatusOnline {
		return false, r.suspend(task, fmt.Sprintf("node is %s, retry later", n.Status))
	}

	if err := r.markRunning(task); err != nil {
		return false, err
	}

	engine := r.engineFor(n)

	r.logger.Info().Str("node_id", n.ID).Msg("connecting remote devices")
	if err := reattachPeerDevices(ctx, r.store, engine, n); err != nil {
		return false, r.retryLater(task, fmt.Sprintf("failed to connect remote devices: %v", err))
	}
	if err := replayDeviceStatuses(ctx, r.store, engine, n); err != nil {
		return false, r.retryLater(task, fmt.Sprintf("failed to replay device statuses: %v", err))
	}
	if err := verifyRedundancyGroups(ctx, engine, n); err != nil {
		return false, r.suspend(task, fmt.Sprintf("%v, retry later", err))
	}

	return true, r.finish(task, "node added")
}
