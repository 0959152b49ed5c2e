package tasks

import (
	"context"
	"fmt"

	"github.com/simplyblock-io/sbctl/pkg/events"
	"github.com/simplyblock-io/sbctl/pkg/log"
	"github.com/simplyblock-io/sbctl/pkg/node"
	"github.com/simplyblock-io/sbctl/pkg/probe"
	"github.com/simplyblock-io/sbctl/pkg/storage"
	"github.com/simplyblock-io/sbctl/pkg/types"
)

// NodeRestartRunner shuts down and restarts the storage engine on a
// node that lost its engine process or RPC endpoint. It is the only
// family polled with exponential backoff.
type NodeRestartRunner struct {
	baseRunner
	nodes  *node.Controller
	prober probe.Prober
	agent  probe.NodeAgent
}

// NewNodeRestartRunner creates the node restart runner.
func NewNodeRestartRunner(store storage.Store, ev *events.Logger, nodes *node.Controller, prober probe.Prober, agent probe.NodeAgent) *NodeRestartRunner {
	return &NodeRestartRunner{
		baseRunner: baseRunner{store: store, events: ev, logger: log.WithComponent("node-restart")},
		nodes:      nodes,
		prober:     prober,
		agent:      agent,
	}
}

func (r *NodeRestartRunner) Family() types.TaskFunction { return types.TaskNodeRestart }

// Step advances a node restart by one re-entrant step.
func (r *NodeRestartRunner) Step(ctx context.Context, task *types.JobTask) (bool, error) {
	n, err := r.store.GetStorageNode(task.NodeID)
	if err != nil {
		return true, r.finish(task, fmt.Sprintf("node not found: %v", err))
	}

	if task.RetryBudgetExceeded() {
		if err := r.nodes.SetUnreachable(ctx, n.ID, "task"); err != nil {
			return false, err
		}
		return true, r.finish(task, "max retry reached")
	}

	if n.Status == types.NodeStatusRemoved {
		return true, r.finish(task, "node is removed")
	}

	if n.Status == types.NodeStatusOnline && r.unavailableDevices(n) == 0 {
		return true, r.finish(task, "node is online")
	}

	if task.Canceled {
		return true, r.finish(task, "canceled")
	}

	if err := r.markRunning(task); err != nil {
		return false, err
	}

	// An unreachable host cannot be restarted remotely. Both the host
	// and its management API must answer before acting; leave the task
	// pending so backoff keeps probing until they do.
	ping := r.prober.Ping(ctx, n.MgmtIP)
	api := r.prober.CheckManagementAPI(ctx, n.MgmtIP)
	if !ping.OK || !api.OK {
		return false, r.retryLater(task, "node is unreachable, retrying")
	}

	r.logger.Info().Str("node_id", n.ID).Msg("restarting storage engine")
	if err := r.agent.ShutdownEngine(ctx, n); err != nil {
		return false, r.retryLater(task, fmt.Sprintf("engine shutdown failed: %v", err))
	}
	if err := r.agent.RestartEngine(ctx, n); err != nil {
		return false, r.retryLater(task, fmt.Sprintf("engine restart failed: %v", err))
	}

	if rpc := r.prober.CheckRPC(ctx, n.MgmtIP, n.RPCPort, n.RPCUsername, n.RPCPassword); !rpc.OK {
		return false, r.retryLater(task, fmt.Sprintf("engine not answering after restart: %s", rpc.Message))
	}

	// The restart only took once the monitor has promoted the node
	// back to Online and restored its devices.
	n, err = r.store.GetStorageNode(task.NodeID)
	if err != nil {
		return false, err
	}
	if n.Status == types.NodeStatusOnline && r.unavailableDevices(n) == 0 {
		return true, r.finish(task, "done")
	}
	return false, r.retryLater(task, "node is not online yet, retrying")
}

func (r *NodeRestartRunner) unavailableDevices(n *types.StorageNode) int {
	count := 0
	for _, dev := range n.Devices {
		if dev.Status == types.DeviceStatusUnavailable {
			count++
		}
	}
	return count
}
