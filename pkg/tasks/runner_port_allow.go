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

// PortAllowRunner opens a firewalled data port on a node. Before it
// does, it brings the node's engine back in sync with the cluster so
// initiators reconnecting through the port see consistent state.
type PortAllowRunner struct {
	baseRunner
	engineFor probe.EngineClientFactory
	agent     probe.NodeAgent
}

// NewPortAllowRunner creates the port allow runner.
func NewPortAllowRunner(store storage.Store, ev *events.Logger, engineFor probe.EngineClientFactory, agent probe.NodeAgent) *PortAllowRunner {
	return &PortAllowRunner{
		baseRunner: baseRunner{store: store, events: ev, logger: log.WithComponent("port-allow")},
		engineFor:  engineFor,
		agent:      agent,
	}
}

func (r *PortAllowRunner) Family() types.TaskFunction { return types.TaskPortAllow }

// Step advances a port allow by one re-entrant step.
func (r *PortAllowRunner) Step(ctx context.Context, task *types.JobTask) (bool, error) {
	if task.Canceled {
		return true, r.finish(task, "canceled")
	}

	n, err := r.store.GetStorageNode(task.NodeID)
	if err != nil {
		return true, r.finish(task, fmt.Sprintf("node not found: %v", err))
	}
	// The firewall agent serves both for a running node and one marked
	// down with its host still up. Anything else holds the task.
	if n.Status != types.NodeStatusOnline && n.Status != types.NodeStatusDown {
		return false, r.suspend(task, fmt.Sprintf("node is %s, retry later", n.Status))
	}

	engine := r.engineFor(n)

	r.logger.Info().Str("node_id", n.ID).Msg("connecting remote devices")
	if err := reattachPeerDevices(ctx, r.store, engine, n); err != nil {
		return false, r.retryLater(task, fmt.Sprintf("failed to connect remote devices: %v", err))
	}
	if err := replayDeviceStatuses(ctx, r.store, engine, n); err != nil {
		return false, r.retryLater(task, fmt.Sprintf("failed to replay device statuses: %v", err))
	}

	if n.LVStoreStatus == types.LVStoreReady {
		if err := verifyRedundancyGroups(ctx, engine, n); err != nil {
			return false, r.suspend(task, fmt.Sprintf("lvstore check failed: %v, retry later", err))
		}
	}

	if err := r.markRunning(task); err != nil {
		return false, err
	}

	params := types.PortAllowParamsFrom(task)
	if params.Port == 0 {
		return true, r.finish(task, "no port in task params")
	}

	r.logger.Info().Str("node_id", n.ID).Int("port", params.Port).Msg("allowing port")
	if err := r.agent.AllowPort(ctx, n, params.Port); err != nil {
		return false, r.retryLater(task, fmt.Sprintf("failed to allow port: %v", err))
	}

	r.events.Emit(task.ClusterID, events.DomainPort, events.KindPortAllowed, n.ID, "task",
		fmt.Sprintf("port %d allowed on node", params.Port))
	return true, r.finish(task, fmt.Sprintf("port %d allowed on node", params.Port))
}
