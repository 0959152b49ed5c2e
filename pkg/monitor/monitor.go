package monitor

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/simplyblock-io/sbctl/pkg/cluster"
	"github.com/simplyblock-io/sbctl/pkg/config"
	"github.com/simplyblock-io/sbctl/pkg/device"
	"github.com/simplyblock-io/sbctl/pkg/log"
	"github.com/simplyblock-io/sbctl/pkg/metrics"
	"github.com/simplyblock-io/sbctl/pkg/node"
	"github.com/simplyblock-io/sbctl/pkg/probe"
	"github.com/simplyblock-io/sbctl/pkg/storage"
	"github.com/simplyblock-io/sbctl/pkg/tasks"
	"github.com/simplyblock-io/sbctl/pkg/types"
)

// Monitor is the health monitor loop. Once per interval it probes
// every monitored node in every cluster, drives node and device
// status from the probe outcomes, enqueues recovery tasks where a
// remote action is needed, and finally recomputes cluster status.
type Monitor struct {
	store     storage.Store
	prober    probe.Prober
	engineFor probe.EngineClientFactory
	nodes     *node.Controller
	devices   *device.Controller
	clusters  *cluster.Ops
	scheduler *tasks.Scheduler

	interval time.Duration
	dataPort int
	logger   zerolog.Logger
}

// New creates a monitor.
func New(cfg *config.Config, store storage.Store, prober probe.Prober, engineFor probe.EngineClientFactory,
	nodes *node.Controller, devices *device.Controller, clusters *cluster.Ops, scheduler *tasks.Scheduler) *Monitor {
	return &Monitor{
		store:     store,
		prober:    prober,
		engineFor: engineFor,
		nodes:     nodes,
		devices:   devices,
		clusters:  clusters,
		scheduler: scheduler,
		interval:  cfg.MonitorInterval,
		dataPort:  cfg.DataPort,
		logger:    log.WithComponent("monitor"),
	}
}

// Start runs monitor passes until the context is canceled.
func (m *Monitor) Start(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.RunOnce(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// RunOnce performs one full monitor pass over every cluster.
func (m *Monitor) RunOnce(ctx context.Context) {
	start := time.Now()
	defer func() {
		metrics.MonitorPassDuration.Observe(time.Since(start).Seconds())
	}()

	clusters, err := m.store.ListClusters()
	if err != nil {
		m.logger.Error().Err(err).Msg("failed to list clusters")
		return
	}

	for _, cl := range clusters {
		clog := log.WithClusterID(cl.ID)
		if cl.Status == types.ClusterStatusInActivation {
			clog.Info().Msg("cluster is in activation, skipping")
			continue
		}

		nodes, err := m.store.ListStorageNodesByCluster(cl.ID)
		if err != nil {
			clog.Error().Err(err).Msg("failed to list nodes")
			continue
		}

		for _, n := range nodes {
			m.checkNode(ctx, cl, n)
		}

		// Cluster status is only evaluated after every node in the
		// pass has been classified.
		if err := m.clusters.Update(ctx, cl.ID); err != nil {
			clog.Error().Err(err).Msg("failed to update cluster status")
		}
		m.observeCluster(cl.ID)
	}
}

// probeOutcome is the classification input gathered for one node.
// runtime feeds only the node's health flag, never its status.
type probeOutcome struct {
	ping      bool
	api       bool
	engineUp  bool
	rpc       bool
	ports     bool
	runtime   bool
	dataDown  bool // a definitely-down data port or data NIC
	checkedAt time.Time
}

func (o probeOutcome) online() bool {
	return o.ping && o.api && o.engineUp && o.rpc && o.ports
}

func (m *Monitor) checkNode(ctx context.Context, cl *types.Cluster, n *types.StorageNode) {
	if !n.IsMonitored() {
		m.logger.Debug().Str("node_id", n.ID).Str("status", string(n.Status)).Msg("node status not monitored, skipping")
		return
	}
	if n.Status == types.NodeStatusOnline && n.LVStoreStatus == types.LVStoreInCreation {
		m.logger.Info().Str("node_id", n.ID).Msg("node lvstore is in creation, skipping")
		return
	}

	outcome := m.probeNode(ctx, n)

	if n.Status == types.NodeStatusSchedulable && !outcome.ping && !outcome.api {
		// Already schedulable and still fully gone. Re-applying the
		// side effects every pass would just churn the store.
		return
	}

	if outcome.online() {
		m.handleOnline(ctx, n, outcome)
		return
	}
	m.handleOffline(ctx, cl, n, outcome)
}

// probeNode runs the ordered probe sequence, short-circuiting the
// engine checks when the management API is already gone and the port
// checks when the engine process is not up.
func (m *Monitor) probeNode(ctx context.Context, n *types.StorageNode) probeOutcome {
	outcome := probeOutcome{checkedAt: time.Now()}

	ping := m.prober.Ping(ctx, n.MgmtIP)
	m.logger.Info().Str("node_id", n.ID).Str("ip", n.MgmtIP).Bool("ok", ping.OK).Msg("check: ping mgmt ip")
	outcome.ping = ping.OK
	if !ping.OK {
		metrics.ProbeFailures.WithLabelValues("ping").Inc()
	}

	api := m.prober.CheckManagementAPI(ctx, n.MgmtIP)
	m.logger.Info().Str("node_id", n.ID).Bool("ok", api.OK).Msg("check: management api")
	outcome.api = api.OK
	if !api.OK {
		metrics.ProbeFailures.WithLabelValues("mgmt_api").Inc()
	}

	if api.OK {
		engine := m.prober.CheckEngineProcess(ctx, n.MgmtIP)
		m.logger.Info().Str("node_id", n.ID).Bool("ok", engine.OK).Msg("check: engine process")
		outcome.engineUp = engine.OK
		if !engine.OK {
			metrics.ProbeFailures.WithLabelValues("engine_process").Inc()
		}
	}

	rpc := m.prober.CheckRPC(ctx, n.MgmtIP, n.RPCPort, n.RPCUsername, n.RPCPassword)
	m.logger.Info().Str("node_id", n.ID).Int("port", n.RPCPort).Bool("ok", rpc.OK).Msg("check: engine rpc")
	outcome.rpc = rpc.OK
	if !rpc.OK {
		metrics.ProbeFailures.WithLabelValues("rpc").Inc()
	}

	runtime := m.prober.CheckRuntimeAPI(ctx, n.MgmtIP)
	m.logger.Info().Str("node_id", n.ID).Bool("ok", runtime.OK).Msg("check: container runtime api")
	outcome.runtime = runtime.OK
	if !runtime.OK {
		metrics.ProbeFailures.WithLabelValues("runtime_api").Inc()
	}

	outcome.ports = true
	if outcome.engineUp && n.LVStoreStatus == types.LVStoreReady {
		for _, port := range m.nodePorts(n) {
			res := m.prober.CheckPort(ctx, n.MgmtIP, port)
			m.logger.Info().Str("node_id", n.ID).Int("port", port).Bool("ok", res.OK).Msg("check: node port")
			if !res.OK {
				metrics.ProbeFailures.WithLabelValues("port").Inc()
				outcome.ports = false
				if port == m.dataPort {
					outcome.dataDown = true
				}
			}
		}
		for _, nic := range n.DataNICs {
			if nic.IP4 == "" {
				continue
			}
			res := m.prober.Ping(ctx, nic.IP4)
			m.logger.Info().Str("node_id", n.ID).Str("ip", nic.IP4).Bool("ok", res.OK).Msg("check: ping data nic")
			if !res.OK {
				metrics.ProbeFailures.WithLabelValues("data_nic").Inc()
				outcome.ports = false
				outcome.dataDown = true
			}
		}
	}

	return outcome
}

// nodePorts returns the data-plane listeners required of the node. A
// secondary node serves the fixed data port plus the lvol subsystem
// port of every ready primary it backs; a primary serves its own lvol
// subsystem port plus the fixed data port.
func (m *Monitor) nodePorts(n *types.StorageNode) []int {
	if !n.IsSecondary {
		return []int{n.LvolSubsysPort, m.dataPort}
	}
	ports := []int{m.dataPort}
	peers, err := m.store.ListStorageNodesByCluster(n.ClusterID)
	if err != nil {
		m.logger.Error().Err(err).Str("node_id", n.ID).Msg("failed to list peers for port set")
		return ports
	}
	for _, peer := range peers {
		if peer.SecondaryNodeID == n.ID && peer.LVStoreStatus == types.LVStoreReady {
			ports = append(ports, peer.LvolSubsysPort)
		}
	}
	return ports
}

func (m *Monitor) handleOnline(ctx context.Context, n *types.StorageNode, outcome probeOutcome) {
	if err := m.nodes.MarkReachable(ctx, n.ID); err != nil {
		m.logger.Error().Err(err).Str("node_id", n.ID).Msg("failed to stamp reachability")
		return
	}

	if err := m.nodes.SetOnline(ctx, n.ID, "monitor"); err != nil {
		if errors.Is(err, node.ErrStabilizing) {
			m.logger.Info().Str("node_id", n.ID).Msg("node reachable, waiting for stabilization window")
		} else {
			m.logger.Error().Err(err).Str("node_id", n.ID).Msg("failed to set node online")
		}
		return
	}

	// The runtime API does not drive status, only the health flag.
	if err := m.nodes.SetHealthCheck(ctx, n.ID, outcome.runtime); err != nil {
		m.logger.Error().Err(err).Str("node_id", n.ID).Msg("failed to record node health")
	}

	m.checkJournalDevice(ctx, n)
	m.checkDeviceHealth(ctx, n)
}

// checkJournalDevice re-validates the journal bdev independently: a
// node can be fully reachable while its journal is gone.
func (m *Monitor) checkJournalDevice(ctx context.Context, n *types.StorageNode) {
	if n.JMDevice == nil {
		return
	}
	if n.JMDevice.Status != types.JMDeviceStatusOnline && n.JMDevice.Status != types.JMDeviceStatusUnavailable {
		return
	}

	engine := m.engineFor(n)
	found, err := engine.GetBdev(ctx, n.JMDevice.ID)
	if err != nil || !found {
		m.logger.Error().Err(err).Str("node_id", n.ID).Str("jm_id", n.JMDevice.ID).Msg("journal bdev is offline")
		if err := m.devices.SetJMStatus(ctx, n.ID, types.JMDeviceStatusUnavailable, "monitor"); err != nil {
			m.logger.Error().Err(err).Str("node_id", n.ID).Msg("failed to set journal device unavailable")
		}
		return
	}
	if n.JMDevice.Status != types.JMDeviceStatusOnline {
		if err := m.devices.SetJMStatus(ctx, n.ID, types.JMDeviceStatusOnline, "monitor"); err != nil {
			m.logger.Error().Err(err).Str("node_id", n.ID).Msg("failed to restore journal device")
		}
	}
}

// checkDeviceHealth refreshes each data device's health flag from a
// bdev existence probe. Health flags never drive status.
func (m *Monitor) checkDeviceHealth(ctx context.Context, n *types.StorageNode) {
	engine := m.engineFor(n)
	for _, dev := range n.Devices {
		switch dev.Status {
		case types.DeviceStatusOnline, types.DeviceStatusUnavailable, types.DeviceStatusReadOnly, types.DeviceStatusCannotAllocate:
		default:
			continue
		}
		found, err := engine.GetBdev(ctx, dev.ID)
		healthy := err == nil && found
		if err := m.devices.SetHealthCheck(ctx, dev.ID, healthy); err != nil {
			m.logger.Error().Err(err).Str("device_id", dev.ID).Msg("failed to record device health")
		}
	}
}

func (m *Monitor) handleOffline(ctx context.Context, cl *types.Cluster, n *types.StorageNode, outcome probeOutcome) {
	// An operator may have suspended or resumed the cluster while the
	// pass was probing, so classify against the current record.
	if fresh, err := m.store.GetCluster(cl.ID); err == nil {
		cl = fresh
	} else {
		m.logger.Error().Err(err).Str("node_id", n.ID).Msg("failed to re-read cluster")
	}

	if err := m.nodes.MarkUnreachable(ctx, n.ID); err != nil {
		m.logger.Error().Err(err).Str("node_id", n.ID).Msg("failed to clear reachability")
	}
	if err := m.nodes.SetHealthCheck(ctx, n.ID, false); err != nil {
		m.logger.Error().Err(err).Str("node_id", n.ID).Msg("failed to record node health")
	}

	switch {
	case !outcome.ping && !outcome.api && !outcome.engineUp:
		// Host and process both gone: the node is a candidate for a
		// cold restart somewhere else.
		if err := m.nodes.SetSchedulable(ctx, n.ID, "monitor"); err != nil {
			m.logger.Error().Err(err).Str("node_id", n.ID).Msg("failed to set node schedulable")
		}

	case outcome.ping && outcome.api && (!outcome.engineUp || !outcome.rpc):
		if cl.Status == types.ClusterStatusUnready {
			return
		}
		// Host alive, engine crashed: restart it in place.
		if err := m.nodes.SetUnreachable(ctx, n.ID, "monitor"); err != nil {
			m.logger.Error().Err(err).Str("node_id", n.ID).Msg("failed to set node unreachable")
			return
		}
		if _, err := m.scheduler.AddNodeRestart(ctx, n); err != nil {
			m.logger.Error().Err(err).Str("node_id", n.ID).Msg("failed to enqueue node restart")
		}

	case !outcome.ports:
		if cl.Status == types.ClusterStatusSuspended || cl.Status == types.ClusterStatusUnready {
			// While suspended or not yet serving, the data plane is
			// expected to be closed; marking nodes down would fight
			// the reactivation gate.
			return
		}
		m.logger.Error().Str("node_id", n.ID).Msg("port check failed")
		if err := m.nodes.SetDown(ctx, n.ID, outcome.dataDown, "monitor"); err != nil {
			m.logger.Error().Err(err).Str("node_id", n.ID).Msg("failed to set node down")
		}

	default:
		if err := m.nodes.SetUnreachable(ctx, n.ID, "monitor"); err != nil {
			m.logger.Error().Err(err).Str("node_id", n.ID).Msg("failed to set node unreachable")
		}
	}
}

// observeCluster refreshes the per-cluster gauges after a pass.
func (m *Monitor) observeCluster(clusterID string) {
	cl, err := m.store.GetCluster(clusterID)
	if err != nil {
		return
	}
	for _, status := range []types.ClusterStatus{
		types.ClusterStatusActive, types.ClusterStatusDegraded, types.ClusterStatusSuspended,
		types.ClusterStatusReadOnly, types.ClusterStatusUnready, types.ClusterStatusInActivation,
	} {
		val := 0.0
		if cl.Status == status {
			val = 1.0
		}
		metrics.ClusterStatus.WithLabelValues(clusterID, string(status)).Set(val)
	}

	nodes, err := m.store.ListStorageNodesByCluster(clusterID)
	if err != nil {
		return
	}
	nodeCounts := map[types.NodeStatus]int{}
	devCounts := map[types.DeviceStatus]int{}
	for _, n := range nodes {
		nodeCounts[n.Status]++
		for _, dev := range n.Devices {
			devCounts[dev.Status]++
		}
	}
	for status, count := range nodeCounts {
		metrics.NodesTotal.WithLabelValues(clusterID, string(status)).Set(float64(count))
	}
	for status, count := range devCounts {
		metrics.DevicesTotal.WithLabelValues(clusterID, string(status)).Set(float64(count))
	}

	list, err := m.store.ListTasksByCluster(clusterID)
	if err != nil {
		return
	}
	type taskKey struct {
		fn     types.TaskFunction
		status types.TaskStatus
	}
	taskCounts := map[taskKey]int{}
	for _, task := range list {
		taskCounts[taskKey{task.Function, task.Status}]++
	}
	for key, count := range taskCounts {
		metrics.TasksTotal.WithLabelValues(clusterID, string(key.fn), string(key.status)).Set(float64(count))
	}
}
