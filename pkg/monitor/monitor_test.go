package monitor

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/simplyblock-io/sbctl/pkg/cluster"
	"github.com/simplyblock-io/sbctl/pkg/config"
	"github.com/simplyblock-io/sbctl/pkg/device"
	"github.com/simplyblock-io/sbctl/pkg/events"
	"github.com/simplyblock-io/sbctl/pkg/log"
	"github.com/simplyblock-io/sbctl/pkg/node"
	"github.com/simplyblock-io/sbctl/pkg/probe"
	"github.com/simplyblock-io/sbctl/pkg/storage"
	"github.com/simplyblock-io/sbctl/pkg/tasks"
	"github.com/simplyblock-io/sbctl/pkg/types"
)

// hostScript is the scripted probe behavior for one IP.
type hostScript struct {
	ping, api, engineUp, rpc, runtime bool

	// downPorts lists TCP listeners that fail the port check.
	downPorts map[int]bool
}

func healthyHost() *hostScript {
	return &hostScript{ping: true, api: true, engineUp: true, rpc: true, runtime: true}
}

func deadHost() *hostScript {
	return &hostScript{}
}

// scriptedProber answers probes from per-IP scripts. Unknown IPs
// (data NICs not under test) answer healthy. onPing, when set, runs
// before each ping so tests can mutate state mid-pass.
type scriptedProber struct {
	hosts  map[string]*hostScript
	onPing func(ip string)
}

func (p *scriptedProber) host(ip string) *hostScript {
	if s, ok := p.hosts[ip]; ok {
		return s
	}
	return healthyHost()
}

func res(ok bool) probe.Result { return probe.Result{OK: ok} }

func (p *scriptedProber) Ping(ctx context.Context, ip string) probe.Result {
	if p.onPing != nil {
		p.onPing(ip)
	}
	return res(p.host(ip).ping)
}

func (p *scriptedProber) CheckManagementAPI(ctx context.Context, ip string) probe.Result {
	return res(p.host(ip).api)
}

func (p *scriptedProber) CheckEngineProcess(ctx context.Context, ip string) probe.Result {
	return res(p.host(ip).engineUp)
}

func (p *scriptedProber) CheckRPC(ctx context.Context, ip string, port int, user, pass string) probe.Result {
	return res(p.host(ip).rpc)
}

func (p *scriptedProber) CheckPort(ctx context.Context, ip string, port int) probe.Result {
	return res(!p.host(ip).downPorts[port])
}

func (p *scriptedProber) CheckRuntimeAPI(ctx context.Context, ip string) probe.Result {
	return res(p.host(ip).runtime)
}

// scriptedEngine answers bdev lookups; everything else is unused by
// the monitor.
type scriptedEngine struct {
	missing map[string]bool
}

func (e *scriptedEngine) StartMigration(ctx context.Context, groupName string, deviceOrdinal int) ([]string, error) {
	return nil, nil
}
func (e *scriptedEngine) MigrationStatus(ctx context.Context, handle string) (probe.MigrationState, error) {
	return probe.MigrationState{}, nil
}
func (e *scriptedEngine) GetBdev(ctx context.Context, name string) (bool, error) {
	return !e.missing[name], nil
}
func (e *scriptedEngine) GetClusterMap(ctx context.Context, groupName string) (map[string]any, error) {
	return map[string]any{"map": "ok"}, nil
}
func (e *scriptedEngine) SendDeviceStatus(ctx context.Context, deviceOrdinal int, status types.DeviceStatus) error {
	return nil
}
func (e *scriptedEngine) RecreateDeviceStack(ctx context.Context, deviceID string) error {
	return nil
}
func (e *scriptedEngine) AttachRemoteDevice(ctx context.Context, name, nqn, ip string, port int) error {
	return nil
}

type monitorFixture struct {
	store     storage.Store
	prober    *scriptedProber
	engine    *scriptedEngine
	nodes     *node.Controller
	devices   *device.Controller
	clusters  *cluster.Ops
	scheduler *tasks.Scheduler
	mon       *Monitor
}

func newMonitorFixture(t *testing.T, window time.Duration) *monitorFixture {
	t.Helper()
	log.Init(log.Config{Level: log.ErrorLevel})

	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	ev := events.NewLogger(store, nil)
	prober := &scriptedProber{hosts: map[string]*hostScript{}}
	engine := &scriptedEngine{missing: map[string]bool{}}
	engineFor := func(n *types.StorageNode) probe.EngineClient { return engine }

	devices := device.NewController(store, ev, engineFor)
	nodes := node.NewController(store, ev, devices, window)
	clusters := cluster.NewOps(store, ev, window)
	scheduler := tasks.NewScheduler(store, ev, devices, 8)

	cfg := &config.Config{MonitorInterval: time.Second, DataPort: 4420}
	mon := New(cfg, store, prober, engineFor, nodes, devices, clusters, scheduler)

	return &monitorFixture{
		store: store, prober: prober, engine: engine,
		nodes: nodes, devices: devices, clusters: clusters,
		scheduler: scheduler, mon: mon,
	}
}

// seedCluster writes a three node cluster with ndcs=2, npcs=1 and two
// online devices per node, all hosts answering healthy.
func (f *monitorFixture) seedCluster(t *testing.T, status types.ClusterStatus) {
	t.Helper()
	require.NoError(t, f.store.PutCluster(&types.Cluster{
		ID: "cl-1", NDCS: 2, NPCS: 1, Status: status,
	}))
	for i, id := range []string{"node-a", "node-b", "node-c"} {
		ip := fmt.Sprintf("10.0.0.%d", i+1)
		n := &types.StorageNode{
			ID: id, ClusterID: "cl-1", Status: types.NodeStatusOnline,
			MgmtIP: ip, RPCPort: 8080, LvolSubsysPort: 9090 + i,
			LVStoreStatus: types.LVStoreReady,
			OnlineSince:   time.Now().Add(-time.Hour),
		}
		for j := 0; j < 2; j++ {
			n.Devices = append(n.Devices, &types.NVMeDevice{
				ID:     fmt.Sprintf("dev-%s-%d", id, j),
				NodeID: id, ClusterID: "cl-1",
				Status:             types.DeviceStatusOnline,
				ClusterDeviceOrder: i*2 + j,
			})
		}
		require.NoError(t, f.store.PutStorageNode(n))
		f.prober.hosts[ip] = healthyHost()
	}
}

func (f *monitorFixture) nodeStatus(t *testing.T, id string) types.NodeStatus {
	t.Helper()
	n, err := f.store.GetStorageNode(id)
	require.NoError(t, err)
	return n.Status
}

func (f *monitorFixture) deviceStatuses(t *testing.T, nodeID string) []types.DeviceStatus {
	t.Helper()
	n, err := f.store.GetStorageNode(nodeID)
	require.NoError(t, err)
	out := make([]types.DeviceStatus, 0, len(n.Devices))
	for _, dev := range n.Devices {
		out = append(out, dev.Status)
	}
	return out
}

func (f *monitorFixture) clusterStatus(t *testing.T) types.ClusterStatus {
	t.Helper()
	cl, err := f.store.GetCluster("cl-1")
	require.NoError(t, err)
	return cl.Status
}

func TestRunOnceNodeOutageAndRecovery(t *testing.T) {
	ctx := context.Background()
	f := newMonitorFixture(t, 0)
	f.seedCluster(t, types.ClusterStatusActive)

	// Healthy pass changes nothing.
	f.mon.RunOnce(ctx)
	require.Equal(t, types.NodeStatusOnline, f.nodeStatus(t, "node-b"))
	require.Equal(t, types.ClusterStatusActive, f.clusterStatus(t))

	// Node B's host disappears entirely.
	f.prober.hosts["10.0.0.2"] = deadHost()
	f.mon.RunOnce(ctx)

	require.Equal(t, types.NodeStatusSchedulable, f.nodeStatus(t, "node-b"))
	for _, st := range f.deviceStatuses(t, "node-b") {
		require.Equal(t, types.DeviceStatusUnavailable, st)
	}
	// One node out of three lost, four of six devices still online:
	// readable but under-replicated.
	require.Equal(t, types.ClusterStatusDegraded, f.clusterStatus(t))

	// Peers are untouched.
	require.Equal(t, types.NodeStatusOnline, f.nodeStatus(t, "node-a"))
	for _, st := range f.deviceStatuses(t, "node-a") {
		require.Equal(t, types.DeviceStatusOnline, st)
	}

	// Node B comes back.
	f.prober.hosts["10.0.0.2"] = healthyHost()
	f.mon.RunOnce(ctx)

	require.Equal(t, types.NodeStatusOnline, f.nodeStatus(t, "node-b"))
	for _, st := range f.deviceStatuses(t, "node-b") {
		require.Equal(t, types.DeviceStatusOnline, st)
	}
	require.Equal(t, types.ClusterStatusActive, f.clusterStatus(t))
}

func TestEngineCrashSchedulesRestart(t *testing.T) {
	ctx := context.Background()

	t.Run("enqueues a node restart", func(t *testing.T) {
		f := newMonitorFixture(t, 0)
		f.seedCluster(t, types.ClusterStatusActive)

		// Host up, engine process and RPC gone.
		f.prober.hosts["10.0.0.2"] = &hostScript{ping: true, api: true}
		f.mon.RunOnce(ctx)

		require.Equal(t, types.NodeStatusUnreachable, f.nodeStatus(t, "node-b"))

		list, err := f.store.ListTasksByCluster("cl-1")
		require.NoError(t, err)
		require.Len(t, list, 1)
		require.Equal(t, types.TaskNodeRestart, list[0].Function)
		require.Equal(t, "node-b", list[0].NodeID)
	})

	t.Run("skipped while cluster is unready", func(t *testing.T) {
		f := newMonitorFixture(t, 0)
		f.seedCluster(t, types.ClusterStatusUnready)

		f.prober.hosts["10.0.0.2"] = &hostScript{ping: true, api: true}
		f.mon.RunOnce(ctx)

		require.Equal(t, types.NodeStatusOnline, f.nodeStatus(t, "node-b"))
		list, err := f.store.ListTasksByCluster("cl-1")
		require.NoError(t, err)
		require.Empty(t, list)
	})
}

func TestPortFailureMarksNodeDown(t *testing.T) {
	ctx := context.Background()

	t.Run("data port failure blocks devices", func(t *testing.T) {
		f := newMonitorFixture(t, 0)
		f.seedCluster(t, types.ClusterStatusActive)

		script := healthyHost()
		script.downPorts = map[int]bool{4420: true}
		f.prober.hosts["10.0.0.2"] = script
		f.mon.RunOnce(ctx)

		require.Equal(t, types.NodeStatusDown, f.nodeStatus(t, "node-b"))
		for _, st := range f.deviceStatuses(t, "node-b") {
			require.Equal(t, types.DeviceStatusUnavailable, st)
		}
	})

	t.Run("lvol port failure leaves devices online", func(t *testing.T) {
		f := newMonitorFixture(t, 0)
		f.seedCluster(t, types.ClusterStatusActive)

		script := healthyHost()
		script.downPorts = map[int]bool{9091: true} // node-b's lvol subsystem port
		f.prober.hosts["10.0.0.2"] = script
		f.mon.RunOnce(ctx)

		require.Equal(t, types.NodeStatusDown, f.nodeStatus(t, "node-b"))
		for _, st := range f.deviceStatuses(t, "node-b") {
			require.Equal(t, types.DeviceStatusOnline, st)
		}
	})

	t.Run("skipped while cluster is suspended", func(t *testing.T) {
		f := newMonitorFixture(t, 0)
		f.seedCluster(t, types.ClusterStatusSuspended)

		script := healthyHost()
		script.downPorts = map[int]bool{4420: true}
		f.prober.hosts["10.0.0.2"] = script
		f.mon.RunOnce(ctx)

		require.Equal(t, types.NodeStatusOnline, f.nodeStatus(t, "node-b"))
	})

	t.Run("skipped while cluster is unready", func(t *testing.T) {
		f := newMonitorFixture(t, 0)
		f.seedCluster(t, types.ClusterStatusUnready)

		script := healthyHost()
		script.downPorts = map[int]bool{4420: true}
		f.prober.hosts["10.0.0.2"] = script
		f.mon.RunOnce(ctx)

		require.Equal(t, types.NodeStatusOnline, f.nodeStatus(t, "node-b"))
		for _, st := range f.deviceStatuses(t, "node-b") {
			require.Equal(t, types.DeviceStatusOnline, st)
		}
	})

	t.Run("suspension mid-pass is honored", func(t *testing.T) {
		f := newMonitorFixture(t, 0)
		f.seedCluster(t, types.ClusterStatusActive)

		script := healthyHost()
		script.downPorts = map[int]bool{4420: true}
		f.prober.hosts["10.0.0.2"] = script

		// An operator suspends the cluster while node-b is being
		// probed. Classification must see the suspended record, not
		// the snapshot taken at the top of the pass.
		f.prober.onPing = func(ip string) {
			if ip != "10.0.0.2" {
				return
			}
			cl, err := f.store.GetCluster("cl-1")
			require.NoError(t, err)
			cl.Status = types.ClusterStatusSuspended
			require.NoError(t, f.store.PutCluster(cl))
		}
		f.mon.RunOnce(ctx)

		require.Equal(t, types.NodeStatusOnline, f.nodeStatus(t, "node-b"))
		for _, st := range f.deviceStatuses(t, "node-b") {
			require.Equal(t, types.DeviceStatusOnline, st)
		}
	})
}

func TestRuntimeAPIOnlyDrivesHealthFlag(t *testing.T) {
	ctx := context.Background()
	f := newMonitorFixture(t, 0)
	f.seedCluster(t, types.ClusterStatusActive)

	script := healthyHost()
	script.runtime = false
	f.prober.hosts["10.0.0.2"] = script
	f.mon.RunOnce(ctx)

	n, err := f.store.GetStorageNode("node-b")
	require.NoError(t, err)
	require.Equal(t, types.NodeStatusOnline, n.Status)
	require.False(t, n.HealthCheck)
	for _, dev := range n.Devices {
		require.Equal(t, types.DeviceStatusOnline, dev.Status)
	}

	script.runtime = true
	f.mon.RunOnce(ctx)

	n, err = f.store.GetStorageNode("node-b")
	require.NoError(t, err)
	require.True(t, n.HealthCheck)
}

func TestRecoveryWaitsForStabilization(t *testing.T) {
	ctx := context.Background()
	f := newMonitorFixture(t, 5*time.Minute)
	f.seedCluster(t, types.ClusterStatusDegraded)

	n, err := f.store.GetStorageNode("node-b")
	require.NoError(t, err)
	n.Status = types.NodeStatusUnreachable
	for _, dev := range n.Devices {
		dev.Status = types.DeviceStatusUnavailable
	}
	require.NoError(t, f.store.PutStorageNode(n))

	// All probes pass, but the node has not been reachable for the
	// stabilization window yet.
	f.mon.RunOnce(ctx)

	n, err = f.store.GetStorageNode("node-b")
	require.NoError(t, err)
	require.Equal(t, types.NodeStatusUnreachable, n.Status)
	require.False(t, n.ReachableSince.IsZero())
	for _, dev := range n.Devices {
		require.Equal(t, types.DeviceStatusUnavailable, dev.Status)
	}

	// Backdate the streak past the window and the next pass promotes.
	n.ReachableSince = time.Now().Add(-10 * time.Minute)
	require.NoError(t, f.store.PutStorageNode(n))
	f.mon.RunOnce(ctx)

	require.Equal(t, types.NodeStatusOnline, f.nodeStatus(t, "node-b"))
	for _, st := range f.deviceStatuses(t, "node-b") {
		require.Equal(t, types.DeviceStatusOnline, st)
	}
}

func TestJournalDeviceRevalidation(t *testing.T) {
	ctx := context.Background()

	t.Run("missing journal bdev goes unavailable", func(t *testing.T) {
		f := newMonitorFixture(t, 0)
		f.seedCluster(t, types.ClusterStatusActive)

		n, err := f.store.GetStorageNode("node-a")
		require.NoError(t, err)
		n.JMDevice = &types.JMDevice{ID: "jm-a", Status: types.JMDeviceStatusOnline}
		require.NoError(t, f.store.PutStorageNode(n))
		f.engine.missing["jm-a"] = true

		f.mon.RunOnce(ctx)

		n, err = f.store.GetStorageNode("node-a")
		require.NoError(t, err)
		require.Equal(t, types.JMDeviceStatusUnavailable, n.JMDevice.Status)
		// The data devices are unaffected.
		require.Equal(t, types.NodeStatusOnline, n.Status)
	})

	t.Run("recovered journal bdev comes back", func(t *testing.T) {
		f := newMonitorFixture(t, 0)
		f.seedCluster(t, types.ClusterStatusActive)

		n, err := f.store.GetStorageNode("node-a")
		require.NoError(t, err)
		n.JMDevice = &types.JMDevice{ID: "jm-a", Status: types.JMDeviceStatusUnavailable}
		require.NoError(t, f.store.PutStorageNode(n))

		f.mon.RunOnce(ctx)

		n, err = f.store.GetStorageNode("node-a")
		require.NoError(t, err)
		require.Equal(t, types.JMDeviceStatusOnline, n.JMDevice.Status)
	})
}

func TestSchedulableNodeShortCircuit(t *testing.T) {
	ctx := context.Background()
	f := newMonitorFixture(t, 0)
	f.seedCluster(t, types.ClusterStatusDegraded)

	n, err := f.store.GetStorageNode("node-b")
	require.NoError(t, err)
	n.Status = types.NodeStatusSchedulable
	n.HealthCheck = true
	for _, dev := range n.Devices {
		dev.Status = types.DeviceStatusUnavailable
	}
	require.NoError(t, f.store.PutStorageNode(n))
	f.prober.hosts["10.0.0.2"] = deadHost()

	f.mon.RunOnce(ctx)

	// Still fully gone and already schedulable: the pass must not
	// touch the record again.
	n, err = f.store.GetStorageNode("node-b")
	require.NoError(t, err)
	require.Equal(t, types.NodeStatusSchedulable, n.Status)
	require.True(t, n.HealthCheck)
}

func TestInActivationClusterIsSkipped(t *testing.T) {
	ctx := context.Background()
	f := newMonitorFixture(t, 0)
	f.seedCluster(t, types.ClusterStatusInActivation)
	f.prober.hosts["10.0.0.2"] = deadHost()

	f.mon.RunOnce(ctx)

	require.Equal(t, types.NodeStatusOnline, f.nodeStatus(t, "node-b"))
	require.Equal(t, types.ClusterStatusInActivation, f.clusterStatus(t))
}
