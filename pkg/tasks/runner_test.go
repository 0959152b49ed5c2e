package tasks

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/simplyblock-io/sbctl/pkg/device"
	"github.com/simplyblock-io/sbctl/pkg/events"
	"github.com/simplyblock-io/sbctl/pkg/log"
	"github.com/simplyblock-io/sbctl/pkg/node"
	"github.com/simplyblock-io/sbctl/pkg/probe"
	"github.com/simplyblock-io/sbctl/pkg/storage"
	"github.com/simplyblock-io/sbctl/pkg/types"
)

// stubEngine is a scriptable EngineClient.
type stubEngine struct {
	handles    []string
	startErr   error
	statuses   map[string]probe.MigrationState
	missing    map[string]bool
	emptyMap   bool
	started    int
	attached   []string
	statusSent []string
	recreated  []string
}

func (f *stubEngine) StartMigration(ctx context.Context, groupName string, deviceOrdinal int) ([]string, error) {
	f.started++
	return f.handles, f.startErr
}

func (f *stubEngine) MigrationStatus(ctx context.Context, handle string) (probe.MigrationState, error) {
	if f.statuses == nil {
		return probe.MigrationState{}, fmt.Errorf("unknown migration %s", handle)
	}
	return f.statuses[handle], nil
}

func (f *stubEngine) GetBdev(ctx context.Context, name string) (bool, error) {
	return !f.missing[name], nil
}

func (f *stubEngine) GetClusterMap(ctx context.Context, groupName string) (map[string]any, error) {
	if f.emptyMap {
		return nil, nil
	}
	return map[string]any{"map": "ok"}, nil
}

func (f *stubEngine) SendDeviceStatus(ctx context.Context, deviceOrdinal int, status types.DeviceStatus) error {
	f.statusSent = append(f.statusSent, fmt.Sprintf("%d=%s", deviceOrdinal, status))
	return nil
}

func (f *stubEngine) RecreateDeviceStack(ctx context.Context, deviceID string) error {
	f.recreated = append(f.recreated, deviceID)
	return nil
}

func (f *stubEngine) AttachRemoteDevice(ctx context.Context, name, nqn, ip string, port int) error {
	f.attached = append(f.attached, name)
	return nil
}

// stubProber answers every check with a fixed verdict.
type stubProber struct {
	ping, api, engineUp, rpc, port bool
}

func res(ok bool) probe.Result { return probe.Result{OK: ok} }

func (p *stubProber) Ping(ctx context.Context, ip string) probe.Result { return res(p.ping) }
func (p *stubProber) CheckManagementAPI(ctx context.Context, ip string) probe.Result {
	return res(p.api)
}
func (p *stubProber) CheckEngineProcess(ctx context.Context, ip string) probe.Result {
	return res(p.engineUp)
}
func (p *stubProber) CheckRPC(ctx context.Context, ip string, port int, user, pass string) probe.Result {
	return res(p.rpc)
}
func (p *stubProber) CheckPort(ctx context.Context, ip string, port int) probe.Result {
	return res(p.port)
}
func (p *stubProber) CheckRuntimeAPI(ctx context.Context, ip string) probe.Result { return res(true) }

// stubAgent records node agent calls. onRestart runs after a
// successful engine restart, standing in for the monitor observing
// the node coming back.
type stubAgent struct {
	shutdowns, restarts int
	allowedPorts        []int
	onRestart           func()
}

func (a *stubAgent) ShutdownEngine(ctx context.Context, n *types.StorageNode) error {
	a.shutdowns++
	return nil
}
func (a *stubAgent) RestartEngine(ctx context.Context, n *types.StorageNode) error {
	a.restarts++
	if a.onRestart != nil {
		a.onRestart()
	}
	return nil
}
func (a *stubAgent) AllowPort(ctx context.Context, n *types.StorageNode, port int) error {
	a.allowedPorts = append(a.allowedPorts, port)
	return nil
}

type runnerFixture struct {
	store     storage.Store
	events    *events.Logger
	devices   *device.Controller
	nodes     *node.Controller
	scheduler *Scheduler
	engine    *stubEngine
}

func newRunnerFixture(t *testing.T) *runnerFixture {
	t.Helper()
	log.Init(log.Config{Level: log.ErrorLevel})

	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	ev := events.NewLogger(store, nil)
	engine := &stubEngine{}
	devices := device.NewController(store, ev, func(n *types.StorageNode) probe.EngineClient {
		return engine
	})
	return &runnerFixture{
		store:     store,
		events:    ev,
		devices:   devices,
		nodes:     node.NewController(store, ev, devices, 0),
		scheduler: NewScheduler(store, ev, devices, 8),
		engine:    engine,
	}
}

func (f *runnerFixture) seed(t *testing.T, nodeStatus types.NodeStatus, devStatus types.DeviceStatus) {
	t.Helper()
	require.NoError(t, f.store.PutCluster(&types.Cluster{ID: "cl-1", NDCS: 2, NPCS: 1, Status: types.ClusterStatusActive}))
	require.NoError(t, f.store.PutStorageNode(&types.StorageNode{
		ID: "node-a", ClusterID: "cl-1", Status: nodeStatus, MgmtIP: "10.0.0.1",
		LVStoreStatus:    types.LVStoreReady,
		RedundancyGroups: []types.RedundancyGroup{{Name: "distr-1"}},
		Devices: []*types.NVMeDevice{
			{ID: "dev-1", NodeID: "node-a", ClusterID: "cl-1", Status: devStatus, ClusterDeviceOrder: 1},
		},
	}))
}

func (f *runnerFixture) task(t *testing.T, fn types.TaskFunction, maxRetry int, params map[string]string) *types.JobTask {
	t.Helper()
	task := &types.JobTask{
		ID: "task-1", ClusterID: "cl-1", NodeID: "node-a", DeviceID: "dev-1",
		Function: fn, Status: types.TaskStatusNew, MaxRetry: maxRetry, Params: params,
		CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}
	require.NoError(t, f.store.PutTask(task))
	return task
}

func TestDeviceRestartRunner(t *testing.T) {
	ctx := context.Background()

	t.Run("max retry reached fails closed", func(t *testing.T) {
		f := newRunnerFixture(t)
		f.seed(t, types.NodeStatusOnline, types.DeviceStatusUnavailable)
		task := f.task(t, types.TaskDeviceRestart, 8, nil)
		task.Retry = 8

		r := NewDeviceRestartRunner(f.store, f.events, f.devices, f.scheduler)
		done, err := r.Step(ctx, task)
		require.NoError(t, err)
		require.True(t, done)
		require.Equal(t, "max retry reached", task.Result)

		dev, err := f.store.GetDevice("dev-1")
		require.NoError(t, err)
		require.Equal(t, types.DeviceStatusUnavailable, dev.Status)
		require.True(t, dev.RetriesExhausted)
	})

	t.Run("pending node restart supersedes", func(t *testing.T) {
		f := newRunnerFixture(t)
		f.seed(t, types.NodeStatusOnline, types.DeviceStatusUnavailable)
		n, err := f.store.GetStorageNode("node-a")
		require.NoError(t, err)
		_, err = f.scheduler.AddNodeRestart(ctx, n)
		require.NoError(t, err)
		task := f.task(t, types.TaskDeviceRestart, 8, nil)

		r := NewDeviceRestartRunner(f.store, f.events, f.devices, f.scheduler)
		done, err := r.Step(ctx, task)
		require.NoError(t, err)
		require.True(t, done)
		require.Equal(t, "canceled: node restart found", task.Result)
	})

	t.Run("soft restart flips device back online", func(t *testing.T) {
		f := newRunnerFixture(t)
		f.seed(t, types.NodeStatusOnline, types.DeviceStatusUnavailable)
		task := f.task(t, types.TaskDeviceRestart, 8, nil)

		r := NewDeviceRestartRunner(f.store, f.events, f.devices, f.scheduler)
		done, err := r.Step(ctx, task)
		require.NoError(t, err)
		require.True(t, done)
		require.Equal(t, "done", task.Result)

		dev, err := f.store.GetDevice("dev-1")
		require.NoError(t, err)
		require.Equal(t, types.DeviceStatusOnline, dev.Status)
		// No full stack rebuild on the early attempts.
		require.Empty(t, f.engine.recreated)
	})

	t.Run("full restart after soft attempts", func(t *testing.T) {
		f := newRunnerFixture(t)
		f.seed(t, types.NodeStatusOnline, types.DeviceStatusUnavailable)
		task := f.task(t, types.TaskDeviceRestart, 8, nil)
		task.Retry = 3

		r := NewDeviceRestartRunner(f.store, f.events, f.devices, f.scheduler)
		done, err := r.Step(ctx, task)
		require.NoError(t, err)
		require.True(t, done)
		require.Contains(t, f.engine.recreated, "dev-1")
	})

	t.Run("offline node retries", func(t *testing.T) {
		f := newRunnerFixture(t)
		f.seed(t, types.NodeStatusUnreachable, types.DeviceStatusUnavailable)
		task := f.task(t, types.TaskDeviceRestart, 8, nil)

		r := NewDeviceRestartRunner(f.store, f.events, f.devices, f.scheduler)
		done, err := r.Step(ctx, task)
		require.NoError(t, err)
		require.False(t, done)
		require.Equal(t, 1, task.Retry)
	})
}

func TestNodeRestartRunner(t *testing.T) {
	ctx := context.Background()

	t.Run("unreachable host waits", func(t *testing.T) {
		f := newRunnerFixture(t)
		f.seed(t, types.NodeStatusUnreachable, types.DeviceStatusUnavailable)
		task := f.task(t, types.TaskNodeRestart, 8, nil)
		task.DeviceID = ""

		agent := &stubAgent{}
		r := NewNodeRestartRunner(f.store, f.events, f.nodes, &stubProber{}, agent)
		done, err := r.Step(ctx, task)
		require.NoError(t, err)
		require.False(t, done)
		require.Equal(t, "node is unreachable, retrying", task.Result)
		require.Zero(t, agent.shutdowns)
	})

	t.Run("waits when only the api answers", func(t *testing.T) {
		f := newRunnerFixture(t)
		f.seed(t, types.NodeStatusUnreachable, types.DeviceStatusUnavailable)
		task := f.task(t, types.TaskNodeRestart, 8, nil)
		task.DeviceID = ""

		agent := &stubAgent{}
		prober := &stubProber{api: true}
		r := NewNodeRestartRunner(f.store, f.events, f.nodes, prober, agent)
		done, err := r.Step(ctx, task)
		require.NoError(t, err)
		require.False(t, done)
		require.Equal(t, "node is unreachable, retrying", task.Result)
		require.Zero(t, agent.shutdowns)
	})

	t.Run("completes once the node is back online", func(t *testing.T) {
		f := newRunnerFixture(t)
		f.seed(t, types.NodeStatusUnreachable, types.DeviceStatusUnavailable)
		task := f.task(t, types.TaskNodeRestart, 8, nil)
		task.DeviceID = ""

		agent := &stubAgent{}
		agent.onRestart = func() {
			n, err := f.store.GetStorageNode("node-a")
			require.NoError(t, err)
			n.Status = types.NodeStatusOnline
			for _, dev := range n.Devices {
				dev.Status = types.DeviceStatusOnline
			}
			require.NoError(t, f.store.PutStorageNode(n))
		}
		prober := &stubProber{ping: true, api: true, engineUp: true, rpc: true, port: true}
		r := NewNodeRestartRunner(f.store, f.events, f.nodes, prober, agent)
		done, err := r.Step(ctx, task)
		require.NoError(t, err)
		require.True(t, done)
		require.Equal(t, "done", task.Result)
		require.Equal(t, 1, agent.shutdowns)
		require.Equal(t, 1, agent.restarts)
	})

	t.Run("retries while the node has not come back", func(t *testing.T) {
		f := newRunnerFixture(t)
		f.seed(t, types.NodeStatusUnreachable, types.DeviceStatusUnavailable)
		task := f.task(t, types.TaskNodeRestart, 8, nil)
		task.DeviceID = ""

		agent := &stubAgent{}
		prober := &stubProber{ping: true, api: true, engineUp: true, rpc: true, port: true}
		r := NewNodeRestartRunner(f.store, f.events, f.nodes, prober, agent)
		done, err := r.Step(ctx, task)
		require.NoError(t, err)
		require.False(t, done)
		require.Equal(t, "node is not online yet, retrying", task.Result)
		require.Equal(t, 1, agent.restarts)
		require.Equal(t, 1, task.Retry)
	})

	t.Run("max retry marks node unreachable", func(t *testing.T) {
		f := newRunnerFixture(t)
		f.seed(t, types.NodeStatusDown, types.DeviceStatusUnavailable)
		task := f.task(t, types.TaskNodeRestart, 8, nil)
		task.DeviceID = ""
		task.Retry = 8

		r := NewNodeRestartRunner(f.store, f.events, f.nodes, &stubProber{}, &stubAgent{})
		done, err := r.Step(ctx, task)
		require.NoError(t, err)
		require.True(t, done)
		require.Equal(t, "max retry reached", task.Result)

		n, err := f.store.GetStorageNode("node-a")
		require.NoError(t, err)
		require.Equal(t, types.NodeStatusUnreachable, n.Status)
	})

	t.Run("online node with no unavailable devices is done", func(t *testing.T) {
		f := newRunnerFixture(t)
		f.seed(t, types.NodeStatusOnline, types.DeviceStatusOnline)
		task := f.task(t, types.TaskNodeRestart, 8, nil)
		task.DeviceID = ""

		r := NewNodeRestartRunner(f.store, f.events, f.nodes, &stubProber{}, &stubAgent{})
		done, err := r.Step(ctx, task)
		require.NoError(t, err)
		require.True(t, done)
		require.Equal(t, "node is online", task.Result)
	})
}

func TestMigrationRunner(t *testing.T) {
	ctx := context.Background()

	t.Run("start persists handles for resumption", func(t *testing.T) {
		f := newRunnerFixture(t)
		f.seed(t, types.NodeStatusOnline, types.DeviceStatusOnline)
		f.engine.handles = []string{"mig-1", "mig-2"}
		task := f.task(t, types.TaskDeviceMigration, types.UnlimitedRetry, map[string]string{"distr_name": "distr-1"})

		r := NewMigrationRunner(types.TaskDeviceMigration, f.store, f.events, f.devices, func(n *types.StorageNode) probe.EngineClient { return f.engine })
		done, err := r.Step(ctx, task)
		require.NoError(t, err)
		require.False(t, done)
		require.Equal(t, 1, f.engine.started)

		stored, err := f.store.GetTask(task.ID)
		require.NoError(t, err)
		require.Equal(t, types.TaskStatusRunning, stored.Status)
		require.Equal(t, []string{"mig-1", "mig-2"}, types.MigrationParamsFrom(stored).Handles)
	})

	t.Run("poll completes when all handles finish", func(t *testing.T) {
		f := newRunnerFixture(t)
		f.seed(t, types.NodeStatusOnline, types.DeviceStatusOnline)
		f.engine.statuses = map[string]probe.MigrationState{
			"mig-1": {Handle: "mig-1", Status: probe.MigrationCompleted, Progress: 100},
			"mig-2": {Handle: "mig-2", Status: probe.MigrationCompleted, Progress: 100},
		}
		task := f.task(t, types.TaskDeviceMigration, types.UnlimitedRetry,
			map[string]string{"distr_name": "distr-1", "migration_ids": "mig-1,mig-2"})

		// A fresh runner picks the handles up from the task record, as
		// it would after a service restart.
		r := NewMigrationRunner(types.TaskDeviceMigration, f.store, f.events, f.devices, func(n *types.StorageNode) probe.EngineClient { return f.engine })
		done, err := r.Step(ctx, task)
		require.NoError(t, err)
		require.True(t, done)
		require.Equal(t, "done", task.Result)
		require.Zero(t, f.engine.started)
	})

	t.Run("completed with errors restarts with fresh handles", func(t *testing.T) {
		f := newRunnerFixture(t)
		f.seed(t, types.NodeStatusOnline, types.DeviceStatusOnline)
		f.engine.statuses = map[string]probe.MigrationState{
			"mig-1": {Handle: "mig-1", Status: probe.MigrationCompleted, Progress: 100},
			"mig-2": {Handle: "mig-2", Status: probe.MigrationFailed, Progress: 100},
		}
		task := f.task(t, types.TaskDeviceMigration, types.UnlimitedRetry,
			map[string]string{"distr_name": "distr-1", "migration_ids": "mig-1,mig-2"})

		r := NewMigrationRunner(types.TaskDeviceMigration, f.store, f.events, f.devices, func(n *types.StorageNode) probe.EngineClient { return f.engine })
		done, err := r.Step(ctx, task)
		require.NoError(t, err)
		require.False(t, done)
		require.Equal(t, "completed with errors, retrying", task.Result)
		require.Empty(t, types.MigrationParamsFrom(task).Handles)
		require.Equal(t, 1, task.Retry)
	})

	t.Run("precondition holds after early retries", func(t *testing.T) {
		f := newRunnerFixture(t)
		f.seed(t, types.NodeStatusOnline, types.DeviceStatusOnline)
		require.NoError(t, f.store.PutStorageNode(&types.StorageNode{
			ID: "node-b", ClusterID: "cl-1", Status: types.NodeStatusOnline,
			Devices: []*types.NVMeDevice{
				{ID: "dev-2", NodeID: "node-b", ClusterID: "cl-1", Status: types.DeviceStatusUnavailable, ClusterDeviceOrder: 2},
			},
		}))
		task := f.task(t, types.TaskDeviceMigration, types.UnlimitedRetry, map[string]string{"distr_name": "distr-1"})
		task.Retry = 2

		r := NewMigrationRunner(types.TaskDeviceMigration, f.store, f.events, f.devices, func(n *types.StorageNode) probe.EngineClient { return f.engine })
		done, err := r.Step(ctx, task)
		require.NoError(t, err)
		require.False(t, done)
		require.Equal(t, "some devices are offline, retrying", task.Result)
		require.Zero(t, f.engine.started)
	})

	t.Run("failed device migration marks device migrated", func(t *testing.T) {
		f := newRunnerFixture(t)
		f.seed(t, types.NodeStatusOnline, types.DeviceStatusFailed)
		f.engine.statuses = map[string]probe.MigrationState{
			"mig-1": {Handle: "mig-1", Status: probe.MigrationCompleted, Progress: 100},
		}
		task := f.task(t, types.TaskFailedDevMigration, types.UnlimitedRetry,
			map[string]string{"distr_name": "distr-1", "migration_ids": "mig-1"})

		r := NewMigrationRunner(types.TaskFailedDevMigration, f.store, f.events, f.devices, func(n *types.StorageNode) probe.EngineClient { return f.engine })
		done, err := r.Step(ctx, task)
		require.NoError(t, err)
		require.True(t, done)

		dev, err := f.store.GetDevice("dev-1")
		require.NoError(t, err)
		require.Equal(t, types.DeviceStatusFailedAndMigrated, dev.Status)
	})

	t.Run("canceled task finishes immediately", func(t *testing.T) {
		f := newRunnerFixture(t)
		f.seed(t, types.NodeStatusOnline, types.DeviceStatusOnline)
		task := f.task(t, types.TaskDeviceMigration, types.UnlimitedRetry, map[string]string{"distr_name": "distr-1"})
		task.Canceled = true

		r := NewMigrationRunner(types.TaskDeviceMigration, f.store, f.events, f.devices, func(n *types.StorageNode) probe.EngineClient { return f.engine })
		done, err := r.Step(ctx, task)
		require.NoError(t, err)
		require.True(t, done)
		require.Equal(t, "canceled", task.Result)
	})
}

func TestNodeAddRunner(t *testing.T) {
	ctx := context.Background()

	t.Run("reintegrates and verifies", func(t *testing.T) {
		f := newRunnerFixture(t)
		f.seed(t, types.NodeStatusOnline, types.DeviceStatusOnline)
		require.NoError(t, f.store.PutStorageNode(&types.StorageNode{
			ID: "node-b", ClusterID: "cl-1", Status: types.NodeStatusOnline,
			Devices: []*types.NVMeDevice{
				{ID: "dev-2", NodeID: "node-b", ClusterID: "cl-1", Status: types.DeviceStatusOnline, ClusterDeviceOrder: 2, NQN: "nqn-2", NVMfIP: "10.0.0.2", NVMfPort: 4420},
			},
		}))
		task := f.task(t, types.TaskNodeAdd, 8, nil)
		task.DeviceID = ""

		r := NewNodeAddRunner(f.store, f.events, func(n *types.StorageNode) probe.EngineClient { return f.engine })
		done, err := r.Step(ctx, task)
		require.NoError(t, err)
		require.True(t, done)
		require.Equal(t, "node added", task.Result)
		require.Contains(t, f.engine.attached, "remote_alceml_dev-2")
		require.NotEmpty(t, f.engine.statusSent)
	})

	t.Run("missing redundancy group suspends", func(t *testing.T) {
		f := newRunnerFixture(t)
		f.seed(t, types.NodeStatusOnline, types.DeviceStatusOnline)
		f.engine.missing = map[string]bool{"distr-1": true}
		task := f.task(t, types.TaskNodeAdd, 8, nil)
		task.DeviceID = ""

		r := NewNodeAddRunner(f.store, f.events, func(n *types.StorageNode) probe.EngineClient { return f.engine })
		done, err := r.Step(ctx, task)
		require.NoError(t, err)
		require.False(t, done)
		require.Equal(t, types.TaskStatusSuspended, task.Status)
	})
}

func TestPortAllowRunner(t *testing.T) {
	ctx := context.Background()

	t.Run("allows port on online node", func(t *testing.T) {
		f := newRunnerFixture(t)
		f.seed(t, types.NodeStatusOnline, types.DeviceStatusOnline)
		task := f.task(t, types.TaskPortAllow, 8, map[string]string{"port_number": "4420"})
		task.DeviceID = ""

		agent := &stubAgent{}
		r := NewPortAllowRunner(f.store, f.events, func(n *types.StorageNode) probe.EngineClient { return f.engine }, agent)
		done, err := r.Step(ctx, task)
		require.NoError(t, err)
		require.True(t, done)
		require.Equal(t, []int{4420}, agent.allowedPorts)
	})

	t.Run("node in wrong state suspends", func(t *testing.T) {
		f := newRunnerFixture(t)
		f.seed(t, types.NodeStatusUnreachable, types.DeviceStatusUnavailable)
		task := f.task(t, types.TaskPortAllow, 8, map[string]string{"port_number": "4420"})
		task.DeviceID = ""

		agent := &stubAgent{}
		r := NewPortAllowRunner(f.store, f.events, func(n *types.StorageNode) probe.EngineClient { return f.engine }, agent)
		done, err := r.Step(ctx, task)
		require.NoError(t, err)
		require.False(t, done)
		require.Equal(t, types.TaskStatusSuspended, task.Status)
		require.Empty(t, agent.allowedPorts)
	})
}

func TestRunnerSetBackoff(t *testing.T) {
	log.Init(log.Config{Level: log.ErrorLevel})
	rs := NewRunnerSet(nil, 3*time.Second)

	fresh := &types.JobTask{Function: types.TaskNodeRestart, Retry: 3, UpdatedAt: time.Now()}
	require.False(t, rs.due(fresh))

	stale := &types.JobTask{Function: types.TaskNodeRestart, Retry: 3, UpdatedAt: time.Now().Add(-time.Minute)}
	require.True(t, rs.due(stale))

	// Only node restarts back off; other families run every pass.
	migration := &types.JobTask{Function: types.TaskDeviceMigration, Retry: 50, UpdatedAt: time.Now()}
	require.True(t, rs.due(migration))

	firstAttempt := &types.JobTask{Function: types.TaskNodeRestart, Retry: 0, UpdatedAt: time.Now()}
	require.True(t, rs.due(firstAttempt))
}
