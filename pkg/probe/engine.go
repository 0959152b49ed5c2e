package probe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/simplyblock-io/sbctl/pkg/types"
)

// MigrationState is the polled status of one in-flight migration.
type MigrationState struct {
	Handle   string `json:"migration_id"`
	Status   string `json:"status"`
	Progress int    `json:"progress"`
	Error    int    `json:"error"`
}

// Migration terminal status values reported by the storage engine.
const (
	MigrationCompleted = "completed"
	MigrationFailed    = "failed"
)

// EngineClient is the JSON-RPC surface of one node's storage engine
// used by the recovery runners and the monitor.
type EngineClient interface {
	// StartMigration starts rebuilding the given device's shards
	// within a redundancy group and returns opaque migration handles.
	StartMigration(ctx context.Context, groupName string, deviceOrdinal int) ([]string, error)

	// MigrationStatus polls one migration handle.
	MigrationStatus(ctx context.Context, handle string) (MigrationState, error)

	// GetBdev reports whether a named bdev exists on the node.
	GetBdev(ctx context.Context, name string) (bool, error)

	// GetClusterMap returns the node's view of a redundancy group.
	GetClusterMap(ctx context.Context, groupName string) (map[string]any, error)

	// SendDeviceStatus notifies the node that a cluster device
	// changed status, keyed by the device's cluster-wide ordinal.
	SendDeviceStatus(ctx context.Context, deviceOrdinal int, status types.DeviceStatus) error

	// RecreateDeviceStack rebuilds a device's local bdev stack.
	RecreateDeviceStack(ctx context.Context, deviceID string) error

	// AttachRemoteDevice connects this node to a restarted device on
	// a peer over NVMe-oF.
	AttachRemoteDevice(ctx context.Context, name, nqn, ip string, port int) error
}

// EngineClientFactory builds a client for one node. A fresh client is
// created per use; connections are not pooled across loop iterations.
type EngineClientFactory func(node *types.StorageNode) EngineClient

// NewEngineClient returns the JSON-RPC implementation for a node.
func NewEngineClient(node *types.StorageNode, timeout time.Duration) EngineClient {
	return &engineClient{
		rpc: newJSONRPCClient(node.MgmtIP, node.RPCPort, node.RPCUsername, node.RPCPassword, timeout),
	}
}

type engineClient struct {
	rpc *jsonRPCClient
}

func (c *engineClient) StartMigration(ctx context.Context, groupName string, deviceOrdinal int) ([]string, error) {
	params := map[string]any{"name": groupName, "storage_id": deviceOrdinal}
	var handles []string
	if err := c.rpc.call(ctx, "distr_migration_to_primary_start", params, &handles); err != nil {
		return nil, fmt.Errorf("failed to start migration for %s: %w", groupName, err)
	}
	return handles, nil
}

func (c *engineClient) MigrationStatus(ctx context.Context, handle string) (MigrationState, error) {
	params := map[string]any{"migration_id": handle}
	var states []MigrationState
	if err := c.rpc.call(ctx, "distr_migration_status", params, &states); err != nil {
		return MigrationState{}, fmt.Errorf("failed to get migration status: %w", err)
	}
	for _, st := range states {
		if st.Handle == handle {
			return st, nil
		}
	}
	return MigrationState{}, fmt.Errorf("migration %s not reported by engine", handle)
}

func (c *engineClient) GetBdev(ctx context.Context, name string) (bool, error) {
	params := map[string]any{"name": name}
	var bdevs []map[string]any
	if err := c.rpc.call(ctx, "bdev_get_bdevs", params, &bdevs); err != nil {
		return false, err
	}
	return len(bdevs) > 0, nil
}

func (c *engineClient) GetClusterMap(ctx context.Context, groupName string) (map[string]any, error) {
	params := map[string]any{"name": groupName}
	var cmap map[string]any
	if err := c.rpc.call(ctx, "distr_status_events_get", params, &cmap); err != nil {
		return nil, fmt.Errorf("failed to get cluster map for %s: %w", groupName, err)
	}
	return cmap, nil
}

func (c *engineClient) SendDeviceStatus(ctx context.Context, deviceOrdinal int, status types.DeviceStatus) error {
	params := map[string]any{"storage_id": deviceOrdinal, "status": string(status)}
	var out any
	return c.rpc.call(ctx, "distr_replace_id_device", params, &out)
}

func (c *engineClient) RecreateDeviceStack(ctx context.Context, deviceID string) error {
	params := map[string]any{"device_id": deviceID}
	var out any
	return c.rpc.call(ctx, "alceml_recreate_stack", params, &out)
}

func (c *engineClient) AttachRemoteDevice(ctx context.Context, name, nqn, ip string, port int) error {
	params := map[string]any{
		"name":    name,
		"subnqn":  nqn,
		"traddr":  ip,
		"trsvcid": strconv.Itoa(port),
		"trtype":  "tcp",
	}
	var out any
	return c.rpc.call(ctx, "bdev_nvme_attach_controller", params, &out)
}

// jsonRPCClient speaks the engine's JSON-RPC-over-HTTP dialect with
// basic auth.
type jsonRPCClient struct {
	endpoint string
	user     string
	pass     string
	timeout  time.Duration
}

func newJSONRPCClient(ip string, port int, user, pass string, timeout time.Duration) *jsonRPCClient {
	return &jsonRPCClient{
		endpoint: fmt.Sprintf("http://%s/", net.JoinHostPort(ip, strconv.Itoa(port))),
		user:     user,
		pass:     pass,
		timeout:  timeout,
	}
}

type rpcRequest struct {
	ID     int    `json:"id"`
	Method string `json:"method"`
	Params any    `json:"params,omitempty"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (c *jsonRPCClient) call(ctx context.Context, method string, params any, out any) error {
	body, err := json.Marshal(rpcRequest{ID: 1, Method: method, Params: params})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(c.user, c.pass)

	client := &http.Client{Timeout: c.timeout}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: HTTP %d", method, resp.StatusCode)
	}

	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	if rpcResp.Error != nil {
		return fmt.Errorf("%s: rpc error %d: %s", method, rpcResp.Error.Code, rpcResp.Error.Message)
	}
	if out != nil && len(rpcResp.Result) > 0 {
		if err := json.Unmarshal(rpcResp.Result, out); err != nil {
			return fmt.Errorf("%s: %w", method, err)
		}
	}
	return nil
}
