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

	"github.com/avast/retry-go"

	"github.com/simplyblock-io/sbctl/pkg/types"
)

// NodeAgent is the side-effecting management surface of one node:
// engine process lifecycle and the firewall agent.
type NodeAgent interface {
	// ShutdownEngine stops the node's storage engine process.
	ShutdownEngine(ctx context.Context, node *types.StorageNode) error

	// RestartEngine starts the node's storage engine process again.
	RestartEngine(ctx context.Context, node *types.StorageNode) error

	// AllowPort opens a TCP port on the node's firewall.
	AllowPort(ctx context.Context, node *types.StorageNode, port int) error
}

// HTTPNodeAgent implements NodeAgent against the node management API
// and the firewall agent.
type HTTPNodeAgent struct {
	MgmtAPIPort     int
	FirewallAPIPort int
	Timeout         time.Duration
	Retries         int
}

// NewHTTPNodeAgent creates an agent client with bounded timeouts.
func NewHTTPNodeAgent(mgmtPort, firewallPort int, timeout time.Duration, retries int) *HTTPNodeAgent {
	if retries < 1 {
		retries = 1
	}
	return &HTTPNodeAgent{
		MgmtAPIPort:     mgmtPort,
		FirewallAPIPort: firewallPort,
		Timeout:         timeout,
		Retries:         retries,
	}
}

func (a *HTTPNodeAgent) post(ctx context.Context, host string, port int, path string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	url := fmt.Sprintf("http://%s%s", net.JoinHostPort(host, strconv.Itoa(port)), path)

	return retry.Do(
		func() error {
			attemptCtx, cancel := context.WithTimeout(ctx, a.Timeout)
			defer cancel()

			req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, url, bytes.NewReader(body))
			if err != nil {
				return err
			}
			req.Header.Set("Content-Type", "application/json")

			client := &http.Client{Timeout: a.Timeout}
			resp, err := client.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			if resp.StatusCode >= 400 {
				return fmt.Errorf("POST %s: HTTP %d", path, resp.StatusCode)
			}
			return nil
		},
		retry.Attempts(uint(a.Retries)),
		retry.Delay(time.Second),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
	)
}

func (a *HTTPNodeAgent) ShutdownEngine(ctx context.Context, node *types.StorageNode) error {
	return a.post(ctx, node.MgmtIP, a.MgmtAPIPort, "/snode/spdk_process_kill", map[string]any{"force": true})
}

func (a *HTTPNodeAgent) RestartEngine(ctx context.Context, node *types.StorageNode) error {
	return a.post(ctx, node.MgmtIP, a.MgmtAPIPort, "/snode/spdk_process_start", map[string]any{})
}

func (a *HTTPNodeAgent) AllowPort(ctx context.Context, node *types.StorageNode, port int) error {
	payload := map[string]any{
		"port_number":   port,
		"port_protocol": "tcp",
		"action":        "allow",
		"rpc_port":      node.RPCPort,
	}
	return a.post(ctx, node.MgmtIP, a.FirewallAPIPort, "/firewall/set_port", payload)
}
