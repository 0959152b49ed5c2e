package probe

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os/exec"
	"strconv"
	"time"

	"github.com/avast/retry-go"
)

// Result is the outcome of one liveness probe. Probes never return
// errors; call sites decide retry-vs-fail from the result itself.
type Result struct {
	OK       bool
	Message  string
	Duration time.Duration
}

func failure(start time.Time, format string, args ...any) Result {
	return Result{OK: false, Message: fmt.Sprintf(format, args...), Duration: time.Since(start)}
}

func success(start time.Time, format string, args ...any) Result {
	return Result{OK: true, Message: fmt.Sprintf(format, args...), Duration: time.Since(start)}
}

// Prober issues bounded-timeout liveness checks against one node.
type Prober interface {
	// Ping checks basic host reachability.
	Ping(ctx context.Context, ip string) Result

	// CheckManagementAPI checks the node's management API listener.
	CheckManagementAPI(ctx context.Context, ip string) Result

	// CheckEngineProcess asks the management API whether the storage
	// engine process is up.
	CheckEngineProcess(ctx context.Context, ip string) Result

	// CheckRPC checks the storage engine's JSON-RPC endpoint.
	CheckRPC(ctx context.Context, ip string, port int, user, pass string) Result

	// CheckPort checks a single TCP listener.
	CheckPort(ctx context.Context, ip string, port int) Result

	// CheckRuntimeAPI checks the container runtime listener.
	CheckRuntimeAPI(ctx context.Context, ip string) Result
}

// NetProber implements Prober over ICMP, TCP and HTTP. Clients are
// created per call; a stale pooled connection must not dominate the
// liveness signal.
type NetProber struct {
	// Timeout bounds each individual attempt.
	Timeout time.Duration

	// Retries is the attempt count per probe.
	Retries int

	// MgmtAPIPort and RuntimePort are the fixed control listeners.
	MgmtAPIPort int
	RuntimePort int
}

// NewNetProber creates a prober with the given per-attempt timeout
// and retry count.
func NewNetProber(timeout time.Duration, retries int, mgmtPort, runtimePort int) *NetProber {
	if retries < 1 {
		retries = 1
	}
	return &NetProber{
		Timeout:     timeout,
		Retries:     retries,
		MgmtAPIPort: mgmtPort,
		RuntimePort: runtimePort,
	}
}

func (p *NetProber) attempt(ctx context.Context, fn func(context.Context) error) error {
	return retry.Do(
		func() error {
			attemptCtx, cancel := context.WithTimeout(ctx, p.Timeout)
			defer cancel()
			return fn(attemptCtx)
		},
		retry.Attempts(uint(p.Retries)),
		retry.Delay(time.Second),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
	)
}

// Ping shells out to the system ping, one echo per attempt.
func (p *NetProber) Ping(ctx context.Context, ip string) Result {
	start := time.Now()
	err := p.attempt(ctx, func(ctx context.Context) error {
		cmd := exec.CommandContext(ctx, "ping", "-c", "1", "-W", strconv.Itoa(int(p.Timeout.Seconds())), ip)
		return cmd.Run()
	})
	if err != nil {
		return failure(start, "ping %s failed: %v", ip, err)
	}
	return success(start, "ping %s ok", ip)
}

func (p *NetProber) checkHTTP(ctx context.Context, url string) error {
	return p.attempt(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		client := &http.Client{Timeout: p.Timeout}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 500 {
			return fmt.Errorf("HTTP %d", resp.StatusCode)
		}
		return nil
	})
}

// CheckManagementAPI probes the node management API root.
func (p *NetProber) CheckManagementAPI(ctx context.Context, ip string) Result {
	start := time.Now()
	url := fmt.Sprintf("http://%s/", net.JoinHostPort(ip, strconv.Itoa(p.MgmtAPIPort)))
	if err := p.checkHTTP(ctx, url); err != nil {
		return failure(start, "management API %s:%d unreachable: %v", ip, p.MgmtAPIPort, err)
	}
	return success(start, "management API %s:%d ok", ip, p.MgmtAPIPort)
}

// CheckEngineProcess asks the management API for the engine process state.
func (p *NetProber) CheckEngineProcess(ctx context.Context, ip string) Result {
	start := time.Now()
	url := fmt.Sprintf("http://%s/snode/spdk_process_is_up", net.JoinHostPort(ip, strconv.Itoa(p.MgmtAPIPort)))
	if err := p.checkHTTP(ctx, url); err != nil {
		return failure(start, "engine process check on %s failed: %v", ip, err)
	}
	return success(start, "engine process on %s up", ip)
}

// CheckRPC issues a minimal authenticated JSON-RPC call.
func (p *NetProber) CheckRPC(ctx context.Context, ip string, port int, user, pass string) Result {
	start := time.Now()
	client := newJSONRPCClient(ip, port, user, pass, p.Timeout)
	err := p.attempt(ctx, func(ctx context.Context) error {
		var out any
		return client.call(ctx, "spdk_get_version", nil, &out)
	})
	if err != nil {
		return failure(start, "RPC %s:%d unreachable: %v", ip, port, err)
	}
	return success(start, "RPC %s:%d ok", ip, port)
}

// CheckPort dials a single TCP listener.
func (p *NetProber) CheckPort(ctx context.Context, ip string, port int) Result {
	start := time.Now()
	addr := net.JoinHostPort(ip, strconv.Itoa(port))
	err := p.attempt(ctx, func(ctx context.Context) error {
		dialer := &net.Dialer{Timeout: p.Timeout}
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			return err
		}
		return conn.Close()
	})
	if err != nil {
		return failure(start, "port %s closed: %v", addr, err)
	}
	return success(start, "port %s open", addr)
}

// CheckRuntimeAPI dials the container runtime listener.
func (p *NetProber) CheckRuntimeAPI(ctx context.Context, ip string) Result {
	return p.CheckPort(ctx, ip, p.RuntimePort)
}
