/*
Package probe holds every remote call surface of the control plane:
bounded-timeout liveness probes (ping, management API, engine process,
JSON-RPC, per-port), the storage engine's JSON-RPC client used by the
migration and restart runners, and the node agent for engine lifecycle
and firewall actions.

Probes return value Results instead of errors so call sites must
decide retry-vs-fail deliberately. Every call carries a timeout and a
small retry count; clients are created per call so a stale connection
cannot dominate the liveness signal.
*/
package probe
