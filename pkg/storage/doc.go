/*
Package storage provides the entity store for cluster state.

The Store interface is implemented by a BoltDB-backed store with one
bucket per entity kind and JSON-encoded values. Storage nodes are
persisted as whole aggregates (node plus device list plus journal
device), so a device status change is written back through its owning
node record. Tasks are never deleted; the bucket doubles as an audit
trail.
*/
package storage
