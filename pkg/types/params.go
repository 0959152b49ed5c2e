package types

import (
	"strconv"
	"strings"
)

// Typed views over JobTask.Params. Each task family reads and writes
// exactly the keys it owns; the map form is what the store persists.

const (
	paramGroupName  = "distr_name"
	paramHandles    = "migration_ids"
	paramPortNumber = "port_number"

	handleSeparator = ","
)

// MigrationParams is the scratch state of the migration task families.
// Handles holds the opaque migration ids returned by the storage
// engine; a non-empty list means a migration is already in flight and
// must be polled rather than restarted.
type MigrationParams struct {
	GroupName string
	Handles   []string
}

// MigrationParamsFrom decodes migration state from a task's params.
func MigrationParamsFrom(t *JobTask) MigrationParams {
	p := MigrationParams{GroupName: t.Params[paramGroupName]}
	if raw := t.Params[paramHandles]; raw != "" {
		p.Handles = strings.Split(raw, handleSeparator)
	}
	return p
}

// Apply writes the migration state back onto the task.
func (p MigrationParams) Apply(t *JobTask) {
	if t.Params == nil {
		t.Params = map[string]string{}
	}
	if p.GroupName != "" {
		t.Params[paramGroupName] = p.GroupName
	}
	if len(p.Handles) > 0 {
		t.Params[paramHandles] = strings.Join(p.Handles, handleSeparator)
	} else {
		delete(t.Params, paramHandles)
	}
}

// GroupNameOf returns the redundancy-group name a task targets, if any.
func GroupNameOf(t *JobTask) string {
	return t.Params[paramGroupName]
}

// PortAllowParams carries the firewall port a port-allow task opens.
type PortAllowParams struct {
	Port int
}

// PortAllowParamsFrom decodes the port number from a task's params.
func PortAllowParamsFrom(t *JobTask) PortAllowParams {
	port, _ := strconv.Atoi(t.Params[paramPortNumber])
	return PortAllowParams{Port: port}
}

// Apply writes the port number onto the task.
func (p PortAllowParams) Apply(t *JobTask) {
	if t.Params == nil {
		t.Params = map[string]string{}
	}
	t.Params[paramPortNumber] = strconv.Itoa(p.Port)
}
