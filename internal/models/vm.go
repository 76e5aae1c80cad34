// Package models provides the data structures shared by the vmconsole
// simulator, state stores, provider adapters and HTTP API.
//
// The central type is VM, one record per simulated or real virtual machine.
// Records are JSON-encoded with camelCase keys so that a stored collection
// (cookie, SQLite row, Badger value) and an API response share one shape.
package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// VMState represents the observable lifecycle state of a VM.
//
// The state machine is:
//
//	pending → running → stopped
//	pending|running|stopped → terminated (absorbing)
type VMState string

const (
	// VMPending is the initial state of every new record.
	VMPending VMState = "pending"
	// VMRunning means the VM booted and has a public address.
	VMRunning VMState = "running"
	// VMStopped means the VM booted and was later stopped.
	VMStopped VMState = "stopped"
	// VMTerminated is terminal; no further transitions happen.
	VMTerminated VMState = "terminated"
)

// Provider tags the backend that owns a record.
type Provider string

const (
	// ProviderDemo marks records created and progressed by the simulator.
	ProviderDemo Provider = "demo"
	// ProviderAWS marks records backed by a real EC2 instance.
	ProviderAWS Provider = "aws"
)

// DefaultUsername is the administrative login shown for running Windows VMs.
const DefaultUsername = "Administrator"

// ParseProvider maps a caller-supplied provider name to a Provider.
// An empty name selects the demo provider.
func ParseProvider(name string) (Provider, error) {
	switch Provider(name) {
	case "", ProviderDemo:
		return ProviderDemo, nil
	case ProviderAWS:
		return ProviderAWS, nil
	default:
		return "", fmt.Errorf("unknown provider %q", name)
	}
}

// Valid reports whether s is one of the known states.
func (s VMState) Valid() bool {
	switch s {
	case VMPending, VMRunning, VMStopped, VMTerminated:
		return true
	}
	return false
}

// Rank orders states along the forward path so callers can detect
// regressions. Terminated ranks highest.
func (s VMState) Rank() int {
	switch s {
	case VMPending:
		return 1
	case VMRunning:
		return 2
	case VMStopped:
		return 3
	case VMTerminated:
		return 4
	}
	return 0
}

// HasBooted reports whether the state implies the VM reached running.
func (s VMState) HasBooted() bool {
	return s == VMRunning || s == VMStopped
}

// VM is one virtual machine record.
//
// PublicIP and Username are populated only while State.HasBooted() is true.
// CreatedAt is set once at creation and never changes. TerminatedAt is set
// when the record first reaches VMTerminated; stores measure retention of
// terminated records from it.
type VM struct {
	ID             string
	Provider       Provider
	Region         string
	InstanceType   string
	WindowsVersion string
	State          VMState
	PublicIP       string
	Username       string
	CreatedAt      time.Time
	TerminatedAt   time.Time
}

// vmJSON is the persisted and wire representation; timestamps are Unix millis.
type vmJSON struct {
	ID             string   `json:"id"`
	Provider       Provider `json:"provider"`
	Region         string   `json:"region"`
	InstanceType   string   `json:"instanceType"`
	WindowsVersion string   `json:"windowsVersion"`
	State          VMState  `json:"state"`
	PublicIP       string   `json:"publicIp,omitempty"`
	Username       string   `json:"username,omitempty"`
	CreatedAt      int64    `json:"createdAt"`
	TerminatedAt   int64    `json:"terminatedAt,omitempty"`
}

// MarshalJSON encodes the record with millisecond timestamps.
func (vm VM) MarshalJSON() ([]byte, error) {
	return json.Marshal(vmJSON{
		ID:             vm.ID,
		Provider:       vm.Provider,
		Region:         vm.Region,
		InstanceType:   vm.InstanceType,
		WindowsVersion: vm.WindowsVersion,
		State:          vm.State,
		PublicIP:       vm.PublicIP,
		Username:       vm.Username,
		CreatedAt:      unixMilli(vm.CreatedAt),
		TerminatedAt:   unixMilli(vm.TerminatedAt),
	})
}

// UnmarshalJSON decodes a record written by MarshalJSON.
func (vm *VM) UnmarshalJSON(data []byte) error {
	var raw vmJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*vm = VM{
		ID:             raw.ID,
		Provider:       raw.Provider,
		Region:         raw.Region,
		InstanceType:   raw.InstanceType,
		WindowsVersion: raw.WindowsVersion,
		State:          raw.State,
		PublicIP:       raw.PublicIP,
		Username:       raw.Username,
	}
	if raw.CreatedAt != 0 {
		vm.CreatedAt = time.UnixMilli(raw.CreatedAt).UTC()
	}
	if raw.TerminatedAt != 0 {
		vm.TerminatedAt = time.UnixMilli(raw.TerminatedAt).UTC()
	}
	return nil
}

func unixMilli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

// RDPEndpoint returns the host:port used to connect over RDP, or "" when
// the VM has no public address.
func (vm VM) RDPEndpoint() string {
	if vm.PublicIP == "" {
		return ""
	}
	return vm.PublicIP + ":3389"
}
