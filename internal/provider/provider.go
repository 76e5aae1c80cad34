// Package provider defines the adapter used to realise VMs on a real cloud
// provider, with an EC2 implementation and an in-memory fake for tests.
//
// Every failed call returns an *Error so callers can show the provider's
// message to the user and count failures per operation.
package provider

import (
	"context"
	"errors"
	"fmt"

	"github.com/vmconsole/vmconsole/internal/models"
)

var (
	// ErrCredentialsMissing is returned when no provider credentials are configured.
	ErrCredentialsMissing = errors.New("provider credentials not configured")

	// ErrInstanceNotFound is returned when the provider has no record of an instance.
	ErrInstanceNotFound = errors.New("instance not found")
)

// Operation names recorded in Error.Op.
const (
	OpCreate    = "create"
	OpDescribe  = "describe"
	OpTerminate = "terminate"
)

// Error is a failed provider call.
type Error struct {
	Provider models.Provider
	Op       string
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Provider, e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Message returns the text shown to users: the underlying cause without the
// operation prefix.
func (e *Error) Message() string {
	if e == nil || e.Err == nil {
		return ""
	}
	return e.Err.Error()
}

func newError(p models.Provider, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Provider: p, Op: op, Err: err}
}

// Instance is the provider's current view of one instance.
type Instance struct {
	ID       string
	State    models.VMState
	PublicIP string
}

// Adapter realises VMs on a cloud provider.
type Adapter interface {
	// Name returns the provider tag stored on records created through the adapter.
	Name() models.Provider

	// Available reports whether credentials are configured.
	Available(ctx context.Context) bool

	// CreateInstance launches one instance and returns its id.
	CreateInstance(ctx context.Context, region, instanceType, image string) (string, error)

	// DescribeInstance returns the current state and public address of an instance.
	DescribeInstance(ctx context.Context, region, id string) (Instance, error)

	// TerminateInstance requests termination of an instance.
	TerminateInstance(ctx context.Context, region, id string) error
}

// Apply copies the provider view onto a stored record, keeping the
// address/username invariant: both are set only while the instance has booted.
func Apply(vm models.VM, inst Instance) models.VM {
	out := vm
	if inst.State.Valid() && inst.State.Rank() >= vm.State.Rank() {
		out.State = inst.State
	}
	if !out.State.HasBooted() {
		out.PublicIP = ""
		out.Username = ""
		return out
	}
	if inst.PublicIP != "" {
		out.PublicIP = inst.PublicIP
	}
	if out.PublicIP == "" {
		out.Username = ""
		return out
	}
	out.Username = models.DefaultUsername
	return out
}
