// Package simulator implements the demo VM lifecycle.
//
// A demo VM never runs anywhere. Its state is recomputed from the time
// elapsed since creation every time it is read, so the package holds no
// timers and no shared state: every function takes the record (or the
// collection) and the current time as arguments and returns new values.
package simulator

import (
	"errors"
	"hash/fnv"
	"net/netip"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/vmconsole/vmconsole/internal/models"
)

const (
	// DefaultRegion is used when a create request omits the region.
	DefaultRegion = "us-east-1"
	// DefaultInstanceType is used when a create request omits the instance type.
	DefaultInstanceType = "t3.large"
	// DefaultWindowsVersion is used when a create request omits the image.
	DefaultWindowsVersion = "Windows_Server-2022-English-Full-Base"

	// DefaultBootAfter is how long a demo VM stays pending.
	DefaultBootAfter = 5 * time.Second
)

// simulatedNet is TEST-NET-3 (RFC 5737); addresses in it are never routable.
var simulatedNet = netip.MustParsePrefix("203.0.113.0/24")

// CreateOptions carries the optional fields of a create request.
// Blank values are replaced with the package defaults.
type CreateOptions struct {
	Region         string
	InstanceType   string
	WindowsVersion string
}

// Schedule holds the elapsed-time thresholds of the demo lifecycle.
//
// A zero StopAfter disables the stopped stage, so booted VMs stay running
// until terminated.
type Schedule struct {
	BootAfter time.Duration
	StopAfter time.Duration
}

// DefaultSchedule returns the schedule used when none is configured.
func DefaultSchedule() Schedule {
	return Schedule{BootAfter: DefaultBootAfter}
}

// Validate rejects schedules that are not monotonic.
func (s Schedule) Validate() error {
	if s.BootAfter < 0 {
		return errors.New("boot delay must not be negative")
	}
	if s.StopAfter < 0 {
		return errors.New("stop delay must not be negative")
	}
	if s.StopAfter > 0 && s.StopAfter <= s.BootAfter {
		return errors.New("stop delay must be greater than boot delay")
	}
	return nil
}

// WithDefaults fills blank fields of opts with the package defaults.
func (opts CreateOptions) WithDefaults() CreateOptions {
	return CreateOptions{
		Region:         defaultString(opts.Region, DefaultRegion),
		InstanceType:   defaultString(opts.InstanceType, DefaultInstanceType),
		WindowsVersion: defaultString(opts.WindowsVersion, DefaultWindowsVersion),
	}
}

// New builds a fresh pending demo record created at now.
func New(opts CreateOptions, now time.Time) models.VM {
	opts = opts.WithDefaults()
	return models.VM{
		ID:             uuid.NewString(),
		Provider:       models.ProviderDemo,
		Region:         opts.Region,
		InstanceType:   opts.InstanceType,
		WindowsVersion: opts.WindowsVersion,
		State:          models.VMPending,
		CreatedAt:      now.UTC(),
	}
}

// Progress returns vm advanced to the state its age implies at now.
//
// Terminated records and records owned by a real provider are returned
// unchanged. The result depends only on vm and now, and a booted record
// never falls back to pending even if now precedes its boot threshold.
func Progress(vm models.VM, now time.Time, schedule Schedule) models.VM {
	if vm.State == models.VMTerminated || vm.Provider != models.ProviderDemo {
		return vm
	}
	elapsed := now.Sub(vm.CreatedAt)
	target := models.VMPending
	switch {
	case schedule.StopAfter > 0 && elapsed >= schedule.StopAfter:
		target = models.VMStopped
	case elapsed >= schedule.BootAfter:
		target = models.VMRunning
	}
	if target.Rank() < vm.State.Rank() {
		target = vm.State
	}

	out := vm
	out.State = target
	if target.HasBooted() {
		if out.PublicIP == "" {
			out.PublicIP = SimulatedIP(vm.ID)
		}
		out.Username = models.DefaultUsername
	} else {
		out.PublicIP = ""
		out.Username = ""
	}
	return out
}

// ProgressAll applies Progress to every record and returns a new slice.
func ProgressAll(vms []models.VM, now time.Time, schedule Schedule) []models.VM {
	out := make([]models.VM, len(vms))
	for i, vm := range vms {
		out[i] = Progress(vm, now, schedule)
	}
	return out
}

// Terminate returns a copy of vms with the record id forced to terminated.
// Its public address and username are cleared. The boolean reports whether
// the id was present; an unknown id leaves the copy unchanged.
func Terminate(vms []models.VM, id string) ([]models.VM, bool) {
	out := make([]models.VM, len(vms))
	copy(out, vms)
	found := false
	for i := range out {
		if out[i].ID != id {
			continue
		}
		found = true
		out[i].State = models.VMTerminated
		out[i].PublicIP = ""
		out[i].Username = ""
	}
	return out, found
}

// Find returns the record with the given id.
func Find(vms []models.VM, id string) (models.VM, bool) {
	for _, vm := range vms {
		if vm.ID == id {
			return vm, true
		}
	}
	return models.VM{}, false
}

// SimulatedIP derives a stable TEST-NET-3 host address from a record id.
// The last octet is in 1..254.
func SimulatedIP(id string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	host := byte(h.Sum32()%254) + 1
	base := simulatedNet.Addr().As4()
	base[3] = host
	return netip.AddrFrom4(base).String()
}

func defaultString(value, fallback string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return fallback
	}
	return value
}
