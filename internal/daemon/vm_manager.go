package daemon

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/vmconsole/vmconsole/internal/events"
	"github.com/vmconsole/vmconsole/internal/models"
	"github.com/vmconsole/vmconsole/internal/provider"
	"github.com/vmconsole/vmconsole/internal/simulator"
	"github.com/vmconsole/vmconsole/internal/store"
)

const (
	providerCallTimeout = 30 * time.Second
	awsUnavailableMsg   = "AWS credentials not configured. Using demo mode instead."
)

var (
	// ErrVMNotFound is returned when the caller's collection has no such id.
	ErrVMNotFound = errors.New("vm not found")
	// ErrUnknownProvider is returned for provider names other than demo and aws.
	ErrUnknownProvider = errors.New("unknown provider")
	// ErrAWSUnavailable is returned when aws is requested without usable credentials.
	ErrAWSUnavailable = errors.New(awsUnavailableMsg)
)

// CreateRequest carries the caller's optional overrides.
type CreateRequest struct {
	Provider       string
	Region         string
	InstanceType   string
	WindowsVersion string
}

// VMManager runs the VM lifecycle against a caller's collection: the
// simulator for demo records and the provider adapter for aws records.
type VMManager struct {
	adapter  provider.Adapter
	defaults simulator.CreateOptions
	schedule simulator.Schedule
	metrics  *Metrics
	events   events.Sink
	logger   *log.Logger
	now      func() time.Time
}

// NewVMManager builds a manager. A nil adapter disables the aws provider.
func NewVMManager(adapter provider.Adapter, logger *log.Logger) *VMManager {
	if logger == nil {
		logger = log.Default()
	}
	return &VMManager{
		adapter:  adapter,
		defaults: simulator.CreateOptions{}.WithDefaults(),
		schedule: simulator.DefaultSchedule(),
		logger:   logger,
		now:      time.Now,
	}
}

// WithDefaults sets the region, instance type and image used when a create
// request leaves them blank.
func (m *VMManager) WithDefaults(opts simulator.CreateOptions) *VMManager {
	if m == nil {
		return m
	}
	m.defaults = opts.WithDefaults()
	return m
}

// WithSchedule sets the demo progression schedule.
func (m *VMManager) WithSchedule(schedule simulator.Schedule) *VMManager {
	if m == nil {
		return m
	}
	m.schedule = schedule
	return m
}

// WithMetrics wires optional Prometheus metrics.
func (m *VMManager) WithMetrics(metrics *Metrics) *VMManager {
	if m == nil {
		return m
	}
	m.metrics = metrics
	return m
}

// WithEvents wires an optional lifecycle event sink.
func (m *VMManager) WithEvents(sink events.Sink) *VMManager {
	if m == nil {
		return m
	}
	m.events = sink
	return m
}

// WithClock overrides the time source.
func (m *VMManager) WithClock(now func() time.Time) *VMManager {
	if m == nil || now == nil {
		return m
	}
	m.now = now
	return m
}

// Create adds a VM to the collection. For aws the instance is launched
// first; a failed launch leaves the collection untouched.
func (m *VMManager) Create(ctx context.Context, coll store.Collection, req CreateRequest) (models.VM, error) {
	p, err := models.ParseProvider(strings.ToLower(strings.TrimSpace(req.Provider)))
	if err != nil {
		return models.VM{}, fmt.Errorf("%w: %q", ErrUnknownProvider, req.Provider)
	}
	opts := m.resolveOptions(req)
	list, err := coll.Load(ctx)
	if err != nil {
		return models.VM{}, fmt.Errorf("load collection: %w", err)
	}
	now := m.now()

	var vm models.VM
	switch p {
	case models.ProviderAWS:
		vm, err = m.launch(ctx, opts, now)
		if err != nil {
			return models.VM{}, err
		}
	default:
		vm = simulator.New(opts, now)
	}

	list = append(simulator.ProgressAll(list, now, m.schedule), vm)
	stampTerminated(list, now)
	if err := coll.Save(ctx, list); err != nil {
		if p == models.ProviderAWS {
			m.logger.Printf("vm: instance %s launched in %s but not recorded: %v", vm.ID, vm.Region, err)
		}
		return models.VM{}, fmt.Errorf("save collection: %w", err)
	}
	m.metrics.IncCreated(vm.Provider)
	m.publish(ctx, events.ForVM(events.KindCreated, vm, now))
	return vm, nil
}

func (m *VMManager) launch(ctx context.Context, opts simulator.CreateOptions, now time.Time) (models.VM, error) {
	if m.adapter == nil || !m.adapter.Available(ctx) {
		return models.VM{}, ErrAWSUnavailable
	}
	callCtx, cancel := context.WithTimeout(ctx, providerCallTimeout)
	defer cancel()
	id, err := m.adapter.CreateInstance(callCtx, opts.Region, opts.InstanceType, opts.WindowsVersion)
	if err != nil {
		m.metrics.IncProviderError(provider.OpCreate)
		return models.VM{}, err
	}
	return models.VM{
		ID:             id,
		Provider:       m.adapter.Name(),
		Region:         opts.Region,
		InstanceType:   opts.InstanceType,
		WindowsVersion: opts.WindowsVersion,
		State:          models.VMPending,
		CreatedAt:      now.UTC(),
	}, nil
}

func (m *VMManager) resolveOptions(req CreateRequest) simulator.CreateOptions {
	opts := simulator.CreateOptions{
		Region:         strings.TrimSpace(req.Region),
		InstanceType:   strings.TrimSpace(req.InstanceType),
		WindowsVersion: strings.TrimSpace(req.WindowsVersion),
	}
	if opts.Region == "" {
		opts.Region = m.defaults.Region
	}
	if opts.InstanceType == "" {
		opts.InstanceType = m.defaults.InstanceType
	}
	if opts.WindowsVersion == "" {
		opts.WindowsVersion = m.defaults.WindowsVersion
	}
	return opts.WithDefaults()
}

// List progresses every record to now, refreshes live aws records from the
// provider and persists the result.
func (m *VMManager) List(ctx context.Context, coll store.Collection) ([]models.VM, error) {
	list, err := coll.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load collection: %w", err)
	}
	now := m.now()
	next := simulator.ProgressAll(list, now, m.schedule)
	for i := range next {
		if next[i].Provider == models.ProviderAWS {
			next[i] = m.refresh(ctx, next[i])
		}
	}
	stampTerminated(next, now)
	for i := range next {
		m.observe(list[i], next[i], now)
	}
	if err := coll.Save(ctx, next); err != nil {
		return nil, fmt.Errorf("save collection: %w", err)
	}
	return next, nil
}

// Get returns one progressed record.
func (m *VMManager) Get(ctx context.Context, coll store.Collection, id string) (models.VM, error) {
	list, err := m.List(ctx, coll)
	if err != nil {
		return models.VM{}, err
	}
	vm, ok := simulator.Find(list, id)
	if !ok {
		return models.VM{}, ErrVMNotFound
	}
	return vm, nil
}

// Terminate marks a record terminated. For aws the instance is terminated
// first; a provider failure is logged and the record is still marked
// terminated. Unknown ids are a no-op.
func (m *VMManager) Terminate(ctx context.Context, coll store.Collection, id string) error {
	id = strings.TrimSpace(id)
	list, err := coll.Load(ctx)
	if err != nil {
		return fmt.Errorf("load collection: %w", err)
	}
	now := m.now()
	list = simulator.ProgressAll(list, now, m.schedule)
	vm, ok := simulator.Find(list, id)
	if !ok {
		return nil
	}
	if vm.State == models.VMTerminated {
		return nil
	}
	if vm.Provider == models.ProviderAWS {
		m.terminateInstance(ctx, vm)
	}
	list, _ = simulator.Terminate(list, id)
	stampTerminated(list, now)
	if err := coll.Save(ctx, list); err != nil {
		return fmt.Errorf("save collection: %w", err)
	}
	m.metrics.IncTerminated(vm.Provider)
	m.publish(ctx, events.ForVM(events.KindTerminated, vm, now))
	return nil
}

func (m *VMManager) terminateInstance(ctx context.Context, vm models.VM) {
	if m.adapter == nil {
		m.logger.Printf("vm: aws disabled; marking %s terminated without provider call", vm.ID)
		return
	}
	callCtx, cancel := context.WithTimeout(ctx, providerCallTimeout)
	defer cancel()
	if err := m.adapter.TerminateInstance(callCtx, vm.Region, vm.ID); err != nil {
		m.metrics.IncProviderError(provider.OpTerminate)
		m.logger.Printf("vm: terminate %s in %s failed, marking terminated anyway: %v", vm.ID, vm.Region, err)
	}
}

func (m *VMManager) refresh(ctx context.Context, vm models.VM) models.VM {
	if m.adapter == nil || vm.State == models.VMTerminated {
		return vm
	}
	callCtx, cancel := context.WithTimeout(ctx, providerCallTimeout)
	defer cancel()
	inst, err := m.adapter.DescribeInstance(callCtx, vm.Region, vm.ID)
	if err != nil {
		m.metrics.IncProviderError(provider.OpDescribe)
		m.logger.Printf("vm: refresh %s: %v", vm.ID, err)
		return vm
	}
	return provider.Apply(vm, inst)
}

// stampTerminated records when each terminated record was first seen
// terminated. Retention of terminated records is measured from it.
func stampTerminated(list []models.VM, now time.Time) {
	for i := range list {
		if list[i].State == models.VMTerminated && list[i].TerminatedAt.IsZero() {
			list[i].TerminatedAt = now.UTC()
		}
	}
}

func (m *VMManager) observe(before, after models.VM, now time.Time) {
	if before.State == after.State {
		return
	}
	m.metrics.IncTransition(before.State, after.State)
	if after.State == models.VMRunning && !before.State.HasBooted() && !after.CreatedAt.IsZero() {
		m.metrics.ObserveBoot(now.Sub(after.CreatedAt))
	}
}

func (m *VMManager) publish(ctx context.Context, ev events.Event) {
	if m.events == nil {
		return
	}
	if err := m.events.Publish(ctx, ev); err != nil {
		m.logger.Printf("vm: publish %s for %s: %v", ev.Kind, ev.ID, err)
	}
}
