package provider

import (
	"context"
	"fmt"
	"sync"

	"github.com/vmconsole/vmconsole/internal/models"
)

// Fake is a deterministic in-memory Adapter for tests. Instance ids are
// sequential (i-fake0001, i-fake0002, ...). The *Err fields, when set, make
// the matching call fail with a provider Error wrapping them.
type Fake struct {
	mu        sync.Mutex
	instances map[string]*fakeInstance
	seq       int

	NoCredentials bool
	CreateErr     error
	DescribeErr   error
	TerminateErr  error

	CreateCalls    int
	DescribeCalls  int
	TerminateCalls int
}

type fakeInstance struct {
	region       string
	instanceType string
	image        string
	inst         Instance
}

// NewFake returns a Fake with credentials available and no instances.
func NewFake() *Fake {
	return &Fake{instances: make(map[string]*fakeInstance)}
}

func (f *Fake) Name() models.Provider {
	return models.ProviderAWS
}

func (f *Fake) Available(_ context.Context) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.NoCredentials
}

func (f *Fake) CreateInstance(_ context.Context, region, instanceType, image string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.CreateCalls++
	if f.NoCredentials {
		return "", newError(models.ProviderAWS, OpCreate, ErrCredentialsMissing)
	}
	if f.CreateErr != nil {
		return "", newError(models.ProviderAWS, OpCreate, f.CreateErr)
	}
	f.seq++
	id := fmt.Sprintf("i-fake%04d", f.seq)
	f.instances[id] = &fakeInstance{
		region:       region,
		instanceType: instanceType,
		image:        image,
		inst:         Instance{ID: id, State: models.VMPending},
	}
	return id, nil
}

func (f *Fake) DescribeInstance(_ context.Context, _ string, id string) (Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.DescribeCalls++
	if f.DescribeErr != nil {
		return Instance{}, newError(models.ProviderAWS, OpDescribe, f.DescribeErr)
	}
	rec, ok := f.instances[id]
	if !ok {
		return Instance{}, newError(models.ProviderAWS, OpDescribe, fmt.Errorf("%w: %s", ErrInstanceNotFound, id))
	}
	return rec.inst, nil
}

func (f *Fake) TerminateInstance(_ context.Context, _ string, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.TerminateCalls++
	if f.TerminateErr != nil {
		return newError(models.ProviderAWS, OpTerminate, f.TerminateErr)
	}
	rec, ok := f.instances[id]
	if !ok {
		return newError(models.ProviderAWS, OpTerminate, fmt.Errorf("%w: %s", ErrInstanceNotFound, id))
	}
	rec.inst.State = models.VMTerminated
	rec.inst.PublicIP = ""
	return nil
}

// SetInstance overwrites the provider-side view of an instance.
func (f *Fake) SetInstance(id string, state models.VMState, publicIP string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.instances[id]
	if !ok {
		rec = &fakeInstance{}
		f.instances[id] = rec
	}
	rec.inst = Instance{ID: id, State: state, PublicIP: publicIP}
}

// Instance returns the provider-side view of an instance.
func (f *Fake) Instance(id string) (Instance, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.instances[id]
	if !ok {
		return Instance{}, false
	}
	return rec.inst, true
}
