package daemon

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/vmconsole/vmconsole/internal/events"
	"github.com/vmconsole/vmconsole/internal/models"
	"github.com/vmconsole/vmconsole/internal/provider"
	testutil "github.com/vmconsole/vmconsole/internal/testing"
)

// memCollection is an in-memory store.Collection.
type memCollection struct {
	mu      sync.Mutex
	vms     []models.VM
	saves   int
	saveErr error
}

func (c *memCollection) Load(_ context.Context) ([]models.VM, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]models.VM(nil), c.vms...), nil
}

func (c *memCollection) Save(_ context.Context, vms []models.VM) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.saveErr != nil {
		return c.saveErr
	}
	c.saves++
	c.vms = append([]models.VM(nil), vms...)
	return nil
}

func (c *memCollection) snapshot() []models.VM {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]models.VM(nil), c.vms...)
}

type recordingSink struct {
	mu     sync.Mutex
	events []events.Event
	err    error
}

func (s *recordingSink) Publish(_ context.Context, ev events.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return s.err
}

func (s *recordingSink) kinds() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.events))
	for _, ev := range s.events {
		out = append(out, ev.Kind)
	}
	return out
}

type managerFixture struct {
	manager *VMManager
	fake    *provider.Fake
	clock   *testutil.Clock
	sink    *recordingSink
	metrics *Metrics
	coll    *memCollection
}

func newManagerFixture(t *testing.T) *managerFixture {
	t.Helper()
	f := &managerFixture{
		fake:    provider.NewFake(),
		clock:   testutil.NewClock(time.Time{}),
		sink:    &recordingSink{},
		metrics: NewMetrics(),
		coll:    &memCollection{},
	}
	f.manager = NewVMManager(f.fake, testutil.DiscardLogger()).
		WithMetrics(f.metrics).
		WithEvents(f.sink).
		WithClock(f.clock.Now)
	return f
}
