// Package events carries VM lifecycle notifications out of the daemon: to a
// NATS subject for other services and to the SQLite audit trail.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/vmconsole/vmconsole/internal/db"
	"github.com/vmconsole/vmconsole/internal/models"
)

// Event kinds.
const (
	KindCreated    = "vm.created"
	KindTerminated = "vm.terminated"
)

// Event is one lifecycle notification.
type Event struct {
	Kind     string          `json:"event"`
	ID       string          `json:"id"`
	Provider models.Provider `json:"provider"`
	Region   string          `json:"region"`
	Time     time.Time       `json:"time"`
	Message  string          `json:"message,omitempty"`
}

// ForVM builds an event describing vm.
func ForVM(kind string, vm models.VM, at time.Time) Event {
	return Event{
		Kind:     kind,
		ID:       vm.ID,
		Provider: vm.Provider,
		Region:   vm.Region,
		Time:     at.UTC(),
	}
}

// Encode returns the JSON wire form of an event.
func Encode(ev Event) ([]byte, error) {
	if ev.Kind == "" {
		return nil, errors.New("event kind is required")
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encode event: %w", err)
	}
	return data, nil
}

// Sink receives lifecycle events.
type Sink interface {
	Publish(ctx context.Context, ev Event) error
}

// Fanout delivers an event to every sink and joins their errors.
type Fanout []Sink

func (f Fanout) Publish(ctx context.Context, ev Event) error {
	var errs []error
	for _, sink := range f {
		if sink == nil {
			continue
		}
		if err := sink.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Audit writes events to the vm_events table.
type Audit struct {
	Store *db.Store
}

func (a Audit) Publish(ctx context.Context, ev Event) error {
	return a.Store.RecordEvent(ctx, db.Event{
		Timestamp: ev.Time,
		Kind:      ev.Kind,
		VMID:      ev.ID,
		Provider:  string(ev.Provider),
		Region:    ev.Region,
		Message:   ev.Message,
	})
}
