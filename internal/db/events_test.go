package db

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordAndListEvents(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	for i, kind := range []string{"vm.created", "vm.terminated"} {
		require.NoError(t, store.RecordEvent(ctx, Event{
			Timestamp: testNow.Add(time.Duration(i) * time.Second),
			Kind:      kind,
			VMID:      "vm-1",
			Provider:  "demo",
			Region:    "us-east-1",
		}))
	}
	require.NoError(t, store.RecordEvent(ctx, Event{Kind: "vm.created", VMID: "vm-2", Provider: "aws", Message: "i-0abc"}))

	events, err := store.ListEventsByVM(ctx, "vm-1", 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "vm.created", events[0].Kind)
	assert.Equal(t, "vm.terminated", events[1].Kind)
	assert.Equal(t, testNow, events[0].Timestamp)
	assert.Equal(t, "us-east-1", events[0].Region)
	assert.Empty(t, events[0].Message)

	tail, err := store.ListEventsByVM(ctx, "vm-1", 1)
	require.NoError(t, err)
	require.Len(t, tail, 1)
	assert.Equal(t, "vm.terminated", tail[0].Kind)

	other, err := store.ListEventsByVM(ctx, "vm-2", 10)
	require.NoError(t, err)
	require.Len(t, other, 1)
	assert.Equal(t, "i-0abc", other[0].Message)
	assert.Empty(t, other[0].Region)
}

func TestRecordEventValidation(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	assert.EqualError(t, store.RecordEvent(ctx, Event{VMID: "vm"}), "event kind is required")
	assert.EqualError(t, store.RecordEvent(ctx, Event{Kind: "vm.created"}), "event vm id is required")
	_, err := store.ListEventsByVM(ctx, "vm", 0)
	assert.EqualError(t, err, "limit must be positive")
}
