package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVMStateRankOrdersForwardPath(t *testing.T) {
	assert.Less(t, VMPending.Rank(), VMRunning.Rank())
	assert.Less(t, VMRunning.Rank(), VMStopped.Rank())
	assert.Less(t, VMStopped.Rank(), VMTerminated.Rank())
	assert.Equal(t, 0, VMState("bogus").Rank())
}

func TestVMStateValid(t *testing.T) {
	for _, s := range []VMState{VMPending, VMRunning, VMStopped, VMTerminated} {
		assert.True(t, s.Valid(), s)
	}
	assert.False(t, VMState("").Valid())
	assert.False(t, VMState("RUNNING").Valid())
}

func TestVMStateHasBooted(t *testing.T) {
	assert.False(t, VMPending.HasBooted())
	assert.True(t, VMRunning.HasBooted())
	assert.True(t, VMStopped.HasBooted())
	assert.False(t, VMTerminated.HasBooted())
}

func TestParseProvider(t *testing.T) {
	tests := []struct {
		in      string
		want    Provider
		wantErr bool
	}{
		{"", ProviderDemo, false},
		{"demo", ProviderDemo, false},
		{"aws", ProviderAWS, false},
		{"gcp", "", true},
		{"AWS", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseProvider(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestVMJSONUsesCamelCaseAndMillis(t *testing.T) {
	created := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	vm := VM{
		ID:             "vm-1",
		Provider:       ProviderDemo,
		Region:         "us-east-1",
		InstanceType:   "t3.large",
		WindowsVersion: "Windows_Server-2022-English-Full-Base",
		State:          VMPending,
		CreatedAt:      created,
	}
	data, err := json.Marshal(vm)
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, "vm-1", raw["id"])
	assert.Equal(t, "t3.large", raw["instanceType"])
	assert.Equal(t, float64(created.UnixMilli()), raw["createdAt"])
	assert.NotContains(t, raw, "publicIp")
	assert.NotContains(t, raw, "username")
	assert.NotContains(t, raw, "terminatedAt")

	var decoded VM
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, vm, decoded)

	vm.State = VMTerminated
	vm.TerminatedAt = created.Add(time.Hour)
	data, err = json.Marshal(vm)
	require.NoError(t, err)
	raw = nil
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, float64(vm.TerminatedAt.UnixMilli()), raw["terminatedAt"])
	decoded = VM{}
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, vm, decoded)
}

func TestVMRDPEndpoint(t *testing.T) {
	assert.Equal(t, "", VM{}.RDPEndpoint())
	assert.Equal(t, "203.0.113.7:3389", VM{PublicIP: "203.0.113.7"}.RDPEndpoint())
}
