package daemon

import (
	"time"

	"github.com/vmconsole/vmconsole/internal/models"
)

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

type CreateVMRequest struct {
	Provider       string `json:"provider,omitempty"`
	Region         string `json:"region,omitempty"`
	InstanceType   string `json:"instanceType,omitempty"`
	WindowsVersion string `json:"windowsVersion,omitempty"`
}

type CreateVMResponse struct {
	ID string `json:"id"`
}

type VMListResponse struct {
	VMs []models.VM `json:"vms"`
}

type OKResponse struct {
	OK bool `json:"ok"`
}

type VMEvent struct {
	Kind     string    `json:"kind"`
	Time     time.Time `json:"time"`
	Provider string    `json:"provider"`
	Region   string    `json:"region,omitempty"`
	Message  string    `json:"message,omitempty"`
}

type VMEventsResponse struct {
	Events []VMEvent `json:"events"`
}

type VersionResponse struct {
	Version string `json:"version"`
	Commit  string `json:"commit"`
	Date    string `json:"date"`
}
