package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/vmconsole/vmconsole/internal/models"
)

const (
	ansiReset  = "\x1b[0m"
	ansiGreen  = "\x1b[32m"
	ansiYellow = "\x1b[33m"
	ansiBlue   = "\x1b[34m"
	ansiGray   = "\x1b[90m"
)

var now = time.Now

type printer struct {
	out   io.Writer
	color bool
}

func (p *printer) printf(format string, args ...any) {
	_, _ = fmt.Fprintf(p.out, format, args...)
}

func (p *printer) json(v any) error {
	enc := json.NewEncoder(p.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (p *printer) printVM(vm models.VM) {
	p.printf("ID: %s\n", vm.ID)
	p.printf("Provider: %s\n", vm.Provider)
	p.printf("Region: %s\n", vm.Region)
	p.printf("Instance Type: %s\n", vm.InstanceType)
	p.printf("Windows Version: %s\n", vm.WindowsVersion)
	p.printf("State: %s\n", p.state(vm.State))
	p.printf("Public IP: %s\n", orDash(vm.PublicIP))
	p.printf("Username: %s\n", orDash(vm.Username))
	p.printf("RDP: %s\n", orDash(vm.RDPEndpoint()))
	p.printf("Created At: %s\n", vm.CreatedAt.UTC().Format(time.RFC3339))
}

func (p *printer) printVMList(vms []models.VM) {
	if len(vms) == 0 {
		p.printf("No VMs found\n")
		return
	}
	w := tabwriter.NewWriter(p.out, 2, 8, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tPROVIDER\tREGION\tTYPE\tSTATE\tRDP\tAGE")
	for _, vm := range vms {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			vm.ID, vm.Provider, vm.Region, vm.InstanceType, p.state(vm.State), orDash(vm.RDPEndpoint()), formatAge(vm.CreatedAt))
	}
	_ = w.Flush()
}

func (p *printer) printEvents(events []eventResponse) {
	if len(events) == 0 {
		p.printf("No events found\n")
		return
	}
	w := tabwriter.NewWriter(p.out, 2, 8, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "TIME\tKIND\tPROVIDER\tREGION\tMESSAGE")
	for _, ev := range events {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			ev.Time.UTC().Format(time.RFC3339), ev.Kind, ev.Provider, orDash(ev.Region), orDash(ev.Message))
	}
	_ = w.Flush()
}

// state colours the state name when writing to a terminal. The escape codes
// are zero-width on screen but tabwriter counts them, so every state gets
// the same pair of codes and columns stay aligned.
func (p *printer) state(s models.VMState) string {
	if !p.color {
		return string(s)
	}
	code := ansiGray
	switch s {
	case models.VMPending:
		code = ansiYellow
	case models.VMRunning:
		code = ansiGreen
	case models.VMStopped:
		code = ansiBlue
	}
	return code + string(s) + ansiReset
}

func formatAge(created time.Time) string {
	if created.IsZero() {
		return "-"
	}
	d := now().Sub(created)
	switch {
	case d < 0:
		return "0s"
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 48*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}

func orDash(value string) string {
	if value == "" {
		return "-"
	}
	return value
}
