package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/vmconsole/vmconsole/internal/buildinfo"
	"github.com/vmconsole/vmconsole/internal/models"
)

var waitPollInterval = 2 * time.Second

func newCreateCmd(opts *globalOptions, p *printer) *cobra.Command {
	var req createRequest
	var wait time.Duration
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a VM",
		Long: `Create a Windows VM.

The demo provider simulates the VM: it boots after a few seconds and gets
an address from the documentation range. The aws provider launches a real
EC2 instance and needs credentials on the daemon host.

Blank options fall back to the daemon's defaults.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			payload, err := client.doJSON(cmd.Context(), http.MethodPost, "/api/vm", req)
			if err != nil {
				return fmt.Errorf("create vm: %w", err)
			}
			var resp createResponse
			if err := json.Unmarshal(payload, &resp); err != nil {
				return err
			}
			if wait <= 0 {
				if opts.jsonOutput {
					return prettyPrintJSON(p.out, payload)
				}
				p.printf("Created vm %s\n", resp.ID)
				return nil
			}
			vm, err := waitForBoot(cmd.Context(), client, resp.ID, wait)
			if err != nil {
				return err
			}
			if opts.jsonOutput {
				return p.json(vm)
			}
			p.printVM(vm)
			return nil
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&req.Provider, "provider", "", "demo or aws (default demo)")
	flags.StringVar(&req.Region, "region", "", "region, e.g. us-east-1")
	flags.StringVar(&req.InstanceType, "instance-type", "", "instance type, e.g. t3.large")
	flags.StringVar(&req.WindowsVersion, "windows-version", "", "image name prefix or AMI id")
	flags.DurationVar(&wait, "wait", 0, "wait up to this long for the VM to boot (0 returns immediately)")
	return cmd
}

// waitForBoot polls the VM until it has booted, is terminated, or the wait
// expires.
func waitForBoot(ctx context.Context, client *apiClient, id string, wait time.Duration) (models.VM, error) {
	ctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	ticker := time.NewTicker(waitPollInterval)
	defer ticker.Stop()
	for {
		vm, err := fetchVM(ctx, client, id)
		if err != nil {
			return models.VM{}, err
		}
		if vm.State.HasBooted() || vm.State == models.VMTerminated {
			return vm, nil
		}
		select {
		case <-ctx.Done():
			return vm, fmt.Errorf("vm %s still %s after %s", id, vm.State, wait)
		case <-ticker.C:
		}
	}
}

func fetchVM(ctx context.Context, client *apiClient, id string) (models.VM, error) {
	payload, err := client.doJSON(ctx, http.MethodGet, vmPath(id), nil)
	if err != nil {
		return models.VM{}, err
	}
	var vm models.VM
	if err := json.Unmarshal(payload, &vm); err != nil {
		return models.VM{}, err
	}
	return vm, nil
}

func newListCmd(opts *globalOptions, p *printer) *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List your VMs",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			payload, err := client.doJSON(cmd.Context(), http.MethodGet, "/api/vm", nil)
			if err != nil {
				return fmt.Errorf("list vms: %w", err)
			}
			if opts.jsonOutput {
				return prettyPrintJSON(p.out, payload)
			}
			var resp vmListResponse
			if err := json.Unmarshal(payload, &resp); err != nil {
				return err
			}
			p.printVMList(resp.VMs)
			return nil
		},
	}
}

func newShowCmd(opts *globalOptions, p *printer) *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show one VM and its RDP endpoint",
		Args:  requireID,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			payload, err := client.doJSON(cmd.Context(), http.MethodGet, vmPath(args[0]), nil)
			if err != nil {
				return fmt.Errorf("show vm %s: %w", args[0], err)
			}
			if opts.jsonOutput {
				return prettyPrintJSON(p.out, payload)
			}
			var vm models.VM
			if err := json.Unmarshal(payload, &vm); err != nil {
				return err
			}
			p.printVM(vm)
			return nil
		},
	}
}

func newTerminateCmd(opts *globalOptions, p *printer) *cobra.Command {
	return &cobra.Command{
		Use:     "terminate <id>",
		Aliases: []string{"rm"},
		Short:   "Terminate a VM",
		Long: `Terminate a VM. Terminated VMs stay in the list until the session
expires. Terminating an unknown or already terminated id succeeds.`,
		Args: requireID,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			id := strings.TrimSpace(args[0])
			payload, err := client.doJSON(cmd.Context(), http.MethodDelete, "/api/vm?id="+url.QueryEscape(id), nil)
			if err != nil {
				return fmt.Errorf("terminate vm %s: %w", id, err)
			}
			if opts.jsonOutput {
				return prettyPrintJSON(p.out, payload)
			}
			p.printf("Terminated vm %s\n", id)
			return nil
		},
	}
}

func newEventsCmd(opts *globalOptions, p *printer) *cobra.Command {
	return &cobra.Command{
		Use:   "events <id>",
		Short: "Show the lifecycle history of a VM",
		Long:  `Show the lifecycle history of a VM. Requires a daemon running the sqlite store.`,
		Args:  requireID,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			payload, err := client.doJSON(cmd.Context(), http.MethodGet, vmPath(args[0])+"/events", nil)
			if err != nil {
				return fmt.Errorf("events for vm %s: %w", args[0], err)
			}
			if opts.jsonOutput {
				return prettyPrintJSON(p.out, payload)
			}
			var resp eventsResponse
			if err := json.Unmarshal(payload, &resp); err != nil {
				return err
			}
			p.printEvents(resp.Events)
			return nil
		},
	}
}

func newVersionCmd(opts *globalOptions, p *printer) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print client and server versions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := struct {
				Client versionResponse  `json:"client"`
				Server *versionResponse `json:"server,omitempty"`
				Error  string           `json:"server_error,omitempty"`
			}{
				Client: versionResponse{Version: buildinfo.Version, Commit: buildinfo.Commit, Date: buildinfo.Date},
			}
			client, err := opts.client()
			if err == nil {
				var payload []byte
				payload, err = client.doJSON(cmd.Context(), http.MethodGet, "/version", nil)
				if err == nil {
					var server versionResponse
					if err = json.Unmarshal(payload, &server); err == nil {
						out.Server = &server
					}
				}
			}
			if err != nil {
				out.Error = err.Error()
			}
			if opts.jsonOutput {
				return p.json(out)
			}
			p.printf("client: %s\n", buildinfo.String())
			if out.Server != nil {
				p.printf("server: %s (commit %s, built %s)\n", out.Server.Version, out.Server.Commit, out.Server.Date)
			} else {
				p.printf("server: unavailable (%s)\n", out.Error)
			}
			return nil
		},
	}
}

func requireID(_ *cobra.Command, args []string) error {
	if len(args) != 1 {
		return errors.New("vm id is required")
	}
	if strings.TrimSpace(args[0]) == "" {
		return errors.New("vm id must not be blank")
	}
	return nil
}
