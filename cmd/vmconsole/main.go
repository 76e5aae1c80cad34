package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/vmconsole/vmconsole/internal/buildinfo"
)

type globalOptions struct {
	server     string
	jsonOutput bool
	timeout    time.Duration
	stateFile  string
}

func (o *globalOptions) client() (*apiClient, error) {
	return newAPIClient(o.server, o.stateFile, o.timeout)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(os.Stdout).ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd(out io.Writer) *cobra.Command {
	opts := &globalOptions{}
	p := &printer{out: out, color: isTerminal(out)}

	root := &cobra.Command{
		Use:   "vmconsole",
		Short: "vmconsole - create and manage Windows VMs",
		Long: `vmconsole is the CLI for vmconsoled.

It creates, lists and terminates Windows VMs through the daemon, either
simulated demo VMs or real EC2 instances. Your VM list is tied to the
session cookies the daemon hands out; they are kept in the state file.`,
		Version:       buildinfo.String(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(out)

	server := strings.TrimSpace(os.Getenv(envServer))
	if server == "" {
		server = defaultServer
	}
	flags := root.PersistentFlags()
	flags.StringVar(&opts.server, "server", server, "vmconsoled base URL (env "+envServer+")")
	flags.BoolVar(&opts.jsonOutput, "json", false, "print raw JSON responses")
	flags.DurationVar(&opts.timeout, "timeout", defaultRequestTimeout, "request timeout (e.g. 30s, 2m)")
	flags.StringVar(&opts.stateFile, "state-file", "", "session state file (default $XDG_CONFIG_HOME/vmconsole/state.json)")

	root.AddCommand(
		newCreateCmd(opts, p),
		newListCmd(opts, p),
		newShowCmd(opts, p),
		newTerminateCmd(opts, p),
		newEventsCmd(opts, p),
		newVersionCmd(opts, p),
	)
	return root
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok || os.Getenv("NO_COLOR") != "" {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
