package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/vmconsole/vmconsole/internal/buildinfo"
	"github.com/vmconsole/vmconsole/internal/config"
	"github.com/vmconsole/vmconsole/internal/daemon"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "vmconsoled: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	var showVersion bool
	var configPath, listen string

	fs := flag.NewFlagSet("vmconsoled", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.BoolVar(&showVersion, "version", false, "print version and exit")
	fs.StringVar(&configPath, "config", "", "path to config file (default "+config.DefaultConfig().ConfigPath+")")
	fs.StringVar(&listen, "listen", "", "override the listen address from the config file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if showVersion {
		fmt.Fprintln(stdout, buildinfo.String())
		return nil
	}

	logger := log.New(stderr, "vmconsoled: ", log.LstdFlags)
	cfg, err := loadConfig(configPath, logger)
	if err != nil {
		return err
	}
	if listen != "" {
		cfg.Listen = listen
	}
	logger.Printf("starting %s (store=%s)", buildinfo.String(), cfg.Store)
	return daemon.Run(ctx, cfg, logger)
}

// loadConfig reads the config file. Only the default path may be absent; an
// explicit --config must exist.
func loadConfig(path string, logger *log.Logger) (config.Config, error) {
	cfg, err := config.Load(path)
	if err == nil {
		return cfg, nil
	}
	if path == "" && errors.Is(err, os.ErrNotExist) {
		logger.Printf("no config at %s; using defaults", cfg.ConfigPath)
		cfg = config.DefaultConfig()
		return cfg, cfg.Validate()
	}
	return cfg, err
}
