// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package app wires the device agent command line.
package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/fatih/color"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/flowforge/device-agent/pkg/agent"
	"github.com/flowforge/device-agent/pkg/config"
	"github.com/flowforge/device-agent/pkg/logbuffer"
	"github.com/flowforge/device-agent/pkg/util/log"
	"github.com/flowforge/device-agent/pkg/version"
)

var (
	// AgentCmd is the root command; it runs the agent in the foreground.
	AgentCmd = &cobra.Command{
		Use:   "device-agent",
		Short: "FlowForge device agent",
		Long: `
The FlowForge device agent connects a host to a FlowForge platform, deploys
the Node-RED snapshots the platform assigns to it and keeps the platform
informed about the device.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          run,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number",
		Run: func(*cobra.Command, []string) {
			fmt.Println(version.Full())
		},
	}

	confPath    string
	workDir     string
	portFlag    int
	verbose     bool
	quickURL    string
	quickToken  string
	flagNoColor bool
)

func init() {
	AgentCmd.AddCommand(versionCmd)

	AgentCmd.Flags().StringVarP(&confPath, "config", "c", "", "path to device.yml (default <dir>/device.yml)")
	AgentCmd.Flags().StringVarP(&workDir, "dir", "d", config.DefaultDir, "agent working directory")
	AgentCmd.Flags().IntVarP(&portFlag, "port", "p", 0, "listen port for the local runtime (overrides the device file)")
	AgentCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	AgentCmd.Flags().StringVar(&quickURL, "ff-url", "", "platform URL for one-shot provisioning without a device file")
	AgentCmd.Flags().StringVar(&quickToken, "ff-token", "", "provisioning token for one-shot provisioning")
	AgentCmd.PersistentFlags().BoolVarP(&flagNoColor, "no-color", "n", false, "disable color output")
}

func run(_ *cobra.Command, _ []string) error {
	if flagNoColor {
		color.NoColor = true
	}
	color.New(color.Bold).Printf("FlowForge Device Agent %s\n", version.Full()) //nolint:errcheck

	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return fatal(errors.Wrapf(err, "unable to create the working directory %s", workDir))
	}

	ring := logbuffer.New(0)
	level := "info"
	if verbose {
		level = "debug"
	}
	if err := config.SetupLogger(level, ring); err != nil {
		return fatal(errors.Wrap(err, "unable to set up logging"))
	}
	defer log.Flush()

	// Signals stop the current agent. SIGHUP asks for a fresh run on the
	// re-read configuration instead of exiting; provisioning relaunches the
	// same way.
	var (
		mu      sync.Mutex
		current *agent.Agent
		hup     bool
		quit    bool
	)
	sigCh := make(chan os.Signal, 8)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigCh)
	go func() {
		for sig := range sigCh {
			mu.Lock()
			if sig == syscall.SIGHUP {
				hup = true
			} else {
				quit = true
			}
			a := current
			mu.Unlock()
			if sig == syscall.SIGHUP {
				log.Info("SIGHUP received, restarting the agent")
			} else {
				log.Infof("Caught signal '%s'; shutting down", sig)
			}
			if a != nil {
				a.Stop()
			}
		}
	}()

	for {
		cfg, err := loadConfiguration()
		if err != nil {
			return fatal(err)
		}

		a := agent.New(cfg, ring, nil)
		mu.Lock()
		stopped := quit
		current = a
		mu.Unlock()
		if stopped {
			return nil
		}

		runErr := a.Run(context.Background())

		mu.Lock()
		current = nil
		again := hup
		hup = false
		stopped = quit
		mu.Unlock()

		switch {
		case errors.Is(runErr, agent.ErrRelaunch):
			if stopped {
				return nil
			}
			log.Info("Agent restarting on the updated configuration")
			continue
		case runErr != nil:
			return fatal(runErr)
		case again && !stopped:
			continue
		}
		return nil
	}
}

// loadConfiguration resolves the device file, or synthesizes a provisioning
// configuration from --ff-url/--ff-token when the file does not exist yet.
func loadConfiguration() (*config.Config, error) {
	path := confPath
	if path == "" {
		path = filepath.Join(workDir, config.DefaultFileName)
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		if quickURL != "" && quickToken != "" {
			log.Infof("No device file at %s, provisioning from the command line", path)
			cfg, err := config.QuickConnect(quickURL, quickToken, path, portFlag)
			if err != nil {
				return nil, err
			}
			cfg.Dir = workDir
			return cfg, nil
		}
		return nil, errors.Errorf("no device file at %s; download one from the platform or pass --ff-url and --ff-token", path)
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if cfg.Dir == "" {
		cfg.Dir = workDir
	}
	if portFlag > 0 {
		cfg.Port = portFlag
	}
	return cfg, nil
}

// fatal paints startup failures red on stderr; the process exits non-zero
// through main.
func fatal(err error) error {
	color.New(color.FgRed).Fprintf(os.Stderr, "Error: %v\n", err) //nolint:errcheck
	return err
}
