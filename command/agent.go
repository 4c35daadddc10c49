// Copyright (c) The spallocd Authors
// SPDX-License-Identifier: MPL-2.0

// Package command implements the spallocd CLI surface: the long-running
// "agent" subcommand and the "version" subcommand.
package command

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/hashicorp/cli"
	"github.com/hashicorp/go-hclog"

	"github.com/spalloc-project/spallocd/internal/allocator"
	"github.com/spalloc-project/spallocd/internal/bmp"
	"github.com/spalloc-project/spallocd/internal/config"
	"github.com/spalloc-project/spallocd/internal/jobsm"
	"github.com/spalloc-project/spallocd/internal/scheduler"
	"github.com/spalloc-project/spallocd/internal/store"
)

// AgentCommand runs the spallocd server: Store, Allocator, BMPController
// and Scheduler wired together and driven until signaled to stop.
type AgentCommand struct {
	UI cli.Ui
}

func (c *AgentCommand) Synopsis() string { return "Runs the spallocd allocation server" }

func (c *AgentCommand) Help() string {
	return strings.TrimSpace(`
Usage: spallocd agent [options]

  Starts the long-running allocation server: loads configuration, opens the
  store, and runs the Allocator/BMPController/Scheduler until interrupted.

Options:

  -config=<path>   Path to an HCL configuration file.
  -env=<path>       Path to an environment override file.
`)
}

func (c *AgentCommand) Run(args []string) int {
	var configPath, envPath string
	fs := flag.NewFlagSet("agent", flag.ContinueOnError)
	fs.StringVar(&configPath, "config", "", "path to HCL config file")
	fs.StringVar(&envPath, "env", "", "path to environment override file")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	if err := c.run(configPath, envPath); err != nil {
		c.UI.Error(fmt.Sprintf("spallocd: %v", err))
		return 1
	}
	return 0
}

func (c *AgentCommand) run(configPath, envPath string) error {
	cfg, err := config.Load(configPath, envPath)
	if err != nil {
		return err
	}

	logLevel := hclog.LevelFromString(cfg.LogLevel)
	log := hclog.New(&hclog.LoggerOptions{Name: "spallocd", Level: logLevel})

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("creating data dir: %w", err)
	}

	storeCfg, err := cfg.ToStoreConfig()
	if err != nil {
		return err
	}
	st, err := store.Open(cfg.DBPath(), storeCfg)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	if err := st.VerifySchema(); err != nil {
		return fmt.Errorf("schema/query mismatch: %w", err)
	}

	allocCfg, err := cfg.ToAllocatorConfig()
	if err != nil {
		return err
	}

	bmpCfg, err := cfg.ToBMPConfig()
	if err != nil {
		return err
	}

	jobsmCfg, err := cfg.ToJobSMConfig()
	if err != nil {
		return err
	}
	sm := jobsm.New(st, jobsmCfg, allocCfg, log)

	controller := bmp.New(st, bmpCfg, nil, sm, log)

	alloc := allocator.New(st, allocCfg, controller, sm, log)
	_ = sm // wired into the (not-yet-built) wire-protocol front end too

	schedCfg, err := cfg.ToSchedulerConfig()
	if err != nil {
		return err
	}
	sched, err := scheduler.New(schedCfg, alloc, controller, log)
	if err != nil {
		return err
	}

	controller.Run()
	sched.Run()
	log.Info("spallocd agent started", "bind_addr", cfg.BindAddr, "data_dir", cfg.DataDir)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	<-ctx.Done()

	log.Info("spallocd agent shutting down")
	if err := sched.Stop(); err != nil {
		log.Error("scheduler shutdown error", "error", err)
	}
	if err := controller.Stop(); err != nil {
		log.Error("bmp controller shutdown error", "error", err)
	}
	return nil
}
