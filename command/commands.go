// Copyright (c) The spallocd Authors
// SPDX-License-Identifier: MPL-2.0

package command

import (
	"os"

	"github.com/hashicorp/cli"
)

// Commands returns the spallocd CLI's command factory table, the same
// shape command/commands.go builds for nomad's own subcommands.
func Commands() map[string]cli.CommandFactory {
	ui := &cli.BasicUi{
		Reader:      os.Stdin,
		Writer:      os.Stdout,
		ErrorWriter: os.Stderr,
	}

	return map[string]cli.CommandFactory{
		"agent": func() (cli.Command, error) {
			return &AgentCommand{UI: ui}, nil
		},
		"version": func() (cli.Command, error) {
			return &VersionCommand{UI: ui}, nil
		},
	}
}
