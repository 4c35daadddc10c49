// Copyright (c) The spallocd Authors
// SPDX-License-Identifier: MPL-2.0

package command

import (
	"fmt"

	"github.com/hashicorp/cli"
)

// Version is stamped at build time via -ldflags.
var Version = "dev"

// VersionCommand prints the running binary's version.
type VersionCommand struct {
	UI cli.Ui
}

func (c *VersionCommand) Synopsis() string { return "Prints the spallocd version" }
func (c *VersionCommand) Help() string     { return "Usage: spallocd version" }

func (c *VersionCommand) Run(args []string) int {
	c.UI.Output(fmt.Sprintf("spallocd %s", Version))
	return 0
}
