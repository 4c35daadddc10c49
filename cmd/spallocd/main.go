// Copyright (c) The spallocd Authors
// SPDX-License-Identifier: MPL-2.0

package main

import (
	"os"

	"github.com/hashicorp/cli"

	"github.com/spalloc-project/spallocd/command"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	c := cli.NewCLI("spallocd", command.Version)
	c.Args = args
	c.Commands = command.Commands()
	c.HelpFunc = cli.BasicHelpFunc("spallocd")

	exitCode, err := c.Run()
	if err != nil {
		os.Stderr.WriteString(err.Error() + "\n")
		return 1
	}
	return exitCode
}
