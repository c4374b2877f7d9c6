// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package main

import (
	"os"

	"git.arvados.org/dsfleet.git/lib/cmd"
	"git.arvados.org/dsfleet.git/lib/fleetcmd"
)

var (
	handler = cmd.Multi{
		"version":   cmd.Version,
		"-version":  cmd.Version,
		"--version": cmd.Version,
	}
)

func init() {
	for name, h := range fleetcmd.Commands(fleetcmd.AWS) {
		handler[name] = h
	}
}

func main() {
	// Accept "dsfleet -config x.yml status" as well as
	// "dsfleet status -config x.yml".
	run := cmd.WithLateSubcommand(handler, []string{"config", "log-level", "log-format", "metrics-file"}, nil)
	os.Exit(run.RunCommand(os.Args[0], os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}
