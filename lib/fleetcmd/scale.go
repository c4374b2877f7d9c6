// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package fleetcmd

import (
	"fmt"
	"io"

	"git.arvados.org/dsfleet.git/lib/scale"
	"git.arvados.org/dsfleet.git/sdk/go/fleet"
)

type scaleCommand struct{ env *Env }

func (sc *scaleCommand) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	c := newCommon(stdin, stdout, stderr)
	roleName := c.flags.String("role", "", "`role` to scale: coordinator, worker, api, or alerting")
	count := c.flags.Int("count", -1, "target number of nodes")
	rollout := c.flags.Bool("rollout", false, "after adding coordinator or api nodes, roll the new configuration out to the whole role")
	force := c.flags.Bool("force", false, "do not ask for confirmation before removing nodes")
	if ok, code := c.parse(prog, args); !ok {
		return code
	}
	role, err := fleet.ParseRole(*roleName)
	if err != nil {
		fmt.Fprintf(stderr, "%s (try -help)\n", err)
		return 2
	}
	if *count < 0 {
		fmt.Fprintln(stderr, "-count is required (try -help)")
		return 2
	}
	defer c.writeMetrics()

	cfg, err := c.loadConfig()
	if err != nil {
		return c.exitCode(err)
	}
	current := len(cfg.Nodes.ByRole(role))
	if *count < current && !*force {
		nodes := cfg.Nodes.ByRole(role)
		var names []string
		for _, n := range nodes[*count:] {
			names = append(names, n.Hostname())
		}
		if !c.confirm(fmt.Sprintf("This stops and terminates %v.", names), "yes") {
			fmt.Fprintln(stderr, "not confirmed, nothing changed")
			return 1
		}
	}

	ctx, cancel := c.context()
	defer cancel()
	orch, err := sc.env.orchestrator(cfg, c)
	if err != nil {
		return c.exitCode(err)
	}
	eng := &scale.Engine{Orchestrator: orch}
	res, err := eng.Scale(ctx, cfg, role, *count)
	if res != nil {
		if serr := c.saveConfig(cfg); serr != nil {
			c.logger.WithError(serr).Error("failed to save configuration")
			if err == nil {
				err = serr
			}
		}
		printScaled(stdout, res)
	}
	if err != nil {
		return c.exitCode(err)
	}
	if !res.RequiresRollout {
		return 0
	}
	if !*rollout {
		fmt.Fprintf(stdout, "New %s nodes are installed but not started. Run \"rollout -role %s\" to reconfigure and start the role.\n", role, role)
		return 0
	}
	rres, err := eng.Rollout(ctx, cfg, role)
	if rres != nil {
		printReport(stdout, rres.Report)
	}
	return c.exitCode(err)
}

func printScaled(w io.Writer, res *scale.Result) {
	for _, n := range res.Added {
		fmt.Fprintf(w, "added   %s %s %s\n", n.Hostname(), n.Address, n.InstanceID)
	}
	for _, n := range res.Removed {
		fmt.Fprintf(w, "removed %s %s %s\n", n.Hostname(), n.Address, n.InstanceID)
	}
	for _, st := range res.Services {
		if !st.OK() {
			fmt.Fprintf(w, "%s: %s\n", st.Host, serviceText(st))
		}
	}
	if res.Report != nil {
		for _, o := range res.Report.Failed() {
			fmt.Fprintf(w, "FAILED %s %s: %s\n", o.Action, o.Resource, o.Err)
		}
	}
}

type rolloutCommand struct{ env *Env }

func (rc *rolloutCommand) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	c := newCommon(stdin, stdout, stderr)
	roleName := c.flags.String("role", "", "`role` to reconfigure and restart, one node at a time")
	if ok, code := c.parse(prog, args); !ok {
		return code
	}
	role, err := fleet.ParseRole(*roleName)
	if err != nil {
		fmt.Fprintf(stderr, "%s (try -help)\n", err)
		return 2
	}
	defer c.writeMetrics()

	cfg, err := c.loadConfig()
	if err != nil {
		return c.exitCode(err)
	}
	ctx, cancel := c.context()
	defer cancel()
	orch, err := rc.env.orchestrator(cfg, c)
	if err != nil {
		return c.exitCode(err)
	}
	eng := &scale.Engine{Orchestrator: orch}
	res, err := eng.Rollout(ctx, cfg, role)
	if res != nil {
		printReport(stdout, res.Report)
	}
	return c.exitCode(err)
}
