// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package fleetcmd

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"git.arvados.org/dsfleet.git/lib/cloud"
	"git.arvados.org/dsfleet.git/lib/orchestrator"
	"github.com/dustin/go-humanize"
)

type statusCommand struct{ env *Env }

func (sc *statusCommand) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	c := newCommon(stdin, stdout, stderr)
	detailed := c.flags.Bool("detailed", false, "also check whether each node's service is running")
	format := c.flags.String("format", "text", "output `format`: text or json")
	if ok, code := c.parse(prog, args); !ok {
		return code
	}
	if *format != "text" && *format != "json" {
		fmt.Fprintf(stderr, "invalid -format %q (try -help)\n", *format)
		return 2
	}
	defer c.writeMetrics()

	cfg, err := c.loadConfig()
	if err != nil {
		return c.exitCode(err)
	}
	ctx, cancel := c.context()
	defer cancel()
	orch, err := sc.env.orchestrator(cfg, c)
	if err != nil {
		return c.exitCode(err)
	}
	sr, err := orch.Status(ctx, cfg, *detailed)
	if err != nil {
		return c.exitCode(err)
	}
	if *format == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return c.exitCode(enc.Encode(sr))
	}
	printStatus(stdout, sr)
	return 0
}

func printStatus(w io.Writer, sr *orchestrator.StatusReport) {
	fmt.Fprintf(w, "Project: %s\n", sr.Project)
	fmt.Fprintf(w, "API endpoint: %s\n", sr.APIEndpoint)
	if len(sr.Nodes) == 0 {
		fmt.Fprintln(w, "No nodes recorded.")
	} else {
		tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
		fmt.Fprintln(tw, "HOST\tADDRESS\tINSTANCE\tTYPE\tZONE\tSTATE\tLAUNCHED\tSERVICE")
		for _, ns := range sr.Nodes {
			launched := "-"
			if !ns.LaunchTime.IsZero() {
				launched = humanize.Time(ns.LaunchTime)
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n", ns.Hostname(), ns.Address, ns.InstanceID, ns.InstanceType, ns.Zone, ns.State, launched, nodeServiceText(ns))
		}
		tw.Flush()
	}
	for _, id := range sr.Untracked {
		fmt.Fprintf(w, "warning: instance %s carries this project's tags but is not in the topology\n", id)
	}
	fmt.Fprintf(w, "Estimated cost: %s/hour, about %s/month\n", formatPrice(sr.HourlyPrice), formatPrice(sr.HourlyPrice*730))
}

func nodeServiceText(ns orchestrator.NodeStatus) string {
	switch {
	case ns.ServiceError != "":
		return "unknown: " + ns.ServiceError
	case ns.ServiceRunning == nil && ns.State == cloud.StateRunning:
		return "-"
	case ns.ServiceRunning == nil:
		return "down"
	case *ns.ServiceRunning:
		return "running"
	default:
		return "stopped"
	}
}

type validateCommand struct{ env *Env }

func (vc *validateCommand) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	c := newCommon(stdin, stdout, stderr)
	offline := c.flags.Bool("offline", false, "check the configuration file only, without connecting to anything")
	if ok, code := c.parse(prog, args); !ok {
		return code
	}
	cfg, err := c.loadConfig()
	if err != nil {
		return c.exitCode(err)
	}
	if *offline {
		if err := cfg.Validate(); err != nil {
			return c.exitCode(err)
		}
		fmt.Fprintln(stdout, "configuration is valid")
		return 0
	}
	ctx, cancel := c.context()
	defer cancel()
	pf := vc.env.Preflight
	pf.Logger = c.logger
	if cfg.Validate() == nil {
		if is, err := vc.env.NewInstanceSet(cfg.Cloud, c.logger, nil); err != nil {
			c.logger.WithError(err).Warn("cannot connect to cloud, skipping network verification")
		} else if nv, ok := is.(cloud.NetworkVerifier); ok {
			pf.Network = nv
		}
	}
	report, err := pf.Check(ctx, cfg)
	printReport(stdout, report)
	return c.exitCode(err)
}
