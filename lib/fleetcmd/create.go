// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package fleetcmd

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"

	"git.arvados.org/dsfleet.git/lib/cloud"
	"git.arvados.org/dsfleet.git/lib/orchestrator"
	"git.arvados.org/dsfleet.git/sdk/go/fleet"
	"github.com/dustin/go-humanize"
)

type createCommand struct{ env *Env }

func (cc *createCommand) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	c := newCommon(stdin, stdout, stderr)
	dryRun := c.flags.Bool("dry-run", false, "print the nodes that would be created, and exit")
	skipPreflight := c.flags.Bool("skip-preflight", false, "do not check the database, registry and storage before creating instances")
	if ok, code := c.parse(prog, args); !ok {
		return code
	}
	defer c.writeMetrics()

	cfg, err := c.loadConfig()
	if err != nil {
		return c.exitCode(err)
	}
	if err := cfg.Validate(); err != nil {
		return c.exitCode(err)
	}
	if len(cfg.Nodes) > 0 {
		return c.exitCode(fmt.Errorf("project %s already has %d recorded nodes: delete the cluster, or use scale", cfg.Project, len(cfg.Nodes)))
	}
	if *dryRun {
		return c.exitCode(printPlan(stdout, cfg))
	}

	ctx, cancel := c.context()
	defer cancel()
	orch, err := cc.env.orchestrator(cfg, c)
	if err != nil {
		return c.exitCode(err)
	}
	if !*skipPreflight {
		pf := cc.env.Preflight
		pf.Logger = c.logger
		if nv, ok := orch.Cloud.(cloud.NetworkVerifier); ok {
			pf.Network = nv
		}
		if _, err := pf.Check(ctx, cfg); err != nil {
			return c.exitCode(fmt.Errorf("preflight check failed, nothing was created: %w", err))
		}
	}
	res, err := orch.Create(ctx, cfg)
	if err != nil {
		var derr *fleet.DeployError
		if errors.As(err, &derr) {
			for _, o := range derr.Rollback.Failed() {
				fmt.Fprintf(stderr, "rollback: %s %s: %s (delete it manually or run cleanup)\n", o.Action, o.Resource, o.Err)
			}
		}
		return c.exitCode(err)
	}
	if err := c.saveConfig(cfg); err != nil {
		return c.exitCode(fmt.Errorf("cluster created, but saving the topology failed: %w", err))
	}
	printCreated(stdout, cfg, res)
	return 0
}

// printPlan lists the nodes cfg describes, with their placements and
// hourly cost.
func printPlan(w io.Writer, cfg *fleet.Config) error {
	spec, err := fleet.NewClusterSpec(cfg)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "HOST\tTYPE\tSUBNET\tZONE\tUSD/HOUR")
	var total float64
	for _, role := range fleet.Roles {
		rs := spec.Roles[role]
		for i := 0; i < rs.Count; i++ {
			pl, err := spec.Placement(role, i)
			if err != nil {
				return err
			}
			price := cfg.Cloud.Prices[rs.InstanceType]
			total += price
			fmt.Fprintf(tw, "%s-%d\t%s\t%s\t%s\t%s\n", role, i, rs.InstanceType, pl.SubnetID, pl.Zone, formatPrice(price))
		}
	}
	tw.Flush()
	fmt.Fprintf(w, "Estimated cost: %s/hour, about %s/month\n", formatPrice(total), formatPrice(total*730))
	return nil
}

func printCreated(w io.Writer, cfg *fleet.Config, res *orchestrator.Result) {
	fmt.Fprintf(w, "Cluster %s created (run %s)\n", cfg.Project, res.RunID)
	fmt.Fprintf(w, "API endpoint: %s\n", res.APIEndpoint)
	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "HOST\tADDRESS\tINSTANCE\tSERVICE")
	for _, node := range res.Nodes {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", node.Hostname(), node.Address, node.InstanceID, serviceText(res.Services[node.Hostname()]))
	}
	tw.Flush()
	var failed []string
	for name, st := range res.Services {
		if !st.OK() {
			failed = append(failed, name)
		}
	}
	if len(failed) > 0 {
		sort.Strings(failed)
		fmt.Fprintf(w, "%d services did not start cleanly (%v): check them, then run a rollout of the affected roles\n", len(failed), failed)
	}
}

func serviceText(st orchestrator.ServiceStatus) string {
	switch {
	case st.OK() && st.TargetState != "":
		return "running, target " + string(st.TargetState)
	case st.OK():
		return "running"
	case st.Err != nil:
		return "FAILED: " + st.Err.Error()
	default:
		return "not started"
	}
}

func formatPrice(usd float64) string {
	return "$" + humanize.FormatFloat("#,###.##", usd)
}
