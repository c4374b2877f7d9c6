// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package fleetcmd

import (
	"fmt"
	"io"
	"strings"

	"git.arvados.org/dsfleet.git/lib/reconcile"
	"git.arvados.org/dsfleet.git/sdk/go/fleet"
)

type deleteCommand struct{ env *Env }

func (dc *deleteCommand) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	c := newCommon(stdin, stdout, stderr)
	keepData := c.flags.Bool("keep-data", false, "do not purge resource storage")
	force := c.flags.Bool("force", false, "do not ask for confirmation")
	if ok, code := c.parse(prog, args); !ok {
		return code
	}
	defer c.writeMetrics()

	cfg, err := c.loadConfig()
	if err != nil {
		return c.exitCode(err)
	}
	if !*force {
		prompt := fmt.Sprintf("This terminates %d recorded nodes and every instance and load balancer tagged Project=%s in %s.", len(cfg.Nodes), cfg.Project, cfg.Cloud.Region)
		if !*keepData && strings.EqualFold(cfg.Storage.Type, "S3") {
			prompt += fmt.Sprintf("\nObjects under s3://%s/%s are deleted too.", cfg.Storage.Bucket, cfg.Storage.Prefix)
		}
		if !c.confirm(prompt, cfg.Project) {
			fmt.Fprintln(stderr, "not confirmed, nothing deleted")
			return 1
		}
	}

	ctx, cancel := c.context()
	defer cancel()
	orch, err := dc.env.orchestrator(cfg, c)
	if err != nil {
		return c.exitCode(err)
	}
	report, err := orch.Delete(ctx, cfg, *keepData)
	printReport(stdout, report)
	if serr := c.saveConfig(cfg); serr != nil {
		c.logger.WithError(serr).Error("failed to save configuration")
		if err == nil {
			err = serr
		}
	}
	return c.exitCode(err)
}

type cleanupCommand struct{ env *Env }

func (cc *cleanupCommand) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	c := newCommon(stdin, stdout, stderr)
	region := c.flags.String("region", "", "AWS `region` to clean up (required)")
	project := c.flags.String("project", "", "delete only resources owned by this `project` (default: every project)")
	force := c.flags.Bool("force", false, "do not ask for confirmation")
	if ok, code := c.parse(prog, args); !ok {
		return code
	}
	if *region == "" {
		fmt.Fprintln(stderr, "-region is required (try -help)")
		return 2
	}
	defer c.writeMetrics()

	cloudCfg := fleet.CloudConfig{Region: *region}
	is, err := cc.env.NewInstanceSet(cloudCfg, c.logger, c.registry)
	if err != nil {
		return c.exitCode(err)
	}
	rec := &reconcile.Reconciler{Instances: is, Logger: c.logger}
	if cc.env.NewLoadBalancerSet != nil {
		rec.LoadBalancers, err = cc.env.NewLoadBalancerSet(cloudCfg, c.logger)
		if err != nil {
			return c.exitCode(err)
		}
	}
	ctx, cancel := c.context()
	defer cancel()

	inv, err := rec.Discover(ctx, *project)
	if err != nil {
		return c.exitCode(err)
	}
	if inv.Empty() {
		fmt.Fprintln(stdout, "nothing to clean up")
		return 0
	}
	scope := "every project"
	if *project != "" {
		scope = "project " + *project
	}
	fmt.Fprintf(stdout, "Found %d load balancers, %d target groups and %d instances tagged %s=%s for %s in %s.\n",
		len(inv.LoadBalancers), len(inv.TargetGroups), len(inv.Instances), fleet.TagManagedBy, fleet.ManagedByValue, scope, *region)
	if !*force && !c.confirm("They will all be deleted.", "delete") {
		fmt.Fprintln(stderr, "not confirmed, nothing deleted")
		return 1
	}
	report, err := rec.Cleanup(ctx, *project)
	if err != nil {
		return c.exitCode(err)
	}
	printReport(stdout, report)
	return c.exitCode(report.Err())
}

func printReport(w io.Writer, report *fleet.Report) {
	for _, o := range report.Outcomes {
		if o.Err != nil {
			fmt.Fprintf(w, "FAILED %s %s: %s\n", o.Action, o.Resource, o.Err)
		} else {
			fmt.Fprintf(w, "ok     %s %s\n", o.Action, o.Resource)
		}
	}
	fmt.Fprintf(w, "%d actions, %s\n", len(report.Outcomes), report.Summary())
}
