// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package scale changes the node count of one role in a running
// cluster, and rolls configuration out to a role one node at a time.
package scale

import (
	"context"
	"fmt"
	"time"

	"git.arvados.org/dsfleet.git/lib/fanout"
	"git.arvados.org/dsfleet.git/lib/orchestrator"
	"git.arvados.org/dsfleet.git/lib/provision"
	"git.arvados.org/dsfleet.git/sdk/go/ctxlog"
	"git.arvados.org/dsfleet.git/sdk/go/fleet"
	"github.com/sirupsen/logrus"
)

// An Engine scales roles using the orchestrator's phases.
type Engine struct {
	*orchestrator.Orchestrator
}

// Result describes what a Scale or Rollout call changed.
type Result struct {
	Role    fleet.Role
	Added   []fleet.NodeRecord
	Removed []fleet.NodeRecord
	// The new nodes have the software but were not started: the
	// role's peers must be reconfigured with Rollout.
	RequiresRollout bool
	Services        []orchestrator.ServiceStatus
	// Outcomes of best-effort scale-in steps.
	Report *fleet.Report
}

// Scale adds or removes nodes until role has target nodes, and
// updates cfg.Nodes and cfg.Roles to match. A target below the
// role's minimum is refused with a *fleet.ValidationError before
// anything is touched.
//
// If adding nodes fails, the instances created by this call are
// terminated and a *fleet.DeployError is returned. Existing nodes
// are never touched by a failed scale-out.
func (e *Engine) Scale(ctx context.Context, cfg *fleet.Config, role fleet.Role, target int) (*Result, error) {
	if err := e.validate(cfg, role, target); err != nil {
		return nil, err
	}
	current := len(cfg.Nodes.ByRole(role))
	ctx, state := e.StartRun(ctx, cfg.Project)
	logger := ctxlog.FromContext(ctx).WithFields(logrus.Fields{
		"Role":    role,
		"Current": current,
		"Target":  target,
	})
	ctx = ctxlog.Context(ctx, logger)
	switch {
	case target > current:
		logger.Info("scaling out")
		return e.scaleOut(ctx, cfg, role, target-current, state)
	case target < current:
		logger.Info("scaling in")
		return e.scaleIn(ctx, cfg, role, current-target)
	default:
		logger.Info("already at target count, nothing to do")
		return &Result{Role: role, Report: &fleet.Report{}}, nil
	}
}

func (e *Engine) validate(cfg *fleet.Config, role fleet.Role, target int) error {
	if !role.Valid() {
		return &fleet.ValidationError{Problems: []string{fmt.Sprintf("unknown role %q", role)}}
	}
	if target < role.MinReplicas() {
		return &fleet.ValidationError{Problems: []string{fmt.Sprintf("%s count %d is below the minimum of %d", role, target, role.MinReplicas())}}
	}
	if len(cfg.Nodes) == 0 {
		return &fleet.ValidationError{Problems: []string{"no nodes recorded for project " + cfg.Project + ", create the cluster first"}}
	}
	// Check the configuration as it will be after scaling, so a role
	// grown from zero gets its shape and placements checked too.
	next := *cfg
	next.Roles = make(map[fleet.Role]fleet.RoleSpec, len(cfg.Roles))
	for r, rs := range cfg.Roles {
		next.Roles[r] = rs
	}
	rs := next.Roles[role]
	rs.Count = target
	next.Roles[role] = rs
	return next.Validate()
}

func (e *Engine) scaleOut(ctx context.Context, cfg *fleet.Config, role fleet.Role, delta int, state *orchestrator.DeploymentState) (*Result, error) {
	spec, err := fleet.NewClusterSpec(cfg)
	if err != nil {
		return nil, err
	}
	first := cfg.Nodes.NextIndex(role)
	indexes := make([]int, delta)
	for i := range indexes {
		indexes[i] = first + i
	}
	var added []fleet.NodeRecord
	var topo fleet.Topology
	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"provision", func(ctx context.Context) error {
			prov := provision.New(e.Cloud, e.ImageFinder, cfg, spec, ctxlog.FromContext(ctx))
			results, err := prov.ProvisionMany(ctx, role, indexes)
			state.RecordProvisioned(results)
			for _, res := range results {
				if res.Err == nil {
					added = append(added, res.Node)
				}
			}
			return err
		}},
		{"network", func(ctx context.Context) error {
			return e.WaitNetwork(ctx, cfg, added)
		}},
		{"initialize", func(ctx context.Context) error {
			return e.InitializeNodes(ctx, cfg, added, state)
		}},
		{"configure", func(ctx context.Context) error {
			topo = append(append(fleet.Topology(nil), cfg.Nodes...), added...)
			return e.ConfigureTopology(ctx, cfg, topo, added)
		}},
		{"deploy", func(ctx context.Context) error {
			return e.Deploy(ctx, cfg, added)
		}},
	}
	for _, step := range steps {
		if err := e.Phase(ctx, step.name, step.fn); err != nil {
			return nil, e.Rollback(ctx, step.name, state, err)
		}
	}

	cfg.Nodes = topo.Sorted()
	setCount(cfg, role, len(cfg.Nodes.ByRole(role)))
	res := &Result{Role: role, Added: added, Report: &fleet.Report{}}
	if !role.DynamicMembership() {
		res.RequiresRollout = true
		ctxlog.FromContext(ctx).Warn("new nodes deployed but not started, run a rollout of this role to start them")
		return res, nil
	}
	e.Phase(ctx, "start", func(ctx context.Context) error {
		res.Services = e.StartRole(ctx, cfg, added)
		return nil
	})
	return res, nil
}

func (e *Engine) scaleIn(ctx context.Context, cfg *fleet.Config, role fleet.Role, delta int) (*Result, error) {
	nodes := cfg.Nodes.ByRole(role)
	tail := nodes[len(nodes)-delta:]
	res := &Result{Role: role, Removed: tail, Report: &fleet.Report{}}

	if e.LoadBalanced(cfg, role) {
		e.Phase(ctx, "drain", func(ctx context.Context) error {
			fanout.Each(ctx, cfg.Deployment.Parallelism, len(tail), func(ctx context.Context, i int) error {
				_, err := e.Deregister(ctx, cfg, tail[i])
				res.Report.Add(tail[i].Hostname(), "deregister target", err)
				return nil
			})
			return nil
		})
	}
	e.Phase(ctx, "stop", func(ctx context.Context) error {
		failed := e.StopServices(ctx, cfg, tail)
		for _, n := range tail {
			res.Report.Add(n.Hostname(), "stop service", failed[n.Hostname()])
		}
		if role == fleet.RoleWorker {
			wait := cfg.Timeouts.DrainWait.Duration()
			ctxlog.FromContext(ctx).WithField("DrainWait", wait.String()).Info("waiting for running tasks to finish")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
		}
		return nil
	})
	if err := ctx.Err(); err != nil {
		return res, err
	}

	ids := fleet.Topology(tail).InstanceIDs()
	terminated := map[string]bool{}
	err := e.Phase(ctx, "terminate", func(ctx context.Context) error {
		report := &fleet.Report{}
		err := provision.TerminateMany(ctx, e.Cloud, ids, report)
		for _, o := range report.Outcomes {
			if o.Err == nil {
				terminated[o.Resource] = true
			}
		}
		res.Report.Merge(report)
		return err
	})
	var gone []string
	for _, id := range ids {
		if terminated[id] {
			gone = append(gone, id)
		}
	}
	cfg.Nodes = cfg.Nodes.Without(gone)
	setCount(cfg, role, len(cfg.Nodes.ByRole(role)))
	if err != nil {
		return res, err
	}

	// Stale hosts entries do not fail the scale-in.
	if herr := e.WriteHosts(ctx, cfg, cfg.Nodes); herr != nil {
		ctxlog.FromContext(ctx).WithError(herr).Warn("failed to update hosts map on remaining nodes")
		res.Report.Add("hosts map", "update hosts", herr)
	}
	return res, nil
}

func setCount(cfg *fleet.Config, role fleet.Role, n int) {
	rs := cfg.Roles[role]
	rs.Count = n
	if cfg.Roles == nil {
		cfg.Roles = map[fleet.Role]fleet.RoleSpec{}
	}
	cfg.Roles[role] = rs
}
