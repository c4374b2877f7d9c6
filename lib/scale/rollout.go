// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package scale

import (
	"context"
	"fmt"

	"git.arvados.org/dsfleet.git/sdk/go/ctxlog"
	"git.arvados.org/dsfleet.git/sdk/go/fleet"
	"github.com/sirupsen/logrus"
)

// Rollout reinstalls the current configuration on every node of
// role and restarts it, one node at a time. A load balanced node is
// drained before it is stopped, and must be healthy again before
// the next node is touched.
//
// Rollout stops at the first node that does not come back, leaving
// the remaining nodes as they were.
func (e *Engine) Rollout(ctx context.Context, cfg *fleet.Config, role fleet.Role) (*Result, error) {
	if !role.Valid() {
		return nil, &fleet.ValidationError{Problems: []string{fmt.Sprintf("unknown role %q", role)}}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	nodes := cfg.Nodes.ByRole(role)
	ctx, _ = e.StartRun(ctx, cfg.Project)
	res := &Result{Role: role, Report: &fleet.Report{}}
	err := e.Phase(ctx, "rollout", func(ctx context.Context) error {
		for _, node := range nodes {
			if err := e.rolloutNode(ctx, cfg, node, res); err != nil {
				return err
			}
		}
		return nil
	})
	return res, err
}

func (e *Engine) rolloutNode(ctx context.Context, cfg *fleet.Config, node fleet.NodeRecord, res *Result) error {
	logger := ctxlog.FromContext(ctx).WithFields(logrus.Fields{
		"Role":       node.Role,
		"Index":      node.Index,
		"Host":       node.Address,
		"InstanceID": node.InstanceID,
	})
	ctx = ctxlog.Context(ctx, logger)
	if e.LoadBalanced(cfg, node.Role) {
		_, err := e.Deregister(ctx, cfg, node)
		res.Report.Add(node.Hostname(), "deregister target", err)
		if err != nil {
			return err
		}
	}
	if failed := e.StopServices(ctx, cfg, []fleet.NodeRecord{node}); len(failed) > 0 {
		res.Report.Add(node.Hostname(), "stop service", failed[node.Hostname()])
	}
	if err := e.InstallConfig(ctx, cfg, node); err != nil {
		res.Report.Add(node.Hostname(), "install configuration", err)
		return fmt.Errorf("%s: %w", node.Hostname(), err)
	}
	st := e.StartRole(ctx, cfg, []fleet.NodeRecord{node})[0]
	res.Services = append(res.Services, st)
	res.Report.Add(node.Hostname(), "restart service", st.Err)
	if st.Err != nil {
		return st.Err
	}
	logger.Info("node rolled out")
	return nil
}
