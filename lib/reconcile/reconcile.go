// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package reconcile finds and deletes cluster resources by their
// ownership tags, without relying on any saved topology.
package reconcile

import (
	"context"
	"fmt"
	"sort"

	"git.arvados.org/dsfleet.git/lib/cloud"
	"git.arvados.org/dsfleet.git/lib/provision"
	"git.arvados.org/dsfleet.git/sdk/go/ctxlog"
	"git.arvados.org/dsfleet.git/sdk/go/fleet"
	"github.com/sirupsen/logrus"
)

// An Inventory is the set of resources found by ownership tags.
type Inventory struct {
	LoadBalancers []cloud.LoadBalancer
	TargetGroups  []cloud.TargetGroup
	Instances     []cloud.Instance
}

// Empty reports whether nothing was found.
func (inv *Inventory) Empty() bool {
	return len(inv.LoadBalancers) == 0 && len(inv.TargetGroups) == 0 && len(inv.Instances) == 0
}

// InstanceIDs returns the IDs of the inventory's instances, sorted.
func (inv *Inventory) InstanceIDs() []string {
	var ids []string
	for _, inst := range inv.Instances {
		ids = append(ids, string(inst.ID()))
	}
	sort.Strings(ids)
	return ids
}

// A Reconciler deletes everything carrying the ownership tags.
// LoadBalancers may be nil, in which case only instances are
// considered.
type Reconciler struct {
	Instances     cloud.InstanceSet
	LoadBalancers cloud.LoadBalancerSet
	Logger        logrus.FieldLogger
}

// Discover lists the resources owned by project, or by any project
// if project is empty. Instances that are already shutting down or
// terminated are not included.
func (r *Reconciler) Discover(ctx context.Context, project string) (*Inventory, error) {
	tags := fleet.OwnershipTags(project)
	inv := &Inventory{}
	var err error
	if r.LoadBalancers != nil {
		inv.LoadBalancers, err = r.LoadBalancers.LoadBalancers(tags)
		if err != nil {
			return nil, fmt.Errorf("listing load balancers: %w", err)
		}
		inv.TargetGroups, err = r.LoadBalancers.TargetGroups(tags)
		if err != nil {
			return nil, fmt.Errorf("listing target groups: %w", err)
		}
	}
	inv.Instances, err = r.Instances.Instances(tags, cloud.ExistingStates...)
	if err != nil {
		return nil, fmt.Errorf("listing instances: %w", err)
	}
	return inv, nil
}

// Cleanup discovers and deletes everything owned by project (or by
// any project, if project is empty).
//
// Load balancers go first, then target groups, then instances. A
// failure to delete one resource is recorded in the report and
// does not stop the others. An error is returned only if discovery
// fails, in which case nothing is deleted.
func (r *Reconciler) Cleanup(ctx context.Context, project string) (*fleet.Report, error) {
	logger := r.logger(ctx).WithField("Project", project)
	inv, err := r.Discover(ctx, project)
	if err != nil {
		return nil, err
	}
	logger.WithFields(logrus.Fields{
		"LoadBalancers": len(inv.LoadBalancers),
		"TargetGroups":  len(inv.TargetGroups),
		"Instances":     len(inv.Instances),
	}).Info("discovered resources")
	report := &fleet.Report{}
	r.DeleteLoadBalancers(ctx, inv, report)
	provision.TerminateMany(ctx, r.Instances, inv.InstanceIDs(), report)
	if failed := report.Failed(); len(failed) > 0 {
		logger.WithField("Failed", len(failed)).Warn("cleanup incomplete")
	}
	return report, nil
}

// DeleteLoadBalancers deletes the inventory's load balancers and
// then its target groups, recording each outcome in report.
func (r *Reconciler) DeleteLoadBalancers(ctx context.Context, inv *Inventory, report *fleet.Report) {
	if r.LoadBalancers == nil {
		return
	}
	logger := r.logger(ctx)
	for _, lb := range inv.LoadBalancers {
		err := r.LoadBalancers.DeleteLoadBalancer(lb.ID)
		if err != nil {
			logger.WithError(err).WithField("LoadBalancer", lb.Name).Warn("failed to delete load balancer")
		}
		report.Add(lb.Name, "delete load balancer", err)
	}
	for _, tg := range inv.TargetGroups {
		err := r.LoadBalancers.DeleteTargetGroup(tg.ID)
		if err != nil {
			logger.WithError(err).WithField("TargetGroup", tg.Name).Warn("failed to delete target group")
		}
		report.Add(tg.Name, "delete target group", err)
	}
}

func (r *Reconciler) logger(ctx context.Context) logrus.FieldLogger {
	if r.Logger != nil {
		return r.Logger
	}
	return ctxlog.FromContext(ctx)
}
