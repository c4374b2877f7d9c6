// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package orchestrator

import (
	"context"
	"sort"
	"strings"

	"git.arvados.org/dsfleet.git/lib/cloud/s3bucket"
	"git.arvados.org/dsfleet.git/lib/provision"
	"git.arvados.org/dsfleet.git/lib/reconcile"
	"git.arvados.org/dsfleet.git/sdk/go/ctxlog"
	"git.arvados.org/dsfleet.git/sdk/go/fleet"
)

// Delete tears down the cluster: it stops services, deletes the
// project's load balancers and target groups, terminates every
// instance in cfg.Nodes or carrying the project's ownership tags,
// and (unless keepData is true) purges S3 resource storage. The
// external database is never dropped.
//
// Each step is attempted even if an earlier one failed. The report
// lists every outcome; the returned error is non-nil if any
// deletion failed. cfg.Nodes is cleared either way.
func (o *Orchestrator) Delete(ctx context.Context, cfg *fleet.Config, keepData bool) (*fleet.Report, error) {
	ctx, _ = o.StartRun(ctx, cfg.Project)
	logger := ctxlog.FromContext(ctx)
	report := &fleet.Report{}

	o.Phase(ctx, "stop", func(ctx context.Context) error {
		o.StopServices(ctx, cfg, cfg.Nodes)
		return nil
	})

	o.Phase(ctx, "teardown", func(ctx context.Context) error {
		rec := &reconcile.Reconciler{Instances: o.Cloud, LoadBalancers: o.LoadBalancers}
		inv, err := rec.Discover(ctx, cfg.Project)
		if err != nil {
			logger.WithError(err).Warn("tag discovery failed, deleting recorded nodes only")
			report.Add(cfg.Project, "discover resources", err)
			inv = &reconcile.Inventory{}
		}
		rec.DeleteLoadBalancers(ctx, inv, report)
		ids := union(cfg.Nodes.InstanceIDs(), inv.InstanceIDs())
		return provision.TerminateMany(ctx, o.Cloud, ids, report)
	})

	if !keepData && strings.EqualFold(cfg.Storage.Type, "S3") && strings.Trim(cfg.Storage.Prefix, "/") == "" {
		logger.WithField("Bucket", cfg.Storage.Bucket).Warn("Storage.Prefix is empty, not purging the whole bucket")
	} else if !keepData && strings.EqualFold(cfg.Storage.Type, "S3") {
		o.Phase(ctx, "purge", func(ctx context.Context) error {
			err := o.purgeStorage(ctx, cfg)
			report.Add("s3://"+cfg.Storage.Bucket+"/"+cfg.Storage.Prefix, "purge storage", err)
			return err
		})
	}
	logger.WithField("Database", cfg.Database.Name).Info("database left in place, drop it manually if no longer needed")

	cfg.Nodes = nil
	logger.WithField("Outcome", report.Summary()).Info("cluster deleted")
	return report, report.Err()
}

func (o *Orchestrator) purgeStorage(ctx context.Context, cfg *fleet.Config) error {
	var p Purger
	var err error
	if o.Storage != nil {
		p, err = o.Storage(cfg)
	} else {
		p, err = s3bucket.New(s3bucket.Config{
			Region:          cfg.Storage.Region,
			Bucket:          cfg.Storage.Bucket,
			Endpoint:        cfg.Storage.Endpoint,
			AccessKeyID:     cfg.Storage.AccessKeyID,
			SecretAccessKey: cfg.Storage.SecretAccessKey,
		})
	}
	if err != nil {
		return err
	}
	return p.DeletePrefix(ctx, cfg.Storage.Prefix)
}

// union returns the sorted, de-duplicated IDs from a and b.
func union(a, b []string) []string {
	seen := map[string]bool{}
	var ids []string
	for _, list := range [][]string{a, b} {
		for _, id := range list {
			if id != "" && !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
	}
	sort.Strings(ids)
	return ids
}
