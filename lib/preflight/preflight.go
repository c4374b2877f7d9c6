// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package preflight checks that a cluster's external dependencies
// (database, registry, resource storage) are reachable before any
// instances are created.
package preflight

import (
	"context"
	"fmt"
	"strings"
	"time"

	"git.arvados.org/dsfleet.git/lib/cloud"
	"git.arvados.org/dsfleet.git/lib/cloud/s3bucket"
	"git.arvados.org/dsfleet.git/lib/probe"
	"git.arvados.org/dsfleet.git/sdk/go/fleet"
	_ "github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"
)

// A BucketChecker reports whether a bucket exists and is accessible.
type BucketChecker interface {
	Check(ctx context.Context) error
}

// Preflight runs the checks. The zero value uses real connections.
type Preflight struct {
	// Defaults to connecting with the configured SQL driver.
	PingDatabase func(ctx context.Context, db fleet.DatabaseConfig) error
	// Defaults to a plain TCP connection.
	DialRegistry func(ctx context.Context, addr string, timeout time.Duration) error
	// Defaults to s3bucket.New.
	Buckets func(fleet.StorageConfig) (BucketChecker, error)
	// If not nil, the VPC, subnets and security groups are
	// checked too.
	Network cloud.NetworkVerifier
	Logger  logrus.FieldLogger
}

// Check validates cfg, then tries each external dependency in turn.
// Every check is attempted and recorded in the report, and the
// returned error describes the first failure. If cfg is invalid, no
// connections are attempted and the *fleet.ValidationError is
// returned.
func (p *Preflight) Check(ctx context.Context, cfg *fleet.Config) (*fleet.Report, error) {
	report := &fleet.Report{}
	logger := p.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if err := cfg.Validate(); err != nil {
		report.Add("configuration", "validate", err)
		return report, err
	}
	report.Add("configuration", "validate", nil)
	record := func(resource, action string, err error) {
		if err != nil {
			logger.WithField("Resource", resource).WithError(err).Warn(action + " failed")
		} else {
			logger.WithField("Resource", resource).Debug(action + " ok")
		}
		report.Add(resource, action, err)
	}

	if p.Network != nil {
		record(cfg.Cloud.VPCID, "verify network", p.Network.VerifyNetwork(cfg.Cloud.VPCID, subnetIDs(cfg), cfg.Cloud.SecurityGroupIDs))
	}
	timeout := cfg.Timeouts.ProbeDial.Duration()
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	dbName := fmt.Sprintf("%s://%s:%d/%s", cfg.Database.Type, cfg.Database.Host, cfg.Database.Port, cfg.Database.Name)
	record(dbName, "connect database", p.pingDatabase(ctx, cfg.Database, timeout))
	for _, addr := range cfg.Registry.Servers {
		record(addr, "connect registry", p.dialRegistry(ctx, addr, timeout))
	}
	if strings.EqualFold(cfg.Storage.Type, "S3") {
		record("s3://"+cfg.Storage.Bucket, "check bucket", p.checkBucket(ctx, cfg.Storage))
	}
	if pd := cfg.PackageDistribution; pd.Bucket != "" {
		record("s3://"+pd.Bucket, "check package bucket", p.checkBucket(ctx, fleet.StorageConfig{
			Bucket:   pd.Bucket,
			Region:   pd.Region,
			Endpoint: pd.Endpoint,
		}))
	}
	if failed := report.Failed(); len(failed) > 0 {
		return report, fmt.Errorf("%d of %d preflight checks failed: %s: %s: %w", len(failed), len(report.Outcomes), failed[0].Resource, failed[0].Action, failed[0].Err)
	}
	return report, nil
}

// subnetIDs returns the distinct subnets used by any role.
func subnetIDs(cfg *fleet.Config) []string {
	seen := map[string]bool{}
	var ids []string
	add := func(pls []fleet.Placement) {
		for _, pl := range pls {
			if !seen[pl.SubnetID] {
				seen[pl.SubnetID] = true
				ids = append(ids, pl.SubnetID)
			}
		}
	}
	add(cfg.Cloud.Placements)
	for _, role := range fleet.Roles {
		add(cfg.Roles[role].Placements)
	}
	return ids
}

func (p *Preflight) pingDatabase(ctx context.Context, dbc fleet.DatabaseConfig, timeout time.Duration) error {
	if p.PingDatabase != nil {
		return p.PingDatabase(ctx, dbc)
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	driver, dsn := dbc.DriverDSN()
	db, err := sqlx.ConnectContext(ctx, driver, dsn)
	if err != nil {
		return err
	}
	defer db.Close()
	var one int
	return db.GetContext(ctx, &one, "SELECT 1")
}

func (p *Preflight) dialRegistry(ctx context.Context, addr string, timeout time.Duration) error {
	if p.DialRegistry != nil {
		return p.DialRegistry(ctx, addr, timeout)
	}
	if !probe.WaitReady(ctx, addr, 1, 0, timeout) {
		return fmt.Errorf("cannot connect to %s", addr)
	}
	return nil
}

func (p *Preflight) checkBucket(ctx context.Context, sc fleet.StorageConfig) error {
	var bc BucketChecker
	var err error
	if p.Buckets != nil {
		bc, err = p.Buckets(sc)
	} else {
		bc, err = s3bucket.New(s3bucket.Config{
			Region:          sc.Region,
			Bucket:          sc.Bucket,
			Endpoint:        sc.Endpoint,
			AccessKeyID:     sc.AccessKeyID,
			SecretAccessKey: sc.SecretAccessKey,
		})
	}
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	return bc.Check(ctx)
}
