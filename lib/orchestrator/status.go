// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package orchestrator

import (
	"context"
	"fmt"
	"time"

	"git.arvados.org/dsfleet.git/lib/cloud"
	"git.arvados.org/dsfleet.git/lib/fanout"
	"git.arvados.org/dsfleet.git/lib/remote"
	"git.arvados.org/dsfleet.git/sdk/go/fleet"
)

// NodeStatus is the observed state of one recorded node.
type NodeStatus struct {
	fleet.NodeRecord
	State        cloud.InstanceState
	InstanceType string
	LaunchTime   time.Time
	HourlyPrice  float64
	// Set only for detailed status.
	ServiceRunning *bool  `json:",omitempty"`
	ServiceError   string `json:",omitempty"`
}

// StatusReport describes the cluster as the cloud sees it.
type StatusReport struct {
	Project     string
	Nodes       []NodeStatus
	APIEndpoint string
	// Instances carrying the project's tags that are not in the
	// recorded topology.
	Untracked   []string
	HourlyPrice float64
}

// Status looks up each recorded node's instance, and (if detailed)
// asks each running node whether its service is up. A node whose
// instance no longer exists has State "terminated".
func (o *Orchestrator) Status(ctx context.Context, cfg *fleet.Config, detailed bool) (*StatusReport, error) {
	insts, err := o.Cloud.Instances(fleet.OwnershipTags(cfg.Project), cloud.ExistingStates...)
	if err != nil {
		return nil, fmt.Errorf("listing instances: %w", err)
	}
	byID := map[string]cloud.Instance{}
	for _, inst := range insts {
		byID[string(inst.ID())] = inst
	}
	sr := &StatusReport{Project: cfg.Project, APIEndpoint: o.APIEndpoint(cfg)}
	tracked := map[string]bool{}
	for _, node := range cfg.Nodes.Sorted() {
		tracked[node.InstanceID] = true
		ns := NodeStatus{NodeRecord: node, State: cloud.StateTerminated}
		if inst, ok := byID[node.InstanceID]; ok {
			ns.State = inst.State()
			ns.InstanceType = inst.ProviderType()
			ns.LaunchTime = inst.LaunchTime()
			if ns.State == cloud.StateRunning || ns.State == cloud.StatePending {
				ns.HourlyPrice = cfg.Cloud.Prices[ns.InstanceType]
				sr.HourlyPrice += ns.HourlyPrice
			}
		}
		sr.Nodes = append(sr.Nodes, ns)
	}
	for _, inst := range insts {
		if !tracked[string(inst.ID())] {
			sr.Untracked = append(sr.Untracked, string(inst.ID()))
		}
	}
	if detailed {
		o.checkServices(ctx, cfg, sr.Nodes)
	}
	return sr, nil
}

func (o *Orchestrator) checkServices(ctx context.Context, cfg *fleet.Config, nodes []NodeStatus) {
	fanout.Each(ctx, cfg.Deployment.Parallelism, len(nodes), func(ctx context.Context, i int) error {
		ns := &nodes[i]
		if ns.State != cloud.StateRunning {
			return nil
		}
		sess, err := remote.Open(ctx, o.Dialer, cfg, ns.NodeRecord)
		if err != nil {
			ns.ServiceError = err.Error()
			return nil
		}
		defer sess.Close()
		running, err := sess.ServiceRunning(ctx)
		if err != nil {
			ns.ServiceError = err.Error()
			return nil
		}
		ns.ServiceRunning = &running
		return nil
	})
}
