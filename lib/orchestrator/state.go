// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package orchestrator

import (
	"git.arvados.org/dsfleet.git/lib/provision"
	"git.arvados.org/dsfleet.git/sdk/go/fleet"
)

// DeploymentState is the ledger of one lifecycle run: the instances
// the run created, and the hosts it has initialized. Only the run
// that owns it appends to it, after each batch of parallel work has
// been collected. It is read only to decide what to roll back.
type DeploymentState struct {
	RunID       string
	Created     []fleet.NodeRecord
	Initialized []string
}

// RecordProvisioned adds the instances that were created (not
// reused) by a provisioning batch, including ones that were created
// but then failed to become ready.
func (ds *DeploymentState) RecordProvisioned(results []provision.Result) {
	for _, res := range results {
		if res.Created && res.Node.InstanceID != "" {
			ds.Created = append(ds.Created, res.Node)
		}
	}
}

// RecordInitialized adds the hosts of nodes whose corresponding
// entry in errs is nil.
func (ds *DeploymentState) RecordInitialized(nodes []fleet.NodeRecord, errs []error) {
	for i, n := range nodes {
		if errs[i] == nil {
			ds.Initialized = append(ds.Initialized, n.Address)
		}
	}
}

// CreatedIDs returns the IDs of the instances to terminate on
// rollback.
func (ds *DeploymentState) CreatedIDs() []string {
	var ids []string
	for _, n := range ds.Created {
		ids = append(ids, n.InstanceID)
	}
	return ids
}
