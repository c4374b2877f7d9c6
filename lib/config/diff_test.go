// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package config

import (
	"time"

	"git.arvados.org/dsfleet.git/lib/fleettest"
	"git.arvados.org/dsfleet.git/sdk/go/fleet"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&DiffSuite{})

type DiffSuite struct{}

func (s *DiffSuite) TestNoChanges(c *check.C) {
	c.Check(Diff(fleettest.Config(), fleettest.Config()), check.HasLen, 0)
}

func (s *DiffSuite) TestNilAndEmptyAreEqual(c *check.C) {
	a, b := fleettest.Config(), fleettest.Config()
	a.Cloud.Tags = nil
	b.Cloud.Tags = map[string]string{}
	c.Check(Diff(a, b), check.HasLen, 0)
}

func (s *DiffSuite) TestServiceChange(c *check.C) {
	old, cur := fleettest.Config(), fleettest.Config()
	svc := cur.Services[fleet.RoleWorker]
	svc.JVMHeap = "8g"
	cur.Services[fleet.RoleWorker] = svc
	changes := Diff(old, cur)
	c.Assert(changes, check.HasLen, 1)
	c.Check(changes[0], check.DeepEquals, Change{
		Path: "Services[worker].JVMHeap",
		Old:  `"4g"`,
		New:  `"8g"`,
		Kind: ChangeService,
	})
	c.Check(RestartRequired(changes), check.Equals, true)
}

func (s *DiffSuite) TestClusterChange(c *check.C) {
	old, cur := fleettest.Config(), fleettest.Config()
	rs := cur.Roles[fleet.RoleWorker]
	rs.Count = 5
	cur.Roles[fleet.RoleWorker] = rs
	cur.Timeouts.DrainWait = fleet.Duration(time.Minute)
	changes := Diff(old, cur)
	c.Assert(changes, check.HasLen, 2)
	c.Check(changes[0].Path, check.Equals, "Roles[worker].Count")
	c.Check(changes[0].Kind, check.Equals, ChangeCluster)
	c.Check(changes[0].String(), check.Equals, "Roles[worker].Count: 2 -> 5")
	c.Check(changes[1].Path, check.Equals, "Timeouts.DrainWait")
	c.Check(changes[1].Kind, check.Equals, ChangeSettings)
	c.Check(changes[1].New, check.Equals, "1m0s")
	c.Check(RestartRequired(changes), check.Equals, false)
}

func (s *DiffSuite) TestTopologyChange(c *check.C) {
	old, cur := fleettest.Config(), fleettest.Config()
	old.Nodes = fleet.Topology{
		{Role: fleet.RoleWorker, Index: 0, Address: "10.0.0.2", InstanceID: "i-1"},
	}
	cur.Nodes = fleet.Topology{
		{Role: fleet.RoleWorker, Index: 0, Address: "10.0.0.9", InstanceID: "i-1"},
	}
	changes := Diff(old, cur)
	c.Assert(changes, check.HasLen, 1)
	c.Check(changes[0].Path, check.Equals, "Nodes[0].Address")
	c.Check(changes[0].Kind, check.Equals, ChangeTopology)

	old.Nodes = fleet.Topology{}
	changes = Diff(old, cur)
	c.Assert(changes, check.HasLen, 1)
	c.Check(changes[0].Path, check.Equals, "Nodes[0]")
	c.Check(changes[0].Old, check.Equals, "(none)")
	c.Check(changes[0].Kind, check.Equals, ChangeTopology)
}
