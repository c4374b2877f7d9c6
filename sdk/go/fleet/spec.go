// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package fleet

import "fmt"

// ClusterSpec is the desired state of a cluster: for each role, a
// replica count, an instance shape, and the placements instances are
// spread across. Placements are resolved (role override or cloud
// default) so every role has at least one.
type ClusterSpec struct {
	Project string
	Roles   map[Role]RoleSpec
}

// NewClusterSpec derives a validated ClusterSpec from cfg.
func NewClusterSpec(cfg *Config) (*ClusterSpec, error) {
	cs := &ClusterSpec{
		Project: cfg.Project,
		Roles:   map[Role]RoleSpec{},
	}
	for role, rs := range cfg.Roles {
		if len(rs.Placements) == 0 {
			rs.Placements = cfg.Cloud.Placements
		}
		cs.Roles[role] = rs
	}
	if err := cs.Validate(); err != nil {
		return nil, err
	}
	return cs, nil
}

// Validate checks replica minimums, shapes, placements, and
// availability-zone spread.
func (cs *ClusterSpec) Validate() error {
	var problems []string
	for role := range cs.Roles {
		if !role.Valid() {
			problems = append(problems, fmt.Sprintf("unknown role %q", role))
		}
	}
	for _, role := range Roles {
		rs := cs.Roles[role]
		if rs.Count < role.MinReplicas() {
			problems = append(problems, fmt.Sprintf("%s count %d is below the minimum of %d", role, rs.Count, role.MinReplicas()))
		}
		if rs.Count == 0 {
			continue
		}
		if rs.InstanceType == "" {
			problems = append(problems, fmt.Sprintf("%s InstanceType is required", role))
		}
		if len(rs.Placements) == 0 {
			problems = append(problems, fmt.Sprintf("%s has no placements (set Cloud.Placements)", role))
			continue
		}
		for _, p := range rs.Placements {
			if p.SubnetID == "" || p.Zone == "" {
				problems = append(problems, fmt.Sprintf("%s placement %q needs both SubnetID and Zone", role, p))
			}
		}
		if role == RoleCoordinator && rs.Count >= 2 && len(distinctZones(rs.Placements)) < 2 {
			problems = append(problems, fmt.Sprintf("%s nodes must be spread across at least 2 availability zones", role))
		}
	}
	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

// Placement returns the placement for the given role index, spreading
// indexes round-robin across the role's placements. It returns a
// *ValidationError if the role has no placements.
func (cs *ClusterSpec) Placement(role Role, index int) (Placement, error) {
	ps := cs.Roles[role].Placements
	if len(ps) == 0 {
		return Placement{}, &ValidationError{Problems: []string{fmt.Sprintf("%s has no placements (set Cloud.Placements)", role)}}
	}
	return ps[index%len(ps)], nil
}

func distinctZones(ps []Placement) map[string]bool {
	zones := map[string]bool{}
	for _, p := range ps {
		zones[p.Zone] = true
	}
	return zones
}
