// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package fleet

import (
	"fmt"
	"strconv"
)

const (
	TagManagedBy   = "ManagedBy"
	TagProject     = "Project"
	TagName        = "Name"
	TagRole        = "Role"
	TagIndex       = "Index"
	ManagedByValue = "dsfleet"
)

// OwnershipTags returns the tags that attribute a resource to a
// project. They are attached to everything created, and are what
// tag-based cleanup searches for. An empty project matches any
// project.
func OwnershipTags(project string) map[string]string {
	tags := map[string]string{TagManagedBy: ManagedByValue}
	if project != "" {
		tags[TagProject] = project
	}
	return tags
}

// IdentityTags returns the ownership tags plus the tags that identify
// one (role, index) slot. At most one live instance carries a given
// identity.
func IdentityTags(project string, role Role, index int) map[string]string {
	tags := OwnershipTags(project)
	tags[TagName] = IdentityName(project, role, index)
	tags[TagRole] = string(role)
	tags[TagIndex] = strconv.Itoa(index)
	return tags
}

// IdentityName returns the value of the Name tag for a slot.
func IdentityName(project string, role Role, index int) string {
	return fmt.Sprintf("%s-%s-%d", project, role, index)
}

// NodeRecord describes one provisioned machine.
type NodeRecord struct {
	Role       Role
	Index      int
	Address    string
	InstanceID string
	SubnetID   string
	Zone       string
	Groups     []string `json:",omitempty"`
}

// Hostname returns the name the node is known by in every node's
// hosts file.
func (n NodeRecord) Hostname() string {
	return fmt.Sprintf("%s-%d", n.Role, n.Index)
}

func (n NodeRecord) String() string {
	return fmt.Sprintf("%s (%s, %s)", n.Hostname(), n.Address, n.InstanceID)
}

// Topology is the ordered list of nodes in a cluster. Within a role,
// nodes appear in the order they were added.
type Topology []NodeRecord

// ByRole returns the nodes with the given role, in order.
func (t Topology) ByRole(role Role) []NodeRecord {
	var nodes []NodeRecord
	for _, n := range t {
		if n.Role == role {
			nodes = append(nodes, n)
		}
	}
	return nodes
}

// NextIndex returns the first index above every existing index for
// the role.
func (t Topology) NextIndex(role Role) int {
	next := 0
	for _, n := range t {
		if n.Role == role && n.Index >= next {
			next = n.Index + 1
		}
	}
	return next
}

// InstanceIDs returns the instance IDs of all nodes.
func (t Topology) InstanceIDs() []string {
	var ids []string
	for _, n := range t {
		if n.InstanceID != "" {
			ids = append(ids, n.InstanceID)
		}
	}
	return ids
}

// Without returns a copy of t with the given instances removed.
func (t Topology) Without(ids []string) Topology {
	drop := map[string]bool{}
	for _, id := range ids {
		drop[id] = true
	}
	var kept Topology
	for _, n := range t {
		if !drop[n.InstanceID] {
			kept = append(kept, n)
		}
	}
	return kept
}

// Sorted returns a copy of t ordered by role start order, then by
// position within the role.
func (t Topology) Sorted() Topology {
	var sorted Topology
	for _, role := range Roles {
		sorted = append(sorted, t.ByRole(role)...)
	}
	return sorted
}
