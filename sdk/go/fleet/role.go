// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package fleet

import "fmt"

// A Role is one of the functional categories of cluster node.
type Role string

const (
	RoleCoordinator Role = "coordinator"
	RoleWorker      Role = "worker"
	RoleAPI         Role = "api"
	RoleAlerting    Role = "alerting"
)

// Roles lists all roles in service start order. Coordinators start
// first so workers and api servers can register with them; alerting
// is independent and starts last.
var Roles = []Role{RoleCoordinator, RoleWorker, RoleAPI, RoleAlerting}

var roleInfo = map[Role]struct {
	service     string
	minReplicas int
	dynamic     bool
}{
	RoleCoordinator: {"master-server", 2, false},
	RoleWorker:      {"worker-server", 1, true},
	RoleAPI:         {"api-server", 1, false},
	RoleAlerting:    {"alert-server", 0, false},
}

// ParseRole returns the Role named by s.
func ParseRole(s string) (Role, error) {
	r := Role(s)
	if !r.Valid() {
		return "", fmt.Errorf("unknown role %q (must be one of %v)", s, Roles)
	}
	return r, nil
}

func (r Role) Valid() bool {
	_, ok := roleInfo[r]
	return ok
}

// ServiceName returns the name the daemon control script uses for
// the role's server process.
func (r Role) ServiceName() string {
	return roleInfo[r].service
}

// MinReplicas returns the smallest node count the role may be
// scaled down to.
func (r Role) MinReplicas() int {
	return roleInfo[r].minReplicas
}

// DynamicMembership reports whether new nodes of this role can join
// a running cluster without reconfiguring their peers.
func (r Role) DynamicMembership() bool {
	return roleInfo[r].dynamic
}

func (r Role) String() string {
	return string(r)
}
