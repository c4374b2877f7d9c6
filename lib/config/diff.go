// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package config

import (
	"fmt"
	"reflect"
	"strings"

	"git.arvados.org/dsfleet.git/sdk/go/fleet"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

// A ChangeKind says what it takes to apply a configuration change.
type ChangeKind string

const (
	// Services must be reconfigured and restarted (rollout).
	ChangeService ChangeKind = "service"
	// The number or shape of nodes changes (scale).
	ChangeCluster ChangeKind = "cluster"
	// The recorded topology differs.
	ChangeTopology ChangeKind = "topology"
	// Takes effect on the next command.
	ChangeSettings ChangeKind = "settings"
)

var kindBySection = map[string]ChangeKind{
	"Services":            ChangeService,
	"Deployment":          ChangeService,
	"Database":            ChangeService,
	"Registry":            ChangeService,
	"Storage":             ChangeService,
	"PackageDistribution": ChangeService,
	"Roles":               ChangeCluster,
	"Nodes":               ChangeTopology,
}

// A Change is one differing leaf value.
type Change struct {
	Path string
	Old  string
	New  string
	Kind ChangeKind
}

func (ch Change) String() string {
	return fmt.Sprintf("%s: %s -> %s", ch.Path, ch.Old, ch.New)
}

// Diff returns the differences between two configurations, in field
// order.
func Diff(old, new *fleet.Config) []Change {
	var r diffReporter
	cmp.Equal(old, new, cmpopts.EquateEmpty(), cmp.Reporter(&r))
	return r.changes
}

// RestartRequired returns true if any change needs services to be
// reconfigured and restarted.
func RestartRequired(changes []Change) bool {
	for _, ch := range changes {
		if ch.Kind == ChangeService {
			return true
		}
	}
	return false
}

type diffReporter struct {
	path    cmp.Path
	changes []Change
}

func (r *diffReporter) PushStep(ps cmp.PathStep) {
	r.path = append(r.path, ps)
}

func (r *diffReporter) PopStep() {
	r.path = r.path[:len(r.path)-1]
}

func (r *diffReporter) Report(rs cmp.Result) {
	if rs.Equal() {
		return
	}
	vx, vy := r.path.Last().Values()
	path, section := formatPath(r.path)
	kind, ok := kindBySection[section]
	if !ok {
		kind = ChangeSettings
	}
	r.changes = append(r.changes, Change{
		Path: path,
		Old:  formatValue(vx),
		New:  formatValue(vy),
		Kind: kind,
	})
}

// formatPath returns a path like Services[worker].JVMHeap, and the
// top-level field name.
func formatPath(p cmp.Path) (string, string) {
	var b strings.Builder
	var section string
	for _, step := range p {
		switch s := step.(type) {
		case cmp.StructField:
			if section == "" {
				section = s.Name()
			} else {
				b.WriteString(".")
			}
			b.WriteString(s.Name())
		case cmp.MapIndex:
			fmt.Fprintf(&b, "[%v]", s.Key())
		case cmp.SliceIndex:
			i := s.Key()
			if i < 0 {
				ix, iy := s.SplitKeys()
				if ix >= 0 {
					i = ix
				} else {
					i = iy
				}
			}
			fmt.Fprintf(&b, "[%d]", i)
		}
	}
	return b.String(), section
}

func formatValue(v reflect.Value) string {
	if !v.IsValid() {
		return "(none)"
	}
	if s, ok := v.Interface().(fmt.Stringer); ok {
		return s.String()
	}
	if v.Kind() == reflect.String {
		return fmt.Sprintf("%q", v.String())
	}
	return fmt.Sprintf("%v", v.Interface())
}
