// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package fleettest

import (
	"fmt"
	"sync"

	"git.arvados.org/dsfleet.git/lib/cloud"
)

// StubLoadBalancerSet is an in-memory cloud.LoadBalancerSet.
//
// A registered target reports "initial" for HealthyAfter polls, then
// "healthy". A deregistered target reports "draining" for DrainAfter
// polls, then disappears.
type StubLoadBalancerSet struct {
	HealthyAfter int
	DrainAfter   int

	// Targets that never become healthy / never finish draining.
	NeverHealthy map[cloud.InstanceID]bool
	NeverDrained map[cloud.InstanceID]bool

	// If non-nil, called before each deletion. A non-nil return
	// value fails the deletion.
	DeleteError func(id string) error

	mtx          sync.Mutex
	lbs          []stubTagged
	tgs          []stubTagged
	targets      map[string]*stubTarget
	registered   []string
	deregistered []string
	deleted      []string
}

type stubTagged struct {
	id, name, dns string
	tags          cloud.InstanceTags
}

type stubTarget struct {
	state cloud.TargetState
	polls int
}

// AddLoadBalancer adds a load balancer with the given tags.
func (lbs *StubLoadBalancerSet) AddLoadBalancer(name string, tags map[string]string) string {
	lbs.mtx.Lock()
	defer lbs.mtx.Unlock()
	id := fmt.Sprintf("arn:aws:elasticloadbalancing:loadbalancer/app/%s", name)
	lbs.lbs = append(lbs.lbs, stubTagged{id: id, name: name, dns: name + ".elb.example", tags: copyTags(tags)})
	return id
}

// AddTargetGroup adds a target group with the given tags.
func (lbs *StubLoadBalancerSet) AddTargetGroup(name string, tags map[string]string) string {
	lbs.mtx.Lock()
	defer lbs.mtx.Unlock()
	id := fmt.Sprintf("arn:aws:elasticloadbalancing:targetgroup/%s", name)
	lbs.tgs = append(lbs.tgs, stubTagged{id: id, name: name, tags: copyTags(tags)})
	return id
}

func targetKey(tg string, id cloud.InstanceID, port int) string {
	return fmt.Sprintf("%s|%s:%d", tg, id, port)
}

func (lbs *StubLoadBalancerSet) RegisterTarget(tg string, id cloud.InstanceID, port int) error {
	lbs.mtx.Lock()
	defer lbs.mtx.Unlock()
	if lbs.targets == nil {
		lbs.targets = map[string]*stubTarget{}
	}
	lbs.targets[targetKey(tg, id, port)] = &stubTarget{state: cloud.TargetInitial}
	lbs.registered = append(lbs.registered, string(id))
	return nil
}

func (lbs *StubLoadBalancerSet) DeregisterTarget(tg string, id cloud.InstanceID, port int) error {
	lbs.mtx.Lock()
	defer lbs.mtx.Unlock()
	lbs.deregistered = append(lbs.deregistered, string(id))
	if t, ok := lbs.targets[targetKey(tg, id, port)]; ok {
		t.state, t.polls = cloud.TargetDraining, 0
	}
	return nil
}

func (lbs *StubLoadBalancerSet) TargetHealth(tg string, id cloud.InstanceID, port int) (cloud.TargetState, error) {
	lbs.mtx.Lock()
	defer lbs.mtx.Unlock()
	key := targetKey(tg, id, port)
	t, ok := lbs.targets[key]
	if !ok {
		return cloud.TargetAbsent, nil
	}
	t.polls++
	switch t.state {
	case cloud.TargetInitial:
		if !lbs.NeverHealthy[id] && t.polls > lbs.HealthyAfter {
			t.state = cloud.TargetHealthy
		}
	case cloud.TargetDraining:
		if !lbs.NeverDrained[id] && t.polls > lbs.DrainAfter {
			delete(lbs.targets, key)
			return cloud.TargetAbsent, nil
		}
	}
	return t.state, nil
}

func (lbs *StubLoadBalancerSet) LoadBalancers(tags cloud.InstanceTags) ([]cloud.LoadBalancer, error) {
	lbs.mtx.Lock()
	defer lbs.mtx.Unlock()
	var r []cloud.LoadBalancer
	for _, lb := range lbs.lbs {
		if cloud.HasTags(lb.tags, tags) {
			r = append(r, cloud.LoadBalancer{ID: lb.id, Name: lb.name, DNSName: lb.dns})
		}
	}
	return r, nil
}

func (lbs *StubLoadBalancerSet) TargetGroups(tags cloud.InstanceTags) ([]cloud.TargetGroup, error) {
	lbs.mtx.Lock()
	defer lbs.mtx.Unlock()
	var r []cloud.TargetGroup
	for _, tg := range lbs.tgs {
		if cloud.HasTags(tg.tags, tags) {
			r = append(r, cloud.TargetGroup{ID: tg.id, Name: tg.name})
		}
	}
	return r, nil
}

func (lbs *StubLoadBalancerSet) DeleteLoadBalancer(id string) error {
	return lbs.delete(&lbs.lbs, id)
}

func (lbs *StubLoadBalancerSet) DeleteTargetGroup(id string) error {
	return lbs.delete(&lbs.tgs, id)
}

func (lbs *StubLoadBalancerSet) delete(list *[]stubTagged, id string) error {
	lbs.mtx.Lock()
	defer lbs.mtx.Unlock()
	if lbs.DeleteError != nil {
		if err := lbs.DeleteError(id); err != nil {
			return err
		}
	}
	var kept []stubTagged
	for _, item := range *list {
		if item.id != id {
			kept = append(kept, item)
		}
	}
	*list = kept
	lbs.deleted = append(lbs.deleted, id)
	return nil
}

// Registered returns the instance IDs passed to RegisterTarget, in
// order.
func (lbs *StubLoadBalancerSet) Registered() []string {
	lbs.mtx.Lock()
	defer lbs.mtx.Unlock()
	return append([]string(nil), lbs.registered...)
}

// Deregistered returns the instance IDs passed to DeregisterTarget,
// in order.
func (lbs *StubLoadBalancerSet) Deregistered() []string {
	lbs.mtx.Lock()
	defer lbs.mtx.Unlock()
	return append([]string(nil), lbs.deregistered...)
}

// Deleted returns the IDs of deleted load balancers and target
// groups, in order.
func (lbs *StubLoadBalancerSet) Deleted() []string {
	lbs.mtx.Lock()
	defer lbs.mtx.Unlock()
	return append([]string(nil), lbs.deleted...)
}
