// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package fleettest

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"git.arvados.org/dsfleet.git/lib/cloud"
	"git.arvados.org/dsfleet.git/sdk/go/fleet"
)

// A StubInstanceSet is an in-memory cloud.InstanceSet. It filters by
// tags and state like the real driver, and lets tests inject
// failures and inspect what was created and terminated.
type StubInstanceSet struct {
	// Number of Instances() calls during which a new instance
	// stays pending before becoming running.
	PendingPolls int

	// If non-nil, called before each Create. A non-nil return
	// value fails the Create.
	CreateError func(tags cloud.InstanceTags) error

	// If non-nil and returns true, the new instance never leaves
	// the pending state.
	NeverRunning func(tags cloud.InstanceTags) bool

	// If non-nil, called with each Terminate batch. A non-nil
	// return value fails the whole batch.
	TerminateError func(ids []cloud.InstanceID) error

	mtx            sync.Mutex
	servers        []*StubInstance
	nextID         int
	creates        int
	terminateCalls [][]cloud.InstanceID
	stopped        bool
}

// StubInstance is the in-memory state of one instance.
type StubInstance struct {
	id           cloud.InstanceID
	providerType string
	address      string
	state        cloud.InstanceState
	placement    fleet.Placement
	launchTime   time.Time
	tags         cloud.InstanceTags
	pendingPolls int
	neverRunning bool
}

func (si *StubInstance) ID() cloud.InstanceID { return si.id }
func (si *StubInstance) String() string { return string(si.id) }
func (si *StubInstance) ProviderType() string { return si.providerType }

// Address returns the private address, which is only known once the
// instance is running.
func (si *StubInstance) Address() string {
	if si.state != cloud.StateRunning {
		return ""
	}
	return si.address
}

func (si *StubInstance) State() cloud.InstanceState { return si.state }
func (si *StubInstance) Placement() fleet.Placement { return si.placement }
func (si *StubInstance) LaunchTime() time.Time { return si.launchTime }
func (si *StubInstance) Tags() cloud.InstanceTags { return copyTags(si.tags) }

func (sis *StubInstanceSet) Create(shape cloud.Shape, image cloud.ImageID, placement fleet.Placement, tags cloud.InstanceTags) (cloud.Instance, error) {
	sis.mtx.Lock()
	defer sis.mtx.Unlock()
	if sis.stopped {
		return nil, errors.New("StubInstanceSet: Create called after Stop")
	}
	if sis.CreateError != nil {
		if err := sis.CreateError(tags); err != nil {
			return nil, err
		}
	}
	if image == "" {
		return nil, errors.New("StubInstanceSet: no image")
	}
	sis.creates++
	si := sis.add(tags, cloud.StatePending, placement)
	si.providerType = shape.ProviderType
	si.pendingPolls = sis.PendingPolls
	if sis.NeverRunning != nil && sis.NeverRunning(tags) {
		si.neverRunning = true
	}
	if si.pendingPolls == 0 && !si.neverRunning {
		sis.becomeRunning(si)
	}
	cp := *si
	return &cp, nil
}

// Add adds an instance as if it had been created by someone else
// (e.g., a previous run), and returns its ID.
func (sis *StubInstanceSet) Add(tags map[string]string, state cloud.InstanceState, placement fleet.Placement) cloud.InstanceID {
	sis.mtx.Lock()
	defer sis.mtx.Unlock()
	si := sis.add(tags, state, placement)
	return si.id
}

func (sis *StubInstanceSet) add(tags map[string]string, state cloud.InstanceState, placement fleet.Placement) *StubInstance {
	sis.nextID++
	si := &StubInstance{
		id:         cloud.InstanceID(fmt.Sprintf("i-%017x", sis.nextID)),
		address:    fmt.Sprintf("10.0.%d.%d", sis.nextID/250, sis.nextID%250+1),
		state:      state,
		placement:  placement,
		launchTime: time.Now(),
		tags:       copyTags(tags),
	}
	sis.servers = append(sis.servers, si)
	return si
}

func (sis *StubInstanceSet) becomeRunning(si *StubInstance) {
	si.state = cloud.StateRunning
}

func (sis *StubInstanceSet) Instances(tags cloud.InstanceTags, states ...cloud.InstanceState) ([]cloud.Instance, error) {
	sis.mtx.Lock()
	defer sis.mtx.Unlock()
	var r []cloud.Instance
	for _, si := range sis.servers {
		if si.state == cloud.StatePending && !si.neverRunning {
			if si.pendingPolls > 0 {
				si.pendingPolls--
			} else {
				sis.becomeRunning(si)
			}
		}
		if !cloud.HasTags(si.tags, tags) || !cloud.HasState(si.state, states) {
			continue
		}
		cp := *si
		r = append(r, &cp)
	}
	return r, nil
}

func (sis *StubInstanceSet) Terminate(ids []cloud.InstanceID) error {
	sis.mtx.Lock()
	defer sis.mtx.Unlock()
	sis.terminateCalls = append(sis.terminateCalls, append([]cloud.InstanceID(nil), ids...))
	if sis.TerminateError != nil {
		if err := sis.TerminateError(ids); err != nil {
			return err
		}
	}
	for _, id := range ids {
		for _, si := range sis.servers {
			if si.id == id {
				si.state = cloud.StateTerminated
			}
		}
	}
	return nil
}

func (sis *StubInstanceSet) Stop() {
	sis.mtx.Lock()
	defer sis.mtx.Unlock()
	sis.stopped = true
}

// Creates returns the number of successful Create calls.
func (sis *StubInstanceSet) Creates() int {
	sis.mtx.Lock()
	defer sis.mtx.Unlock()
	return sis.creates
}

// TerminateCalls returns the ID batches passed to Terminate, in
// order.
func (sis *StubInstanceSet) TerminateCalls() [][]cloud.InstanceID {
	sis.mtx.Lock()
	defer sis.mtx.Unlock()
	return append([][]cloud.InstanceID(nil), sis.terminateCalls...)
}

// Terminated returns the sorted IDs of all terminated instances.
func (sis *StubInstanceSet) Terminated() []string {
	sis.mtx.Lock()
	defer sis.mtx.Unlock()
	var ids []string
	for _, si := range sis.servers {
		if si.state == cloud.StateTerminated {
			ids = append(ids, string(si.id))
		}
	}
	sort.Strings(ids)
	return ids
}

// Live returns the IDs of instances in a live state that have all
// of the given tags.
func (sis *StubInstanceSet) Live(tags map[string]string) []string {
	sis.mtx.Lock()
	defer sis.mtx.Unlock()
	var ids []string
	for _, si := range sis.servers {
		if cloud.HasTags(si.tags, tags) && cloud.HasState(si.state, cloud.LiveStates) {
			ids = append(ids, string(si.id))
		}
	}
	sort.Strings(ids)
	return ids
}

// SetState changes an instance's state.
func (sis *StubInstanceSet) SetState(id cloud.InstanceID, state cloud.InstanceState) {
	sis.mtx.Lock()
	defer sis.mtx.Unlock()
	for _, si := range sis.servers {
		if si.id == id {
			si.state = state
		}
	}
}

func copyTags(src map[string]string) cloud.InstanceTags {
	dst := cloud.InstanceTags{}
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

// StubImageFinder is a cloud.ImageFinder that returns a fixed image
// and counts calls.
type StubImageFinder struct {
	Image cloud.ImageID
	Err   error
	mtx   sync.Mutex
	calls int
}

func (f *StubImageFinder) DefaultImage() (cloud.ImageID, error) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	f.calls++
	return f.Image, f.Err
}

func (f *StubImageFinder) Calls() int {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	return f.calls
}
