// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package provision creates cluster instances, reusing any live
// instance that already holds a (role, index) slot, and terminates
// them.
package provision

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"git.arvados.org/dsfleet.git/lib/cloud"
	"git.arvados.org/dsfleet.git/lib/fanout"
	"git.arvados.org/dsfleet.git/sdk/go/ctxlog"
	"git.arvados.org/dsfleet.git/sdk/go/fleet"
	"github.com/sirupsen/logrus"
)

// MaxTerminateBatch is the largest number of instances terminated
// in one API call.
const MaxTerminateBatch = 1000

// A Slot is one (role, index) position in the cluster.
type Slot struct {
	Role  fleet.Role
	Index int
}

func (s Slot) String() string {
	return fmt.Sprintf("%s-%d", s.Role, s.Index)
}

// A Result is the outcome of provisioning one slot. If Created is
// true, Node.InstanceID refers to an instance this call created, even
// if Err is non-nil.
type Result struct {
	Slot    Slot
	Node    fleet.NodeRecord
	Created bool
	Err     error
}

// A Provisioner creates and terminates instances for one cluster.
type Provisioner struct {
	InstanceSet cloud.InstanceSet
	// Used to find an image when none is configured.
	ImageFinder cloud.ImageFinder
	Config      *fleet.Config
	Spec        *fleet.ClusterSpec
	Logger      logrus.FieldLogger

	imageMtx sync.Mutex
	image    cloud.ImageID
}

// New returns a Provisioner for the cluster described by cfg and
// spec.
func New(is cloud.InstanceSet, finder cloud.ImageFinder, cfg *fleet.Config, spec *fleet.ClusterSpec, logger logrus.FieldLogger) *Provisioner {
	return &Provisioner{
		InstanceSet: is,
		ImageFinder: finder,
		Config:      cfg,
		Spec:        spec,
		Logger:      logger,
	}
}

// Provision ensures exactly one live instance holds the given slot,
// and waits for it to be running with an address.
//
// If a live instance already carries the slot's identity tags, it is
// reused and created is false. Otherwise one instance is created in
// placement; created is true from then on, so the caller can undo the
// creation even if waiting for it fails.
func (p *Provisioner) Provision(ctx context.Context, role fleet.Role, index int, placement fleet.Placement) (node fleet.NodeRecord, created bool, err error) {
	project := p.Config.Project
	idTags := fleet.IdentityTags(project, role, index)
	logger := ctxlog.FromContext(ctx).WithFields(logrus.Fields{
		"Role":  role,
		"Index": index,
	})
	node = fleet.NodeRecord{
		Role:     role,
		Index:    index,
		SubnetID: placement.SubnetID,
		Zone:     placement.Zone,
		Groups:   p.Spec.Roles[role].Groups,
	}

	existing, err := p.InstanceSet.Instances(idTags, cloud.LiveStates...)
	if err != nil {
		return node, false, &fleet.ProvisionError{Role: role, Index: index, Err: fmt.Errorf("listing instances: %w", err)}
	}
	if len(existing) > 0 {
		sort.Slice(existing, func(i, j int) bool {
			return existing[i].LaunchTime().Before(existing[j].LaunchTime())
		})
		if len(existing) > 1 {
			logger.WithField("Count", len(existing)).Warn("more than one live instance carries this identity; using the oldest")
		}
		inst := existing[0]
		node.InstanceID = string(inst.ID())
		if pl := inst.Placement(); pl.SubnetID != "" {
			node.SubnetID, node.Zone = pl.SubnetID, pl.Zone
		}
		logger.WithField("InstanceID", inst.ID()).Info("reusing existing instance")
		node.Address, err = p.waitRunning(ctx, role, index, inst.ID())
		return node, false, err
	}

	image, err := p.Image()
	if err != nil {
		return node, false, &fleet.ProvisionError{Role: role, Index: index, Err: err}
	}
	tags, err := cloud.MergeTags(idTags, p.Config.Cloud.Tags)
	if err != nil {
		return node, false, &fleet.ProvisionError{Role: role, Index: index, Err: err}
	}
	rs := p.Spec.Roles[role]
	inst, err := p.InstanceSet.Create(cloud.Shape{
		ProviderType:   rs.InstanceType,
		RootVolumeSize: rs.RootVolumeSize,
		RootVolumeType: rs.RootVolumeType,
	}, image, placement, tags)
	if err != nil {
		return node, false, &fleet.ProvisionError{Role: role, Index: index, Err: err}
	}
	node.InstanceID = string(inst.ID())
	logger.WithFields(logrus.Fields{
		"InstanceID": inst.ID(),
		"Placement":  placement.String(),
	}).Info("created instance")
	node.Address, err = p.waitRunning(ctx, role, index, inst.ID())
	return node, true, err
}

// Image returns the configured image, or (once per Provisioner) asks
// the ImageFinder for a default.
func (p *Provisioner) Image() (cloud.ImageID, error) {
	if id := p.Config.Cloud.ImageID; id != "" {
		return cloud.ImageID(id), nil
	}
	p.imageMtx.Lock()
	defer p.imageMtx.Unlock()
	if p.image != "" {
		return p.image, nil
	}
	if p.ImageFinder == nil {
		return "", errors.New("no image configured and no way to find a default image")
	}
	image, err := p.ImageFinder.DefaultImage()
	if err != nil {
		return "", fmt.Errorf("finding default image: %w", err)
	}
	p.image = image
	return image, nil
}

// waitRunning polls until the instance is running and has an
// address, or Timeouts.Running elapses.
func (p *Provisioner) waitRunning(ctx context.Context, role fleet.Role, index int, id cloud.InstanceID) (string, error) {
	timeout := p.Config.Timeouts.Running.Duration()
	interval := p.Config.Timeouts.RunningPoll.Duration()
	if interval <= 0 {
		interval = 5 * time.Second
	}
	deadline := time.Now().Add(timeout)
	idTags := fleet.IdentityTags(p.Config.Project, role, index)
	lastState := cloud.InstanceState("unknown")
	for {
		insts, err := p.InstanceSet.Instances(idTags)
		if err != nil {
			ctxlog.FromContext(ctx).WithError(err).WithField("InstanceID", id).Warn("error polling instance state")
		}
		for _, inst := range insts {
			if inst.ID() != id {
				continue
			}
			lastState = inst.State()
			if lastState == cloud.StateRunning && inst.Address() != "" {
				return inst.Address(), nil
			}
		}
		if !time.Now().Before(deadline) {
			return "", &fleet.NotReadyError{Role: role, Index: index, Err: fmt.Errorf("instance %s still %s after %v", id, lastState, timeout)}
		}
		select {
		case <-ctx.Done():
			return "", &fleet.NotReadyError{Role: role, Index: index, Err: ctx.Err()}
		case <-time.After(interval):
		}
	}
}

// ProvisionMany provisions the given indexes of one role, spreading
// them round-robin across the role's placements.
func (p *Provisioner) ProvisionMany(ctx context.Context, role fleet.Role, indexes []int) ([]Result, error) {
	slots := make([]Slot, len(indexes))
	for i, idx := range indexes {
		slots[i] = Slot{Role: role, Index: idx}
	}
	return p.ProvisionSlots(ctx, slots)
}

// ProvisionSlots provisions the given slots concurrently, at most
// Deployment.Parallelism at a time.
//
// The returned slice has one entry per slot attempted, including
// failed ones, in slot order. The returned error is nil if every slot
// succeeded, otherwise the first failure by slot order.
func (p *Provisioner) ProvisionSlots(ctx context.Context, slots []Slot) ([]Result, error) {
	results := make([]Result, len(slots))
	errs, err := fanout.Each(ctx, p.Config.Deployment.Parallelism, len(slots), func(ctx context.Context, i int) error {
		slot := slots[i]
		placement, err := p.Spec.Placement(slot.Role, slot.Index)
		if err != nil {
			results[i] = Result{Slot: slot, Err: err}
			return err
		}
		node, created, err := p.Provision(ctx, slot.Role, slot.Index, placement)
		results[i] = Result{Slot: slot, Node: node, Created: created, Err: err}
		return err
	})
	var attempted []Result
	for i, res := range results {
		if errs[i] == fanout.ErrSkipped {
			continue
		}
		attempted = append(attempted, res)
	}
	for _, res := range attempted {
		if res.Err != nil {
			return attempted, res.Err
		}
	}
	return attempted, err
}

// TerminateMany terminates the given instances in batches. It is a
// no-op when ids is empty.
//
// If a batch fails, its instances are retried one at a time so one
// bad ID does not prevent the others from being terminated. Every
// instance's outcome is added to report (if not nil). The returned
// error is nil only if every instance was terminated.
func TerminateMany(ctx context.Context, is cloud.InstanceSet, ids []string, report *fleet.Report) error {
	if len(ids) == 0 {
		return nil
	}
	logger := ctxlog.FromContext(ctx)
	var errs []error
	record := func(id string, err error) {
		if report != nil {
			report.Add(id, "terminate instance", err)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("terminate %s: %w", id, err))
		}
	}
	for start := 0; start < len(ids); start += MaxTerminateBatch {
		end := start + MaxTerminateBatch
		if end > len(ids) {
			end = len(ids)
		}
		batch := make([]cloud.InstanceID, 0, end-start)
		for _, id := range ids[start:end] {
			batch = append(batch, cloud.InstanceID(id))
		}
		err := is.Terminate(batch)
		if err == nil {
			logger.WithField("Count", len(batch)).Info("terminated instances")
			for _, id := range batch {
				record(string(id), nil)
			}
			continue
		}
		logger.WithError(err).WithField("Count", len(batch)).Warn("batch terminate failed, retrying individually")
		if len(batch) == 1 {
			record(string(batch[0]), err)
			continue
		}
		for _, id := range batch {
			record(string(id), is.Terminate([]cloud.InstanceID{id}))
		}
	}
	return errors.Join(errs...)
}

// TerminateMany terminates the given instances. See the package-level
// TerminateMany.
func (p *Provisioner) TerminateMany(ctx context.Context, ids []string, report *fleet.Report) error {
	return TerminateMany(ctx, p.InstanceSet, ids, report)
}
