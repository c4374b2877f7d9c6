// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package cloud

import (
	"context"
	"errors"
	"io"
	"time"

	"git.arvados.org/dsfleet.git/sdk/go/fleet"
	"golang.org/x/crypto/ssh"
)

// A RateLimitError should be returned by an InstanceSet when the
// cloud service indicates it is rejecting all API calls for some time
// interval.
type RateLimitError interface {
	// Time before which the caller should expect requests to
	// fail.
	EarliestRetry() time.Time
	error
}

// A QuotaError should be returned by an InstanceSet when the cloud
// service indicates the account cannot create more VMs than already
// exist.
type QuotaError interface {
	// If true, don't create more instances until some existing
	// instances are destroyed. If false, don't handle the error
	// as a quota error.
	IsQuotaError() bool
	error
}

type InstanceTags map[string]string
type InstanceID string
type ImageID string

// InstanceState is the provider's lifecycle state name.
type InstanceState string

const (
	StatePending      InstanceState = "pending"
	StateRunning      InstanceState = "running"
	StateStopping     InstanceState = "stopping"
	StateStopped      InstanceState = "stopped"
	StateShuttingDown InstanceState = "shutting-down"
	StateTerminated   InstanceState = "terminated"
)

var (
	// LiveStates are the states in which an instance occupies its
	// identity slot.
	LiveStates = []InstanceState{StatePending, StateRunning}
	// ExistingStates are the states in which an instance still
	// needs to be terminated during cleanup.
	ExistingStates = []InstanceState{StatePending, StateRunning, StateStopping, StateStopped}
)

var ErrNotImplemented = errors.New("not implemented")

// An ExecutorTarget is a remote command execution service.
type ExecutorTarget interface {
	// SSH server hostname or IP address, or empty string if
	// unknown while instance is booting.
	Address() string

	// Remote username to send during SSH authentication.
	RemoteUser() string

	// Return nil if the given public key matches the instance's
	// SSH server key. If the provided Dialer is not nil,
	// VerifyHostKey can use it to make outgoing network
	// connections from the instance.
	//
	// Return ErrNotImplemented if no verification mechanism is
	// available.
	VerifyHostKey(ssh.PublicKey, *ssh.Client) error
}

// A Shape describes the machine to create.
type Shape struct {
	ProviderType   string
	RootVolumeSize int // GiB, 0 for image default
	RootVolumeType string
}

// Instance is implemented by the provider-specific instance types.
type Instance interface {
	// ID returns the provider's instance ID. It must be stable
	// for the life of the instance.
	ID() InstanceID

	// String typically returns the cloud-provided instance ID.
	String() string

	// Cloud provider's "instance type" ID.
	ProviderType() string

	// Private network address, or "" while booting.
	Address() string

	State() InstanceState

	Placement() fleet.Placement

	LaunchTime() time.Time

	// Get current tags
	Tags() InstanceTags
}

// An InstanceSet manages a set of VM instances created by an elastic
// cloud provider.
//
// All public methods of an InstanceSet, and all public methods of the
// instances it returns, are goroutine safe.
type InstanceSet interface {
	// Create a new instance with the given shape and image in
	// the given placement, carrying the given tags.
	//
	// The returned error should implement RateLimitError and
	// QuotaError where applicable.
	Create(Shape, ImageID, fleet.Placement, InstanceTags) (Instance, error)

	// Return instances that have all of the given tags. If any
	// states are given, return only instances in one of those
	// states.
	Instances(InstanceTags, ...InstanceState) ([]Instance, error)

	// Terminate the given instances. Terminating an instance
	// that is already gone is not an error.
	Terminate([]InstanceID) error

	// Stop any background tasks and release other resources.
	Stop()
}

// An ImageFinder can choose a default image when none is
// configured.
type ImageFinder interface {
	DefaultImage() (ImageID, error)
}

// A NetworkVerifier checks that the configured VPC, subnets and
// security groups exist and belong together.
type NetworkVerifier interface {
	VerifyNetwork(vpcID string, subnetIDs, securityGroupIDs []string) error
}

// TargetState is a load balancer target's health check state. The
// zero value means the target is not registered.
type TargetState string

const (
	TargetAbsent    TargetState = ""
	TargetInitial   TargetState = "initial"
	TargetHealthy   TargetState = "healthy"
	TargetUnhealthy TargetState = "unhealthy"
	TargetDraining  TargetState = "draining"
	TargetUnused    TargetState = "unused"
)

type LoadBalancer struct {
	ID      string
	Name    string
	DNSName string
}

type TargetGroup struct {
	ID   string
	Name string
}

// A LoadBalancerSet registers instances with existing load balancer
// target groups and finds/deletes load balancers by tag.
type LoadBalancerSet interface {
	RegisterTarget(targetGroup string, id InstanceID, port int) error
	DeregisterTarget(targetGroup string, id InstanceID, port int) error
	TargetHealth(targetGroup string, id InstanceID, port int) (TargetState, error)

	// Return load balancers / target groups that have all of the
	// given tags.
	LoadBalancers(InstanceTags) ([]LoadBalancer, error)
	TargetGroups(InstanceTags) ([]TargetGroup, error)

	DeleteLoadBalancer(id string) error
	DeleteTargetGroup(id string) error
}

// An Executor runs shell commands on one host.
type Executor interface {
	// Run cmd with the given environment and stdin, and return
	// its output. A non-nil error is returned if the command
	// could not be run, exited non-zero, or did not finish
	// before ctx was done.
	Execute(ctx context.Context, env map[string]string, cmd string, stdin io.Reader) (stdout, stderr []byte, err error)

	// Close any connections.
	Close()
}

// A Dialer returns an Executor for a host once the host accepts
// connections.
type Dialer interface {
	Dial(ctx context.Context, host string) (Executor, error)
}
