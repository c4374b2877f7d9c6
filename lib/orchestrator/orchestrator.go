// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package orchestrator creates and deletes whole clusters.
//
// Create runs six phases, each a barrier across the whole fleet:
// provision, network, initialize, configure, deploy, and start. A
// failure in any of the first five terminates the instances the run
// created. The start phase is fail-soft: per-host failures are
// reported in the result and nothing is rolled back.
package orchestrator

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"git.arvados.org/dsfleet.git/lib/cloud"
	"git.arvados.org/dsfleet.git/lib/fanout"
	"git.arvados.org/dsfleet.git/lib/probe"
	"git.arvados.org/dsfleet.git/lib/provision"
	"git.arvados.org/dsfleet.git/lib/remote"
	"git.arvados.org/dsfleet.git/lib/render"
	"git.arvados.org/dsfleet.git/sdk/go/ctxlog"
	"git.arvados.org/dsfleet.git/sdk/go/fleet"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// An Orchestrator runs lifecycle operations using the given cloud
// and remote access.
type Orchestrator struct {
	Cloud       cloud.InstanceSet
	ImageFinder cloud.ImageFinder
	// Nil if there is no load balancer API.
	LoadBalancers cloud.LoadBalancerSet
	Dialer        cloud.Dialer
	Checker       probe.Checker
	// Decides how nodes get the package. Defaults to
	// remote.ResolvePackage.
	Packages func(context.Context, *fleet.Config) (remote.PackageSource, error)
	// Returns the resource storage to purge on delete. Defaults to
	// the S3 bucket in cfg.Storage.
	Storage  func(*fleet.Config) (Purger, error)
	Logger   logrus.FieldLogger
	Registry *prometheus.Registry

	setupOnce      sync.Once
	mPhaseDuration *prometheus.SummaryVec
	mRollbacks     *prometheus.CounterVec
}

// A Purger deletes stored objects under a prefix.
type Purger interface {
	DeletePrefix(ctx context.Context, prefix string) error
}

// ServiceStatus is the outcome of starting one node's service.
type ServiceStatus struct {
	Role        fleet.Role
	Index       int
	Host        string
	Started     bool
	PortReady   bool
	TargetState cloud.TargetState `json:",omitempty"`
	Err         error             `json:"-"`
}

// OK reports whether the service started and passed its checks.
func (ss ServiceStatus) OK() bool {
	return ss.Err == nil && ss.Started && ss.PortReady
}

// Result describes a successfully created cluster. Services is
// keyed by hostname and may include failures.
type Result struct {
	RunID       string
	APIEndpoint string
	Nodes       fleet.Topology
	Services    map[string]ServiceStatus
}

func (o *Orchestrator) setup() {
	o.mPhaseDuration = prometheus.NewSummaryVec(prometheus.SummaryOpts{
		Namespace:  "dsfleet",
		Subsystem:  "orchestrator",
		Name:       "phase_duration_seconds",
		Help:       "Time spent in each lifecycle phase, by outcome.",
		Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001},
	}, []string{"phase", "outcome"})
	o.mRollbacks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dsfleet",
		Subsystem: "orchestrator",
		Name:      "rollbacks_total",
		Help:      "Number of rollbacks, by the phase that failed.",
	}, []string{"phase"})
	if o.Registry != nil {
		o.Registry.MustRegister(o.mPhaseDuration)
		o.Registry.MustRegister(o.mRollbacks)
	}
}

func (o *Orchestrator) logger(ctx context.Context) logrus.FieldLogger {
	if o.Logger != nil {
		return o.Logger
	}
	return ctxlog.FromContext(ctx)
}

// StartRun returns a new DeploymentState, and a context whose logger
// carries its RunID.
func (o *Orchestrator) StartRun(ctx context.Context, project string) (context.Context, *DeploymentState) {
	o.setupOnce.Do(o.setup)
	state := &DeploymentState{RunID: uuid.New().String()}
	logger := o.logger(ctx).WithFields(logrus.Fields{
		"RunID":   state.RunID,
		"Project": project,
	})
	return ctxlog.Context(ctx, logger), state
}

// Phase runs fn as the named phase, logging and timing it.
func (o *Orchestrator) Phase(ctx context.Context, name string, fn func(context.Context) error) error {
	o.setupOnce.Do(o.setup)
	logger := ctxlog.FromContext(ctx).WithField("Phase", name)
	ctx = ctxlog.Context(ctx, logger)
	logger.Info("phase starting")
	t0 := time.Now()
	err := fn(ctx)
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	o.mPhaseDuration.WithLabelValues(name, outcome).Observe(time.Since(t0).Seconds())
	if err != nil {
		logger.WithError(err).WithField("Duration", time.Since(t0).Seconds()).Error("phase failed")
	} else {
		logger.WithField("Duration", time.Since(t0).Seconds()).Info("phase complete")
	}
	return err
}

// Rollback terminates the instances created so far by the run,
// and returns a *fleet.DeployError carrying cause and the rollback
// outcome. Termination failures are recorded, not retried.
func (o *Orchestrator) Rollback(ctx context.Context, phase string, state *DeploymentState, cause error) error {
	o.setupOnce.Do(o.setup)
	logger := ctxlog.FromContext(ctx).WithField("Phase", phase)
	ids := state.CreatedIDs()
	logger.WithField("Instances", len(ids)).Warn("rolling back")
	report := &fleet.Report{}
	if err := provision.TerminateMany(context.WithoutCancel(ctx), o.Cloud, ids, report); err != nil {
		logger.WithError(err).Error("rollback incomplete")
	}
	o.mRollbacks.WithLabelValues(phase).Inc()
	logger.WithField("Outcome", report.Summary()).Info("rollback finished")
	return &fleet.DeployError{Err: cause, Rollback: report}
}

// Create provisions, configures, and starts the cluster described by
// cfg, and on success sets cfg.Nodes. It is safe to retry after a
// failure: instances that already hold a slot are reused.
//
// A configuration problem is returned as a *fleet.ValidationError
// before anything is touched. A failure in phases 1 to 5 is
// returned as a *fleet.DeployError after rollback.
func (o *Orchestrator) Create(ctx context.Context, cfg *fleet.Config) (*Result, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	spec, err := fleet.NewClusterSpec(cfg)
	if err != nil {
		return nil, err
	}
	ctx, state := o.StartRun(ctx, cfg.Project)
	logger := ctxlog.FromContext(ctx)
	logger.Info("creating cluster")

	var topo fleet.Topology
	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"provision", func(ctx context.Context) error {
			var err error
			topo, err = o.provision(ctx, cfg, spec, state)
			return err
		}},
		{"network", func(ctx context.Context) error {
			return o.WaitNetwork(ctx, cfg, topo)
		}},
		{"initialize", func(ctx context.Context) error {
			return o.InitializeNodes(ctx, cfg, topo, state)
		}},
		{"configure", func(ctx context.Context) error {
			return o.ConfigureTopology(ctx, cfg, topo, topo)
		}},
		{"deploy", func(ctx context.Context) error {
			if err := o.Deploy(ctx, cfg, topo); err != nil {
				return err
			}
			if cfg.Deployment.InitializeSchema {
				o.initializeSchema(ctx, cfg, topo)
			}
			return nil
		}},
	}
	for _, step := range steps {
		if err := o.Phase(ctx, step.name, step.fn); err != nil {
			return nil, o.Rollback(ctx, step.name, state, err)
		}
	}

	var services map[string]ServiceStatus
	o.Phase(ctx, "start", func(ctx context.Context) error {
		services = o.StartServices(ctx, cfg, topo)
		return nil
	})
	cfg.Nodes = topo
	res := &Result{
		RunID:       state.RunID,
		APIEndpoint: o.APIEndpoint(cfg),
		Nodes:       topo,
		Services:    services,
	}
	logger.WithField("APIEndpoint", res.APIEndpoint).Info("cluster created")
	return res, nil
}

// provision fills every slot in spec and returns the nodes in role
// order.
func (o *Orchestrator) provision(ctx context.Context, cfg *fleet.Config, spec *fleet.ClusterSpec, state *DeploymentState) (fleet.Topology, error) {
	var slots []provision.Slot
	for _, role := range fleet.Roles {
		for i := 0; i < spec.Roles[role].Count; i++ {
			slots = append(slots, provision.Slot{Role: role, Index: i})
		}
	}
	prov := provision.New(o.Cloud, o.ImageFinder, cfg, spec, ctxlog.FromContext(ctx))
	results, err := prov.ProvisionSlots(ctx, slots)
	state.RecordProvisioned(results)
	created := map[fleet.Role]int{}
	reused := map[fleet.Role]int{}
	var topo fleet.Topology
	for _, res := range results {
		if res.Err != nil {
			continue
		}
		topo = append(topo, res.Node)
		if res.Created {
			created[res.Slot.Role]++
		} else {
			reused[res.Slot.Role]++
		}
	}
	for _, role := range fleet.Roles {
		ctxlog.FromContext(ctx).WithFields(logrus.Fields{
			"Role":    role,
			"Created": created[role],
			"Reused":  reused[role],
		}).Info("provisioned role")
	}
	return topo.Sorted(), err
}

func sshPort(cfg *fleet.Config) int {
	if cfg.SSH.Port > 0 {
		return cfg.SSH.Port
	}
	return 22
}

// WaitNetwork waits for every node to accept SSH connections.
func (o *Orchestrator) WaitNetwork(ctx context.Context, cfg *fleet.Config, nodes []fleet.NodeRecord) error {
	port := sshPort(cfg)
	return probe.WaitAll(ctx, cfg.Deployment.Parallelism, nodes, func(ctx context.Context, host string) bool {
		return o.Checker.SSHReady(ctx, host, port)
	})
}

// eachNode opens a session to each node and calls fn, at most
// Deployment.Parallelism at a time. It returns the per-node errors
// and the error from the first failed node by hostname.
func (o *Orchestrator) eachNode(ctx context.Context, cfg *fleet.Config, nodes []fleet.NodeRecord, fn func(context.Context, *remote.Session) error) ([]error, error) {
	errs, err := fanout.Each(ctx, cfg.Deployment.Parallelism, len(nodes), func(ctx context.Context, i int) error {
		sess, err := remote.Open(ctx, o.Dialer, cfg, nodes[i])
		if err == nil {
			err = fn(ctx, sess)
			sess.Close()
		}
		if err != nil {
			return fmt.Errorf("%s: %w", nodes[i].Hostname(), err)
		}
		return nil
	})
	if perr := fanout.Collect(errs, func(i int) string { return nodes[i].Hostname() }); perr != nil {
		return errs, perr.(*fleet.PartialFailure).First()
	}
	return errs, err
}

// InitializeNodes installs base packages and creates the deployment
// account on every node. Nodes that succeed are recorded in state,
// if state is not nil.
func (o *Orchestrator) InitializeNodes(ctx context.Context, cfg *fleet.Config, nodes []fleet.NodeRecord, state *DeploymentState) error {
	errs, err := o.eachNode(ctx, cfg, nodes, func(ctx context.Context, sess *remote.Session) error {
		if err := sess.Initialize(ctx); err != nil {
			return err
		}
		return sess.CreateUser(ctx)
	})
	if state != nil {
		state.RecordInitialized(nodes, errs)
	}
	return err
}

// ConfigureTopology makes the cluster's nodes reachable from each
// other: the first node's deployment key is authorized on every
// target node, and every node in topo gets the full hosts map.
func (o *Orchestrator) ConfigureTopology(ctx context.Context, cfg *fleet.Config, topo fleet.Topology, targets []fleet.NodeRecord) error {
	if len(topo) == 0 {
		return nil
	}
	topo = topo.Sorted()
	keyNode := topo[0]
	sess, err := remote.Open(ctx, o.Dialer, cfg, keyNode)
	if err != nil {
		return fmt.Errorf("%s: %w", keyNode.Hostname(), err)
	}
	key, err := sess.GenerateKey(ctx)
	sess.Close()
	if err != nil {
		return fmt.Errorf("%s: generating key: %w", keyNode.Hostname(), err)
	}
	_, err = o.eachNode(ctx, cfg, targets, func(ctx context.Context, sess *remote.Session) error {
		return sess.AuthorizeKey(ctx, key)
	})
	if err != nil {
		return err
	}
	return o.WriteHosts(ctx, cfg, topo)
}

// WriteHosts replaces the managed hosts block on every node in topo
// with the full topology.
func (o *Orchestrator) WriteHosts(ctx context.Context, cfg *fleet.Config, topo fleet.Topology) error {
	_, err := o.eachNode(ctx, cfg, topo, func(ctx context.Context, sess *remote.Session) error {
		return sess.WriteHosts(ctx, topo)
	})
	return err
}

// Deploy installs the package and each node's rendered
// configuration.
func (o *Orchestrator) Deploy(ctx context.Context, cfg *fleet.Config, nodes []fleet.NodeRecord) error {
	if len(nodes) == 0 {
		return nil
	}
	pkg, err := o.packageSource(ctx, cfg)
	if err != nil {
		return fmt.Errorf("resolving package: %w", err)
	}
	_, err = o.eachNode(ctx, cfg, nodes, func(ctx context.Context, sess *remote.Session) error {
		files, err := render.Render(sess.Node.Role, cfg)
		if err != nil {
			return err
		}
		return sess.Deploy(ctx, pkg, files)
	})
	return err
}

// InstallConfig re-renders and installs one node's configuration
// files, without touching the package.
func (o *Orchestrator) InstallConfig(ctx context.Context, cfg *fleet.Config, node fleet.NodeRecord) error {
	files, err := render.Render(node.Role, cfg)
	if err != nil {
		return err
	}
	sess, err := remote.Open(ctx, o.Dialer, cfg, node)
	if err != nil {
		return err
	}
	defer sess.Close()
	return sess.InstallFiles(ctx, files)
}

func (o *Orchestrator) packageSource(ctx context.Context, cfg *fleet.Config) (remote.PackageSource, error) {
	if o.Packages != nil {
		return o.Packages(ctx, cfg)
	}
	return remote.ResolvePackage(ctx, cfg, ctxlog.FromContext(ctx))
}

// initializeSchema runs the schema tool on the first coordinator.
// Failure is logged: the services report schema problems themselves
// when they start.
func (o *Orchestrator) initializeSchema(ctx context.Context, cfg *fleet.Config, topo fleet.Topology) {
	coords := topo.ByRole(fleet.RoleCoordinator)
	if len(coords) == 0 {
		return
	}
	logger := ctxlog.FromContext(ctx).WithField("Host", coords[0].Address)
	sess, err := remote.Open(ctx, o.Dialer, cfg, coords[0])
	if err == nil {
		err = sess.InitializeSchema(ctx)
		sess.Close()
	}
	if err != nil {
		logger.WithError(err).Warn("schema initialization failed")
	}
}

// StartServices starts every role in order, waiting for each role's
// nodes to be checked before starting the next role. It never fails:
// the outcome for each node is returned, keyed by hostname.
func (o *Orchestrator) StartServices(ctx context.Context, cfg *fleet.Config, topo fleet.Topology) map[string]ServiceStatus {
	statuses := map[string]ServiceStatus{}
	for _, role := range fleet.Roles {
		nodes := topo.ByRole(role)
		if len(nodes) == 0 {
			continue
		}
		for _, st := range o.StartRole(ctx, cfg, nodes) {
			statuses[fmt.Sprintf("%s-%d", st.Role, st.Index)] = st
		}
	}
	return statuses
}

// StartRole starts the service on each of nodes in parallel, checks
// its port, and (for a load balanced role) registers it and waits
// for it to be healthy. Failures are returned in the statuses.
func (o *Orchestrator) StartRole(ctx context.Context, cfg *fleet.Config, nodes []fleet.NodeRecord) []ServiceStatus {
	statuses := make([]ServiceStatus, len(nodes))
	for i, n := range nodes {
		statuses[i] = ServiceStatus{Role: n.Role, Index: n.Index, Host: n.Address, Err: fanout.ErrSkipped}
	}
	fanout.Each(ctx, cfg.Deployment.Parallelism, len(nodes), func(ctx context.Context, i int) error {
		statuses[i].Err = o.startNode(ctx, cfg, nodes[i], &statuses[i])
		return nil
	})
	logger := ctxlog.FromContext(ctx)
	for _, st := range statuses {
		if st.Err != nil {
			logger.WithError(st.Err).WithFields(logrus.Fields{
				"Role":  st.Role,
				"Index": st.Index,
				"Host":  st.Host,
			}).Warn("service did not start cleanly")
		}
	}
	return statuses
}

func (o *Orchestrator) startNode(ctx context.Context, cfg *fleet.Config, node fleet.NodeRecord, st *ServiceStatus) error {
	sess, err := remote.Open(ctx, o.Dialer, cfg, node)
	if err != nil {
		return err
	}
	defer sess.Close()
	if err := sess.StartService(ctx); err != nil {
		return err
	}
	st.Started = true
	port := cfg.Services[node.Role].Port
	if !o.Checker.PortReady(ctx, node.Address, port) {
		return &fleet.NotReadyError{Role: node.Role, Index: node.Index, Host: node.Address, Err: fmt.Errorf("service port %d is not accepting connections", port)}
	}
	st.PortReady = true
	if o.LoadBalanced(cfg, node.Role) {
		st.TargetState, err = o.Register(ctx, cfg, node)
		return err
	}
	return nil
}

// LoadBalanced reports whether nodes of role are registered with
// the configured target group.
func (o *Orchestrator) LoadBalanced(cfg *fleet.Config, role fleet.Role) bool {
	return role == fleet.RoleAPI && cfg.LoadBalancer.Enabled && o.LoadBalancers != nil
}

// Register adds node to the target group and waits for it to be
// healthy.
func (o *Orchestrator) Register(ctx context.Context, cfg *fleet.Config, node fleet.NodeRecord) (cloud.TargetState, error) {
	port := cfg.Services[node.Role].Port
	tg := cfg.LoadBalancer.TargetGroupARN
	if err := o.LoadBalancers.RegisterTarget(tg, cloud.InstanceID(node.InstanceID), port); err != nil {
		return cloud.TargetAbsent, fmt.Errorf("registering target: %w", err)
	}
	return probe.WaitTarget(ctx, o.LoadBalancers, tg, node, port, probe.Healthy, cfg.Timeouts.TargetHealthy.Duration(), cfg.Timeouts.TargetPoll.Duration())
}

// Deregister removes node from the target group and waits for it to
// finish draining.
func (o *Orchestrator) Deregister(ctx context.Context, cfg *fleet.Config, node fleet.NodeRecord) (cloud.TargetState, error) {
	port := cfg.Services[node.Role].Port
	tg := cfg.LoadBalancer.TargetGroupARN
	if err := o.LoadBalancers.DeregisterTarget(tg, cloud.InstanceID(node.InstanceID), port); err != nil {
		return cloud.TargetAbsent, fmt.Errorf("deregistering target: %w", err)
	}
	return probe.WaitTarget(ctx, o.LoadBalancers, tg, node, port, probe.Drained, cfg.Timeouts.TargetDrain.Duration(), cfg.Timeouts.TargetPoll.Duration())
}

// StopServices stops the service on each of nodes, in reverse role
// order. Failures are logged and returned keyed by hostname.
func (o *Orchestrator) StopServices(ctx context.Context, cfg *fleet.Config, nodes []fleet.NodeRecord) map[string]error {
	failed := map[string]error{}
	topo := fleet.Topology(nodes)
	for i := len(fleet.Roles) - 1; i >= 0; i-- {
		var batch []fleet.NodeRecord
		for _, n := range topo.ByRole(fleet.Roles[i]) {
			if n.Address != "" {
				batch = append(batch, n)
			}
		}
		errs, _ := o.eachNode(ctx, cfg, batch, func(ctx context.Context, sess *remote.Session) error {
			return sess.StopService(ctx)
		})
		for j, err := range errs {
			if err != nil && err != fanout.ErrSkipped {
				ctxlog.FromContext(ctx).WithError(err).WithField("Host", batch[j].Address).Warn("failed to stop service")
				failed[batch[j].Hostname()] = err
			}
		}
	}
	return failed
}

// APIEndpoint returns the URL of the web UI and API: the project's
// load balancer if there is one, otherwise the first api node.
func (o *Orchestrator) APIEndpoint(cfg *fleet.Config) string {
	if o.LoadBalancers != nil {
		lbs, err := o.LoadBalancers.LoadBalancers(fleet.OwnershipTags(cfg.Project))
		if err == nil && len(lbs) > 0 && lbs[0].DNSName != "" {
			return "http://" + lbs[0].DNSName + "/dolphinscheduler"
		}
	}
	api := cfg.Nodes.ByRole(fleet.RoleAPI)
	if len(api) == 0 {
		return ""
	}
	return "http://" + net.JoinHostPort(api[0].Address, strconv.Itoa(cfg.Services[fleet.RoleAPI].Port)) + "/dolphinscheduler"
}
