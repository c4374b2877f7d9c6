// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package fleetcmd

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"git.arvados.org/dsfleet.git/lib/cloud"
	"git.arvados.org/dsfleet.git/lib/config"
	"git.arvados.org/dsfleet.git/lib/fleettest"
	"git.arvados.org/dsfleet.git/lib/preflight"
	"git.arvados.org/dsfleet.git/lib/probe"
	"git.arvados.org/dsfleet.git/sdk/go/fleet"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	check "gopkg.in/check.v1"
)

// Gocheck boilerplate
func Test(t *testing.T) {
	check.TestingT(t)
}

var _ = check.Suite(&FleetCmdSuite{})

type FleetCmdSuite struct {
	dir     string
	path    string
	is      *fleettest.StubInstanceSet
	lbs     *fleettest.StubLoadBalancerSet
	dialer  *fleettest.StubDialer
	checker *fleettest.StubChecker
	dbErr   error
	regions []string
	env     *Env
}

func (s *FleetCmdSuite) SetUpTest(c *check.C) {
	s.dir = c.MkDir()
	s.path = filepath.Join(s.dir, "dsfleet.yml")
	c.Assert(config.Save(s.path, fleettest.Config()), check.IsNil)

	s.is = &fleettest.StubInstanceSet{}
	s.lbs = &fleettest.StubLoadBalancerSet{}
	s.dialer = &fleettest.StubDialer{}
	s.checker = &fleettest.StubChecker{}
	s.dbErr = nil
	s.regions = nil
	s.env = &Env{
		NewInstanceSet: func(cc fleet.CloudConfig, _ logrus.FieldLogger, _ *prometheus.Registry) (cloud.InstanceSet, error) {
			s.regions = append(s.regions, cc.Region)
			return s.is, nil
		},
		NewLoadBalancerSet: func(fleet.CloudConfig, logrus.FieldLogger) (cloud.LoadBalancerSet, error) {
			return s.lbs, nil
		},
		NewDialer: func(fleet.SSHConfig) (cloud.Dialer, error) {
			return s.dialer, nil
		},
		NewChecker: func(fleet.TimeoutConfig) probe.Checker {
			return s.checker
		},
		Preflight: preflight.Preflight{
			PingDatabase: func(context.Context, fleet.DatabaseConfig) error { return s.dbErr },
			DialRegistry: func(context.Context, string, time.Duration) error { return nil },
		},
	}
}

// run runs a subcommand with -config pointing at the suite's file.
func (s *FleetCmdSuite) run(c *check.C, stdin, subcommand string, args ...string) (int, string, string) {
	var stdout, stderr bytes.Buffer
	args = append([]string{subcommand, "-config", s.path}, args...)
	code := Commands(s.env).RunCommand("dsfleet", args, strings.NewReader(stdin), &stdout, &stderr)
	c.Logf("%v => exit %d\nstdout:\n%s\nstderr:\n%s", args, code, stdout.String(), stderr.String())
	return code, stdout.String(), stderr.String()
}

func (s *FleetCmdSuite) load(c *check.C) *fleet.Config {
	cfg, err := config.LoadFile(s.path, nil)
	c.Assert(err, check.IsNil)
	return cfg
}

func (s *FleetCmdSuite) create(c *check.C) {
	code, _, _ := s.run(c, "", "create")
	c.Assert(code, check.Equals, 0)
}

func (s *FleetCmdSuite) TestCreate(c *check.C) {
	code, stdout, _ := s.run(c, "", "create")
	c.Check(code, check.Equals, 0)
	c.Check(stdout, check.Matches, `(?s)Cluster testproj created \(run [0-9a-f-]{36}\)\n.*`)
	c.Check(stdout, check.Matches, `(?ms).*^coordinator-0 +10\.0\.\S+ +i-\S+ +running$.*`)
	c.Check(stdout, check.Not(check.Matches), `(?s).*did not start cleanly.*`)
	c.Check(s.is.Creates(), check.Equals, 6)

	cfg := s.load(c)
	c.Check(cfg.Nodes, check.HasLen, 6)
	c.Check(cfg.Nodes[0].Hostname(), check.Equals, "coordinator-0")

	// The pre-create file is kept as a version.
	versions, err := (&config.Store{Path: s.path}).Versions()
	c.Assert(err, check.IsNil)
	c.Check(versions, check.HasLen, 1)

	// A second create is refused.
	code, _, stderr := s.run(c, "", "create")
	c.Check(code, check.Equals, 1)
	c.Check(stderr, check.Matches, `(?s).*project testproj already has 6 recorded nodes.*`)
	c.Check(s.is.Creates(), check.Equals, 6)
}

func (s *FleetCmdSuite) TestCreateDryRun(c *check.C) {
	code, stdout, _ := s.run(c, "", "create", "-dry-run")
	c.Check(code, check.Equals, 0)
	c.Check(stdout, check.Matches, `(?ms)HOST +TYPE +SUBNET +ZONE +USD/HOUR\n^coordinator-0 +m5\.large +subnet-aaaa +aa-east-1a +\$0\.10\n.*`)
	c.Check(stdout, check.Matches, `(?ms).*^alerting-0 +t3\.medium .*`)
	// 4 x 0.096 + 2 x 0.0416
	c.Check(stdout, check.Matches, `(?s).*Estimated cost: \$0\.47/hour, about \$341\.06/month\n`)
	c.Check(s.is.Creates(), check.Equals, 0)
	c.Check(s.load(c).Nodes, check.HasLen, 0)
}

func (s *FleetCmdSuite) TestCreatePreflightFailure(c *check.C) {
	s.dbErr = errors.New("access denied")
	code, _, stderr := s.run(c, "", "create")
	c.Check(code, check.Equals, 1)
	c.Check(stderr, check.Matches, `(?s).*preflight check failed, nothing was created: .*access denied.*`)
	c.Check(s.is.Creates(), check.Equals, 0)

	code, _, _ = s.run(c, "", "create", "-skip-preflight")
	c.Check(code, check.Equals, 0)
	c.Check(s.is.Creates(), check.Equals, 6)
}

func (s *FleetCmdSuite) TestCreateRollback(c *check.C) {
	s.is.CreateError = func(tags cloud.InstanceTags) error {
		if tags[fleet.TagRole] == string(fleet.RoleAlerting) {
			return errors.New("InsufficientInstanceCapacity")
		}
		return nil
	}
	code, _, stderr := s.run(c, "", "create")
	c.Check(code, check.Equals, 1)
	c.Check(stderr, check.Matches, `(?s).*InsufficientInstanceCapacity.*`)
	c.Check(s.is.Live(fleet.OwnershipTags("testproj")), check.HasLen, 0)
	c.Check(s.load(c).Nodes, check.HasLen, 0)
}

func (s *FleetCmdSuite) TestStatus(c *check.C) {
	code, stdout, _ := s.run(c, "", "status")
	c.Check(code, check.Equals, 0)
	c.Check(stdout, check.Matches, `(?s)Project: testproj\n.*No nodes recorded\.\n.*`)

	s.create(c)
	stray := s.is.Add(fleet.OwnershipTags("testproj"), cloud.StateRunning, fleettest.Placements[0])
	code, stdout, _ = s.run(c, "", "status", "-detailed")
	c.Check(code, check.Equals, 0)
	c.Check(stdout, check.Matches, `(?ms).*^worker-1 +10\.0\.\S+ +i-\S+ +m5\.large +aa-east-1[ab] +running +(now|.* ago) +running$.*`)
	c.Check(stdout, check.Matches, `(?s).*warning: instance `+string(stray)+` carries this project's tags.*`)
	c.Check(stdout, check.Matches, `(?s).*Estimated cost: \$0\.47/hour.*`)

	code, stdout, _ = s.run(c, "", "status", "-format", "json")
	c.Check(code, check.Equals, 0)
	c.Check(stdout, check.Matches, `(?s)\{\n  "Project": "testproj",.*`)

	code, _, _ = s.run(c, "", "status", "-format", "xml")
	c.Check(code, check.Equals, 2)
}

func (s *FleetCmdSuite) TestValidate(c *check.C) {
	code, stdout, _ := s.run(c, "", "validate", "-offline")
	c.Check(code, check.Equals, 0)
	c.Check(stdout, check.Equals, "configuration is valid\n")

	code, stdout, _ = s.run(c, "", "validate")
	c.Check(code, check.Equals, 0)
	c.Check(stdout, check.Matches, `(?s)ok     validate configuration\nok     connect database mysql://db\.example:3306/dolphinscheduler\n.*4 actions, .*`)

	s.dbErr = errors.New("access denied")
	code, stdout, _ = s.run(c, "", "validate")
	c.Check(code, check.Equals, 1)
	c.Check(stdout, check.Matches, `(?s).*FAILED connect database mysql://db\.example:3306/dolphinscheduler: access denied\n.*`)

	cfg := s.load(c)
	cfg.Roles[fleet.RoleCoordinator] = fleet.RoleSpec{Count: 0, InstanceType: "m5.large", RootVolumeSize: 50}
	c.Assert(config.Save(s.path, cfg), check.IsNil)
	code, _, stderr := s.run(c, "", "validate", "-offline")
	c.Check(code, check.Equals, 1)
	c.Check(stderr, check.Matches, `(?s).*coordinator.*`)
}

func (s *FleetCmdSuite) TestScale(c *check.C) {
	s.create(c)
	code, stdout, _ := s.run(c, "", "scale", "-role", "worker", "-count", "3")
	c.Check(code, check.Equals, 0)
	c.Check(stdout, check.Matches, `(?s)added   worker-2 10\.0\.\S+ i-\S+\n.*`)
	cfg := s.load(c)
	c.Check(cfg.Nodes, check.HasLen, 7)
	c.Check(cfg.Roles[fleet.RoleWorker].Count, check.Equals, 3)

	// Scale-in needs confirmation.
	code, _, stderr := s.run(c, "no\n", "scale", "-role", "worker", "-count", "2")
	c.Check(code, check.Equals, 1)
	c.Check(stderr, check.Equals, "not confirmed, nothing changed\n")
	c.Check(s.load(c).Nodes, check.HasLen, 7)

	code, stdout, _ = s.run(c, "yes\n", "scale", "-role", "worker", "-count", "2")
	c.Check(code, check.Equals, 0)
	c.Check(stdout, check.Matches, `(?s)This stops and terminates \[worker-2\]\.\nType "yes" to continue: removed worker-2 .*`)
	cfg = s.load(c)
	c.Check(cfg.Nodes, check.HasLen, 6)
	c.Check(cfg.Roles[fleet.RoleWorker].Count, check.Equals, 2)
	c.Check(s.is.Terminated(), check.HasLen, 1)
}

func (s *FleetCmdSuite) TestScaleAPIWithRollout(c *check.C) {
	s.create(c)
	code, stdout, _ := s.run(c, "", "scale", "-role", "api", "-count", "2")
	c.Check(code, check.Equals, 0)
	c.Check(stdout, check.Matches, `(?s)added   api-1 .*Run "rollout -role api" to reconfigure and start the role\.\n`)

	code, stdout, _ = s.run(c, "", "rollout", "-role", "api")
	c.Check(code, check.Equals, 0)
	c.Check(stdout, check.Matches, `(?s).*ok .*api-0\n.*ok .*api-1\n.*`)
}

func (s *FleetCmdSuite) TestScaleUsage(c *check.C) {
	code, _, stderr := s.run(c, "", "scale", "-role", "bogus", "-count", "3")
	c.Check(code, check.Equals, 2)
	c.Check(stderr, check.Matches, `(?s).*bogus.*\(try -help\)\n`)

	code, _, stderr = s.run(c, "", "scale", "-role", "worker")
	c.Check(code, check.Equals, 2)
	c.Check(stderr, check.Equals, "-count is required (try -help)\n")

	// Scaling a cluster that was never created is refused.
	code, _, stderr = s.run(c, "", "scale", "-role", "worker", "-count", "3")
	c.Check(code, check.Equals, 1)
	c.Check(stderr, check.Matches, `(?s).*create the cluster first.*`)
}

func (s *FleetCmdSuite) TestDelete(c *check.C) {
	s.create(c)
	code, stdout, stderr := s.run(c, "wrong\n", "delete")
	c.Check(code, check.Equals, 1)
	c.Check(stdout, check.Matches, `(?s)This terminates 6 recorded nodes .*Type "testproj" to continue: `)
	c.Check(stderr, check.Equals, "not confirmed, nothing deleted\n")
	c.Check(s.is.Terminated(), check.HasLen, 0)

	code, _, _ = s.run(c, "testproj\n", "delete")
	c.Check(code, check.Equals, 0)
	c.Check(s.is.Terminated(), check.HasLen, 6)
	c.Check(s.load(c).Nodes, check.HasLen, 0)
}

func (s *FleetCmdSuite) TestCleanup(c *check.C) {
	var stdout, stderr bytes.Buffer
	code := Commands(s.env).RunCommand("dsfleet", []string{"cleanup"}, strings.NewReader(""), &stdout, &stderr)
	c.Check(code, check.Equals, 2)
	c.Check(stderr.String(), check.Equals, "-region is required (try -help)\n")

	code, out, _ := s.run(c, "", "cleanup", "-region", "aa-west-2")
	c.Check(code, check.Equals, 0)
	c.Check(out, check.Equals, "nothing to clean up\n")
	c.Check(s.regions, check.DeepEquals, []string{"aa-west-2"})

	s.is.Add(fleet.OwnershipTags("oldproj"), cloud.StateRunning, fleettest.Placements[0])
	s.is.Add(fleet.OwnershipTags("otherproj"), cloud.StateStopped, fleettest.Placements[1])
	s.is.Add(map[string]string{"Name": "unmanaged"}, cloud.StateRunning, fleettest.Placements[0])

	code, out, _ = s.run(c, "no\n", "cleanup", "-region", "aa-west-2")
	c.Check(code, check.Equals, 1)
	c.Check(out, check.Matches, `(?s)Found 0 load balancers, 0 target groups and 2 instances tagged ManagedBy=dsfleet for every project in aa-west-2\.\n.*`)
	c.Check(s.is.Terminated(), check.HasLen, 0)

	code, out, _ = s.run(c, "", "cleanup", "-region", "aa-west-2", "-project", "oldproj", "-force")
	c.Check(code, check.Equals, 0)
	c.Check(out, check.Matches, `(?s)Found .* 1 instances tagged ManagedBy=dsfleet for project oldproj .*`)
	c.Check(s.is.Terminated(), check.HasLen, 1)
}

func (s *FleetCmdSuite) TestMetricsFile(c *check.C) {
	metrics := filepath.Join(s.dir, "dsfleet.prom")
	code, _, _ := s.run(c, "", "create", "-metrics-file", metrics)
	c.Assert(code, check.Equals, 0)
	buf, err := os.ReadFile(metrics)
	c.Assert(err, check.IsNil)
	c.Check(string(buf), check.Matches, `(?ms).*^dsfleet_orchestrator_phase_duration_seconds_count\{.*`)
}

func (s *FleetCmdSuite) TestUsageErrors(c *check.C) {
	code, _, stderr := s.run(c, "", "status", "-log-level", "loud")
	c.Check(code, check.Equals, 2)
	c.Check(stderr, check.Equals, "invalid -log-level \"loud\" (try -help)\n")

	code, _, stderr = s.run(c, "", "status", "-log-format", "xml")
	c.Check(code, check.Equals, 2)
	c.Check(stderr, check.Equals, "invalid -log-format \"xml\" (try -help)\n")

	code, _, _ = s.run(c, "", "create", "extra-arg")
	c.Check(code, check.Equals, 2)

	code, _, stderr = s.run(c, "", "status", "-config", filepath.Join(s.dir, "missing.yml"))
	c.Check(code, check.Equals, 1)
	c.Check(stderr, check.Matches, `(?s).*missing\.yml.*`)
}
