// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package probe

import (
	"context"
	"errors"
	"io"
	"net"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"git.arvados.org/dsfleet.git/lib/cloud"
	"git.arvados.org/dsfleet.git/lib/fleettest"
	"git.arvados.org/dsfleet.git/sdk/go/ctxlog"
	"git.arvados.org/dsfleet.git/sdk/go/fleet"
	check "gopkg.in/check.v1"
)

// Gocheck boilerplate
func Test(t *testing.T) {
	check.TestingT(t)
}

var _ = check.Suite(&ProbeSuite{})

type ProbeSuite struct{}

// listen starts a TCP server that writes banner to each client, and
// returns its address and a count of accepted connections.
func listen(c *check.C, banner string) (string, *int64, func()) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	c.Assert(err, check.IsNil)
	var accepted int64
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			atomic.AddInt64(&accepted, 1)
			io.WriteString(conn, banner)
			conn.Close()
		}
	}()
	return ln.Addr().String(), &accepted, func() { ln.Close() }
}

// closedAddr returns an address nothing is listening on.
func closedAddr(c *check.C) string {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	c.Assert(err, check.IsNil)
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

func (s *ProbeSuite) TestWaitReady(c *check.C) {
	addr, _, stop := listen(c, "")
	defer stop()
	c.Check(WaitReady(context.Background(), addr, 3, time.Millisecond, time.Second), check.Equals, true)
}

func (s *ProbeSuite) TestWaitReadyGivesUp(c *check.C) {
	t0 := time.Now()
	ok := WaitReady(context.Background(), closedAddr(c), 3, 20*time.Millisecond, time.Second)
	c.Check(ok, check.Equals, false)
	// Two waits between three attempts.
	c.Check(time.Since(t0) >= 40*time.Millisecond, check.Equals, true)
}

func (s *ProbeSuite) TestWaitReadyCancelled(c *check.C) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	t0 := time.Now()
	c.Check(WaitReady(ctx, closedAddr(c), 100, time.Second, time.Second), check.Equals, false)
	c.Check(time.Since(t0) < time.Second, check.Equals, true)
}

func (s *ProbeSuite) TestWaitSSH(c *check.C) {
	addr, _, stop := listen(c, "SSH-2.0-OpenSSH_9.0\r\n")
	defer stop()
	c.Check(WaitSSH(context.Background(), addr, 2, time.Millisecond, time.Second), check.Equals, true)

	notssh, accepted, stop2 := listen(c, "HTTP/1.1 400 Bad Request\r\n")
	defer stop2()
	c.Check(WaitSSH(context.Background(), notssh, 2, time.Millisecond, time.Second), check.Equals, false)
	c.Check(atomic.LoadInt64(accepted), check.Equals, int64(2))
}

func (s *ProbeSuite) TestProber(c *check.C) {
	addr, _, stop := listen(c, "SSH-2.0-test\r\n")
	defer stop()
	host, port, _ := net.SplitHostPort(addr)
	portnum, _ := strconv.Atoi(port)
	p := NewProber(fleettest.Config().Timeouts)
	c.Check(p.Retries, check.Equals, 2)
	c.Check(p.ServiceRetries, check.Equals, 2)
	c.Check(p.SSHReady(context.Background(), host, portnum), check.Equals, true)
	c.Check(p.PortReady(context.Background(), host, portnum), check.Equals, true)
}

func (s *ProbeSuite) TestWaitAll(c *check.C) {
	nodes := []fleet.NodeRecord{
		{Role: fleet.RoleCoordinator, Index: 0, Address: "10.0.0.1"},
		{Role: fleet.RoleCoordinator, Index: 1, Address: "10.0.0.2"},
		{Role: fleet.RoleWorker, Index: 0, Address: "10.0.0.3"},
	}
	err := WaitAll(context.Background(), 2, nodes, func(ctx context.Context, host string) bool { return true })
	c.Check(err, check.IsNil)

	err = WaitAll(context.Background(), 1, nodes, func(ctx context.Context, host string) bool { return host != "10.0.0.2" })
	var nrerr *fleet.NotReadyError
	c.Assert(errors.As(err, &nrerr), check.Equals, true)
	c.Check(nrerr.Role, check.Equals, fleet.RoleCoordinator)
	c.Check(nrerr.Index, check.Equals, 1)
	c.Check(err, check.ErrorMatches, `coordinator-1 \(10.0.0.2\) not ready: .*`)
}

func (s *ProbeSuite) TestWaitTarget(c *check.C) {
	ctx := ctxlog.Context(context.Background(), ctxlog.TestLogger(c))
	lbs := &fleettest.StubLoadBalancerSet{HealthyAfter: 2, DrainAfter: 1}
	node := fleet.NodeRecord{Role: fleet.RoleAPI, Index: 0, Address: "10.0.0.9", InstanceID: "i-1"}
	c.Assert(lbs.RegisterTarget("tg", "i-1", 12345), check.IsNil)

	state, err := WaitTarget(ctx, lbs, "tg", node, 12345, Healthy, time.Second, time.Millisecond)
	c.Check(err, check.IsNil)
	c.Check(state, check.Equals, cloud.TargetHealthy)

	c.Assert(lbs.DeregisterTarget("tg", "i-1", 12345), check.IsNil)
	state, err = WaitTarget(ctx, lbs, "tg", node, 12345, Drained, time.Second, time.Millisecond)
	c.Check(err, check.IsNil)
	c.Check(state, check.Equals, cloud.TargetAbsent)
}

func (s *ProbeSuite) TestWaitTargetTimeout(c *check.C) {
	ctx := ctxlog.Context(context.Background(), ctxlog.TestLogger(c))
	lbs := &fleettest.StubLoadBalancerSet{NeverHealthy: map[cloud.InstanceID]bool{"i-2": true}}
	node := fleet.NodeRecord{Role: fleet.RoleAPI, Index: 1, Address: "10.0.0.10", InstanceID: "i-2"}
	c.Assert(lbs.RegisterTarget("tg", "i-2", 12345), check.IsNil)
	state, err := WaitTarget(ctx, lbs, "tg", node, 12345, Healthy, 20*time.Millisecond, time.Millisecond)
	c.Check(state, check.Equals, cloud.TargetInitial)
	c.Check(err, check.ErrorMatches, `api-1 \(10.0.0.10\) not ready: load balancer target state "initial" after 20ms`)
}

func (s *ProbeSuite) TestDrainedStates(c *check.C) {
	for state, drained := range map[cloud.TargetState]bool{
		cloud.TargetAbsent:    true,
		cloud.TargetUnused:    true,
		cloud.TargetDraining:  false,
		cloud.TargetHealthy:   false,
		cloud.TargetUnhealthy: false,
	} {
		c.Check(Drained(state), check.Equals, drained, check.Commentf("%q", state))
	}
}
