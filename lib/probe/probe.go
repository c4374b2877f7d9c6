// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package probe waits for hosts, ports, and load balancer targets
// to become ready.
package probe

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"git.arvados.org/dsfleet.git/lib/cloud"
	"git.arvados.org/dsfleet.git/lib/fanout"
	"git.arvados.org/dsfleet.git/sdk/go/ctxlog"
	"git.arvados.org/dsfleet.git/sdk/go/fleet"
)

// A Checker reports whether a host is ready, retrying within its own
// bounds.
type Checker interface {
	// SSHReady returns true once host:port presents an SSH
	// banner.
	SSHReady(ctx context.Context, host string, port int) bool
	// PortReady returns true once host:port accepts TCP
	// connections.
	PortReady(ctx context.Context, host string, port int) bool
}

// Prober is a Checker that makes real network connections. SSH
// checks use Retries and Interval; service port checks use
// ServiceRetries and ServiceInterval.
type Prober struct {
	Retries         int
	Interval        time.Duration
	ServiceRetries  int
	ServiceInterval time.Duration
	DialTimeout     time.Duration
}

// NewProber returns a Prober using the configured readiness bounds.
func NewProber(tc fleet.TimeoutConfig) *Prober {
	return &Prober{
		Retries:         tc.ReadyRetries,
		Interval:        tc.ReadyInterval.Duration(),
		ServiceRetries:  tc.ServiceRetries,
		ServiceInterval: tc.ServiceInterval.Duration(),
		DialTimeout:     tc.ProbeDial.Duration(),
	}
}

func (p *Prober) SSHReady(ctx context.Context, host string, port int) bool {
	return WaitSSH(ctx, net.JoinHostPort(host, strconv.Itoa(port)), p.Retries, p.Interval, p.DialTimeout)
}

func (p *Prober) PortReady(ctx context.Context, host string, port int) bool {
	return WaitReady(ctx, net.JoinHostPort(host, strconv.Itoa(port)), p.ServiceRetries, p.ServiceInterval, p.DialTimeout)
}

// WaitReady returns true as soon as a TCP connection to addr
// succeeds, or false after retries failed attempts spaced interval
// apart. No more than retries attempts are made.
func WaitReady(ctx context.Context, addr string, retries int, interval, dialTimeout time.Duration) bool {
	return retry(ctx, retries, interval, func() bool {
		conn, err := dial(ctx, addr, dialTimeout)
		if err != nil {
			return false
		}
		conn.Close()
		return true
	})
}

// WaitSSH is like WaitReady, but also requires the server to send
// an SSH protocol banner. An open port whose sshd is still starting
// up does not count.
func WaitSSH(ctx context.Context, addr string, retries int, interval, dialTimeout time.Duration) bool {
	return retry(ctx, retries, interval, func() bool {
		conn, err := dial(ctx, addr, dialTimeout)
		if err != nil {
			return false
		}
		defer conn.Close()
		conn.SetReadDeadline(time.Now().Add(dialTimeout))
		line, err := bufio.NewReader(conn).ReadString('\n')
		return err == nil && strings.HasPrefix(line, "SSH-")
	})
}

func dial(ctx context.Context, addr string, timeout time.Duration) (net.Conn, error) {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	d := net.Dialer{Timeout: timeout}
	return d.DialContext(ctx, "tcp", addr)
}

func retry(ctx context.Context, retries int, interval time.Duration, try func() bool) bool {
	if retries < 1 {
		retries = 1
	}
	for attempt := 0; attempt < retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return false
			case <-time.After(interval):
			}
		}
		if try() {
			return true
		}
	}
	return false
}

// WaitAll calls check for every node concurrently (at most limit at
// a time) and returns nil if all are ready. Otherwise it returns a
// *fleet.NotReadyError naming the first node (by role and index)
// that was not.
func WaitAll(ctx context.Context, limit int, nodes []fleet.NodeRecord, check func(ctx context.Context, host string) bool) error {
	errs, err := fanout.Each(ctx, limit, len(nodes), func(ctx context.Context, i int) error {
		n := nodes[i]
		if !check(ctx, n.Address) {
			return &fleet.NotReadyError{Role: n.Role, Index: n.Index, Host: n.Address, Err: errors.New("no response within retry limit")}
		}
		return nil
	})
	if perr := fanout.Collect(errs, func(i int) string { return nodes[i].Hostname() }); perr != nil {
		return perr.(*fleet.PartialFailure).First()
	}
	return err
}

// Drained reports whether a target is no longer receiving traffic.
func Drained(state cloud.TargetState) bool {
	return state == cloud.TargetUnused || state == cloud.TargetAbsent
}

// Healthy reports whether a target is passing health checks.
func Healthy(state cloud.TargetState) bool {
	return state == cloud.TargetHealthy
}

// WaitTarget polls the health of a load balancer target until done
// returns true for its state, or timeout elapses. It returns the last
// state seen along with a *fleet.NotReadyError on timeout.
func WaitTarget(ctx context.Context, lbs cloud.LoadBalancerSet, tg string, node fleet.NodeRecord, port int, done func(cloud.TargetState) bool, timeout, interval time.Duration) (cloud.TargetState, error) {
	logger := ctxlog.FromContext(ctx).WithField("InstanceID", node.InstanceID)
	deadline := time.Now().Add(timeout)
	var state cloud.TargetState
	for {
		var err error
		state, err = lbs.TargetHealth(tg, cloud.InstanceID(node.InstanceID), port)
		if err != nil {
			logger.WithError(err).Warn("error checking target health")
		} else if done(state) {
			return state, nil
		}
		if !time.Now().Before(deadline) {
			return state, &fleet.NotReadyError{Role: node.Role, Index: node.Index, Host: node.Address, Err: fmt.Errorf("load balancer target state %q after %v", state, timeout)}
		}
		select {
		case <-ctx.Done():
			return state, ctx.Err()
		case <-time.After(interval):
		}
	}
}
