// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package remote runs the per-host setup, deployment, and service
// control commands over SSH.
package remote

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"git.arvados.org/dsfleet.git/lib/cloud"
	"git.arvados.org/dsfleet.git/lib/sshexecutor"
	"git.arvados.org/dsfleet.git/sdk/go/ctxlog"
	"git.arvados.org/dsfleet.git/sdk/go/fleet"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
)

// Run runs cmd on exr with the given timeout, and returns its
// stdout. A failure is returned as a *fleet.RemoteExecutionError.
//
// The timeout applies even if ctx has no deadline. Cancelling ctx
// does not interrupt a command that has already started: once
// issued, a command is allowed to finish or time out so the host is
// not left half-configured.
func Run(ctx context.Context, exr cloud.Executor, host, cmd string, stdin io.Reader, timeout time.Duration) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", &fleet.RemoteExecutionError{Host: host, Command: cmd, Err: err}
	}
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	cmdctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	t0 := time.Now()
	stdout, stderr, err := exr.Execute(cmdctx, nil, cmd, stdin)
	logger := ctxlog.FromContext(ctx).WithFields(logrus.Fields{
		"Host":     host,
		"Command":  abbreviate(cmd),
		"Duration": time.Since(t0).Seconds(),
	})
	if err != nil {
		if cmdctx.Err() == context.DeadlineExceeded {
			err = fmt.Errorf("timed out after %v: %w", timeout, err)
		}
		logger.WithError(err).Debug("remote command failed")
		return string(stdout), &fleet.RemoteExecutionError{Host: host, Command: cmd, Stderr: string(stderr), Err: err}
	}
	logger.Debug("remote command succeeded")
	return string(stdout), nil
}

func abbreviate(cmd string) string {
	if len(cmd) > 200 {
		return cmd[:200] + "..."
	}
	return cmd
}

// shellQuote returns s as a single-quoted shell word.
func shellQuote(s string) string {
	return "'" + strings.Replace(s, "'", `'\''`, -1) + "'"
}

// SSHDialer is a cloud.Dialer that connects with SSH public key
// authentication, retrying the connection a bounded number of times.
type SSHDialer struct {
	User           string
	Port           int
	Signers        []ssh.Signer
	ConnectTimeout time.Duration
	Attempts       int
	Interval       time.Duration
}

// NewSSHDialer returns an SSHDialer using the private key in
// cfg.KeyFile.
func NewSSHDialer(cfg fleet.SSHConfig) (*SSHDialer, error) {
	buf, err := os.ReadFile(cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("reading SSH key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(buf)
	if err != nil {
		return nil, fmt.Errorf("parsing SSH key %s: %w", cfg.KeyFile, err)
	}
	return &SSHDialer{
		User:           cfg.User,
		Port:           cfg.Port,
		Signers:        []ssh.Signer{signer},
		ConnectTimeout: cfg.ConnectTimeout.Duration(),
		Attempts:       cfg.ConnectAttempts,
		Interval:       cfg.ConnectInterval.Duration(),
	}, nil
}

// Dial returns an Executor for host after confirming a session can
// be opened. Connection failures are retried; the returned error
// describes the last one.
func (d *SSHDialer) Dial(ctx context.Context, host string) (cloud.Executor, error) {
	attempts := d.Attempts
	if attempts < 1 {
		attempts = 1
	}
	logger := ctxlog.FromContext(ctx).WithField("Host", host)
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return nil, &fleet.RemoteExecutionError{Host: host, Command: "connect", Err: ctx.Err()}
			case <-time.After(d.Interval):
			}
		}
		exr := sshexecutor.New(target{addr: host, user: d.User})
		exr.SetSigners(d.Signers...)
		if d.Port > 0 {
			exr.SetTargetPort(strconv.Itoa(d.Port))
		}
		exr.SetConnectTimeout(d.ConnectTimeout)
		_, _, err := exr.Execute(ctx, nil, "true", nil)
		if err == nil {
			return exr, nil
		}
		exr.Close()
		lastErr = err
		logger.WithError(err).WithField("Attempt", attempt).Info("SSH connection failed")
	}
	return nil, &fleet.RemoteExecutionError{Host: host, Command: "connect", Err: fmt.Errorf("%d attempts failed: %w", attempts, lastErr)}
}

// target is a cloud.ExecutorTarget for a host whose key is not known
// in advance. The first key presented is accepted.
type target struct {
	addr string
	user string
}

func (t target) Address() string    { return t.addr }
func (t target) RemoteUser() string { return t.user }

func (t target) VerifyHostKey(ssh.PublicKey, *ssh.Client) error {
	return nil
}
