// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package fleettest

import (
	"context"
	"errors"
	"io"
	"regexp"
	"strings"
	"sync"

	"git.arvados.org/dsfleet.git/lib/cloud"
)

// A Command is one command run through a StubDialer.
type Command struct {
	Host  string
	Cmd   string
	Stdin string
}

// StubDialer is a cloud.Dialer whose executors record commands
// instead of running them.
//
// Unless Output says otherwise, commands succeed with plausible
// output: an Amazon Linux os-release, a public key, and a running
// service status.
type StubDialer struct {
	// If non-nil and returns an error, Dial fails for host.
	DialError func(host string) error

	// If non-nil and returns an error, the command fails with
	// that error and "stub failure" on stderr.
	Fail func(host, cmd string) error

	// If non-nil and ok is true, stdout is used as the command's
	// output.
	Output func(host, cmd string) (stdout string, ok bool)

	// If non-nil, called (without locks held) while each command
	// is "running". Tests can use it to block or observe
	// concurrency.
	Hook func(ctx context.Context, host, cmd string)

	mtx      sync.Mutex
	commands []Command
	dials    map[string]int
}

var (
	statusCmdRe = regexp.MustCompile(`dolphinscheduler-daemon\.sh status (\S+)`)
	pubkeyCmdRe = regexp.MustCompile(`id_rsa\.pub`)
)

func (sd *StubDialer) Dial(ctx context.Context, host string) (cloud.Executor, error) {
	sd.mtx.Lock()
	if sd.dials == nil {
		sd.dials = map[string]int{}
	}
	sd.dials[host]++
	sd.mtx.Unlock()
	if sd.DialError != nil {
		if err := sd.DialError(host); err != nil {
			return nil, err
		}
	}
	return &StubExecutor{dialer: sd, host: host}, nil
}

// Commands returns all commands run so far, in order.
func (sd *StubDialer) Commands() []Command {
	sd.mtx.Lock()
	defer sd.mtx.Unlock()
	return append([]Command(nil), sd.commands...)
}

// CommandsMatching returns the commands whose text matches the given
// regular expression.
func (sd *StubDialer) CommandsMatching(re string) []Command {
	rx := regexp.MustCompile(re)
	var match []Command
	for _, cmd := range sd.Commands() {
		if rx.MatchString(cmd.Cmd) {
			match = append(match, cmd)
		}
	}
	return match
}

// Hosts returns the number of commands matching re that ran on
// each host.
func (sd *StubDialer) Hosts(re string) map[string]int {
	hosts := map[string]int{}
	for _, cmd := range sd.CommandsMatching(re) {
		hosts[cmd.Host]++
	}
	return hosts
}

// Dials returns the number of times Dial was called for host.
func (sd *StubDialer) Dials(host string) int {
	sd.mtx.Lock()
	defer sd.mtx.Unlock()
	return sd.dials[host]
}

// StubExecutor is the cloud.Executor returned by StubDialer.
type StubExecutor struct {
	dialer *StubDialer
	host   string
	closed bool
}

func (se *StubExecutor) Execute(ctx context.Context, env map[string]string, cmd string, stdin io.Reader) ([]byte, []byte, error) {
	if se.closed {
		return nil, nil, errors.New("closed")
	}
	var in string
	if stdin != nil {
		buf, err := io.ReadAll(stdin)
		if err != nil {
			return nil, nil, err
		}
		in = string(buf)
	}
	sd := se.dialer
	sd.mtx.Lock()
	sd.commands = append(sd.commands, Command{Host: se.host, Cmd: cmd, Stdin: in})
	sd.mtx.Unlock()
	if sd.Hook != nil {
		sd.Hook(ctx, se.host, cmd)
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	if sd.Fail != nil {
		if err := sd.Fail(se.host, cmd); err != nil {
			return nil, []byte("stub failure\n"), err
		}
	}
	if sd.Output != nil {
		if out, ok := sd.Output(se.host, cmd); ok {
			return []byte(out), nil, nil
		}
	}
	return []byte(defaultOutput(cmd)), nil, nil
}

func (se *StubExecutor) Close() {
	se.closed = true
}

func defaultOutput(cmd string) string {
	switch {
	case strings.Contains(cmd, "/etc/os-release"):
		return "NAME=\"Amazon Linux\"\nID=\"amzn\"\nVERSION_ID=\"2023\"\n"
	case pubkeyCmdRe.MatchString(cmd):
		return "ssh-rsa AAAAB3NzaC1yc2EAAAADAQABAAABAQstub dolphinscheduler@coordinator-0\n"
	case statusCmdRe.MatchString(cmd):
		return statusCmdRe.FindStringSubmatch(cmd)[1] + "  [  RUNNING  ]\n"
	}
	return ""
}

// StubChecker is a readiness checker that reports every host ready
// except the ones Down says are not. It records every probe.
type StubChecker struct {
	Down func(host string, port int) bool

	mtx    sync.Mutex
	probes []string
}

func (sc *StubChecker) SSHReady(ctx context.Context, host string, port int) bool {
	return sc.check(host, port)
}

func (sc *StubChecker) PortReady(ctx context.Context, host string, port int) bool {
	return sc.check(host, port)
}

func (sc *StubChecker) check(host string, port int) bool {
	sc.mtx.Lock()
	sc.probes = append(sc.probes, host)
	sc.mtx.Unlock()
	return sc.Down == nil || !sc.Down(host, port)
}

// Probes returns the hosts probed so far, in order.
func (sc *StubChecker) Probes() []string {
	sc.mtx.Lock()
	defer sc.mtx.Unlock()
	return append([]string(nil), sc.probes...)
}
