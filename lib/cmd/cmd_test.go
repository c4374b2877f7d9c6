// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"bytes"
	"flag"
	"fmt"
	"io"
	"strings"
	"testing"

	check "gopkg.in/check.v1"
)

// Gocheck boilerplate
func Test(t *testing.T) {
	check.TestingT(t)
}

var _ = check.Suite(&CmdSuite{})

type CmdSuite struct{}

var testCmd = Multi(map[string]Handler{
	"echo": HandlerFunc(func(prog string, args []string, stdin io.Reader, stdout io.Writer, stderr io.Writer) int {
		fmt.Fprintln(stdout, strings.Join(args, " "))
		return 0
	}),
	"version":   Version,
	"--version": Version,
})

func (s *CmdSuite) TestHello(c *check.C) {
	stdout := bytes.NewBuffer(nil)
	stderr := bytes.NewBuffer(nil)
	exited := testCmd.RunCommand("prog", []string{"echo", "hello", "world"}, bytes.NewReader(nil), stdout, stderr)
	c.Check(exited, check.Equals, 0)
	c.Check(stdout.String(), check.Equals, "hello world\n")
	c.Check(stderr.String(), check.Equals, "")
}

func (s *CmdSuite) TestUsage(c *check.C) {
	stdout := bytes.NewBuffer(nil)
	stderr := bytes.NewBuffer(nil)
	exited := testCmd.RunCommand("prog", []string{"nosuchcommand", "hi"}, bytes.NewReader(nil), stdout, stderr)
	c.Check(exited, check.Equals, 2)
	c.Check(stdout.String(), check.Equals, "")
	c.Check(stderr.String(), check.Matches, `(?ms)^prog: unrecognized command "nosuchcommand"\n.*echo\n.*`)
	c.Check(stderr.String(), check.Not(check.Matches), `(?ms).*--version.*`)
}

func (s *CmdSuite) TestVersion(c *check.C) {
	stdout := bytes.NewBuffer(nil)
	stderr := bytes.NewBuffer(nil)
	exited := testCmd.RunCommand("/usr/bin/prog", []string{"--version"}, bytes.NewReader(nil), stdout, stderr)
	c.Check(exited, check.Equals, 0)
	c.Check(stdout.String(), check.Matches, `prog dev \(go.*\)\n`)
	c.Check(stderr.String(), check.Equals, "")
}

func (s *CmdSuite) TestWithLateSubcommand(c *check.C) {
	stdout := bytes.NewBuffer(nil)
	stderr := bytes.NewBuffer(nil)
	run := WithLateSubcommand(testCmd, []string{"format", "f"}, []string{"n"})
	exited := run.RunCommand("prog", []string{"--format=yaml", "-n", "-format", "beep", "echo", "hi"}, bytes.NewReader(nil), stdout, stderr)
	c.Check(exited, check.Equals, 0)
	c.Check(stdout.String(), check.Equals, "--format=yaml -n -format beep hi\n")
	c.Check(stderr.String(), check.Equals, "")
}

func (s *CmdSuite) TestParseFlags(c *check.C) {
	for _, trial := range []struct {
		args       []string
		positional string
		ok         bool
		code       int
		stderr     string
	}{
		{[]string{"-count", "3"}, "", true, 0, ``},
		{[]string{"-help"}, "", false, 0, `(?ms)Usage: prog \[options\] \n.*-count.*`},
		{[]string{"-bogus"}, "", false, 2, `error parsing command line arguments: .*bogus.*\n`},
		{[]string{"extra"}, "", false, 2, `unrecognized command line arguments: \[extra\] \(try -help\)\n`},
		{[]string{"extra"}, "name", true, 0, ``},
	} {
		c.Logf("trial %+v", trial)
		stderr := bytes.NewBuffer(nil)
		fs := flag.NewFlagSet("", flag.ContinueOnError)
		fs.Int("count", 1, "number of things")
		fs.Usage = nil
		ok, code := ParseFlags(fs, "prog", trial.args, trial.positional, stderr)
		c.Check(ok, check.Equals, trial.ok)
		c.Check(code, check.Equals, trial.code)
		c.Check(stderr.String(), check.Matches, trial.stderr)
	}
}
