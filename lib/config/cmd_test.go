// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"

	"github.com/ghodss/yaml"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&CommandSuite{})

type CommandSuite struct {
	path string
}

func (s *CommandSuite) SetUpTest(c *check.C) {
	s.path = filepath.Join(c.MkDir(), "dsfleet.yml")
	c.Assert(os.WriteFile(s.path, []byte(minimalYAML), 0600), check.IsNil)
}

func (s *CommandSuite) TestDump(c *check.C) {
	var stdout, stderr bytes.Buffer
	code := DumpCommand.RunCommand("dsfleet config-dump", []string{"-config", s.path}, nil, &stdout, &stderr)
	c.Check(code, check.Equals, 0)
	c.Check(stderr.String(), check.Equals, "")
	var got map[string]interface{}
	c.Assert(yaml.Unmarshal(stdout.Bytes(), &got), check.IsNil)
	c.Check(got["Project"], check.Equals, "etl-prod")
	c.Check(got["Deployment"].(map[string]interface{})["Parallelism"], check.Equals, float64(10))
}

func (s *CommandSuite) TestDumpWarnsUnknownKeys(c *check.C) {
	c.Assert(os.WriteFile(s.path, []byte(minimalYAML+"Colud: {}\n"), 0600), check.IsNil)
	var stdout, stderr bytes.Buffer
	code := DumpCommand.RunCommand("dsfleet config-dump", []string{"-config", s.path}, nil, &stdout, &stderr)
	c.Check(code, check.Equals, 0)
	c.Check(stderr.String(), check.Equals, "unknown configuration key Colud\n")
}

func (s *CommandSuite) TestDumpDefaults(c *check.C) {
	var stdout, stderr bytes.Buffer
	code := DumpDefaultsCommand.RunCommand("dsfleet config-defaults", nil, nil, &stdout, &stderr)
	c.Check(code, check.Equals, 0)
	c.Check(stdout.Bytes(), check.DeepEquals, DefaultYAML)
}

func (s *CommandSuite) TestHistoryRollbackDiff(c *check.C) {
	var stdout, stderr bytes.Buffer
	code := HistoryCommand.RunCommand("dsfleet config-history", []string{"-config", s.path}, nil, &stdout, &stderr)
	c.Check(code, check.Equals, 0)
	c.Check(stdout.String(), check.Equals, "")
	c.Check(stderr.String(), check.Matches, `no saved versions of .*dsfleet.yml\n`)

	store := &Store{Path: s.path}
	v, err := store.Backup()
	c.Assert(err, check.IsNil)
	c.Assert(os.WriteFile(s.path, []byte(minimalYAML+"Services:\n  api:\n    JVMHeap: 3g\n"), 0600), check.IsNil)

	stdout.Reset()
	stderr.Reset()
	code = HistoryCommand.RunCommand("dsfleet config-history", []string{"-config", s.path}, nil, &stdout, &stderr)
	c.Check(code, check.Equals, 0)
	c.Check(stdout.String(), check.Matches, `(?ms)VERSION +SAVED +SIZE\n`+v.Name+` +(now|.* ago) +.*B\n`)

	stdout.Reset()
	stderr.Reset()
	code = DiffCommand.RunCommand("dsfleet config-diff", []string{"-config", s.path, "-against", v.Name}, nil, &stdout, &stderr)
	c.Check(code, check.Equals, 0)
	c.Check(stderr.String(), check.Equals, "")
	c.Check(stdout.String(), check.Equals, `[service] Services[api].JVMHeap: "2g" -> "3g"`+"\n"+
		"service configuration changed: run a rollout of the affected roles to apply it\n")

	stdout.Reset()
	stderr.Reset()
	code = RollbackCommand.RunCommand("dsfleet config-rollback", []string{"-config", s.path, "-version", v.Name}, nil, &stdout, &stderr)
	c.Check(code, check.Equals, 0)
	c.Check(stdout.String(), check.Matches, `(?ms)previous configuration saved as version \d{8}_\d{6}\.\d{6}\nrestored version `+v.Name+` to .*`)
	buf, err := os.ReadFile(s.path)
	c.Assert(err, check.IsNil)
	c.Check(string(buf), check.Equals, minimalYAML)

	// Diff against the most recent backup, which is the file that
	// was just replaced.
	stdout.Reset()
	stderr.Reset()
	code = DiffCommand.RunCommand("dsfleet config-diff", []string{"-config", s.path}, nil, &stdout, &stderr)
	c.Check(code, check.Equals, 0)
	c.Check(strings.HasPrefix(stdout.String(), `[service] Services[api].JVMHeap: "3g" -> "2g"`), check.Equals, true)
}

func (s *CommandSuite) TestUsageErrors(c *check.C) {
	var stdout, stderr bytes.Buffer
	code := RollbackCommand.RunCommand("dsfleet config-rollback", []string{"-config", s.path}, nil, &stdout, &stderr)
	c.Check(code, check.Equals, 2)
	c.Check(stderr.String(), check.Equals, "-version is required (try -help)\n")

	stderr.Reset()
	code = DiffCommand.RunCommand("dsfleet config-diff", []string{"-config", s.path, "-against", "nope"}, nil, &stdout, &stderr)
	c.Check(code, check.Equals, 1)
	c.Check(stderr.String(), check.Matches, `no such configuration version: "nope"\n`)

	stderr.Reset()
	code = HistoryCommand.RunCommand("dsfleet config-history", []string{"extra"}, nil, &stdout, &stderr)
	c.Check(code, check.Equals, 2)
}
