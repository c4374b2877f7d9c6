// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package config

import (
	"flag"
	"fmt"
	"io"
	"text/tabwriter"

	"git.arvados.org/dsfleet.git/lib/cmd"
	"github.com/dustin/go-humanize"
	"github.com/ghodss/yaml"
)

// DefaultConfigFile is used when no -config flag is given.
const DefaultConfigFile = "dsfleet.yml"

var DumpCommand dumpCommand

type dumpCommand struct{}

func (dumpCommand) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()

	flags := flag.NewFlagSet("", flag.ContinueOnError)
	configFile := flags.String("config", DefaultConfigFile, "cluster configuration `file`")
	if ok, code := cmd.ParseFlags(flags, prog, args, "", stderr); !ok {
		return code
	}
	cfg, err := LoadFile(*configFile, &plainLogger{w: stderr})
	if err != nil {
		return 1
	}
	out, err := yaml.Marshal(cfg)
	if err != nil {
		return 1
	}
	_, err = stdout.Write(out)
	if err != nil {
		return 1
	}
	return 0
}

type plainLogger struct {
	w    io.Writer
	used bool
}

func (pl *plainLogger) Warnf(format string, args ...interface{}) {
	pl.used = true
	fmt.Fprintf(pl.w, format+"\n", args...)
}

var DumpDefaultsCommand defaultsCommand

type defaultsCommand struct{}

func (defaultsCommand) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	_, err := stdout.Write(DefaultYAML)
	if err != nil {
		fmt.Fprintf(stderr, "%s\n", err)
		return 1
	}
	return 0
}

// HistoryCommand lists the saved versions of the configuration file.
var HistoryCommand historyCommand

type historyCommand struct{}

func (historyCommand) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	configFile := flags.String("config", DefaultConfigFile, "cluster configuration `file`")
	if ok, code := cmd.ParseFlags(flags, prog, args, "", stderr); !ok {
		return code
	}
	store := &Store{Path: *configFile}
	vs, err := store.Versions()
	if err != nil {
		fmt.Fprintf(stderr, "%s\n", err)
		return 1
	}
	if len(vs) == 0 {
		fmt.Fprintf(stderr, "no saved versions of %s\n", *configFile)
		return 0
	}
	tw := tabwriter.NewWriter(stdout, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "VERSION\tSAVED\tSIZE")
	for _, v := range vs {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", v.Name, humanize.Time(v.Time), humanize.IBytes(uint64(v.Size)))
	}
	tw.Flush()
	return 0
}

// RollbackCommand restores a saved version of the configuration
// file, after saving the current one.
var RollbackCommand rollbackCommand

type rollbackCommand struct{}

func (rollbackCommand) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	configFile := flags.String("config", DefaultConfigFile, "cluster configuration `file`")
	version := flags.String("version", "", "version to restore (see config-history)")
	if ok, code := cmd.ParseFlags(flags, prog, args, "", stderr); !ok {
		return code
	} else if *version == "" {
		fmt.Fprintf(stderr, "-version is required (try -help)\n")
		return 2
	}
	store := &Store{Path: *configFile}
	saved, err := store.Rollback(*version)
	if err != nil {
		fmt.Fprintf(stderr, "%s\n", err)
		return 1
	}
	if saved != nil {
		fmt.Fprintf(stdout, "previous configuration saved as version %s\n", saved.Name)
	}
	fmt.Fprintf(stdout, "restored version %s to %s\n", *version, *configFile)
	return 0
}

// DiffCommand compares a saved version with the current
// configuration file.
var DiffCommand diffCommand

type diffCommand struct{}

func (diffCommand) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	configFile := flags.String("config", DefaultConfigFile, "cluster configuration `file`")
	against := flags.String("against", "", "saved version to compare with (default: most recent)")
	if ok, code := cmd.ParseFlags(flags, prog, args, "", stderr); !ok {
		return code
	}
	store := &Store{Path: *configFile}
	var v *Version
	var err error
	if *against == "" {
		var vs []Version
		vs, err = store.Versions()
		if err == nil && len(vs) == 0 {
			err = fmt.Errorf("no saved versions of %s", *configFile)
		} else if err == nil {
			v = &vs[0]
		}
	} else {
		v, err = store.Find(*against)
	}
	if err != nil {
		fmt.Fprintf(stderr, "%s\n", err)
		return 1
	}
	old, err := LoadFile(v.Path, nil)
	if err != nil {
		fmt.Fprintf(stderr, "%s\n", err)
		return 1
	}
	cur, err := LoadFile(*configFile, nil)
	if err != nil {
		fmt.Fprintf(stderr, "%s\n", err)
		return 1
	}
	changes := Diff(old, cur)
	if len(changes) == 0 {
		fmt.Fprintf(stdout, "no changes since version %s\n", v.Name)
		return 0
	}
	for _, ch := range changes {
		fmt.Fprintf(stdout, "[%s] %s\n", ch.Kind, ch)
	}
	if RestartRequired(changes) {
		fmt.Fprintln(stdout, "service configuration changed: run a rollout of the affected roles to apply it")
	}
	return 0
}
