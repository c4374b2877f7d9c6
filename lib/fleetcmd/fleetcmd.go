// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package fleetcmd implements the dsfleet subcommands.
package fleetcmd

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"syscall"

	"git.arvados.org/dsfleet.git/lib/cloud"
	"git.arvados.org/dsfleet.git/lib/cloud/ec2"
	"git.arvados.org/dsfleet.git/lib/cmd"
	"git.arvados.org/dsfleet.git/lib/config"
	"git.arvados.org/dsfleet.git/lib/orchestrator"
	"git.arvados.org/dsfleet.git/lib/preflight"
	"git.arvados.org/dsfleet.git/lib/probe"
	"git.arvados.org/dsfleet.git/lib/remote"
	"git.arvados.org/dsfleet.git/sdk/go/ctxlog"
	"git.arvados.org/dsfleet.git/sdk/go/fleet"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// Env supplies the cloud and remote access used by the commands.
type Env struct {
	NewInstanceSet     func(fleet.CloudConfig, logrus.FieldLogger, *prometheus.Registry) (cloud.InstanceSet, error)
	NewLoadBalancerSet func(fleet.CloudConfig, logrus.FieldLogger) (cloud.LoadBalancerSet, error)
	NewDialer          func(fleet.SSHConfig) (cloud.Dialer, error)
	NewChecker         func(fleet.TimeoutConfig) probe.Checker

	// Template for pre-creation checks. Network verification is
	// added when the instance set supports it.
	Preflight preflight.Preflight

	// Passed through to the orchestrator; nil means the defaults.
	Packages func(context.Context, *fleet.Config) (remote.PackageSource, error)
	Storage  func(*fleet.Config) (orchestrator.Purger, error)
}

// AWS is the Env for real clusters.
var AWS = &Env{
	NewInstanceSet:     ec2.NewInstanceSet,
	NewLoadBalancerSet: ec2.NewLoadBalancerSet,
	NewDialer: func(sc fleet.SSHConfig) (cloud.Dialer, error) {
		d, err := remote.NewSSHDialer(sc)
		if err != nil {
			return nil, err
		}
		return d, nil
	},
	NewChecker: func(tc fleet.TimeoutConfig) probe.Checker {
		return probe.NewProber(tc)
	},
}

// Commands returns the subcommands, using env for cloud access.
func Commands(env *Env) cmd.Multi {
	return cmd.Multi{
		"create":   &createCommand{env},
		"delete":   &deleteCommand{env},
		"scale":    &scaleCommand{env},
		"rollout":  &rolloutCommand{env},
		"cleanup":  &cleanupCommand{env},
		"status":   &statusCommand{env},
		"validate": &validateCommand{env},

		"config-history":  config.HistoryCommand,
		"config-rollback": config.RollbackCommand,
		"config-diff":     config.DiffCommand,
		"config-dump":     config.DumpCommand,
		"config-defaults": config.DumpDefaultsCommand,
	}
}

// common holds the flags and state shared by every subcommand.
type common struct {
	flags       *flag.FlagSet
	configFile  string
	logLevel    string
	logFormat   string
	metricsFile string

	logger   *logrus.Logger
	registry *prometheus.Registry
	stdin    *bufio.Reader
	stdout   io.Writer
	stderr   io.Writer
}

func newCommon(stdin io.Reader, stdout, stderr io.Writer) *common {
	c := &common{
		flags:  flag.NewFlagSet("", flag.ContinueOnError),
		stdin:  bufio.NewReader(stdin),
		stdout: stdout,
		stderr: stderr,
	}
	c.flags.StringVar(&c.configFile, "config", config.DefaultConfigFile, "cluster configuration `file`")
	c.flags.StringVar(&c.logLevel, "log-level", "info", "log `level` (debug, info, warn, error)")
	c.flags.StringVar(&c.logFormat, "log-format", "text", "log `format` (text or json)")
	c.flags.StringVar(&c.metricsFile, "metrics-file", "", "write metrics to `file` in node_exporter textfile format when finished")
	return c
}

// parse parses args and sets up logging. If ok is false, the caller
// should return code.
func (c *common) parse(prog string, args []string) (ok bool, code int) {
	if ok, code := cmd.ParseFlags(c.flags, prog, args, "", c.stderr); !ok {
		return false, code
	}
	if _, err := logrus.ParseLevel(c.logLevel); err != nil {
		fmt.Fprintf(c.stderr, "invalid -log-level %q (try -help)\n", c.logLevel)
		return false, 2
	}
	if c.logFormat != "text" && c.logFormat != "json" {
		fmt.Fprintf(c.stderr, "invalid -log-format %q (try -help)\n", c.logFormat)
		return false, 2
	}
	c.logger = ctxlog.New(c.stderr, c.logFormat, c.logLevel)
	c.registry = prometheus.NewRegistry()
	return true, 0
}

// context returns a context that carries the logger and is
// cancelled by SIGINT or SIGTERM.
func (c *common) context() (context.Context, context.CancelFunc) {
	ctx := ctxlog.Context(context.Background(), c.logger)
	return signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
}

func (c *common) loadConfig() (*fleet.Config, error) {
	return config.LoadFile(c.configFile, c.logger)
}

// saveConfig backs up the configuration file and writes cfg in its
// place.
func (c *common) saveConfig(cfg *fleet.Config) error {
	store := &config.Store{Path: c.configFile}
	v, err := store.Backup()
	if err != nil {
		return fmt.Errorf("backing up %s: %w", c.configFile, err)
	}
	if v != nil {
		c.logger.WithField("Version", v.Name).Debug("saved previous configuration")
	}
	return config.Save(c.configFile, cfg)
}

// writeMetrics writes the registry to -metrics-file, if given.
func (c *common) writeMetrics() {
	if c.metricsFile == "" || c.registry == nil {
		return
	}
	if err := prometheus.WriteToTextfile(c.metricsFile, c.registry); err != nil {
		c.logger.WithError(err).Warn("failed to write metrics file")
	}
}

// confirm asks the user to type expect, and returns true if they
// did.
func (c *common) confirm(prompt, expect string) bool {
	fmt.Fprintf(c.stdout, "%s\nType %q to continue: ", prompt, expect)
	line, err := c.stdin.ReadString('\n')
	if err != nil && line == "" {
		fmt.Fprintln(c.stdout)
		return false
	}
	return strings.TrimSpace(line) == expect
}

// orchestrator returns an Orchestrator for cfg's cloud.
func (env *Env) orchestrator(cfg *fleet.Config, c *common) (*orchestrator.Orchestrator, error) {
	is, err := env.NewInstanceSet(cfg.Cloud, c.logger, c.registry)
	if err != nil {
		return nil, fmt.Errorf("connecting to cloud: %w", err)
	}
	var lbs cloud.LoadBalancerSet
	if env.NewLoadBalancerSet != nil {
		lbs, err = env.NewLoadBalancerSet(cfg.Cloud, c.logger)
		if err != nil {
			return nil, fmt.Errorf("connecting to load balancer API: %w", err)
		}
	}
	dialer, err := env.NewDialer(cfg.SSH)
	if err != nil {
		return nil, err
	}
	imgs, _ := is.(cloud.ImageFinder)
	return &orchestrator.Orchestrator{
		Cloud:         is,
		ImageFinder:   imgs,
		LoadBalancers: lbs,
		Dialer:        dialer,
		Checker:       env.NewChecker(cfg.Timeouts),
		Packages:      env.Packages,
		Storage:       env.Storage,
		Registry:      c.registry,
	}, nil
}

// exitCode returns 1 if err is not nil, after printing it.
func (c *common) exitCode(err error) int {
	if err == nil {
		return 0
	}
	fmt.Fprintf(c.stderr, "%s\n", err)
	return 1
}
