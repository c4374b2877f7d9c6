// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package remote

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"git.arvados.org/dsfleet.git/lib/cloud"
	"git.arvados.org/dsfleet.git/lib/render"
	"git.arvados.org/dsfleet.git/sdk/go/ctxlog"
	"git.arvados.org/dsfleet.git/sdk/go/fleet"
	"github.com/sirupsen/logrus"
)

// A Session is an open connection to one node, with the operations
// the lifecycle phases run there.
type Session struct {
	Node   fleet.NodeRecord
	Config *fleet.Config
	exr    cloud.Executor
	logger logrus.FieldLogger
}

// Open connects to node's address using dialer.
func Open(ctx context.Context, dialer cloud.Dialer, cfg *fleet.Config, node fleet.NodeRecord) (*Session, error) {
	exr, err := dialer.Dial(ctx, node.Address)
	if err != nil {
		return nil, err
	}
	return &Session{
		Node:   node,
		Config: cfg,
		exr:    exr,
		logger: ctxlog.FromContext(ctx).WithFields(logrus.Fields{
			"Role":  node.Role,
			"Index": node.Index,
			"Host":  node.Address,
		}),
	}, nil
}

func (s *Session) Close() {
	s.exr.Close()
}

// Run runs a short command, bounded by Timeouts.Command.
func (s *Session) Run(ctx context.Context, cmd string, stdin io.Reader) (string, error) {
	return Run(ctx, s.exr, s.Node.Address, cmd, stdin, s.Config.Timeouts.Command.Duration())
}

// runLong runs a package install or transfer, bounded by
// Timeouts.Package.
func (s *Session) runLong(ctx context.Context, cmd string, stdin io.Reader) (string, error) {
	return Run(ctx, s.exr, s.Node.Address, cmd, stdin, s.Config.Timeouts.Package.Duration())
}

// OSRelease is the subset of /etc/os-release used to pick a package
// manager.
type OSRelease struct {
	ID        string
	IDLike    string
	VersionID string
}

// Family returns "rhel" or "debian", or "" if the distribution is
// not supported.
func (osr OSRelease) Family() string {
	for _, id := range append([]string{osr.ID}, strings.Fields(osr.IDLike)...) {
		switch id {
		case "amzn", "rhel", "centos", "fedora", "rocky", "almalinux":
			return "rhel"
		case "ubuntu", "debian":
			return "debian"
		}
	}
	return ""
}

// ParseOSRelease parses the KEY=value lines of /etc/os-release.
func ParseOSRelease(r io.Reader) OSRelease {
	var osr OSRelease
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		k, v, ok := strings.Cut(scanner.Text(), "=")
		if !ok {
			continue
		}
		v = strings.Trim(v, `"'`)
		switch k {
		case "ID":
			osr.ID = v
		case "ID_LIKE":
			osr.IDLike = v
		case "VERSION_ID":
			osr.VersionID = v
		}
	}
	return osr
}

// DetectOS reads the node's /etc/os-release.
func (s *Session) DetectOS(ctx context.Context) (OSRelease, error) {
	out, err := s.Run(ctx, "cat /etc/os-release", nil)
	if err != nil {
		return OSRelease{}, err
	}
	return ParseOSRelease(strings.NewReader(out)), nil
}

// Initialize installs Java and the client tools the services and
// the deploy steps need. Java is skipped if already present.
func (s *Session) Initialize(ctx context.Context) error {
	osr, err := s.DetectOS(ctx)
	if err != nil {
		return err
	}
	var install string
	switch osr.Family() {
	case "rhel":
		pm := "dnf"
		if osr.ID == "amzn" && osr.VersionID == "2" {
			pm = "yum"
		}
		java := s.Config.Deployment.JavaPackage
		if java == "" {
			java = "java-1.8.0-amazon-corretto-devel"
		}
		install = fmt.Sprintf("sudo %s install -y %s tar gzip curl procps-ng", pm, shellQuote(java))
	case "debian":
		install = "sudo apt-get update -q && sudo DEBIAN_FRONTEND=noninteractive apt-get install -y -q openjdk-8-jdk-headless tar gzip curl procps"
	default:
		return &fleet.RemoteExecutionError{Host: s.Node.Address, Command: "cat /etc/os-release", Err: fmt.Errorf("unsupported operating system %q", osr.ID)}
	}
	s.logger.WithField("OS", osr.ID+" "+osr.VersionID).Info("installing packages")
	_, err = s.runLong(ctx, "command -v java >/dev/null || "+install, nil)
	return err
}

// CreateUser creates the deployment user with passwordless sudo and
// an install directory it owns. It is safe to repeat.
func (s *Session) CreateUser(ctx context.Context) error {
	user := shellQuote(s.Config.Deployment.User)
	sudoers := shellQuote("/etc/sudoers.d/" + s.Config.Deployment.User)
	install := shellQuote(s.Config.Deployment.InstallPath)
	cmd := fmt.Sprintf("(id -u %[1]s >/dev/null 2>&1 || sudo useradd -m -s /bin/bash %[1]s)"+
		" && echo %[2]s | sudo tee %[3]s >/dev/null && sudo chmod 0440 %[3]s"+
		" && sudo mkdir -p %[4]s && sudo chown %[1]s: %[4]s",
		user, shellQuote(s.Config.Deployment.User+" ALL=(ALL) NOPASSWD: ALL"), sudoers, install)
	_, err := s.Run(ctx, cmd, nil)
	return err
}

// GenerateKey creates an SSH key pair for the deployment user if it
// does not already have one, and returns the public key.
func (s *Session) GenerateKey(ctx context.Context) (string, error) {
	cmd := fmt.Sprintf("sudo -u %s -H bash -c %s", shellQuote(s.Config.Deployment.User),
		shellQuote(`mkdir -p -m 700 ~/.ssh && (test -f ~/.ssh/id_rsa || ssh-keygen -q -t rsa -b 4096 -N "" -f ~/.ssh/id_rsa) && cat ~/.ssh/id_rsa.pub`))
	out, err := s.Run(ctx, cmd, nil)
	if err != nil {
		return "", err
	}
	key := strings.TrimSpace(out)
	if !strings.HasPrefix(key, "ssh-") {
		return "", &fleet.RemoteExecutionError{Host: s.Node.Address, Command: cmd, Err: fmt.Errorf("unexpected public key output %q", abbreviate(key))}
	}
	return key, nil
}

// AuthorizeKey adds pubkey to the deployment user's authorized_keys
// unless it is already there.
func (s *Session) AuthorizeKey(ctx context.Context, pubkey string) error {
	pubkey = strings.TrimSpace(pubkey)
	if pubkey == "" {
		return errors.New("empty public key")
	}
	cmd := fmt.Sprintf("sudo -u %s -H bash -c %s", shellQuote(s.Config.Deployment.User),
		shellQuote(`mkdir -p -m 700 ~/.ssh && touch ~/.ssh/authorized_keys && chmod 600 ~/.ssh/authorized_keys && key="$(cat)" && (grep -qxF "$key" ~/.ssh/authorized_keys || echo "$key" >> ~/.ssh/authorized_keys)`))
	_, err := s.Run(ctx, cmd, strings.NewReader(pubkey+"\n"))
	return err
}

// WriteHosts replaces the project's managed block in /etc/hosts with
// one line per node in topo.
func (s *Session) WriteHosts(ctx context.Context, topo fleet.Topology) error {
	project := s.Config.Project
	begin, end := hostsMarkers(project)
	cmd := fmt.Sprintf("sudo sed -i %s /etc/hosts && sudo tee -a /etc/hosts >/dev/null",
		shellQuote(fmt.Sprintf(`/^%s$/,/^%s$/d`, begin, end)))
	_, err := s.Run(ctx, cmd, strings.NewReader(HostsBlock(project, topo)))
	return err
}

func hostsMarkers(project string) (string, string) {
	return "# BEGIN dsfleet " + project, "# END dsfleet " + project
}

// HostsBlock returns the /etc/hosts lines for topo, between markers
// that identify the block so it can be replaced later.
func HostsBlock(project string, topo fleet.Topology) string {
	begin, end := hostsMarkers(project)
	var b strings.Builder
	b.WriteString(begin + "\n")
	for _, n := range topo.Sorted() {
		if n.Address == "" {
			continue
		}
		fmt.Fprintf(&b, "%s %s\n", n.Address, n.Hostname())
	}
	b.WriteString(end + "\n")
	return b.String()
}

// Deploy installs the package and the rendered configuration files
// under Deployment.InstallPath.
func (s *Session) Deploy(ctx context.Context, pkg PackageSource, files []render.File) error {
	dc := s.Config.Deployment
	tarball := "/tmp/" + pkg.Name
	if pkg.URL != "" {
		cmd := fmt.Sprintf("test -s %[1]s || (curl -fsSL --retry 3 -o %[1]s.part %[2]s && mv %[1]s.part %[1]s)", shellQuote(tarball), shellQuote(pkg.URL))
		s.logger.WithField("Package", pkg.Name).Info("downloading package on node")
		if _, err := s.runLong(ctx, cmd, nil); err != nil {
			return err
		}
	} else {
		if _, err := s.Run(ctx, "test -s "+shellQuote(tarball), nil); err != nil {
			if err := s.upload(ctx, tarball, pkg.LocalPath); err != nil {
				return err
			}
		}
	}
	install := shellQuote(dc.InstallPath)
	cmd := fmt.Sprintf("sudo mkdir -p %[1]s && sudo tar -xzf %[2]s -C %[1]s --strip-components=1 && sudo chown -R %[3]s: %[1]s",
		install, shellQuote(tarball), shellQuote(dc.User))
	if _, err := s.runLong(ctx, cmd, nil); err != nil {
		return err
	}
	return s.InstallFiles(ctx, files)
}

func (s *Session) upload(ctx context.Context, dest, local string) error {
	f, err := openLocal(local)
	if err != nil {
		return err
	}
	defer f.Close()
	s.logger.WithField("Package", path.Base(dest)).Info("uploading package")
	_, err = s.runLong(ctx, fmt.Sprintf("cat >%[1]s.part && mv %[1]s.part %[1]s", shellQuote(dest)), f)
	return err
}

// InstallFiles writes the rendered files under the install path,
// owned by the deployment user.
func (s *Session) InstallFiles(ctx context.Context, files []render.File) error {
	dc := s.Config.Deployment
	for _, f := range files {
		dest := path.Join(dc.InstallPath, f.Path)
		cmd := fmt.Sprintf("sudo mkdir -p %[1]s && sudo tee %[2]s >/dev/null && sudo chmod %04[3]o %[2]s && sudo chown %[4]s: %[2]s",
			shellQuote(path.Dir(dest)), shellQuote(dest), f.Mode, shellQuote(dc.User))
		if _, err := s.Run(ctx, cmd, strings.NewReader(string(f.Content))); err != nil {
			return err
		}
	}
	return nil
}

// InitializeSchema runs the database schema tool. It is safe to run
// against an already initialized database.
func (s *Session) InitializeSchema(ctx context.Context) error {
	cmd := fmt.Sprintf("cd %s && sudo -u %s -H bash tools/bin/upgrade-schema.sh",
		shellQuote(s.Config.Deployment.InstallPath), shellQuote(s.Config.Deployment.User))
	_, err := s.runLong(ctx, cmd, nil)
	return err
}

func (s *Session) daemon(ctx context.Context, action string) (string, error) {
	cmd := fmt.Sprintf("cd %s && sudo -u %s -H bash bin/dolphinscheduler-daemon.sh %s %s",
		shellQuote(s.Config.Deployment.InstallPath), shellQuote(s.Config.Deployment.User),
		action, s.Node.Role.ServiceName())
	return s.Run(ctx, cmd, nil)
}

// StartService starts the node's role service.
func (s *Session) StartService(ctx context.Context) error {
	s.logger.Info("starting service")
	_, err := s.daemon(ctx, "start")
	return err
}

// StopService stops the node's role service.
func (s *Session) StopService(ctx context.Context) error {
	s.logger.Info("stopping service")
	_, err := s.daemon(ctx, "stop")
	return err
}

// ServiceRunning reports whether the daemon script says the node's
// service is running.
func (s *Session) ServiceRunning(ctx context.Context) (bool, error) {
	out, err := s.daemon(ctx, "status")
	if err != nil {
		return false, err
	}
	out = strings.ToUpper(out)
	return strings.Contains(out, "RUNNING") && !strings.Contains(out, "NOT RUNNING"), nil
}
