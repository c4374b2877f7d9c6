// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package fleet

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// Config is the full persisted description of one cluster: what to
// build, how to reach it, and (in Nodes) what currently exists.
type Config struct {
	Project             string
	Cloud               CloudConfig
	Roles               map[Role]RoleSpec
	SSH                 SSHConfig
	Deployment          DeploymentConfig
	Services            map[Role]ServiceConfig
	Timeouts            TimeoutConfig
	LoadBalancer        LoadBalancerConfig
	Database            DatabaseConfig
	Registry            RegistryConfig
	Storage             StorageConfig
	PackageDistribution PackageDistributionConfig
	Nodes               Topology
}

type CloudConfig struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	VPCID           string
	// If empty, the latest Amazon Linux 2023 image is used.
	ImageID                  string
	KeyPairName              string
	SecurityGroupIDs         []string
	AssociatePublicIPAddress bool
	Placements               []Placement
	// Extra tags for every instance. They cannot override the
	// ownership or identity tags.
	Tags map[string]string
	// Hourly on-demand prices by instance type, used for cost
	// estimates in status output.
	Prices map[string]float64
}

// A Placement is a subnet and the availability zone it lives in.
type Placement struct {
	SubnetID string
	Zone     string
}

func (p Placement) String() string {
	return p.SubnetID + "/" + p.Zone
}

type RoleSpec struct {
	Count          int
	InstanceType   string
	RootVolumeSize int // GiB
	RootVolumeType string
	// Overrides Cloud.Placements for this role.
	Placements []Placement
	// Worker group membership, written into the node record.
	Groups []string
}

type ServiceConfig struct {
	Port           int
	JVMHeap        string
	MaxCPULoadAvg  float64
	ReservedMemory float64
}

type SSHConfig struct {
	User            string
	KeyFile         string
	Port            int
	ConnectTimeout  Duration
	ConnectAttempts int
	ConnectInterval Duration
}

type DeploymentConfig struct {
	Version     string
	User        string
	InstallPath string
	// Package URL. "{{version}}" is replaced with Version.
	DownloadURL string
	// Fetch the package on each node instead of downloading once
	// and uploading.
	DownloadOnRemote bool
	CacheDir         string
	Parallelism      int
	JavaPackage      string
	// Run the schema upgrade tool on the first coordinator after
	// deploying.
	InitializeSchema bool
}

// PackageURL returns DownloadURL with the version filled in.
func (dc DeploymentConfig) PackageURL() string {
	return strings.Replace(dc.DownloadURL, "{{version}}", dc.Version, -1)
}

// PackageName returns the base name of the package tarball.
func (dc DeploymentConfig) PackageName() string {
	u := dc.PackageURL()
	if i := strings.LastIndex(u, "/"); i >= 0 {
		u = u[i+1:]
	}
	return u
}

// ExtractDir returns the top-level directory name inside the
// package tarball.
func (dc DeploymentConfig) ExtractDir() string {
	return strings.TrimSuffix(strings.TrimSuffix(dc.PackageName(), ".tar.gz"), ".tgz")
}

type TimeoutConfig struct {
	// Wait for a new instance to reach running state.
	Running     Duration
	RunningPoll Duration
	// Network readiness probe (SSH banner).
	ReadyRetries  int
	ReadyInterval Duration
	ProbeDial     Duration
	// Remote commands.
	Command Duration
	Package Duration
	// Scale-in drain approximation for workers.
	DrainWait Duration
	// Load balancer target polls.
	TargetDrain   Duration
	TargetHealthy Duration
	TargetPoll    Duration
	// Post-start service port checks.
	ServiceRetries  int
	ServiceInterval Duration
}

type LoadBalancerConfig struct {
	Enabled        bool
	TargetGroupARN string
}

type DatabaseConfig struct {
	Type     string // mysql or postgresql
	Host     string
	Port     int
	Name     string
	Username string
	Password string
	Params   string
}

// JDBCURL returns the connection URL the deployed services use.
func (db DatabaseConfig) JDBCURL() string {
	scheme := "mysql"
	if db.Type == "postgresql" {
		scheme = "postgresql"
	}
	u := fmt.Sprintf("jdbc:%s://%s:%d/%s", scheme, db.Host, db.Port, db.Name)
	if db.Params != "" {
		u += "?" + db.Params
	}
	return u
}

// DriverDSN returns the Go sql driver name and data source name for
// a connectivity check.
func (db DatabaseConfig) DriverDSN() (string, string) {
	if db.Type == "postgresql" {
		u := url.URL{
			Scheme:   "postgres",
			User:     url.UserPassword(db.Username, db.Password),
			Host:     fmt.Sprintf("%s:%d", db.Host, db.Port),
			Path:     "/" + db.Name,
			RawQuery: "sslmode=prefer&connect_timeout=10",
		}
		return "postgres", u.String()
	}
	return "mysql", fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?timeout=10s", db.Username, db.Password, db.Host, db.Port, db.Name)
}

type RegistryConfig struct {
	Type      string
	Servers   []string
	Namespace string
}

type StorageConfig struct {
	Type            string // LOCAL, S3, or HDFS
	Bucket          string
	Region          string
	Prefix          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	UseIAMRole      bool
	HDFS            struct {
		NamenodeHost string
		NamenodePort int
		User         string
	}
}

// PackageDistributionConfig, when Bucket is set, makes nodes fetch
// the package from S3 instead of the public download URL.
type PackageDistributionConfig struct {
	Bucket   string
	Region   string
	Key      string
	Endpoint string
}

var projectNameRe = regexp.MustCompile(`^[a-z][a-z0-9-]{0,62}$`)

// Validate checks the configuration for missing or inconsistent
// settings, and returns a *ValidationError listing all of them.
func (cfg *Config) Validate() error {
	var problems []string
	addf := func(f string, args ...interface{}) {
		problems = append(problems, fmt.Sprintf(f, args...))
	}
	if !projectNameRe.MatchString(cfg.Project) {
		addf("Project %q must be lower case letters, digits and dashes, starting with a letter", cfg.Project)
	}
	if cfg.Cloud.Region == "" {
		addf("Cloud.Region is required")
	}
	if cfg.SSH.User == "" {
		addf("SSH.User is required")
	}
	if cfg.SSH.KeyFile == "" {
		addf("SSH.KeyFile is required")
	}
	if cfg.SSH.ConnectAttempts < 1 {
		addf("SSH.ConnectAttempts must be at least 1")
	}
	if cfg.Deployment.User == "" {
		addf("Deployment.User is required")
	}
	if !strings.HasPrefix(cfg.Deployment.InstallPath, "/") {
		addf("Deployment.InstallPath must be an absolute path")
	}
	if cfg.Deployment.Version == "" {
		addf("Deployment.Version is required")
	}
	if cfg.Deployment.Parallelism < 1 {
		addf("Deployment.Parallelism must be at least 1")
	}
	switch cfg.Database.Type {
	case "mysql", "postgresql":
	default:
		addf("Database.Type %q must be mysql or postgresql", cfg.Database.Type)
	}
	if cfg.Database.Host == "" || cfg.Database.Name == "" || cfg.Database.Username == "" {
		addf("Database.Host, Database.Name and Database.Username are required")
	}
	if len(cfg.Registry.Servers) == 0 {
		addf("Registry.Servers must list at least one server")
	}
	switch strings.ToUpper(cfg.Storage.Type) {
	case "", "LOCAL":
	case "S3":
		if cfg.Storage.Bucket == "" || cfg.Storage.Region == "" {
			addf("Storage.Bucket and Storage.Region are required for S3 storage")
		}
		if !cfg.Storage.UseIAMRole && (cfg.Storage.AccessKeyID == "" || cfg.Storage.SecretAccessKey == "") {
			addf("S3 storage requires UseIAMRole or both AccessKeyID and SecretAccessKey")
		}
	case "HDFS":
		if cfg.Storage.HDFS.NamenodeHost == "" || cfg.Storage.HDFS.NamenodePort == 0 {
			addf("Storage.HDFS.NamenodeHost and Storage.HDFS.NamenodePort are required for HDFS storage")
		}
	default:
		addf("Storage.Type %q must be LOCAL, S3 or HDFS", cfg.Storage.Type)
	}
	if pd := cfg.PackageDistribution; pd.Bucket != "" && pd.Region == "" {
		addf("PackageDistribution.Region is required when PackageDistribution.Bucket is set")
	}
	for _, role := range Roles {
		if cfg.Services[role].Port <= 0 {
			addf("Services.%s.Port is required", role)
		}
	}
	if cfg.LoadBalancer.Enabled && cfg.LoadBalancer.TargetGroupARN == "" {
		addf("LoadBalancer.TargetGroupARN is required when LoadBalancer.Enabled is true")
	}
	if _, err := NewClusterSpec(cfg); err != nil {
		if verr, ok := err.(*ValidationError); ok {
			problems = append(problems, verr.Problems...)
		} else {
			problems = append(problems, err.Error())
		}
	}
	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}
