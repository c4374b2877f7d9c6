// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package fleettest provides in-memory stand-ins for the cloud and
// remote hosts, for use in tests.
package fleettest

import (
	"time"

	"git.arvados.org/dsfleet.git/sdk/go/fleet"
)

// Placements are two subnets in two zones.
var Placements = []fleet.Placement{
	{SubnetID: "subnet-aaaa", Zone: "aa-east-1a"},
	{SubnetID: "subnet-bbbb", Zone: "aa-east-1b"},
}

// Config returns a valid configuration for a small cluster: 2
// coordinators, 2 workers, 1 api, 1 alerting. Timeouts are short
// enough for tests that exercise the failure paths.
func Config() *fleet.Config {
	ms := func(n int) fleet.Duration { return fleet.Duration(time.Duration(n) * time.Millisecond) }
	return &fleet.Config{
		Project: "testproj",
		Cloud: fleet.CloudConfig{
			Region:           "aa-east-1",
			VPCID:            "vpc-1234",
			ImageID:          "ami-test",
			KeyPairName:      "testkey",
			SecurityGroupIDs: []string{"sg-1234"},
			Placements:       append([]fleet.Placement(nil), Placements...),
			Tags:             map[string]string{"Team": "data"},
			Prices:           map[string]float64{"m5.large": 0.096, "t3.medium": 0.0416},
		},
		Roles: map[fleet.Role]fleet.RoleSpec{
			fleet.RoleCoordinator: {Count: 2, InstanceType: "m5.large", RootVolumeSize: 50, RootVolumeType: "gp3"},
			fleet.RoleWorker:      {Count: 2, InstanceType: "m5.large", RootVolumeSize: 100, RootVolumeType: "gp3", Groups: []string{"default"}},
			fleet.RoleAPI:         {Count: 1, InstanceType: "t3.medium", RootVolumeSize: 30, RootVolumeType: "gp3"},
			fleet.RoleAlerting:    {Count: 1, InstanceType: "t3.medium", RootVolumeSize: 30, RootVolumeType: "gp3"},
		},
		SSH: fleet.SSHConfig{
			User:            "ec2-user",
			KeyFile:         "/dev/null",
			Port:            22,
			ConnectTimeout:  ms(100),
			ConnectAttempts: 2,
			ConnectInterval: ms(1),
		},
		Deployment: fleet.DeploymentConfig{
			Version:          "3.2.0",
			User:             "dolphinscheduler",
			InstallPath:      "/opt/dolphinscheduler",
			DownloadURL:      "https://archive.apache.org/dist/dolphinscheduler/{{version}}/apache-dolphinscheduler-{{version}}-bin.tar.gz",
			DownloadOnRemote: true,
			CacheDir:         "/tmp/dsfleet-cache",
			Parallelism:      4,
			JavaPackage:      "java-1.8.0-amazon-corretto-devel",
		},
		Services: map[fleet.Role]fleet.ServiceConfig{
			fleet.RoleCoordinator: {Port: 5678, JVMHeap: "4g", MaxCPULoadAvg: -1, ReservedMemory: 0.3},
			fleet.RoleWorker:      {Port: 1234, JVMHeap: "4g", MaxCPULoadAvg: -1, ReservedMemory: 0.3},
			fleet.RoleAPI:         {Port: 12345, JVMHeap: "2g"},
			fleet.RoleAlerting:    {Port: 50052, JVMHeap: "1g"},
		},
		Timeouts: fleet.TimeoutConfig{
			Running:         ms(200),
			RunningPoll:     ms(1),
			ReadyRetries:    2,
			ReadyInterval:   ms(1),
			ProbeDial:       ms(50),
			Command:         ms(1000),
			Package:         ms(1000),
			DrainWait:       ms(1),
			TargetDrain:     ms(100),
			TargetHealthy:   ms(100),
			TargetPoll:      ms(1),
			ServiceRetries:  2,
			ServiceInterval: ms(1),
		},
		Database: fleet.DatabaseConfig{
			Type:     "mysql",
			Host:     "db.example",
			Port:     3306,
			Name:     "dolphinscheduler",
			Username: "ds",
			Password: "secret",
			Params:   "useUnicode=true&characterEncoding=UTF-8",
		},
		Registry: fleet.RegistryConfig{
			Type:      "zookeeper",
			Servers:   []string{"zk1.example:2181", "zk2.example:2181"},
			Namespace: "dolphinscheduler",
		},
		Storage: fleet.StorageConfig{Type: "LOCAL"},
	}
}
