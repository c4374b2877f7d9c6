// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package ec2

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"git.arvados.org/dsfleet.git/lib/cloud"
	"git.arvados.org/dsfleet.git/sdk/go/fleet"
	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/ec2"
	lru "github.com/hashicorp/golang-lru"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// Amazon Linux 2023, standard (not minimal) x86_64 images.
const defaultImageNamePattern = "al2023-ami-2023*-x86_64"

const (
	throttleDelayMin = time.Second
	throttleDelayMax = time.Minute
)

type ec2Interface interface {
	DescribeImages(*ec2.DescribeImagesInput) (*ec2.DescribeImagesOutput, error)
	DescribeInstances(*ec2.DescribeInstancesInput) (*ec2.DescribeInstancesOutput, error)
	DescribeSecurityGroups(*ec2.DescribeSecurityGroupsInput) (*ec2.DescribeSecurityGroupsOutput, error)
	DescribeSubnets(*ec2.DescribeSubnetsInput) (*ec2.DescribeSubnetsOutput, error)
	RunInstances(*ec2.RunInstancesInput) (*ec2.Reservation, error)
	TerminateInstances(*ec2.TerminateInstancesInput) (*ec2.TerminateInstancesOutput, error)
}

// images resolved by DefaultImage, keyed by region and name
// pattern. Shared by all instance sets in the process.
var imageCache *lru.Cache

func init() {
	var err error
	imageCache, err = lru.New(16)
	if err != nil {
		panic(err)
	}
}

type ec2InstanceSet struct {
	config          fleet.CloudConfig
	logger          logrus.FieldLogger
	client          ec2Interface
	throttleDelay   atomic.Value
	imageMtx        sync.Mutex
	mInstanceStarts *prometheus.CounterVec
	mTerminations   prometheus.Counter
}

// NewInstanceSet returns an InstanceSet that manages EC2 instances
// in cfg.Region. If reg is not nil, metrics are registered there.
func NewInstanceSet(cfg fleet.CloudConfig, logger logrus.FieldLogger, reg *prometheus.Registry) (cloud.InstanceSet, error) {
	sess, err := newSession(cfg.Region, cfg.AccessKeyID, cfg.SecretAccessKey, "")
	if err != nil {
		return nil, err
	}
	return newEC2InstanceSet(cfg, ec2.New(sess), logger, reg), nil
}

func newEC2InstanceSet(cfg fleet.CloudConfig, client ec2Interface, logger logrus.FieldLogger, reg *prometheus.Registry) *ec2InstanceSet {
	instanceSet := &ec2InstanceSet{
		config: cfg,
		logger: logger,
		client: client,
	}
	instanceSet.throttleDelay.Store(time.Duration(0))
	instanceSet.mInstanceStarts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dsfleet",
		Subsystem: "ec2",
		Name:      "instance_starts_total",
		Help:      "Number of attempts to start a new instance, by subnet and outcome.",
	}, []string{"subnet_id", "success"})
	instanceSet.mTerminations = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "dsfleet",
		Subsystem: "ec2",
		Name:      "instance_terminations_total",
		Help:      "Number of instances terminated.",
	})
	if reg != nil {
		reg.MustRegister(instanceSet.mInstanceStarts)
		reg.MustRegister(instanceSet.mTerminations)
	}
	return instanceSet
}

func newSession(region, accessKeyID, secretAccessKey, endpoint string) (*session.Session, error) {
	awsConfig := aws.NewConfig().WithRegion(region)
	if accessKeyID != "" || secretAccessKey != "" {
		awsConfig = awsConfig.WithCredentials(credentials.NewStaticCredentials(accessKeyID, secretAccessKey, ""))
	}
	if endpoint != "" {
		awsConfig = awsConfig.WithEndpoint(endpoint).WithS3ForcePathStyle(true)
	}
	return session.NewSession(awsConfig)
}

func (instanceSet *ec2InstanceSet) Create(
	shape cloud.Shape,
	imageID cloud.ImageID,
	placement fleet.Placement,
	newTags cloud.InstanceTags) (cloud.Instance, error) {

	var ec2tags []*ec2.Tag
	for k, v := range newTags {
		ec2tags = append(ec2tags, &ec2.Tag{
			Key:   aws.String(k),
			Value: aws.String(v),
		})
	}
	sort.Slice(ec2tags, func(i, j int) bool { return *ec2tags[i].Key < *ec2tags[j].Key })

	rii := ec2.RunInstancesInput{
		ImageId:      aws.String(string(imageID)),
		InstanceType: &shape.ProviderType,
		MaxCount:     aws.Int64(1),
		MinCount:     aws.Int64(1),

		NetworkInterfaces: []*ec2.InstanceNetworkInterfaceSpecification{
			{
				AssociatePublicIpAddress: aws.Bool(instanceSet.config.AssociatePublicIPAddress),
				DeleteOnTermination:      aws.Bool(true),
				DeviceIndex:              aws.Int64(0),
				Groups:                   aws.StringSlice(instanceSet.config.SecurityGroupIDs),
				SubnetId:                 aws.String(placement.SubnetID),
			}},
		DisableApiTermination:             aws.Bool(false),
		InstanceInitiatedShutdownBehavior: aws.String("stop"),
		TagSpecifications: []*ec2.TagSpecification{
			{
				ResourceType: aws.String("instance"),
				Tags:         ec2tags,
			}},
	}
	if instanceSet.config.KeyPairName != "" {
		rii.KeyName = aws.String(instanceSet.config.KeyPairName)
	}
	if shape.RootVolumeSize > 0 {
		volType := shape.RootVolumeType
		if volType == "" {
			volType = "gp3"
		}
		rii.BlockDeviceMappings = []*ec2.BlockDeviceMapping{{
			DeviceName: aws.String("/dev/xvda"),
			Ebs: &ec2.EbsBlockDevice{
				DeleteOnTermination: aws.Bool(true),
				VolumeSize:          aws.Int64(int64(shape.RootVolumeSize)),
				VolumeType:          aws.String(volType),
			}}}
	}

	rsv, err := instanceSet.client.RunInstances(&rii)
	instanceSet.mInstanceStarts.WithLabelValues(placement.SubnetID, successLabel(err)).Add(1)
	err = wrapError(err, &instanceSet.throttleDelay)
	if err != nil {
		return nil, err
	}
	if len(rsv.Instances) == 0 {
		return nil, errors.New("RunInstances succeeded but returned no instances")
	}
	instanceSet.logger.WithFields(logrus.Fields{
		"InstanceID": aws.StringValue(rsv.Instances[0].InstanceId),
		"SubnetID":   placement.SubnetID,
	}).Info("created instance")
	return &ec2Instance{
		provider: instanceSet,
		instance: rsv.Instances[0],
	}, nil
}

func successLabel(err error) string {
	if err == nil {
		return "1"
	}
	return "0"
}

func (instanceSet *ec2InstanceSet) Instances(tags cloud.InstanceTags, states ...cloud.InstanceState) (instances []cloud.Instance, err error) {
	var filters []*ec2.Filter
	var keys []string
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		filters = append(filters, &ec2.Filter{
			Name:   aws.String("tag:" + k),
			Values: []*string{aws.String(tags[k])},
		})
	}
	if len(states) > 0 {
		var names []*string
		for _, s := range states {
			names = append(names, aws.String(string(s)))
		}
		filters = append(filters, &ec2.Filter{
			Name:   aws.String("instance-state-name"),
			Values: names,
		})
	}
	dii := &ec2.DescribeInstancesInput{Filters: filters}
	for {
		dio, err := instanceSet.client.DescribeInstances(dii)
		err = wrapError(err, &instanceSet.throttleDelay)
		if err != nil {
			return nil, err
		}
		for _, rsv := range dio.Reservations {
			for _, inst := range rsv.Instances {
				instances = append(instances, &ec2Instance{instanceSet, inst})
			}
		}
		if dio.NextToken == nil {
			return instances, nil
		}
		dii.NextToken = dio.NextToken
	}
}

func (instanceSet *ec2InstanceSet) Terminate(ids []cloud.InstanceID) error {
	if len(ids) == 0 {
		return nil
	}
	var awsIDs []*string
	for _, id := range ids {
		awsIDs = append(awsIDs, aws.String(string(id)))
	}
	_, err := instanceSet.client.TerminateInstances(&ec2.TerminateInstancesInput{
		InstanceIds: awsIDs,
	})
	if aerr, ok := err.(awserr.Error); ok && aerr.Code() == "InvalidInstanceID.NotFound" {
		instanceSet.logger.WithField("InstanceIDs", ids).Info("instances already gone")
		return nil
	}
	err = wrapError(err, &instanceSet.throttleDelay)
	if err != nil {
		return err
	}
	instanceSet.mTerminations.Add(float64(len(ids)))
	instanceSet.logger.WithField("InstanceIDs", ids).Info("terminated instances")
	return nil
}

// DefaultImage returns the newest Amazon Linux 2023 image in the
// region. The result is cached for the life of the process.
func (instanceSet *ec2InstanceSet) DefaultImage() (cloud.ImageID, error) {
	instanceSet.imageMtx.Lock()
	defer instanceSet.imageMtx.Unlock()
	key := instanceSet.config.Region + "/" + defaultImageNamePattern
	if id, ok := imageCache.Get(key); ok {
		return id.(cloud.ImageID), nil
	}
	dio, err := instanceSet.client.DescribeImages(&ec2.DescribeImagesInput{
		Owners: []*string{aws.String("amazon")},
		Filters: []*ec2.Filter{
			{Name: aws.String("name"), Values: []*string{aws.String(defaultImageNamePattern)}},
			{Name: aws.String("state"), Values: []*string{aws.String("available")}},
			{Name: aws.String("architecture"), Values: []*string{aws.String("x86_64")}},
		},
	})
	err = wrapError(err, &instanceSet.throttleDelay)
	if err != nil {
		return "", err
	}
	var newest *ec2.Image
	for _, img := range dio.Images {
		if newest == nil || aws.StringValue(img.CreationDate) > aws.StringValue(newest.CreationDate) {
			newest = img
		}
	}
	if newest == nil {
		return "", fmt.Errorf("no image matching %s found in %s", defaultImageNamePattern, instanceSet.config.Region)
	}
	id := cloud.ImageID(aws.StringValue(newest.ImageId))
	instanceSet.logger.WithFields(logrus.Fields{
		"ImageID":   id,
		"ImageName": aws.StringValue(newest.Name),
	}).Info("using latest Amazon Linux 2023 image")
	imageCache.Add(key, id)
	return id, nil
}

// VerifyNetwork checks that the VPC, subnets, and security groups
// exist, and that the subnets and security groups belong to the VPC.
func (instanceSet *ec2InstanceSet) VerifyNetwork(vpcID string, subnetIDs, securityGroupIDs []string) error {
	if len(subnetIDs) > 0 {
		dso, err := instanceSet.client.DescribeSubnets(&ec2.DescribeSubnetsInput{SubnetIds: aws.StringSlice(subnetIDs)})
		if err != nil {
			return fmt.Errorf("describe subnets: %w", err)
		}
		found := map[string]bool{}
		for _, sn := range dso.Subnets {
			found[aws.StringValue(sn.SubnetId)] = true
			if vpcID != "" && aws.StringValue(sn.VpcId) != vpcID {
				return fmt.Errorf("subnet %s is in %s, not %s", aws.StringValue(sn.SubnetId), aws.StringValue(sn.VpcId), vpcID)
			}
		}
		for _, id := range subnetIDs {
			if !found[id] {
				return fmt.Errorf("subnet %s not found", id)
			}
		}
	}
	if len(securityGroupIDs) > 0 {
		dso, err := instanceSet.client.DescribeSecurityGroups(&ec2.DescribeSecurityGroupsInput{GroupIds: aws.StringSlice(securityGroupIDs)})
		if err != nil {
			return fmt.Errorf("describe security groups: %w", err)
		}
		for _, sg := range dso.SecurityGroups {
			if vpcID != "" && aws.StringValue(sg.VpcId) != vpcID {
				return fmt.Errorf("security group %s is in %s, not %s", aws.StringValue(sg.GroupId), aws.StringValue(sg.VpcId), vpcID)
			}
		}
		if len(dso.SecurityGroups) != len(securityGroupIDs) {
			return fmt.Errorf("found %d of %d security groups", len(dso.SecurityGroups), len(securityGroupIDs))
		}
	}
	return nil
}

func (instanceSet *ec2InstanceSet) Stop() {
}

type ec2Instance struct {
	provider *ec2InstanceSet
	instance *ec2.Instance
}

func (inst *ec2Instance) ID() cloud.InstanceID {
	return cloud.InstanceID(*inst.instance.InstanceId)
}

func (inst *ec2Instance) String() string {
	return *inst.instance.InstanceId
}

func (inst *ec2Instance) ProviderType() string {
	return aws.StringValue(inst.instance.InstanceType)
}

func (inst *ec2Instance) Address() string {
	return aws.StringValue(inst.instance.PrivateIpAddress)
}

func (inst *ec2Instance) State() cloud.InstanceState {
	if inst.instance.State == nil {
		return cloud.StatePending
	}
	return cloud.InstanceState(aws.StringValue(inst.instance.State.Name))
}

func (inst *ec2Instance) Placement() fleet.Placement {
	p := fleet.Placement{SubnetID: aws.StringValue(inst.instance.SubnetId)}
	if inst.instance.Placement != nil {
		p.Zone = aws.StringValue(inst.instance.Placement.AvailabilityZone)
	}
	return p
}

func (inst *ec2Instance) LaunchTime() time.Time {
	return aws.TimeValue(inst.instance.LaunchTime)
}

func (inst *ec2Instance) Tags() cloud.InstanceTags {
	tags := make(map[string]string)
	for _, t := range inst.instance.Tags {
		tags[aws.StringValue(t.Key)] = aws.StringValue(t.Value)
	}
	return tags
}

type ec2QuotaError struct {
	error
}

func (er *ec2QuotaError) IsQuotaError() bool {
	return true
}

type rateLimitError struct {
	error
	earliestRetry time.Time
}

func (err rateLimitError) EarliestRetry() time.Time {
	return err.earliestRetry
}

var isCodeQuota = map[string]bool{
	"InstanceLimitExceeded":             true,
	"InsufficientAddressCapacity":       true,
	"InsufficientFreeAddressesInSubnet": true,
	"InsufficientVolumeCapacity":        true,
	"MaxSpotInstanceCountExceeded":      true,
	"VcpuLimitExceeded":                 true,
}

func wrapError(err error, throttleValue *atomic.Value) error {
	if request.IsErrorThrottle(err) {
		// Back off exponentially until an upstream call
		// either succeeds or returns a non-throttle error.
		d, _ := throttleValue.Load().(time.Duration)
		d = d*3/2 + time.Second
		if d < throttleDelayMin {
			d = throttleDelayMin
		} else if d > throttleDelayMax {
			d = throttleDelayMax
		}
		throttleValue.Store(d)
		return rateLimitError{error: err, earliestRetry: time.Now().Add(d)}
	} else if aerr, ok := err.(awserr.Error); ok && isCodeQuota[aerr.Code()] {
		return &ec2QuotaError{err}
	} else if err != nil {
		throttleValue.Store(time.Duration(0))
		return err
	}
	throttleValue.Store(time.Duration(0))
	return nil
}
