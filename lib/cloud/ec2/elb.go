// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package ec2

import (
	"sync/atomic"
	"time"

	"git.arvados.org/dsfleet.git/lib/cloud"
	"git.arvados.org/dsfleet.git/sdk/go/fleet"
	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/service/elbv2"
	"github.com/sirupsen/logrus"
)

// DescribeTags accepts at most this many resource ARNs per call.
const describeTagsBatch = 20

type elbInterface interface {
	RegisterTargets(*elbv2.RegisterTargetsInput) (*elbv2.RegisterTargetsOutput, error)
	DeregisterTargets(*elbv2.DeregisterTargetsInput) (*elbv2.DeregisterTargetsOutput, error)
	DescribeTargetHealth(*elbv2.DescribeTargetHealthInput) (*elbv2.DescribeTargetHealthOutput, error)
	DescribeLoadBalancersPages(*elbv2.DescribeLoadBalancersInput, func(*elbv2.DescribeLoadBalancersOutput, bool) bool) error
	DescribeTargetGroupsPages(*elbv2.DescribeTargetGroupsInput, func(*elbv2.DescribeTargetGroupsOutput, bool) bool) error
	DescribeTags(*elbv2.DescribeTagsInput) (*elbv2.DescribeTagsOutput, error)
	DeleteLoadBalancer(*elbv2.DeleteLoadBalancerInput) (*elbv2.DeleteLoadBalancerOutput, error)
	DeleteTargetGroup(*elbv2.DeleteTargetGroupInput) (*elbv2.DeleteTargetGroupOutput, error)
}

type elbSet struct {
	logger        logrus.FieldLogger
	client        elbInterface
	throttleDelay atomic.Value
}

// NewLoadBalancerSet returns a LoadBalancerSet backed by the ELBv2
// API in cfg.Region.
func NewLoadBalancerSet(cfg fleet.CloudConfig, logger logrus.FieldLogger) (cloud.LoadBalancerSet, error) {
	sess, err := newSession(cfg.Region, cfg.AccessKeyID, cfg.SecretAccessKey, "")
	if err != nil {
		return nil, err
	}
	return newELBSet(elbv2.New(sess), logger), nil
}

func newELBSet(client elbInterface, logger logrus.FieldLogger) *elbSet {
	set := &elbSet{logger: logger, client: client}
	set.throttleDelay.Store(time.Duration(0))
	return set
}

func targetDescription(id cloud.InstanceID, port int) []*elbv2.TargetDescription {
	return []*elbv2.TargetDescription{{
		Id:   aws.String(string(id)),
		Port: aws.Int64(int64(port)),
	}}
}

func (set *elbSet) RegisterTarget(tg string, id cloud.InstanceID, port int) error {
	_, err := set.client.RegisterTargets(&elbv2.RegisterTargetsInput{
		TargetGroupArn: aws.String(tg),
		Targets:        targetDescription(id, port),
	})
	return wrapError(err, &set.throttleDelay)
}

func (set *elbSet) DeregisterTarget(tg string, id cloud.InstanceID, port int) error {
	_, err := set.client.DeregisterTargets(&elbv2.DeregisterTargetsInput{
		TargetGroupArn: aws.String(tg),
		Targets:        targetDescription(id, port),
	})
	if aerr, ok := err.(awserr.Error); ok && aerr.Code() == elbv2.ErrCodeInvalidTargetException {
		return nil
	}
	return wrapError(err, &set.throttleDelay)
}

func (set *elbSet) TargetHealth(tg string, id cloud.InstanceID, port int) (cloud.TargetState, error) {
	out, err := set.client.DescribeTargetHealth(&elbv2.DescribeTargetHealthInput{
		TargetGroupArn: aws.String(tg),
		Targets:        targetDescription(id, port),
	})
	if aerr, ok := err.(awserr.Error); ok && aerr.Code() == elbv2.ErrCodeInvalidTargetException {
		return cloud.TargetAbsent, nil
	}
	err = wrapError(err, &set.throttleDelay)
	if err != nil {
		return cloud.TargetAbsent, err
	}
	for _, d := range out.TargetHealthDescriptions {
		if d.TargetHealth != nil {
			return cloud.TargetState(aws.StringValue(d.TargetHealth.State)), nil
		}
	}
	return cloud.TargetAbsent, nil
}

func (set *elbSet) LoadBalancers(tags cloud.InstanceTags) ([]cloud.LoadBalancer, error) {
	byARN := map[string]cloud.LoadBalancer{}
	var arns []string
	err := set.client.DescribeLoadBalancersPages(&elbv2.DescribeLoadBalancersInput{}, func(page *elbv2.DescribeLoadBalancersOutput, lastPage bool) bool {
		for _, lb := range page.LoadBalancers {
			arn := aws.StringValue(lb.LoadBalancerArn)
			arns = append(arns, arn)
			byARN[arn] = cloud.LoadBalancer{
				ID:      arn,
				Name:    aws.StringValue(lb.LoadBalancerName),
				DNSName: aws.StringValue(lb.DNSName),
			}
		}
		return true
	})
	if err = wrapError(err, &set.throttleDelay); err != nil {
		return nil, err
	}
	matched, err := set.matchTags(arns, tags)
	if err != nil {
		return nil, err
	}
	var lbs []cloud.LoadBalancer
	for _, arn := range matched {
		lbs = append(lbs, byARN[arn])
	}
	return lbs, nil
}

func (set *elbSet) TargetGroups(tags cloud.InstanceTags) ([]cloud.TargetGroup, error) {
	byARN := map[string]cloud.TargetGroup{}
	var arns []string
	err := set.client.DescribeTargetGroupsPages(&elbv2.DescribeTargetGroupsInput{}, func(page *elbv2.DescribeTargetGroupsOutput, lastPage bool) bool {
		for _, tg := range page.TargetGroups {
			arn := aws.StringValue(tg.TargetGroupArn)
			arns = append(arns, arn)
			byARN[arn] = cloud.TargetGroup{
				ID:   arn,
				Name: aws.StringValue(tg.TargetGroupName),
			}
		}
		return true
	})
	if err = wrapError(err, &set.throttleDelay); err != nil {
		return nil, err
	}
	matched, err := set.matchTags(arns, tags)
	if err != nil {
		return nil, err
	}
	var tgs []cloud.TargetGroup
	for _, arn := range matched {
		tgs = append(tgs, byARN[arn])
	}
	return tgs, nil
}

// matchTags returns the subset of arns whose resources carry all of
// the given tags, preserving order.
func (set *elbSet) matchTags(arns []string, want cloud.InstanceTags) ([]string, error) {
	var matched []string
	for start := 0; start < len(arns); start += describeTagsBatch {
		end := start + describeTagsBatch
		if end > len(arns) {
			end = len(arns)
		}
		out, err := set.client.DescribeTags(&elbv2.DescribeTagsInput{
			ResourceArns: aws.StringSlice(arns[start:end]),
		})
		if err = wrapError(err, &set.throttleDelay); err != nil {
			return nil, err
		}
		have := map[string]map[string]string{}
		for _, td := range out.TagDescriptions {
			tags := map[string]string{}
			for _, t := range td.Tags {
				tags[aws.StringValue(t.Key)] = aws.StringValue(t.Value)
			}
			have[aws.StringValue(td.ResourceArn)] = tags
		}
		for _, arn := range arns[start:end] {
			if cloud.HasTags(have[arn], want) {
				matched = append(matched, arn)
			}
		}
	}
	return matched, nil
}

func (set *elbSet) DeleteLoadBalancer(id string) error {
	_, err := set.client.DeleteLoadBalancer(&elbv2.DeleteLoadBalancerInput{LoadBalancerArn: aws.String(id)})
	if err == nil {
		set.logger.WithField("LoadBalancer", id).Info("deleted load balancer")
	}
	return wrapError(err, &set.throttleDelay)
}

func (set *elbSet) DeleteTargetGroup(id string) error {
	_, err := set.client.DeleteTargetGroup(&elbv2.DeleteTargetGroupInput{TargetGroupArn: aws.String(id)})
	if err == nil {
		set.logger.WithField("TargetGroup", id).Info("deleted target group")
	}
	return wrapError(err, &set.throttleDelay)
}
