// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package ec2

import (
	"fmt"

	"git.arvados.org/dsfleet.git/lib/cloud"
	"git.arvados.org/dsfleet.git/sdk/go/ctxlog"
	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/elbv2"
	check "gopkg.in/check.v1"
)

type ELBSuite struct{}

var _ = check.Suite(&ELBSuite{})

type elbstub struct {
	lbs              []*elbv2.LoadBalancer
	tgs              []*elbv2.TargetGroup
	tags             map[string]map[string]string
	health           map[string]string
	describeTagsArns [][]string
	registered       []string
	deregistered     []string
	deleted          []string
}

func (e *elbstub) RegisterTargets(in *elbv2.RegisterTargetsInput) (*elbv2.RegisterTargetsOutput, error) {
	e.registered = append(e.registered, fmt.Sprintf("%s:%d", *in.Targets[0].Id, *in.Targets[0].Port))
	return &elbv2.RegisterTargetsOutput{}, nil
}

func (e *elbstub) DeregisterTargets(in *elbv2.DeregisterTargetsInput) (*elbv2.DeregisterTargetsOutput, error) {
	if *in.Targets[0].Id == "i-unknown" {
		return nil, &ec2stubError{code: elbv2.ErrCodeInvalidTargetException, message: "not a target"}
	}
	e.deregistered = append(e.deregistered, *in.Targets[0].Id)
	return &elbv2.DeregisterTargetsOutput{}, nil
}

func (e *elbstub) DescribeTargetHealth(in *elbv2.DescribeTargetHealthInput) (*elbv2.DescribeTargetHealthOutput, error) {
	id := *in.Targets[0].Id
	if id == "i-invalid" {
		return nil, &ec2stubError{code: elbv2.ErrCodeInvalidTargetException, message: "not a target"}
	}
	state, ok := e.health[id]
	if !ok {
		return &elbv2.DescribeTargetHealthOutput{}, nil
	}
	return &elbv2.DescribeTargetHealthOutput{TargetHealthDescriptions: []*elbv2.TargetHealthDescription{{
		Target:       in.Targets[0],
		TargetHealth: &elbv2.TargetHealth{State: aws.String(state)},
	}}}, nil
}

func (e *elbstub) DescribeLoadBalancersPages(in *elbv2.DescribeLoadBalancersInput, fn func(*elbv2.DescribeLoadBalancersOutput, bool) bool) error {
	half := len(e.lbs) / 2
	if fn(&elbv2.DescribeLoadBalancersOutput{LoadBalancers: e.lbs[:half]}, false) {
		fn(&elbv2.DescribeLoadBalancersOutput{LoadBalancers: e.lbs[half:]}, true)
	}
	return nil
}

func (e *elbstub) DescribeTargetGroupsPages(in *elbv2.DescribeTargetGroupsInput, fn func(*elbv2.DescribeTargetGroupsOutput, bool) bool) error {
	fn(&elbv2.DescribeTargetGroupsOutput{TargetGroups: e.tgs}, true)
	return nil
}

func (e *elbstub) DescribeTags(in *elbv2.DescribeTagsInput) (*elbv2.DescribeTagsOutput, error) {
	arns := aws.StringValueSlice(in.ResourceArns)
	e.describeTagsArns = append(e.describeTagsArns, arns)
	var out elbv2.DescribeTagsOutput
	for _, arn := range arns {
		td := &elbv2.TagDescription{ResourceArn: aws.String(arn)}
		for k, v := range e.tags[arn] {
			td.Tags = append(td.Tags, &elbv2.Tag{Key: aws.String(k), Value: aws.String(v)})
		}
		out.TagDescriptions = append(out.TagDescriptions, td)
	}
	return &out, nil
}

func (e *elbstub) DeleteLoadBalancer(in *elbv2.DeleteLoadBalancerInput) (*elbv2.DeleteLoadBalancerOutput, error) {
	e.deleted = append(e.deleted, *in.LoadBalancerArn)
	return &elbv2.DeleteLoadBalancerOutput{}, nil
}

func (e *elbstub) DeleteTargetGroup(in *elbv2.DeleteTargetGroupInput) (*elbv2.DeleteTargetGroupOutput, error) {
	e.deleted = append(e.deleted, *in.TargetGroupArn)
	return &elbv2.DeleteTargetGroupOutput{}, nil
}

func (*ELBSuite) TestTargetHealth(c *check.C) {
	stub := &elbstub{health: map[string]string{"i-1": "healthy", "i-2": "draining"}}
	set := newELBSet(stub, ctxlog.TestLogger(c))
	for id, expect := range map[cloud.InstanceID]cloud.TargetState{
		"i-1":       cloud.TargetHealthy,
		"i-2":       cloud.TargetDraining,
		"i-3":       cloud.TargetAbsent,
		"i-invalid": cloud.TargetAbsent,
	} {
		state, err := set.TargetHealth("arn:tg", id, 12345)
		c.Check(err, check.IsNil)
		c.Check(state, check.Equals, expect, check.Commentf("%s", id))
	}
}

func (*ELBSuite) TestRegisterDeregister(c *check.C) {
	stub := &elbstub{}
	set := newELBSet(stub, ctxlog.TestLogger(c))
	c.Check(set.RegisterTarget("arn:tg", "i-1", 12345), check.IsNil)
	c.Check(set.DeregisterTarget("arn:tg", "i-1", 12345), check.IsNil)
	c.Check(set.DeregisterTarget("arn:tg", "i-unknown", 12345), check.IsNil)
	c.Check(stub.registered, check.DeepEquals, []string{"i-1:12345"})
	c.Check(stub.deregistered, check.DeepEquals, []string{"i-1"})
}

func (*ELBSuite) TestFindByTags(c *check.C) {
	stub := &elbstub{tags: map[string]map[string]string{}}
	for i := 0; i < 25; i++ {
		arn := fmt.Sprintf("arn:lb/%d", i)
		stub.lbs = append(stub.lbs, &elbv2.LoadBalancer{
			LoadBalancerArn:  aws.String(arn),
			LoadBalancerName: aws.String(fmt.Sprintf("lb%d", i)),
			DNSName:          aws.String(fmt.Sprintf("lb%d.example", i)),
		})
		if i%10 == 3 {
			stub.tags[arn] = map[string]string{"ManagedBy": "dsfleet", "Project": "p1"}
		}
	}
	stub.tgs = []*elbv2.TargetGroup{
		{TargetGroupArn: aws.String("arn:tg/a"), TargetGroupName: aws.String("a")},
		{TargetGroupArn: aws.String("arn:tg/b"), TargetGroupName: aws.String("b")},
	}
	stub.tags["arn:tg/b"] = map[string]string{"ManagedBy": "dsfleet", "Project": "p2"}

	set := newELBSet(stub, ctxlog.TestLogger(c))
	lbs, err := set.LoadBalancers(cloud.InstanceTags{"ManagedBy": "dsfleet"})
	c.Assert(err, check.IsNil)
	c.Check(lbs, check.DeepEquals, []cloud.LoadBalancer{
		{ID: "arn:lb/3", Name: "lb3", DNSName: "lb3.example"},
		{ID: "arn:lb/13", Name: "lb13", DNSName: "lb13.example"},
		{ID: "arn:lb/23", Name: "lb23", DNSName: "lb23.example"},
	})
	c.Assert(stub.describeTagsArns, check.HasLen, 2)
	c.Check(stub.describeTagsArns[0], check.HasLen, 20)
	c.Check(stub.describeTagsArns[1], check.HasLen, 5)

	tgs, err := set.TargetGroups(cloud.InstanceTags{"ManagedBy": "dsfleet", "Project": "p2"})
	c.Assert(err, check.IsNil)
	c.Check(tgs, check.DeepEquals, []cloud.TargetGroup{{ID: "arn:tg/b", Name: "b"}})

	tgs, err = set.TargetGroups(cloud.InstanceTags{"ManagedBy": "dsfleet", "Project": "p1"})
	c.Assert(err, check.IsNil)
	c.Check(tgs, check.HasLen, 0)

	c.Check(set.DeleteLoadBalancer("arn:lb/3"), check.IsNil)
	c.Check(set.DeleteTargetGroup("arn:tg/b"), check.IsNil)
	c.Check(stub.deleted, check.DeepEquals, []string{"arn:lb/3", "arn:tg/b"})
}
