// Copyright 2026 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package network resolves the VPC a Fargate workload runs in and makes sure the
// private endpoints it needs (S3, ECR, STS, CloudWatch Logs) exist.
package network

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"

	"shardrun/pkg/logging"
)

// EC2API is the subset of the EC2 client used for VPC lookups and endpoints.
type EC2API interface {
	DescribeVpcs(ctx context.Context, in *ec2.DescribeVpcsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeVpcsOutput, error)
	DescribeSubnets(ctx context.Context, in *ec2.DescribeSubnetsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeSubnetsOutput, error)
	DescribeSecurityGroups(ctx context.Context, in *ec2.DescribeSecurityGroupsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeSecurityGroupsOutput, error)
	DescribeRouteTables(ctx context.Context, in *ec2.DescribeRouteTablesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeRouteTablesOutput, error)
	DescribeVpcEndpoints(ctx context.Context, in *ec2.DescribeVpcEndpointsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeVpcEndpointsOutput, error)
	CreateVpcEndpoint(ctx context.Context, in *ec2.CreateVpcEndpointInput, optFns ...func(*ec2.Options)) (*ec2.CreateVpcEndpointOutput, error)
	ModifyVpcEndpoint(ctx context.Context, in *ec2.ModifyVpcEndpointInput, optFns ...func(*ec2.Options)) (*ec2.ModifyVpcEndpointOutput, error)
}

// ErrNoDefaultVPC is returned when no subnets are configured and the region has no default VPC.
var ErrNoDefaultVPC = errors.New("no default VPC found; configure subnet ids explicitly")

// InterfaceServices are the interface endpoints a private Fargate task needs.
var InterfaceServices = []string{"ecr.api", "ecr.dkr", "sts", "logs"}

// Placement is where tasks run.
type Placement struct {
	VPCID            string
	SubnetIDs        []string
	SecurityGroupIDs []string
}

func filter(name string, values ...string) types.Filter {
	return types.Filter{Name: aws.String(name), Values: values}
}

// Resolve returns the VPC, subnets and security groups to use. Configured
// subnets must all belong to one VPC. Without configured subnets, the default
// VPC's subnets with the most free addresses are used, spread across zones.
func Resolve(ctx context.Context, api EC2API, subnetIDs, securityGroupIDs []string, maxSubnets int) (*Placement, error) {
	p := &Placement{}
	if len(subnetIDs) > 0 {
		out, err := api.DescribeSubnets(ctx, &ec2.DescribeSubnetsInput{SubnetIds: subnetIDs})
		if err != nil {
			return nil, fmt.Errorf("failed to describe subnets %v: %w", subnetIDs, err)
		}
		vpcs := map[string]bool{}
		for _, s := range out.Subnets {
			vpcs[aws.ToString(s.VpcId)] = true
			p.VPCID = aws.ToString(s.VpcId)
		}
		if len(vpcs) != 1 {
			return nil, fmt.Errorf("configured subnets span %d VPCs, expected exactly one", len(vpcs))
		}
		p.SubnetIDs = subnetIDs
	} else {
		vpcs, err := api.DescribeVpcs(ctx, &ec2.DescribeVpcsInput{Filters: []types.Filter{filter("isDefault", "true")}})
		if err != nil {
			return nil, fmt.Errorf("failed to look up default VPC: %w", err)
		}
		if len(vpcs.Vpcs) == 0 {
			return nil, ErrNoDefaultVPC
		}
		p.VPCID = aws.ToString(vpcs.Vpcs[0].VpcId)
		subnets, err := api.DescribeSubnets(ctx, &ec2.DescribeSubnetsInput{Filters: []types.Filter{filter("vpc-id", p.VPCID)}})
		if err != nil {
			return nil, fmt.Errorf("failed to list subnets of %s: %w", p.VPCID, err)
		}
		p.SubnetIDs = pickSubnets(subnets.Subnets, maxSubnets)
		if len(p.SubnetIDs) == 0 {
			return nil, fmt.Errorf("default VPC %s has no subnets", p.VPCID)
		}
	}

	if len(securityGroupIDs) > 0 {
		p.SecurityGroupIDs = securityGroupIDs
	} else {
		sg, err := DefaultSecurityGroup(ctx, api, p.VPCID)
		if err != nil {
			return nil, err
		}
		p.SecurityGroupIDs = []string{sg}
	}
	logging.Debug("Resolved placement: vpc=%s subnets=%v security groups=%v", p.VPCID, p.SubnetIDs, p.SecurityGroupIDs)
	return p, nil
}

// pickSubnets orders subnets by free addresses and takes the best one per
// availability zone first, then fills up to max from the rest.
func pickSubnets(subnets []types.Subnet, max int) []string {
	sorted := append([]types.Subnet(nil), subnets...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return aws.ToInt32(sorted[i].AvailableIpAddressCount) > aws.ToInt32(sorted[j].AvailableIpAddressCount)
	})
	if max <= 0 || max > len(sorted) {
		max = len(sorted)
	}
	var picked []string
	used := map[string]bool{}
	zones := map[string]bool{}
	for _, s := range sorted {
		if len(picked) == max {
			break
		}
		az := aws.ToString(s.AvailabilityZone)
		if zones[az] {
			continue
		}
		zones[az] = true
		used[aws.ToString(s.SubnetId)] = true
		picked = append(picked, aws.ToString(s.SubnetId))
	}
	for _, s := range sorted {
		if len(picked) == max {
			break
		}
		if id := aws.ToString(s.SubnetId); !used[id] {
			used[id] = true
			picked = append(picked, id)
		}
	}
	return picked
}

// DefaultSecurityGroup returns the id of the VPC's "default" group.
func DefaultSecurityGroup(ctx context.Context, api EC2API, vpcID string) (string, error) {
	out, err := api.DescribeSecurityGroups(ctx, &ec2.DescribeSecurityGroupsInput{
		Filters: []types.Filter{filter("vpc-id", vpcID), filter("group-name", "default")},
	})
	if err != nil {
		return "", fmt.Errorf("failed to look up default security group of %s: %w", vpcID, err)
	}
	if len(out.SecurityGroups) == 0 {
		return "", fmt.Errorf("VPC %s has no default security group", vpcID)
	}
	return aws.ToString(out.SecurityGroups[0].GroupId), nil
}
