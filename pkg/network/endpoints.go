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

package network

import (
	"context"
	"fmt"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"

	"shardrun/pkg/logging"
)

// EndpointResult reports what EnsureEndpoints did for one service.
type EndpointResult struct {
	Service string
	ID      string
	Action  string // "created", "updated" or "unchanged"
}

// ServiceName is the regional endpoint service name for short, e.g. "ecr.api".
func ServiceName(region, short string) string {
	return fmt.Sprintf("com.amazonaws.%s.%s", region, short)
}

// RouteTables returns the route tables serving subnets: the explicitly
// associated table of each subnet, or the VPC's main table.
func RouteTables(ctx context.Context, api EC2API, vpcID string, subnets []string) ([]string, error) {
	out, err := api.DescribeRouteTables(ctx, &ec2.DescribeRouteTablesInput{Filters: []types.Filter{filter("vpc-id", vpcID)}})
	if err != nil {
		return nil, fmt.Errorf("failed to describe route tables of %s: %w", vpcID, err)
	}
	bySubnet := map[string]string{}
	main := ""
	for _, rt := range out.RouteTables {
		for _, a := range rt.Associations {
			if aws.ToBool(a.Main) {
				main = aws.ToString(rt.RouteTableId)
			}
			if a.SubnetId != nil {
				bySubnet[aws.ToString(a.SubnetId)] = aws.ToString(rt.RouteTableId)
			}
		}
	}
	set := map[string]bool{}
	for _, s := range subnets {
		rt, ok := bySubnet[s]
		if !ok {
			rt = main
		}
		if rt == "" {
			return nil, fmt.Errorf("no route table found for subnet %s", s)
		}
		set[rt] = true
	}
	return sortedKeys(set), nil
}

func findEndpoint(ctx context.Context, api EC2API, vpcID, service string) (*types.VpcEndpoint, error) {
	out, err := api.DescribeVpcEndpoints(ctx, &ec2.DescribeVpcEndpointsInput{
		Filters: []types.Filter{filter("vpc-id", vpcID), filter("service-name", service)},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to describe endpoints for %s: %w", service, err)
	}
	for i, ep := range out.VpcEndpoints {
		switch ep.State {
		case types.StateDeleted, types.StateDeleting, types.StateFailed, types.StateRejected:
			continue
		}
		return &out.VpcEndpoints[i], nil
	}
	return nil, nil
}

// EnsureGatewayEndpoint makes sure an S3 gateway endpoint serves routeTables.
func EnsureGatewayEndpoint(ctx context.Context, api EC2API, region, vpcID string, routeTables []string) (EndpointResult, error) {
	service := ServiceName(region, "s3")
	res := EndpointResult{Service: service}
	ep, err := findEndpoint(ctx, api, vpcID, service)
	if err != nil {
		return res, err
	}
	if ep == nil {
		out, err := api.CreateVpcEndpoint(ctx, &ec2.CreateVpcEndpointInput{
			VpcId:           aws.String(vpcID),
			ServiceName:     aws.String(service),
			VpcEndpointType: types.VpcEndpointTypeGateway,
			RouteTableIds:   routeTables,
		})
		if err != nil {
			return res, fmt.Errorf("failed to create gateway endpoint %s: %w", service, err)
		}
		res.ID, res.Action = aws.ToString(out.VpcEndpoint.VpcEndpointId), "created"
		return res, nil
	}
	res.ID = aws.ToString(ep.VpcEndpointId)
	missing := missingFrom(ep.RouteTableIds, routeTables)
	if len(missing) == 0 {
		res.Action = "unchanged"
		return res, nil
	}
	if _, err := api.ModifyVpcEndpoint(ctx, &ec2.ModifyVpcEndpointInput{
		VpcEndpointId:    ep.VpcEndpointId,
		AddRouteTableIds: missing,
	}); err != nil {
		return res, fmt.Errorf("failed to add route tables to %s: %w", res.ID, err)
	}
	res.Action = "updated"
	return res, nil
}

// EnsureInterfaceEndpoint makes sure an interface endpoint for short exists in
// subnets with securityGroups attached. New endpoints get private DNS.
func EnsureInterfaceEndpoint(ctx context.Context, api EC2API, region, vpcID, short string, subnets, securityGroups []string) (EndpointResult, error) {
	service := ServiceName(region, short)
	res := EndpointResult{Service: service}
	ep, err := findEndpoint(ctx, api, vpcID, service)
	if err != nil {
		return res, err
	}
	if ep == nil {
		out, err := api.CreateVpcEndpoint(ctx, &ec2.CreateVpcEndpointInput{
			VpcId:             aws.String(vpcID),
			ServiceName:       aws.String(service),
			VpcEndpointType:   types.VpcEndpointTypeInterface,
			SubnetIds:         subnets,
			SecurityGroupIds:  securityGroups,
			PrivateDnsEnabled: aws.Bool(true),
		})
		if err != nil {
			return res, fmt.Errorf("failed to create interface endpoint %s: %w", service, err)
		}
		res.ID, res.Action = aws.ToString(out.VpcEndpoint.VpcEndpointId), "created"
		return res, nil
	}

	res.ID = aws.ToString(ep.VpcEndpointId)
	var groups []string
	for _, g := range ep.Groups {
		groups = append(groups, aws.ToString(g.GroupId))
	}
	addSubnets := missingFrom(ep.SubnetIds, subnets)
	addGroups := missingFrom(groups, securityGroups)
	if len(addSubnets) == 0 && len(addGroups) == 0 {
		res.Action = "unchanged"
		return res, nil
	}
	if _, err := api.ModifyVpcEndpoint(ctx, &ec2.ModifyVpcEndpointInput{
		VpcEndpointId:       ep.VpcEndpointId,
		AddSubnetIds:        addSubnets,
		AddSecurityGroupIds: addGroups,
	}); err != nil {
		return res, fmt.Errorf("failed to update interface endpoint %s: %w", res.ID, err)
	}
	res.Action = "updated"
	return res, nil
}

// EnsureEndpoints creates or extends the S3 gateway endpoint and the interface
// endpoints in InterfaceServices for p.
func EnsureEndpoints(ctx context.Context, api EC2API, region string, p *Placement) ([]EndpointResult, error) {
	if len(p.SubnetIDs) < 2 {
		logging.Warn("Only %d subnet(s) selected; interface endpoints are more resilient across two or more zones", len(p.SubnetIDs))
	}
	rts, err := RouteTables(ctx, api, p.VPCID, p.SubnetIDs)
	if err != nil {
		return nil, err
	}
	var results []EndpointResult
	gw, err := EnsureGatewayEndpoint(ctx, api, region, p.VPCID, rts)
	if err != nil {
		return nil, err
	}
	results = append(results, gw)
	for _, svc := range InterfaceServices {
		r, err := EnsureInterfaceEndpoint(ctx, api, region, p.VPCID, svc, p.SubnetIDs, p.SecurityGroupIDs)
		if err != nil {
			return results, err
		}
		results = append(results, r)
	}
	for _, r := range results {
		logging.Info("Endpoint %s: %s (%s)", r.Service, r.Action, r.ID)
	}
	return results, nil
}

// missingFrom returns the elements of want not present in have.
func missingFrom(have, want []string) []string {
	set := map[string]bool{}
	for _, h := range have {
		set[h] = true
	}
	var out []string
	for _, w := range want {
		if !set[w] {
			out = append(out, w)
			set[w] = true
		}
	}
	return out
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
