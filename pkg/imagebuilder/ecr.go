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

package imagebuilder

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ecr"
	ecrtypes "github.com/aws/aws-sdk-go-v2/service/ecr/types"
	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/sirupsen/logrus"

	"shardrun/pkg/awsutil"
)

// ECRAPI is the subset of the ECR client used for the worker repository.
type ECRAPI interface {
	DescribeRepositories(ctx context.Context, in *ecr.DescribeRepositoriesInput, optFns ...func(*ecr.Options)) (*ecr.DescribeRepositoriesOutput, error)
	CreateRepository(ctx context.Context, in *ecr.CreateRepositoryInput, optFns ...func(*ecr.Options)) (*ecr.CreateRepositoryOutput, error)
	DeleteRepository(ctx context.Context, in *ecr.DeleteRepositoryInput, optFns ...func(*ecr.Options)) (*ecr.DeleteRepositoryOutput, error)
	GetAuthorizationToken(ctx context.Context, in *ecr.GetAuthorizationTokenInput, optFns ...func(*ecr.Options)) (*ecr.GetAuthorizationTokenOutput, error)
}

const repositoryNotFound = "RepositoryNotFoundException"

// EnsureRepository returns the URI of repo, creating it with scan on push
// when it does not exist yet.
func EnsureRepository(ctx context.Context, api ECRAPI, repo string) (string, error) {
	out, err := api.DescribeRepositories(ctx, &ecr.DescribeRepositoriesInput{RepositoryNames: []string{repo}})
	if err == nil && len(out.Repositories) > 0 {
		uri := aws.ToString(out.Repositories[0].RepositoryUri)
		logrus.Infof("ECR repository %s exists", uri)
		return uri, nil
	}
	if err != nil && !awsutil.HasCode(err, repositoryNotFound) {
		return "", fmt.Errorf("failed to describe ECR repository %s: %w", repo, err)
	}

	created, err := api.CreateRepository(ctx, &ecr.CreateRepositoryInput{
		RepositoryName:             aws.String(repo),
		ImageScanningConfiguration: &ecrtypes.ImageScanningConfiguration{ScanOnPush: true},
	})
	if err != nil {
		return "", fmt.Errorf("failed to create ECR repository %s: %w", repo, err)
	}
	uri := aws.ToString(created.Repository.RepositoryUri)
	logrus.Infof("Created ECR repository %s", uri)
	return uri, nil
}

// DeleteRepository force-deletes repo and its images. A missing repository is
// not an error.
func DeleteRepository(ctx context.Context, api ECRAPI, repo string) error {
	_, err := api.DeleteRepository(ctx, &ecr.DeleteRepositoryInput{RepositoryName: aws.String(repo), Force: true})
	switch {
	case err == nil:
		logrus.Infof("Deleted ECR repository %s", repo)
	case awsutil.HasCode(err, repositoryNotFound):
		logrus.Infof("ECR repository %s does not exist", repo)
	default:
		return fmt.Errorf("failed to delete ECR repository %s: %w", repo, err)
	}
	return nil
}

// Authenticator exchanges an ECR authorization token for registry credentials.
// The token is base64 of "user:password".
func Authenticator(ctx context.Context, api ECRAPI) (authn.Authenticator, error) {
	out, err := api.GetAuthorizationToken(ctx, &ecr.GetAuthorizationTokenInput{})
	if err != nil {
		return nil, fmt.Errorf("failed to get ECR authorization token: %w", err)
	}
	if len(out.AuthorizationData) == 0 {
		return nil, fmt.Errorf("ECR returned no authorization data")
	}
	raw, err := base64.StdEncoding.DecodeString(aws.ToString(out.AuthorizationData[0].AuthorizationToken))
	if err != nil {
		return nil, fmt.Errorf("failed to decode ECR authorization token: %w", err)
	}
	user, password, ok := strings.Cut(string(raw), ":")
	if !ok {
		return nil, fmt.Errorf("malformed ECR authorization token")
	}
	return authn.FromConfig(authn.AuthConfig{Username: user, Password: password}), nil
}
