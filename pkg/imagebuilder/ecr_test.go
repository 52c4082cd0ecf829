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
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ecr"
	ecrtypes "github.com/aws/aws-sdk-go-v2/service/ecr/types"
	"github.com/aws/smithy-go"
)

type fakeECR struct {
	repos   map[string]string
	created []*ecr.CreateRepositoryInput
	deleted []string
	token   string
}

func (f *fakeECR) DescribeRepositories(_ context.Context, in *ecr.DescribeRepositoriesInput, _ ...func(*ecr.Options)) (*ecr.DescribeRepositoriesOutput, error) {
	uri, ok := f.repos[in.RepositoryNames[0]]
	if !ok {
		return nil, &smithy.GenericAPIError{Code: repositoryNotFound}
	}
	return &ecr.DescribeRepositoriesOutput{Repositories: []ecrtypes.Repository{{RepositoryUri: aws.String(uri)}}}, nil
}

func (f *fakeECR) CreateRepository(_ context.Context, in *ecr.CreateRepositoryInput, _ ...func(*ecr.Options)) (*ecr.CreateRepositoryOutput, error) {
	f.created = append(f.created, in)
	uri := "123456789012.dkr.ecr.us-east-2.amazonaws.com/" + aws.ToString(in.RepositoryName)
	f.repos[aws.ToString(in.RepositoryName)] = uri
	return &ecr.CreateRepositoryOutput{Repository: &ecrtypes.Repository{RepositoryUri: aws.String(uri)}}, nil
}

func (f *fakeECR) DeleteRepository(_ context.Context, in *ecr.DeleteRepositoryInput, _ ...func(*ecr.Options)) (*ecr.DeleteRepositoryOutput, error) {
	name := aws.ToString(in.RepositoryName)
	if _, ok := f.repos[name]; !ok {
		return nil, &smithy.GenericAPIError{Code: repositoryNotFound}
	}
	delete(f.repos, name)
	f.deleted = append(f.deleted, name)
	return &ecr.DeleteRepositoryOutput{}, nil
}

func (f *fakeECR) GetAuthorizationToken(context.Context, *ecr.GetAuthorizationTokenInput, ...func(*ecr.Options)) (*ecr.GetAuthorizationTokenOutput, error) {
	return &ecr.GetAuthorizationTokenOutput{AuthorizationData: []ecrtypes.AuthorizationData{{AuthorizationToken: aws.String(f.token)}}}, nil
}

func TestEnsureRepository(t *testing.T) {
	f := &fakeECR{repos: map[string]string{}}
	ctx := context.Background()

	uri, err := EnsureRepository(ctx, f, "shardrun")
	if err != nil {
		t.Fatalf("EnsureRepository() error = %v", err)
	}
	if uri != "123456789012.dkr.ecr.us-east-2.amazonaws.com/shardrun" {
		t.Errorf("unexpected uri %q", uri)
	}
	if len(f.created) != 1 || !f.created[0].ImageScanningConfiguration.ScanOnPush {
		t.Fatalf("expected one repository created with scan on push, got %v", f.created)
	}

	if _, err := EnsureRepository(ctx, f, "shardrun"); err != nil {
		t.Fatal(err)
	}
	if len(f.created) != 1 {
		t.Error("existing repository was created again")
	}
}

func TestDeleteRepository(t *testing.T) {
	f := &fakeECR{repos: map[string]string{"shardrun": "uri"}}
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if err := DeleteRepository(ctx, f, "shardrun"); err != nil {
			t.Fatalf("DeleteRepository() attempt %d error = %v", i, err)
		}
	}
	if len(f.deleted) != 1 {
		t.Errorf("deleted = %v", f.deleted)
	}
}

func TestAuthenticator(t *testing.T) {
	f := &fakeECR{token: base64.StdEncoding.EncodeToString([]byte("AWS:s3cr3t:with:colons"))}
	auth, err := Authenticator(context.Background(), f)
	if err != nil {
		t.Fatalf("Authenticator() error = %v", err)
	}
	cfg, err := auth.Authorization()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Username != "AWS" || cfg.Password != "s3cr3t:with:colons" {
		t.Errorf("unexpected credentials %+v", cfg)
	}

	f.token = "not base64!"
	if _, err := Authenticator(context.Background(), f); err == nil {
		t.Error("expected error for an undecodable token")
	}
	f.token = base64.StdEncoding.EncodeToString([]byte("nocolon"))
	if _, err := Authenticator(context.Background(), f); err == nil {
		t.Error("expected error for a token without a password")
	}
}
