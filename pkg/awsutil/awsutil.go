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

// Package awsutil holds the shared AWS session plumbing: credential loading,
// caller identity and API error classification.
package awsutil

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/aws/smithy-go"

	"shardrun/pkg/logging"
	"shardrun/pkg/shell"
)

// LoadConfig resolves credentials for profile. An empty region falls back to the
// region configured for the profile.
func LoadConfig(ctx context.Context, profile, region string) (aws.Config, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(profile))
	}
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("failed to load AWS config for profile %q: %w", profile, err)
	}
	if cfg.Region == "" {
		return aws.Config{}, fmt.Errorf("no region configured for profile %q; set aws.region", profile)
	}
	return cfg, nil
}

// STSAPI is the subset of the STS client used here.
type STSAPI interface {
	GetCallerIdentity(ctx context.Context, in *sts.GetCallerIdentityInput, optFns ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error)
}

// AccountID returns the account of the calling identity.
func AccountID(ctx context.Context, client STSAPI) (string, error) {
	out, err := client.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
	if err != nil {
		return "", fmt.Errorf("failed to get caller identity: %w", err)
	}
	return aws.ToString(out.Account), nil
}

// Identity is the resolved account and region a command operates in.
type Identity struct {
	Config    aws.Config
	AccountID string
	Region    string
}

// Resolve loads the SDK config for profile and region and looks up the account.
func Resolve(ctx context.Context, profile, region string) (*Identity, error) {
	cfg, err := LoadConfig(ctx, profile, region)
	if err != nil {
		return nil, err
	}
	account, err := AccountID(ctx, sts.NewFromConfig(cfg))
	if err != nil {
		return nil, err
	}
	return &Identity{Config: cfg, AccountID: account, Region: cfg.Region}, nil
}

var (
	captureCommand = func(ctx context.Context, cmd *shell.Command) shell.CommandResult {
		return cmd.ExecuteContext(ctx)
	}
	// the login prints a verification URL and device code the user must see
	streamCommand = func(ctx context.Context, cmd *shell.Command) shell.CommandResult {
		return cmd.Stream(ctx, os.Stdout, os.Stderr)
	}
)

// EnsureSSOLogin checks the CLI session for profile and runs `aws sso login`
// in the foreground when it has expired.
func EnsureSSOLogin(ctx context.Context, profile string) error {
	res := captureCommand(ctx, shell.NewCommand("aws", "sts", "get-caller-identity", "--profile", profile))
	if res.ExitCode == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	logging.Info("AWS session for profile %s is not valid, starting SSO login", profile)
	res = streamCommand(ctx, shell.NewCommand("aws", "sso", "login", "--profile", profile))
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("aws sso login interrupted: %w", err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("aws sso login failed for profile %q (exit code %d): %s", profile, res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return nil
}

// ErrorCode returns the service error code of err, or "" when err is not an API error.
func ErrorCode(err error) string {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode()
	}
	return ""
}

// HasCode reports whether err carries one of codes.
func HasCode(err error, codes ...string) bool {
	code := ErrorCode(err)
	if code == "" {
		return false
	}
	for _, c := range codes {
		if c == code {
			return true
		}
	}
	return false
}
