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

package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/agext/levenshtein"
	"github.com/pelletier/go-toml/v2"
)

// Supported execution backends.
const (
	BackendBatch = "batch"
	BackendEKS   = "eks"
)

// Backends lists the accepted values of job.backend.
var Backends = []string{BackendBatch, BackendEKS}

// Config is the complete shardrun configuration.
type Config struct {
	AWS     AWSConfig     `toml:"aws"`
	Batch   BatchConfig   `toml:"batch"`
	EKS     EKSConfig     `toml:"eks"`
	Job     JobConfig     `toml:"job"`
	Image   ImageConfig   `toml:"image"`
	Paths   PathsConfig   `toml:"paths"`
	Logging LoggingConfig `toml:"logging"`
}

type AWSConfig struct {
	Profile      string `toml:"profile"`
	Region       string `toml:"region"`        // empty: region of the profile
	BucketPrefix string `toml:"bucket_prefix"` // bucket is {prefix}{region}-{account}
	Bucket       string `toml:"bucket"`        // explicit bucket name, overrides the prefix scheme
}

type BatchConfig struct {
	ComputeEnv       string   `toml:"compute_env"`
	JobQueue         string   `toml:"job_queue"`
	JobDefinition    string   `toml:"job_definition"`
	LogGroup         string   `toml:"log_group"`
	ExecRoleName     string   `toml:"exec_role_name"`
	JobRoleName      string   `toml:"job_role_name"`
	MaxVCPUs         int32    `toml:"max_vcpus"`
	VCPU             string   `toml:"vcpu"`
	MemoryMiB        string   `toml:"memory_mib"`
	SubnetIDs        []string `toml:"subnet_ids"`         // empty: default VPC subnets
	SecurityGroupIDs []string `toml:"security_group_ids"` // empty: default security group
	AssignPublicIP   bool     `toml:"assign_public_ip"`
}

type EKSConfig struct {
	ClusterName    string `toml:"cluster_name"`
	Namespace      string `toml:"namespace"`
	FargateProfile string `toml:"fargate_profile"`
	ServiceAccount string `toml:"service_account"`
	PolicyName     string `toml:"policy_name"`
	JobName        string `toml:"job_name"`
	CPU            string `toml:"cpu"`
	Memory         string `toml:"memory"`
	BackoffLimit   int32  `toml:"backoff_limit"`
	TTLSeconds     int32  `toml:"ttl_seconds"`
	Kubeconfig     string `toml:"kubeconfig"` // empty: default loading rules
	PodsGoneWait   string `toml:"pods_gone_wait"`
}

type JobConfig struct {
	Backend           string `toml:"backend"`
	Shards            int    `toml:"shards"`
	ProcessCap        int    `toml:"process_cap"` // <= 0 means unlimited
	InputBase         string `toml:"input_base"`
	OutputBase        string `toml:"output_base"`
	PollInterval      string `toml:"poll_interval"`
	FirstUnitInterval string `toml:"first_unit_interval"`
	FirstUnitAttempts int    `toml:"first_unit_attempts"`
	Timeout           string `toml:"timeout"`
	Tail              bool   `toml:"tail"` // supervised kubectl log follower on eks
}

type ImageConfig struct {
	Repository string `toml:"repository"`
	Tag        string `toml:"tag"`
	BaseImage  string `toml:"base_image"`
	Platform   string `toml:"platform"`
	ContextDir string `toml:"context_dir"`
	Entrypoint string `toml:"entrypoint"` // path of the worker binary inside the image
}

type PathsConfig struct {
	DataDir    string `toml:"data_dir"`
	ResultsDir string `toml:"results_dir"`
	ReportDir  string `toml:"report_dir"`
}

type LoggingConfig struct {
	Level string `toml:"level"` // "debug", "info", "warn", "error"
}

// NewDefaultConfig returns the configuration used when no file is given.
func NewDefaultConfig() *Config {
	return &Config{
		AWS: AWSConfig{
			Profile:      "default",
			BucketPrefix: "shardrun-",
		},
		Batch: BatchConfig{
			ComputeEnv:    "shardrun-ce",
			JobQueue:      "shardrun-queue",
			JobDefinition: "shardrun-jobdef",
			LogGroup:      "/aws/batch/job",
			ExecRoleName:  "ecsTaskExecutionRole",
			JobRoleName:   "shardrunJobRole",
			MaxVCPUs:      16,
			VCPU:          "1",
			MemoryMiB:     "2048",
		},
		EKS: EKSConfig{
			ClusterName:    "shardrun",
			Namespace:      "shardrun",
			FargateProfile: "fp-shardrun",
			ServiceAccount: "shardrun-sa",
			PolicyName:     "shardrun-s3-rw",
			JobName:        "shardrun-sum",
			CPU:            "1",
			Memory:         "2Gi",
			BackoffLimit:   1,
			TTLSeconds:     3600,
			PodsGoneWait:   "120s",
		},
		Job: JobConfig{
			Backend:           BackendBatch,
			Shards:            10,
			InputBase:         "input/",
			OutputBase:        "output/",
			PollInterval:      "2s",
			FirstUnitInterval: "1s",
			FirstUnitAttempts: 120,
			Timeout:           "60m",
			Tail:              true,
		},
		Image: ImageConfig{
			Repository: "shardrun",
			Tag:        "latest",
			BaseImage:  "gcr.io/distroless/static-debian12:nonroot",
			Platform:   "linux/amd64",
			ContextDir: "dist",
			Entrypoint: "/app/shardrun",
		},
		Paths: PathsConfig{
			DataDir:    "data",
			ResultsDir: "data/out",
			ReportDir:  "data/out",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// LoadFromFile reads path over the defaults and applies environment overrides.
// A missing file is not an error when path is the default location.
func LoadFromFile(path string) (*Config, error) {
	cfg := NewDefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := toml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
			}
		case errors.Is(err, os.ErrNotExist) && path == DefaultPath:
		default:
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}
	applyEnvOverrides(cfg)
	return cfg, nil
}

// DefaultPath is the config file looked up when --config is not given.
const DefaultPath = "config.toml"

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SHARDRUN_PROFILE"); v != "" {
		cfg.AWS.Profile = v
	}
	if v := os.Getenv("SHARDRUN_REGION"); v != "" {
		cfg.AWS.Region = v
	}
	if v := os.Getenv("SHARDRUN_SHARDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Job.Shards = n
		}
	}
	if v := os.Getenv("SHARDRUN_BACKEND"); v != "" {
		cfg.Job.Backend = v
	}
}

// Validate checks values that cannot be caught by decoding.
func (c *Config) Validate() error {
	var errs []error
	if err := ValidateBackend(c.Job.Backend); err != nil {
		errs = append(errs, err)
	}
	if c.Job.Shards < 1 {
		errs = append(errs, fmt.Errorf("job.shards must be at least 1, got %d", c.Job.Shards))
	}
	if c.Job.FirstUnitAttempts < 1 {
		errs = append(errs, fmt.Errorf("job.first_unit_attempts must be at least 1, got %d", c.Job.FirstUnitAttempts))
	}
	durations := []struct{ key, value string }{
		{"job.poll_interval", c.Job.PollInterval},
		{"job.first_unit_interval", c.Job.FirstUnitInterval},
		{"job.timeout", c.Job.Timeout},
		{"eks.pods_gone_wait", c.EKS.PodsGoneWait},
	}
	for _, d := range durations {
		if _, err := parseDuration(d.value); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", d.key, err))
		}
	}
	if c.AWS.Bucket == "" && c.AWS.BucketPrefix == "" {
		errs = append(errs, errors.New("one of aws.bucket or aws.bucket_prefix must be set"))
	}
	return errors.Join(errs...)
}

// ValidateBackend rejects unknown backend names, suggesting the closest match.
func ValidateBackend(name string) error {
	for _, b := range Backends {
		if name == b {
			return nil
		}
	}
	msg := fmt.Sprintf("unknown backend %q, expected one of %s", name, strings.Join(Backends, ", "))
	if s := closest(name, Backends); s != "" {
		msg += fmt.Sprintf("; did you mean %q?", s)
	}
	return errors.New(msg)
}

// closest returns the candidate within edit distance 2 of s, if any.
func closest(s string, candidates []string) string {
	best, bestDist := "", 3
	for _, c := range candidates {
		if d := levenshtein.Distance(strings.ToLower(s), c, nil); d < bestDist {
			best, bestDist = c, d
		}
	}
	return best
}

func parseDuration(s string) (time.Duration, error) {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("duration %q must be positive", s)
	}
	return d, nil
}

func mustDuration(s string, fallback time.Duration) time.Duration {
	d, err := parseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

func (j JobConfig) PollIntervalDuration() time.Duration {
	return mustDuration(j.PollInterval, 2*time.Second)
}

func (j JobConfig) FirstUnitIntervalDuration() time.Duration {
	return mustDuration(j.FirstUnitInterval, time.Second)
}

func (j JobConfig) TimeoutDuration() time.Duration {
	return mustDuration(j.Timeout, time.Hour)
}

func (e EKSConfig) PodsGoneWaitDuration() time.Duration {
	return mustDuration(e.PodsGoneWait, 2*time.Minute)
}

// BucketName resolves the bucket for the given region and account.
func (c *Config) BucketName(region, accountID string) string {
	if c.AWS.Bucket != "" {
		return c.AWS.Bucket
	}
	return fmt.Sprintf("%s%s-%s", c.AWS.BucketPrefix, region, accountID)
}

// ImageURI is the fully qualified ECR reference of the worker image.
func (c *Config) ImageURI(region, accountID string) string {
	return fmt.Sprintf("%s/%s:%s", RegistryHost(region, accountID), c.Image.Repository, c.Image.Tag)
}

// RegistryHost is the private ECR registry of an account.
func RegistryHost(region, accountID string) string {
	return fmt.Sprintf("%s.dkr.ecr.%s.amazonaws.com", accountID, region)
}
