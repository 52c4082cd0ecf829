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

package eks

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awseks "github.com/aws/aws-sdk-go-v2/service/eks"
	ekstypes "github.com/aws/aws-sdk-go-v2/service/eks/types"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"shardrun/pkg/awsutil"
	"shardrun/pkg/logging"
	"shardrun/pkg/orchestrator"
	"shardrun/pkg/shell"
)

const roleARNAnnotation = "eks.amazonaws.com/role-arn"

// Setup makes sure the cluster, its Fargate profile, the namespace and the
// S3 enabled service account exist, and points the kubeconfig at the cluster.
func (o *Orchestrator) Setup(ctx context.Context) error {
	if err := o.ensureCluster(ctx); err != nil {
		return err
	}
	if err := o.ensureFargateProfile(ctx); err != nil {
		return err
	}
	if err := o.updateKubeconfig(ctx); err != nil {
		return err
	}
	kube, err := o.kube()
	if err != nil {
		return err
	}
	if err := o.ensureNamespace(ctx, kube); err != nil {
		return err
	}
	policyARN, err := o.ensurePolicy(ctx)
	if err != nil {
		return err
	}
	if err := o.ensureServiceAccount(ctx, kube, policyARN); err != nil {
		return err
	}
	logging.Info("EKS environment ready: cluster %s, namespace %s, service account %s", o.cfg.ClusterName, o.cfg.Namespace, o.cfg.ServiceAccount)
	return nil
}

func (o *Orchestrator) exec(ctx context.Context, name string, args ...string) error {
	cmd := shell.NewCommand(name, args...)
	logging.Info("Executing: %s", cmd)
	res := o.run(ctx, cmd, o.out)
	if res.ExitCode != 0 {
		return fmt.Errorf("%s failed with exit code %d: %s", name, res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return nil
}

func (o *Orchestrator) clusterStatus(ctx context.Context) (ekstypes.ClusterStatus, error) {
	out, err := o.c.EKS.DescribeCluster(ctx, &awseks.DescribeClusterInput{Name: aws.String(o.cfg.ClusterName)})
	if awsutil.HasCode(err, "ResourceNotFoundException") {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to describe cluster %s: %w", o.cfg.ClusterName, err)
	}
	return out.Cluster.Status, nil
}

func (o *Orchestrator) ensureCluster(ctx context.Context) error {
	status, err := o.clusterStatus(ctx)
	if err != nil {
		return err
	}
	switch status {
	case ekstypes.ClusterStatusActive:
		logging.Info("Cluster %s is ACTIVE", o.cfg.ClusterName)
		return nil
	case ekstypes.ClusterStatusCreating, ekstypes.ClusterStatusUpdating, ekstypes.ClusterStatusPending:
		logging.Info("Cluster %s is %s", o.cfg.ClusterName, status)
	case "":
		logging.Info("Creating Fargate cluster %s, this takes about 15 minutes", o.cfg.ClusterName)
		if err := o.exec(ctx, "eksctl", "create", "cluster",
			"--name", o.cfg.ClusterName,
			"--region", o.region,
			"--fargate",
			"--with-oidc",
		); err != nil {
			return err
		}
	default:
		return fmt.Errorf("cluster %s is %s", o.cfg.ClusterName, status)
	}
	return o.waitFor(ctx, "cluster "+o.cfg.ClusterName+" to become ACTIVE", o.waitAttempts, func() (bool, error) {
		status, err := o.clusterStatus(ctx)
		if err != nil {
			return false, err
		}
		if status == ekstypes.ClusterStatusFailed {
			return false, fmt.Errorf("cluster %s FAILED", o.cfg.ClusterName)
		}
		return status == ekstypes.ClusterStatusActive, nil
	})
}

func (o *Orchestrator) ensureFargateProfile(ctx context.Context) error {
	out, err := o.c.EKS.DescribeFargateProfile(ctx, &awseks.DescribeFargateProfileInput{
		ClusterName:        aws.String(o.cfg.ClusterName),
		FargateProfileName: aws.String(o.cfg.FargateProfile),
	})
	switch {
	case err == nil:
		logging.Info("Fargate profile %s is %s", o.cfg.FargateProfile, out.FargateProfile.Status)
		return nil
	case !awsutil.HasCode(err, "ResourceNotFoundException"):
		return fmt.Errorf("failed to describe Fargate profile %s: %w", o.cfg.FargateProfile, err)
	}
	logging.Info("Creating Fargate profile %s for namespace %s", o.cfg.FargateProfile, o.cfg.Namespace)
	return o.exec(ctx, "eksctl", "create", "fargateprofile",
		"--cluster", o.cfg.ClusterName,
		"--region", o.region,
		"--name", o.cfg.FargateProfile,
		"--namespace", o.cfg.Namespace,
	)
}

func (o *Orchestrator) updateKubeconfig(ctx context.Context) error {
	args := []string{"eks", "update-kubeconfig", "--name", o.cfg.ClusterName, "--region", o.region}
	if o.profile != "" {
		args = append(args, "--profile", o.profile)
	}
	if o.cfg.Kubeconfig != "" {
		args = append(args, "--kubeconfig", o.cfg.Kubeconfig)
	}
	return o.exec(ctx, "aws", args...)
}

func (o *Orchestrator) ensureNamespace(ctx context.Context, kube kubernetes.Interface) error {
	_, err := kube.CoreV1().Namespaces().Get(ctx, o.cfg.Namespace, metav1.GetOptions{})
	if err == nil {
		return nil
	}
	if !apierrors.IsNotFound(err) {
		return fmt.Errorf("failed to get namespace %s: %w", o.cfg.Namespace, err)
	}
	logging.Info("Creating namespace %s", o.cfg.Namespace)
	_, err = kube.CoreV1().Namespaces().Create(ctx, &corev1.Namespace{ObjectMeta: metav1.ObjectMeta{Name: o.cfg.Namespace}}, metav1.CreateOptions{})
	if err != nil && !apierrors.IsAlreadyExists(err) {
		return fmt.Errorf("failed to create namespace %s: %w", o.cfg.Namespace, err)
	}
	return nil
}

// ensurePolicy returns the ARN of the customer managed S3 policy for the bucket.
func (o *Orchestrator) ensurePolicy(ctx context.Context) (string, error) {
	arn := fmt.Sprintf("arn:aws:iam::%s:policy/%s", o.accountID, o.cfg.PolicyName)
	_, err := o.c.IAM.GetPolicy(ctx, &iam.GetPolicyInput{PolicyArn: aws.String(arn)})
	switch {
	case err == nil:
		return arn, nil
	case !awsutil.HasCode(err, "NoSuchEntity"):
		return "", fmt.Errorf("failed to get policy %s: %w", o.cfg.PolicyName, err)
	}
	logging.Info("Creating IAM policy %s", o.cfg.PolicyName)
	out, err := o.c.IAM.CreatePolicy(ctx, &iam.CreatePolicyInput{
		PolicyName:     aws.String(o.cfg.PolicyName),
		PolicyDocument: aws.String(awsutil.S3ReadWritePolicy(o.bucket)),
	})
	if err != nil {
		return "", fmt.Errorf("failed to create policy %s: %w", o.cfg.PolicyName, err)
	}
	return aws.ToString(out.Policy.Arn), nil
}

// ensureServiceAccount creates an IRSA service account bound to policyARN
// unless one with a role annotation already exists.
func (o *Orchestrator) ensureServiceAccount(ctx context.Context, kube kubernetes.Interface, policyARN string) error {
	sa, err := kube.CoreV1().ServiceAccounts(o.cfg.Namespace).Get(ctx, o.cfg.ServiceAccount, metav1.GetOptions{})
	switch {
	case err == nil && sa.Annotations[roleARNAnnotation] != "":
		logging.Info("Service account %s uses role %s", o.cfg.ServiceAccount, sa.Annotations[roleARNAnnotation])
		return nil
	case err != nil && !apierrors.IsNotFound(err):
		return fmt.Errorf("failed to get service account %s: %w", o.cfg.ServiceAccount, err)
	}
	logging.Info("Creating IAM service account %s with policy %s", o.cfg.ServiceAccount, policyARN)
	return o.exec(ctx, "eksctl", "create", "iamserviceaccount",
		"--cluster", o.cfg.ClusterName,
		"--region", o.region,
		"--namespace", o.cfg.Namespace,
		"--name", o.cfg.ServiceAccount,
		"--attach-policy-arn", policyARN,
		"--override-existing-serviceaccounts",
		"--approve",
	)
}

// Cleanup deletes the job and its pods. With opts.All the cluster is deleted too.
func (o *Orchestrator) Cleanup(ctx context.Context, opts orchestrator.CleanupOptions) error {
	status, err := o.clusterStatus(ctx)
	if err != nil {
		return err
	}
	if status == "" {
		logging.Info("Cluster %s does not exist, nothing to clean up", o.cfg.ClusterName)
		return nil
	}
	if status == ekstypes.ClusterStatusActive {
		kube, err := o.kube()
		if err != nil {
			return err
		}
		if err := o.deleteJob(ctx, kube, o.cfg.JobName); err != nil {
			return err
		}
	}
	if !opts.All {
		return nil
	}
	if status == ekstypes.ClusterStatusDeleting {
		logging.Info("Cluster %s is already being deleted", o.cfg.ClusterName)
		return nil
	}
	logging.Info("Deleting cluster %s", o.cfg.ClusterName)
	return o.exec(ctx, "eksctl", "delete", "cluster", "--name", o.cfg.ClusterName, "--region", o.region, "--wait")
}
