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

// Package storage moves shard inputs and results between the local data
// directory and the run's S3 bucket.
package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/spf13/afero"

	"shardrun/pkg/awsutil"
	"shardrun/pkg/logging"
)

// DeleteObjects accepts at most this many keys per call.
const deleteBatch = 1000

// defaultConcurrency bounds parallel transfers.
const defaultConcurrency = 8

// ErrBucketForeign means the bucket exists but belongs to someone else.
var ErrBucketForeign = errors.New("bucket exists but is not accessible")

// S3API is the subset of the S3 client used by this package.
type S3API interface {
	HeadBucket(ctx context.Context, in *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	CreateBucket(ctx context.Context, in *s3.CreateBucketInput, optFns ...func(*s3.Options)) (*s3.CreateBucketOutput, error)
	DeleteBucket(ctx context.Context, in *s3.DeleteBucketInput, optFns ...func(*s3.Options)) (*s3.DeleteBucketOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	DeleteObjects(ctx context.Context, in *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
}

// Object is one listed key.
type Object struct {
	Key  string
	Size int64
}

// Store is one bucket plus the local filesystem transfers read from and write to.
type Store struct {
	api         S3API
	bucket      string
	region      string
	fs          afero.Fs
	concurrency int
}

// New returns a store for bucket in region on the OS filesystem.
func New(api S3API, bucket, region string) *Store {
	return &Store{api: api, bucket: bucket, region: region, fs: afero.NewOsFs(), concurrency: defaultConcurrency}
}

// NewFromConfig builds the S3 client from cfg.
func NewFromConfig(cfg aws.Config, bucket string) *Store {
	return New(s3.NewFromConfig(cfg), bucket, cfg.Region)
}

// WithFs swaps the local filesystem, for tests and dry runs.
func (s *Store) WithFs(fs afero.Fs) *Store {
	s.fs = fs
	return s
}

// Bucket is the bucket name.
func (s *Store) Bucket() string {
	return s.bucket
}

func httpStatus(err error) int {
	var re interface{ HTTPStatusCode() int }
	if errors.As(err, &re) {
		return re.HTTPStatusCode()
	}
	return 0
}

// EnsureBucket creates the bucket unless it already exists and is ours.
func (s *Store) EnsureBucket(ctx context.Context) error {
	_, err := s.api.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)})
	switch {
	case err == nil:
		logging.Info("Bucket %s already exists", s.bucket)
		return nil
	case httpStatus(err) == 403 || awsutil.HasCode(err, "Forbidden"):
		return fmt.Errorf("%w: %s, choose another bucket name", ErrBucketForeign, s.bucket)
	case httpStatus(err) != 404 && !awsutil.HasCode(err, "NotFound", "NoSuchBucket"):
		return fmt.Errorf("failed to check bucket %s: %w", s.bucket, err)
	}

	in := &s3.CreateBucketInput{Bucket: aws.String(s.bucket)}
	if s.region != "" && s.region != "us-east-1" {
		in.CreateBucketConfiguration = &s3types.CreateBucketConfiguration{
			LocationConstraint: s3types.BucketLocationConstraint(s.region),
		}
	}
	_, err = s.api.CreateBucket(ctx, in)
	switch {
	case err == nil:
		logging.Info("Created bucket %s in %s", s.bucket, s.region)
	case awsutil.HasCode(err, "BucketAlreadyOwnedByYou"):
		logging.Info("Bucket %s already owned by you", s.bucket)
	case awsutil.HasCode(err, "BucketAlreadyExists"):
		return fmt.Errorf("bucket name %s is taken globally, pick another prefix", s.bucket)
	default:
		return fmt.Errorf("failed to create bucket %s: %w", s.bucket, err)
	}
	return nil
}

// ListKeys returns every object under prefix.
func (s *Store) ListKeys(ctx context.Context, prefix string) ([]Object, error) {
	var objects []Object
	p := s3.NewListObjectsV2Paginator(s.api, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list s3://%s/%s: %w", s.bucket, prefix, err)
		}
		for _, o := range page.Contents {
			key := aws.ToString(o.Key)
			if strings.HasSuffix(key, "/") {
				continue
			}
			objects = append(objects, Object{Key: key, Size: aws.ToInt64(o.Size)})
		}
	}
	return objects, nil
}

// GetObject reads a whole object.
func (s *Store) GetObject(ctx context.Context, key string) ([]byte, error) {
	out, err := s.api.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(key)})
	if err != nil {
		return nil, fmt.Errorf("failed to get s3://%s/%s: %w", s.bucket, key, err)
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read s3://%s/%s: %w", s.bucket, key, err)
	}
	return data, nil
}

// PutText writes text to key.
func (s *Store) PutText(ctx context.Context, key, text string) error {
	return s.put(ctx, key, []byte(text), "text/plain")
}

func (s *Store) put(ctx context.Context, key string, body []byte, contentType string) error {
	in := &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(body),
	}
	if contentType != "" {
		in.ContentType = aws.String(contentType)
	}
	if _, err := s.api.PutObject(ctx, in); err != nil {
		return fmt.Errorf("failed to put s3://%s/%s: %w", s.bucket, key, err)
	}
	return nil
}

// EmptyAndDeleteBucket deletes every object and then the bucket itself. A
// missing bucket is not an error.
func (s *Store) EmptyAndDeleteBucket(ctx context.Context) error {
	objects, err := s.ListKeys(ctx, "")
	if awsutil.HasCode(err, "NoSuchBucket") {
		logging.Info("Bucket %s does not exist", s.bucket)
		return nil
	}
	if err != nil {
		return err
	}
	for start := 0; start < len(objects); start += deleteBatch {
		end := min(start+deleteBatch, len(objects))
		ids := make([]s3types.ObjectIdentifier, 0, end-start)
		for _, o := range objects[start:end] {
			ids = append(ids, s3types.ObjectIdentifier{Key: aws.String(o.Key)})
		}
		out, err := s.api.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(s.bucket),
			Delete: &s3types.Delete{Objects: ids, Quiet: aws.Bool(true)},
		})
		if err != nil {
			return fmt.Errorf("failed to delete objects from %s: %w", s.bucket, err)
		}
		if len(out.Errors) > 0 {
			e := out.Errors[0]
			return fmt.Errorf("failed to delete %d objects from %s, first %s: %s", len(out.Errors), s.bucket, aws.ToString(e.Key), aws.ToString(e.Message))
		}
	}
	logging.Info("Deleted %d objects from %s", len(objects), s.bucket)

	if _, err := s.api.DeleteBucket(ctx, &s3.DeleteBucketInput{Bucket: aws.String(s.bucket)}); err != nil {
		return fmt.Errorf("failed to delete bucket %s: %w", s.bucket, err)
	}
	logging.Info("Deleted bucket %s", s.bucket)
	return nil
}
