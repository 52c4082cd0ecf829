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

package batch

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"

	"shardrun/pkg/awsutil"
	"shardrun/pkg/tracker"
)

// logFetcher reads CloudWatch log streams forward.
type logFetcher struct {
	api LogsAPI
}

func (f logFetcher) GetEvents(ctx context.Context, ref tracker.StreamRef, token string) (tracker.LogPage, error) {
	in := &cloudwatchlogs.GetLogEventsInput{
		LogGroupName:  aws.String(ref.Group),
		LogStreamName: aws.String(ref.Stream),
		StartFromHead: aws.Bool(true),
	}
	if token != "" {
		in.NextToken = aws.String(token)
	}
	out, err := f.api.GetLogEvents(ctx, in)
	switch {
	case awsutil.HasCode(err, "ResourceNotFoundException"):
		return tracker.LogPage{}, fmt.Errorf("%w: %v", tracker.ErrStreamNotFound, err)
	case awsutil.HasCode(err, "ThrottlingException"):
		return tracker.LogPage{}, fmt.Errorf("%w: %v", tracker.ErrThrottled, err)
	case err != nil:
		return tracker.LogPage{}, err
	}

	page := tracker.LogPage{NextToken: aws.ToString(out.NextForwardToken)}
	for _, ev := range out.Events {
		page.Events = append(page.Events, tracker.LogEvent{
			Timestamp: time.UnixMilli(aws.ToInt64(ev.Timestamp)),
			Message:   aws.ToString(ev.Message),
		})
	}
	return page, nil
}
