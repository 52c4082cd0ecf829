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

package tracker

import (
	"context"
	"fmt"
	"sort"
)

// ChildPage is one page of a per-status child listing.
type ChildPage struct {
	Children  []ChildUnit
	NextToken string
}

// ChildSource lists the children of an array job one status at a time.
type ChildSource interface {
	// Statuses are the values queried on every listing.
	Statuses() []Status
	ListChildren(ctx context.Context, job ArrayJob, status Status, token string) (ChildPage, error)
}

// ListChildren queries every status of src, following pagination to the end,
// and returns the union deduplicated by child ID, ordered by index.
//
// When a child appears more than once, the newest record wins; records of the
// same age keep the most advanced status.
func ListChildren(ctx context.Context, src ChildSource, job ArrayJob) ([]ChildUnit, error) {
	byID := map[string]ChildUnit{}
	for _, status := range src.Statuses() {
		token := ""
		for {
			page, err := src.ListChildren(ctx, job, status, token)
			if err != nil {
				return nil, fmt.Errorf("failed to list %s children of %s: %w", status, job.ID, err)
			}
			for _, c := range page.Children {
				prev, ok := byID[c.ID]
				if !ok || supersedes(c, prev) {
					byID[c.ID] = c
				}
			}
			if page.NextToken == "" || page.NextToken == token {
				break
			}
			token = page.NextToken
		}
	}

	out := make([]ChildUnit, 0, len(byID))
	for _, c := range byID {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Index != out[j].Index {
			return out[i].Index < out[j].Index
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func supersedes(c, prev ChildUnit) bool {
	if !c.CreatedAt.Equal(prev.CreatedAt) {
		return c.CreatedAt.After(prev.CreatedAt)
	}
	return c.Status.rank() > prev.Status.rank()
}
