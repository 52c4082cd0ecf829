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

package storage

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"

	"shardrun/pkg/logging"
)

// UploadShards copies dataDir/{i}/* to {inputBase}{i}/ for i in 1..shards and
// returns the number of files uploaded.
func (s *Store) UploadShards(ctx context.Context, dataDir, inputBase string, shards int) (int, error) {
	type upload struct{ local, key string }
	var uploads []upload
	for i := 1; i <= shards; i++ {
		dir := filepath.Join(dataDir, strconv.Itoa(i))
		entries, err := afero.ReadDir(s.fs, dir)
		if os.IsNotExist(err) {
			return 0, fmt.Errorf("shard directory %s does not exist, run 'shardrun data generate' first", dir)
		}
		if err != nil {
			return 0, fmt.Errorf("failed to read %s: %w", dir, err)
		}
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			uploads = append(uploads, upload{
				local: filepath.Join(dir, e.Name()),
				key:   path.Join(strings.TrimSuffix(inputBase, "/"), strconv.Itoa(i), e.Name()),
			})
		}
	}

	var done atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for _, u := range uploads {
		g.Go(func() error {
			data, err := afero.ReadFile(s.fs, u.local)
			if err != nil {
				return fmt.Errorf("failed to read %s: %w", u.local, err)
			}
			if err := s.put(gctx, u.key, data, "application/json"); err != nil {
				return err
			}
			if n := done.Add(1); n%100 == 0 {
				logging.Info("Uploaded %d/%d files", n, len(uploads))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return int(done.Load()), err
	}
	logging.Info("Uploaded %d files for %d shards to s3://%s/%s", len(uploads), shards, s.bucket, inputBase)
	return len(uploads), nil
}

// DownloadResult reports what Download did.
type DownloadResult struct {
	Downloaded int
	Skipped    int
}

// Download mirrors every object under prefix into dest, keeping the path
// below prefix. Files whose local size matches the object size are skipped.
func (s *Store) Download(ctx context.Context, prefix, dest string) (DownloadResult, error) {
	objects, err := s.ListKeys(ctx, prefix)
	if err != nil {
		return DownloadResult{}, err
	}
	sort.Slice(objects, func(i, j int) bool { return objects[i].Key < objects[j].Key })

	var downloaded, skipped atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for _, o := range objects {
		rel := filepath.FromSlash(strings.TrimPrefix(strings.TrimPrefix(o.Key, prefix), "/"))
		if !filepath.IsLocal(rel) {
			logging.Warn("Skipping s3://%s/%s: key resolves outside %s", s.bucket, o.Key, dest)
			skipped.Add(1)
			continue
		}
		local := filepath.Join(dest, rel)
		if fi, err := s.fs.Stat(local); err == nil && fi.Size() == o.Size {
			skipped.Add(1)
			continue
		}
		g.Go(func() error {
			data, err := s.GetObject(gctx, o.Key)
			if err != nil {
				return err
			}
			if err := s.fs.MkdirAll(filepath.Dir(local), 0o755); err != nil {
				return fmt.Errorf("failed to create %s: %w", filepath.Dir(local), err)
			}
			if err := afero.WriteFile(s.fs, local, data, 0o644); err != nil {
				return fmt.Errorf("failed to write %s: %w", local, err)
			}
			downloaded.Add(1)
			return nil
		})
	}
	err = g.Wait()
	res := DownloadResult{Downloaded: int(downloaded.Load()), Skipped: int(skipped.Load())}
	if err != nil {
		return res, err
	}
	logging.Info("Downloaded %d files from s3://%s/%s to %s (%d up to date)", res.Downloaded, s.bucket, prefix, dest, res.Skipped)
	return res, nil
}
