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

// Package datagen writes sample shard inputs to the local data directory.
package datagen

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"path/filepath"
	"strconv"

	"github.com/spf13/afero"
)

// Options control the generated layout dir/{1..Folders}/{1..Files}.json.
type Options struct {
	Folders int
	Files   int
	Numbers int
	// Rand is the number source; nil uses the global one.
	Rand *rand.Rand
}

// DefaultOptions is 10 folders of 100 files with 100 numbers each.
func DefaultOptions() Options {
	return Options{Folders: 10, Files: 100, Numbers: 100}
}

type document struct {
	Numbers []float64 `json:"numbers"`
}

// Generate writes the files below dir and returns how many it wrote.
func Generate(fs afero.Fs, dir string, opts Options) (int, error) {
	if opts.Folders < 1 || opts.Files < 1 || opts.Numbers < 1 {
		return 0, fmt.Errorf("folders, files and numbers must all be positive, got %d/%d/%d", opts.Folders, opts.Files, opts.Numbers)
	}
	next := rand.Float64
	if opts.Rand != nil {
		next = opts.Rand.Float64
	}

	written := 0
	for i := 1; i <= opts.Folders; i++ {
		folder := filepath.Join(dir, strconv.Itoa(i))
		if err := fs.MkdirAll(folder, 0o755); err != nil {
			return written, fmt.Errorf("failed to create %s: %w", folder, err)
		}
		for j := 1; j <= opts.Files; j++ {
			doc := document{Numbers: make([]float64, opts.Numbers)}
			for k := range doc.Numbers {
				doc.Numbers[k] = next()
			}
			data, err := json.MarshalIndent(doc, "", "  ")
			if err != nil {
				return written, err
			}
			path := filepath.Join(folder, fmt.Sprintf("%d.json", j))
			if err := afero.WriteFile(fs, path, data, 0o644); err != nil {
				return written, fmt.Errorf("failed to write %s: %w", path, err)
			}
			written++
		}
	}
	return written, nil
}
