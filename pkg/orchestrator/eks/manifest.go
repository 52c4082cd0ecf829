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
	"bytes"
	"fmt"
	"sort"
	"strconv"
	"text/template"

	batchv1 "k8s.io/api/batch/v1"
	"sigs.k8s.io/yaml"

	"shardrun/pkg/shell"
)

const (
	containerName        = "app"
	runIDLabel           = "run-id"
	jobNameLabel         = "job-name"
	completionIndexKey   = "batch.kubernetes.io/job-completion-index"
	defaultTTLSeconds    = 3600
	defaultWorkloadLabel = "shardrun"
)

// JobTemplate is the Go template for an Indexed Job with one completion per shard.
const JobTemplate = `apiVersion: batch/v1
kind: Job
metadata:
  name: {{.Name}}
  namespace: {{.Namespace}}
  labels:
    app.kubernetes.io/name: {{.Workload}}
    run-id: {{quote .RunID}}
spec:
  completionMode: Indexed
  completions: {{.Completions}}
  parallelism: {{.Completions}}
  backoffLimit: {{.BackoffLimit}}
  ttlSecondsAfterFinished: {{.TTLSeconds}}
  template:
    metadata:
      labels:
        app.kubernetes.io/name: {{.Workload}}
        run-id: {{quote .RunID}}
    spec:
      restartPolicy: Never
{{- if .ServiceAccount }}
      serviceAccountName: {{.ServiceAccount}}
{{- end }}
      containers:
      - name: app
        image: {{quote .Image}}
{{- if .Command }}
        command:
{{- range .Command }}
        - {{quote .}}
{{- end }}
{{- end }}
        env:
        - name: JOB_COMPLETION_INDEX
          valueFrom:
            fieldRef:
              fieldPath: metadata.annotations['batch.kubernetes.io/job-completion-index']
{{- range .Env }}
        - name: {{.Name}}
          value: {{quote .Value}}
{{- end }}
        resources:
          requests:
            cpu: {{quote .CPU}}
            memory: {{quote .Memory}}
          limits:
            cpu: {{quote .CPU}}
            memory: {{quote .Memory}}
`

// ManifestOptions holds the parameters of the Indexed Job manifest.
type ManifestOptions struct {
	Name           string
	Namespace      string
	RunID          string
	Image          string
	Command        []string
	Env            map[string]string
	Completions    int
	BackoffLimit   int32
	TTLSeconds     int32
	ServiceAccount string
	CPU            string
	Memory         string
}

type envVar struct {
	Name  string
	Value string
}

// RenderManifest renders the Indexed Job for opts.
func RenderManifest(opts ManifestOptions) (string, error) {
	if opts.Completions < 1 {
		return "", fmt.Errorf("an indexed job needs at least one completion, got %d", opts.Completions)
	}
	name := opts.Name
	if name == "" {
		name = defaultWorkloadLabel + "-" + shell.RandomString(8)
	}
	namespace := opts.Namespace
	if namespace == "" {
		namespace = "default"
	}
	ttl := opts.TTLSeconds
	if ttl == 0 {
		ttl = defaultTTLSeconds
	}

	keys := make([]string, 0, len(opts.Env))
	for k := range opts.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	env := make([]envVar, 0, len(keys))
	for _, k := range keys {
		env = append(env, envVar{Name: k, Value: opts.Env[k]})
	}

	tmpl, err := template.New("job").Funcs(template.FuncMap{"quote": strconv.Quote}).Parse(JobTemplate)
	if err != nil {
		return "", fmt.Errorf("failed to parse job template: %w", err)
	}
	data := struct {
		ManifestOptions
		Workload   string
		Namespace  string
		Name       string
		TTLSeconds int32
		Env        []envVar
	}{
		ManifestOptions: opts,
		Workload:        defaultWorkloadLabel,
		Namespace:       namespace,
		Name:            name,
		TTLSeconds:      ttl,
		Env:             env,
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to execute job template: %w", err)
	}
	return buf.String(), nil
}

// decodeJob parses a rendered manifest into a typed Job.
func decodeJob(manifest string) (*batchv1.Job, error) {
	var job batchv1.Job
	if err := yaml.UnmarshalStrict([]byte(manifest), &job); err != nil {
		return nil, fmt.Errorf("failed to decode job manifest: %w", err)
	}
	if job.Kind != "Job" || job.Name == "" {
		return nil, fmt.Errorf("manifest is not a named Job (kind %q)", job.Kind)
	}
	return &job, nil
}
