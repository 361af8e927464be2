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


package gke

import (
	"bytes"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"regexp"
	"strings"
	"text/template"

	batchv1 "k8s.io/api/batch/v1"
	"sigs.k8s.io/yaml"

	"mission-toolkit/pkg/backend"
)

const (
	// NodePoolLabel is set by GKE on every node of a node pool.
	NodePoolLabel = "cloud.google.com/gke-nodepool"

	missionLabel    = "mission.toolkit.dev/mission"
	poolLabel       = "mission.toolkit.dev/pool"
	taskAnnotation  = "mission.toolkit.dev/task-id"
	imageMetadata   = "mission-image"
	exitCodeFile    = "/work/.exit-code"
	defaultCLIImage = "gcr.io/google.com/cloudsdktool/google-cloud-cli:slim"
)

// TaskJobTemplate renders the Kubernetes Job for one case. The stage init
// container copies the case input from the bucket, the run init container runs
// the command and records its exit status, and the collect container always
// copies the case directory back before exiting with that status.
const TaskJobTemplate = `
apiVersion: batch/v1
kind: Job
metadata:
  name: {{.JobName}}
  namespace: {{.Namespace}}
  labels:
    {{.MissionLabel}}: {{quote .Mission}}
    {{.PoolLabel}}: {{quote .Pool}}
  annotations:
    {{.TaskAnnotation}}: {{quote .TaskID}}
spec:
  backoffLimit: 0
  template:
    metadata:
      labels:
        {{.MissionLabel}}: {{quote .Mission}}
        {{.PoolLabel}}: {{quote .Pool}}
    spec:
      restartPolicy: Never
{{- if .ServiceAccount }}
      serviceAccountName: {{.ServiceAccount}}
{{- end }}
      nodeSelector:
        {{.NodePoolLabel}}: {{quote .Pool}}
      initContainers:
      - name: stage
        image: {{quote .CLIImage}}
        command: ["/bin/bash", "-c", {{quote .StageScript}}]
        volumeMounts:
        - name: work
          mountPath: /work
      - name: run
        image: {{quote .Image}}
        workingDir: /work
        command: ["/bin/bash", "-c", {{quote .RunScript}}]
        volumeMounts:
        - name: work
          mountPath: /work
      containers:
      - name: collect
        image: {{quote .CLIImage}}
        command: ["/bin/bash", "-c", {{quote .CollectScript}}]
        volumeMounts:
        - name: work
          mountPath: /work
      volumes:
      - name: work
        emptyDir: {}
`

// ManifestOptions holds the parameters of one task Job.
type ManifestOptions struct {
	Namespace      string
	Mission        string
	Pool           string
	ServiceAccount string
	CLIImage       string
	Task           backend.TaskSpec
}

var taskJobTemplate = template.Must(template.New("taskJob").Funcs(template.FuncMap{
	"quote": quote,
}).Parse(TaskJobTemplate))

// quote renders s as a JSON string, which YAML reads back verbatim.
func quote(s string) (string, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

var shellSafe = regexp.MustCompile(`^[A-Za-z0-9_./:@%+=,-]+$`)

// shellQuote returns s as a single POSIX shell word. Glob characters are
// quoted too; gcloud storage expands wildcards itself.
func shellQuote(s string) string {
	if shellSafe.MatchString(s) {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// GenerateTaskManifest renders the Job manifest for opts.
func GenerateTaskManifest(opts ManifestOptions) (string, error) {
	if opts.Task.ID == "" {
		return "", fmt.Errorf("task id is required")
	}
	if opts.Task.Image == "" {
		return "", fmt.Errorf("task %s: image is required", opts.Task.ID)
	}
	cliImage := opts.CLIImage
	if cliImage == "" {
		cliImage = defaultCLIImage
	}
	caseDir := strings.Trim(opts.Task.InputPrefix, "/")
	if caseDir == "" {
		caseDir = opts.Task.ID
	}
	outDir := strings.Trim(opts.Task.OutputPrefix, "/")
	if outDir == "" {
		outDir = caseDir
	}

	data := struct {
		JobName        string
		Namespace      string
		Mission        string
		Pool           string
		TaskID         string
		Image          string
		CLIImage       string
		ServiceAccount string
		StageScript    string
		RunScript      string
		CollectScript  string
		MissionLabel   string
		PoolLabel      string
		TaskAnnotation string
		NodePoolLabel  string
	}{
		JobName:        TaskJobName(opts.Task.ID),
		Namespace:      opts.Namespace,
		Mission:        opts.Mission,
		Pool:           opts.Pool,
		TaskID:         opts.Task.ID,
		Image:          opts.Task.Image,
		CLIImage:       cliImage,
		ServiceAccount: opts.ServiceAccount,
		StageScript: fmt.Sprintf("set -e\nmkdir -p %s\ngcloud storage cp -r %s %s",
			shellQuote("/work/"+caseDir), shellQuote("gs://"+opts.Task.Container+"/"+caseDir+"/*"), shellQuote("/work/"+caseDir+"/")),
		RunScript: fmt.Sprintf("( %s ) > %s 2> %s\necho $? > %s\nexit 0",
			opts.Task.Command, shellQuote(caseDir+"/stdout.txt"), shellQuote(caseDir+"/stderr.txt"), exitCodeFile),
		CollectScript: fmt.Sprintf("gcloud storage cp -r %s %s || exit 1\nexit $(cat %s 2>/dev/null || echo 1)",
			shellQuote("/work/"+caseDir+"/*"), shellQuote("gs://"+opts.Task.Container+"/"+outDir+"/"), exitCodeFile),
		MissionLabel:   missionLabel,
		PoolLabel:      poolLabel,
		TaskAnnotation: taskAnnotation,
		NodePoolLabel:  NodePoolLabel,
	}

	var buf bytes.Buffer
	if err := taskJobTemplate.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to execute task job template: %w", err)
	}
	return buf.String(), nil
}

// BuildTaskJob renders and decodes the Job for opts.
func BuildTaskJob(opts ManifestOptions) (*batchv1.Job, error) {
	manifest, err := GenerateTaskManifest(opts)
	if err != nil {
		return nil, err
	}
	job := &batchv1.Job{}
	if err := yaml.UnmarshalStrict([]byte(manifest), job); err != nil {
		return nil, fmt.Errorf("failed to decode task job manifest: %w", err)
	}
	return job, nil
}

// TaskJobName maps a case name onto a DNS-1123 label. Names that had to be
// rewritten get a hash suffix so distinct cases never collide.
func TaskJobName(id string) string {
	return dnsLabel(id, 63)
}

func dnsLabel(s string, max int) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	label := strings.Trim(b.String(), "-")
	if label == s && len(label) <= max {
		return label
	}

	h := fnv.New32a()
	h.Write([]byte(s))
	suffix := fmt.Sprintf("-%08x", h.Sum32())
	if len(label) > max-len(suffix) {
		label = strings.TrimRight(label[:max-len(suffix)], "-")
	}
	if label == "" {
		label = "x"
	}
	return label + suffix
}
