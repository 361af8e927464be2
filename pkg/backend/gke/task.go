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
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"

	"mission-toolkit/pkg/backend"
)

func (c *Compute) AddTask(ctx context.Context, job string, spec backend.TaskSpec) error {
	pool, err := c.jobPool(ctx, job)
	if err != nil {
		return err
	}
	if spec.Container == "" {
		return fmt.Errorf("task %s: container is required", spec.ID)
	}
	k8sJob, err := BuildTaskJob(ManifestOptions{
		Namespace:      Namespace(job),
		Mission:        c.cfg.Mission,
		Pool:           pool,
		ServiceAccount: c.cfg.ServiceAccount,
		CLIImage:       c.cfg.CLIImage,
		Task:           spec,
	})
	if err != nil {
		return err
	}
	if _, err := c.kube.BatchV1().Jobs(k8sJob.Namespace).Create(ctx, k8sJob, metav1.CreateOptions{}); err != nil {
		return mapKubeErr("task "+spec.ID, err)
	}
	c.log.WithFields(logrus.Fields{"job": job, "case": spec.ID}).Debugf("Submitted kubernetes job %s", k8sJob.Name)
	return nil
}

func (c *Compute) GetTask(ctx context.Context, job, id string) (*backend.Task, error) {
	k8sJob, err := c.kube.BatchV1().Jobs(Namespace(job)).Get(ctx, TaskJobName(id), metav1.GetOptions{})
	if err != nil {
		return nil, mapKubeErr("task "+id, err)
	}
	t := c.taskView(ctx, k8sJob)
	return &t, nil
}

func (c *Compute) ListTasks(ctx context.Context, job string) ([]backend.Task, error) {
	if _, err := c.GetJob(ctx, job); err != nil {
		return nil, err
	}
	list, err := c.kube.BatchV1().Jobs(Namespace(job)).List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, mapKubeErr("job "+job, err)
	}
	out := make([]backend.Task, 0, len(list.Items))
	for i := range list.Items {
		if _, ok := list.Items[i].Annotations[taskAnnotation]; !ok {
			continue
		}
		out = append(out, c.taskView(ctx, &list.Items[i]))
	}
	return out, nil
}

func (c *Compute) DeleteTask(ctx context.Context, job, id string) error {
	propagation := metav1.DeletePropagationBackground
	err := c.kube.BatchV1().Jobs(Namespace(job)).Delete(ctx, TaskJobName(id), metav1.DeleteOptions{
		PropagationPolicy: &propagation,
	})
	if err != nil {
		return mapKubeErr("task "+id, err)
	}
	return nil
}

// taskView maps a Kubernetes Job onto a task. A Job that has not started a
// ready pod is active; a Failed condition completes it with failure info.
func (c *Compute) taskView(ctx context.Context, j *batchv1.Job) backend.Task {
	t := backend.Task{ID: j.Annotations[taskAnnotation], State: backend.TaskActive}
	if t.ID == "" {
		t.ID = j.Name
	}
	if j.Status.StartTime != nil {
		t.StartedAt = j.Status.StartTime.Time
	}

	for _, cond := range j.Status.Conditions {
		if cond.Status != corev1.ConditionTrue {
			continue
		}
		switch cond.Type {
		case batchv1.JobComplete:
			t.State = backend.TaskCompleted
			t.CompletedAt = completionTime(j, cond)
			return t
		case batchv1.JobFailed:
			t.State = backend.TaskCompleted
			t.CompletedAt = cond.LastTransitionTime.Time
			t.Failure = &backend.FailureInfo{
				Reason:   cond.Reason,
				Message:  cond.Message,
				ExitCode: c.exitCode(ctx, j),
			}
			return t
		}
	}

	if j.Status.Ready != nil && *j.Status.Ready > 0 {
		t.State = backend.TaskRunning
		return t
	}
	if j.Status.Active > 0 {
		t.State = c.podState(ctx, j)
	}
	return t
}

func completionTime(j *batchv1.Job, cond batchv1.JobCondition) time.Time {
	if j.Status.CompletionTime != nil {
		return j.Status.CompletionTime.Time
	}
	return cond.LastTransitionTime.Time
}

func (c *Compute) jobPods(ctx context.Context, j *batchv1.Job) []corev1.Pod {
	pods, err := c.kube.CoreV1().Pods(j.Namespace).List(ctx, metav1.ListOptions{
		LabelSelector: labels.SelectorFromSet(labels.Set{batchv1.JobNameLabel: j.Name}).String(),
	})
	if err != nil {
		c.log.WithField("case", j.Name).Debugf("Failed to list pods: %v", err)
		return nil
	}
	return pods.Items
}

// podState looks inside the pod of an active Job: staging inputs is
// preparing, running the command or collecting outputs is running.
func (c *Compute) podState(ctx context.Context, j *batchv1.Job) backend.TaskState {
	for _, p := range c.jobPods(ctx, j) {
		if p.Status.Phase == corev1.PodRunning {
			return backend.TaskRunning
		}
		for _, s := range p.Status.InitContainerStatuses {
			if s.State.Running == nil {
				continue
			}
			if s.Name == "stage" {
				return backend.TaskPreparing
			}
			return backend.TaskRunning
		}
	}
	return backend.TaskActive
}

// exitCode returns the exit status of the collect container, which mirrors
// the task command. Unknown is -1.
func (c *Compute) exitCode(ctx context.Context, j *batchv1.Job) int {
	for _, p := range c.jobPods(ctx, j) {
		for _, s := range p.Status.ContainerStatuses {
			if s.State.Terminated != nil {
				return int(s.State.Terminated.ExitCode)
			}
		}
	}
	return -1
}
