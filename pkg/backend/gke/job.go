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

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"mission-toolkit/pkg/backend"
)

// Namespace returns the namespace that holds job's tasks.
func Namespace(job string) string {
	return dnsLabel(job, 63)
}

func (c *Compute) CreateJob(ctx context.Context, spec backend.JobSpec) error {
	ns := &corev1.Namespace{
		ObjectMeta: metav1.ObjectMeta{
			Name: Namespace(spec.Name),
			Labels: map[string]string{
				missionLabel: dnsLabel(spec.Mission, 63),
				poolLabel:    spec.Pool,
			},
		},
	}
	_, err := c.kube.CoreV1().Namespaces().Create(ctx, ns, metav1.CreateOptions{})
	if err == nil {
		c.log.WithField("job", spec.Name).Infof("Created namespace %s", ns.Name)
		return nil
	}
	err = mapKubeErr("job "+spec.Name, err)
	if !backend.IsAlreadyExists(err) {
		return err
	}

	existing, getErr := c.kube.CoreV1().Namespaces().Get(ctx, ns.Name, metav1.GetOptions{})
	if getErr == nil && existing.Status.Phase == corev1.NamespaceTerminating {
		return backend.Wrap(backend.ErrBeingDeleted, "job "+spec.Name, nil)
	}
	return err
}

func (c *Compute) GetJob(ctx context.Context, name string) (*backend.Job, error) {
	ns, err := c.kube.CoreV1().Namespaces().Get(ctx, Namespace(name), metav1.GetOptions{})
	if err != nil {
		return nil, mapKubeErr("job "+name, err)
	}
	state := backend.JobActive
	if ns.Status.Phase == corev1.NamespaceTerminating {
		state = backend.JobTerminating
	}
	return &backend.Job{Name: name, State: state}, nil
}

func (c *Compute) DeleteJob(ctx context.Context, name string) error {
	if err := c.kube.CoreV1().Namespaces().Delete(ctx, Namespace(name), metav1.DeleteOptions{}); err != nil {
		return mapKubeErr("job "+name, err)
	}
	return nil
}

// jobPool reads the pool a job was bound to when it was created.
func (c *Compute) jobPool(ctx context.Context, job string) (string, error) {
	ns, err := c.kube.CoreV1().Namespaces().Get(ctx, Namespace(job), metav1.GetOptions{})
	if err != nil {
		return "", mapKubeErr("job "+job, err)
	}
	if ns.Status.Phase == corev1.NamespaceTerminating {
		return "", backend.Wrap(backend.ErrBeingDeleted, "job "+job, nil)
	}
	return ns.Labels[poolLabel], nil
}
