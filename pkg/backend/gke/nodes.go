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
	"sort"
	"time"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"

	"mission-toolkit/pkg/backend"
)

// startupGrace is how long a NotReady node counts as starting rather than
// unusable.
const startupGrace = 5 * time.Minute

// Taints GKE places on nodes that are going away.
var preemptionTaints = map[string]bool{
	"cloud.google.com/impending-node-termination": true,
	"node.cloudprovider.kubernetes.io/shutdown":   true,
}

// ListNodes maps the pool's Kubernetes nodes onto node states. A node is
// running when a mission pod is scheduled on it.
func (c *Compute) ListNodes(ctx context.Context, pool string) ([]backend.Node, error) {
	nodes, err := c.kube.CoreV1().Nodes().List(ctx, metav1.ListOptions{
		LabelSelector: labels.SelectorFromSet(labels.Set{NodePoolLabel: pool}).String(),
	})
	if err != nil {
		return nil, mapKubeErr("pool "+pool, err)
	}

	pods, err := c.kube.CoreV1().Pods(metav1.NamespaceAll).List(ctx, metav1.ListOptions{
		LabelSelector: labels.SelectorFromSet(labels.Set{poolLabel: pool}).String(),
	})
	if err != nil {
		return nil, mapKubeErr("pods of pool "+pool, err)
	}
	busy := map[string]bool{}
	for _, p := range pods.Items {
		if p.Spec.NodeName != "" && (p.Status.Phase == corev1.PodRunning || p.Status.Phase == corev1.PodPending) {
			busy[p.Spec.NodeName] = true
		}
	}

	out := make([]backend.Node, 0, len(nodes.Items))
	for i := range nodes.Items {
		n := &nodes.Items[i]
		out = append(out, backend.Node{ID: n.Name, State: nodeState(n, busy[n.Name], c.now())})
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	return out, nil
}

func nodeState(n *corev1.Node, busy bool, now time.Time) backend.NodeState {
	for _, t := range n.Spec.Taints {
		if preemptionTaints[t.Key] {
			return backend.NodePreempted
		}
	}
	if n.Spec.Unschedulable {
		return backend.NodeLeavingPool
	}

	var ready *corev1.NodeCondition
	for i := range n.Status.Conditions {
		if n.Status.Conditions[i].Type == corev1.NodeReady {
			ready = &n.Status.Conditions[i]
			break
		}
	}
	if ready == nil {
		return backend.NodeCreating
	}

	switch ready.Status {
	case corev1.ConditionTrue:
		if busy {
			return backend.NodeRunning
		}
		return backend.NodeIdle
	case corev1.ConditionFalse:
		if now.Sub(n.CreationTimestamp.Time) < startupGrace {
			return backend.NodeStarting
		}
		return backend.NodeUnusable
	}
	return backend.NodeUnknown
}
