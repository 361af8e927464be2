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
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	container "google.golang.org/api/container/v1"
	"google.golang.org/api/option"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"

	"mission-toolkit/pkg/backend"
	"mission-toolkit/pkg/logging"
)

const testCluster = "projects/p/locations/us-central1/clusters/c"

// fakeNodePools serves the subset of the GKE node pool API the adapter uses.
type fakeNodePools struct {
	mu    sync.Mutex
	pools map[string]*container.NodePool
	sizes map[string][]int64
}

func (f *fakeNodePools) writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	fmt.Fprintf(w, `{"error":{"code":%d,"message":%q}}`, code, msg)
}

func (f *fakeNodePools) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func (f *fakeNodePools) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	path := strings.TrimPrefix(r.URL.Path, "/v1/"+testCluster+"/nodePools")
	path = strings.TrimPrefix(path, "/")
	name, verb, _ := strings.Cut(path, ":")

	switch {
	case r.Method == http.MethodPost && name == "":
		var req container.CreateNodePoolRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			f.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if _, ok := f.pools[req.NodePool.Name]; ok {
			f.writeError(w, http.StatusConflict, "Already exists")
			return
		}
		req.NodePool.Status = statusProvisioning
		f.pools[req.NodePool.Name] = req.NodePool
		f.writeJSON(w, &container.Operation{Name: "op-create"})
	case r.Method == http.MethodGet:
		np, ok := f.pools[name]
		if !ok {
			f.writeError(w, http.StatusNotFound, "Not found: node pool "+name)
			return
		}
		f.writeJSON(w, np)
	case r.Method == http.MethodPost && verb == "setSize":
		np, ok := f.pools[name]
		if !ok {
			f.writeError(w, http.StatusNotFound, "Not found")
			return
		}
		var req container.SetNodePoolSizeRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		f.sizes[name] = append(f.sizes[name], req.NodeCount)
		np.Status = statusReconciling
		f.writeJSON(w, &container.Operation{Name: "op-resize"})
	case r.Method == http.MethodDelete:
		np, ok := f.pools[name]
		if !ok {
			f.writeError(w, http.StatusNotFound, "Not found")
			return
		}
		if np.Status == statusStopping {
			f.writeError(w, http.StatusBadRequest, "Node pool is being deleted")
			return
		}
		np.Status = statusStopping
		f.writeJSON(w, &container.Operation{Name: "op-delete"})
	default:
		f.writeError(w, http.StatusNotImplemented, r.Method+" "+r.URL.Path)
	}
}

type fixture struct {
	compute *Compute
	pools   *fakeNodePools
	kube    *fake.Clientset
	now     time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	pools := &fakeNodePools{pools: map[string]*container.NodePool{}, sizes: map[string][]int64{}}
	srv := httptest.NewServer(pools)
	t.Cleanup(srv.Close)

	svc, err := container.NewService(context.Background(),
		option.WithEndpoint(srv.URL+"/"),
		option.WithoutAuthentication(),
		option.WithHTTPClient(srv.Client()))
	require.NoError(t, err)

	kube := fake.NewSimpleClientset()
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	cfg := Config{Project: "p", Location: "us-central1", Cluster: "c", Mission: "demo", NodeZone: "us-central1-b"}
	return &fixture{
		compute: New(cfg, svc, kube, logging.Discard(), WithClock(func() time.Time { return now })),
		pools:   pools,
		kube:    kube,
		now:     now,
	}
}

func (f *fixture) setStatus(name, status string) {
	f.pools.mu.Lock()
	defer f.pools.mu.Unlock()
	f.pools.pools[name].Status = status
}

func TestPoolLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	exists, err := f.compute.PoolExists(ctx, "demo-pool")
	require.NoError(t, err)
	assert.False(t, exists)

	spec := backend.PoolSpec{
		Name:        "demo-pool",
		VMSize:      "c2-standard-8",
		Image:       "registry.example.com/geoclaw@sha256:abc",
		TargetNodes: 0,
		MaxNodes:    4,
		Preemptible: true,
	}
	require.NoError(t, f.compute.CreatePool(ctx, spec))
	err = f.compute.CreatePool(ctx, spec)
	assert.True(t, backend.IsAlreadyExists(err), "got %v", err)

	created := f.pools.pools["demo-pool"]
	assert.True(t, created.Config.Spot)
	assert.Equal(t, "c2-standard-8", created.Config.MachineType)
	assert.Equal(t, []string{"us-central1-b"}, created.Locations, "pinned to one zone")
	assert.Nil(t, created.Autoscaling)

	pool, err := f.compute.GetPool(ctx, "demo-pool")
	require.NoError(t, err)
	assert.Equal(t, spec.Image, pool.Image)
	assert.Equal(t, backend.AllocationResizing, pool.Allocation)

	f.setStatus("demo-pool", statusRunning)
	require.NoError(t, f.compute.ResizePool(ctx, "demo-pool", 3))
	assert.Equal(t, []int64{3}, f.pools.sizes["demo-pool"])
	pool, err = f.compute.GetPool(ctx, "demo-pool")
	require.NoError(t, err)
	assert.Equal(t, 3, pool.TargetNodes)
	assert.Equal(t, backend.AllocationResizing, pool.Allocation)

	require.NoError(t, f.compute.StopResize(ctx, "demo-pool"))

	require.NoError(t, f.compute.DeletePool(ctx, "demo-pool"))
	pool, err = f.compute.GetPool(ctx, "demo-pool")
	require.NoError(t, err)
	assert.Equal(t, backend.PoolDeleting, pool.State)
	assert.Equal(t, backend.AllocationStopping, pool.Allocation)

	err = f.compute.DeletePool(ctx, "demo-pool")
	assert.True(t, backend.IsBeingDeleted(err), "got %v", err)

	err = f.compute.ResizePool(ctx, "other", 1)
	assert.True(t, backend.IsNotFound(err), "got %v", err)
}

func TestResizeRefusesMultiZonePool(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.pools.pools["wide-pool"] = &container.NodePool{
		Name:      "wide-pool",
		Status:    statusRunning,
		Locations: []string{"us-central1-a", "us-central1-b", "us-central1-c"},
	}

	err := f.compute.ResizePool(ctx, "wide-pool", 2)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "spans 3 zones")
	assert.Empty(t, f.pools.sizes["wide-pool"], "no resize request was sent")
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr string
	}{
		{name: "zonal cluster", cfg: Config{Location: "us-central1-a"}},
		{name: "zonal cluster same zone", cfg: Config{Location: "us-central1-a", NodeZone: "us-central1-a"}},
		{name: "regional cluster pinned", cfg: Config{Location: "europe-west4", NodeZone: "europe-west4-b"}},
		{name: "regional cluster unpinned", cfg: Config{Location: "europe-west4"}, wantErr: "is a region"},
		{name: "zone is a region", cfg: Config{Location: "europe-west4", NodeZone: "europe-west4"}, wantErr: "is not a zone"},
		{name: "zone outside zonal cluster", cfg: Config{Location: "us-central1-a", NodeZone: "us-central1-b"}, wantErr: "differs"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.cfg.Validate()
			if tc.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tc.wantErr)
		})
	}
}

func TestCreatePoolAutoscale(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.compute.CreatePool(ctx, backend.PoolSpec{Name: "auto-pool", MaxNodes: 8, Autoscale: true}))

	pool, err := f.compute.GetPool(ctx, "auto-pool")
	require.NoError(t, err)
	assert.True(t, pool.Autoscale)
	assert.Equal(t, int64(8), f.pools.pools["auto-pool"].Autoscaling.MaxNodeCount)
}

func TestJobLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.compute.GetJob(ctx, "demo-job")
	assert.True(t, backend.IsNotFound(err), "got %v", err)

	require.NoError(t, f.compute.CreateJob(ctx, backend.JobSpec{Name: "demo-job", Pool: "demo-pool", Mission: "demo"}))
	err = f.compute.CreateJob(ctx, backend.JobSpec{Name: "demo-job", Pool: "demo-pool", Mission: "demo"})
	assert.True(t, backend.IsAlreadyExists(err), "got %v", err)

	job, err := f.compute.GetJob(ctx, "demo-job")
	require.NoError(t, err)
	assert.Equal(t, backend.JobActive, job.State)

	require.NoError(t, f.compute.DeleteJob(ctx, "demo-job"))
	err = f.compute.DeleteJob(ctx, "demo-job")
	assert.True(t, backend.IsNotFound(err), "got %v", err)
}

func TestCreateJobWhileTerminating(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.kube.CoreV1().Namespaces().Create(ctx, &corev1.Namespace{
		ObjectMeta: metav1.ObjectMeta{Name: "demo-job"},
		Status:     corev1.NamespaceStatus{Phase: corev1.NamespaceTerminating},
	}, metav1.CreateOptions{})
	require.NoError(t, err)

	err = f.compute.CreateJob(ctx, backend.JobSpec{Name: "demo-job", Pool: "demo-pool"})
	assert.True(t, backend.IsBeingDeleted(err), "got %v", err)

	job, err := f.compute.GetJob(ctx, "demo-job")
	require.NoError(t, err)
	assert.Equal(t, backend.JobTerminating, job.State)
}

func TestTaskLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.compute.CreateJob(ctx, backend.JobSpec{Name: "demo-job", Pool: "demo-pool", Mission: "demo"}))

	spec := backend.TaskSpec{
		ID:           "Case_01",
		Image:        "registry.example.com/geoclaw@sha256:abc",
		Command:      "run.py Case_01",
		Container:    "demo-container",
		InputPrefix:  "Case_01/",
		OutputPrefix: "Case_01/",
	}
	require.NoError(t, f.compute.AddTask(ctx, "demo-job", spec))
	err := f.compute.AddTask(ctx, "demo-job", spec)
	assert.True(t, backend.IsAlreadyExists(err), "got %v", err)

	k8sJob, err := f.kube.BatchV1().Jobs("demo-job").Get(ctx, TaskJobName("Case_01"), metav1.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, "demo-pool", k8sJob.Spec.Template.Spec.NodeSelector[NodePoolLabel])

	task, err := f.compute.GetTask(ctx, "demo-job", "Case_01")
	require.NoError(t, err)
	assert.Equal(t, "Case_01", task.ID)
	assert.Equal(t, backend.TaskActive, task.State)

	ready := int32(1)
	k8sJob.Status.Ready = &ready
	k8sJob, err = f.kube.BatchV1().Jobs("demo-job").UpdateStatus(ctx, k8sJob, metav1.UpdateOptions{})
	require.NoError(t, err)
	task, err = f.compute.GetTask(ctx, "demo-job", "Case_01")
	require.NoError(t, err)
	assert.Equal(t, backend.TaskRunning, task.State)

	done := metav1.NewTime(f.now)
	k8sJob.Status.Ready = nil
	k8sJob.Status.CompletionTime = &done
	k8sJob.Status.Conditions = []batchv1.JobCondition{{Type: batchv1.JobComplete, Status: corev1.ConditionTrue}}
	_, err = f.kube.BatchV1().Jobs("demo-job").UpdateStatus(ctx, k8sJob, metav1.UpdateOptions{})
	require.NoError(t, err)

	tasks, err := f.compute.ListTasks(ctx, "demo-job")
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, backend.TaskCompleted, tasks[0].State)
	assert.Nil(t, tasks[0].Failure)
	assert.True(t, tasks[0].CompletedAt.Equal(f.now))

	require.NoError(t, f.compute.DeleteTask(ctx, "demo-job", "Case_01"))
	_, err = f.compute.GetTask(ctx, "demo-job", "Case_01")
	assert.True(t, backend.IsNotFound(err), "got %v", err)
}

func TestTaskFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.compute.CreateJob(ctx, backend.JobSpec{Name: "demo-job", Pool: "demo-pool"}))
	require.NoError(t, f.compute.AddTask(ctx, "demo-job", backend.TaskSpec{
		ID: "case-02", Image: "img", Command: "false", Container: "demo-container",
	}))

	k8sJob, err := f.kube.BatchV1().Jobs("demo-job").Get(ctx, "case-02", metav1.GetOptions{})
	require.NoError(t, err)
	k8sJob.Status.Conditions = []batchv1.JobCondition{{
		Type:    batchv1.JobFailed,
		Status:  corev1.ConditionTrue,
		Reason:  "BackoffLimitExceeded",
		Message: "Job has reached the specified backoff limit",
	}}
	_, err = f.kube.BatchV1().Jobs("demo-job").UpdateStatus(ctx, k8sJob, metav1.UpdateOptions{})
	require.NoError(t, err)

	_, err = f.kube.CoreV1().Pods("demo-job").Create(ctx, &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      "case-02-abcde",
			Namespace: "demo-job",
			Labels:    map[string]string{batchv1.JobNameLabel: "case-02"},
		},
		Status: corev1.PodStatus{
			Phase: corev1.PodFailed,
			ContainerStatuses: []corev1.ContainerStatus{{
				Name:  "collect",
				State: corev1.ContainerState{Terminated: &corev1.ContainerStateTerminated{ExitCode: 3}},
			}},
		},
	}, metav1.CreateOptions{})
	require.NoError(t, err)

	task, err := f.compute.GetTask(ctx, "demo-job", "case-02")
	require.NoError(t, err)
	assert.Equal(t, backend.TaskCompleted, task.State)
	require.NotNil(t, task.Failure)
	assert.Equal(t, "BackoffLimitExceeded", task.Failure.Reason)
	assert.Equal(t, 3, task.Failure.ExitCode)
}

func TestTaskPreparing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.compute.CreateJob(ctx, backend.JobSpec{Name: "demo-job", Pool: "demo-pool"}))
	require.NoError(t, f.compute.AddTask(ctx, "demo-job", backend.TaskSpec{
		ID: "case-03", Image: "img", Command: "true", Container: "demo-container",
	}))

	k8sJob, err := f.kube.BatchV1().Jobs("demo-job").Get(ctx, "case-03", metav1.GetOptions{})
	require.NoError(t, err)
	k8sJob.Status.Active = 1
	_, err = f.kube.BatchV1().Jobs("demo-job").UpdateStatus(ctx, k8sJob, metav1.UpdateOptions{})
	require.NoError(t, err)

	_, err = f.kube.CoreV1().Pods("demo-job").Create(ctx, &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      "case-03-abcde",
			Namespace: "demo-job",
			Labels:    map[string]string{batchv1.JobNameLabel: "case-03"},
		},
		Status: corev1.PodStatus{
			Phase: corev1.PodPending,
			InitContainerStatuses: []corev1.ContainerStatus{{
				Name:  "stage",
				State: corev1.ContainerState{Running: &corev1.ContainerStateRunning{}},
			}},
		},
	}, metav1.CreateOptions{})
	require.NoError(t, err)

	task, err := f.compute.GetTask(ctx, "demo-job", "case-03")
	require.NoError(t, err)
	assert.Equal(t, backend.TaskPreparing, task.State)
}

func TestAddTaskWithoutJob(t *testing.T) {
	f := newFixture(t)
	err := f.compute.AddTask(context.Background(), "missing-job", backend.TaskSpec{ID: "a", Image: "img", Container: "c"})
	assert.True(t, backend.IsNotFound(err), "got %v", err)

	_, err = f.compute.ListTasks(context.Background(), "missing-job")
	assert.True(t, backend.IsNotFound(err), "got %v", err)
}

func testNode(name string, created time.Time, ready corev1.ConditionStatus) *corev1.Node {
	n := &corev1.Node{
		ObjectMeta: metav1.ObjectMeta{
			Name:              name,
			Labels:            map[string]string{NodePoolLabel: "demo-pool"},
			CreationTimestamp: metav1.NewTime(created),
		},
	}
	if ready != "" {
		n.Status.Conditions = []corev1.NodeCondition{{Type: corev1.NodeReady, Status: ready}}
	}
	return n
}

func TestNodeState(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	cordoned := testNode("n", now.Add(-time.Hour), corev1.ConditionTrue)
	cordoned.Spec.Unschedulable = true
	preempted := testNode("n", now.Add(-time.Hour), corev1.ConditionTrue)
	preempted.Spec.Taints = []corev1.Taint{{Key: "cloud.google.com/impending-node-termination"}}

	tests := []struct {
		name string
		node *corev1.Node
		busy bool
		want backend.NodeState
	}{
		{name: "ready idle", node: testNode("n", now.Add(-time.Hour), corev1.ConditionTrue), want: backend.NodeIdle},
		{name: "ready busy", node: testNode("n", now.Add(-time.Hour), corev1.ConditionTrue), busy: true, want: backend.NodeRunning},
		{name: "new not ready", node: testNode("n", now.Add(-time.Minute), corev1.ConditionFalse), want: backend.NodeStarting},
		{name: "old not ready", node: testNode("n", now.Add(-time.Hour), corev1.ConditionFalse), want: backend.NodeUnusable},
		{name: "unknown", node: testNode("n", now.Add(-time.Hour), corev1.ConditionUnknown), want: backend.NodeUnknown},
		{name: "no condition", node: testNode("n", now, ""), want: backend.NodeCreating},
		{name: "cordoned", node: cordoned, busy: true, want: backend.NodeLeavingPool},
		{name: "preempted", node: preempted, want: backend.NodePreempted},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, nodeState(tc.node, tc.busy, now))
		})
	}
}

func TestListNodes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for _, n := range []*corev1.Node{
		testNode("node-b", f.now.Add(-time.Hour), corev1.ConditionTrue),
		testNode("node-a", f.now.Add(-time.Hour), corev1.ConditionTrue),
	} {
		_, err := f.kube.CoreV1().Nodes().Create(ctx, n, metav1.CreateOptions{})
		require.NoError(t, err)
	}
	_, err := f.kube.CoreV1().Pods("demo-job").Create(ctx, &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{Name: "p", Namespace: "demo-job", Labels: map[string]string{poolLabel: "demo-pool"}},
		Spec:       corev1.PodSpec{NodeName: "node-b"},
		Status:     corev1.PodStatus{Phase: corev1.PodRunning},
	}, metav1.CreateOptions{})
	require.NoError(t, err)

	nodes, err := f.compute.ListNodes(ctx, "demo-pool")
	require.NoError(t, err)
	assert.Equal(t, []backend.Node{
		{ID: "node-a", State: backend.NodeIdle},
		{ID: "node-b", State: backend.NodeRunning},
	}, nodes)
}
