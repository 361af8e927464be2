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

// Package status produces read-only snapshots of a mission's remote
// resources. A resource that does not exist yet is reported as such, never as
// an error.
package status

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"mission-toolkit/pkg/backend"
	"mission-toolkit/pkg/clock"
	"mission-toolkit/pkg/logging"
	"mission-toolkit/pkg/mission"
)

const (
	// NotAvailable is the pool state of a pool that does not exist.
	NotAvailable = "N/A"
	// NotExist is the state of a job or task that does not exist.
	NotExist = "not_exist"
	// Failed is the state of a task that completed with a failure.
	Failed = "failed"
)

// Reporter polls the backends on behalf of one mission.
type Reporter struct {
	m       *mission.Mission
	names   mission.Names
	compute backend.Compute
	store   backend.ObjectStore
	clock   clock.Clock
	log     logrus.FieldLogger
}

// Option customizes a Reporter.
type Option func(*Reporter)

func WithClock(clk clock.Clock) Option { return func(r *Reporter) { r.clock = clk } }

func WithLogger(log logrus.FieldLogger) Option { return func(r *Reporter) { r.log = log } }

// New returns a Reporter for m.
func New(m *mission.Mission, compute backend.Compute, store backend.ObjectStore, opts ...Option) *Reporter {
	r := &Reporter{
		m:       m,
		names:   m.Names(),
		compute: compute,
		store:   store,
		clock:   clock.Real(),
		log:     logging.Discard(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.log = logging.ForMission(r.log, m.Name)
	return r
}

// PoolStatus is a pool snapshot.
type PoolStatus struct {
	Name       string
	Exists     bool
	State      string
	Allocation string
	Target     int
	Autoscale  bool
	Nodes      map[backend.NodeState]int
}

// PoolStatus reports the pool state, its allocation state and a count of its
// nodes per state.
func (r *Reporter) PoolStatus(ctx context.Context) (PoolStatus, error) {
	st := PoolStatus{Name: r.names.Pool, State: NotAvailable, Allocation: NotAvailable}
	exists, err := r.compute.PoolExists(ctx, r.names.Pool)
	if err != nil {
		return st, fmt.Errorf("failed to check pool %s: %w", r.names.Pool, err)
	}
	if !exists {
		return st, nil
	}
	pool, err := r.compute.GetPool(ctx, r.names.Pool)
	if backend.IsNotFound(err) {
		return st, nil
	}
	if err != nil {
		return st, fmt.Errorf("failed to read pool %s: %w", r.names.Pool, err)
	}
	nodes, err := r.compute.ListNodes(ctx, r.names.Pool)
	if err != nil && !backend.IsNotFound(err) {
		return st, fmt.Errorf("failed to list nodes of pool %s: %w", r.names.Pool, err)
	}
	st.Exists = true
	st.State = string(pool.State)
	st.Allocation = string(pool.Allocation)
	st.Target = pool.TargetNodes
	st.Autoscale = pool.Autoscale
	st.Nodes = backend.NodeCounts(nodes)
	return st, nil
}

// TaskView is a task as the mission sees it.
type TaskView struct {
	ID          string
	Status      string
	Failure     *backend.FailureInfo
	CompletedAt time.Time
}

// Finished reports whether the task completed, successfully or not.
func (v TaskView) Finished() bool {
	return v.Status == string(backend.TaskCompleted) || v.Status == Failed
}

// Succeeded reports whether the task completed without failure.
func (v TaskView) Succeeded() bool {
	return v.Status == string(backend.TaskCompleted)
}

// Classify maps a backend task onto the mission's task status. A completed
// task carrying failure information is "failed", never "completed".
func Classify(t backend.Task) string {
	if t.State == backend.TaskCompleted && t.Failure != nil {
		return Failed
	}
	return string(t.State)
}

func view(t backend.Task) TaskView {
	return TaskView{ID: t.ID, Status: Classify(t), Failure: t.Failure, CompletedAt: t.CompletedAt}
}

// TaskCounts tallies tasks of a job.
type TaskCounts struct {
	Active    int
	Running   int
	Succeeded int
	Failed    int
}

// Total is the number of tasks counted.
func (c TaskCounts) Total() int {
	return c.Active + c.Running + c.Succeeded + c.Failed
}

// JobStatus is a job snapshot.
type JobStatus struct {
	Name   string
	Exists bool
	State  string
	Tasks  TaskCounts
}

// JobStatus reports the job state and its tasks counted by status.
func (r *Reporter) JobStatus(ctx context.Context) (JobStatus, error) {
	st := JobStatus{Name: r.names.Job, State: NotExist}
	job, err := r.compute.GetJob(ctx, r.names.Job)
	if backend.IsNotFound(err) {
		return st, nil
	}
	if err != nil {
		return st, fmt.Errorf("failed to read job %s: %w", r.names.Job, err)
	}
	st.Exists = true
	st.State = string(job.State)

	tasks, err := r.TaskStates(ctx)
	if err != nil {
		return st, err
	}
	for _, t := range tasks {
		switch t.Status {
		case string(backend.TaskActive), string(backend.TaskPreparing):
			st.Tasks.Active++
		case string(backend.TaskRunning):
			st.Tasks.Running++
		case string(backend.TaskCompleted):
			st.Tasks.Succeeded++
		case Failed:
			st.Tasks.Failed++
		}
	}
	return st, nil
}

// TaskStatus reports the status of one case's task.
func (r *Reporter) TaskStatus(ctx context.Context, name string) (string, error) {
	t, err := r.compute.GetTask(ctx, r.names.Job, name)
	if backend.IsNotFound(err) {
		return NotExist, nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read task %s: %w", name, err)
	}
	return Classify(*t), nil
}

// TaskStates returns every task of the job keyed by case name. A missing job
// has no tasks.
func (r *Reporter) TaskStates(ctx context.Context) (map[string]TaskView, error) {
	tasks, err := r.compute.ListTasks(ctx, r.names.Job)
	if backend.IsNotFound(err) {
		return map[string]TaskView{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks of job %s: %w", r.names.Job, err)
	}
	out := make(map[string]TaskView, len(tasks))
	for _, t := range tasks {
		out[t.ID] = view(t)
	}
	return out, nil
}

// StorageStatus is a container snapshot.
type StorageStatus struct {
	Container string
	Exists    bool
}

// StorageStatus reports whether the container exists.
func (r *Reporter) StorageStatus(ctx context.Context) (StorageStatus, error) {
	exists, err := r.store.ContainerExists(ctx, r.names.Container)
	if err != nil {
		return StorageStatus{Container: r.names.Container}, fmt.Errorf("failed to check container %s: %w", r.names.Container, err)
	}
	return StorageStatus{Container: r.names.Container, Exists: exists}, nil
}

// DirUsage aggregates the blobs under one top-level directory.
type DirUsage struct {
	Name         string
	Blobs        int
	Size         int64
	LastModified time.Time
}

// SizeMB is Size in mebibytes.
func (d DirUsage) SizeMB() float64 { return float64(d.Size) / (1 << 20) }

// StorageUsage aggregates a container's blobs per top-level directory.
type StorageUsage struct {
	Container    string
	Exists       bool
	Dirs         []DirUsage
	DirCount     int
	TotalSize    int64
	LastModified time.Time
}

// internalPrefix holds bookkeeping blobs that are not case data.
const internalPrefix = ".mission/"

// StorageOverview lists the container and sums blob sizes per top-level
// directory.
func (r *Reporter) StorageOverview(ctx context.Context) (StorageUsage, error) {
	usage := StorageUsage{Container: r.names.Container}
	blobs, _, err := r.store.List(ctx, r.names.Container, "", "")
	if backend.IsNotFound(err) {
		return usage, nil
	}
	if err != nil {
		return usage, fmt.Errorf("failed to list container %s: %w", r.names.Container, err)
	}
	usage.Exists = true

	dirs := map[string]*DirUsage{}
	for _, b := range blobs {
		if strings.HasPrefix(b.Name, internalPrefix) {
			continue
		}
		// Blobs at the container root are grouped under ".".
		top := "."
		if i := strings.Index(b.Name, "/"); i >= 0 {
			top = b.Name[:i]
		}
		d, ok := dirs[top]
		if !ok {
			d = &DirUsage{Name: top}
			dirs[top] = d
		}
		d.Blobs++
		d.Size += b.Size
		if b.ModTime.After(d.LastModified) {
			d.LastModified = b.ModTime
		}
		usage.TotalSize += b.Size
		if b.ModTime.After(usage.LastModified) {
			usage.LastModified = b.ModTime
		}
	}
	for _, d := range dirs {
		usage.Dirs = append(usage.Dirs, *d)
	}
	sort.Slice(usage.Dirs, func(i, j int) bool { return usage.Dirs[i].Name < usage.Dirs[j].Name })
	usage.DirCount = len(usage.Dirs)
	return usage, nil
}

// Snapshot is the full status of a mission at one instant.
type Snapshot struct {
	Time    time.Time
	Mission string
	Pool    PoolStatus
	Job     JobStatus
	Storage StorageStatus
	Ledger  mission.LedgerCounts
}

// Snapshot collects pool, job and storage status. Parts that fail are left
// at their zero value and the errors are joined.
func (r *Reporter) Snapshot(ctx context.Context) (Snapshot, error) {
	s := Snapshot{Time: r.clock.Now().UTC(), Mission: r.m.Name, Ledger: r.m.Ledger.Counts()}
	var errs []error
	var err error
	if s.Pool, err = r.PoolStatus(ctx); err != nil {
		errs = append(errs, err)
	}
	if s.Job, err = r.JobStatus(ctx); err != nil {
		errs = append(errs, err)
	}
	if s.Storage, err = r.StorageStatus(ctx); err != nil {
		errs = append(errs, err)
	}
	return s, errors.Join(errs...)
}

// WatchEvent is one tick of Watch.
type WatchEvent struct {
	Snapshot Snapshot
	Err      error
}

// Watch emits a snapshot immediately and then every interval until ctx is
// done. The channel is closed when Watch stops.
func (r *Reporter) Watch(ctx context.Context, interval time.Duration) <-chan WatchEvent {
	ch := make(chan WatchEvent)
	go func() {
		defer close(ch)
		for {
			s, err := r.Snapshot(ctx)
			select {
			case ch <- WatchEvent{Snapshot: s, Err: err}:
			case <-ctx.Done():
				return
			}
			if err := r.clock.Sleep(ctx, interval); err != nil {
				return
			}
		}
	}()
	return ch
}
